package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/joho/godotenv"

	"github.com/seqlab/delta"
	"github.com/seqlab/delta/store"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Ordering daemon. Hosts one ordered session and serves it over
websocket. Clients need a token minted with the daemon's secret unless the
secret is empty.

Usage:
    deltad serve [--config=<config>] [--listen=<listen>] [--db=<db>]

Options:
    -h --help            Show this screen.
    --version            Show version.
    --config=<config>    Yaml config path.
    --listen=<listen>    Listen address, overrides the config.
    --db=<db>            Checkpoint database path, overrides the config.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	// optional .env for DELTA_TOKEN_SECRET and friends
	godotenv.Load()

	configPath, _ := opts.String("--config")
	config, err := LoadDaemonConfig(configPath)
	if err != nil {
		panic(err)
	}
	if listen, parseErr := opts.String("--listen"); parseErr == nil && listen != "" {
		config.Listen = listen
	}
	if db, parseErr := opts.String("--db"); parseErr == nil && db != "" {
		config.StorePath = db
	}

	secret := config.TokenSecret
	if envSecret := os.Getenv("DELTA_TOKEN_SECRET"); envSecret != "" {
		secret = envSecret
	}
	var secretBytes []byte
	if secret != "" {
		secretBytes = []byte(secret)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	serviceSettings := delta.DefaultOrderingServiceSettings()
	serviceSettings.MaxRecordByteCount = config.MaxRecordBytes
	service := delta.NewOrderingService(cancelCtx, secretBytes, serviceSettings)

	checkpointStore, err := store.Open(config.StorePath)
	if err != nil {
		panic(err)
	}

	fmt.Printf("session_id: %s\n", service.SessionId())

	// the observer joins the session like any client and periodically
	// persists its applied state, so a client can restore without replaying
	// the log from zero
	var observerAuth *delta.SessionAuth
	if secretBytes != nil {
		token, err := delta.MintSessionToken(secretBytes, service.SessionId(), "observer", 0)
		if err != nil {
			panic(err)
		}
		observerAuth = &delta.SessionAuth{
			Token:      token,
			AppVersion: RequireVersion(),
		}
	}
	observer := delta.NewSessionWithDefaults(
		cancelCtx,
		delta.NewLocalDialer(service),
		observerAuth,
	)
	observer.Connect()
	go checkpointLoop(cancelCtx, observer, checkpointStore, config)

	statusServer := &http.Server{
		Addr: config.Listen,
		Handler: newHandler(service, &Status{
			service: service,
		}),
	}

	fmt.Printf("serve %s on %s\n", RequireVersion(), config.Listen)

	go func() {
		defer cancel()
		err := statusServer.ListenAndServe()
		if err != nil {
			fmt.Printf("serve error: %s\n", err)
		}
	}()

	select {
	case <-cancelCtx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	statusServer.Shutdown(shutdownCtx)

	observer.Close()
	service.Close()
	checkpointStore.Close()

	os.Exit(0)
}

func newHandler(service *delta.OrderingService, status *Status) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", delta.NewServiceServerWithDefaults(service))
	mux.Handle("/status", status)
	return mux
}

func checkpointLoop(ctx context.Context, observer *delta.Session, checkpointStore *store.CheckpointStore, config *DaemonConfig) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(config.CheckpointInterval)):
		}

		checkpoint, err := observer.Checkpoint()
		if err != nil {
			glog.V(1).Infof("[dd]checkpoint skip: %s\n", err)
			continue
		}
		if err := checkpointStore.Save(ctx, checkpoint); err != nil {
			glog.Warningf("[dd]checkpoint save err = %s\n", err)
			continue
		}
		pruned, err := checkpointStore.Prune(ctx, checkpoint.SessionId, config.CheckpointKeep)
		if err != nil {
			glog.Warningf("[dd]checkpoint prune err = %s\n", err)
			continue
		}
		glog.V(1).Infof("[dd]checkpoint seq=%d pruned=%d\n", checkpoint.LastSequenceNumber, pruned)
	}
}

type Status struct {
	service *delta.OrderingService
}

func (self *Status) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type StatusResult struct {
		Version               string `json:"version"`
		Status                string `json:"status"`
		SessionId             string `json:"sessionId"`
		Head                  uint64 `json:"head"`
		MinimumSequenceNumber uint64 `json:"minimumSequenceNumber"`
		ConnectedCount        int    `json:"connectedCount"`
	}

	result := &StatusResult{
		Version:               RequireVersion(),
		Status:                "ok",
		SessionId:             self.service.SessionId().String(),
		Head:                  self.service.Head(),
		MinimumSequenceNumber: self.service.MinimumSequenceNumber(),
		ConnectedCount:        self.service.ConnectedCount(),
	}

	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

func RequireVersion() string {
	if version := os.Getenv("DELTA_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
