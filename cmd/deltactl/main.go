package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/seqlab/delta"
	"github.com/seqlab/delta/store"
)

const DeltaCtlVersion = "0.1.0"

const DefaultUrl = "ws://127.0.0.1:8600"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Delta session control.

The default url is:
    url: %s

Usage:
    deltactl token --session=<session_id> [--secret=<secret>]
        [--subject=<subject>] [--ttl=<ttl>]
    deltactl watch [--url=<url>] [--token=<token>]
        [--db=<db>] [--session=<session_id>]
        [--message_count=<message_count>]
    deltactl send [--url=<url>] [--token=<token>] [<message>]
    deltactl propose [--url=<url>] [--token=<token>] --key=<key> <value>
    deltactl sessions --db=<db>

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --url=<url>                      Daemon websocket url.
    --token=<token>                  Session token.
    --secret=<secret>                Token secret. Prompted when not given.
    --session=<session_id>           Session id.
    --subject=<subject>              Token subject [default: deltactl].
    --ttl=<ttl>                      Token lifetime, e.g. 24h. 0 never expires [default: 0].
    --db=<db>                        Checkpoint database path.
    --key=<key>                      Proposal key.
    --message_count=<message_count>  Exit after this many messages.`,
		DefaultUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DeltaCtlVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")

	if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if propose_, _ := opts.Bool("propose"); propose_ {
		propose(opts)
	} else if sessions_, _ := opts.Bool("sessions"); sessions_ {
		sessions(opts)
	}
}

func token(opts docopt.Opts) {
	sessionIdStr, _ := opts.String("--session")
	sessionId, err := delta.ParseId(sessionIdStr)
	if err != nil {
		Err.Printf("invalid session_id (%s)", err)
		os.Exit(1)
	}

	var secret string
	if secretAny := opts["--secret"]; secretAny != nil {
		secret = secretAny.(string)
	} else {
		fmt.Print("Enter secret: ")
		secretBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		secret = string(secretBytes)
		fmt.Printf("\n")
	}

	subject, _ := opts.String("--subject")
	ttlStr, _ := opts.String("--ttl")
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		Err.Printf("invalid ttl (%s)", err)
		os.Exit(1)
	}

	tokenStr, err := delta.MintSessionToken([]byte(secret), sessionId, subject, ttl)
	if err != nil {
		panic(err)
	}
	Out.Printf("%s", tokenStr)
}

func watch(opts docopt.Opts) {
	url := optString(opts, "--url", DefaultUrl)
	tokenStr := optString(opts, "--token", "")
	dbPath := optString(opts, "--db", "")

	messageCount := 0
	if messageCountAny := opts["--message_count"]; messageCountAny != nil {
		var err error
		messageCount, err = opts.Int("--message_count")
		if err != nil {
			Err.Printf("invalid message_count")
			os.Exit(1)
		}
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelOnSignals(cancel)

	auth := &delta.SessionAuth{
		Token:      tokenStr,
		AppVersion: DeltaCtlVersion,
	}
	dialer := delta.NewWsDialerWithDefaults(url)

	var checkpointStore *store.CheckpointStore
	var session *delta.Session
	if dbPath != "" {
		var err error
		checkpointStore, err = store.Open(dbPath)
		if err != nil {
			panic(err)
		}
		defer checkpointStore.Close()

		if sessionIdStr := optString(opts, "--session", ""); sessionIdStr != "" {
			sessionId, err := delta.ParseId(sessionIdStr)
			if err != nil {
				Err.Printf("invalid session_id (%s)", err)
				os.Exit(1)
			}
			checkpoint, err := checkpointStore.LoadLatest(cancelCtx, sessionId)
			if err == nil {
				Out.Printf("# resume after %d", checkpoint.LastSequenceNumber)
				session = delta.NewSessionFromCheckpoint(cancelCtx, dialer, auth, checkpoint, delta.DefaultSessionSettings())
			} else if !errors.Is(err, store.ErrNotFound) {
				panic(err)
			}
		}
	}
	if session == nil {
		session = delta.NewSessionWithDefaults(cancelCtx, dialer, auth)
	}

	session.AddConnectionStateCallback(func(event *delta.ConnectionEvent) {
		Out.Printf("# %s client_id=%s", event.State, event.ClientId)
	})
	session.AddErrorCallback(func(err error) {
		Out.Printf("# error: %s", err)
	})
	count := 0
	session.AddProcessCallback(func(message *delta.SequencedMessage, isLocal bool, appData any) {
		client := "server"
		if message.ClientId != nil {
			client = message.ClientId.String()
		}
		local := ""
		if isLocal {
			local = " *"
		}
		Out.Printf(
			"%6d msn=%-6d %-8s %s %s%s",
			message.SequenceNumber,
			message.MinimumSequenceNumber,
			message.MessageType,
			client,
			string(message.Contents),
			local,
		)
		count += 1
		if 0 < messageCount && messageCount <= count {
			cancel()
		}
	})

	session.Connect()

	select {
	case <-cancelCtx.Done():
	}

	if checkpointStore != nil {
		if checkpoint, err := session.Checkpoint(); err == nil {
			saveCtx, saveCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer saveCancel()
			if err := checkpointStore.Save(saveCtx, checkpoint); err == nil {
				Out.Printf("# checkpoint %d saved", checkpoint.LastSequenceNumber)
			}
		}
	}
	session.Close()
}

func send(opts docopt.Opts) {
	url := optString(opts, "--url", DefaultUrl)
	tokenStr := optString(opts, "--token", "")
	messageContent := optString(opts, "<message>", "")

	cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cancelOnSignals(cancel)

	session := delta.NewSessionWithDefaults(
		cancelCtx,
		delta.NewWsDialerWithDefaults(url),
		&delta.SessionAuth{
			Token:      tokenStr,
			AppVersion: DeltaCtlVersion,
		},
	)
	defer session.Close()

	echo := make(chan uint64, 1)
	session.AddProcessCallback(func(message *delta.SequencedMessage, isLocal bool, appData any) {
		if sequenced, ok := appData.(chan uint64); ok {
			sequenced <- message.SequenceNumber
		}
	})

	session.Connect()

	contents, err := json.Marshal(messageContent)
	if err != nil {
		panic(err)
	}
	if _, err := session.SubmitOperation(contents, echo); err != nil {
		Err.Printf("submit failed (%s)", err)
		os.Exit(1)
	}

	select {
	case <-cancelCtx.Done():
		Err.Printf("no echo before timeout")
		os.Exit(1)
	case sequenceNumber := <-echo:
		Out.Printf("sequenced %d", sequenceNumber)
	}
}

func propose(opts docopt.Opts) {
	url := optString(opts, "--url", DefaultUrl)
	tokenStr := optString(opts, "--token", "")
	key, _ := opts.String("--key")
	valueStr, _ := opts.String("<value>")

	var value json.RawMessage
	if json.Valid([]byte(valueStr)) {
		value = json.RawMessage(valueStr)
	} else {
		value, _ = json.Marshal(valueStr)
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cancelOnSignals(cancel)

	session := delta.NewSessionWithDefaults(
		cancelCtx,
		delta.NewWsDialerWithDefaults(url),
		&delta.SessionAuth{
			Token:      tokenStr,
			AppVersion: DeltaCtlVersion,
		},
	)
	defer session.Close()

	session.Connect()

	handle, err := session.Propose(key, value)
	if err != nil {
		Err.Printf("propose failed (%s)", err)
		os.Exit(1)
	}
	sequenceNumber, err := handle.Await(cancelCtx)
	if err != nil {
		Err.Printf("proposal failed (%s)", err)
		os.Exit(1)
	}
	Out.Printf("committed %s at %d", key, sequenceNumber)
}

func sessions(opts docopt.Opts) {
	dbPath, _ := opts.String("--db")
	checkpointStore, err := store.Open(dbPath)
	if err != nil {
		panic(err)
	}
	defer checkpointStore.Close()

	cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sessionIds, err := checkpointStore.Sessions(cancelCtx)
	if err != nil {
		panic(err)
	}
	for _, sessionId := range sessionIds {
		checkpoint, err := checkpointStore.LoadLatest(cancelCtx, sessionId)
		if err != nil {
			continue
		}
		Out.Printf("%s last=%d", sessionId, checkpoint.LastSequenceNumber)
	}
}

func optString(opts docopt.Opts, key string, defaultValue string) string {
	if valueAny := opts[key]; valueAny != nil {
		if value, ok := valueAny.(string); ok {
			return value
		}
	}
	return defaultValue
}

func cancelOnSignals(cancel context.CancelFunc) {
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()
}
