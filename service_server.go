package delta

import (
	"net/http"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ServiceServerSettings struct {
	WriteTimeout time.Duration
	// must exceed the client heartbeat interval
	ReadTimeout time.Duration
}

func DefaultServiceServerSettings() *ServiceServerSettings {
	return &ServiceServerSettings{
		WriteTimeout: 5 * time.Second,
		ReadTimeout:  30 * time.Second,
	}
}

// ServiceServer exposes an ordering service over websocket. Mount it on an
// http server; each upgraded connection runs one client lifecycle.
type ServiceServer struct {
	service  *OrderingService
	upgrader *websocket.Upgrader
	settings *ServiceServerSettings
}

func NewServiceServerWithDefaults(service *OrderingService) *ServiceServer {
	return NewServiceServer(service, DefaultServiceServerSettings())
}

func NewServiceServer(service *OrderingService, settings *ServiceServerSettings) *ServiceServer {
	return &ServiceServer{
		service: service,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// clients are not browsers. auth happens in the connect
				// handshake
				return true
			},
		},
		settings: settings,
	}
}

func (self *ServiceServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[sv]upgrade err = %s\n", err)
		return
	}
	conn := newWsConn(ws, self.settings.WriteTimeout, self.settings.ReadTimeout)
	self.service.HandleConn(conn)
}
