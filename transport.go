package delta

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SessionConn is one framed connection to the ordering authority. One record
// per frame. Implementations support one reader goroutine; writes are
// serialized internally.
type SessionConn interface {
	WriteRecord(b []byte) error
	// ReadRecord blocks for the next record
	ReadRecord() ([]byte, error)
	Close()
}

// SessionDialer opens connections to the ordering authority.
type SessionDialer interface {
	Dial(ctx context.Context) (SessionConn, error)
}

func writeRecord(conn SessionConn, message any) error {
	b, err := EncodeRecord(message)
	if err != nil {
		return err
	}
	return conn.WriteRecord(b)
}

func readRecord(conn SessionConn) (any, error) {
	b, err := conn.ReadRecord()
	if err != nil {
		return nil, err
	}
	return DecodeRecord(b)
}

type WsDialerSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	// must exceed the authority heartbeat interval, which keeps an idle
	// connection inside the deadline
	ReadTimeout time.Duration
}

func DefaultWsDialerSettings() *WsDialerSettings {
	return &WsDialerSettings{
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

// WsDialer dials a websocket ordering authority (see `ServiceServer`).
type WsDialer struct {
	url      string
	settings *WsDialerSettings
}

func NewWsDialerWithDefaults(url string) *WsDialer {
	return NewWsDialer(url, DefaultWsDialerSettings())
}

func NewWsDialer(url string, settings *WsDialerSettings) *WsDialer {
	return &WsDialer{
		url:      url,
		settings: settings,
	}
}

func (self *WsDialer) Dial(ctx context.Context) (SessionConn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, self.url, nil)
	if err != nil {
		return nil, err
	}
	return newWsConn(ws, self.settings.WriteTimeout, self.settings.ReadTimeout), nil
}

type wsConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	readTimeout  time.Duration

	sendLock  sync.Mutex
	closeOnce sync.Once
}

func newWsConn(ws *websocket.Conn, writeTimeout time.Duration, readTimeout time.Duration) *wsConn {
	return &wsConn{
		ws:           ws,
		writeTimeout: writeTimeout,
		readTimeout:  readTimeout,
	}
}

func (self *wsConn) WriteRecord(b []byte) error {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	self.ws.SetWriteDeadline(time.Now().Add(self.writeTimeout))
	// note that for websocket a deadline timeout cannot be recovered
	return self.ws.WriteMessage(websocket.BinaryMessage, b)
}

func (self *wsConn) ReadRecord() ([]byte, error) {
	for {
		self.ws.SetReadDeadline(time.Now().Add(self.readTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch messageType {
		case websocket.BinaryMessage:
			if 0 == len(message) {
				// ping
				continue
			}
			return message, nil
		default:
			// ignore
		}
	}
}

func (self *wsConn) Close() {
	self.closeOnce.Do(func() {
		self.ws.Close()
	})
}

const pipeBufferSize = 32

// pipeConn is an in-memory `SessionConn`. Closing either end drops the pair;
// records buffered at close time are lost, like a dropped connection.
type pipeConn struct {
	send    chan []byte
	receive chan []byte

	done      chan struct{}
	closeOnce *sync.Once
}

// NewPipe returns the two ends of an in-memory connection.
func NewPipe() (SessionConn, SessionConn) {
	aToB := make(chan []byte, pipeBufferSize)
	bToA := make(chan []byte, pipeBufferSize)
	done := make(chan struct{})
	closeOnce := &sync.Once{}
	a := &pipeConn{
		send:      aToB,
		receive:   bToA,
		done:      done,
		closeOnce: closeOnce,
	}
	b := &pipeConn{
		send:      bToA,
		receive:   aToB,
		done:      done,
		closeOnce: closeOnce,
	}
	return a, b
}

func (self *pipeConn) WriteRecord(b []byte) error {
	select {
	case <-self.done:
		return io.ErrClosedPipe
	case self.send <- b:
		return nil
	}
}

func (self *pipeConn) ReadRecord() ([]byte, error) {
	select {
	case <-self.done:
		return nil, io.EOF
	case message := <-self.receive:
		return message, nil
	}
}

func (self *pipeConn) Close() {
	self.closeOnce.Do(func() {
		close(self.done)
	})
}
