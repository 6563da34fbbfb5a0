package delta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/golang/glog"
)

// sequencerEvent is one entry of the sequencer's ordered event stream.
// Exactly one field is set. Lifecycle changes travel through the same channel
// as messages, so a subscriber observes catch-up completion strictly after
// the replayed backlog and never special-cases catch-up versus live delivery.
type sequencerEvent struct {
	connecting   bool
	handshake    *ConnectAccept
	message      *SequencedMessage
	caughtUp     *CaughtUp
	gap          *SequenceGapError
	disconnected bool
	fatal        error
}

type SequencerClientSettings struct {
	// base reconnect pacing, doubled per consecutive failure with jitter
	ReconnectTimeout    time.Duration
	MaxReconnectTimeout time.Duration
	// 0 retries forever. otherwise surfaced as `AuthorityUnavailableError`
	// once exhausted
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration
	// cadence of transient noop submissions while connected. noops are
	// sequenced like any message and advance the minimum sequence number
	HeartbeatInterval time.Duration
	EventBufferSize   int
}

func DefaultSequencerClientSettings() *SequencerClientSettings {
	return &SequencerClientSettings{
		ReconnectTimeout:     1 * time.Second,
		MaxReconnectTimeout:  30 * time.Second,
		MaxReconnectAttempts: 0,
		HandshakeTimeout:     5 * time.Second,
		HeartbeatInterval:    5 * time.Second,
		EventBufferSize:      32,
	}
}

// SequencerClient maintains the connection to the ordering authority and
// turns inbound records into a strictly ordered stream of sequencer events.
// It is the sole consumer of the raw stream: a sequence number that is not
// exactly one more than the last delivered fails fast with a gap and forces a
// reconnect that resumes from the last delivered number. Messages are never
// dropped; the authority replays them.
type SequencerClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	dialer     SessionDialer
	auth       *SessionAuth
	instanceId Id

	// stamped on transient submissions
	referenceSequenceNumber func() uint64

	stateLock sync.Mutex
	conn      SessionConn
	// the sequence number expected next from the stream
	nextSequenceNumber uint64
	// last delivered sequence number. nil until a first delivery or restore
	resumeFrom *uint64

	connectOnce sync.Once

	events chan *sequencerEvent

	settings *SequencerClientSettings
}

func NewSequencerClient(
	ctx context.Context,
	dialer SessionDialer,
	auth *SessionAuth,
	instanceId Id,
	resumeFrom *uint64,
	referenceSequenceNumber func() uint64,
	settings *SequencerClientSettings,
) *SequencerClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &SequencerClient{
		ctx:                     cancelCtx,
		cancel:                  cancel,
		dialer:                  dialer,
		auth:                    auth,
		instanceId:              instanceId,
		referenceSequenceNumber: referenceSequenceNumber,
		events:                  make(chan *sequencerEvent, settings.EventBufferSize),
		settings:                settings,
	}
	if resumeFrom != nil {
		value := *resumeFrom
		client.resumeFrom = &value
		client.nextSequenceNumber = value + 1
	}
	return client
}

// Events is the ordered event stream. Closed once the client stops, either
// canceled or after a fatal error event.
func (self *SequencerClient) Events() <-chan *sequencerEvent {
	return self.events
}

// Connect starts the connect/catch-up/reconnect cycle.
func (self *SequencerClient) Connect() {
	self.connectOnce.Do(func() {
		go self.run()
	})
}

func (self *SequencerClient) run() {
	defer func() {
		self.cancel()
		close(self.events)
	}()

	attempt := 0
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.emit(&sequencerEvent{connecting: true})

		conn, accept, err := self.connect()
		if err != nil {
			var rejected *ConnectRejectedError
			if errors.As(err, &rejected) {
				// the authority refused the handshake. not recoverable by retry
				self.emit(&sequencerEvent{fatal: err})
				return
			}
			attempt += 1
			glog.Infof("[sq]connect err = %s\n", err)
			self.emit(&sequencerEvent{disconnected: true})
			if 0 < self.settings.MaxReconnectAttempts && self.settings.MaxReconnectAttempts <= attempt {
				self.emit(&sequencerEvent{fatal: &AuthorityUnavailableError{
					Attempts: attempt,
					LastErr:  err,
				}})
				return
			}
			reconnect := NewReconnect(self.reconnectTimeout(attempt))
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}
		attempt = 0

		glog.V(1).Infof("[sq]connected as %s\n", accept.ClientId)
		self.setConn(conn)
		self.emit(&sequencerEvent{handshake: accept})

		self.readLoop(conn)

		self.setConn(nil)
		conn.Close()
		self.emit(&sequencerEvent{disconnected: true})
	}
}

func (self *SequencerClient) connect() (SessionConn, *ConnectAccept, error) {
	conn, err := self.dialer.Dial(self.ctx)
	if err != nil {
		return nil, nil, err
	}

	success := false
	defer func() {
		if !success {
			conn.Close()
		}
	}()

	request := &ConnectRequest{
		Token:      self.auth.Token,
		InstanceId: self.instanceId,
		ResumeFrom: self.resumeFromSnapshot(),
		ClientDetails: &ClientDetails{
			Environment: self.auth.Environment,
			AppVersion:  self.auth.AppVersion,
		},
	}
	if err := writeRecord(conn, request); err != nil {
		return nil, nil, err
	}

	type readResult struct {
		message any
		err     error
	}
	resultChannel := make(chan readResult, 1)
	go HandleError(func() {
		message, err := readRecord(conn)
		resultChannel <- readResult{
			message: message,
			err:     err,
		}
	})

	var message any
	select {
	case <-self.ctx.Done():
		return nil, nil, self.ctx.Err()
	case <-time.After(self.settings.HandshakeTimeout):
		return nil, nil, fmt.Errorf("handshake timeout")
	case result := <-resultChannel:
		if result.err != nil {
			return nil, nil, result.err
		}
		message = result.message
	}

	switch v := message.(type) {
	case *ConnectAccept:
		success = true
		return conn, v, nil
	case *ConnectNack:
		return nil, nil, &ConnectRejectedError{Reason: v.Reason}
	default:
		return nil, nil, fmt.Errorf("unexpected handshake record %T", message)
	}
}

func (self *SequencerClient) readLoop(conn SessionConn) {
	heartbeatCtx, heartbeatCancel := context.WithCancel(self.ctx)
	defer heartbeatCancel()
	go HandleError(func() {
		self.heartbeatLoop(heartbeatCtx, conn)
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		message, err := readRecord(conn)
		if err != nil {
			glog.Infof("[sq]read err = %s\n", err)
			return
		}
		switch v := message.(type) {
		case *SequencedMessage:
			if !self.deliver(v) {
				return
			}
		case *CaughtUp:
			glog.V(1).Infof("[sq]caught up, next=%d\n", v.NextSequenceNumber)
			self.emit(&sequencerEvent{caughtUp: v})
		default:
			glog.V(1).Infof("[sq]ignore record %T\n", v)
		}
	}
}

// deliver checks for gaps and forwards the message. False forces a
// reconnect; the resume point stays at the last delivered number so the
// authority replays everything after it.
func (self *SequencerClient) deliver(message *SequencedMessage) bool {
	self.stateLock.Lock()
	if message.SequenceNumber != self.nextSequenceNumber {
		expected := self.nextSequenceNumber
		self.stateLock.Unlock()
		gapErr := &SequenceGapError{
			Expected: expected,
			Received: message.SequenceNumber,
		}
		glog.Infof("[sq]%s\n", gapErr)
		self.emit(&sequencerEvent{gap: gapErr})
		return false
	}
	self.nextSequenceNumber = message.SequenceNumber + 1
	resumeFrom := message.SequenceNumber
	self.resumeFrom = &resumeFrom
	self.stateLock.Unlock()

	self.emit(&sequencerEvent{message: message})
	return true
}

func (self *SequencerClient) heartbeatLoop(ctx context.Context, conn SessionConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(self.settings.HeartbeatInterval):
		}

		record := &SubmitRecord{
			ReferenceSequenceNumber: self.referenceSequenceNumber(),
			MessageType:             MessageTypeNoOp,
		}
		if err := writeRecord(conn, record); err != nil {
			glog.V(1).Infof("[sq]heartbeat err = %s\n", err)
			return
		}
		glog.V(2).Infof("[sq]noop->\n")
	}
}

// SendSubmit sends a reliable submission on the current connection.
func (self *SequencerClient) SendSubmit(record *SubmitRecord) error {
	conn := self.currentConn()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return writeRecord(conn, record)
}

// SendTransient sends a control submission, best effort. Dropped silently
// when no connection is up; transient submissions are never queued.
func (self *SequencerClient) SendTransient(messageType MessageType, contents any) {
	conn := self.currentConn()
	if conn == nil {
		glog.V(2).Infof("[sq]drop transient %s, not connected\n", messageType)
		return
	}
	var contentsJson json.RawMessage
	if contents != nil {
		b, err := json.Marshal(contents)
		if err != nil {
			glog.Warningf("[sq]transient marshal err = %s\n", err)
			return
		}
		contentsJson = b
	}
	record := &SubmitRecord{
		ReferenceSequenceNumber: self.referenceSequenceNumber(),
		MessageType:             messageType,
		Contents:                contentsJson,
	}
	if err := writeRecord(conn, record); err != nil {
		glog.V(1).Infof("[sq]transient %s err = %s\n", messageType, err)
	}
}

func (self *SequencerClient) setConn(conn SessionConn) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.conn = conn
}

func (self *SequencerClient) currentConn() SessionConn {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.conn
}

func (self *SequencerClient) resumeFromSnapshot() *uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.resumeFrom == nil {
		return nil
	}
	value := *self.resumeFrom
	return &value
}

func (self *SequencerClient) reconnectTimeout(attempt int) time.Duration {
	if attempt <= 0 {
		return self.settings.ReconnectTimeout
	}
	timeout := self.settings.ReconnectTimeout << uint(min(attempt-1, 16))
	if self.settings.MaxReconnectTimeout < timeout {
		timeout = self.settings.MaxReconnectTimeout
	}
	// jitter to avoid thundering reconnects
	timeout += time.Duration(mathrand.Int63n(int64(timeout)/2 + 1))
	return timeout
}

func (self *SequencerClient) emit(event *sequencerEvent) {
	select {
	case <-self.ctx.Done():
	case self.events <- event:
	}
}

// Cancel stops the client and closes any open connection.
func (self *SequencerClient) Cancel() {
	self.cancel()
	if conn := self.currentConn(); conn != nil {
		conn.Close()
	}
}
