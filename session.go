package delta

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

type ErrorFunction func(err error)

type SessionSettings struct {
	OutboundQueueSettings   *OutboundQueueSettings
	SequencerClientSettings *SequencerClientSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		OutboundQueueSettings:   DefaultOutboundQueueSettings(),
		SequencerClientSettings: DefaultSequencerClientSettings(),
	}
}

// Checkpoint is the durable state of a session at one applied sequence
// number. A session restored from a checkpoint resumes the stream at
// `LastSequenceNumber` + 1 and reconstructs the quorum without replaying the
// log from zero.
type Checkpoint struct {
	SessionId             Id                 `json:"sessionId"`
	LastSequenceNumber    uint64             `json:"lastSequenceNumber"`
	MinimumSequenceNumber uint64             `json:"minimumSequenceNumber"`
	QuorumSnapshot        []*QuorumValue     `json:"quorumSnapshot"`
	Members               []*Member          `json:"members"`
	PendingProposals      []*PendingProposal `json:"pendingProposals,omitempty"`
}

// Session is one client of a shared ordered session. It submits operations,
// applies the sequenced stream exactly once in order, maintains the quorum,
// and reconnects transparently. All stream processing happens on a single
// run goroutine; callbacks fire on that goroutine.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	dialer SessionDialer
	auth   *SessionAuth
	// stable across reconnects. the authority force-closes a previous
	// connection with the same instance id before admitting a new one
	instanceId Id

	connection *connectionMachine
	outbound   *outboundQueue
	dispatcher *dispatcher
	quorum     *Quorum
	sequencer  *SequencerClient

	// serializes message application against checkpoint capture
	applyLock sync.Mutex

	stateLock sync.Mutex
	sessionId Id
	// id and authority version from the latest handshake
	clientId Id
	version  string
	// every client id this session has connected under. used to recognize
	// echoes of its own submissions across reconnects
	historicalClientIds map[Id]bool

	errorCallbacks *CallbackList[ErrorFunction]

	connectOnce sync.Once

	settings *SessionSettings
}

func NewSessionWithDefaults(ctx context.Context, dialer SessionDialer, auth *SessionAuth) *Session {
	return NewSession(ctx, dialer, auth, DefaultSessionSettings())
}

func NewSession(ctx context.Context, dialer SessionDialer, auth *SessionAuth, settings *SessionSettings) *Session {
	return newSession(ctx, dialer, auth, nil, settings)
}

// NewSessionFromCheckpoint restores a session from persisted state. The
// authority must retain the log past the checkpoint's sequence number.
func NewSessionFromCheckpoint(ctx context.Context, dialer SessionDialer, auth *SessionAuth, checkpoint *Checkpoint, settings *SessionSettings) *Session {
	return newSession(ctx, dialer, auth, checkpoint, settings)
}

func newSession(ctx context.Context, dialer SessionDialer, auth *SessionAuth, checkpoint *Checkpoint, settings *SessionSettings) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	if auth == nil {
		auth = &SessionAuth{}
	}

	session := &Session{
		ctx:                 cancelCtx,
		cancel:              cancel,
		dialer:              dialer,
		auth:                auth,
		instanceId:          NewId(),
		connection:          newConnectionMachine(),
		outbound:            newOutboundQueue(settings.OutboundQueueSettings),
		historicalClientIds: map[Id]bool{},
		errorCallbacks:      NewCallbackList[ErrorFunction](),
		settings:            settings,
	}

	var nextSequenceNumber uint64
	var minimumSequenceNumber uint64
	var resumeFrom *uint64
	if checkpoint != nil {
		nextSequenceNumber = checkpoint.LastSequenceNumber + 1
		minimumSequenceNumber = checkpoint.MinimumSequenceNumber
		value := checkpoint.LastSequenceNumber
		resumeFrom = &value
		session.sessionId = checkpoint.SessionId
	}
	session.dispatcher = newDispatcher(nextSequenceNumber, minimumSequenceNumber)

	session.sequencer = NewSequencerClient(
		cancelCtx,
		dialer,
		auth,
		session.instanceId,
		resumeFrom,
		session.dispatcher.ReferenceSequenceNumber,
		settings.SequencerClientSettings,
	)

	transient := func(messageType MessageType, contents any) {
		session.sequencer.SendTransient(messageType, contents)
	}
	if checkpoint != nil {
		session.quorum = NewQuorumFromSnapshot(&QuorumSnapshot{
			Values:  checkpoint.QuorumSnapshot,
			Members: checkpoint.Members,
			Pending: checkpoint.PendingProposals,
		}, transient)
	} else {
		session.quorum = NewQuorum(transient)
	}

	return session
}

// Connect starts connecting to the ordering authority. Reconnects are
// automatic from then on.
func (self *Session) Connect() {
	self.connectOnce.Do(func() {
		self.connection.toConnecting()
		go HandleError(self.run)
		self.sequencer.Connect()
	})
}

func (self *Session) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case event, ok := <-self.sequencer.Events():
			if !ok {
				return
			}
			self.handleEvent(event)
		}
	}
}

func (self *Session) handleEvent(event *sequencerEvent) {
	switch {
	case event.connecting:
		self.connection.toConnecting()
	case event.handshake != nil:
		self.stateLock.Lock()
		self.sessionId = event.handshake.SessionId
		self.clientId = event.handshake.ClientId
		self.version = event.handshake.Version
		self.historicalClientIds[event.handshake.ClientId] = true
		self.stateLock.Unlock()
		self.quorum.setLocalClient(event.handshake.ClientId)
	case event.message != nil:
		self.applyMessage(event.message)
	case event.caughtUp != nil:
		// connected only after the backlog is applied, so the flush below
		// cannot resend anything already echoed
		self.stateLock.Lock()
		clientId := self.clientId
		version := self.version
		self.stateLock.Unlock()
		self.connection.toConnected(clientId, version)
		self.pump()
	case event.gap != nil:
		self.emitError(event.gap)
	case event.disconnected:
		self.connection.toDisconnected()
	case event.fatal != nil:
		glog.Infof("[ss]fatal err = %s\n", event.fatal)
		self.connection.toDisconnected()
		self.failWaiters(event.fatal)
		self.emitError(event.fatal)
	}
}

// applyMessage applies one in-order message: dedupe, echo matching, quorum,
// then process callbacks.
func (self *Session) applyMessage(message *SequencedMessage) {
	self.applyLock.Lock()
	defer self.applyLock.Unlock()

	if ok, err := self.dispatcher.Accept(message); !ok {
		if err != nil {
			self.emitError(err)
		}
		return
	}

	isLocal := false
	var appData any
	if message.ClientId != nil && self.isHistorical(*message.ClientId) {
		isLocal = true
		if message.ClientReference != 0 {
			if data, ok := self.outbound.MatchEcho(message.ClientReference); ok {
				if message.MessageType == MessageTypePropose {
					// bind before quorum apply so an immediate commit
					// resolves the handle
					if handle, ok := data.(*ProposalHandle); ok {
						self.quorum.bindHandle(message.SequenceNumber, handle)
					}
				} else {
					appData = data
				}
			}
		}
	}

	if err := self.quorum.Apply(message); err != nil {
		// a violation poisons this message for the quorum but the stream
		// continues
		self.emitError(err)
	}

	self.dispatcher.Deliver(message, isLocal, appData)
}

func (self *Session) isHistorical(clientId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.historicalClientIds[clientId]
}

func (self *Session) pump() {
	epoch := self.connection.Epoch()
	referenceSequenceNumber := self.dispatcher.ReferenceSequenceNumber()
	self.outbound.Pump(epoch, referenceSequenceNumber, self.sequencer.SendSubmit)
}

// Submit queues an operation for sequencing and returns its client
// reference. The operation is delivered exactly once whatever happens to the
// connection. With `batch` the operation is held until a later non-batch
// submission releases the group.
func (self *Session) Submit(messageType MessageType, contents json.RawMessage, batch bool, appData any) (uint64, error) {
	select {
	case <-self.ctx.Done():
		return 0, ErrSessionStopped
	default:
	}

	switch messageType {
	case MessageTypeOperation, MessageTypeNoOp:
	default:
		return 0, fmt.Errorf("cannot submit control type %s", messageType)
	}

	clientReference, err := self.outbound.Enqueue(messageType, contents, batch, appData)
	if err != nil {
		return 0, err
	}
	if self.connection.State() == ConnectionStateConnected {
		self.pump()
	}
	return clientReference, nil
}

func (self *Session) SubmitOperation(contents json.RawMessage, appData any) (uint64, error) {
	return self.Submit(MessageTypeOperation, contents, false, appData)
}

// Propose submits a quorum proposal for `key`. The returned handle resolves
// with the commit sequence number once every required member accepts, or
// fails on rejection or session stop.
func (self *Session) Propose(key string, value json.RawMessage) (*ProposalHandle, error) {
	select {
	case <-self.ctx.Done():
		return nil, ErrSessionStopped
	default:
	}

	contents, err := json.Marshal(&ProposeContents{
		Key:   key,
		Value: value,
	})
	if err != nil {
		return nil, err
	}

	handle := newProposalHandle(key)
	if _, err := self.outbound.Enqueue(MessageTypePropose, contents, false, handle); err != nil {
		return nil, err
	}
	if self.connection.State() == ConnectionStateConnected {
		self.pump()
	}
	return handle, nil
}

func (self *Session) Quorum() *Quorum {
	return self.quorum
}

func (self *Session) ConnectionState() ConnectionState {
	return self.connection.State()
}

// AwaitConnectionState blocks until the connection reaches `state`.
func (self *Session) AwaitConnectionState(ctx context.Context, state ConnectionState) error {
	return self.connection.AwaitState(ctx, state)
}

// ClientId is the id assigned for the current connection. Not set unless
// connected.
func (self *Session) ClientId() (Id, bool) {
	return self.connection.ClientId()
}

func (self *Session) SessionId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.sessionId
}

func (self *Session) InstanceId() Id {
	return self.instanceId
}

func (self *Session) OutboundSize() (int, ByteCount) {
	return self.outbound.QueueSize()
}

func (self *Session) AddConnectionStateCallback(stateCallback ConnectionStateFunction) func() {
	return self.connection.AddStateCallback(stateCallback)
}

func (self *Session) AddProcessCallback(processCallback ProcessFunction) func() {
	return self.dispatcher.AddProcessCallback(processCallback)
}

func (self *Session) AddErrorCallback(errorCallback ErrorFunction) func() {
	callbackId := self.errorCallbacks.Add(errorCallback)
	return func() {
		self.errorCallbacks.Remove(callbackId)
	}
}

func (self *Session) emitError(err error) {
	glog.V(1).Infof("[ss]err = %s\n", err)
	for _, errorCallback := range self.errorCallbacks.Get() {
		HandleError(func() {
			errorCallback(err)
		})
	}
}

// Checkpoint captures the applied state. Fails until at least one message
// has been applied.
func (self *Session) Checkpoint() (*Checkpoint, error) {
	self.applyLock.Lock()
	defer self.applyLock.Unlock()

	lastSequenceNumber, applied := self.dispatcher.Position()
	if !applied {
		return nil, fmt.Errorf("nothing applied")
	}
	snapshot := self.quorum.Snapshot()
	return &Checkpoint{
		SessionId:             self.SessionId(),
		LastSequenceNumber:    lastSequenceNumber,
		MinimumSequenceNumber: self.dispatcher.MinimumSequenceNumber(),
		QuorumSnapshot:        snapshot.Values,
		Members:               snapshot.Members,
		PendingProposals:      snapshot.Pending,
	}, nil
}

func (self *Session) failWaiters(err error) {
	for _, appData := range self.outbound.Clear() {
		if handle, ok := appData.(*ProposalHandle); ok {
			handle.fail(err)
		}
	}
	self.quorum.failAllHandles(err)
}

// Close stops the session. Queued submissions are dropped and all proposal
// waiters fail with `ErrSessionStopped`.
func (self *Session) Close() {
	self.cancel()
	self.sequencer.Cancel()
	self.failWaiters(ErrSessionStopped)
	self.connection.toDisconnected()
}
