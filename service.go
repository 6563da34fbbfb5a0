package delta

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
)

type OrderingServiceSettings struct {
	// submissions with contents larger than this close the connection
	MaxRecordByteCount ByteCount
	HandshakeTimeout   time.Duration
}

func DefaultOrderingServiceSettings() *OrderingServiceSettings {
	return &OrderingServiceSettings{
		MaxRecordByteCount: kib(64),
		HandshakeTimeout:   5 * time.Second,
	}
}

// OrderingService is the ordering authority for one session. It admits
// clients, assigns each accepted submission the next sequence number, stamps
// the minimum sequence number, and replays the log to every connection.
//
// The log is append-only and gap-free from zero, so a message's sequence
// number is its log index. Membership is authority-originated: a join is
// sequenced when a client is admitted and a leave when its connection goes
// away. Clients cannot submit joins or leaves.
type OrderingService struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessionId Id
	// nil disables token verification
	secret []byte

	stateLock             sync.Mutex
	log                   []*SequencedMessage
	minimumSequenceNumber uint64
	// admitted connections by client id
	conns map[Id]*serviceConn
	// admitted connections by instance id. a new connection with the same
	// instance id force-closes the previous one before being admitted, so
	// the old connection cannot sequence anything after the new one resumes
	instanceConns map[Id]*serviceConn

	logMonitor *Monitor

	settings *OrderingServiceSettings
}

func NewOrderingServiceWithDefaults(ctx context.Context) *OrderingService {
	return NewOrderingService(ctx, nil, DefaultOrderingServiceSettings())
}

func NewOrderingService(ctx context.Context, secret []byte, settings *OrderingServiceSettings) *OrderingService {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &OrderingService{
		ctx:           cancelCtx,
		cancel:        cancel,
		sessionId:     NewId(),
		secret:        secret,
		conns:         map[Id]*serviceConn{},
		instanceConns: map[Id]*serviceConn{},
		logMonitor:    NewMonitor(),
		settings:      settings,
	}
}

type serviceConn struct {
	conn       SessionConn
	clientId   Id
	instanceId Id

	// highest reliable client reference sequenced for this client
	maxClientReference uint64
	// highest sequence number the client reports having processed
	referenceSequenceNumber uint64

	closed bool
	done   chan struct{}
}

func (self *OrderingService) SessionId() Id {
	return self.sessionId
}

// Head is the next sequence number to be assigned.
func (self *OrderingService) Head() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return uint64(len(self.log))
}

func (self *OrderingService) MinimumSequenceNumber() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.minimumSequenceNumber
}

func (self *OrderingService) ConnectedCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.conns)
}

// HandleConn runs the full lifecycle of one client connection. It returns
// when the connection is gone. The caller owns the accept loop.
func (self *OrderingService) HandleConn(conn SessionConn) {
	defer conn.Close()

	request, err := self.readConnectRequest(conn)
	if err != nil {
		glog.Infof("[sv]handshake err = %s\n", err)
		return
	}

	if self.secret != nil {
		claims, err := VerifySessionToken(self.secret, request.Token)
		if err != nil {
			self.nack(conn, "invalid token")
			return
		}
		if claims.SessionId != self.sessionId {
			self.nack(conn, "wrong session")
			return
		}
	}

	serviceConn, captureIndex, nackReason := self.admit(conn, request)
	if serviceConn == nil {
		self.nack(conn, nackReason)
		return
	}

	accept := &ConnectAccept{
		ClientId:  serviceConn.clientId,
		SessionId: self.sessionId,
		Version:   Version,
	}
	if err := writeRecord(conn, accept); err != nil {
		self.removeConn(serviceConn, true)
		return
	}

	replayFrom := uint64(0)
	if request.ResumeFrom != nil {
		replayFrom = *request.ResumeFrom + 1
	}
	go HandleError(func() {
		self.writeLoop(serviceConn, replayFrom, captureIndex)
	})

	for {
		message, err := readRecord(conn)
		if err != nil {
			glog.V(1).Infof("[sv]read err = %s\n", err)
			break
		}
		switch record := message.(type) {
		case *SubmitRecord:
			if !self.submit(serviceConn, record) {
				self.removeConn(serviceConn, true)
				return
			}
		default:
			glog.V(1).Infof("[sv]ignore record %T\n", record)
		}
	}
	self.removeConn(serviceConn, true)
}

func (self *OrderingService) readConnectRequest(conn SessionConn) (*ConnectRequest, error) {
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

	select {
	case <-self.ctx.Done():
		return nil, self.ctx.Err()
	case <-time.After(self.settings.HandshakeTimeout):
		return nil, fmt.Errorf("handshake timeout")
	case result := <-resultChannel:
		if result.err != nil {
			return nil, result.err
		}
		if request, ok := result.message.(*ConnectRequest); ok {
			return request, nil
		}
		return nil, fmt.Errorf("unexpected handshake record %T", result.message)
	}
}

func (self *OrderingService) nack(conn SessionConn, reason string) {
	glog.Infof("[sv]reject connect: %s\n", reason)
	writeRecord(conn, &ConnectNack{Reason: reason})
}

// admit registers the connection and sequences its join. The returned capture
// index is the log head after the join; everything before it is backlog for
// this client and everything at or after it is live.
func (self *OrderingService) admit(conn SessionConn, request *ConnectRequest) (*serviceConn, uint64, string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	select {
	case <-self.ctx.Done():
		return nil, 0, "shutting down"
	default:
	}

	head := uint64(len(self.log))
	if request.ResumeFrom != nil && head <= *request.ResumeFrom {
		return nil, 0, "resume ahead of log"
	}

	if previous, ok := self.instanceConns[request.InstanceId]; ok {
		glog.V(1).Infof("[sv]replace instance %s\n", request.InstanceId)
		self.removeConnLocked(previous, true)
		previous.conn.Close()
	}

	clientId := NewId()
	serviceConn := &serviceConn{
		conn:       conn,
		clientId:   clientId,
		instanceId: request.InstanceId,
		done:       make(chan struct{}),
	}
	if request.ResumeFrom != nil {
		serviceConn.referenceSequenceNumber = *request.ResumeFrom
	}

	joinContents, err := json.Marshal(&JoinContents{
		ClientId:      clientId,
		ClientDetails: request.ClientDetails,
	})
	if err != nil {
		return nil, 0, "internal error"
	}
	self.sequenceLocked(nil, 0, self.authorityReferenceLocked(), MessageTypeJoin, joinContents)
	captureIndex := uint64(len(self.log))

	self.conns[clientId] = serviceConn
	self.instanceConns[request.InstanceId] = serviceConn

	glog.Infof("[sv]admit %s instance=%s resume=%v\n", clientId, request.InstanceId, request.ResumeFrom)
	return serviceConn, captureIndex, ""
}

// submit validates and sequences one client submission. False closes the
// connection.
func (self *OrderingService) submit(conn *serviceConn, record *SubmitRecord) bool {
	if self.settings.MaxRecordByteCount < messageByteCount(record.Contents) {
		glog.Warningf("[sv]oversize %s submit from %s\n", record.MessageType, conn.clientId)
		return false
	}
	switch record.MessageType {
	case MessageTypeJoin, MessageTypeLeave:
		// membership is authority-originated only
		glog.Warningf("[sv]refuse %s submit from %s\n", record.MessageType, conn.clientId)
		return false
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if conn.closed {
		return false
	}

	reported := self.clampReferenceLocked(record.ReferenceSequenceNumber)
	if conn.referenceSequenceNumber < reported {
		conn.referenceSequenceNumber = reported
	}

	if record.ClientReference != 0 {
		if record.ClientReference <= conn.maxClientReference {
			// duplicate of an already sequenced submission
			glog.V(1).Infof("[sv]dedupe %s ref=%d\n", conn.clientId, record.ClientReference)
			return true
		}
		conn.maxClientReference = record.ClientReference
	}

	message := self.sequenceLocked(&conn.clientId, record.ClientReference, reported, record.MessageType, record.Contents)
	glog.V(2).Infof("[sv]seq=%d msn=%d %s from %s\n", message.SequenceNumber, message.MinimumSequenceNumber, message.MessageType, conn.clientId)
	return true
}

// clampReferenceLocked bounds a client-reported reference to the last
// assigned sequence number.
func (self *OrderingService) clampReferenceLocked(reference uint64) uint64 {
	head := uint64(len(self.log))
	if head == 0 {
		return 0
	}
	if head-1 < reference {
		return head - 1
	}
	return reference
}

// authorityReferenceLocked is the reference stamped on authority-originated
// messages: the last assigned sequence number.
func (self *OrderingService) authorityReferenceLocked() uint64 {
	return self.clampReferenceLocked(uint64(len(self.log)))
}

func (self *OrderingService) sequenceLocked(clientId *Id, clientReference uint64, referenceSequenceNumber uint64, messageType MessageType, contents json.RawMessage) *SequencedMessage {
	sequenceNumber := uint64(len(self.log))
	message := &SequencedMessage{
		SequenceNumber:          sequenceNumber,
		MinimumSequenceNumber:   self.advanceMinimumLocked(),
		ClientId:                clientId,
		ClientReference:         clientReference,
		ReferenceSequenceNumber: referenceSequenceNumber,
		MessageType:             messageType,
		Contents:                contents,
	}
	self.log = append(self.log, message)
	self.logMonitor.NotifyAll()
	return message
}

// advanceMinimumLocked moves the minimum sequence number up to the lowest
// reference reported across connected clients. It never moves backward and
// freezes while no client is connected.
func (self *OrderingService) advanceMinimumLocked() uint64 {
	first := true
	var lowest uint64
	for _, conn := range self.conns {
		if first || conn.referenceSequenceNumber < lowest {
			lowest = conn.referenceSequenceNumber
			first = false
		}
	}
	if !first && self.minimumSequenceNumber < lowest {
		self.minimumSequenceNumber = lowest
	}
	return self.minimumSequenceNumber
}

// writeLoop streams the log to one connection starting at replayFrom, with a
// caught up marker once the backlog captured at admission is drained.
func (self *OrderingService) writeLoop(conn *serviceConn, replayFrom uint64, captureIndex uint64) {
	index := replayFrom
	caughtUpSent := false

	caughtUp := func() bool {
		if !caughtUpSent && captureIndex <= index {
			if err := writeRecord(conn.conn, &CaughtUp{NextSequenceNumber: captureIndex}); err != nil {
				return false
			}
			caughtUpSent = true
		}
		return true
	}

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-conn.done:
			return
		default:
		}

		notify := self.logMonitor.NotifyChannel()
		messages := self.logRange(index)
		for _, message := range messages {
			if !caughtUp() {
				return
			}
			if err := writeRecord(conn.conn, message); err != nil {
				glog.V(1).Infof("[sv]write err = %s\n", err)
				return
			}
			index += 1
		}
		if !caughtUp() {
			return
		}

		select {
		case <-self.ctx.Done():
			return
		case <-conn.done:
			return
		case <-notify:
		}
	}
}

func (self *OrderingService) logRange(from uint64) []*SequencedMessage {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if uint64(len(self.log)) <= from {
		return nil
	}
	return slices.Clone(self.log[from:])
}

func (self *OrderingService) removeConn(conn *serviceConn, leave bool) {
	self.stateLock.Lock()
	self.removeConnLocked(conn, leave)
	self.stateLock.Unlock()
	conn.conn.Close()
}

func (self *OrderingService) removeConnLocked(conn *serviceConn, leave bool) {
	if conn.closed {
		return
	}
	conn.closed = true
	close(conn.done)
	delete(self.conns, conn.clientId)
	if self.instanceConns[conn.instanceId] == conn {
		delete(self.instanceConns, conn.instanceId)
	}
	if leave {
		leaveContents, err := json.Marshal(&LeaveContents{
			ClientId: conn.clientId,
		})
		if err != nil {
			glog.Warningf("[sv]leave marshal err = %s\n", err)
			return
		}
		self.sequenceLocked(nil, 0, self.authorityReferenceLocked(), MessageTypeLeave, leaveContents)
		glog.Infof("[sv]leave %s\n", conn.clientId)
	}
}

// Close force-closes all connections without sequencing leaves and stops the
// service.
func (self *OrderingService) Close() {
	self.cancel()
	self.stateLock.Lock()
	conns := []*serviceConn{}
	for _, conn := range self.conns {
		conns = append(conns, conn)
	}
	for _, conn := range conns {
		self.removeConnLocked(conn, false)
	}
	self.stateLock.Unlock()
	for _, conn := range conns {
		conn.conn.Close()
	}
	self.logMonitor.NotifyAll()
}

// LocalDialer connects a session to an in-process ordering service.
type LocalDialer struct {
	service *OrderingService
}

func NewLocalDialer(service *OrderingService) *LocalDialer {
	return &LocalDialer{
		service: service,
	}
}

func (self *LocalDialer) Dial(ctx context.Context) (SessionConn, error) {
	clientSide, serverSide := NewPipe()
	go HandleError(func() {
		self.service.HandleConn(serverSide)
	})
	return clientSide, nil
}
