package delta

import (
	"encoding/json"
	"sync"

	"github.com/golang/glog"
)

// SubmitFunction delivers one submit record to the authority over the current
// connection.
type SubmitFunction func(record *SubmitRecord) error

type OutboundQueueSettings struct {
	// total queued contents bytes above which enqueues fail with
	// `QueueOverflowError`
	QueueByteCountCeiling ByteCount
	// largest single submission. must not exceed what the authority accepts
	MaxMessageByteCount ByteCount
}

func DefaultOutboundQueueSettings() *OutboundQueueSettings {
	return &OutboundQueueSettings{
		QueueByteCountCeiling: mib(8),
		MaxMessageByteCount:   kib(64),
	}
}

type pendingOp struct {
	submitItem

	messageType MessageType
	contents    json.RawMessage
	appData     any

	// a staged op is not eligible to send until a non-batch enqueue closes
	// the open batch
	staged bool
	// epoch of the connection this op was last sent on. 0 = never sent
	sentEpoch uint64
}

// outboundQueue owns locally created operations from enqueue until their
// echoes are observed. Operations are never reordered, survive reconnects,
// and are resent in submission order on the next connected transition.
// An operation leaves the queue only when its echo arrives, not when it is
// sent, so a disconnect between send and ack still replays it safely.
type outboundQueue struct {
	queue *submitQueue[*pendingOp]

	stateLock           sync.Mutex
	nextClientReference uint64

	// serializes pumps so resends keep submission order
	sendLock sync.Mutex

	settings *OutboundQueueSettings
}

func newOutboundQueue(settings *OutboundQueueSettings) *outboundQueue {
	return &outboundQueue{
		queue:               newSubmitQueue[*pendingOp](),
		nextClientReference: 1,
		settings:            settings,
	}
}

// Enqueue assigns the next client reference and queues the operation.
// Always succeeds below the byte ceiling, whatever the connection state.
func (self *outboundQueue) Enqueue(messageType MessageType, contents json.RawMessage, batch bool, appData any) (uint64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	size, byteCount := self.queue.QueueSize()
	if self.settings.MaxMessageByteCount < messageByteCount(contents) {
		return 0, &QueueOverflowError{
			Size:      size,
			ByteCount: messageByteCount(contents),
			Ceiling:   self.settings.MaxMessageByteCount,
		}
	}
	if self.settings.QueueByteCountCeiling < byteCount+messageByteCount(contents) {
		return 0, &QueueOverflowError{
			Size:      size,
			ByteCount: byteCount,
			Ceiling:   self.settings.QueueByteCountCeiling,
		}
	}

	clientReference := self.nextClientReference
	self.nextClientReference += 1

	op := &pendingOp{
		submitItem: submitItem{
			clientReference:  clientReference,
			messageByteCount: messageByteCount(contents),
		},
		messageType: messageType,
		contents:    contents,
		appData:     appData,
		staged:      batch,
	}
	self.queue.Add(op)

	if !batch {
		for _, queued := range self.queue.Items() {
			queued.staged = false
		}
	}

	return clientReference, nil
}

// Pump sends every eligible queued operation not yet sent on this connection
// epoch, in submission order, stamped with a fresh reference sequence number.
// Safe to call repeatedly; a send failure leaves the remainder queued for the
// next epoch.
func (self *outboundQueue) Pump(epoch uint64, referenceSequenceNumber uint64, submit SubmitFunction) {
	self.sendLock.Lock()
	defer self.sendLock.Unlock()

	self.stateLock.Lock()
	eligible := []*pendingOp{}
	for _, op := range self.queue.Items() {
		if op.staged {
			// staged ops are always the newest references
			break
		}
		if op.sentEpoch == epoch {
			continue
		}
		eligible = append(eligible, op)
	}
	self.stateLock.Unlock()

	for _, op := range eligible {
		record := &SubmitRecord{
			ClientReference:         op.ClientReference(),
			ReferenceSequenceNumber: referenceSequenceNumber,
			MessageType:             op.messageType,
			Contents:                op.contents,
		}
		if err := submit(record); err != nil {
			glog.V(1).Infof("[ob]pump send ref=%d err = %s\n", op.ClientReference(), err)
			return
		}
		self.stateLock.Lock()
		op.sentEpoch = epoch
		self.stateLock.Unlock()
		glog.V(2).Infof("[ob]sent ref=%d epoch=%d\n", op.ClientReference(), epoch)
	}
}

// MatchEcho retires the pending operation with `clientReference` and returns
// the app data attached at enqueue.
func (self *outboundQueue) MatchEcho(clientReference uint64) (any, bool) {
	op := self.queue.RemoveByReference(clientReference)
	if op == nil {
		return nil, false
	}
	return op.appData, true
}

func (self *outboundQueue) ContainsReference(clientReference uint64) bool {
	return self.queue.ContainsReference(clientReference)
}

func (self *outboundQueue) QueueSize() (int, ByteCount) {
	return self.queue.QueueSize()
}

// Clear drops every queued operation and returns their app data in
// submission order so the owner can fail any waiters.
func (self *outboundQueue) Clear() []any {
	appData := []any{}
	for {
		op := self.queue.RemoveFirst()
		if op == nil {
			return appData
		}
		appData = append(appData, op.appData)
	}
}
