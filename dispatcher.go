package delta

import (
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// ProcessFunction receives every sequenced message exactly once, in sequence
// order. `isLocal` marks echoes of this session's own submissions. `appData`
// is the value attached at submit time, nil for remote messages.
type ProcessFunction func(message *SequencedMessage, isLocal bool, appData any)

// dispatcher is the delivery position of a session: which sequence number
// comes next, and the observed minimum sequence number. The sequencer client
// already fails fast on gaps; the dispatcher deduplicates across catch-up and
// live delivery as a second line of defense, so a message is never applied
// twice even across reconnects.
type dispatcher struct {
	stateLock sync.Mutex
	// the sequence number the session expects to apply next.
	// 0 means nothing has been applied
	nextSequenceNumber    uint64
	minimumSequenceNumber uint64

	processCallbacks *CallbackList[ProcessFunction]
}

func newDispatcher(nextSequenceNumber uint64, minimumSequenceNumber uint64) *dispatcher {
	return &dispatcher{
		nextSequenceNumber:    nextSequenceNumber,
		minimumSequenceNumber: minimumSequenceNumber,
		processCallbacks:      NewCallbackList[ProcessFunction](),
	}
}

// Accept advances the delivery position. False with nil error means an
// already applied message (dropped). An out-of-order future message is a
// violation: the sequencer's gap detection should make it unreachable.
func (self *dispatcher) Accept(message *SequencedMessage) (bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if message.SequenceNumber < self.nextSequenceNumber {
		glog.V(1).Infof("[dp]drop duplicate seq=%d next=%d\n", message.SequenceNumber, self.nextSequenceNumber)
		return false, nil
	}
	if message.SequenceNumber != self.nextSequenceNumber {
		return false, &ProtocolViolationError{
			SequenceNumber: message.SequenceNumber,
			Reason:         fmt.Sprintf("out of order delivery, expected %d", self.nextSequenceNumber),
		}
	}
	if message.SequenceNumber < message.MinimumSequenceNumber {
		return false, &ProtocolViolationError{
			SequenceNumber: message.SequenceNumber,
			Reason:         fmt.Sprintf("minimum sequence number %d ahead of sequence number", message.MinimumSequenceNumber),
		}
	}

	self.nextSequenceNumber = message.SequenceNumber + 1
	if self.minimumSequenceNumber <= message.MinimumSequenceNumber {
		self.minimumSequenceNumber = message.MinimumSequenceNumber
	} else {
		// the bound is monotonic. keep the highest observed
		glog.Warningf("[dp]minimum sequence number went backward %d -> %d\n", self.minimumSequenceNumber, message.MinimumSequenceNumber)
	}
	return true, nil
}

func (self *dispatcher) Deliver(message *SequencedMessage, isLocal bool, appData any) {
	for _, processCallback := range self.processCallbacks.Get() {
		HandleError(func() {
			processCallback(message, isLocal, appData)
		})
	}
}

func (self *dispatcher) AddProcessCallback(processCallback ProcessFunction) func() {
	callbackId := self.processCallbacks.Add(processCallback)
	return func() {
		self.processCallbacks.Remove(callbackId)
	}
}

// Position returns the last applied sequence number. `applied` is false while
// nothing has been applied yet.
func (self *dispatcher) Position() (lastSequenceNumber uint64, applied bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.nextSequenceNumber == 0 {
		return 0, false
	}
	return self.nextSequenceNumber - 1, true
}

// ReferenceSequenceNumber is the value to stamp on outgoing submissions:
// the last applied sequence number, or 0 before anything was applied.
func (self *dispatcher) ReferenceSequenceNumber() uint64 {
	lastSequenceNumber, _ := self.Position()
	return lastSequenceNumber
}

func (self *dispatcher) MinimumSequenceNumber() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.minimumSequenceNumber
}
