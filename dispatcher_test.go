package delta

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDispatcherOrder(t *testing.T) {
	dispatcher := newDispatcher(0, 0)

	_, applied := dispatcher.Position()
	assert.Equal(t, applied, false)
	assert.Equal(t, dispatcher.ReferenceSequenceNumber(), uint64(0))

	ok, err := dispatcher.Accept(&SequencedMessage{SequenceNumber: 0})
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)

	ok, err = dispatcher.Accept(&SequencedMessage{SequenceNumber: 1})
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, true)

	// duplicates are dropped without error
	ok, err = dispatcher.Accept(&SequencedMessage{SequenceNumber: 1})
	assert.Equal(t, err, nil)
	assert.Equal(t, ok, false)

	// a gap is a violation. the sequencer reconnects instead of skipping
	ok, err = dispatcher.Accept(&SequencedMessage{SequenceNumber: 5})
	assert.Equal(t, ok, false)
	var violation *ProtocolViolationError
	assert.Equal(t, errors.As(err, &violation), true)

	lastSequenceNumber, applied := dispatcher.Position()
	assert.Equal(t, applied, true)
	assert.Equal(t, lastSequenceNumber, uint64(1))
	assert.Equal(t, dispatcher.ReferenceSequenceNumber(), uint64(1))
}

func TestDispatcherMinimumSequenceNumber(t *testing.T) {
	dispatcher := newDispatcher(0, 0)

	dispatcher.Accept(&SequencedMessage{SequenceNumber: 0, MinimumSequenceNumber: 0})
	dispatcher.Accept(&SequencedMessage{SequenceNumber: 1, MinimumSequenceNumber: 1})
	assert.Equal(t, dispatcher.MinimumSequenceNumber(), uint64(1))

	// the bound never regresses
	ok, err := dispatcher.Accept(&SequencedMessage{SequenceNumber: 2, MinimumSequenceNumber: 0})
	assert.Equal(t, ok, true)
	assert.Equal(t, err, nil)
	assert.Equal(t, dispatcher.MinimumSequenceNumber(), uint64(1))

	// a bound ahead of the sequence number is a violation
	ok, err = dispatcher.Accept(&SequencedMessage{SequenceNumber: 3, MinimumSequenceNumber: 4})
	assert.Equal(t, ok, false)
	assert.NotEqual(t, err, nil)
}

func TestDispatcherDeliver(t *testing.T) {
	dispatcher := newDispatcher(0, 0)

	delivered := []uint64{}
	var lastLocal bool
	var lastAppData any
	unsub := dispatcher.AddProcessCallback(func(message *SequencedMessage, isLocal bool, appData any) {
		delivered = append(delivered, message.SequenceNumber)
		lastLocal = isLocal
		lastAppData = appData
	})

	message := &SequencedMessage{
		SequenceNumber: 0,
		MessageType:    MessageTypeOperation,
		Contents:       json.RawMessage(`{}`),
	}
	ok, _ := dispatcher.Accept(message)
	assert.Equal(t, ok, true)
	dispatcher.Deliver(message, true, "attached")

	assert.Equal(t, delivered, []uint64{0})
	assert.Equal(t, lastLocal, true)
	assert.Equal(t, lastAppData, "attached")

	unsub()
	dispatcher.Deliver(message, false, nil)
	assert.Equal(t, len(delivered), 1)
}

func TestDispatcherResume(t *testing.T) {
	// a dispatcher restored from a checkpoint continues past it
	dispatcher := newDispatcher(42, 40)

	lastSequenceNumber, applied := dispatcher.Position()
	assert.Equal(t, applied, true)
	assert.Equal(t, lastSequenceNumber, uint64(41))

	// replay at or below the checkpoint is deduplicated
	ok, err := dispatcher.Accept(&SequencedMessage{SequenceNumber: 41, MinimumSequenceNumber: 40})
	assert.Equal(t, ok, false)
	assert.Equal(t, err, nil)

	ok, err = dispatcher.Accept(&SequencedMessage{SequenceNumber: 42, MinimumSequenceNumber: 40})
	assert.Equal(t, ok, true)
	assert.Equal(t, err, nil)
}
