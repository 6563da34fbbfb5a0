package delta

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func collectSubmits(sent *[]*SubmitRecord) SubmitFunction {
	return func(record *SubmitRecord) error {
		*sent = append(*sent, record)
		return nil
	}
}

func TestOutboundEnqueuePump(t *testing.T) {
	queue := newOutboundQueue(DefaultOutboundQueueSettings())

	contents := json.RawMessage(`{"op":"insert"}`)
	ref1, err := queue.Enqueue(MessageTypeOperation, contents, false, "first")
	assert.Equal(t, err, nil)
	ref2, err := queue.Enqueue(MessageTypeOperation, contents, false, "second")
	assert.Equal(t, err, nil)
	assert.Equal(t, ref1 < ref2, true)

	sent := []*SubmitRecord{}
	queue.Pump(1, 10, collectSubmits(&sent))
	assert.Equal(t, len(sent), 2)
	assert.Equal(t, sent[0].ClientReference, ref1)
	assert.Equal(t, sent[1].ClientReference, ref2)
	assert.Equal(t, sent[0].ReferenceSequenceNumber, uint64(10))

	// already sent on this epoch. nothing to do
	queue.Pump(1, 11, collectSubmits(&sent))
	assert.Equal(t, len(sent), 2)

	appData, ok := queue.MatchEcho(ref1)
	assert.Equal(t, ok, true)
	assert.Equal(t, appData, "first")
	_, ok = queue.MatchEcho(ref1)
	assert.Equal(t, ok, false)

	// a new epoch resends only the ops still awaiting their echo,
	// restamped with the fresh reference
	sent = []*SubmitRecord{}
	queue.Pump(2, 20, collectSubmits(&sent))
	assert.Equal(t, len(sent), 1)
	assert.Equal(t, sent[0].ClientReference, ref2)
	assert.Equal(t, sent[0].ReferenceSequenceNumber, uint64(20))
}

func TestOutboundBatch(t *testing.T) {
	queue := newOutboundQueue(DefaultOutboundQueueSettings())

	contents := json.RawMessage(`{}`)
	queue.Enqueue(MessageTypeOperation, contents, true, nil)
	queue.Enqueue(MessageTypeOperation, contents, true, nil)

	// staged ops hold until a non-batch enqueue closes the group
	sent := []*SubmitRecord{}
	queue.Pump(1, 0, collectSubmits(&sent))
	assert.Equal(t, len(sent), 0)

	queue.Enqueue(MessageTypeOperation, contents, false, nil)
	queue.Pump(1, 0, collectSubmits(&sent))
	assert.Equal(t, len(sent), 3)
}

func TestOutboundOverflow(t *testing.T) {
	queue := newOutboundQueue(&OutboundQueueSettings{
		QueueByteCountCeiling: 100,
		MaxMessageByteCount:   64,
	})

	big := json.RawMessage(`{"pad":"` + strings.Repeat("x", 80) + `"}`)
	_, err := queue.Enqueue(MessageTypeOperation, big, false, nil)
	var overflow *QueueOverflowError
	assert.Equal(t, errors.As(err, &overflow), true)
	assert.Equal(t, overflow.Ceiling, ByteCount(64))

	small := json.RawMessage(`{"pad":"` + strings.Repeat("x", 50) + `"}`)
	_, err = queue.Enqueue(MessageTypeOperation, small, false, nil)
	assert.Equal(t, err, nil)

	// the second small op would push the total over the ceiling
	_, err = queue.Enqueue(MessageTypeOperation, small, false, nil)
	assert.Equal(t, errors.As(err, &overflow), true)
	assert.Equal(t, overflow.Ceiling, ByteCount(100))

	// the failed enqueue left the queue untouched
	size, byteCount := queue.QueueSize()
	assert.Equal(t, size, 1)
	assert.Equal(t, byteCount, messageByteCount(small))
}

func TestOutboundSendFailure(t *testing.T) {
	queue := newOutboundQueue(DefaultOutboundQueueSettings())

	contents := json.RawMessage(`{}`)
	ref1, _ := queue.Enqueue(MessageTypeOperation, contents, false, nil)
	ref2, _ := queue.Enqueue(MessageTypeOperation, contents, false, nil)

	// a send failure stops the pump. everything unsent stays queued
	attempts := 0
	queue.Pump(1, 0, func(record *SubmitRecord) error {
		attempts += 1
		if record.ClientReference == ref2 {
			return errors.New("connection lost")
		}
		return nil
	})
	assert.Equal(t, attempts, 2)

	// ref1 never echoed, so the next epoch resends both in order
	sent := []*SubmitRecord{}
	queue.Pump(2, 0, collectSubmits(&sent))
	assert.Equal(t, len(sent), 2)
	assert.Equal(t, sent[0].ClientReference, ref1)
	assert.Equal(t, sent[1].ClientReference, ref2)
}

func TestOutboundClear(t *testing.T) {
	queue := newOutboundQueue(DefaultOutboundQueueSettings())

	contents := json.RawMessage(`{}`)
	queue.Enqueue(MessageTypeOperation, contents, false, "a")
	queue.Enqueue(MessageTypeOperation, contents, false, "b")

	appData := queue.Clear()
	assert.Equal(t, appData, []any{"a", "b"})

	size, byteCount := queue.QueueSize()
	assert.Equal(t, size, 0)
	assert.Equal(t, byteCount, ByteCount(0))
}
