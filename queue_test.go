package delta

import (
	"math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSubmitQueueOrder(t *testing.T) {
	queue := newSubmitQueue[*submitItem]()

	references := []uint64{}
	for i := uint64(1); i <= 64; i += 1 {
		references = append(references, i)
	}
	rand.Shuffle(len(references), func(i int, j int) {
		references[i], references[j] = references[j], references[i]
	})

	for _, clientReference := range references {
		queue.Add(&submitItem{
			clientReference:  clientReference,
			messageByteCount: 8,
		})
	}

	size, byteCount := queue.QueueSize()
	assert.Equal(t, size, 64)
	assert.Equal(t, byteCount, ByteCount(512))

	// items come back in reference order regardless of insertion order
	for i, item := range queue.Items() {
		assert.Equal(t, item.ClientReference(), uint64(i+1))
	}

	for i := uint64(1); i <= 64; i += 1 {
		item := queue.RemoveFirst()
		assert.Equal(t, item.ClientReference(), i)
	}
	assert.Equal(t, queue.RemoveFirst() == nil, true)
}

func TestSubmitQueueByReference(t *testing.T) {
	queue := newSubmitQueue[*submitItem]()

	for i := uint64(1); i <= 4; i += 1 {
		queue.Add(&submitItem{
			clientReference:  i,
			messageByteCount: ByteCount(i),
		})
	}

	assert.Equal(t, queue.ContainsReference(3), true)
	assert.Equal(t, queue.GetByReference(2).ClientReference(), uint64(2))

	item := queue.RemoveByReference(3)
	assert.Equal(t, item.ClientReference(), uint64(3))
	assert.Equal(t, queue.ContainsReference(3), false)
	assert.Equal(t, queue.RemoveByReference(3) == nil, true)

	size, byteCount := queue.QueueSize()
	assert.Equal(t, size, 3)
	assert.Equal(t, byteCount, ByteCount(1+2+4))

	// removal from the middle preserves the order of the rest
	assert.Equal(t, queue.RemoveFirst().ClientReference(), uint64(1))
	assert.Equal(t, queue.RemoveFirst().ClientReference(), uint64(2))
	assert.Equal(t, queue.RemoveFirst().ClientReference(), uint64(4))
}

func TestSubmitQueuePeek(t *testing.T) {
	queue := newSubmitQueue[*submitItem]()
	assert.Equal(t, queue.PeekFirst() == nil, true)

	queue.Add(&submitItem{clientReference: 2})
	queue.Add(&submitItem{clientReference: 1})
	assert.Equal(t, queue.PeekFirst().ClientReference(), uint64(1))

	size, _ := queue.QueueSize()
	assert.Equal(t, size, 2)
}
