package delta

import (
	"container/heap"
	"slices"
	"sync"
)

type submitQueueItem interface {
	ClientReference() uint64
	MessageByteCount() ByteCount
	HeapIndex() int
	SetHeapIndex(int)
}

type submitItem struct {
	clientReference  uint64
	messageByteCount ByteCount

	// the index of the item in the heap
	heapIndex int
}

// submitQueueItem implementation

func (self *submitItem) ClientReference() uint64 {
	return self.clientReference
}

func (self *submitItem) MessageByteCount() ByteCount {
	return self.messageByteCount
}

func (self *submitItem) HeapIndex() int {
	return self.heapIndex
}

func (self *submitItem) SetHeapIndex(heapIndex int) {
	self.heapIndex = heapIndex
}

// ordered by `clientReference`, which is monotonic per session, so heap order
// is submission order
type submitQueue[T submitQueueItem] struct {
	orderedItems []T
	// client_reference -> item
	referenceItems map[uint64]T
	byteCount      ByteCount
	stateLock      sync.Mutex
}

func newSubmitQueue[T submitQueueItem]() *submitQueue[T] {
	submitQueue := &submitQueue[T]{
		orderedItems:   []T{},
		referenceItems: map[uint64]T{},
		byteCount:      0,
	}
	heap.Init(submitQueue)
	return submitQueue
}

func (self *submitQueue[T]) QueueSize() (int, ByteCount) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedItems), self.byteCount
}

func (self *submitQueue[T]) Add(item T) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.referenceItems[item.ClientReference()] = item
	heap.Push(self, item)
	self.byteCount += item.MessageByteCount()
}

func (self *submitQueue[T]) ContainsReference(clientReference uint64) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.referenceItems[clientReference]
	return ok
}

func (self *submitQueue[T]) GetByReference(clientReference uint64) T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.referenceItems[clientReference]
	if !ok {
		var empty T
		return empty
	}
	return item
}

func (self *submitQueue[T]) RemoveByReference(clientReference uint64) T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.referenceItems[clientReference]
	if !ok {
		var empty T
		return empty
	}
	delete(self.referenceItems, clientReference)
	item_ := heap.Remove(self, item.HeapIndex())
	if any(item) != item_ {
		panic("Heap invariant broken.")
	}
	self.byteCount -= item.MessageByteCount()
	return item
}

func (self *submitQueue[T]) RemoveFirst() T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		var empty T
		return empty
	}

	item := heap.Remove(self, 0).(T)
	delete(self.referenceItems, item.ClientReference())
	self.byteCount -= item.MessageByteCount()
	return item
}

func (self *submitQueue[T]) PeekFirst() T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		var empty T
		return empty
	}
	return self.orderedItems[0]
}

// Items snapshots the queue in submission order without removing anything.
func (self *submitQueue[T]) Items() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	items := make([]T, len(self.orderedItems))
	copy(items, self.orderedItems)
	slices.SortFunc(items, func(a T, b T) int {
		if a.ClientReference() < b.ClientReference() {
			return -1
		} else if b.ClientReference() < a.ClientReference() {
			return 1
		} else {
			return 0
		}
	})
	return items
}

// heap.Interface

func (self *submitQueue[T]) Push(x any) {
	item := x.(T)
	item.SetHeapIndex(len(self.orderedItems))
	self.orderedItems = append(self.orderedItems, item)
}

func (self *submitQueue[T]) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	var empty T
	item := self.orderedItems[i]
	self.orderedItems[i] = empty
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *submitQueue[T]) Len() int {
	return len(self.orderedItems)
}

func (self *submitQueue[T]) Less(i int, j int) bool {
	return self.orderedItems[i].ClientReference() < self.orderedItems[j].ClientReference()
}

func (self *submitQueue[T]) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.SetHeapIndex(i)
	self.orderedItems[i] = b
	a.SetHeapIndex(j)
	self.orderedItems[j] = a
}
