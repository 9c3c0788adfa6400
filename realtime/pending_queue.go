package realtime

import (
	"container/heap"
	"slices"
	"sync"
	"time"
)

type pendingMutation struct {
	mutationId Id
	domain     Domain
	entity     EntityKey
	// the emitted wire payload, mutation id set
	payload any
	// pre-transition state, immutable once captured
	snapshot any
	issuedAt time.Time
	deadline time.Time
	// issue order across all domains
	sequenceNumber uint64

	// the index of the item in the heap
	heapIndex int
}

func (self *pendingMutation) overdue(now time.Time) bool {
	return !now.Before(self.deadline)
}

// pending mutations ordered by deadline. The mutation id index resolves
// confirmation echoes and rejections, the entity index answers collision
// checks for inbound remote events.
type pendingQueue struct {
	stateLock sync.Mutex

	orderedItems []*pendingMutation
	// mutation_id -> item
	mutationIdItems map[Id]*pendingMutation
	// entity -> items in issue order
	entityItems map[EntityKey][]*pendingMutation
}

func newPendingQueue() *pendingQueue {
	pendingQueue := &pendingQueue{
		orderedItems:    []*pendingMutation{},
		mutationIdItems: map[Id]*pendingMutation{},
		entityItems:     map[EntityKey][]*pendingMutation{},
	}
	heap.Init(pendingQueue)
	return pendingQueue
}

func (self *pendingQueue) Size() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.orderedItems)
}

func (self *pendingQueue) Add(item *pendingMutation) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.mutationIdItems[item.mutationId] = item
	self.entityItems[item.entity] = append(self.entityItems[item.entity], item)
	heap.Push(self, item)
}

func (self *pendingQueue) ContainsMutationId(mutationId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.mutationIdItems[mutationId]
	return ok
}

func (self *pendingQueue) GetByMutationId(mutationId Id) *pendingMutation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.mutationIdItems[mutationId]
	if !ok {
		return nil
	}
	return item
}

func (self *pendingQueue) RemoveByMutationId(mutationId Id) *pendingMutation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	item, ok := self.mutationIdItems[mutationId]
	if !ok {
		return nil
	}
	return self.remove(item)
}

func (self *pendingQueue) HasEntity(entity EntityKey) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return 0 < len(self.entityItems[entity])
}

// PendingForEntity returns the outstanding items for an entity in issue
// order. The returned slice is a copy.
func (self *pendingQueue) PendingForEntity(entity EntityKey) []*pendingMutation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.entityItems[entity])
}

func (self *pendingQueue) RemoveFirst() *pendingMutation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}

	item := heap.Remove(self, 0).(*pendingMutation)
	delete(self.mutationIdItems, item.mutationId)
	self.removeEntityItem(item)
	return item
}

func (self *pendingQueue) PeekFirst() *pendingMutation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.orderedItems) == 0 {
		return nil
	}
	return self.orderedItems[0]
}

// RemoveOverdue removes and returns all items with deadline at or before
// now, in deadline order.
func (self *pendingQueue) RemoveOverdue(now time.Time) []*pendingMutation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	overdueItems := []*pendingMutation{}
	for 0 < len(self.orderedItems) && self.orderedItems[0].overdue(now) {
		item := heap.Remove(self, 0).(*pendingMutation)
		delete(self.mutationIdItems, item.mutationId)
		self.removeEntityItem(item)
		overdueItems = append(overdueItems, item)
	}
	return overdueItems
}

func (self *pendingQueue) remove(item *pendingMutation) *pendingMutation {
	delete(self.mutationIdItems, item.mutationId)
	self.removeEntityItem(item)
	item_ := heap.Remove(self, item.heapIndex)
	if any(item) != item_ {
		panic("Heap invariant broken.")
	}
	return item
}

func (self *pendingQueue) removeEntityItem(item *pendingMutation) {
	items := self.entityItems[item.entity]
	items = slices.DeleteFunc(items, func(entityItem *pendingMutation) bool {
		return entityItem.mutationId == item.mutationId
	})
	if len(items) == 0 {
		delete(self.entityItems, item.entity)
	} else {
		self.entityItems[item.entity] = items
	}
}

// heap.Interface

func (self *pendingQueue) Push(x any) {
	item := x.(*pendingMutation)
	item.heapIndex = len(self.orderedItems)
	self.orderedItems = append(self.orderedItems, item)
}

func (self *pendingQueue) Pop() any {
	n := len(self.orderedItems)
	i := n - 1
	item := self.orderedItems[i]
	self.orderedItems[i] = nil
	self.orderedItems = self.orderedItems[:n-1]
	return item
}

// sort.Interface

func (self *pendingQueue) Len() int {
	return len(self.orderedItems)
}

func (self *pendingQueue) Less(i int, j int) bool {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	if a.deadline.Equal(b.deadline) {
		return a.sequenceNumber < b.sequenceNumber
	}
	return a.deadline.Before(b.deadline)
}

func (self *pendingQueue) Swap(i int, j int) {
	a := self.orderedItems[i]
	b := self.orderedItems[j]
	b.heapIndex = i
	self.orderedItems[i] = b
	a.heapIndex = j
	self.orderedItems[j] = a
}
