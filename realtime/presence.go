package realtime

import (
	"container/heap"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
)

type PresenceSettings struct {
	// a typing indicator not refreshed within this window goes away
	TypingTtl time.Duration
	// any observed activity marks an actor present for this window
	ActivityTtl   time.Duration
	SweepInterval time.Duration
}

func DefaultPresenceSettings() *PresenceSettings {
	return &PresenceSettings{
		TypingTtl:     2000 * time.Millisecond,
		ActivityTtl:   30 * time.Second,
		SweepInterval: 500 * time.Millisecond,
	}
}

type presenceKind string

const (
	presenceKindPresent presenceKind = "present"
	presenceKindTyping  presenceKind = "typing"
)

type presenceEntryKey struct {
	path    ResourcePath
	actorId Id
	kind    presenceKind
}

type presenceEntry struct {
	key        presenceEntryKey
	expireTime time.Time

	// the index of the entry in the heap
	heapIndex int
}

// expired when now is at or past the expire time
func (self *presenceEntry) expired(now time.Time) bool {
	return !now.Before(self.expireTime)
}

// PresenceAggregator maintains per-resource presence sets and typing
// indicators. Entries expire off a min-heap, purged by a periodic sweep and
// lazily on every read, so a stale indicator can never outlive its ttl by
// more than one sweep interval.
type PresenceAggregator struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *PresenceSettings

	stateLock      sync.Mutex
	orderedEntries []*presenceEntry
	entries        map[presenceEntryKey]*presenceEntry

	changeCallbacks *CallbackList[func(ResourcePath)]
}

func NewPresenceAggregatorWithDefaults(ctx context.Context) *PresenceAggregator {
	return NewPresenceAggregator(ctx, DefaultPresenceSettings())
}

func NewPresenceAggregator(ctx context.Context, settings *PresenceSettings) *PresenceAggregator {
	cancelCtx, cancel := context.WithCancel(ctx)
	presenceAggregator := &PresenceAggregator{
		ctx:             cancelCtx,
		cancel:          cancel,
		settings:        settings,
		orderedEntries:  []*presenceEntry{},
		entries:         map[presenceEntryKey]*presenceEntry{},
		changeCallbacks: NewCallbackList[func(ResourcePath)](),
	}
	heap.Init(presenceAggregator)
	go presenceAggregator.run()
	return presenceAggregator
}

func (self *PresenceAggregator) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SweepInterval):
			self.sweep(time.Now())
		}
	}
}

// Observe marks an actor present on a resource because some activity from
// them was seen on the channel.
func (self *PresenceAggregator) Observe(path ResourcePath, actorId Id) {
	self.observe(path, actorId, time.Now())
}

func (self *PresenceAggregator) observe(path ResourcePath, actorId Id, now time.Time) {
	key := presenceEntryKey{
		path:    path,
		actorId: actorId,
		kind:    presenceKindPresent,
	}
	if self.refresh(key, now.Add(self.settings.ActivityTtl)) {
		self.fireChange(path)
	}
}

// SetTyping refreshes or clears the typing indicator for an actor.
func (self *PresenceAggregator) SetTyping(path ResourcePath, actorId Id, isTyping bool) {
	self.setTyping(path, actorId, isTyping, time.Now())
}

func (self *PresenceAggregator) setTyping(path ResourcePath, actorId Id, isTyping bool, now time.Time) {
	key := presenceEntryKey{
		path:    path,
		actorId: actorId,
		kind:    presenceKindTyping,
	}
	if isTyping {
		self.refresh(key, now.Add(self.settings.TypingTtl))
		self.fireChange(path)
	} else {
		self.stateLock.Lock()
		entry, ok := self.entries[key]
		if ok {
			self.remove(entry)
		}
		self.stateLock.Unlock()
		if ok {
			self.fireChange(path)
		}
	}
	glog.V(2).Infof("[presence]typing %s %s = %t\n", path, actorId, isTyping)
}

// refresh upserts an entry with a new expire time. Returns whether the
// entry is new.
func (self *PresenceAggregator) refresh(key presenceEntryKey, expireTime time.Time) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if entry, ok := self.entries[key]; ok {
		entry.expireTime = expireTime
		heap.Fix(self, entry.heapIndex)
		return false
	}
	entry := &presenceEntry{
		key:        key,
		expireTime: expireTime,
	}
	self.entries[key] = entry
	heap.Push(self, entry)
	return true
}

func (self *PresenceAggregator) TypingActors(path ResourcePath) []Id {
	return self.actors(path, presenceKindTyping, time.Now())
}

func (self *PresenceAggregator) PresentActors(path ResourcePath) []Id {
	return self.actors(path, presenceKindPresent, time.Now())
}

func (self *PresenceAggregator) actors(path ResourcePath, kind presenceKind, now time.Time) []Id {
	self.sweep(now)

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	actorIds := []Id{}
	for key := range self.entries {
		if key.path == path && key.kind == kind {
			actorIds = append(actorIds, key.actorId)
		}
	}
	// stable order for callers that render lists
	slices.SortFunc(actorIds, func(a Id, b Id) int {
		if a.LessThan(b) {
			return -1
		} else if b.LessThan(a) {
			return 1
		}
		return 0
	})
	return actorIds
}

// Clear drops every entry for a resource, as when its subscription is
// released.
func (self *PresenceAggregator) Clear(path ResourcePath) {
	self.stateLock.Lock()
	cleared := false
	for key, entry := range self.entries {
		if key.path == path {
			self.remove(entry)
			cleared = true
		}
	}
	self.stateLock.Unlock()

	if cleared {
		self.fireChange(path)
	}
}

func (self *PresenceAggregator) sweep(now time.Time) {
	self.stateLock.Lock()
	changedPaths := map[ResourcePath]bool{}
	for 0 < len(self.orderedEntries) && self.orderedEntries[0].expired(now) {
		entry := heap.Remove(self, 0).(*presenceEntry)
		delete(self.entries, entry.key)
		changedPaths[entry.key.path] = true
	}
	self.stateLock.Unlock()

	for path := range changedPaths {
		glog.V(2).Infof("[presence]expire %s\n", path)
		self.fireChange(path)
	}
}

// caller must hold the state lock
func (self *PresenceAggregator) remove(entry *presenceEntry) {
	delete(self.entries, entry.key)
	entry_ := heap.Remove(self, entry.heapIndex)
	if any(entry) != entry_ {
		panic("Heap invariant broken.")
	}
}

func (self *PresenceAggregator) AddChangeCallback(changeCallback func(ResourcePath)) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *PresenceAggregator) fireChange(path ResourcePath) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		HandleError(func() {
			changeCallback(path)
		})
	}
}

func (self *PresenceAggregator) Close() {
	self.cancel()
}

// heap.Interface

func (self *PresenceAggregator) Push(x any) {
	entry := x.(*presenceEntry)
	entry.heapIndex = len(self.orderedEntries)
	self.orderedEntries = append(self.orderedEntries, entry)
}

func (self *PresenceAggregator) Pop() any {
	n := len(self.orderedEntries)
	i := n - 1
	entry := self.orderedEntries[i]
	self.orderedEntries[i] = nil
	self.orderedEntries = self.orderedEntries[:n-1]
	return entry
}

// sort.Interface

func (self *PresenceAggregator) Len() int {
	return len(self.orderedEntries)
}

func (self *PresenceAggregator) Less(i int, j int) bool {
	return self.orderedEntries[i].expireTime.Before(self.orderedEntries[j].expireTime)
}

func (self *PresenceAggregator) Swap(i int, j int) {
	a := self.orderedEntries[i]
	b := self.orderedEntries[j]
	b.heapIndex = i
	self.orderedEntries[i] = b
	a.heapIndex = j
	self.orderedEntries[j] = a
}
