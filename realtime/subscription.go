package realtime

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// Subscription is one local hold on a shared resource. The view that
// requested it owns it and releases it when it unmounts.
type Subscription struct {
	subscriptionId Id
	path           ResourcePath

	registry *SubscriptionRegistry
}

func (self *Subscription) Path() ResourcePath {
	return self.path
}

// Release is idempotent.
func (self *Subscription) Release() {
	self.registry.release(self)
}

// SubscriptionRegistry tracks which shared resources the client has joined
// and routes every inbound event to its consumer. Joins are reference
// counted per resource: the channel-level join goes out once for the first
// holder, the leave once when the last holder releases.
type SubscriptionRegistry struct {
	engine          *MutationEngine
	boardReducer    *BoardReducer
	documentReducer *DocumentReducer
	chatReducer     *ChatReducer
	presence        *PresenceAggregator
	emit            func(payload any) error

	stateLock sync.Mutex
	// path -> subscription_id -> holder
	holders   map[ResourcePath]map[Id]*Subscription
	dropCount int64
}

func NewSubscriptionRegistry(
	engine *MutationEngine,
	boardReducer *BoardReducer,
	documentReducer *DocumentReducer,
	chatReducer *ChatReducer,
	presence *PresenceAggregator,
	emit func(payload any) error,
) *SubscriptionRegistry {
	return &SubscriptionRegistry{
		engine:          engine,
		boardReducer:    boardReducer,
		documentReducer: documentReducer,
		chatReducer:     chatReducer,
		presence:        presence,
		emit:            emit,
		holders:         map[ResourcePath]map[Id]*Subscription{},
	}
}

func (self *SubscriptionRegistry) Join(path ResourcePath) (*Subscription, error) {
	if path.IsZero() {
		return nil, fmt.Errorf("empty resource path")
	}

	self.stateLock.Lock()
	holders, ok := self.holders[path]
	if !ok {
		holders = map[Id]*Subscription{}
		self.holders[path] = holders
	}
	subscription := &Subscription{
		subscriptionId: NewId(),
		path:           path,
		registry:       self,
	}
	holders[subscription.subscriptionId] = subscription
	first := len(holders) == 1
	if first {
		// emit under the lock so join and leave order on the channel
		// matches holder count transitions. a failed emit is repaired by
		// the next resubscribe.
		if err := self.emit(&WorkspaceJoin{
			ResourceKind: path.Kind,
			ResourceId:   path.ResourceId,
		}); err != nil {
			glog.Infof("[sub]join emit error %s = %s\n", path, err)
		}
	}
	self.stateLock.Unlock()

	glog.V(1).Infof("[sub]join %s\n", path)
	return subscription, nil
}

func (self *SubscriptionRegistry) release(subscription *Subscription) {
	self.stateLock.Lock()
	holders, ok := self.holders[subscription.path]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	if _, ok := holders[subscription.subscriptionId]; !ok {
		self.stateLock.Unlock()
		return
	}
	delete(holders, subscription.subscriptionId)
	last := len(holders) == 0
	if last {
		delete(self.holders, subscription.path)
		if err := self.emit(&WorkspaceLeave{
			ResourceKind: subscription.path.Kind,
			ResourceId:   subscription.path.ResourceId,
		}); err != nil {
			glog.Infof("[sub]leave emit error %s = %s\n", subscription.path, err)
		}
	}
	self.stateLock.Unlock()

	glog.V(1).Infof("[sub]release %s\n", subscription.path)
	if last {
		self.cleanup(subscription.path)
	}
}

// cleanup drops all local state for a fully released resource. Any
// in-flight result that lands afterward finds no state and is discarded.
func (self *SubscriptionRegistry) cleanup(path ResourcePath) {
	self.presence.Clear(path)
	switch path.Kind {
	case ResourceKindBoard:
		self.boardReducer.RemoveBoard(path.ResourceId)
	case ResourceKindDocument:
		self.documentReducer.RemoveDocument(path.ResourceId)
	case ResourceKindWorkspace:
		self.chatReducer.RemoveChat(path.ResourceId)
	}
}

func (self *SubscriptionRegistry) Held(path ResourcePath) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return 0 < len(self.holders[path])
}

func (self *SubscriptionRegistry) HolderCount(path ResourcePath) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.holders[path])
}

// HeldPaths returns all held resources in stable order.
func (self *SubscriptionRegistry) HeldPaths() []ResourcePath {
	self.stateLock.Lock()
	paths := make([]ResourcePath, 0, len(self.holders))
	for path := range self.holders {
		paths = append(paths, path)
	}
	self.stateLock.Unlock()

	slices.SortFunc(paths, func(a ResourcePath, b ResourcePath) int {
		return strings.Compare(a.String(), b.String())
	})
	return paths
}

// Resubscribe re-issues the channel-level join for every held resource,
// as after a reconnect. Domain reducers never see this happen.
func (self *SubscriptionRegistry) Resubscribe() {
	for _, path := range self.HeldPaths() {
		if err := self.emit(&WorkspaceJoin{
			ResourceKind: path.Kind,
			ResourceId:   path.ResourceId,
		}); err != nil {
			glog.Infof("[sub]resubscribe emit error %s = %s\n", path, err)
		} else {
			glog.V(1).Infof("[sub]resubscribe %s\n", path)
		}
	}
}

// HandleEvent routes one inbound envelope. Unknown events and events for
// resources with no live subscription are dropped with a diagnostic and
// counted, never an error up the pipeline.
func (self *SubscriptionRegistry) HandleEvent(envelope *Envelope) {
	payload, err := envelope.Decode()
	if err != nil {
		self.countDrop()
		glog.Infof("[sub]drop %s = %s\n", envelope.Event, err)
		return
	}

	// rejections resolve a pending mutation and are not resource-scoped
	if rejected, ok := payload.(*MutationRejected); ok {
		self.engine.HandleEvent(rejected)
		return
	}

	path := EventPath(payload)
	if path.IsZero() {
		self.countDrop()
		glog.Infof("[sub]drop %s, not resource scoped\n", envelope.Event)
		return
	}
	if !self.Held(path) {
		self.countDrop()
		glog.V(1).Infof("[sub]drop %s %s, not subscribed\n", envelope.Event, path)
		return
	}

	switch v := payload.(type) {
	case *ChatTyping:
		self.presence.Observe(path, v.ActorId)
		self.presence.SetTyping(path, v.ActorId, v.IsTyping)
	case *DocumentCursor:
		self.presence.Observe(path, v.ActorId)
		if err := self.documentReducer.Apply(v); err != nil {
			self.countDrop()
			glog.V(1).Infof("[sub]drop %s = %s\n", envelope.Event, err)
		}
	case *ChatMessage:
		self.presence.Observe(path, v.SenderId)
		self.handleEntityEvent(envelope.Event, v)
	case *TaskMoved, *DocumentUpdate:
		self.handleEntityEvent(envelope.Event, v)
	default:
		self.countDrop()
		glog.Infof("[sub]drop %s, no consumer\n", envelope.Event)
	}
}

func (self *SubscriptionRegistry) handleEntityEvent(event string, payload any) {
	if err := self.engine.HandleEvent(payload); err != nil {
		self.countDrop()
		if errors.Is(err, ErrStaleEvent) || errors.Is(err, ErrDuplicateState) {
			glog.V(1).Infof("[sub]drop %s = %s\n", event, err)
		} else {
			glog.Infof("[sub]drop %s = %s\n", event, err)
		}
	}
}

func (self *SubscriptionRegistry) countDrop() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.dropCount += 1
}

// DroppedEventCount is the number of inbound events discarded by routing:
// undecodable, unknown, unsubscribed, stale or duplicate.
func (self *SubscriptionRegistry) DroppedEventCount() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.dropCount
}
