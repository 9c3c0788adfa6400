package realtime

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Reducer is the per-domain state owner the engine drives. Implementations
// run the same transition function for local optimistic actions and remote
// events. Snapshot captures the state an action is about to change, Restore
// puts a captured snapshot back.
type Reducer interface {
	Apply(payload any) error
	Snapshot(payload any) any
	Restore(snapshot any)
}

type MutationSettings struct {
	// deadline for server confirmation, measured from issue
	PendingTimeout time.Duration
	SweepInterval  time.Duration
	// per entity cap on remote events queued behind a pending mutation
	QueuedEventLimit int
}

func DefaultMutationSettings() *MutationSettings {
	return &MutationSettings{
		PendingTimeout:   10 * time.Second,
		SweepInterval:    1 * time.Second,
		QueuedEventLimit: 128,
	}
}

// MutationEngine wraps every user-initiated state change in a tracked,
// time-bounded pending mutation. The transition is applied locally before
// any network round trip, then reconciled against the server confirmation
// echo, an explicit rejection, or the deadline.
//
// While a mutation is outstanding for an entity, inbound remote events for
// that entity are queued and applied after the mutation resolves, so the
// optimistic view is never clobbered mid flight.
type MutationEngine struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *MutationSettings

	reducers map[Domain]Reducer
	emit     func(payload any) error

	stateLock          sync.Mutex
	pendings           *pendingQueue
	nextSequenceNumber uint64
	// entity -> remote events in arrival order
	queuedEvents map[EntityKey][]any

	noticeCallbacks *CallbackList[func(error)]
}

func NewMutationEngineWithDefaults(
	ctx context.Context,
	boardReducer *BoardReducer,
	documentReducer *DocumentReducer,
	chatReducer *ChatReducer,
	emit func(payload any) error,
) *MutationEngine {
	return NewMutationEngine(
		ctx,
		boardReducer,
		documentReducer,
		chatReducer,
		emit,
		DefaultMutationSettings(),
	)
}

func NewMutationEngine(
	ctx context.Context,
	boardReducer *BoardReducer,
	documentReducer *DocumentReducer,
	chatReducer *ChatReducer,
	emit func(payload any) error,
	settings *MutationSettings,
) *MutationEngine {
	cancelCtx, cancel := context.WithCancel(ctx)
	mutationEngine := &MutationEngine{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		reducers: map[Domain]Reducer{
			DomainBoard:    boardReducer,
			DomainDocument: documentReducer,
			DomainChat:     chatReducer,
		},
		emit:            emit,
		pendings:        newPendingQueue(),
		queuedEvents:    map[EntityKey][]any{},
		noticeCallbacks: NewCallbackList[func(error)](),
	}
	go mutationEngine.run()
	return mutationEngine
}

func (self *MutationEngine) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SweepInterval):
			self.Sweep()
		}
	}
}

// Apply runs one optimistic mutation: snapshot, local transition, record,
// emit. The caller sees the new state before any network latency. The
// returned mutation id correlates later notices.
func (self *MutationEngine) Apply(action any) (Id, error) {
	return self.apply(action, time.Now())
}

func (self *MutationEngine) apply(action any, now time.Time) (Id, error) {
	entity, ok := EventEntity(action)
	if !ok {
		return Id{}, fmt.Errorf("not a mutation action: %T", action)
	}
	reducer, ok := self.reducers[entity.Domain]
	if !ok {
		return Id{}, fmt.Errorf("no reducer for domain: %s", entity.Domain)
	}

	mutationId := NewId()
	setMutationId(action, mutationId)

	self.stateLock.Lock()
	notices := self.expireOverdue(now)

	snapshot := reducer.Snapshot(action)
	if err := reducer.Apply(action); err != nil {
		self.stateLock.Unlock()
		self.fireNotices(notices)
		return Id{}, err
	}

	item := &pendingMutation{
		mutationId:     mutationId,
		domain:         entity.Domain,
		entity:         entity,
		payload:        action,
		snapshot:       snapshot,
		issuedAt:       now,
		deadline:       now.Add(self.settings.PendingTimeout),
		sequenceNumber: self.nextSequenceNumber,
	}
	self.nextSequenceNumber += 1
	self.pendings.Add(item)

	// emit under the lock to preserve issue order on the channel.
	// a failed emit is not fatal here, the deadline sweep rolls it back.
	if err := self.emit(action); err != nil {
		glog.Infof("[mut]emit error %s = %s\n", mutationId, err)
	}
	self.stateLock.Unlock()

	glog.V(1).Infof("[mut]apply %s %s\n", mutationId, entity)
	self.fireNotices(notices)
	return mutationId, nil
}

// HandleEvent runs one inbound channel event through the engine. It
// resolves confirmations and rejections, queues remote events that collide
// with an outstanding pending mutation, and applies everything else to the
// domain reducer.
func (self *MutationEngine) HandleEvent(payload any) error {
	return self.handleEvent(payload, time.Now())
}

func (self *MutationEngine) handleEvent(payload any, now time.Time) error {
	var applyErr error

	self.stateLock.Lock()
	notices := self.expireOverdue(now)

	if rejected, ok := payload.(*MutationRejected); ok {
		notices = append(notices, self.handleRejected(rejected)...)
	} else if mutationId := EventMutationId(payload); mutationId != nil && self.pendings.ContainsMutationId(*mutationId) {
		item := self.pendings.RemoveByMutationId(*mutationId)
		self.handleConfirmed(item, payload)
	} else if entity, ok := EventEntity(payload); ok && self.pendings.HasEntity(entity) {
		queued := self.queuedEvents[entity]
		if self.settings.QueuedEventLimit <= len(queued) {
			glog.Infof("[mut]queue full, drop %s\n", entity)
		} else {
			self.queuedEvents[entity] = append(queued, payload)
			glog.V(1).Infof("[mut]queue %s\n", entity)
		}
	} else {
		applyErr = self.applyToReducer(payload)
	}
	self.stateLock.Unlock()

	self.fireNotices(notices)
	return applyErr
}

// Sweep expires overdue pending mutations and rolls them back. The engine
// sweeps on its own tick and on every apply and inbound event.
func (self *MutationEngine) Sweep() {
	self.sweepAt(time.Now())
}

func (self *MutationEngine) sweepAt(now time.Time) {
	self.stateLock.Lock()
	notices := self.expireOverdue(now)
	self.stateLock.Unlock()

	self.fireNotices(notices)
}

func (self *MutationEngine) PendingCount() int {
	return self.pendings.Size()
}

func (self *MutationEngine) ContainsMutation(mutationId Id) bool {
	return self.pendings.ContainsMutationId(mutationId)
}

// AddNoticeCallback registers a listener for recoverable mutation errors,
// MutationRejectedError and MutationExpiredError. Callbacks must not call
// back into the engine.
func (self *MutationEngine) AddNoticeCallback(noticeCallback func(error)) func() {
	callbackId := self.noticeCallbacks.Add(noticeCallback)
	return func() {
		self.noticeCallbacks.Remove(callbackId)
	}
}

func (self *MutationEngine) Close() {
	self.cancel()
}

// assumes the state lock is held
func (self *MutationEngine) expireOverdue(now time.Time) []error {
	notices := []error{}
	for _, item := range self.pendings.RemoveOverdue(now) {
		glog.Infof("[mut]expire %s %s\n", item.mutationId, item.entity)
		cause := &MutationExpiredError{
			MutationId: item.mutationId,
			Domain:     item.domain,
			Deadline:   item.deadline.Format(time.RFC3339Nano),
		}
		notices = append(notices, self.rollback(item, cause)...)
	}
	return notices
}

// assumes the state lock is held
func (self *MutationEngine) handleRejected(rejected *MutationRejected) []error {
	item := self.pendings.RemoveByMutationId(rejected.MutationId)
	if item == nil {
		// already resolved or never ours
		glog.V(1).Infof("[mut]reject unknown %s\n", rejected.MutationId)
		return nil
	}
	glog.Infof("[mut]reject %s = %s\n", item.mutationId, rejected.Reason)
	cause := &MutationRejectedError{
		MutationId: item.mutationId,
		Domain:     item.domain,
		Reason:     rejected.Reason,
	}
	return self.rollback(item, cause)
}

// assumes the state lock is held. the item is already removed from the
// pending queue.
func (self *MutationEngine) handleConfirmed(item *pendingMutation, payload any) {
	reducer := self.reducers[item.domain]

	if reflect.DeepEqual(item.payload, payload) {
		// the optimistic result is authoritative
		glog.V(1).Infof("[mut]confirm %s\n", item.mutationId)
	} else {
		// the confirmation carries a corrected payload. rebuild from the
		// snapshot so the corrected transition lands on pre-mutation state,
		// then rebase any later optimistic mutations for the entity on top.
		glog.Infof("[mut]confirm corrected %s\n", item.mutationId)
		reducer.Restore(item.snapshot)
		if err := reducer.Apply(payload); err != nil {
			glog.Infof("[mut]corrected apply error %s = %s\n", item.mutationId, err)
		}
		for _, laterItem := range self.pendings.PendingForEntity(item.entity) {
			if item.sequenceNumber < laterItem.sequenceNumber {
				laterItem.snapshot = reducer.Snapshot(laterItem.payload)
				if err := reducer.Apply(laterItem.payload); err != nil {
					glog.Infof("[mut]rebase apply error %s = %s\n", laterItem.mutationId, err)
				}
			}
		}
	}

	self.drainQueued(item.entity)
}

// rollback restores the snapshot captured before the item was applied.
// Later pending mutations on the same entity were computed on top of the
// rolled back state, so they resolve as rejected with it. Assumes the
// state lock is held, the item already removed from the pending queue.
func (self *MutationEngine) rollback(item *pendingMutation, cause error) []error {
	notices := []error{cause}
	reducer := self.reducers[item.domain]

	for _, laterItem := range self.pendings.PendingForEntity(item.entity) {
		if item.sequenceNumber < laterItem.sequenceNumber {
			self.pendings.RemoveByMutationId(laterItem.mutationId)
			glog.Infof("[mut]cascade rollback %s after %s\n", laterItem.mutationId, item.mutationId)
			notices = append(notices, &MutationRejectedError{
				MutationId: laterItem.mutationId,
				Domain:     laterItem.domain,
				Reason:     "superseded by rollback",
			})
		}
	}

	reducer.Restore(item.snapshot)
	self.drainQueued(item.entity)
	return notices
}

// drainQueued applies remote events held back for an entity once no pending
// mutation remains for it. Assumes the state lock is held.
func (self *MutationEngine) drainQueued(entity EntityKey) {
	if self.pendings.HasEntity(entity) {
		return
	}
	queued, ok := self.queuedEvents[entity]
	if !ok {
		return
	}
	delete(self.queuedEvents, entity)
	for _, payload := range queued {
		if err := self.applyToReducer(payload); err != nil {
			glog.V(1).Infof("[mut]queued drop %s = %s\n", entity, err)
		}
	}
}

// assumes the state lock is held
func (self *MutationEngine) applyToReducer(payload any) error {
	entity, ok := EventEntity(payload)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnknownEvent, payload)
	}
	reducer, ok := self.reducers[entity.Domain]
	if !ok {
		return fmt.Errorf("no reducer for domain: %s", entity.Domain)
	}
	return reducer.Apply(payload)
}

func (self *MutationEngine) fireNotices(notices []error) {
	for _, notice := range notices {
		for _, noticeCallback := range self.noticeCallbacks.Get() {
			HandleError(func() {
				noticeCallback(notice)
			})
		}
	}
}

func setMutationId(payload any, mutationId Id) {
	switch v := payload.(type) {
	case *TaskMoved:
		v.MutationId = &mutationId
	case *DocumentUpdate:
		v.MutationId = &mutationId
	case *ChatMessage:
		v.MutationId = &mutationId
	}
}
