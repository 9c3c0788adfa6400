package realtime

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testPendingMutation(entity EntityKey, deadline time.Time, sequenceNumber uint64) *pendingMutation {
	return &pendingMutation{
		mutationId:     NewId(),
		domain:         entity.Domain,
		entity:         entity,
		issuedAt:       deadline.Add(-10 * time.Second),
		deadline:       deadline,
		sequenceNumber: sequenceNumber,
	}
}

func TestPendingQueueOrder(t *testing.T) {
	now := time.Now()
	entity := EntityKey{Domain: DomainBoard, EntityId: NewId()}

	q := newPendingQueue()
	assert.Equal(t, q.Size(), 0)
	assert.Equal(t, q.PeekFirst(), nil)
	assert.Equal(t, q.RemoveFirst(), nil)

	// add out of deadline order
	b := testPendingMutation(entity, now.Add(2*time.Second), 1)
	a := testPendingMutation(entity, now.Add(1*time.Second), 0)
	c := testPendingMutation(entity, now.Add(3*time.Second), 2)
	q.Add(b)
	q.Add(a)
	q.Add(c)
	assert.Equal(t, q.Size(), 3)

	// drains in deadline order
	assert.Equal(t, q.PeekFirst(), a)
	assert.Equal(t, q.RemoveFirst(), a)
	assert.Equal(t, q.RemoveFirst(), b)
	assert.Equal(t, q.RemoveFirst(), c)
	assert.Equal(t, q.Size(), 0)

	// equal deadlines drain in issue order
	d := testPendingMutation(entity, now.Add(1*time.Second), 4)
	e := testPendingMutation(entity, now.Add(1*time.Second), 3)
	q.Add(d)
	q.Add(e)
	assert.Equal(t, q.RemoveFirst(), e)
	assert.Equal(t, q.RemoveFirst(), d)
}

func TestPendingQueueMutationIdIndex(t *testing.T) {
	now := time.Now()
	entity := EntityKey{Domain: DomainDocument, EntityId: NewId()}

	q := newPendingQueue()
	a := testPendingMutation(entity, now.Add(1*time.Second), 0)
	b := testPendingMutation(entity, now.Add(2*time.Second), 1)
	q.Add(a)
	q.Add(b)

	assert.Equal(t, q.ContainsMutationId(a.mutationId), true)
	assert.Equal(t, q.GetByMutationId(a.mutationId), a)
	assert.Equal(t, q.ContainsMutationId(NewId()), false)
	assert.Equal(t, q.GetByMutationId(NewId()), nil)
	assert.Equal(t, q.RemoveByMutationId(NewId()), nil)

	// removing by id keeps the rest intact
	assert.Equal(t, q.RemoveByMutationId(a.mutationId), a)
	assert.Equal(t, q.ContainsMutationId(a.mutationId), false)
	assert.Equal(t, q.Size(), 1)
	assert.Equal(t, q.PeekFirst(), b)
}

func TestPendingQueueEntityIndex(t *testing.T) {
	now := time.Now()
	entityA := EntityKey{Domain: DomainBoard, EntityId: NewId()}
	entityB := EntityKey{Domain: DomainBoard, EntityId: NewId()}

	q := newPendingQueue()
	a1 := testPendingMutation(entityA, now.Add(1*time.Second), 0)
	b1 := testPendingMutation(entityB, now.Add(2*time.Second), 1)
	a2 := testPendingMutation(entityA, now.Add(3*time.Second), 2)
	q.Add(a1)
	q.Add(b1)
	q.Add(a2)

	assert.Equal(t, q.HasEntity(entityA), true)
	assert.Equal(t, q.HasEntity(entityB), true)
	assert.Equal(t, q.HasEntity(EntityKey{Domain: DomainChat, EntityId: NewId()}), false)
	assert.Equal(t, q.PendingForEntity(entityA), []*pendingMutation{a1, a2})
	assert.Equal(t, q.PendingForEntity(entityB), []*pendingMutation{b1})

	q.RemoveByMutationId(a1.mutationId)
	assert.Equal(t, q.HasEntity(entityA), true)
	assert.Equal(t, q.PendingForEntity(entityA), []*pendingMutation{a2})

	q.RemoveByMutationId(a2.mutationId)
	assert.Equal(t, q.HasEntity(entityA), false)
	assert.Equal(t, q.PendingForEntity(entityA), nil)
}

func TestPendingQueueRemoveOverdue(t *testing.T) {
	now := time.Now()
	entity := EntityKey{Domain: DomainChat, EntityId: NewId()}

	q := newPendingQueue()
	a := testPendingMutation(entity, now.Add(1*time.Second), 0)
	b := testPendingMutation(entity, now.Add(2*time.Second), 1)
	c := testPendingMutation(entity, now.Add(3*time.Second), 2)
	q.Add(a)
	q.Add(b)
	q.Add(c)

	// nothing overdue strictly before the first deadline
	assert.Equal(t, q.RemoveOverdue(now.Add(1*time.Second-time.Millisecond)), []*pendingMutation{})
	assert.Equal(t, q.Size(), 3)

	// a deadline is overdue the instant it is reached
	assert.Equal(t, q.RemoveOverdue(now.Add(1*time.Second)), []*pendingMutation{a})
	assert.Equal(t, q.Size(), 2)

	assert.Equal(t, q.RemoveOverdue(now.Add(1*time.Hour)), []*pendingMutation{b, c})
	assert.Equal(t, q.Size(), 0)
	assert.Equal(t, q.HasEntity(entity), false)
}
