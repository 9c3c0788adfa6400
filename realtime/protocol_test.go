package realtime

import (
	"strings"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestEnvelopeCodec(t *testing.T) {
	boardId := NewId()
	taskId := NewId()
	mutationId := NewId()

	taskMoved := &TaskMoved{
		BoardId:    boardId,
		TaskId:     taskId,
		FromColumn: "todo",
		FromIndex:  0,
		ToColumn:   "done",
		ToIndex:    2,
		MutationId: &mutationId,
	}

	envelopeBytes, err := EncodeEnvelope(taskMoved)
	assert.Equal(t, err, nil)
	// the wire shape is {"event", "payload"}
	assert.Equal(t, strings.Contains(string(envelopeBytes), `"event":"task:moved"`), true)
	assert.Equal(t, strings.Contains(string(envelopeBytes), `"mutationId"`), true)

	envelope, err := DecodeEnvelope(envelopeBytes)
	assert.Equal(t, err, nil)
	assert.Equal(t, envelope.Event, EventTaskMoved)

	payload, err := envelope.Decode()
	assert.Equal(t, err, nil)
	assert.Equal(t, payload, taskMoved)

	// a remote copy has the mutation id cleared and the field omitted
	remote := *taskMoved
	remote.MutationId = nil
	remoteBytes, err := EncodeEnvelope(&remote)
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.Contains(string(remoteBytes), `"mutationId"`), false)
}

func TestEnvelopeUnknownEvent(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"payload":{}}`))
	assert.NotEqual(t, err, nil)

	envelope, err := DecodeEnvelope([]byte(`{"event":"workspace:renamed","payload":{}}`))
	assert.Equal(t, err, nil)
	_, err = envelope.Decode()
	assert.NotEqual(t, err, nil)

	_, err = ToEnvelope("not a payload")
	assert.NotEqual(t, err, nil)
}

func TestEventNames(t *testing.T) {
	for payload, event := range map[any]string{
		&Auth{}:             EventAuth,
		&AuthResult{}:       EventAuthResult,
		&WorkspaceJoin{}:    EventWorkspaceJoin,
		&WorkspaceLeave{}:   EventWorkspaceLeave,
		&TaskMoved{}:        EventTaskMoved,
		&DocumentUpdate{}:   EventDocumentUpdate,
		&DocumentCursor{}:   EventDocumentCursor,
		&ChatMessage{}:      EventChatMessage,
		&ChatTyping{}:       EventChatTyping,
		&MutationRejected{}: EventMutationRejected,
	} {
		envelope, err := ToEnvelope(payload)
		assert.Equal(t, err, nil)
		assert.Equal(t, envelope.Event, event)

		decoded, err := envelope.Decode()
		assert.Equal(t, err, nil)
		assert.Equal(t, decoded, payload)
	}
}

func TestEventPath(t *testing.T) {
	workspaceId := NewId()
	boardId := NewId()
	documentId := NewId()

	assert.Equal(t, EventPath(&TaskMoved{BoardId: boardId}), BoardPath(boardId))
	assert.Equal(t, EventPath(&DocumentUpdate{DocumentId: documentId}), DocumentPath(documentId))
	assert.Equal(t, EventPath(&DocumentCursor{DocumentId: documentId}), DocumentPath(documentId))
	assert.Equal(t, EventPath(&ChatMessage{WorkspaceId: workspaceId}), WorkspacePath(workspaceId))
	assert.Equal(t, EventPath(&ChatTyping{WorkspaceId: workspaceId}), WorkspacePath(workspaceId))

	// auth and rejections are not resource scoped
	assert.Equal(t, EventPath(&AuthResult{}).IsZero(), true)
	assert.Equal(t, EventPath(&MutationRejected{}).IsZero(), true)
}

func TestEventEntity(t *testing.T) {
	boardId := NewId()
	taskId := NewId()
	documentId := NewId()
	messageId := NewId()

	entity, ok := EventEntity(&TaskMoved{BoardId: boardId, TaskId: taskId})
	assert.Equal(t, ok, true)
	// board mutations collide per task, not per board
	assert.Equal(t, entity, EntityKey{Domain: DomainBoard, EntityId: taskId})

	entity, ok = EventEntity(&DocumentUpdate{DocumentId: documentId})
	assert.Equal(t, ok, true)
	assert.Equal(t, entity, EntityKey{Domain: DomainDocument, EntityId: documentId})

	entity, ok = EventEntity(&ChatMessage{MessageId: messageId})
	assert.Equal(t, ok, true)
	assert.Equal(t, entity, EntityKey{Domain: DomainChat, EntityId: messageId})

	// ephemeral events are never entity scoped
	_, ok = EventEntity(&DocumentCursor{DocumentId: documentId})
	assert.Equal(t, ok, false)
	_, ok = EventEntity(&ChatTyping{})
	assert.Equal(t, ok, false)
}

func TestEventMutationId(t *testing.T) {
	mutationId := NewId()

	assert.Equal(t, EventMutationId(&TaskMoved{}), nil)
	assert.Equal(t, EventMutationId(&TaskMoved{MutationId: &mutationId}), &mutationId)
	assert.Equal(t, EventMutationId(&DocumentUpdate{MutationId: &mutationId}), &mutationId)
	assert.Equal(t, EventMutationId(&ChatMessage{MutationId: &mutationId}), &mutationId)
	assert.Equal(t, *EventMutationId(&MutationRejected{MutationId: mutationId}), mutationId)
	assert.Equal(t, EventMutationId(&ChatTyping{}), nil)
}
