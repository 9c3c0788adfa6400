package realtime

import (
	"encoding/json"
	"fmt"
)

// channel event taxonomy. every frame on the duplex channel is an Envelope
// with one of these event names and a payload decoded by event name.
const (
	EventAuth             = "auth"
	EventAuthResult       = "auth:result"
	EventWorkspaceJoin    = "workspace:join"
	EventWorkspaceLeave   = "workspace:leave"
	EventTaskMoved        = "task:moved"
	EventDocumentUpdate   = "document:update"
	EventDocumentCursor   = "document:cursor"
	EventChatMessage      = "chat:message"
	EventChatTyping       = "chat:typing"
	EventMutationRejected = "mutation:rejected"
)

type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// sent once by the client after the channel opens. the server answers with
// an AuthResult before any other event.
type Auth struct {
	ByJwt      string `json:"byJwt"`
	InstanceId Id     `json:"instanceId"`
	AppVersion string `json:"appVersion,omitempty"`
}

type AuthResult struct {
	ActorId Id     `json:"actorId,omitempty"`
	Error   string `json:"error,omitempty"`
}

type WorkspaceJoin struct {
	ResourceKind ResourceKind `json:"resourceKind"`
	ResourceId   Id           `json:"resourceId"`
}

type WorkspaceLeave struct {
	ResourceKind ResourceKind `json:"resourceKind"`
	ResourceId   Id           `json:"resourceId"`
}

// a mutation event carries the client-generated mutation id when it is the
// optimistic emit or the server confirmation echo of one. remote-originated
// copies delivered to other subscribers have it cleared.
type TaskMoved struct {
	BoardId    Id     `json:"boardId"`
	TaskId     Id     `json:"taskId"`
	FromColumn string `json:"fromColumn"`
	FromIndex  int    `json:"fromIndex"`
	ToColumn   string `json:"toColumn"`
	ToIndex    int    `json:"toIndex"`
	MutationId *Id    `json:"mutationId,omitempty"`
}

type DocumentUpdate struct {
	DocumentId Id     `json:"documentId"`
	Version    int64  `json:"version"`
	Content    string `json:"content"`
	MutationId *Id    `json:"mutationId,omitempty"`
}

type DocumentCursor struct {
	DocumentId Id  `json:"documentId"`
	ActorId    Id  `json:"actorId"`
	Position   int `json:"position"`
}

type ChatMessage struct {
	MessageId   Id     `json:"messageId"`
	WorkspaceId Id     `json:"workspaceId"`
	Body        string `json:"body"`
	SenderId    Id     `json:"senderId"`
	MutationId  *Id    `json:"mutationId,omitempty"`
}

type ChatTyping struct {
	WorkspaceId Id   `json:"workspaceId"`
	ActorId     Id   `json:"actorId"`
	IsTyping    bool `json:"isTyping"`
}

type MutationRejected struct {
	MutationId Id     `json:"mutationId"`
	Reason     string `json:"reason,omitempty"`
}

func ToEnvelope(payload any) (*Envelope, error) {
	var event string
	switch v := payload.(type) {
	case *Auth:
		event = EventAuth
	case *AuthResult:
		event = EventAuthResult
	case *WorkspaceJoin:
		event = EventWorkspaceJoin
	case *WorkspaceLeave:
		event = EventWorkspaceLeave
	case *TaskMoved:
		event = EventTaskMoved
	case *DocumentUpdate:
		event = EventDocumentUpdate
	case *DocumentCursor:
		event = EventDocumentCursor
	case *ChatMessage:
		event = EventChatMessage
	case *ChatTyping:
		event = EventChatTyping
	case *MutationRejected:
		event = EventMutationRejected
	default:
		return nil, fmt.Errorf("unknown payload type: %T", v)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Event:   event,
		Payload: b,
	}, nil
}

func EncodeEnvelope(payload any) ([]byte, error) {
	envelope, err := ToEnvelope(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope)
}

func DecodeEnvelope(envelopeBytes []byte) (*Envelope, error) {
	envelope := &Envelope{}
	if err := json.Unmarshal(envelopeBytes, envelope); err != nil {
		return nil, err
	}
	if envelope.Event == "" {
		return nil, fmt.Errorf("%w: missing event name", ErrUnknownEvent)
	}
	return envelope, nil
}

// Decode returns the typed payload for the envelope's event name.
// Unknown event names return ErrUnknownEvent so the registry can drop them
// with a diagnostic instead of crashing the pipeline.
func (self *Envelope) Decode() (any, error) {
	var payload any
	switch self.Event {
	case EventAuth:
		payload = &Auth{}
	case EventAuthResult:
		payload = &AuthResult{}
	case EventWorkspaceJoin:
		payload = &WorkspaceJoin{}
	case EventWorkspaceLeave:
		payload = &WorkspaceLeave{}
	case EventTaskMoved:
		payload = &TaskMoved{}
	case EventDocumentUpdate:
		payload = &DocumentUpdate{}
	case EventDocumentCursor:
		payload = &DocumentCursor{}
	case EventChatMessage:
		payload = &ChatMessage{}
	case EventChatTyping:
		payload = &ChatTyping{}
	case EventMutationRejected:
		payload = &MutationRejected{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, self.Event)
	}
	if err := json.Unmarshal(self.Payload, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// EventPath maps a decoded payload to the resource stream it belongs to.
// Zero path means the event is not resource-scoped (auth, rejections).
func EventPath(payload any) ResourcePath {
	switch v := payload.(type) {
	case *TaskMoved:
		return BoardPath(v.BoardId)
	case *DocumentUpdate:
		return DocumentPath(v.DocumentId)
	case *DocumentCursor:
		return DocumentPath(v.DocumentId)
	case *ChatMessage:
		return WorkspacePath(v.WorkspaceId)
	case *ChatTyping:
		return WorkspacePath(v.WorkspaceId)
	case *WorkspaceJoin:
		return ResourcePath{Kind: v.ResourceKind, ResourceId: v.ResourceId}
	case *WorkspaceLeave:
		return ResourcePath{Kind: v.ResourceKind, ResourceId: v.ResourceId}
	default:
		return ResourcePath{}
	}
}

// EventMutationId returns the mutation id a payload carries, if any.
func EventMutationId(payload any) *Id {
	switch v := payload.(type) {
	case *TaskMoved:
		return v.MutationId
	case *DocumentUpdate:
		return v.MutationId
	case *ChatMessage:
		return v.MutationId
	case *MutationRejected:
		return &v.MutationId
	default:
		return nil
	}
}

// EventEntity returns the entity a payload mutates, when it is one that can
// collide with an outstanding pending mutation. Ephemeral events (cursors,
// typing) are never entity-scoped and never queued behind a pending mutation.
func EventEntity(payload any) (EntityKey, bool) {
	switch v := payload.(type) {
	case *TaskMoved:
		return EntityKey{Domain: DomainBoard, EntityId: v.TaskId}, true
	case *DocumentUpdate:
		return EntityKey{Domain: DomainDocument, EntityId: v.DocumentId}, true
	case *ChatMessage:
		return EntityKey{Domain: DomainChat, EntityId: v.MessageId}, true
	default:
		return EntityKey{}, false
	}
}

// comparable
type EntityKey struct {
	Domain   Domain
	EntityId Id
}

func (self EntityKey) String() string {
	return fmt.Sprintf("%s/%s", self.Domain, self.EntityId)
}
