package realtime

import (
	"fmt"
	"sync"
)

type ChatMessageState struct {
	MessageId Id     `json:"messageId"`
	SenderId  Id     `json:"senderId"`
	Body      string `json:"body"`
}

// ChatState is the message log for one workspace in arrival order.
type ChatState struct {
	WorkspaceId Id                  `json:"workspaceId"`
	Messages    []*ChatMessageState `json:"messages"`

	// message_id -> present. rebuilt lazily after copy or decode.
	messageIds map[Id]bool
}

func (self *ChatState) Copy() *ChatState {
	messages := make([]*ChatMessageState, 0, len(self.Messages))
	for _, message := range self.Messages {
		messageCopy := *message
		messages = append(messages, &messageCopy)
	}
	return &ChatState{
		WorkspaceId: self.WorkspaceId,
		Messages:    messages,
	}
}

func (self *ChatState) ensureMessageIds() {
	if self.messageIds == nil {
		self.messageIds = make(map[Id]bool, len(self.Messages))
		for _, message := range self.Messages {
			self.messageIds[message.MessageId] = true
		}
	}
}

// appendMessage appends in arrival order. A message id already in the log
// is a re-delivery and leaves state unchanged.
func (self *ChatState) appendMessage(message *ChatMessageState) error {
	self.ensureMessageIds()
	if self.messageIds[message.MessageId] {
		return fmt.Errorf("%w: message %s", ErrDuplicateState, message.MessageId)
	}
	self.messageIds[message.MessageId] = true
	self.Messages = append(self.Messages, message)
	return nil
}

type ChatReducer struct {
	stateLock sync.Mutex
	// workspace_id -> state
	chats map[Id]*ChatState

	changeCallbacks *CallbackList[func(*ChatState)]
}

func NewChatReducer() *ChatReducer {
	return &ChatReducer{
		chats:           map[Id]*ChatState{},
		changeCallbacks: NewCallbackList[func(*ChatState)](),
	}
}

func (self *ChatReducer) SetChat(chat *ChatState) {
	chatCopy := chat.Copy()

	self.stateLock.Lock()
	self.chats[chat.WorkspaceId] = chatCopy
	self.stateLock.Unlock()

	self.fireChange(chat.Copy())
}

func (self *ChatReducer) RemoveChat(workspaceId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.chats, workspaceId)
}

// Chat returns a copy, or nil if the workspace chat is not loaded.
func (self *ChatReducer) Chat(workspaceId Id) *ChatState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	chat, ok := self.chats[workspaceId]
	if !ok {
		return nil
	}
	return chat.Copy()
}

func (self *ChatReducer) Apply(payload any) error {
	switch v := payload.(type) {
	case *ChatMessage:
		return self.applyMessage(v)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, payload)
	}
}

func (self *ChatReducer) applyMessage(message *ChatMessage) error {
	self.stateLock.Lock()
	chat, ok := self.chats[message.WorkspaceId]
	if !ok {
		self.stateLock.Unlock()
		return fmt.Errorf("%w: workspace %s", ErrNotSubscribed, message.WorkspaceId)
	}
	err := chat.appendMessage(&ChatMessageState{
		MessageId: message.MessageId,
		SenderId:  message.SenderId,
		Body:      message.Body,
	})
	var chatCopy *ChatState
	if err == nil {
		chatCopy = chat.Copy()
	}
	self.stateLock.Unlock()

	if err != nil {
		return err
	}
	self.fireChange(chatCopy)
	return nil
}

func (self *ChatReducer) Snapshot(payload any) any {
	message, ok := payload.(*ChatMessage)
	if !ok {
		return nil
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	chat, ok := self.chats[message.WorkspaceId]
	if !ok {
		return nil
	}
	return chat.Copy()
}

func (self *ChatReducer) Restore(snapshot any) {
	chat, ok := snapshot.(*ChatState)
	if !ok || chat == nil {
		return
	}

	self.stateLock.Lock()
	if _, ok := self.chats[chat.WorkspaceId]; !ok {
		// the workspace chat was released while the mutation was in flight
		self.stateLock.Unlock()
		return
	}
	self.chats[chat.WorkspaceId] = chat.Copy()
	self.stateLock.Unlock()

	self.fireChange(chat.Copy())
}

// AddChangeCallback registers a listener for chat state changes. The
// callback contract matches BoardReducer.AddChangeCallback.
func (self *ChatReducer) AddChangeCallback(changeCallback func(*ChatState)) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *ChatReducer) fireChange(chat *ChatState) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		HandleError(func() {
			changeCallback(chat)
		})
	}
}
