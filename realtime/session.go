package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

const Version = "0.1.0"

type SessionSettings struct {
	TransportSettings *ChannelTransportSettings
	MutationSettings  *MutationSettings
	PresenceSettings  *PresenceSettings
	// a remote cursor not refreshed within this window goes away
	CursorTtl           time.Duration
	CursorSweepInterval time.Duration
	AppVersion          string
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		TransportSettings:   DefaultChannelTransportSettings(),
		MutationSettings:    DefaultMutationSettings(),
		PresenceSettings:    DefaultPresenceSettings(),
		CursorTtl:           30 * time.Second,
		CursorSweepInterval: 5 * time.Second,
		AppVersion:          Version,
	}
}

type SessionStats struct {
	ReceivedEventCount      int64
	SentEventCount          int64
	DroppedEventCount       int64
	AppliedMutationCount    int64
	RolledBackMutationCount int64
	ReconnectCount          int64
}

// Session is one live connection to a workspace server: the authenticated
// channel, the per-domain reducers, the optimistic mutation engine, and the
// subscription registry, wired together. Create one per login with Connect,
// tear it down with Close on logout or fatal failure.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	api       *SpaceApi
	transport *ChannelTransport

	boardReducer    *BoardReducer
	documentReducer *DocumentReducer
	chatReducer     *ChatReducer
	presence        *PresenceAggregator
	engine          *MutationEngine
	registry        *SubscriptionRegistry

	settings *SessionSettings

	stateLock sync.Mutex
	stats     SessionStats
	// workspace_id -> summary from the cold-start load
	workspaces map[Id]*WorkspaceSummary
}

func ConnectWithDefaults(
	ctx context.Context,
	apiUrl string,
	channelUrl string,
	byJwt string,
) (*Session, error) {
	return Connect(ctx, apiUrl, channelUrl, byJwt, DefaultSessionSettings())
}

// Connect authenticates the duplex channel and returns a live Session.
// ErrAuthRejected means the credential is invalid and there is nothing to
// retry. ErrChannelUnavailable means the channel could not be established
// and the caller may try again.
func Connect(
	ctx context.Context,
	apiUrl string,
	channelUrl string,
	byJwt string,
	settings *SessionSettings,
) (*Session, error) {
	cancelCtx, cancel := context.WithCancel(ctx)

	api := NewSpaceApiWithContext(cancelCtx, apiUrl)
	api.SetByJwt(byJwt)

	auth := &ChannelAuth{
		ByJwt:      byJwt,
		InstanceId: NewId(),
		AppVersion: settings.AppVersion,
	}
	transport := NewChannelTransport(cancelCtx, channelUrl, auth, settings.TransportSettings)

	boardReducer := NewBoardReducer()
	documentReducer := NewDocumentReducer()
	chatReducer := NewChatReducer()
	presence := NewPresenceAggregator(cancelCtx, settings.PresenceSettings)

	engine := NewMutationEngine(
		cancelCtx,
		boardReducer,
		documentReducer,
		chatReducer,
		transport.Send,
		settings.MutationSettings,
	)

	registry := NewSubscriptionRegistry(
		engine,
		boardReducer,
		documentReducer,
		chatReducer,
		presence,
		transport.Send,
	)

	session := &Session{
		ctx:             cancelCtx,
		cancel:          cancel,
		api:             api,
		transport:       transport,
		boardReducer:    boardReducer,
		documentReducer: documentReducer,
		chatReducer:     chatReducer,
		presence:        presence,
		engine:          engine,
		registry:        registry,
		settings:        settings,
		workspaces:      map[Id]*WorkspaceSummary{},
	}

	transport.AddStateCallback(session.connectionStateChanged)
	engine.AddNoticeCallback(session.mutationNotice)

	if err := transport.Connect(); err != nil {
		session.Close()
		return nil, err
	}

	go session.run()
	return session, nil
}

// one dispatch goroutine applies every inbound event, so events for the
// same resource keep channel-delivery order
func (self *Session) run() {
	// a persistent ticker, not a per-iteration timer. the sweep must still
	// fire while inbound events arrive faster than the sweep interval.
	cursorSweep := time.NewTicker(self.settings.CursorSweepInterval)
	defer cursorSweep.Stop()

	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.transport.Done():
			return
		case envelope := <-self.transport.Receive():
			self.stateLock.Lock()
			self.stats.ReceivedEventCount += 1
			self.stateLock.Unlock()

			self.registry.HandleEvent(envelope)
		case <-cursorSweep.C:
			self.documentReducer.ExpireCursors(time.Now().Add(-self.settings.CursorTtl))
		}
	}
}

func (self *Session) connectionStateChanged(state ConnectionState) {
	switch state {
	case ConnectionStateReconnecting:
		self.stateLock.Lock()
		self.stats.ReconnectCount += 1
		self.stateLock.Unlock()
	case ConnectionStateConnected:
		// replay joins for held subscriptions. on the first connect
		// nothing is held yet, so this is a no-op then.
		self.registry.Resubscribe()
	}
}

func (self *Session) mutationNotice(notice error) {
	var rejected *MutationRejectedError
	var expired *MutationExpiredError
	if errors.As(notice, &rejected) || errors.As(notice, &expired) {
		self.stateLock.Lock()
		self.stats.RolledBackMutationCount += 1
		self.stateLock.Unlock()
	}
}

// JoinWorkspace subscribes to a workspace stream, chat and presence, and
// loads the workspace summary and chat log when this is the first local
// holder.
func (self *Session) JoinWorkspace(workspaceId Id) (*Subscription, error) {
	subscription, err := self.registry.Join(WorkspacePath(workspaceId))
	if err != nil {
		return nil, err
	}
	if self.chatReducer.Chat(workspaceId) == nil {
		result, err := self.api.GetWorkspaceSync(workspaceId)
		if err == nil && result.Error != nil {
			err = errors.New(result.Error.Message)
		}
		if err != nil {
			subscription.Release()
			return nil, err
		}
		if result.Workspace != nil {
			self.stateLock.Lock()
			self.workspaces[workspaceId] = result.Workspace
			self.stateLock.Unlock()

			chat := result.Workspace.Chat
			if chat == nil {
				chat = &ChatState{
					WorkspaceId: workspaceId,
				}
			}
			self.chatReducer.SetChat(chat)
		}
	}
	return subscription, nil
}

func (self *Session) JoinBoard(boardId Id) (*Subscription, error) {
	subscription, err := self.registry.Join(BoardPath(boardId))
	if err != nil {
		return nil, err
	}
	if self.boardReducer.Board(boardId) == nil {
		result, err := self.api.GetBoardSync(boardId)
		if err == nil && result.Error != nil {
			err = errors.New(result.Error.Message)
		}
		if err != nil {
			subscription.Release()
			return nil, err
		}
		if result.Board != nil {
			self.boardReducer.SetBoard(result.Board)
		}
	}
	return subscription, nil
}

func (self *Session) JoinDocument(documentId Id) (*Subscription, error) {
	subscription, err := self.registry.Join(DocumentPath(documentId))
	if err != nil {
		return nil, err
	}
	if self.documentReducer.Document(documentId) == nil {
		result, err := self.api.GetDocumentSync(documentId)
		if err == nil && result.Error != nil {
			err = errors.New(result.Error.Message)
		}
		if err != nil {
			subscription.Release()
			return nil, err
		}
		if result.Document != nil {
			self.documentReducer.SetDocument(result.Document)
		}
	}
	return subscription, nil
}

// MoveTask applies an optimistic move and emits it. The from coordinates
// are read from current state.
func (self *Session) MoveTask(boardId Id, taskId Id, toColumn string, toIndex int) (Id, error) {
	fromColumn, fromIndex, ok := self.boardReducer.TaskPlacement(boardId, taskId)
	if !ok {
		return Id{}, fmt.Errorf("%w: %s", ErrUnknownTask, taskId)
	}
	mutationId, err := self.engine.Apply(&TaskMoved{
		BoardId:    boardId,
		TaskId:     taskId,
		FromColumn: fromColumn,
		FromIndex:  fromIndex,
		ToColumn:   toColumn,
		ToIndex:    toIndex,
	})
	if err != nil {
		return Id{}, err
	}
	self.countApplied()
	return mutationId, nil
}

// UpdateDocument applies an optimistic whole-content replace at the next
// version. The server may confirm with its own assigned version.
func (self *Session) UpdateDocument(documentId Id, content string) (Id, error) {
	document := self.documentReducer.Document(documentId)
	if document == nil {
		return Id{}, fmt.Errorf("%w: document %s", ErrNotSubscribed, documentId)
	}
	mutationId, err := self.engine.Apply(&DocumentUpdate{
		DocumentId: documentId,
		Version:    document.Version + 1,
		Content:    content,
	})
	if err != nil {
		return Id{}, err
	}
	self.countApplied()
	return mutationId, nil
}

func (self *Session) SendMessage(workspaceId Id, body string) (Id, error) {
	mutationId, err := self.engine.Apply(&ChatMessage{
		MessageId:   NewId(),
		WorkspaceId: workspaceId,
		Body:        body,
		SenderId:    self.transport.ActorId(),
	})
	if err != nil {
		return Id{}, err
	}
	self.countApplied()
	return mutationId, nil
}

// SetTyping is ephemeral, fire and forget on the channel. No pending
// mutation, no rollback.
func (self *Session) SetTyping(workspaceId Id, isTyping bool) error {
	return self.transport.Send(&ChatTyping{
		WorkspaceId: workspaceId,
		ActorId:     self.transport.ActorId(),
		IsTyping:    isTyping,
	})
}

// MoveCursor is ephemeral, same as SetTyping.
func (self *Session) MoveCursor(documentId Id, position int) error {
	return self.transport.Send(&DocumentCursor{
		DocumentId: documentId,
		ActorId:    self.transport.ActorId(),
		Position:   position,
	})
}

func (self *Session) Board(boardId Id) *BoardState {
	return self.boardReducer.Board(boardId)
}

func (self *Session) Document(documentId Id) *DocumentState {
	return self.documentReducer.Document(documentId)
}

func (self *Session) Chat(workspaceId Id) *ChatState {
	return self.chatReducer.Chat(workspaceId)
}

func (self *Session) Workspace(workspaceId Id) *WorkspaceSummary {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.workspaces[workspaceId]
}

func (self *Session) TypingActors(workspaceId Id) []Id {
	return self.presence.TypingActors(WorkspacePath(workspaceId))
}

func (self *Session) PresentActors(path ResourcePath) []Id {
	return self.presence.PresentActors(path)
}

func (self *Session) ConnectionState() ConnectionState {
	return self.transport.State()
}

func (self *Session) ActorId() Id {
	return self.transport.ActorId()
}

func (self *Session) Stats() SessionStats {
	self.stateLock.Lock()
	stats := self.stats
	self.stateLock.Unlock()

	stats.SentEventCount = self.transport.SentCount()
	stats.DroppedEventCount = self.registry.DroppedEventCount()
	return stats
}

// PendingMutationCount is the number of optimistic mutations still waiting
// on a server decision. Views can surface it as an unsaved indicator.
func (self *Session) PendingMutationCount() int {
	return self.engine.PendingCount()
}

func (self *Session) ContainsMutation(mutationId Id) bool {
	return self.engine.ContainsMutation(mutationId)
}

func (self *Session) Api() *SpaceApi {
	return self.api
}

func (self *Session) BoardReducer() *BoardReducer {
	return self.boardReducer
}

func (self *Session) DocumentReducer() *DocumentReducer {
	return self.documentReducer
}

func (self *Session) ChatReducer() *ChatReducer {
	return self.chatReducer
}

func (self *Session) Presence() *PresenceAggregator {
	return self.presence
}

func (self *Session) AddConnectionStateCallback(stateCallback func(ConnectionState)) func() {
	return self.transport.AddStateCallback(stateCallback)
}

// AddNoticeCallback surfaces recoverable mutation errors, the rollback
// notices, to the view layer.
func (self *Session) AddNoticeCallback(noticeCallback func(error)) func() {
	return self.engine.AddNoticeCallback(noticeCallback)
}

func (self *Session) countApplied() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.stats.AppliedMutationCount += 1
}

func (self *Session) Close() {
	glog.Infof("[session]close\n")
	self.cancel()
	self.transport.Close()
	self.engine.Close()
	self.presence.Close()
	self.api.Close()
}
