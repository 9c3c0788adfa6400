package realtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type sessionTestEnv struct {
	srv *SimServer

	workspaceId Id
	boardId     Id
	documentId  Id
	taskA       Id
	taskB       Id

	adaActorId Id
	boActorId  Id
	adaJwt     string
	boJwt      string
}

func startSessionTestEnv(t *testing.T, ctx context.Context) *sessionTestEnv {
	srv := NewSimServer(ctx, "session test secret")
	err := srv.Start("")
	assert.Equal(t, err, nil)

	workspaceId := srv.AddWorkspace("atelier")
	adaActorId := srv.AddUser("ada@example.com", "hunter2", "ada", workspaceId)
	boActorId := srv.AddUser("bo@example.com", "hunter2", "bo", workspaceId)
	boardId := srv.AddBoard(workspaceId, "todo", "doing", "done")
	taskA := srv.AddTask(boardId, "todo", "design the wire format")
	taskB := srv.AddTask(boardId, "todo", "write the reducers")
	documentId := srv.AddDocument(workspaceId, "draft")

	api := NewSpaceApiWithContext(ctx, srv.ApiUrl())
	defer api.Close()
	adaLogin, err := api.AuthLoginSync(&AuthLoginArgs{
		UserAuth: "ada@example.com",
		Password: "hunter2",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, adaLogin.Error, nil)
	boLogin, err := api.AuthLoginSync(&AuthLoginArgs{
		UserAuth: "bo@example.com",
		Password: "hunter2",
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, boLogin.Error, nil)

	return &sessionTestEnv{
		srv:         srv,
		workspaceId: workspaceId,
		boardId:     boardId,
		documentId:  documentId,
		taskA:       taskA,
		taskB:       taskB,
		adaActorId:  adaActorId,
		boActorId:   boActorId,
		adaJwt:      adaLogin.Space.ByJwt,
		boJwt:       boLogin.Space.ByJwt,
	}
}

func testSessionSettings() *SessionSettings {
	settings := DefaultSessionSettings()
	settings.TransportSettings.ReconnectMinDelay = 50 * time.Millisecond
	settings.TransportSettings.ReconnectMaxDelay = 200 * time.Millisecond
	return settings
}

func (self *sessionTestEnv) connect(t *testing.T, ctx context.Context, byJwt string) *Session {
	session, err := Connect(ctx, self.srv.ApiUrl(), self.srv.ChannelUrl(), byJwt, testSessionSettings())
	assert.Equal(t, err, nil)
	return session
}

func TestSessionConverge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := startSessionTestEnv(t, ctx)
	defer env.srv.Close()

	s1 := env.connect(t, ctx, env.adaJwt)
	defer s1.Close()
	s2 := env.connect(t, ctx, env.boJwt)
	defer s2.Close()

	assert.Equal(t, s1.ActorId(), env.adaActorId)
	assert.Equal(t, s2.ActorId(), env.boActorId)

	_, err := s1.JoinBoard(env.boardId)
	assert.Equal(t, err, nil)
	_, err = s2.JoinBoard(env.boardId)
	assert.Equal(t, err, nil)
	waitFor(t, func() bool {
		return env.srv.SubscriberCount(BoardPath(env.boardId)) == 2
	})

	// the cold-start load seeded the board
	column, index, ok := s1.BoardReducer().TaskPlacement(env.boardId, env.taskA)
	assert.Equal(t, ok, true)
	assert.Equal(t, column, "todo")
	assert.Equal(t, index, 0)

	mutationId, err := s1.MoveTask(env.boardId, env.taskA, "done", 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, mutationId.IsZero(), false)

	// visible locally before the server answers
	column, index, ok = s1.BoardReducer().TaskPlacement(env.boardId, env.taskA)
	assert.Equal(t, ok, true)
	assert.Equal(t, column, "done")
	assert.Equal(t, index, 0)

	// the echo resolves the pending mutation quietly
	waitFor(t, func() bool {
		return s1.PendingMutationCount() == 0
	})
	stats := s1.Stats()
	assert.Equal(t, stats.AppliedMutationCount, int64(1))
	assert.Equal(t, stats.RolledBackMutationCount, int64(0))
	// at least the board join and the move went out
	assert.Equal(t, stats.SentEventCount >= 2, true)
	assert.Equal(t, stats.ReceivedEventCount >= 1, true)

	// the other session converges on the same placement
	waitFor(t, func() bool {
		column, index, ok := s2.BoardReducer().TaskPlacement(env.boardId, env.taskA)
		return ok && column == "done" && index == 0
	})
}

func TestSessionReject(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := startSessionTestEnv(t, ctx)
	defer env.srv.Close()

	env.srv.SetRejectMutation(func(payload any) string {
		if _, ok := payload.(*TaskMoved); ok {
			return "task locked"
		}
		return ""
	})

	s1 := env.connect(t, ctx, env.adaJwt)
	defer s1.Close()
	s2 := env.connect(t, ctx, env.boJwt)
	defer s2.Close()

	_, err := s1.JoinBoard(env.boardId)
	assert.Equal(t, err, nil)
	_, err = s2.JoinBoard(env.boardId)
	assert.Equal(t, err, nil)
	waitFor(t, func() bool {
		return env.srv.SubscriberCount(BoardPath(env.boardId)) == 2
	})

	notices := make(chan error, 8)
	s1.AddNoticeCallback(func(notice error) {
		select {
		case notices <- notice:
		default:
		}
	})

	_, err = s1.MoveTask(env.boardId, env.taskA, "doing", 0)
	assert.Equal(t, err, nil)

	select {
	case notice := <-notices:
		var rejected *MutationRejectedError
		assert.Equal(t, errors.As(notice, &rejected), true)
		assert.Equal(t, rejected.Reason, "task locked")
	case <-time.After(testTimeout):
		t.FailNow()
	}

	// rolled back to the loaded placement
	column, index, ok := s1.BoardReducer().TaskPlacement(env.boardId, env.taskA)
	assert.Equal(t, ok, true)
	assert.Equal(t, column, "todo")
	assert.Equal(t, index, 0)
	assert.Equal(t, s1.PendingMutationCount(), 0)
	assert.Equal(t, s1.Stats().RolledBackMutationCount, int64(1))

	// the observer never saw the move
	column, _, ok = s2.BoardReducer().TaskPlacement(env.boardId, env.taskA)
	assert.Equal(t, ok, true)
	assert.Equal(t, column, "todo")
}

func TestSessionDocumentRace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := startSessionTestEnv(t, ctx)
	defer env.srv.Close()

	s1 := env.connect(t, ctx, env.adaJwt)
	defer s1.Close()
	s2 := env.connect(t, ctx, env.boJwt)
	defer s2.Close()

	_, err := s1.JoinDocument(env.documentId)
	assert.Equal(t, err, nil)
	_, err = s2.JoinDocument(env.documentId)
	assert.Equal(t, err, nil)
	waitFor(t, func() bool {
		return env.srv.SubscriberCount(DocumentPath(env.documentId)) == 2
	})

	// both sides rewrite at once. the server picks the order and assigns
	// versions, and both sides settle on its answer.
	_, err = s1.UpdateDocument(env.documentId, "ada's rewrite")
	assert.Equal(t, err, nil)
	_, err = s2.UpdateDocument(env.documentId, "bo's rewrite")
	assert.Equal(t, err, nil)

	waitFor(t, func() bool {
		return s1.PendingMutationCount() == 0 && s2.PendingMutationCount() == 0
	})
	waitFor(t, func() bool {
		d1 := s1.Document(env.documentId)
		d2 := s2.Document(env.documentId)
		return d1 != nil && d2 != nil &&
			d1.Version == 3 && d2.Version == 3 &&
			d1.Content == d2.Content
	})

	assert.Equal(t, s1.Stats().RolledBackMutationCount, int64(0))
	assert.Equal(t, s2.Stats().RolledBackMutationCount, int64(0))
}

func TestSessionChat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := startSessionTestEnv(t, ctx)
	defer env.srv.Close()

	s1 := env.connect(t, ctx, env.adaJwt)
	defer s1.Close()
	s2 := env.connect(t, ctx, env.boJwt)
	defer s2.Close()

	_, err := s1.JoinWorkspace(env.workspaceId)
	assert.Equal(t, err, nil)
	_, err = s2.JoinWorkspace(env.workspaceId)
	assert.Equal(t, err, nil)
	waitFor(t, func() bool {
		return env.srv.SubscriberCount(WorkspacePath(env.workspaceId)) == 2
	})

	assert.NotEqual(t, s1.Workspace(env.workspaceId), nil)
	assert.Equal(t, s1.Workspace(env.workspaceId).Name, "atelier")
	assert.NotEqual(t, s1.Chat(env.workspaceId), nil)

	_, err = s1.SendMessage(env.workspaceId, "morning")
	assert.Equal(t, err, nil)

	waitFor(t, func() bool {
		return s1.PendingMutationCount() == 0
	})
	chat := s1.Chat(env.workspaceId)
	assert.Equal(t, len(chat.Messages), 1)
	assert.Equal(t, chat.Messages[0].Body, "morning")
	assert.Equal(t, chat.Messages[0].SenderId, env.adaActorId)

	waitFor(t, func() bool {
		chat := s2.Chat(env.workspaceId)
		return chat != nil && len(chat.Messages) == 1
	})
	chat = s2.Chat(env.workspaceId)
	assert.Equal(t, chat.Messages[0].Body, "morning")
	assert.Equal(t, chat.Messages[0].SenderId, env.adaActorId)

	// the sender shows up in workspace presence for the observer
	waitFor(t, func() bool {
		for _, actorId := range s2.PresentActors(WorkspacePath(env.workspaceId)) {
			if actorId == env.adaActorId {
				return true
			}
		}
		return false
	})
}

func TestSessionTyping(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := startSessionTestEnv(t, ctx)
	defer env.srv.Close()

	s1 := env.connect(t, ctx, env.adaJwt)
	defer s1.Close()
	s2 := env.connect(t, ctx, env.boJwt)
	defer s2.Close()

	_, err := s1.JoinWorkspace(env.workspaceId)
	assert.Equal(t, err, nil)
	_, err = s2.JoinWorkspace(env.workspaceId)
	assert.Equal(t, err, nil)
	waitFor(t, func() bool {
		return env.srv.SubscriberCount(WorkspacePath(env.workspaceId)) == 2
	})

	err = s1.SetTyping(env.workspaceId, true)
	assert.Equal(t, err, nil)

	waitFor(t, func() bool {
		typing := s2.TypingActors(env.workspaceId)
		return len(typing) == 1 && typing[0] == env.adaActorId
	})

	// with no refresh the indicator decays on its own
	waitFor(t, func() bool {
		return len(s2.TypingActors(env.workspaceId)) == 0
	})
}

func TestSessionCursor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := startSessionTestEnv(t, ctx)
	defer env.srv.Close()

	s1 := env.connect(t, ctx, env.adaJwt)
	defer s1.Close()
	s2 := env.connect(t, ctx, env.boJwt)
	defer s2.Close()

	_, err := s1.JoinDocument(env.documentId)
	assert.Equal(t, err, nil)
	_, err = s2.JoinDocument(env.documentId)
	assert.Equal(t, err, nil)
	waitFor(t, func() bool {
		return env.srv.SubscriberCount(DocumentPath(env.documentId)) == 2
	})

	err = s1.MoveCursor(env.documentId, 12)
	assert.Equal(t, err, nil)

	waitFor(t, func() bool {
		document := s2.Document(env.documentId)
		if document == nil {
			return false
		}
		cursor, ok := document.Cursors[env.adaActorId]
		return ok && cursor.Position == 12
	})
}

func TestSessionCursorExpiry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := startSessionTestEnv(t, ctx)
	defer env.srv.Close()

	settings := testSessionSettings()
	settings.CursorTtl = 150 * time.Millisecond
	settings.CursorSweepInterval = 50 * time.Millisecond

	s1, err := Connect(ctx, env.srv.ApiUrl(), env.srv.ChannelUrl(), env.adaJwt, settings)
	assert.Equal(t, err, nil)
	defer s1.Close()
	s2, err := Connect(ctx, env.srv.ApiUrl(), env.srv.ChannelUrl(), env.boJwt, settings)
	assert.Equal(t, err, nil)
	defer s2.Close()

	_, err = s1.JoinWorkspace(env.workspaceId)
	assert.Equal(t, err, nil)
	_, err = s2.JoinWorkspace(env.workspaceId)
	assert.Equal(t, err, nil)
	_, err = s1.JoinDocument(env.documentId)
	assert.Equal(t, err, nil)
	_, err = s2.JoinDocument(env.documentId)
	assert.Equal(t, err, nil)
	waitFor(t, func() bool {
		return env.srv.SubscriberCount(WorkspacePath(env.workspaceId)) == 2 &&
			env.srv.SubscriberCount(DocumentPath(env.documentId)) == 2
	})

	err = s1.MoveCursor(env.documentId, 3)
	assert.Equal(t, err, nil)
	waitFor(t, func() bool {
		document := s2.Document(env.documentId)
		if document == nil {
			return false
		}
		_, ok := document.Cursors[env.adaActorId]
		return ok
	})

	// typing refreshes arrive faster than the sweep interval. a busy
	// channel must not hold the stale cursor past its ttl.
	stopTyping := make(chan struct{})
	defer close(stopTyping)
	go func() {
		for {
			select {
			case <-stopTyping:
				return
			case <-time.After(20 * time.Millisecond):
			}
			s1.SetTyping(env.workspaceId, true)
		}
	}()

	waitFor(t, func() bool {
		document := s2.Document(env.documentId)
		if document == nil {
			return false
		}
		_, ok := document.Cursors[env.adaActorId]
		return !ok
	})

	// the channel was still busy when the cursor went away
	typing := s2.TypingActors(env.workspaceId)
	assert.Equal(t, len(typing), 1)
	assert.Equal(t, typing[0], env.adaActorId)
}

func TestSessionAuthReject(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := startSessionTestEnv(t, ctx)
	defer env.srv.Close()

	session, err := Connect(ctx, env.srv.ApiUrl(), env.srv.ChannelUrl(), "not a jwt", testSessionSettings())
	assert.Equal(t, errors.Is(err, ErrAuthRejected), true)
	assert.Equal(t, session, nil)
}

func TestSessionReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := startSessionTestEnv(t, ctx)
	defer env.srv.Close()

	s1 := env.connect(t, ctx, env.adaJwt)
	defer s1.Close()
	s2 := env.connect(t, ctx, env.boJwt)
	defer s2.Close()

	_, err := s1.JoinBoard(env.boardId)
	assert.Equal(t, err, nil)
	_, err = s2.JoinBoard(env.boardId)
	assert.Equal(t, err, nil)
	waitFor(t, func() bool {
		return env.srv.SubscriberCount(BoardPath(env.boardId)) == 2
	})

	states := make(chan ConnectionState, 16)
	s1.AddConnectionStateCallback(func(state ConnectionState) {
		select {
		case states <- state:
		default:
		}
	})

	env.srv.KickAll()
	waitForState(t, states, ConnectionStateReconnecting)
	waitForState(t, states, ConnectionStateConnected)

	// held subscriptions are replayed after the reconnect
	waitFor(t, func() bool {
		return env.srv.SubscriberCount(BoardPath(env.boardId)) == 2
	})
	assert.Equal(t, s1.Stats().ReconnectCount >= 1, true)

	// events flow end to end again
	_, err = s1.MoveTask(env.boardId, env.taskB, "doing", 0)
	assert.Equal(t, err, nil)
	waitFor(t, func() bool {
		column, _, ok := s2.BoardReducer().TaskPlacement(env.boardId, env.taskB)
		return ok && column == "doing"
	})
}

func TestSessionReconnectExhausted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := startSessionTestEnv(t, ctx)
	defer env.srv.Close()

	settings := testSessionSettings()
	settings.TransportSettings.MaxReconnectAttempts = 2
	settings.TransportSettings.ReconnectMinDelay = 20 * time.Millisecond
	settings.TransportSettings.ReconnectMaxDelay = 50 * time.Millisecond

	session, err := Connect(ctx, env.srv.ApiUrl(), env.srv.ChannelUrl(), env.adaJwt, settings)
	assert.Equal(t, err, nil)
	defer session.Close()

	_, err = session.JoinBoard(env.boardId)
	assert.Equal(t, err, nil)

	// take the server away for good
	env.srv.Close()
	env.srv.KickAll()

	waitFor(t, func() bool {
		return session.ConnectionState() == ConnectionStateFailed
	})
	// loaded state stays readable after the channel fails
	assert.NotEqual(t, session.Board(env.boardId), nil)
}

func TestSessionRelease(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := startSessionTestEnv(t, ctx)
	defer env.srv.Close()

	s1 := env.connect(t, ctx, env.adaJwt)
	defer s1.Close()

	subscription, err := s1.JoinBoard(env.boardId)
	assert.Equal(t, err, nil)
	waitFor(t, func() bool {
		return env.srv.SubscriberCount(BoardPath(env.boardId)) == 1
	})
	assert.NotEqual(t, s1.Board(env.boardId), nil)

	subscription.Release()
	waitFor(t, func() bool {
		return env.srv.SubscriberCount(BoardPath(env.boardId)) == 0
	})
	// the last release drops the local state
	assert.Equal(t, s1.Board(env.boardId), nil)

	// a later join loads it fresh
	subscription, err = s1.JoinBoard(env.boardId)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, s1.Board(env.boardId), nil)
	subscription.Release()
}
