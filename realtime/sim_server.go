package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"
)

// SimServer is a complete in-memory workspace server: the duplex channel,
// the request/response api, jwt minting and verification, and fan-out to
// subscribers. It runs the same state transition functions as the client
// reducers, so there is a single definition of every transition. Intended
// for local development and tests.

const simAuthTimeout = 5 * time.Second
const simPingTimeout = 5 * time.Second
const simWriteTimeout = 5 * time.Second
const simReadTimeout = 30 * time.Second
const simSendBufferSize = 32

type simUser struct {
	userAuth    string
	password    string
	actorId     Id
	actorName   string
	workspaceId Id
}

type simClient struct {
	clientId Id
	actorId  Id

	ws   *websocket.Conn
	send chan []byte
}

type SimServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	jwtSecret []byte

	stateLock  sync.Mutex
	users      map[string]*simUser
	workspaces map[Id]*WorkspaceSummary
	boards     map[Id]*BoardState
	documents  map[Id]*DocumentState
	chats      map[Id]*ChatState
	// task_id -> title
	taskTitles map[Id]string

	clients map[Id]*simClient
	// path -> client_id -> client
	subscribers map[ResourcePath]map[Id]*simClient

	rejectAuth bool
	// returns a rejection reason, or empty to accept
	rejectMutation func(payload any) string

	listener   net.Listener
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

func NewSimServer(ctx context.Context, jwtSecret string) *SimServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &SimServer{
		ctx:         cancelCtx,
		cancel:      cancel,
		jwtSecret:   []byte(jwtSecret),
		users:       map[string]*simUser{},
		workspaces:  map[Id]*WorkspaceSummary{},
		boards:      map[Id]*BoardState{},
		documents:   map[Id]*DocumentState{},
		chats:       map[Id]*ChatState{},
		taskTitles:  map[Id]string{},
		clients:     map[Id]*simClient{},
		subscribers: map[ResourcePath]map[Id]*simClient{},
	}
}

// Start listens on the address and serves in the background. An empty
// address picks an ephemeral loopback port, see ApiUrl and ChannelUrl.
func (self *SimServer) Start(address string) error {
	if address == "" {
		address = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	self.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", self.handleChannel)
	mux.HandleFunc("/auth/login", self.handleAuthLogin)
	mux.HandleFunc("/workspace/", self.handleWorkspace)
	mux.HandleFunc("/board/", self.handleBoard)
	mux.HandleFunc("/document/", self.handleDocument)
	self.httpServer = &http.Server{
		Handler: mux,
	}

	go func() {
		defer self.cancel()
		self.httpServer.Serve(listener)
	}()
	go func() {
		<-self.ctx.Done()
		self.httpServer.Close()
	}()

	glog.Infof("[sim]listen %s\n", listener.Addr())
	return nil
}

func (self *SimServer) ApiUrl() string {
	return fmt.Sprintf("http://%s", self.listener.Addr())
}

func (self *SimServer) ChannelUrl() string {
	return fmt.Sprintf("ws://%s/ws", self.listener.Addr())
}

func (self *SimServer) Close() {
	self.cancel()
}

// SubscriberCount reports how many channel clients hold a subscription to
// the path.
func (self *SimServer) SubscriberCount(path ResourcePath) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.subscribers[path])
}

// KickAll drops every connected channel client. The server keeps running,
// so dropped clients can reconnect.
func (self *SimServer) KickAll() {
	self.stateLock.Lock()
	clients := maps.Values(self.clients)
	self.stateLock.Unlock()

	for _, client := range clients {
		client.ws.Close()
	}
}

// SetRejectAuth makes the channel handshake fail for every new connection.
func (self *SimServer) SetRejectAuth(rejectAuth bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.rejectAuth = rejectAuth
}

// SetRejectMutation installs a gate over inbound mutations. The gate
// returns a rejection reason, or empty to accept.
func (self *SimServer) SetRejectMutation(rejectMutation func(payload any) string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.rejectMutation = rejectMutation
}

// seeding

func (self *SimServer) AddWorkspace(name string) Id {
	workspaceId := NewId()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.workspaces[workspaceId] = &WorkspaceSummary{
		WorkspaceId: workspaceId,
		Name:        name,
		BoardIds:    []Id{},
		DocumentIds: []Id{},
	}
	self.chats[workspaceId] = &ChatState{
		WorkspaceId: workspaceId,
		Messages:    []*ChatMessageState{},
	}
	return workspaceId
}

func (self *SimServer) AddUser(userAuth string, password string, actorName string, workspaceId Id) Id {
	actorId := NewId()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.users[userAuth] = &simUser{
		userAuth:    userAuth,
		password:    password,
		actorId:     actorId,
		actorName:   actorName,
		workspaceId: workspaceId,
	}
	return actorId
}

func (self *SimServer) AddBoard(workspaceId Id, columnNames ...string) Id {
	boardId := NewId()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	columns := []*BoardColumn{}
	for _, columnName := range columnNames {
		columns = append(columns, &BoardColumn{
			Name:    columnName,
			TaskIds: []Id{},
		})
	}
	self.boards[boardId] = &BoardState{
		BoardId: boardId,
		Columns: columns,
	}
	if workspace, ok := self.workspaces[workspaceId]; ok {
		workspace.BoardIds = append(workspace.BoardIds, boardId)
	}
	return boardId
}

func (self *SimServer) AddTask(boardId Id, columnName string, title string) Id {
	taskId := NewId()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	board, ok := self.boards[boardId]
	if !ok {
		return Id{}
	}
	column := board.column(columnName)
	if column == nil {
		return Id{}
	}
	column.TaskIds = append(column.TaskIds, taskId)
	self.taskTitles[taskId] = title
	return taskId
}

func (self *SimServer) AddDocument(workspaceId Id, content string) Id {
	documentId := NewId()

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.documents[documentId] = &DocumentState{
		DocumentId: documentId,
		Version:    1,
		Content:    content,
		Cursors:    map[Id]*DocumentCursorState{},
	}
	if workspace, ok := self.workspaces[workspaceId]; ok {
		workspace.DocumentIds = append(workspace.DocumentIds, documentId)
	}
	return documentId
}

// jwt

func (self *SimServer) mintJwt(user *simUser) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"actor_id":     user.actorId.String(),
		"actor_name":   user.actorName,
		"workspace_id": user.workspaceId.String(),
	})
	return token.SignedString(self.jwtSecret)
}

func (self *SimServer) verifyJwt(byJwt string) (*SpaceAuth, error) {
	token, err := gojwt.Parse(byJwt, func(token *gojwt.Token) (any, error) {
		if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return self.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return ParseSpaceAuthUnverified(byJwt)
}

func (self *SimServer) authorize(r *http.Request) (*SpaceAuth, error) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, fmt.Errorf("missing bearer token")
	}
	return self.verifyJwt(strings.TrimPrefix(authHeader, "Bearer "))
}

// channel

func (self *SimServer) handleChannel(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[sim]upgrade error = %s\n", err)
		return
	}
	self.runClient(ws)
}

func (self *SimServer) runClient(ws *websocket.Conn) {
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(simAuthTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		return
	}
	envelope, err := DecodeEnvelope(message)
	if err != nil || envelope.Event != EventAuth {
		return
	}
	payload, err := envelope.Decode()
	if err != nil {
		return
	}
	auth := payload.(*Auth)

	spaceAuth, err := self.verifyJwt(auth.ByJwt)
	self.stateLock.Lock()
	rejectAuth := self.rejectAuth
	self.stateLock.Unlock()
	if err != nil || rejectAuth {
		glog.Infof("[sim]auth reject\n")
		resultBytes, _ := EncodeEnvelope(&AuthResult{
			Error: "invalid credential",
		})
		ws.SetWriteDeadline(time.Now().Add(simWriteTimeout))
		ws.WriteMessage(websocket.TextMessage, resultBytes)
		return
	}

	resultBytes, err := EncodeEnvelope(&AuthResult{
		ActorId: spaceAuth.ActorId,
	})
	if err != nil {
		return
	}
	ws.SetWriteDeadline(time.Now().Add(simWriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, resultBytes); err != nil {
		return
	}

	client := &simClient{
		clientId: NewId(),
		actorId:  spaceAuth.ActorId,
		ws:       ws,
		send:     make(chan []byte, simSendBufferSize),
	}
	self.addClient(client)
	defer self.removeClient(client)

	glog.V(1).Infof("[sim]client %s connected as %s\n", client.clientId, client.actorId)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-client.send:
				ws.SetWriteDeadline(time.Now().Add(simWriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}
			case <-time.After(simPingTimeout):
				ws.SetWriteDeadline(time.Now().Add(simWriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(simReadTimeout))
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if 0 == len(message) {
			// ping
			continue
		}
		envelope, err := DecodeEnvelope(message)
		if err != nil {
			glog.Infof("[sim]decode error = %s\n", err)
			continue
		}
		payload, err := envelope.Decode()
		if err != nil {
			glog.Infof("[sim]decode error %s = %s\n", envelope.Event, err)
			continue
		}
		self.handleClientEvent(client, payload)
	}
}

func (self *SimServer) addClient(client *simClient) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.clients[client.clientId] = client
}

func (self *SimServer) removeClient(client *simClient) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.clients, client.clientId)
	for path, subscribers := range self.subscribers {
		delete(subscribers, client.clientId)
		if len(subscribers) == 0 {
			delete(self.subscribers, path)
		}
	}
}

func (self *SimServer) handleClientEvent(client *simClient, payload any) {
	switch v := payload.(type) {
	case *WorkspaceJoin:
		self.subscribe(client, ResourcePath{Kind: v.ResourceKind, ResourceId: v.ResourceId})
	case *WorkspaceLeave:
		self.unsubscribe(client, ResourcePath{Kind: v.ResourceKind, ResourceId: v.ResourceId})
	case *TaskMoved:
		self.handleTaskMoved(client, v)
	case *DocumentUpdate:
		self.handleDocumentUpdate(client, v)
	case *ChatMessage:
		self.handleChatMessage(client, v)
	case *DocumentCursor:
		self.relay(client, DocumentPath(v.DocumentId), v)
	case *ChatTyping:
		self.relay(client, WorkspacePath(v.WorkspaceId), v)
	default:
		glog.V(1).Infof("[sim]ignore %T\n", payload)
	}
}

func (self *SimServer) subscribe(client *simClient, path ResourcePath) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subscribers, ok := self.subscribers[path]
	if !ok {
		subscribers = map[Id]*simClient{}
		self.subscribers[path] = subscribers
	}
	subscribers[client.clientId] = client
	glog.V(1).Infof("[sim]subscribe %s %s\n", client.clientId, path)
}

func (self *SimServer) unsubscribe(client *simClient, path ResourcePath) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subscribers, ok := self.subscribers[path]
	if !ok {
		return
	}
	delete(subscribers, client.clientId)
	if len(subscribers) == 0 {
		delete(self.subscribers, path)
	}
}

func (self *SimServer) gateMutation(payload any) string {
	self.stateLock.Lock()
	rejectMutation := self.rejectMutation
	self.stateLock.Unlock()

	if rejectMutation == nil {
		return ""
	}
	return rejectMutation(payload)
}

func (self *SimServer) reject(client *simClient, mutationId *Id, reason string) {
	if mutationId == nil {
		return
	}
	self.sendTo(client, &MutationRejected{
		MutationId: *mutationId,
		Reason:     reason,
	})
}

func (self *SimServer) handleTaskMoved(client *simClient, taskMoved *TaskMoved) {
	if reason := self.gateMutation(taskMoved); reason != "" {
		glog.Infof("[sim]reject task move = %s\n", reason)
		self.reject(client, taskMoved.MutationId, reason)
		return
	}

	self.stateLock.Lock()
	var err error
	if board, ok := self.boards[taskMoved.BoardId]; ok {
		_, err = board.moveTask(taskMoved.TaskId, taskMoved.ToColumn, taskMoved.ToIndex)
	} else {
		err = fmt.Errorf("no board %s", taskMoved.BoardId)
	}
	self.stateLock.Unlock()

	if err != nil {
		self.reject(client, taskMoved.MutationId, err.Error())
		return
	}

	// echo to the origin with the mutation id, fan out to the rest without
	self.sendTo(client, taskMoved)
	remote := *taskMoved
	remote.MutationId = nil
	self.broadcast(BoardPath(taskMoved.BoardId), client.clientId, &remote)
}

func (self *SimServer) handleDocumentUpdate(client *simClient, update *DocumentUpdate) {
	if reason := self.gateMutation(update); reason != "" {
		glog.Infof("[sim]reject document update = %s\n", reason)
		self.reject(client, update.MutationId, reason)
		return
	}

	self.stateLock.Lock()
	var assigned *DocumentUpdate
	var err error
	if document, ok := self.documents[update.DocumentId]; ok {
		// the server assigns the version, not the client
		version := document.Version + 1
		err = document.replaceContent(version, update.Content)
		if err == nil {
			assigned = &DocumentUpdate{
				DocumentId: update.DocumentId,
				Version:    version,
				Content:    update.Content,
				MutationId: update.MutationId,
			}
		}
	} else {
		err = fmt.Errorf("no document %s", update.DocumentId)
	}
	self.stateLock.Unlock()

	if err != nil {
		self.reject(client, update.MutationId, err.Error())
		return
	}

	self.sendTo(client, assigned)
	remote := *assigned
	remote.MutationId = nil
	self.broadcast(DocumentPath(update.DocumentId), client.clientId, &remote)
}

func (self *SimServer) handleChatMessage(client *simClient, message *ChatMessage) {
	if reason := self.gateMutation(message); reason != "" {
		glog.Infof("[sim]reject message = %s\n", reason)
		self.reject(client, message.MutationId, reason)
		return
	}

	self.stateLock.Lock()
	var err error
	if chat, ok := self.chats[message.WorkspaceId]; ok {
		// the sender is the authenticated actor, not whatever the payload
		// claims
		err = chat.appendMessage(&ChatMessageState{
			MessageId: message.MessageId,
			SenderId:  client.actorId,
			Body:      message.Body,
		})
	} else {
		err = fmt.Errorf("no workspace %s", message.WorkspaceId)
	}
	self.stateLock.Unlock()

	if err != nil && !errors.Is(err, ErrDuplicateState) {
		self.reject(client, message.MutationId, err.Error())
		return
	}
	// a duplicate is a redelivered send. confirm it again.

	accepted := *message
	accepted.SenderId = client.actorId
	self.sendTo(client, &accepted)
	remote := accepted
	remote.MutationId = nil
	self.broadcast(WorkspacePath(message.WorkspaceId), client.clientId, &remote)
}

// relay fans an ephemeral event out to the other subscribers of a resource
func (self *SimServer) relay(client *simClient, path ResourcePath, payload any) {
	self.broadcast(path, client.clientId, payload)
}

func (self *SimServer) sendTo(client *simClient, payload any) {
	message, err := EncodeEnvelope(payload)
	if err != nil {
		glog.Infof("[sim]encode error = %s\n", err)
		return
	}
	select {
	case client.send <- message:
	default:
		glog.Infof("[sim]send buffer full %s\n", client.clientId)
	}
}

func (self *SimServer) broadcast(path ResourcePath, excludeClientId Id, payload any) {
	message, err := EncodeEnvelope(payload)
	if err != nil {
		glog.Infof("[sim]encode error = %s\n", err)
		return
	}

	self.stateLock.Lock()
	targets := []*simClient{}
	for clientId, subscriber := range self.subscribers[path] {
		if clientId == excludeClientId {
			continue
		}
		targets = append(targets, subscriber)
	}
	self.stateLock.Unlock()

	for _, target := range targets {
		select {
		case target.send <- message:
		default:
			glog.Infof("[sim]send buffer full %s\n", target.clientId)
		}
	}
}

// api

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "text/json")
	json.NewEncoder(w).Encode(result)
}

func (self *SimServer) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	args := &AuthLoginArgs{}
	if err := json.NewDecoder(r.Body).Decode(args); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	self.stateLock.Lock()
	user, ok := self.users[args.UserAuth]
	self.stateLock.Unlock()

	if !ok || user.password != args.Password {
		writeResult(w, &AuthLoginResult{
			Error: &ApiError{
				Message: "invalid user or password",
			},
		})
		return
	}

	byJwt, err := self.mintJwt(user)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeResult(w, &AuthLoginResult{
		ActorName: user.actorName,
		Space: &AuthLoginResultSpace{
			ByJwt:       byJwt,
			WorkspaceId: user.workspaceId,
		},
	})
}

func (self *SimServer) handleWorkspace(w http.ResponseWriter, r *http.Request) {
	auth, err := self.authorize(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	workspaceId, err := ParseId(parts[1])
	if err != nil {
		http.Error(w, "bad workspace id", http.StatusBadRequest)
		return
	}

	if len(parts) == 2 && r.Method == "GET" {
		self.stateLock.Lock()
		workspace, ok := self.workspaces[workspaceId]
		var result *GetWorkspaceResult
		if ok {
			workspaceCopy := *workspace
			if chat, ok := self.chats[workspaceId]; ok {
				workspaceCopy.Chat = chat.Copy()
			}
			result = &GetWorkspaceResult{
				Workspace: &workspaceCopy,
			}
		} else {
			result = &GetWorkspaceResult{
				Error: &ApiError{
					Message: "no workspace",
				},
			}
		}
		self.stateLock.Unlock()

		writeResult(w, result)
		return
	}

	if len(parts) == 4 && parts[2] == "message" && parts[3] == "create" && r.Method == "POST" {
		args := &CreateMessageArgs{}
		if err := json.NewDecoder(r.Body).Decode(args); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		message := &ChatMessageState{
			MessageId: NewId(),
			SenderId:  auth.ActorId,
			Body:      args.Body,
		}

		self.stateLock.Lock()
		chat, ok := self.chats[workspaceId]
		if ok {
			err = chat.appendMessage(message)
		}
		self.stateLock.Unlock()

		if !ok {
			writeResult(w, &CreateMessageResult{
				Error: &ApiError{
					Message: "no workspace",
				},
			})
			return
		}
		if err != nil {
			writeResult(w, &CreateMessageResult{
				Error: &ApiError{
					Message: err.Error(),
				},
			})
			return
		}

		// durable create also fans out on the channel
		self.broadcast(WorkspacePath(workspaceId), Id{}, &ChatMessage{
			MessageId:   message.MessageId,
			WorkspaceId: workspaceId,
			Body:        message.Body,
			SenderId:    message.SenderId,
		})
		writeResult(w, &CreateMessageResult{
			Message: message,
		})
		return
	}

	http.Error(w, "not found", http.StatusNotFound)
}

func (self *SimServer) handleBoard(w http.ResponseWriter, r *http.Request) {
	if _, err := self.authorize(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	boardId, err := ParseId(parts[1])
	if err != nil {
		http.Error(w, "bad board id", http.StatusBadRequest)
		return
	}

	if len(parts) == 2 && r.Method == "GET" {
		self.stateLock.Lock()
		board, ok := self.boards[boardId]
		var result *GetBoardResult
		if ok {
			result = &GetBoardResult{
				Board: board.Copy(),
			}
		} else {
			result = &GetBoardResult{
				Error: &ApiError{
					Message: "no board",
				},
			}
		}
		self.stateLock.Unlock()

		writeResult(w, result)
		return
	}

	if len(parts) == 4 && parts[2] == "task" && parts[3] == "create" && r.Method == "POST" {
		args := &CreateTaskArgs{}
		if err := json.NewDecoder(r.Body).Decode(args); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		taskId := NewId()

		self.stateLock.Lock()
		var boardCopy *BoardState
		var apiError *ApiError
		if board, ok := self.boards[boardId]; ok {
			if column := board.column(args.Column); column != nil {
				column.TaskIds = append(column.TaskIds, taskId)
				self.taskTitles[taskId] = args.Title
				boardCopy = board.Copy()
			} else {
				apiError = &ApiError{
					Message: "no column",
				}
			}
		} else {
			apiError = &ApiError{
				Message: "no board",
			}
		}
		self.stateLock.Unlock()

		writeResult(w, &CreateTaskResult{
			TaskId: taskId,
			Board:  boardCopy,
			Error:  apiError,
		})
		return
	}

	if len(parts) == 5 && parts[2] == "task" && r.Method == "POST" {
		taskId, err := ParseId(parts[3])
		if err != nil {
			http.Error(w, "bad task id", http.StatusBadRequest)
			return
		}

		switch parts[4] {
		case "update":
			args := &UpdateTaskArgs{}
			if err := json.NewDecoder(r.Body).Decode(args); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}

			self.stateLock.Lock()
			var boardCopy *BoardState
			var apiError *ApiError
			if board, ok := self.boards[boardId]; ok {
				self.taskTitles[taskId] = args.Title
				boardCopy = board.Copy()
			} else {
				apiError = &ApiError{
					Message: "no board",
				}
			}
			self.stateLock.Unlock()

			writeResult(w, &UpdateTaskResult{
				Board: boardCopy,
				Error: apiError,
			})
		case "move":
			args := &MoveTaskArgs{}
			if err := json.NewDecoder(r.Body).Decode(args); err != nil {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}

			self.stateLock.Lock()
			var boardCopy *BoardState
			var apiError *ApiError
			var fromColumn string
			var fromIndex int
			if board, ok := self.boards[boardId]; ok {
				if column, index := board.locate(taskId); column != nil {
					fromColumn = column.Name
					fromIndex = index
				}
				if _, err := board.moveTask(taskId, args.ToColumn, args.ToIndex); err != nil {
					apiError = &ApiError{
						Message: err.Error(),
					}
				} else {
					boardCopy = board.Copy()
				}
			} else {
				apiError = &ApiError{
					Message: "no board",
				}
			}
			self.stateLock.Unlock()

			if apiError == nil {
				self.broadcast(BoardPath(boardId), Id{}, &TaskMoved{
					BoardId:    boardId,
					TaskId:     taskId,
					FromColumn: fromColumn,
					FromIndex:  fromIndex,
					ToColumn:   args.ToColumn,
					ToIndex:    args.ToIndex,
				})
			}
			writeResult(w, &MoveTaskResult{
				Board: boardCopy,
				Error: apiError,
			})
		case "delete":
			self.stateLock.Lock()
			var boardCopy *BoardState
			var apiError *ApiError
			if board, ok := self.boards[boardId]; ok {
				if column, index := board.locate(taskId); column != nil {
					column.TaskIds = append(column.TaskIds[:index], column.TaskIds[index+1:]...)
				}
				delete(self.taskTitles, taskId)
				boardCopy = board.Copy()
			} else {
				apiError = &ApiError{
					Message: "no board",
				}
			}
			self.stateLock.Unlock()

			writeResult(w, &DeleteTaskResult{
				Board: boardCopy,
				Error: apiError,
			})
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
		return
	}

	http.Error(w, "not found", http.StatusNotFound)
}

func (self *SimServer) handleDocument(w http.ResponseWriter, r *http.Request) {
	if _, err := self.authorize(r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	documentId, err := ParseId(parts[1])
	if err != nil {
		http.Error(w, "bad document id", http.StatusBadRequest)
		return
	}

	if len(parts) == 2 && r.Method == "GET" {
		self.stateLock.Lock()
		document, ok := self.documents[documentId]
		var result *GetDocumentResult
		if ok {
			result = &GetDocumentResult{
				Document: document.Copy(),
			}
		} else {
			result = &GetDocumentResult{
				Error: &ApiError{
					Message: "no document",
				},
			}
		}
		self.stateLock.Unlock()

		writeResult(w, result)
		return
	}

	if len(parts) == 3 && parts[2] == "update" && r.Method == "POST" {
		args := &UpdateDocumentArgs{}
		if err := json.NewDecoder(r.Body).Decode(args); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		self.stateLock.Lock()
		var documentCopy *DocumentState
		var apiError *ApiError
		var version int64
		if document, ok := self.documents[documentId]; ok {
			version = document.Version + 1
			if err := document.replaceContent(version, args.Content); err != nil {
				apiError = &ApiError{
					Message: err.Error(),
				}
			} else {
				documentCopy = document.Copy()
			}
		} else {
			apiError = &ApiError{
				Message: "no document",
			}
		}
		self.stateLock.Unlock()

		if apiError == nil {
			self.broadcast(DocumentPath(documentId), Id{}, &DocumentUpdate{
				DocumentId: documentId,
				Version:    version,
				Content:    args.Content,
			})
		}
		writeResult(w, &UpdateDocumentResult{
			Document: documentCopy,
			Error:    apiError,
		})
		return
	}

	http.Error(w, "not found", http.StatusNotFound)
}
