package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

// cold-start loads fan out per view. short ttl keeps a burst of joins for
// the same resource from hammering the api.
const defaultResponseCacheTtl = 5 * time.Second
const defaultResponseCacheSweep = 30 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

type ApiError struct {
	Message string `json:"message"`
}

// SpaceApi is the request/response side of the workspace server. The sync
// core treats its responses as the authoritative source for cold-start
// state and for resolving rejected mutations.
type SpaceApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string

	responseCache *gocache.Cache
}

func NewSpaceApi(apiUrl string) *SpaceApi {
	return NewSpaceApiWithContext(context.Background(), apiUrl)
}

func NewSpaceApiWithContext(ctx context.Context, apiUrl string) *SpaceApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &SpaceApi{
		ctx:           cancelCtx,
		cancel:        cancel,
		apiUrl:        apiUrl,
		responseCache: gocache.New(defaultResponseCacheTtl, defaultResponseCacheSweep),
	}
}

// this gets attached to api calls that need it
func (self *SpaceApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

type AuthLoginCallback apiCallback[*AuthLoginResult]

type AuthLoginArgs struct {
	UserAuth string `json:"user_auth"`
	Password string `json:"password"`
}

type AuthLoginResult struct {
	ActorName string                `json:"actor_name,omitempty"`
	Space     *AuthLoginResultSpace `json:"space,omitempty"`
	Error     *ApiError             `json:"error,omitempty"`
}

type AuthLoginResultSpace struct {
	ByJwt       string `json:"by_jwt"`
	WorkspaceId Id     `json:"workspace_id"`
}

func (self *SpaceApi) AuthLogin(authLogin *AuthLoginArgs, callback AuthLoginCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.byJwt,
		&AuthLoginResult{},
		callback,
	)
}

func (self *SpaceApi) AuthLoginSync(authLogin *AuthLoginArgs) (*AuthLoginResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/login", self.apiUrl),
		authLogin,
		self.byJwt,
		&AuthLoginResult{},
		NewNoopApiCallback[*AuthLoginResult](),
	)
}

type GetWorkspaceCallback apiCallback[*GetWorkspaceResult]

type WorkspaceSummary struct {
	WorkspaceId Id         `json:"workspaceId"`
	Name        string     `json:"name"`
	BoardIds    []Id       `json:"boardIds"`
	DocumentIds []Id       `json:"documentIds"`
	Chat        *ChatState `json:"chat,omitempty"`
}

type GetWorkspaceResult struct {
	Workspace *WorkspaceSummary `json:"workspace,omitempty"`
	Error     *ApiError         `json:"error,omitempty"`
}

func (self *SpaceApi) GetWorkspace(workspaceId Id, callback GetWorkspaceCallback) {
	go self.getWorkspace(workspaceId, callback)
}

func (self *SpaceApi) GetWorkspaceSync(workspaceId Id) (*GetWorkspaceResult, error) {
	return self.getWorkspace(workspaceId, NewNoopApiCallback[*GetWorkspaceResult]())
}

func (self *SpaceApi) getWorkspace(workspaceId Id, callback GetWorkspaceCallback) (*GetWorkspaceResult, error) {
	return cachedGet(
		self,
		fmt.Sprintf("%s/workspace/%s", self.apiUrl, workspaceId),
		&GetWorkspaceResult{},
		callback,
	)
}

type GetBoardCallback apiCallback[*GetBoardResult]

type GetBoardResult struct {
	Board *BoardState `json:"board,omitempty"`
	Error *ApiError   `json:"error,omitempty"`
}

func (self *SpaceApi) GetBoard(boardId Id, callback GetBoardCallback) {
	go self.getBoard(boardId, callback)
}

func (self *SpaceApi) GetBoardSync(boardId Id) (*GetBoardResult, error) {
	return self.getBoard(boardId, NewNoopApiCallback[*GetBoardResult]())
}

func (self *SpaceApi) getBoard(boardId Id, callback GetBoardCallback) (*GetBoardResult, error) {
	return cachedGet(
		self,
		fmt.Sprintf("%s/board/%s", self.apiUrl, boardId),
		&GetBoardResult{},
		callback,
	)
}

type GetDocumentCallback apiCallback[*GetDocumentResult]

type GetDocumentResult struct {
	Document *DocumentState `json:"document,omitempty"`
	Error    *ApiError      `json:"error,omitempty"`
}

func (self *SpaceApi) GetDocument(documentId Id, callback GetDocumentCallback) {
	go self.getDocument(documentId, callback)
}

func (self *SpaceApi) GetDocumentSync(documentId Id) (*GetDocumentResult, error) {
	return self.getDocument(documentId, NewNoopApiCallback[*GetDocumentResult]())
}

func (self *SpaceApi) getDocument(documentId Id, callback GetDocumentCallback) (*GetDocumentResult, error) {
	return cachedGet(
		self,
		fmt.Sprintf("%s/document/%s", self.apiUrl, documentId),
		&GetDocumentResult{},
		callback,
	)
}

type CreateTaskCallback apiCallback[*CreateTaskResult]

type CreateTaskArgs struct {
	Column string `json:"column"`
	Title  string `json:"title"`
}

type CreateTaskResult struct {
	TaskId Id          `json:"task_id,omitempty"`
	Board  *BoardState `json:"board,omitempty"`
	Error  *ApiError   `json:"error,omitempty"`
}

func (self *SpaceApi) CreateTask(boardId Id, createTask *CreateTaskArgs, callback CreateTaskCallback) {
	go func() {
		self.invalidateBoard(boardId)
		post(
			self.ctx,
			fmt.Sprintf("%s/board/%s/task/create", self.apiUrl, boardId),
			createTask,
			self.byJwt,
			&CreateTaskResult{},
			callback,
		)
	}()
}

type UpdateTaskCallback apiCallback[*UpdateTaskResult]

type UpdateTaskArgs struct {
	Title string `json:"title"`
}

type UpdateTaskResult struct {
	Board *BoardState `json:"board,omitempty"`
	Error *ApiError   `json:"error,omitempty"`
}

func (self *SpaceApi) UpdateTask(boardId Id, taskId Id, updateTask *UpdateTaskArgs, callback UpdateTaskCallback) {
	go func() {
		self.invalidateBoard(boardId)
		post(
			self.ctx,
			fmt.Sprintf("%s/board/%s/task/%s/update", self.apiUrl, boardId, taskId),
			updateTask,
			self.byJwt,
			&UpdateTaskResult{},
			callback,
		)
	}()
}

type MoveTaskCallback apiCallback[*MoveTaskResult]

type MoveTaskArgs struct {
	ToColumn string `json:"to_column"`
	ToIndex  int    `json:"to_index"`
}

type MoveTaskResult struct {
	Board *BoardState `json:"board,omitempty"`
	Error *ApiError   `json:"error,omitempty"`
}

func (self *SpaceApi) MoveTask(boardId Id, taskId Id, moveTask *MoveTaskArgs, callback MoveTaskCallback) {
	go func() {
		self.invalidateBoard(boardId)
		post(
			self.ctx,
			fmt.Sprintf("%s/board/%s/task/%s/move", self.apiUrl, boardId, taskId),
			moveTask,
			self.byJwt,
			&MoveTaskResult{},
			callback,
		)
	}()
}

type DeleteTaskCallback apiCallback[*DeleteTaskResult]

type DeleteTaskResult struct {
	Board *BoardState `json:"board,omitempty"`
	Error *ApiError   `json:"error,omitempty"`
}

func (self *SpaceApi) DeleteTask(boardId Id, taskId Id, callback DeleteTaskCallback) {
	go func() {
		self.invalidateBoard(boardId)
		post(
			self.ctx,
			fmt.Sprintf("%s/board/%s/task/%s/delete", self.apiUrl, boardId, taskId),
			nil,
			self.byJwt,
			&DeleteTaskResult{},
			callback,
		)
	}()
}

type UpdateDocumentCallback apiCallback[*UpdateDocumentResult]

type UpdateDocumentArgs struct {
	Content string `json:"content"`
}

type UpdateDocumentResult struct {
	Document *DocumentState `json:"document,omitempty"`
	Error    *ApiError      `json:"error,omitempty"`
}

func (self *SpaceApi) UpdateDocument(documentId Id, updateDocument *UpdateDocumentArgs, callback UpdateDocumentCallback) {
	go func() {
		self.responseCache.Delete(fmt.Sprintf("%s/document/%s", self.apiUrl, documentId))
		post(
			self.ctx,
			fmt.Sprintf("%s/document/%s/update", self.apiUrl, documentId),
			updateDocument,
			self.byJwt,
			&UpdateDocumentResult{},
			callback,
		)
	}()
}

type CreateMessageCallback apiCallback[*CreateMessageResult]

type CreateMessageArgs struct {
	Body string `json:"body"`
}

type CreateMessageResult struct {
	Message *ChatMessageState `json:"message,omitempty"`
	Error   *ApiError         `json:"error,omitempty"`
}

func (self *SpaceApi) CreateMessage(workspaceId Id, createMessage *CreateMessageArgs, callback CreateMessageCallback) {
	go func() {
		self.responseCache.Delete(fmt.Sprintf("%s/workspace/%s", self.apiUrl, workspaceId))
		post(
			self.ctx,
			fmt.Sprintf("%s/workspace/%s/message/create", self.apiUrl, workspaceId),
			createMessage,
			self.byJwt,
			&CreateMessageResult{},
			callback,
		)
	}()
}

func (self *SpaceApi) invalidateBoard(boardId Id) {
	self.responseCache.Delete(fmt.Sprintf("%s/board/%s", self.apiUrl, boardId))
}

func (self *SpaceApi) Close() {
	self.cancel()
}

// cachedGet fronts a get with the response cache. Only successful results
// are cached. Mutating calls delete the key for their resource.
func cachedGet[R any](api *SpaceApi, url string, result R, callback apiCallback[R]) (R, error) {
	if cached, ok := api.responseCache.Get(url); ok {
		cachedResult := cached.(R)
		callback.Result(cachedResult, nil)
		return cachedResult, nil
	}
	out, err := get(api.ctx, url, api.byJwt, result, callback)
	if err == nil {
		api.responseCache.Set(url, out, gocache.DefaultExpiration)
	}
	return out, err
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	responseBodyBytes, err := io.ReadAll(r.Body)
	r.Body.Close()

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
