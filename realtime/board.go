package realtime

import (
	"fmt"
	"slices"
	"sync"
)

type BoardColumn struct {
	Name    string `json:"name"`
	TaskIds []Id   `json:"taskIds"`
}

// TaskBoardState is an ordered list of task references per named column.
// A task id appears in exactly one column at any instant.
type BoardState struct {
	BoardId Id             `json:"boardId"`
	Columns []*BoardColumn `json:"columns"`
}

func (self *BoardState) Copy() *BoardState {
	columns := make([]*BoardColumn, 0, len(self.Columns))
	for _, column := range self.Columns {
		columns = append(columns, &BoardColumn{
			Name:    column.Name,
			TaskIds: slices.Clone(column.TaskIds),
		})
	}
	return &BoardState{
		BoardId: self.BoardId,
		Columns: columns,
	}
}

func (self *BoardState) column(name string) *BoardColumn {
	for _, column := range self.Columns {
		if column.Name == name {
			return column
		}
	}
	return nil
}

func (self *BoardState) locate(taskId Id) (*BoardColumn, int) {
	for _, column := range self.Columns {
		for i, columnTaskId := range column.TaskIds {
			if columnTaskId == taskId {
				return column, i
			}
		}
	}
	return nil, -1
}

// moveTask applies one move. The from coordinates on the wire are advisory.
// The task is removed from wherever it currently is, so a task id never
// lands in two columns even when the hint is stale. Returns whether state
// changed. A move whose target placement already matches current state is
// a no-op, which makes re-applying the identical move idempotent.
func (self *BoardState) moveTask(taskId Id, toColumnName string, toIndex int) (bool, error) {
	toColumn := self.column(toColumnName)
	if toColumn == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownColumn, toColumnName)
	}
	fromColumn, fromIndex := self.locate(taskId)
	if fromColumn == nil {
		return false, fmt.Errorf("%w: %s", ErrUnknownTask, taskId)
	}
	if fromColumn == toColumn && fromIndex == toIndex {
		return false, nil
	}
	fromColumn.TaskIds = slices.Delete(fromColumn.TaskIds, fromIndex, fromIndex+1)
	insertIndex := toIndex
	if insertIndex < 0 {
		insertIndex = 0
	}
	if len(toColumn.TaskIds) < insertIndex {
		// clamp to column length
		insertIndex = len(toColumn.TaskIds)
	}
	toColumn.TaskIds = slices.Insert(toColumn.TaskIds, insertIndex, taskId)
	return true, nil
}

// BoardReducer owns task board state for every joined board. Local
// optimistic moves and remote confirmed moves flow through the same
// transition function.
type BoardReducer struct {
	stateLock sync.Mutex
	// board_id -> state
	boards map[Id]*BoardState

	changeCallbacks *CallbackList[func(*BoardState)]
}

func NewBoardReducer() *BoardReducer {
	return &BoardReducer{
		boards:          map[Id]*BoardState{},
		changeCallbacks: NewCallbackList[func(*BoardState)](),
	}
}

// SetBoard replaces a board with authoritative state, as on cold-start load
// or when a rejected mutation is resolved with a server refetch.
func (self *BoardReducer) SetBoard(board *BoardState) {
	boardCopy := board.Copy()

	self.stateLock.Lock()
	self.boards[board.BoardId] = boardCopy
	self.stateLock.Unlock()

	self.fireChange(board.Copy())
}

func (self *BoardReducer) RemoveBoard(boardId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.boards, boardId)
}

// Board returns a copy of the board state, or nil if the board is not loaded.
func (self *BoardReducer) Board(boardId Id) *BoardState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	board, ok := self.boards[boardId]
	if !ok {
		return nil
	}
	return board.Copy()
}

// TaskPlacement returns the column name and index a task currently occupies.
func (self *BoardReducer) TaskPlacement(boardId Id, taskId Id) (string, int, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	board, ok := self.boards[boardId]
	if !ok {
		return "", 0, false
	}
	column, index := board.locate(taskId)
	if column == nil {
		return "", 0, false
	}
	return column.Name, index, true
}

func (self *BoardReducer) Apply(payload any) error {
	switch v := payload.(type) {
	case *TaskMoved:
		return self.applyTaskMoved(v)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, payload)
	}
}

func (self *BoardReducer) applyTaskMoved(taskMoved *TaskMoved) error {
	self.stateLock.Lock()
	board, ok := self.boards[taskMoved.BoardId]
	if !ok {
		self.stateLock.Unlock()
		return fmt.Errorf("%w: board %s", ErrNotSubscribed, taskMoved.BoardId)
	}
	changed, err := board.moveTask(taskMoved.TaskId, taskMoved.ToColumn, taskMoved.ToIndex)
	var boardCopy *BoardState
	if changed {
		boardCopy = board.Copy()
	}
	self.stateLock.Unlock()

	if err != nil {
		return err
	}
	if boardCopy != nil {
		self.fireChange(boardCopy)
	}
	return nil
}

func (self *BoardReducer) Snapshot(payload any) any {
	taskMoved, ok := payload.(*TaskMoved)
	if !ok {
		return nil
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	board, ok := self.boards[taskMoved.BoardId]
	if !ok {
		return nil
	}
	return board.Copy()
}

func (self *BoardReducer) Restore(snapshot any) {
	board, ok := snapshot.(*BoardState)
	if !ok || board == nil {
		return
	}

	self.stateLock.Lock()
	if _, ok := self.boards[board.BoardId]; !ok {
		// the board was released while the mutation was in flight
		self.stateLock.Unlock()
		return
	}
	// copy in so the captured snapshot stays immutable
	self.boards[board.BoardId] = board.Copy()
	self.stateLock.Unlock()

	self.fireChange(board.Copy())
}

// AddChangeCallback registers a listener for board state changes and
// returns a function to remove it. Callbacks receive a copy and run
// inline on the goroutine applying the change, which may hold the
// mutation engine lock. Issue new mutations from another goroutine.
func (self *BoardReducer) AddChangeCallback(changeCallback func(*BoardState)) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *BoardReducer) fireChange(board *BoardState) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		HandleError(func() {
			changeCallback(board)
		})
	}
}
