package realtime

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testBoard(boardId Id, taskCounts ...int) *BoardState {
	columnNames := []string{"todo", "doing", "done"}
	board := &BoardState{
		BoardId: boardId,
		Columns: []*BoardColumn{},
	}
	for i, count := range taskCounts {
		column := &BoardColumn{
			Name:    columnNames[i],
			TaskIds: []Id{},
		}
		for j := 0; j < count; j += 1 {
			column.TaskIds = append(column.TaskIds, NewId())
		}
		board.Columns = append(board.Columns, column)
	}
	return board
}

func TestBoardMoveTask(t *testing.T) {
	board := testBoard(NewId(), 3, 2, 0)
	taskId := board.Columns[0].TaskIds[0]

	// across columns at a specific index
	changed, err := board.moveTask(taskId, "doing", 1)
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, true)
	assert.Equal(t, len(board.Columns[0].TaskIds), 2)
	assert.Equal(t, board.Columns[1].TaskIds[1], taskId)

	// within a column
	changed, err = board.moveTask(taskId, "doing", 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, true)
	assert.Equal(t, board.Columns[1].TaskIds[0], taskId)

	// the same placement again is a no-op
	changed, err = board.moveTask(taskId, "doing", 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, false)

	// an index past the end clamps to the column length
	changed, err = board.moveTask(taskId, "done", 100)
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, true)
	assert.Equal(t, board.Columns[2].TaskIds, []Id{taskId})

	// a negative index clamps to the head
	changed, err = board.moveTask(taskId, "todo", -1)
	assert.Equal(t, err, nil)
	assert.Equal(t, changed, true)
	assert.Equal(t, board.Columns[0].TaskIds[0], taskId)

	_, err = board.moveTask(taskId, "archive", 0)
	assert.Equal(t, errors.Is(err, ErrUnknownColumn), true)

	_, err = board.moveTask(NewId(), "done", 0)
	assert.Equal(t, errors.Is(err, ErrUnknownTask), true)

	// a task id never lands in two columns
	total := 0
	for _, column := range board.Columns {
		for _, columnTaskId := range column.TaskIds {
			if columnTaskId == taskId {
				total += 1
			}
		}
	}
	assert.Equal(t, total, 1)
}

func TestBoardCopy(t *testing.T) {
	board := testBoard(NewId(), 2, 1)
	boardCopy := board.Copy()

	assert.Equal(t, board, boardCopy)

	boardCopy.Columns[0].TaskIds[0] = NewId()
	assert.Equal(t, board.Columns[0].TaskIds[0] == boardCopy.Columns[0].TaskIds[0], false)
}

func TestBoardReducerApply(t *testing.T) {
	board := testBoard(NewId(), 2, 0, 0)
	taskId := board.Columns[0].TaskIds[0]

	reducer := NewBoardReducer()

	changeCount := 0
	removeCallback := reducer.AddChangeCallback(func(board *BoardState) {
		changeCount += 1
	})
	defer removeCallback()

	// events for a board that is not loaded do not apply
	err := reducer.Apply(&TaskMoved{
		BoardId:  board.BoardId,
		TaskId:   taskId,
		ToColumn: "done",
		ToIndex:  0,
	})
	assert.Equal(t, errors.Is(err, ErrNotSubscribed), true)

	reducer.SetBoard(board)
	assert.Equal(t, changeCount, 1)

	err = reducer.Apply(&TaskMoved{
		BoardId:  board.BoardId,
		TaskId:   taskId,
		ToColumn: "done",
		ToIndex:  0,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, changeCount, 2)

	column, index, ok := reducer.TaskPlacement(board.BoardId, taskId)
	assert.Equal(t, ok, true)
	assert.Equal(t, column, "done")
	assert.Equal(t, index, 0)

	// a no-op move does not fire a change
	err = reducer.Apply(&TaskMoved{
		BoardId:  board.BoardId,
		TaskId:   taskId,
		ToColumn: "done",
		ToIndex:  0,
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, changeCount, 2)

	// the reducer hands out copies
	boardCopy := reducer.Board(board.BoardId)
	boardCopy.Columns[0].Name = "mutated"
	assert.Equal(t, reducer.Board(board.BoardId).Columns[0].Name, "todo")

	err = reducer.Apply(&DocumentUpdate{})
	assert.Equal(t, errors.Is(err, ErrUnknownEvent), true)
}

func TestBoardReducerSnapshotRestore(t *testing.T) {
	board := testBoard(NewId(), 2, 0)
	taskId := board.Columns[0].TaskIds[0]

	reducer := NewBoardReducer()
	reducer.SetBoard(board)

	action := &TaskMoved{
		BoardId:  board.BoardId,
		TaskId:   taskId,
		ToColumn: "doing",
		ToIndex:  0,
	}
	snapshot := reducer.Snapshot(action)
	assert.NotEqual(t, snapshot, nil)

	err := reducer.Apply(action)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(reducer.Board(board.BoardId).Columns[1].TaskIds), 1)

	// restore puts back the pre-mutation placement
	reducer.Restore(snapshot)
	restored := reducer.Board(board.BoardId)
	assert.Equal(t, len(restored.Columns[0].TaskIds), 2)
	assert.Equal(t, len(restored.Columns[1].TaskIds), 0)
	assert.Equal(t, restored.Columns[0].TaskIds[0], taskId)

	// a restore for a board that was released is discarded
	reducer.RemoveBoard(board.BoardId)
	reducer.Restore(snapshot)
	assert.Equal(t, reducer.Board(board.BoardId), nil)

	// snapshots of an unloaded board are nil, and nil restores are ignored
	assert.Equal(t, reducer.Snapshot(action), nil)
	reducer.Restore(nil)
}
