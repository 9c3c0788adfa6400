package realtime

import (
	"encoding/json"
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestIdOrder(t *testing.T) {
	// ulids are ordered by create time
	// ids minted by the same client can be ordered relative to each other

	a := NewId()
	for i := 0; i < 16*1024; i += 1 {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		assert.Equal(t, b.LessThan(b), false)
		assert.Equal(t, b == a, false)
		assert.Equal(t, b == b, true)
		a = b
	}
}

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a,omitempty"`
		B *Id `json:"b,omitempty"`
	}

	test1 := &Test{}
	test1.A = NewId()
	b_ := NewId()
	test1.B = &b_

	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)

	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, test1.B, test2.B)

	test3 := &Test{}
	test3.A = NewId()

	test3Json, err := json.Marshal(test3)
	assert.Equal(t, err, nil)

	test4 := &Test{}
	err = json.Unmarshal(test3Json, test4)
	assert.Equal(t, err, nil)

	assert.Equal(t, test3.A, test4.A)
	assert.Equal(t, test3.B, nil)
	assert.Equal(t, test3.B, test4.B)
}

func TestIdParse(t *testing.T) {
	a := NewId()

	b, err := ParseId(a.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, a, b)

	c := RequireParseId(a.String())
	assert.Equal(t, a, c)

	_, err = ParseId("not an id")
	assert.NotEqual(t, err, nil)

	assert.Equal(t, Id{}.IsZero(), true)
	assert.Equal(t, a.IsZero(), false)
}

func TestResourcePath(t *testing.T) {
	workspaceId := NewId()
	boardId := NewId()
	documentId := NewId()

	var path ResourcePath

	assert.Equal(t, path.IsZero(), true)

	path = WorkspacePath(workspaceId)
	assert.Equal(t, path.IsZero(), false)
	assert.Equal(t, path.Kind, ResourceKindWorkspace)
	assert.Equal(t, path.ResourceId, workspaceId)

	path = BoardPath(boardId)
	assert.Equal(t, path.Kind, ResourceKindBoard)
	assert.Equal(t, path.ResourceId, boardId)

	path = DocumentPath(documentId)
	assert.Equal(t, path.Kind, ResourceKindDocument)
	assert.Equal(t, path.ResourceId, documentId)

	// paths are comparable and usable as map keys
	assert.Equal(t, BoardPath(boardId) == BoardPath(boardId), true)
	assert.Equal(t, BoardPath(boardId) == DocumentPath(boardId), false)
}

func TestConnectionStateTerminal(t *testing.T) {
	assert.Equal(t, ConnectionStateDisconnected.Terminal(), false)
	assert.Equal(t, ConnectionStateConnecting.Terminal(), false)
	assert.Equal(t, ConnectionStateConnected.Terminal(), false)
	assert.Equal(t, ConnectionStateReconnecting.Terminal(), false)
	assert.Equal(t, ConnectionStateFailed.Terminal(), true)
}
