package realtime

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// ids for actors, resources, messages and mutations
// ulids are ordered by create time, so ids minted by the same client
// have a stable relative order

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) IsZero() bool {
	return self == Id{}
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// a shared, subscribable entity with its own event stream
type ResourceKind string

const (
	ResourceKindWorkspace ResourceKind = "workspace"
	ResourceKindBoard     ResourceKind = "board"
	ResourceKindDocument  ResourceKind = "document"
)

// comparable
type ResourcePath struct {
	Kind       ResourceKind
	ResourceId Id
}

func WorkspacePath(workspaceId Id) ResourcePath {
	return ResourcePath{
		Kind:       ResourceKindWorkspace,
		ResourceId: workspaceId,
	}
}

func BoardPath(boardId Id) ResourcePath {
	return ResourcePath{
		Kind:       ResourceKindBoard,
		ResourceId: boardId,
	}
}

func DocumentPath(documentId Id) ResourcePath {
	return ResourcePath{
		Kind:       ResourceKindDocument,
		ResourceId: documentId,
	}
}

func (self ResourcePath) IsZero() bool {
	return self == ResourcePath{}
}

func (self ResourcePath) String() string {
	return fmt.Sprintf("%s(%s)", self.Kind, self.ResourceId)
}

// the state shape a mutation or event applies to
type Domain string

const (
	DomainBoard    Domain = "board"
	DomainDocument Domain = "document"
	DomainChat     Domain = "chat"
)

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
	ConnectionStateFailed       ConnectionState = "failed"
)

func (self ConnectionState) Terminal() bool {
	return self == ConnectionStateFailed
}
