package realtime

import (
	"fmt"
	"sync"
	"time"
)

type DocumentCursorState struct {
	ActorId    Id        `json:"actorId"`
	Position   int       `json:"position"`
	UpdateTime time.Time `json:"updateTime"`
}

// DocumentState is whole-content with a version counter. Concurrent edits
// resolve by whichever update carries the higher version, not by merging.
type DocumentState struct {
	DocumentId Id                          `json:"documentId"`
	Version    int64                       `json:"version"`
	Content    string                      `json:"content"`
	Cursors    map[Id]*DocumentCursorState `json:"cursors,omitempty"`
}

func (self *DocumentState) Copy() *DocumentState {
	cursors := make(map[Id]*DocumentCursorState, len(self.Cursors))
	for actorId, cursor := range self.Cursors {
		cursorCopy := *cursor
		cursors[actorId] = &cursorCopy
	}
	return &DocumentState{
		DocumentId: self.DocumentId,
		Version:    self.Version,
		Content:    self.Content,
		Cursors:    cursors,
	}
}

// replaceContent accepts only strictly newer versions. Anything else is the
// stale-event guard firing.
func (self *DocumentState) replaceContent(version int64, content string) error {
	if version <= self.Version {
		return fmt.Errorf("%w: version %d <= %d", ErrStaleEvent, version, self.Version)
	}
	self.Version = version
	self.Content = content
	return nil
}

func (self *DocumentState) upsertCursor(actorId Id, position int, updateTime time.Time) {
	if self.Cursors == nil {
		self.Cursors = map[Id]*DocumentCursorState{}
	}
	self.Cursors[actorId] = &DocumentCursorState{
		ActorId:    actorId,
		Position:   position,
		UpdateTime: updateTime,
	}
}

type DocumentReducer struct {
	stateLock sync.Mutex
	// document_id -> state
	documents map[Id]*DocumentState

	changeCallbacks *CallbackList[func(*DocumentState)]
}

func NewDocumentReducer() *DocumentReducer {
	return &DocumentReducer{
		documents:       map[Id]*DocumentState{},
		changeCallbacks: NewCallbackList[func(*DocumentState)](),
	}
}

func (self *DocumentReducer) SetDocument(document *DocumentState) {
	documentCopy := document.Copy()

	self.stateLock.Lock()
	self.documents[document.DocumentId] = documentCopy
	self.stateLock.Unlock()

	self.fireChange(document.Copy())
}

func (self *DocumentReducer) RemoveDocument(documentId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.documents, documentId)
}

// Document returns a copy, or nil if the document is not loaded.
func (self *DocumentReducer) Document(documentId Id) *DocumentState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	document, ok := self.documents[documentId]
	if !ok {
		return nil
	}
	return document.Copy()
}

func (self *DocumentReducer) Apply(payload any) error {
	switch v := payload.(type) {
	case *DocumentUpdate:
		return self.applyUpdate(v)
	case *DocumentCursor:
		return self.applyCursor(v)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, payload)
	}
}

func (self *DocumentReducer) applyUpdate(update *DocumentUpdate) error {
	self.stateLock.Lock()
	document, ok := self.documents[update.DocumentId]
	if !ok {
		self.stateLock.Unlock()
		return fmt.Errorf("%w: document %s", ErrNotSubscribed, update.DocumentId)
	}
	err := document.replaceContent(update.Version, update.Content)
	var documentCopy *DocumentState
	if err == nil {
		documentCopy = document.Copy()
	}
	self.stateLock.Unlock()

	if err != nil {
		return err
	}
	self.fireChange(documentCopy)
	return nil
}

func (self *DocumentReducer) applyCursor(cursor *DocumentCursor) error {
	self.stateLock.Lock()
	document, ok := self.documents[cursor.DocumentId]
	if !ok {
		self.stateLock.Unlock()
		return fmt.Errorf("%w: document %s", ErrNotSubscribed, cursor.DocumentId)
	}
	document.upsertCursor(cursor.ActorId, cursor.Position, time.Now())
	documentCopy := document.Copy()
	self.stateLock.Unlock()

	self.fireChange(documentCopy)
	return nil
}

// ExpireCursors drops cursors not refreshed since minUpdateTime and returns
// the number dropped. Remote subscription releases are not visible on the
// channel, so cursor retirement rides on this sweep.
func (self *DocumentReducer) ExpireCursors(minUpdateTime time.Time) int {
	self.stateLock.Lock()
	expiredCount := 0
	changedDocuments := []*DocumentState{}
	for _, document := range self.documents {
		changed := false
		for actorId, cursor := range document.Cursors {
			if cursor.UpdateTime.Before(minUpdateTime) {
				delete(document.Cursors, actorId)
				expiredCount += 1
				changed = true
			}
		}
		if changed {
			changedDocuments = append(changedDocuments, document.Copy())
		}
	}
	self.stateLock.Unlock()

	for _, documentCopy := range changedDocuments {
		self.fireChange(documentCopy)
	}
	return expiredCount
}

func (self *DocumentReducer) Snapshot(payload any) any {
	update, ok := payload.(*DocumentUpdate)
	if !ok {
		return nil
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	document, ok := self.documents[update.DocumentId]
	if !ok {
		return nil
	}
	return document.Copy()
}

func (self *DocumentReducer) Restore(snapshot any) {
	document, ok := snapshot.(*DocumentState)
	if !ok || document == nil {
		return
	}

	self.stateLock.Lock()
	if _, ok := self.documents[document.DocumentId]; !ok {
		// the document was released while the mutation was in flight
		self.stateLock.Unlock()
		return
	}
	self.documents[document.DocumentId] = document.Copy()
	self.stateLock.Unlock()

	self.fireChange(document.Copy())
}

// AddChangeCallback registers a listener for document state changes.
// Callbacks run inline on the applying goroutine and must not issue new
// mutations. See BoardReducer.AddChangeCallback.
func (self *DocumentReducer) AddChangeCallback(changeCallback func(*DocumentState)) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *DocumentReducer) fireChange(document *DocumentState) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		HandleError(func() {
			changeCallback(document)
		})
	}
}
