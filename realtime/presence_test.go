package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestPresenceTypingTtl(t *testing.T) {
	ctx := context.Background()
	presence := NewPresenceAggregatorWithDefaults(ctx)
	defer presence.Close()

	workspaceId := NewId()
	actorId := NewId()
	path := WorkspacePath(workspaceId)

	now := time.Now()
	presence.setTyping(path, actorId, true, now)

	// present just inside the ttl
	assert.Equal(t, presence.actors(path, presenceKindTyping, now.Add(1999*time.Millisecond)), []Id{actorId})

	// a refresh extends the window
	presence.setTyping(path, actorId, true, now.Add(1*time.Second))
	assert.Equal(t, presence.actors(path, presenceKindTyping, now.Add(2500*time.Millisecond)), []Id{actorId})

	// gone just past the refreshed ttl
	assert.Equal(t, presence.actors(path, presenceKindTyping, now.Add(3001*time.Millisecond)), []Id{})
}

func TestPresenceTypingStop(t *testing.T) {
	ctx := context.Background()
	presence := NewPresenceAggregatorWithDefaults(ctx)
	defer presence.Close()

	path := WorkspacePath(NewId())
	actorId := NewId()

	changes := 0
	removeCallback := presence.AddChangeCallback(func(changedPath ResourcePath) {
		assert.Equal(t, changedPath, path)
		changes += 1
	})
	defer removeCallback()

	now := time.Now()
	presence.setTyping(path, actorId, true, now)
	assert.Equal(t, changes, 1)

	// an explicit stop clears immediately, no ttl wait
	presence.setTyping(path, actorId, false, now.Add(100*time.Millisecond))
	assert.Equal(t, changes, 2)
	assert.Equal(t, presence.actors(path, presenceKindTyping, now.Add(200*time.Millisecond)), []Id{})

	// stopping when not typing is a no-op
	presence.setTyping(path, actorId, false, now.Add(300*time.Millisecond))
	assert.Equal(t, changes, 2)
}

func TestPresenceActivity(t *testing.T) {
	ctx := context.Background()
	presence := NewPresenceAggregatorWithDefaults(ctx)
	defer presence.Close()

	path := BoardPath(NewId())
	actorA := NewId()
	actorB := NewId()

	now := time.Now()
	presence.observe(path, actorA, now)
	presence.observe(path, actorB, now.Add(10*time.Second))

	// actors sort by id for stable rendering
	expect := []Id{actorA, actorB}
	if actorB.LessThan(actorA) {
		expect = []Id{actorB, actorA}
	}
	assert.Equal(t, presence.actors(path, presenceKindPresent, now.Add(20*time.Second)), expect)

	// a drops off 30s after its last activity, b stays
	assert.Equal(t, presence.actors(path, presenceKindPresent, now.Add(31*time.Second)), []Id{actorB})
	assert.Equal(t, presence.actors(path, presenceKindPresent, now.Add(41*time.Second)), []Id{})

	// typing and presence expire independently on the same path
	presence.observe(path, actorA, now.Add(60*time.Second))
	presence.setTyping(path, actorA, true, now.Add(60*time.Second))
	assert.Equal(t, presence.actors(path, presenceKindTyping, now.Add(63*time.Second)), []Id{})
	assert.Equal(t, presence.actors(path, presenceKindPresent, now.Add(63*time.Second)), []Id{actorA})
}

func TestPresenceClear(t *testing.T) {
	ctx := context.Background()
	presence := NewPresenceAggregatorWithDefaults(ctx)
	defer presence.Close()

	pathA := WorkspacePath(NewId())
	pathB := WorkspacePath(NewId())
	actorId := NewId()

	now := time.Now()
	presence.observe(pathA, actorId, now)
	presence.setTyping(pathA, actorId, true, now)
	presence.observe(pathB, actorId, now)

	presence.Clear(pathA)
	assert.Equal(t, presence.actors(pathA, presenceKindPresent, now), []Id{})
	assert.Equal(t, presence.actors(pathA, presenceKindTyping, now), []Id{})

	// other paths are untouched
	assert.Equal(t, presence.actors(pathB, presenceKindPresent, now), []Id{actorId})
}
