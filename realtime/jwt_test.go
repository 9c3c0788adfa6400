package realtime

import (
	"testing"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"
)

func TestParseSpaceAuthUnverified(t *testing.T) {
	actorId := NewId()
	workspaceId := NewId()

	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"actor_id":     actorId.String(),
		"actor_name":   "ada",
		"workspace_id": workspaceId.String(),
	})
	byJwt, err := token.SignedString([]byte("test secret"))
	assert.Equal(t, err, nil)

	// the client never verifies the signature, the server does
	spaceAuth, err := ParseSpaceAuthUnverified(byJwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, spaceAuth.ActorId, actorId)
	assert.Equal(t, spaceAuth.ActorName, "ada")
	assert.Equal(t, spaceAuth.WorkspaceId, workspaceId)

	// missing claims come back zero, not as an error
	token = gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"actor_name": "grace",
	})
	byJwt, err = token.SignedString([]byte("test secret"))
	assert.Equal(t, err, nil)

	spaceAuth, err = ParseSpaceAuthUnverified(byJwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, spaceAuth.ActorId.IsZero(), true)
	assert.Equal(t, spaceAuth.ActorName, "grace")
	assert.Equal(t, spaceAuth.WorkspaceId.IsZero(), true)

	// wrong-typed claims come back zero too, not as a panic
	token = gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"actor_id":     42,
		"actor_name":   true,
		"workspace_id": []string{"atelier"},
	})
	byJwt, err = token.SignedString([]byte("test secret"))
	assert.Equal(t, err, nil)

	spaceAuth, err = ParseSpaceAuthUnverified(byJwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, spaceAuth.ActorId.IsZero(), true)
	assert.Equal(t, spaceAuth.ActorName, "")
	assert.Equal(t, spaceAuth.WorkspaceId.IsZero(), true)

	_, err = ParseSpaceAuthUnverified("not a jwt")
	assert.NotEqual(t, err, nil)
}
