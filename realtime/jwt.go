package realtime

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

// SpaceAuth is the claim set carried by a workspace auth token.
// The client does not verify the signature. Verification happens
// server-side where the signing key lives.
type SpaceAuth struct {
	ActorId     Id
	ActorName   string
	WorkspaceId Id
}

func ParseSpaceAuthUnverified(byJwt string) (*SpaceAuth, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	spaceAuth := &SpaceAuth{}

	// missing or wrong-typed claims leave the zero value
	if actorIdStr, ok := claims["actor_id"].(string); ok {
		if actorId, err := ParseId(actorIdStr); err == nil {
			spaceAuth.ActorId = actorId
		}
	}
	if actorName, ok := claims["actor_name"].(string); ok {
		spaceAuth.ActorName = actorName
	}
	if workspaceIdStr, ok := claims["workspace_id"].(string); ok {
		if workspaceId, err := ParseId(workspaceIdStr); err == nil {
			spaceAuth.WorkspaceId = workspaceId
		}
	}

	return spaceAuth, nil
}
