package authorization

import (
	"context"
	"errors"
)

const ObjectCredits = "credits"

const (
	ActionCreditsView   = "credits.view"
	ActionCreditsSpend  = "credits.spend"
	ActionCreditsGrant  = "credits.grant"
	ActionCreditsRevoke = "credits.revoke"
)

var (
	ErrForbidden     = errors.New("authorization: forbidden")
	ErrInvalidActor  = errors.New("authorization: invalid actor")
	ErrInvalidObject = errors.New("authorization: invalid object")
	ErrInvalidAction = errors.New("authorization: invalid action")
)

// Service answers whether an actor may perform an action on an object.
type Service interface {
	// Authorize returns nil when the actor's role grants the capability
	// and ErrForbidden when it does not.
	Authorize(ctx context.Context, actorID string, role string, object string, action string) error
}
