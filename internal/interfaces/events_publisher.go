package interfaces

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sheikh-saqib/milestone-escrow/internal/models/events"
)

// EventPublisher announces committed domain events to other services.
type EventPublisher interface {
	Publish(ctx context.Context, event events.Event) error
}

// Clock is the engine's source of the current time.
type Clock interface {
	Now() time.Time
}

// NonceGuard rejects a signed payload whose nonce was seen before.
type NonceGuard interface {
	// Claim records the nonce and reports whether it was unused.
	Claim(ctx context.Context, contributorID uuid.UUID, nonce string) (bool, error)
}
