package channels

import (
	"context"
)

// Channel is a messaging integration that surfaces escalations to the user
// and accepts goal commands back.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// Start begins listening. It blocks until the context is canceled or a
	// fatal error occurs.
	Start(ctx context.Context) error
}
