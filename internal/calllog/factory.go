package calllog

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed archive when configured, otherwise
// in-memory. The gateway stays stateless either way; the archive is a
// debugging aid, not durable session state.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
