package wallet

import (
	"context"
	"log/slog"
)

// Write-through failures never roll back the in-memory state; the engine is
// authoritative and the store catches up on the next mutation. Failures are
// logged for the operator.
func logPersistError(kind, id string, err error) {
	slog.LogAttrs(context.Background(), slog.LevelError, "wallet write-through failed",
		slog.String("kind", kind),
		slog.String("id", id),
		slog.String("error", err.Error()),
	)
}
