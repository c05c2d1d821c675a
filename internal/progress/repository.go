package progress

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a player has no progress.
var ErrNotFound = errors.New("progress not found")

// Repository owns the live aggregates and their persistence.
//
// Get and GetOrCreate return the live *Progress; callers mutate it only from
// the player's lane and then report the mutation with MarkDirty. The reset
// markers widen what the next save of that player rewrites: MarkResetPending
// covers maps, summit, skills, achievements and challenge rewards;
// MarkTranscendenceResetPending additionally covers challenge records.
type Repository interface {
	Get(id PlayerID) (*Progress, bool)
	GetOrCreate(ctx context.Context, id PlayerID) (*Progress, error)
	MarkDirty(id PlayerID)
	MarkResetPending(id PlayerID)
	MarkTranscendenceResetPending(id PlayerID)
	// FlushPendingSave synchronously writes every dirty player.
	FlushPendingSave(ctx context.Context) error
}
