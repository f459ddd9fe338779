// Package store provides transcript persistence.
package store

import (
	"context"
	"time"

	"github.com/confidant-bot/confidant/internal/domain"
)

// Repository persists completed turns for audit. Sessions are never restored
// from it.
type Repository interface {
	domain.TurnRecorder

	// RecentTurns returns up to limit of the latest turns for a key, oldest first.
	RecentTurns(ctx context.Context, key domain.SessionKey, limit int) ([]domain.Turn, error)

	// DeleteOlderThan removes turns created before cutoff.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
