package interfaces

import (
	"context"
	"time"

	"market-feeder/src/models"
	"market-feeder/src/timeslice"
)

// -----------------------------------------------------------------------------
// IHistoricalStore defines the contract for historical storage operations.
// -----------------------------------------------------------------------------

type IHistoricalStore interface {

	// Initialize sets up the schema or folders.
	Initialize() error

	// -----------------------------------------------------------------------------

	// SaveEvents persists events of sub; saving the same event twice is a no-op.
	SaveEvents(ctx context.Context, sub models.DataSubscription, events []models.BaseData) error

	// -----------------------------------------------------------------------------

	// LoadRange returns stored events with from <= close time < to.
	LoadRange(ctx context.Context, sub models.DataSubscription, from, to time.Time) (*timeslice.TimeSlice, error)

	// -----------------------------------------------------------------------------

	// HasData reports whether the partition holding t exists for sub.
	HasData(ctx context.Context, sub models.DataSubscription, t time.Time) (bool, error)

	// -----------------------------------------------------------------------------

	// LatestTime returns the newest stored close time for sub.
	LatestTime(ctx context.Context, sub models.DataSubscription) (time.Time, bool, error)

	// -----------------------------------------------------------------------------

	// CleanupOldData removes data older than the retention period.
	CleanupOldData(ctx context.Context, retention time.Duration) error

	// -----------------------------------------------------------------------------

	// Close the database connection
	Close() error
}
