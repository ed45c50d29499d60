package interfaces

import (
	"context"
	"time"

	"market-feeder/src/models"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// IPublisher receives events produced by vendors and consolidators.
// -----------------------------------------------------------------------------

type IPublisher interface {
	// Publish hands ev to the subscription's consumers without blocking.
	// It reports whether anyone was listening.
	Publish(sub models.DataSubscription, ev models.BaseData) bool
}

// -----------------------------------------------------------------------------
// IDataVendor is the boundary every market-data integration implements.
// -----------------------------------------------------------------------------

type IDataVendor interface {

	// Name returns the unique identifier of the vendor
	Name() models.Vendor

	// -----------------------------------------------------------------------------

	// NativeFeeds lists the (resolution, data type) pairs the vendor streams
	// without consolidation for a market.
	NativeFeeds(market models.MarketType) []models.FeedSpec

	// -----------------------------------------------------------------------------

	// Start runs the vendor's connections until ctx is cancelled.
	Start(ctx context.Context) error

	// -----------------------------------------------------------------------------

	// Subscribe starts publishing a native feed; Unsubscribe stops it.
	Subscribe(ctx context.Context, sub models.DataSubscription) error
	Unsubscribe(ctx context.Context, sub models.DataSubscription) error

	// -----------------------------------------------------------------------------

	SymbolsVendor(ctx context.Context, market models.MarketType) ([]models.Symbol, error)
	SymbolInfo(ctx context.Context, symbolName string) (models.SymbolInfo, error)
	TickSize(ctx context.Context, symbolName string) (decimal.Decimal, error)
	DecimalAccuracy(ctx context.Context, symbolName string) (uint32, error)
	ExchangeRate(ctx context.Context, from, to string, at time.Time, side models.TradeSide) (decimal.Decimal, error)

	// -----------------------------------------------------------------------------

	// HistoricalRange fetches events of sub with from <= time < to.
	HistoricalRange(ctx context.Context, sub models.DataSubscription, from, to time.Time) ([]models.BaseData, error)
}

// -----------------------------------------------------------------------------
// IBroker answers account-level queries.
// -----------------------------------------------------------------------------

type IBroker interface {
	Name() models.Brokerage
	Accounts(ctx context.Context) ([]string, error)
	AccountInfo(ctx context.Context, accountID string) (models.AccountInfo, error)
	CommissionInfo(ctx context.Context, symbolName string) (models.CommissionInfo, error)
	MarginRequired(ctx context.Context, symbolName string, quantity decimal.Decimal) (decimal.Decimal, error)
}
