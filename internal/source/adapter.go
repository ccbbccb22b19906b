package source

import (
	"context"
	"time"

	"chainwatch/pkg/models"
)

// Adapter is the per-source capability the generic listener is parameterized
// with. One implementation exists per source family; the listener never
// depends on chain-specific shapes.
type Adapter interface {
	Name() string
	Kind() models.SourceKind

	// Ping issues a lightweight liveness call, used by the health registry.
	Ping(ctx context.Context, endpoint string, timeout time.Duration) error

	// HeadPosition returns the source's current highest position.
	HeadPosition(ctx context.Context, endpoint string, timeout time.Duration) (uint64, error)

	// FetchWindow returns the raw events observed for a subscription within
	// the inclusive position range [from, to].
	FetchWindow(ctx context.Context, endpoint, subscription string, from, to uint64, timeout time.Duration) ([]models.RawEvent, error)
}
