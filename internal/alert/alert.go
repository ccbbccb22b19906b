package alert

import (
	"context"

	"chainwatch/pkg/models"
)

// Sink delivers alerts to the external alerting collaborator. Delivery
// failure never blocks persistence; the result sink retries independently.
type Sink interface {
	Notify(ctx context.Context, alert *models.Alert) error
	Close() error
}
