package models

import "time"

// EndpointStatus is the probed health of a configured endpoint.
type EndpointStatus string

const (
	EndpointHealthy   EndpointStatus = "healthy"
	EndpointUnhealthy EndpointStatus = "unhealthy"
)

// EndpointHealth is a point-in-time snapshot of one endpoint's health record,
// exposed for the monitoring layer to poll.
type EndpointHealth struct {
	Source            string         `json:"source"`
	URL               string         `json:"url"`
	Priority          int            `json:"priority"`
	Weight            int            `json:"weight"`
	Status            EndpointStatus `json:"status"`
	LatencyMillis     int64          `json:"latency_ms"`
	ConsecutiveErrors int            `json:"consecutive_errors"`
	LastProbe         time.Time      `json:"last_probe,omitempty"`
}
