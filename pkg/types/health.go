package types

import "time"

// HealthState is the coarse condition of the pipeline, reported through the
// status/health interface. Degraded capability is preferred over stopping:
// a paused or degraded service keeps every other component running.
type HealthState string

const (
	// HealthHealthy: all tasks running, no sustained failures.
	HealthHealthy HealthState = "healthy"

	// HealthPausedQuota: capture is paused because disk usage exceeded the
	// ceiling or free space dropped below the floor.
	HealthPausedQuota HealthState = "paused_quota"

	// HealthDegraded: capture continues but extraction or embedding is
	// failing repeatedly.
	HealthDegraded HealthState = "degraded"

	// HealthStopped: the supervisor is not running.
	HealthStopped HealthState = "stopped"
)

// Health is the full health report for the service.
type Health struct {
	State              HealthState `json:"state"`
	Detail             string      `json:"detail,omitempty"`
	CaptureFailures    int         `json:"capture_failures"`
	ExtractionFailures int         `json:"extraction_failures"`
	QueueDepth         int         `json:"queue_depth"`
	DiskUsageBytes     int64       `json:"disk_usage_bytes"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// Status is a point-in-time snapshot of pipeline counters.
type Status struct {
	Running         bool      `json:"running"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	FramesCaptured  int64     `json:"frames_captured"`
	FramesSkipped   int64     `json:"frames_skipped"`
	FramesExtracted int64     `json:"frames_extracted"`
	FramesFailed    int64     `json:"frames_failed"`
	BlocksIndexed   int64     `json:"blocks_indexed"`
	QueueDepth      int       `json:"queue_depth"`
	FrameCount      int64     `json:"frame_count"`
	TextBlockCount  int64     `json:"text_block_count"`
	DiskUsageBytes  int64     `json:"disk_usage_bytes"`
}
