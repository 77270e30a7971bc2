// Package types defines the core data structures shared across the
// hindsight pipeline: captured frames, extracted text blocks, application
// usage windows, and generated summaries.
package types

import "time"

// ExtractionStatus tracks the OCR lifecycle of a frame.
type ExtractionStatus string

const (
	// ExtractionPending means the frame has been captured but not yet
	// processed by the extraction queue.
	ExtractionPending ExtractionStatus = "pending"

	// ExtractionCompleted means text extraction finished and any text
	// blocks have been persisted.
	ExtractionCompleted ExtractionStatus = "completed"

	// ExtractionFailed means extraction exhausted its retries. The frame
	// row is retained; it simply has no text blocks.
	ExtractionFailed ExtractionStatus = "failed"
)

// Frame is one capture event: a screenshot file plus its metadata record.
// Frames are immutable once written, except for cascading deletion by the
// retention job and the extraction status transitions.
type Frame struct {
	ID               string           `json:"frame_id"`
	Timestamp        time.Time        `json:"timestamp"`
	WindowTitle      string           `json:"window_title"`
	AppBundleID      string           `json:"app_bundle_id"`
	AppName          string           `json:"app_name"`
	FilePath         string           `json:"file_path"` // relative to the frames dir
	FileSizeBytes    int64            `json:"file_size_bytes"`
	ScreenResolution string           `json:"screen_resolution"`
	ExtractionStatus ExtractionStatus `json:"extraction_status"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Window aggregates application usage. One row per (bundle id, app name)
// pair; LastSeen only ever moves forward.
type Window struct {
	AppBundleID string    `json:"app_bundle_id"`
	AppName     string    `json:"app_name"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// AppUsage is a Window joined with its frame count, for usage statistics.
type AppUsage struct {
	Window
	FrameCount int `json:"frame_count"`
}

// SummaryType tags the time granularity of a generated summary.
type SummaryType string

const (
	SummaryHourly  SummaryType = "hourly"
	SummaryDaily   SummaryType = "daily"
	SummarySession SummaryType = "session"
)

// Summary is a generated natural-language digest of activity over a time
// range. Created by the summarizer job; read-only to the retrieval engine.
type Summary struct {
	ID         string      `json:"summary_id"`
	Start      time.Time   `json:"start_timestamp"`
	End        time.Time   `json:"end_timestamp"`
	Type       SummaryType `json:"summary_type"`
	Text       string      `json:"summary_text"`
	FrameCount int         `json:"frame_count"`
	AppNames   []string    `json:"app_names"`
	CreatedAt  time.Time   `json:"created_at"`
}

// VideoSegment records a run of frames re-encoded into a single compressed
// video file by the retention job.
type VideoSegment struct {
	ID            string    `json:"segment_id"`
	Start         time.Time `json:"start_time"`
	VideoPath     string    `json:"video_path"`
	FrameCount    int       `json:"frame_count"`
	DurationSecs  float64   `json:"duration_seconds"`
	FileSizeBytes int64     `json:"file_size_bytes"`
	CreatedAt     time.Time `json:"created_at"`
}
