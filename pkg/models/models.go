package models

import "time"

// MediaKind distinguishes image and video references
type MediaKind string

const (
	KindImage MediaKind = "image"
	KindVideo MediaKind = "video"
)

// MediaReference is a single candidate media asset found in a response
// document. CanonicalKey is filled in by the deduplication index; until
// then only RawURL is meaningful.
type MediaReference struct {
	RawURL       string    `json:"raw_url"`
	CanonicalKey string    `json:"canonical_key,omitempty"`
	Kind         MediaKind `json:"kind"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	Bandwidth    int       `json:"bandwidth,omitempty"`
	SourcePostID string    `json:"source_post_id,omitempty"`
}

// TaskState tracks a download task through its lifecycle
type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskInProgress TaskState = "in_progress"
	TaskDone       TaskState = "done"
	TaskFailed     TaskState = "failed"
)

// DownloadTask is one manifest entry scheduled for download.
// DestinationPath is a pure function of the task's manifest ordinal and
// URL extension so re-runs produce identical filenames.
type DownloadTask struct {
	Reference       MediaReference
	DestinationPath string
	State           TaskState
	Attempts        int
	LastError       string
	Skipped         bool
	Duration        time.Duration
	Size            int64
}

// FailedItem records a task that exhausted its retries
type FailedItem struct {
	URL          string `json:"url"`
	CanonicalKey string `json:"canonical_key"`
	LastError    string `json:"last_error"`
}

// DownloadSummary is the terminal accounting of a scheduler run
type DownloadSummary struct {
	Succeeded   int
	Failed      int
	Skipped     int
	FailedItems []FailedItem
}

// Total returns the number of tasks the summary accounts for
func (s DownloadSummary) Total() int {
	return s.Succeeded + s.Failed + s.Skipped
}

// RunReport is the user-visible accounting of a full pipeline run
type RunReport struct {
	Subject             string
	PagesFetched        int
	PostsSeen           int
	ReferencesExtracted int
	DuplicatesElided    int
	Downloads           DownloadSummary
	StartedAt           time.Time
	FinishedAt          time.Time
}
