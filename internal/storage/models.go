package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SearchRecord is one executed search request.
type SearchRecord struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	QueryText  string    `json:"queryText"`
	PersonaID  string    `json:"personaId,omitempty"`
	Mode       string    `json:"mode"`
	Categories []string  `json:"categories"`
	Brands     []string  `json:"brands"`
	TotalCount int64     `json:"totalCount"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"durationMs"`
}

// ActionRecord is a persisted user action. Kind holds the numeric action
// kind of the persona package.
type ActionRecord struct {
	ID              string            `json:"id"`
	UserID          string            `json:"userId"`
	PersonaID       string            `json:"personaId,omitempty"`
	Kind            int               `json:"kind"`
	ProductID       string            `json:"productId,omitempty"`
	ProductName     string            `json:"productName,omitempty"`
	ProductCategory string            `json:"productCategory,omitempty"`
	ProductBrand    string            `json:"productBrand,omitempty"`
	SearchQuery     string            `json:"searchQuery,omitempty"`
	ResultCount     int               `json:"resultCount,omitempty"`
	Context         map[string]string `json:"context,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is a unit of background work. PayloadJSON is opaque to the store.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      JobStatus
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// JobCounts summarizes the job queue by status.
type JobCounts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}
