package idempotency

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Key scopes deduplication to one caller and one endpoint.
type Key struct {
	UserID string
	Method string
	Route  string
	Value  string
}

type Record struct {
	ID             string
	Key            string
	UserID         string
	Method         string
	Route          string
	Fingerprint    string
	Status         Status
	ResponseStatus int
	ResponseBody   []byte
	CreatedAt      time.Time
}

type ResolutionKind int

const (
	// ResolutionNew: no record existed, this request owns the key.
	ResolutionNew ResolutionKind = iota
	// ResolutionPending: a concurrent duplicate is in flight; the caller may
	// still proceed and persist. Benign races are tolerated, not rejected.
	ResolutionPending
	// ResolutionReplay: a completed record exists, the stored response is
	// returned verbatim and the handler must not run again.
	ResolutionReplay
)

type Resolution struct {
	Kind           ResolutionKind
	RecordID       string
	ResponseStatus int
	ResponseBody   []byte
}
