package scan

import (
	"net/http"
	"time"
)

// ID identifies a scan. It is minted once at creation and never changes.
type ID string

// Status represents the lifecycle state of a scan.
type Status string

// Scan status values persisted in the store.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Severity ranks how much a finding matters.
type Severity string

// Severity levels attached to findings.
const (
	SeverityInfo   Severity = "info"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Kind classifies a finding.
type Kind string

// Finding kinds produced by the analysis engine and the dispatcher.
const (
	KindMissingHeader     Kind = "missing_header"
	KindHTMLForm          Kind = "html_form"
	KindTechnology        Kind = "technology"
	KindHTTPStatus        Kind = "http_status"
	KindInsecureTransport Kind = "insecure_transport"
	KindFetchFailure      Kind = "fetch_failure"
	KindInternalError     Kind = "internal_error"
)

// Finding is a single observation about a target. Title carries the
// canonical finding text.
type Finding struct {
	Kind        Kind     `json:"type"`
	Severity    Severity `json:"severity"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Location    string   `json:"location"`
}

// Record is the lifecycle record kept for every submitted scan.
type Record struct {
	ID         ID         `json:"id"`
	TargetURL  string     `json:"target_url"`
	Status     Status     `json:"status"`
	Findings   []Finding  `json:"findings"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a copy that shares no mutable state with r.
func (r Record) Clone() Record {
	cp := r
	cp.Findings = CloneFindings(r.Findings)
	if r.FinishedAt != nil {
		ts := *r.FinishedAt
		cp.FinishedAt = &ts
	}
	return cp
}

// Job is the unit handed from the admission queue to the dispatcher.
type Job struct {
	ID        ID
	TargetURL string
}

// FetchResponse is what a Fetcher returns for a single GET.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       string
	Duration   time.Duration
}

// Result is the outcome of a successful scan.
type Result struct {
	EffectiveURL string
	HTTPStatus   int
	Headers      http.Header
	Findings     []Finding
}

// CloneFindings copies a findings slice. A nil input yields an empty slice so
// records always serialize findings as a JSON array.
func CloneFindings(in []Finding) []Finding {
	out := make([]Finding, len(in))
	copy(out, in)
	return out
}
