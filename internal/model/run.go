package model

import "time"

// RunStatus is the outcome of a pipeline run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusPartial  RunStatus = "partial"
	RunStatusEmpty    RunStatus = "empty"
	RunStatusFailed   RunStatus = "failed"
)

// RunSummary is the report object returned by every pipeline run.
type RunSummary struct {
	ID             string    `json:"id"`
	Source         SourceTag `json:"source"`
	Status         RunStatus `json:"status"`
	RecordCount    int       `json:"recordCount"`
	AnnotatedCount int       `json:"annotatedCount"`
	DegradedCount  int       `json:"degradedCount"`
	PersistedCount int       `json:"persistedCount"`
	FailedCount    int       `json:"failedCount"`
	DurationMs     int64     `json:"durationMs"`
	Cancelled      bool      `json:"cancelled,omitempty"`
	Personalized   *bool     `json:"personalized,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
}

// Finalize derives Status from the counters and stamps the duration.
func (s *RunSummary) Finalize(now time.Time) {
	s.DurationMs = now.Sub(s.StartedAt).Milliseconds()
	switch {
	case s.Status == RunStatusFailed:
	case s.RecordCount == 0:
		s.Status = RunStatusEmpty
	case s.Cancelled || s.FailedCount > 0 || s.PersistedCount < s.RecordCount:
		s.Status = RunStatusPartial
	default:
		s.Status = RunStatusComplete
	}
}
