package generation

import "strings"

// Status is a server-side generation job state. Only vector (svg) documents
// have a generation phase; pdf documents are born DONE.
type Status string

const (
	StatusIdle    Status = "IDLE"
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
)

// knownStatuses is the closed set of values the service may report.
var knownStatuses = map[Status]bool{
	StatusIdle:    true,
	StatusPending: true,
	StatusRunning: true,
	StatusDone:    true,
	StatusFailed:  true,
}

// ParseStatus normalizes a raw status string to uppercase and validates it
// against the known set. Unrecognized values return ok=false and are ignored
// by the poller rather than treated as errors.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	return s, knownStatuses[s]
}

// Terminal reports whether the status ends a generation job. A terminal
// status stops the polling run immediately.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}
