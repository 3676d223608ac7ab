package batch

import "time"

// Status of a single task after a batch run.
type Status string

const (
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
	StatusPlanned Status = "planned" // dry run only
)

// TaskResult records the outcome of one task.
type TaskResult struct {
	Index    int
	Name     string
	Kind     string // "model" or "inference"
	Status   Status
	Error    string
	Duration time.Duration
}

// Report is the outcome of a whole batch run. It is the only record of
// what happened; the runner keeps no mutable state between runs.
type Report struct {
	RunID   string
	Results []TaskResult
	Aborted bool
}

func (r *Report) count(s Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == s {
			n++
		}
	}
	return n
}

func (r *Report) Succeeded() int { return r.count(StatusOK) }
func (r *Report) Failed() int    { return r.count(StatusFailed) }
func (r *Report) Skipped() int   { return r.count(StatusSkipped) }
func (r *Report) Planned() int   { return r.count(StatusPlanned) }
