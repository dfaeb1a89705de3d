package pipeline

import "time"

// Outcome is the per-candidate result of one cycle.
type Outcome string

const (
	OutcomeDelivered        Outcome = "delivered"
	OutcomeAlreadyDelivered Outcome = "already_delivered"
	OutcomeNotFound         Outcome = "not_found"
	OutcomeFailed           Outcome = "failed"
)

type Result struct {
	MessageID string  `json:"message_id"`
	Subject   string  `json:"subject,omitempty"`
	Outcome   Outcome `json:"outcome"`
	Error     string  `json:"error,omitempty"`
}

// Report describes one finished cycle.
type Report struct {
	CycleID    string    `json:"cycle_id"`
	Query      string    `json:"query"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Results    []Result  `json:"results,omitempty"`

	Candidates       int `json:"candidates"`
	Delivered        int `json:"delivered"`
	AlreadyDelivered int `json:"already_delivered"`
	NotFound         int `json:"not_found"`
	Failed           int `json:"failed"`

	// Err is the cycle-level failure that ended the cycle early, if any.
	Err      error  `json:"-"`
	Aborted  bool   `json:"aborted"`
	AbortMsg string `json:"abort_error,omitempty"`
}

func (r Report) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

func (r *Report) add(res Result) {
	r.Results = append(r.Results, res)
	r.Candidates++
	switch res.Outcome {
	case OutcomeDelivered:
		r.Delivered++
	case OutcomeAlreadyDelivered:
		r.AlreadyDelivered++
	case OutcomeNotFound:
		r.NotFound++
	case OutcomeFailed:
		r.Failed++
	}
}

func (r *Report) abort(err error) {
	r.Err = err
	r.Aborted = true
	r.AbortMsg = err.Error()
}

// Event payloads published on the bus.

type CycleEvent struct {
	CycleID string `json:"cycle_id"`
	Query   string `json:"query"`
}

type MessageEvent struct {
	CycleID   string `json:"cycle_id"`
	MessageID string `json:"message_id"`
	Subject   string `json:"subject,omitempty"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}
