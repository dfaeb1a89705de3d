package health

import (
	"context"
	"sync"
	"time"

	"mailrelay/internal/eventbus"
	"mailrelay/internal/pipeline"
	"mailrelay/internal/runtime/supervisor"
	"mailrelay/internal/scheduler"
)

// Info is the static part of the health body. Query and PollInterval can be
// updated on config reload.
type Info struct {
	Mode         string
	Query        string
	Location     *time.Location
	PollInterval time.Duration
}

// CycleSummary is the last finished cycle as reported by /health.
type CycleSummary struct {
	CycleID    string    `json:"cycle_id"`
	FinishedAt time.Time `json:"finished_at"`
	TookMillis int64     `json:"took_ms"`
	Candidates int       `json:"candidates"`
	Delivered  int       `json:"delivered"`
	Failed     int       `json:"failed"`
	Aborted    bool      `json:"aborted"`
	Error      string    `json:"error,omitempty"`
}

// Snapshot holds what the handler reports. It is fed from the event bus and
// never touches the poll loop directly.
type Snapshot struct {
	mu        sync.RWMutex
	info      Info
	state     string
	lastCycle *CycleSummary
	delivered uint64
	failed    uint64
	tasks     func() []supervisor.TaskStats
}

func NewSnapshot(info Info) *Snapshot {
	if info.Location == nil {
		info.Location = time.UTC
	}
	return &Snapshot{info: info, state: string(scheduler.StateStarting)}
}

func (s *Snapshot) SetQuery(q string) {
	s.mu.Lock()
	s.info.Query = q
	s.mu.Unlock()
}

func (s *Snapshot) SetPollInterval(d time.Duration) {
	s.mu.Lock()
	s.info.PollInterval = d
	s.mu.Unlock()
}

// SetTasks installs the source of the tasks list reported in the body.
func (s *Snapshot) SetTasks(fn func() []supervisor.TaskStats) {
	s.mu.Lock()
	s.tasks = fn
	s.mu.Unlock()
}

// Apply folds one bus event into the snapshot.
func (s *Snapshot) Apply(ev eventbus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Type {
	case eventbus.SchedulerState:
		if st, ok := ev.Data.(scheduler.StateEvent); ok {
			s.state = string(st.State)
		}
	case eventbus.CycleFinished:
		if rep, ok := ev.Data.(pipeline.Report); ok {
			s.lastCycle = &CycleSummary{
				CycleID:    rep.CycleID,
				FinishedAt: rep.FinishedAt,
				TookMillis: rep.Duration().Milliseconds(),
				Candidates: rep.Candidates,
				Delivered:  rep.Delivered,
				Failed:     rep.Failed,
				Aborted:    rep.Aborted,
				Error:      rep.AbortMsg,
			}
		}
	case eventbus.MessageDelivered:
		s.delivered++
	case eventbus.MessageFailed:
		s.failed++
	}
}

// Follow subscribes to bus right away, so no event published after it
// returns is missed, and applies events in the background until ctx is done.
func (s *Snapshot) Follow(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(64)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.Apply(ev)
			}
		}
	}()
}

// Body is the JSON document served at /health.
type Body struct {
	OK                  bool          `json:"ok"`
	Status              string        `json:"status"`
	Time                string        `json:"time"`
	Timezone            string        `json:"timezone"`
	Mode                string        `json:"mode"`
	Query               string        `json:"query"`
	PollIntervalSeconds int64         `json:"poll_interval_seconds"`
	State               string        `json:"state"`
	Delivered           uint64        `json:"delivered_total"`
	Failed              uint64        `json:"failed_total"`
	LastCycle           *CycleSummary `json:"last_cycle"`

	Tasks []supervisor.TaskStats `json:"tasks,omitempty"`
}

func (s *Snapshot) Body(now time.Time) Body {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b := Body{
		OK:                  true,
		Status:              "healthy",
		Time:                now.In(s.info.Location).Format(time.RFC3339),
		Timezone:            s.info.Location.String(),
		Mode:                s.info.Mode,
		Query:               s.info.Query,
		PollIntervalSeconds: int64(s.info.PollInterval / time.Second),
		State:               s.state,
		Delivered:           s.delivered,
		Failed:              s.failed,
	}
	if s.lastCycle != nil {
		lc := *s.lastCycle
		b.LastCycle = &lc
	}
	if s.tasks != nil {
		b.Tasks = s.tasks()
	}
	return b
}
