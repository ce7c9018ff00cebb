// Package validation drives the visual validation of a built site: preview
// server, scrolling screenshots, agent review and the bounded autofix loop.
//
// The loop is a finite state machine. Every transition is recorded and
// published to subscribers so the job log can follow it live.
package validation

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is a step of the validation loop.
type State string

const (
	StateIdle           State = "idle"
	StateServerStarting State = "server_starting"
	StateCapturing      State = "capturing"
	StateAnalyzing      State = "analyzing"
	StatePassed         State = "passed"
	StateNeedsFix       State = "needs_fix"
	StateFixing         State = "fixing"
	StateRebuilding     State = "rebuilding"
	StateFinalAnalyzing State = "final_analyzing"
	StateDone           State = "done"
	StateSkipped        State = "skipped"
)

// Event triggers a transition.
type Event string

const (
	EventStart         Event = "start"
	EventServerReady   Event = "server_ready"
	EventCaptured      Event = "captured"
	EventPass          Event = "pass"
	EventIssuesFound   Event = "issues_found"
	EventFix           Event = "fix"
	EventFixed         Event = "fixed"
	EventRebuilt       Event = "rebuilt"
	EventRebuildFailed Event = "rebuild_failed"
	EventFinish        Event = "finish"
	EventFail          Event = "fail"

	// EventBudgetExhausted replaces issues_found once the fix cycles are
	// used up.
	EventBudgetExhausted Event = "fix_budget_exhausted"
)

type transition struct {
	From  State
	Event Event
	To    State
}

var validTransitions = []transition{
	{StateIdle, EventStart, StateServerStarting},
	{StateServerStarting, EventServerReady, StateCapturing},
	{StateCapturing, EventCaptured, StateAnalyzing},

	{StateAnalyzing, EventPass, StatePassed},
	{StateAnalyzing, EventIssuesFound, StateNeedsFix},
	{StatePassed, EventFinish, StateDone},

	{StateNeedsFix, EventFix, StateFixing},
	{StateFixing, EventFixed, StateRebuilding},
	{StateRebuilding, EventRebuilt, StateFinalAnalyzing},
	{StateRebuilding, EventRebuildFailed, StateDone},

	{StateFinalAnalyzing, EventFinish, StateDone},
	{StateFinalAnalyzing, EventPass, StateDone},
	{StateFinalAnalyzing, EventIssuesFound, StateNeedsFix},

	{StateServerStarting, EventFail, StateSkipped},
	{StateCapturing, EventFail, StateSkipped},
	{StateAnalyzing, EventFail, StateSkipped},
	{StateFinalAnalyzing, EventFail, StateSkipped},
}

// Transition is the record of one state change.
type Transition struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	Event      Event     `json:"event"`
	Timestamp  time.Time `json:"timestamp"`
	FixCycle   int       `json:"fix_cycle"`
	DurationMs int64     `json:"duration_ms"`
	Detail     string    `json:"detail,omitempty"`
}

// Machine is the validation state machine of one job.
type Machine struct {
	mu sync.RWMutex

	jobID        string
	state        State
	fixCycles    int
	maxFixCycles int
	lastAt       time.Time

	subscribers []chan Transition
	observers   []func(Transition)
	history     []Transition
}

// NewMachine returns a machine in the idle state. maxFixCycles below zero
// is treated as zero.
func NewMachine(jobID string, maxFixCycles int) *Machine {
	if maxFixCycles < 0 {
		maxFixCycles = 0
	}
	return &Machine{
		jobID:        jobID,
		state:        StateIdle,
		maxFixCycles: maxFixCycles,
		lastAt:       time.Now(),
		history:      make([]Transition, 0, 16),
	}
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// FixCycles returns the number of fix cycles started.
func (m *Machine) FixCycles() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fixCycles
}

func (m *Machine) IsTerminal() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateDone || m.state == StateSkipped
}

// Fire applies event. An issues_found event with no fix cycle left is
// recorded as fix_budget_exhausted and ends the loop instead. Observers run
// in the calling goroutine once the transition is recorded.
func (m *Machine) Fire(event Event, detail string) (Transition, error) {
	rec, observers, err := m.apply(event, detail)
	if err != nil {
		return rec, err
	}
	for _, fn := range observers {
		fn(rec)
	}
	return rec, nil
}

func (m *Machine) apply(event Event, detail string) (Transition, []func(Transition), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	if event == EventIssuesFound && m.fixCycles >= m.maxFixCycles {
		event = EventBudgetExhausted
	}

	var to State
	switch {
	case event == EventBudgetExhausted && from == StateAnalyzing:
		to = StatePassed
	case event == EventBudgetExhausted && from == StateFinalAnalyzing:
		to = StateDone
	default:
		found := false
		for _, t := range validTransitions {
			if t.From == from && t.Event == event {
				to, found = t.To, true
				break
			}
		}
		if !found {
			return Transition{}, nil, fmt.Errorf("invalid transition: state=%s event=%s", from, event)
		}
	}

	if event == EventFix {
		m.fixCycles++
	}

	now := time.Now()
	rec := Transition{
		ID:         uuid.New().String(),
		JobID:      m.jobID,
		From:       from,
		To:         to,
		Event:      event,
		Timestamp:  now,
		FixCycle:   m.fixCycles,
		DurationMs: now.Sub(m.lastAt).Milliseconds(),
		Detail:     detail,
	}
	m.state = to
	m.lastAt = now
	m.history = append(m.history, rec)

	for _, ch := range m.subscribers {
		select {
		case ch <- rec:
		default:
		}
	}
	return rec, m.observers, nil
}

// OnTransition registers fn to be called synchronously by Fire for every
// later transition.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Subscribe returns a channel receiving every transition. Slow subscribers
// miss records; History has them all.
func (m *Machine) Subscribe(buffer int) chan Transition {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Transition, buffer)
	m.mu.Lock()
	m.subscribers = append(m.subscribers, ch)
	m.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *Machine) Unsubscribe(ch chan Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subscribers {
		if sub == ch {
			m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}
