package scheduler

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ProgressState is the lifecycle of a tracked batch.
type ProgressState string

const (
	ProgressPending    ProgressState = "PENDING"
	ProgressInProgress ProgressState = "IN_PROGRESS"
	ProgressCompleted  ProgressState = "COMPLETED"
	ProgressFailed     ProgressState = "FAILED"
	ProgressCancelled  ProgressState = "CANCELLED"
)

// ProgressSnapshot is the immutable view handed to observers.
type ProgressSnapshot struct {
	Name      string
	State     ProgressState
	Total     int
	Completed int
	Failed    int
	LastError string
	StartedAt time.Time
	UpdatedAt time.Time
}

// Remaining is the count of items not yet attempted.
func (s ProgressSnapshot) Remaining() int {
	r := s.Total - s.Completed - s.Failed
	if r < 0 {
		return 0
	}
	return r
}

// Percent is attempted items over total, 0..100.
func (s ProgressSnapshot) Percent() float64 {
	if s.Total <= 0 {
		return 0
	}
	return float64(s.Completed+s.Failed) / float64(s.Total) * 100
}

// SuccessRate is successes over attempted items, 0..100.
func (s ProgressSnapshot) SuccessRate() float64 {
	attempted := s.Completed + s.Failed
	if attempted == 0 {
		return 0
	}
	return float64(s.Completed) / float64(attempted) * 100
}

// ElapsedSeconds is the wall time since Start.
func (s ProgressSnapshot) ElapsedSeconds() float64 {
	if s.StartedAt.IsZero() {
		return 0
	}
	return s.UpdatedAt.Sub(s.StartedAt).Seconds()
}

// ProgressObserver receives a snapshot on every state change.
type ProgressObserver func(ProgressSnapshot)

// Progress tracks a batch run and notifies observers on every
// mutation. Observer panics are swallowed so a broken listener cannot
// corrupt tracking.
type Progress struct {
	mu        sync.Mutex
	snapshot  ProgressSnapshot
	observers []ProgressObserver

	logger *logrus.Entry
	now    func() time.Time
}

// NewProgress returns a tracker in the PENDING state.
func NewProgress(name string, logger *logrus.Entry) *Progress {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Progress{
		snapshot: ProgressSnapshot{Name: name, State: ProgressPending},
		logger:   logger.WithField("component", "progress").WithField("batch", name),
		now:      time.Now,
	}
}

// Observe registers an observer for subsequent state changes.
func (p *Progress) Observe(obs ProgressObserver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, obs)
}

// SetTotal sets the number of items the batch will attempt.
func (p *Progress) SetTotal(total int) {
	p.mutate(func(s *ProgressSnapshot) { s.Total = total })
}

// Start marks the batch in progress.
func (p *Progress) Start() {
	p.mutate(func(s *ProgressSnapshot) {
		s.State = ProgressInProgress
		s.StartedAt = p.now()
	})
}

// Increment records one successful item.
func (p *Progress) Increment() {
	p.mutate(func(s *ProgressSnapshot) { s.Completed++ })
}

// IncrementFailed records one failed item.
func (p *Progress) IncrementFailed(err error) {
	p.mutate(func(s *ProgressSnapshot) {
		s.Failed++
		if err != nil {
			s.LastError = err.Error()
		}
	})
}

// Complete marks the batch finished.
func (p *Progress) Complete() {
	p.mutate(func(s *ProgressSnapshot) { s.State = ProgressCompleted })
}

// Fail marks the batch failed.
func (p *Progress) Fail(err error) {
	p.mutate(func(s *ProgressSnapshot) {
		s.State = ProgressFailed
		if err != nil {
			s.LastError = err.Error()
		}
	})
}

// Cancel marks the batch cancelled.
func (p *Progress) Cancel() {
	p.mutate(func(s *ProgressSnapshot) { s.State = ProgressCancelled })
}

// Reset returns the tracker to PENDING with zeroed counters.
func (p *Progress) Reset() {
	p.mutate(func(s *ProgressSnapshot) {
		*s = ProgressSnapshot{Name: s.Name, State: ProgressPending}
	})
}

// Snapshot returns the current state.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot
}

func (p *Progress) mutate(apply func(*ProgressSnapshot)) {
	p.mu.Lock()
	apply(&p.snapshot)
	p.snapshot.UpdatedAt = p.now()
	snapshot := p.snapshot
	observers := make([]ProgressObserver, len(p.observers))
	copy(observers, p.observers)
	p.mu.Unlock()

	for _, obs := range observers {
		p.notify(obs, snapshot)
	}
}

func (p *Progress) notify(obs ProgressObserver, snapshot ProgressSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithField("panic", r).Error("Progress observer panicked")
		}
	}()
	obs(snapshot)
}
