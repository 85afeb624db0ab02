package vmm

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

var (
	ErrStagePanicked      = errors.New("vmm: stage panicked")
	ErrDuplicateStage     = errors.New("vmm: duplicate stage")
	ErrUnknownRequirement = errors.New("vmm: stage requires a stage that does not run before it")
	ErrAlreadyRun         = errors.New("vmm: sequence already ran on this machine")
)

// Stage is one bring-up step. Requires names stages that must have
// completed first.
type Stage struct {
	Name     string
	Requires []string
	Run      func(ctx context.Context, m *Machine) error
}

// StageError reports the stage that stopped the sequence.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// Sequencer runs stages in their declared order.
type Sequencer struct {
	stages []Stage
}

// NewSequencer checks that stage names are unique and that every
// requirement refers to an earlier stage.
func NewSequencer(stages ...Stage) (*Sequencer, error) {
	seen := make(map[string]bool, len(stages))
	for i, st := range stages {
		if st.Name == "" {
			return nil, fmt.Errorf("vmm: stage %d has no name", i)
		}
		if st.Run == nil {
			return nil, fmt.Errorf("vmm: stage %s has no Run", st.Name)
		}
		if seen[st.Name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStage, st.Name)
		}
		for _, req := range st.Requires {
			if !seen[req] {
				return nil, fmt.Errorf("%w: %s requires %s", ErrUnknownRequirement, st.Name, req)
			}
		}
		seen[st.Name] = true
	}
	return &Sequencer{stages: append([]Stage(nil), stages...)}, nil
}

// Names lists the stages in run order.
func (s *Sequencer) Names() []string {
	names := make([]string, len(s.stages))
	for i, st := range s.stages {
		names[i] = st.Name
	}
	return names
}

// Run runs every stage once, in order, stopping at the first failure. The
// failure is logged through the machine's current logger, which is the
// console fan-out once the console stage has run.
func (s *Sequencer) Run(ctx context.Context, m *Machine) error {
	m.mu.Lock()
	if m.cancel != nil || len(m.done) > 0 {
		m.mu.Unlock()
		return ErrAlreadyRun
	}
	ctx, cancel := context.WithCancelCause(ctx)
	m.cancel = cancel
	m.mu.Unlock()
	defer cancel(nil)

	for _, st := range s.stages {
		if err := context.Cause(ctx); err != nil {
			return s.fail(m, st.Name, err)
		}
		for _, req := range st.Requires {
			if !m.completed(req) {
				return s.fail(m, st.Name, fmt.Errorf("%w: %s", ErrUnknownRequirement, req))
			}
		}

		start := time.Now()
		m.logger().Debug("stage starting", "stage", st.Name)
		if err := runStage(ctx, m, st); err != nil {
			return s.fail(m, st.Name, err)
		}
		m.markDone(st.Name)
		m.logger().Info("stage done", "stage", st.Name, "took", time.Since(start))
	}
	return nil
}

// runStage turns a panic in st into an error so it is reported like any
// other stage failure.
func runStage(ctx context.Context, m *Machine, st Stage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger().Debug("stage panic", "stage", st.Name, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrStagePanicked, r)
		}
	}()
	return st.Run(ctx, m)
}

func (s *Sequencer) fail(m *Machine, stage string, err error) error {
	m.logger().Error("bring-up failed", "stage", stage, "error", err)
	return &StageError{Stage: stage, Err: err}
}
