// Package bootstrap runs the bootstrap as an explicit ordered pipeline of
// fallible steps. Each step must fully succeed before the next begins; the
// first failure aborts the remainder and is reported as a
// *model.BootstrapError carrying the step's error kind.
//
// Progress is tracked by a State whose stage only ever moves to its direct
// successor:
//
//	not-started -> dependencies-installed -> source-materialized ->
//	flags-applied -> running -> exited
//
// A failing step moves it to failed instead. Steps that complete several
// stages at once, like an image build, record each stage with
// AdvanceThrough, so the history is the same whichever backend ran.
//
// The package knows nothing about interpreters or Docker: the local and
// docker packages supply the steps, and the metrics package observes them.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/shinji-kodama/svcboot/internal/model"
)

// Step is one bootstrap operation.
type Step interface {
	// Name identifies the step in logs, metrics and errors.
	Name() string

	// Kind is the error kind reported when Run fails with an error that
	// is not already a *model.BootstrapError.
	Kind() model.ErrorKind

	// Reaches is the stage the bootstrap is in after the step succeeds.
	// Steps that do not move the state machine return the empty Stage.
	Reaches() model.Stage

	// Run performs the step. It must leave no partial state behind when it
	// fails or when ctx is cancelled.
	Run(ctx context.Context, st *State) error
}

// Observer receives per-step outcomes. The metrics package implements it.
type Observer interface {
	StepFinished(step string, d time.Duration, err error)
}

// State is threaded through the steps. Stage is only changed by Advance.
type State struct {
	stage model.Stage

	// Env is the environment of the entrypoint process, fixed by the flags
	// step and read by the start step.
	Env []string

	// ExitCode is the entrypoint's exit code once the stage is exited.
	ExitCode int

	// History records every stage entered, in order.
	History []model.Stage
}

// NewState returns a state in StageNotStarted.
func NewState() *State {
	return &State{stage: model.StageNotStarted, History: []model.Stage{model.StageNotStarted}}
}

// Stage returns the current stage.
func (s *State) Stage() model.Stage {
	return s.stage
}

// Advance moves the state machine to next, which must be the direct
// successor of the current stage or StageFailed.
func (s *State) Advance(next model.Stage) error {
	if !s.stage.CanAdvance(next) {
		return fmt.Errorf("illegal stage transition %s -> %s", s.stage, next)
	}
	s.stage = next
	s.History = append(s.History, next)
	return nil
}

// AdvanceThrough enters every stage between the current one and target, in
// order, ending in target. A step that completes several stages at once,
// such as an image build, records each of them this way. Running and
// exited are only entered by a started entrypoint, so target must lie
// ahead of the current stage and no later than flags-applied. The state is
// left unchanged when target is not reachable.
func (s *State) AdvanceThrough(target model.Stage) error {
	var path []model.Stage
	for cur := s.stage; cur != target; {
		next, ok := cur.Next()
		if !ok || next == model.StageRunning {
			return fmt.Errorf("stage %s is not reachable from %s", target, s.stage)
		}
		path = append(path, next)
		cur = next
	}
	for _, next := range path {
		if err := s.Advance(next); err != nil {
			return err
		}
	}
	return nil
}

// Pipeline is an ordered list of steps.
type Pipeline struct {
	Steps    []Step
	Logger   zerolog.Logger
	Observer Observer
}

// Run executes the steps in order and returns the final state. On failure
// the state is in StageFailed and the error is a *model.BootstrapError.
func (p *Pipeline) Run(ctx context.Context, st *State) (*State, error) {
	if st == nil {
		st = NewState()
	}

	for _, step := range p.Steps {
		if err := ctx.Err(); err != nil {
			return st, p.fail(st, step, err)
		}

		log := p.Logger.With().Str("step", step.Name()).Logger()
		log.Debug().Str("stage", st.Stage().String()).Msg("step started")

		start := time.Now()
		err := step.Run(ctx, st)
		elapsed := time.Since(start)

		if p.Observer != nil {
			p.Observer.StepFinished(step.Name(), elapsed, err)
		}
		if err != nil {
			log.Error().Err(err).Dur("elapsed", elapsed).Msg("step failed")
			return st, p.fail(st, step, err)
		}

		if next := step.Reaches(); next != "" && next != st.Stage() {
			if err := st.Advance(next); err != nil {
				return st, p.fail(st, step, err)
			}
		}
		log.Debug().Dur("elapsed", elapsed).Str("stage", st.Stage().String()).Msg("step finished")
	}

	return st, nil
}

func (p *Pipeline) fail(st *State, step Step, err error) error {
	_ = st.Advance(model.StageFailed)

	var bErr *model.BootstrapError
	if errors.As(err, &bErr) {
		if bErr.Step == "" {
			bErr.Step = step.Name()
		}
		return bErr
	}
	return model.NewBootstrapError(step.Kind(), step.Name(), err)
}

// Func adapts a function into a Step.
type Func struct {
	StepName  string
	StepKind  model.ErrorKind
	StepStage model.Stage
	Fn        func(ctx context.Context, st *State) error
}

// Name implements Step.
func (f Func) Name() string { return f.StepName }

// Kind implements Step.
func (f Func) Kind() model.ErrorKind { return f.StepKind }

// Reaches implements Step.
func (f Func) Reaches() model.Stage { return f.StepStage }

// Run implements Step.
func (f Func) Run(ctx context.Context, st *State) error { return f.Fn(ctx, st) }
