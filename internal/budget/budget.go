// Package budget guards a phase of planner-driven work with a step count and
// a wall-clock deadline.
package budget

import (
	"errors"
	"time"
)

// ErrExhausted means the step count or the deadline was reached, whichever
// came first. It is terminal for the current phase.
var ErrExhausted = errors.New("step budget exhausted")

// Budget is pure bookkeeping: it never interrupts a command already
// dispatched, it only refuses to admit the next one.
type Budget struct {
	stepsUsed int
	stepsMax  int
	started   time.Time
	deadline  time.Time
}

func New(maxSteps int, timeout time.Duration) *Budget {
	now := time.Now()
	return &Budget{
		stepsMax: maxSteps,
		started:  now,
		deadline: now.Add(timeout),
	}
}

// Consume admits one action. Every planner-issued action must consume one
// unit before executing.
func (b *Budget) Consume() error {
	if b.stepsUsed >= b.stepsMax || !time.Now().Before(b.deadline) {
		return ErrExhausted
	}
	b.stepsUsed++
	return nil
}

func (b *Budget) StepsUsed() int { return b.stepsUsed }

// Remaining reports steps left, for the planner's context.
func (b *Budget) Remaining() int {
	if r := b.stepsMax - b.stepsUsed; r > 0 {
		return r
	}
	return 0
}

func (b *Budget) Elapsed() time.Duration {
	return time.Since(b.started)
}
