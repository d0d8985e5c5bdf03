package planner

import (
	"context"
	"sync"
)

// Scripted replays a fixed sequence of actions; tests use it in place of a
// model-backed planner. When the script runs out it keeps returning Finish.
type Scripted struct {
	mu      sync.Mutex
	actions []Action
	// Err, when set, is returned on the next Decide call.
	Err error

	Requests []Request
}

func NewScripted(actions ...Action) *Scripted {
	return &Scripted{actions: actions}
}

func (s *Scripted) Decide(ctx context.Context, req Request) (Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if s.Err != nil {
		return Action{}, s.Err
	}
	if len(s.actions) == 0 {
		return Action{Kind: ActionFinish}, nil
	}
	a := s.actions[0]
	s.actions = s.actions[1:]
	return a, nil
}
