package agent

import (
	"fmt"
	"sync"

	"github.com/loomhq/loom/internal/entity"
)

// validTransitions is the agent run-state graph. Terminal states loop back
// through thinking when a new Execute begins.
var validTransitions = map[entity.AgentState][]entity.AgentState{
	entity.StateIdle:      {entity.StateThinking},
	entity.StateThinking:  {entity.StateRunning, entity.StateCompleted, entity.StateFailed, entity.StateAborted},
	entity.StateRunning:   {entity.StateThinking, entity.StateCompleted, entity.StateFailed, entity.StateAborted},
	entity.StateCompleted: {entity.StateThinking},
	entity.StateFailed:    {entity.StateThinking},
	entity.StateAborted:   {entity.StateThinking},
}

type stateMachine struct {
	mu      sync.Mutex
	current entity.AgentState
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: entity.StateIdle}
}

func (s *stateMachine) State() entity.AgentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// to transitions to next, rejecting edges not in the graph.
func (s *stateMachine) to(next entity.AgentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range validTransitions[s.current] {
		if allowed == next {
			s.current = next
			return nil
		}
	}
	return fmt.Errorf("invalid state transition %s -> %s", s.current, next)
}
