package stage

import (
	"errors"
	"fmt"
)

var ErrMissingActivation = errors.New("no pending activation for gradient")

type PendingActivation struct {
	Id    string
	Stage int
	Pass  *ForwardPass
}

// ActivationStore holds the activations a stage emitted and still owes a backward pass.
// It is owned by a single scheduler loop and is not safe for concurrent use.
type ActivationStore struct {
	pending   map[string]*PendingActivation
	highWater int
}

func NewActivationStore() *ActivationStore {
	return &ActivationStore{pending: make(map[string]*PendingActivation)}
}

func (s *ActivationStore) Put(activation *PendingActivation) error {
	if _, exists := s.pending[activation.Id]; exists {
		return fmt.Errorf("activation %s already pending", activation.Id)
	}
	s.pending[activation.Id] = activation
	if len(s.pending) > s.highWater {
		s.highWater = len(s.pending)
	}
	return nil
}

// Pop removes and returns the activation; each id can be popped exactly once.
func (s *ActivationStore) Pop(id string) (*PendingActivation, error) {
	activation, ok := s.pending[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingActivation, id)
	}
	delete(s.pending, id)
	return activation, nil
}

func (s *ActivationStore) Len() int {
	return len(s.pending)
}

// HighWater is the largest number of activations held at once.
func (s *ActivationStore) HighWater() int {
	return s.highWater
}
