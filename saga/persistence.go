package saga

import (
	"context"
	"sync"
	"time"

	"github.com/unfazed-dev/nexus-store-sub009/nexuserr"
)

// StepState is the persisted view of one step.
type StepState struct {
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// State is the persisted saga execution record. Incomplete states can be
// replayed at startup for crash recovery.
type State struct {
	SagaID           string      `json:"saga_id"`
	Name             string      `json:"name"`
	Status           Status      `json:"status"`
	CurrentStepIndex int         `json:"current_step_index"`
	Steps            []StepState `json:"steps"`
	StartedAt        time.Time   `json:"started_at"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	Error            string      `json:"error,omitempty"`
	FailedStep       string      `json:"failed_step,omitempty"`
}

func newState(sagaID string, saga *Saga) *State {
	steps := make([]StepState, len(saga.steps))
	for i, step := range saga.steps {
		steps[i] = StepState{Name: step.Name, Status: StatusPending}
	}
	return &State{
		SagaID:    sagaID,
		Name:      saga.name,
		Status:    StatusPending,
		Steps:     steps,
		StartedAt: time.Now().UTC(),
	}
}

// Persistence stores saga states for crash recovery.
type Persistence interface {
	Save(ctx context.Context, state *State) error
	Load(ctx context.Context, sagaID string) (*State, error)
	Delete(ctx context.Context, sagaID string) error
	GetIncomplete(ctx context.Context) ([]State, error)
	Clear(ctx context.Context) error
}

// MemoryPersistence is the in-process default.
type MemoryPersistence struct {
	mu     sync.RWMutex
	states map[string]State
}

// NewMemoryPersistence creates an empty store.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{states: make(map[string]State)}
}

func (p *MemoryPersistence) Save(ctx context.Context, state *State) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states[state.SagaID] = *state
	return nil
}

func (p *MemoryPersistence) Load(ctx context.Context, sagaID string) (*State, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	state, ok := p.states[sagaID]
	if !ok {
		return nil, nexuserr.NotFound("saga", sagaID)
	}
	return &state, nil
}

func (p *MemoryPersistence) Delete(ctx context.Context, sagaID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.states, sagaID)
	return nil
}

func (p *MemoryPersistence) GetIncomplete(ctx context.Context) ([]State, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []State
	for _, state := range p.states {
		if !state.Status.Terminal() {
			out = append(out, state)
		}
	}
	return out, nil
}

func (p *MemoryPersistence) Clear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = make(map[string]State)
	return nil
}
