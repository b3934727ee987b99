package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unfazed-dev/nexus-store-sub009/nexuserr"
)

type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (c *eventCollector) collect(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *eventCollector) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Event
	}
	return out
}

func TestExecuteSuccess(t *testing.T) {
	c := NewCoordinator()
	collector := &eventCollector{}
	c.OnEvent(collector.collect)

	s := New("checkout").
		Step("reserve", func(ctx context.Context) (any, error) { return "r1", nil }, nil).
		Step("charge", func(ctx context.Context) (any, error) { return "c1", nil }, nil)

	result := c.Execute(context.Background(), s)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, []any{"r1", "c1"}, result.Results)
	assert.Nil(t, result.Err)
	assert.Equal(t, []string{
		EventSagaStarted,
		EventStepStarted, EventStepCompleted,
		EventStepStarted, EventStepCompleted,
		EventSagaCompleted,
	}, collector.names())
}

func TestCompensationOnFailure(t *testing.T) {
	c := NewCoordinator()
	collector := &eventCollector{}
	c.OnEvent(collector.collect)

	compensated := []string{}
	boom := errors.New("charge declined")

	s := New("checkout").
		Step("create-order",
			func(ctx context.Context) (any, error) { return "order-1", nil },
			func(ctx context.Context, result any) error {
				compensated = append(compensated, "create-order")
				assert.Equal(t, "order-1", result)
				return nil
			}).
		Step("charge",
			func(ctx context.Context) (any, error) { return nil, boom },
			nil)

	result := c.Execute(context.Background(), s)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, boom, result.Err)
	assert.Equal(t, "charge", result.FailedStep)
	assert.Equal(t, []string{"create-order"}, result.CompensatedSteps)
	assert.Empty(t, result.CompensationErrors)
	assert.Equal(t, []string{"create-order"}, compensated)

	assert.Equal(t, []string{
		EventSagaStarted,
		EventStepStarted, EventStepCompleted,
		EventStepStarted, EventStepFailed,
		EventCompensationStarted, EventCompensationCompleted,
		EventSagaFailed,
	}, collector.names())
}

func TestCompensationStrictReverseOrder(t *testing.T) {
	c := NewCoordinator()
	var order []string

	comp := func(name string) func(context.Context, any) error {
		return func(ctx context.Context, _ any) error {
			order = append(order, name)
			return nil
		}
	}

	s := New("multi").
		Step("s1", func(ctx context.Context) (any, error) { return 1, nil }, comp("s1")).
		Step("s2", func(ctx context.Context) (any, error) { return 2, nil }, comp("s2")).
		Step("s3", func(ctx context.Context) (any, error) { return 3, nil }, comp("s3")).
		Step("s4", func(ctx context.Context) (any, error) { return nil, errors.New("fail") }, nil)

	result := c.Execute(context.Background(), s)

	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, []string{"s3", "s2", "s1"}, order)
	assert.Equal(t, []string{"s3", "s2", "s1"}, result.CompensatedSteps)
}

func TestPartialFailure(t *testing.T) {
	c := NewCoordinator()
	collector := &eventCollector{}
	c.OnEvent(collector.collect)

	compErr := errors.New("cannot undo")

	s := New("checkout").
		Step("create-order",
			func(ctx context.Context) (any, error) { return "order-1", nil },
			func(ctx context.Context, _ any) error { return compErr }).
		Step("audit-trail",
			func(ctx context.Context) (any, error) { return "t1", nil },
			func(ctx context.Context, _ any) error { return nil }).
		Step("charge",
			func(ctx context.Context) (any, error) { return nil, errors.New("declined") },
			nil)

	result := c.Execute(context.Background(), s)

	assert.Equal(t, StatusPartiallyFailed, result.Status)
	assert.Equal(t, "charge", result.FailedStep)
	require.Len(t, result.CompensationErrors, 1)
	assert.Equal(t, "create-order", result.CompensationErrors[0].Step)
	assert.Equal(t, compErr, result.CompensationErrors[0].Err)
	// The other compensation still ran.
	assert.Equal(t, []string{"audit-trail"}, result.CompensatedSteps)

	// Every completed step appears exactly once in compensated or errored.
	seen := map[string]int{}
	for _, name := range result.CompensatedSteps {
		seen[name]++
	}
	for _, ce := range result.CompensationErrors {
		seen[ce.Step]++
	}
	assert.Equal(t, map[string]int{"create-order": 1, "audit-trail": 1}, seen)
}

func TestStepTimeout(t *testing.T) {
	c := NewCoordinator()

	s := New("slow")
	s.StepWithTimeout(Step{
		Name:    "hang",
		Timeout: 20 * time.Millisecond,
		Forward: func(ctx context.Context) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	result := c.Execute(context.Background(), s)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, nexuserr.KindTimeout, nexuserr.KindOf(result.Err))
}

func TestCompensationRunsPastSagaTimeout(t *testing.T) {
	c := NewCoordinator()
	compensated := false

	s := New("deadline").WithTimeout(20 * time.Millisecond).
		Step("quick",
			func(ctx context.Context) (any, error) { return nil, nil },
			func(ctx context.Context, _ any) error {
				// By now the saga deadline has passed; the compensation context
				// must still be live.
				if err := ctx.Err(); err != nil {
					return err
				}
				compensated = true
				return nil
			}).
		Step("hang",
			func(ctx context.Context) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			nil)

	result := c.Execute(context.Background(), s)
	assert.Equal(t, StatusFailed, result.Status)
	assert.True(t, compensated, "compensation must run without a timeout")
}

func TestNestedSaga(t *testing.T) {
	c := NewCoordinator()
	var childCompensated bool

	child := New("child").
		Step("inner",
			func(ctx context.Context) (any, error) { return nil, nil },
			func(ctx context.Context, _ any) error {
				childCompensated = true
				return nil
			}).
		Step("inner-fail",
			func(ctx context.Context) (any, error) { return nil, errors.New("inner boom") },
			nil)

	parentSawFailure := false
	parent := New("parent").
		Step("spawn-child",
			func(ctx context.Context) (any, error) {
				r := c.Execute(ctx, child)
				if r.Status != StatusCompleted {
					// Child compensations already ran by the time we report up.
					parentSawFailure = true
					assert.True(t, childCompensated)
					return nil, r.Err
				}
				return r.Results, nil
			},
			nil)

	result := c.Execute(context.Background(), parent)
	assert.Equal(t, StatusFailed, result.Status)
	assert.True(t, parentSawFailure)
}

func TestPersistenceLifecycle(t *testing.T) {
	p := NewMemoryPersistence()
	c := NewCoordinator(WithPersistence(p))
	ctx := context.Background()

	s := New("persisted").
		Step("only", func(ctx context.Context) (any, error) { return nil, nil }, nil)

	result := c.Execute(ctx, s)
	require.Equal(t, StatusCompleted, result.Status)

	state, err := p.Load(ctx, result.SagaID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, "persisted", state.Name)
	require.Len(t, state.Steps, 1)
	assert.Equal(t, StatusCompleted, state.Steps[0].Status)
	assert.NotNil(t, state.CompletedAt)

	incomplete, err := p.GetIncomplete(ctx)
	require.NoError(t, err)
	assert.Empty(t, incomplete, "terminal states are not incomplete")

	// A state stuck mid-flight shows up for recovery.
	require.NoError(t, p.Save(ctx, &State{SagaID: "stuck", Status: StatusExecuting}))
	incomplete, err = p.GetIncomplete(ctx)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	assert.Equal(t, "stuck", incomplete[0].SagaID)

	require.NoError(t, p.Clear(ctx))
	_, err = p.Load(ctx, result.SagaID)
	require.Error(t, err)
}

func TestEventSchema(t *testing.T) {
	c := NewCoordinator()
	collector := &eventCollector{}
	c.OnEvent(collector.collect)

	s := New("schema").
		Step("one", func(ctx context.Context) (any, error) { return nil, nil }, nil)
	result := c.Execute(context.Background(), s)

	collector.mu.Lock()
	defer collector.mu.Unlock()
	for _, e := range collector.events {
		assert.Equal(t, result.SagaID, e.SagaID)
		assert.False(t, e.Timestamp.IsZero())
	}
	started := collector.events[1]
	assert.Equal(t, EventStepStarted, started.Event)
	assert.Equal(t, "one", started.StepName)
	assert.Equal(t, 0, started.StepIndex)
	assert.Equal(t, 1, started.TotalSteps)
}
