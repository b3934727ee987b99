package interceptor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recording struct {
	Base
	name   string
	events *[]string
}

func (r *recording) Name() string { return r.name }

func (r *recording) Before(op *OpContext) (*Response, error) {
	*r.events = append(*r.events, "before:"+r.name)
	return nil, nil
}

func (r *recording) After(op *OpContext, result any) (any, error) {
	*r.events = append(*r.events, "after:"+r.name)
	return result, nil
}

func (r *recording) OnError(op *OpContext, err error) error {
	*r.events = append(*r.events, "error:"+r.name)
	return err
}

func TestChainOrdering(t *testing.T) {
	var events []string
	chain := NewChain(
		&recording{name: "a", events: &events},
		&recording{name: "b", events: &events},
	)

	result, err := chain.Run(&OpContext{Ctx: context.Background(), Op: KindGet}, func(ctx context.Context) (any, error) {
		events = append(events, "op")
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, []string{"before:a", "before:b", "op", "after:b", "after:a"}, events)
}

func TestChainErrorReverseOrder(t *testing.T) {
	var events []string
	chain := NewChain(
		&recording{name: "a", events: &events},
		&recording{name: "b", events: &events},
	)

	_, err := chain.Run(&OpContext{Ctx: context.Background(), Op: KindSave}, func(ctx context.Context) (any, error) {
		return nil, errors.New("boom")
	})

	require.Error(t, err)
	assert.Equal(t, []string{"before:a", "before:b", "error:b", "error:a"}, events)
}

type shortCircuit struct {
	Base
	value any
}

func (s *shortCircuit) Name() string { return "short" }

func (s *shortCircuit) Before(op *OpContext) (*Response, error) {
	return &Response{Value: s.value}, nil
}

func TestShortCircuitSkipsOperation(t *testing.T) {
	var events []string
	chain := NewChain(
		&recording{name: "a", events: &events},
		&shortCircuit{value: "cached"},
		&recording{name: "never", events: &events},
	)

	called := false
	result, err := chain.Run(&OpContext{Ctx: context.Background(), Op: KindGet}, func(ctx context.Context) (any, error) {
		called = true
		return nil, nil
	})

	require.NoError(t, err)
	assert.Equal(t, "cached", result)
	assert.False(t, called, "short-circuit must skip the operation")
	assert.Equal(t, []string{"before:a", "after:a"}, events)
}

type mutating struct {
	Base
}

func (m *mutating) Name() string { return "mutating" }

func (m *mutating) Before(op *OpContext) (*Response, error) {
	op.Bag["seen"] = true
	return nil, nil
}

func (m *mutating) After(op *OpContext, result any) (any, error) {
	if op.Bag["seen"] == true {
		return result.(int) + 1, nil
	}
	return result, nil
}

func TestBagSurvivesToAfter(t *testing.T) {
	chain := NewChain(&mutating{})
	result, err := chain.Run(&OpContext{Ctx: context.Background(), Op: KindGet}, func(ctx context.Context) (any, error) {
		return 1, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result)
}

func TestEmptyChainRunsOperation(t *testing.T) {
	chain := NewChain()
	result, err := chain.Run(&OpContext{Ctx: context.Background()}, func(ctx context.Context) (any, error) {
		return "direct", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "direct", result)
}

type errorSwallower struct {
	Base
	replacement error
}

func (e *errorSwallower) Name() string { return "swallower" }

func (e *errorSwallower) OnError(op *OpContext, err error) error {
	return e.replacement
}

func TestOnErrorReplacesError(t *testing.T) {
	replacement := errors.New("replaced")
	chain := NewChain(&errorSwallower{replacement: replacement})

	_, err := chain.Run(&OpContext{Ctx: context.Background()}, func(ctx context.Context) (any, error) {
		return nil, errors.New("original")
	})
	assert.Equal(t, replacement, err)
}
