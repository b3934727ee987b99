// Package interceptor provides the pre/post hook pipeline wrapped around
// every store operation.
package interceptor

import (
	"context"
)

// Kind identifies the intercepted operation.
type Kind string

const (
	KindGet       Kind = "get"
	KindGetAll    Kind = "get_all"
	KindWatch     Kind = "watch"
	KindWatchAll  Kind = "watch_all"
	KindSave      Kind = "save"
	KindSaveAll   Kind = "save_all"
	KindDelete    Kind = "delete"
	KindDeleteAll Kind = "delete_all"
	KindSync      Kind = "sync"
	KindGetField  Kind = "get_field"
)

// OpContext carries the operation through the chain. Interceptors may mutate
// Input and Bag; Bag entries survive from Before to After/OnError.
type OpContext struct {
	Ctx    context.Context
	Op     Kind
	Entity string
	Policy string
	Input  any
	Bag    map[string]any
}

// Response short-circuits the operation when returned from Before.
type Response struct {
	Value any
}

// Interceptor hooks one operation. Before hooks run in declaration order,
// After and OnError in reverse.
type Interceptor interface {
	Name() string

	// Before may mutate the op context, return a Response to short-circuit,
	// or return an error to abort.
	Before(op *OpContext) (*Response, error)

	// After may transform the successful result.
	After(op *OpContext, result any) (any, error)

	// OnError may replace the error.
	OnError(op *OpContext, err error) error
}

// Base is a no-op Interceptor for embedding.
type Base struct{}

func (Base) Name() string                               { return "base" }
func (Base) Before(*OpContext) (*Response, error)       { return nil, nil }
func (Base) After(_ *OpContext, result any) (any, error) { return result, nil }
func (Base) OnError(_ *OpContext, err error) error       { return err }

// Chain is an ordered interceptor list.
type Chain struct {
	items []Interceptor
}

// NewChain builds a chain; order is invocation order for Before.
func NewChain(items ...Interceptor) *Chain {
	return &Chain{items: items}
}

// Len returns the number of interceptors.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.items)
}

// Run invokes the chain around op. A Before short-circuit skips op and the
// remaining Before hooks; After hooks still run for interceptors already
// entered, in reverse order.
func (c *Chain) Run(opCtx *OpContext, op func(ctx context.Context) (any, error)) (any, error) {
	if opCtx.Bag == nil {
		opCtx.Bag = make(map[string]any)
	}

	if c == nil || len(c.items) == 0 {
		return op(opCtx.Ctx)
	}

	entered := 0
	var result any
	var err error
	short := false

	for _, it := range c.items {
		resp, berr := it.Before(opCtx)
		if berr != nil {
			err = berr
			break
		}
		entered++
		if resp != nil {
			result = resp.Value
			short = true
			break
		}
	}

	if err == nil && !short {
		result, err = op(opCtx.Ctx)
	}

	for i := entered - 1; i >= 0; i-- {
		it := c.items[i]
		if err != nil {
			err = it.OnError(opCtx, err)
			continue
		}
		result, err = it.After(opCtx, result)
	}

	if err != nil {
		return nil, err
	}
	return result, nil
}
