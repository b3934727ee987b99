package saga

import (
	"context"
	"time"

	"github.com/unfazed-dev/nexus-store-sub009/config"
	"github.com/unfazed-dev/nexus-store-sub009/store"
)

// TxContext builds a saga from typed store operations, attaching automatic
// compensations: a save restores the prior value (or deletes a new item),
// a delete re-saves the prior value.
type TxContext struct {
	saga *Saga
}

// NewTxContext starts an empty transaction.
func NewTxContext(name string) *TxContext {
	return &TxContext{saga: New(name)}
}

// Step records arbitrary work with an explicit compensation.
func (tc *TxContext) Step(name string, forward func(ctx context.Context) (any, error), compensate func(ctx context.Context, result any) error) *TxContext {
	tc.saga.Step(name, forward, compensate)
	return tc
}

// WithTimeout sets the overall transaction timeout.
func (tc *TxContext) WithTimeout(d time.Duration) *TxContext {
	tc.saga.WithTimeout(d)
	return tc
}

// Saga returns the assembled saga for execution.
func (tc *TxContext) Saga() *Saga {
	return tc.saga
}

// Save records a store save whose compensation restores the prior value, or
// deletes the item when it did not exist before.
func Save[T any, ID comparable](tc *TxContext, st *store.Store[T, ID], name string, item T) *TxContext {
	id := st.Backend().IDOf(item)

	tc.saga.Step(name,
		func(ctx context.Context) (any, error) {
			prior, err := st.Get(ctx, id, config.FetchCacheOnly)
			if err != nil {
				return nil, err
			}
			saved, err := st.Save(ctx, item)
			if err != nil {
				return nil, err
			}
			return savePriorResult[T]{saved: saved, prior: prior}, nil
		},
		func(ctx context.Context, result any) error {
			r, _ := result.(savePriorResult[T])
			if r.prior == nil {
				_, err := st.Delete(ctx, id)
				return err
			}
			_, err := st.Save(ctx, *r.prior)
			return err
		})
	return tc
}

// Delete records a store delete whose compensation re-saves the prior value.
func Delete[T any, ID comparable](tc *TxContext, st *store.Store[T, ID], name string, id ID) *TxContext {
	tc.saga.Step(name,
		func(ctx context.Context) (any, error) {
			prior, err := st.Get(ctx, id, config.FetchCacheOnly)
			if err != nil {
				return nil, err
			}
			if _, err := st.Delete(ctx, id); err != nil {
				return nil, err
			}
			return deletePriorResult[T]{prior: prior}, nil
		},
		func(ctx context.Context, result any) error {
			r, _ := result.(deletePriorResult[T])
			if r.prior == nil {
				return nil
			}
			_, err := st.Save(ctx, *r.prior)
			return err
		})
	return tc
}

type savePriorResult[T any] struct {
	saved T
	prior *T
}

type deletePriorResult[T any] struct {
	prior *T
}
