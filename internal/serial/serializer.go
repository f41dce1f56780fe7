// Package serial enforces the single-writer discipline on the local store:
// at most one logical operation touches SQLite at a time, waiters are served
// in arrival order, and nothing runs before the schema migration finishes.
package serial

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Elmundo93/aushilf-sync/internal/store"
)

// Serializer gates access to the local store. Waiters suspend on a channel
// semaphore, which the runtime wakes in FIFO order.
type Serializer struct {
	db        *store.DB
	sem       chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
	inFlight  atomic.Int64
}

// New creates a serializer over an opened store. Operations block until
// MarkReady is called.
func New(db *store.DB) *Serializer {
	return &Serializer{
		db:    db,
		sem:   make(chan struct{}, 1),
		ready: make(chan struct{}),
	}
}

// MarkReady releases operations that were queued while the schema migration
// was still running. Idempotent.
func (s *Serializer) MarkReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// DB exposes the underlying store for read-only queries. Writers must go
// through RunExclusive or the transaction helpers.
func (s *Serializer) DB() *store.DB {
	return s.db
}

// InFlight returns the number of operations currently holding or executing
// under the gate.
func (s *Serializer) InFlight() int64 {
	return s.inFlight.Load()
}

func (s *Serializer) acquire(ctx context.Context) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case s.sem <- struct{}{}:
		s.inFlight.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Serializer) release() {
	s.inFlight.Add(-1)
	<-s.sem
}

// RunExclusive executes op with the guarantee that no other exclusive
// operation runs concurrently. Errors from op propagate unchanged.
func (s *Serializer) RunExclusive(ctx context.Context, op func(db *store.DB) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return op(s.db)
}

// RunTx executes op inside a transaction: commit on nil error, rollback on
// error or panic. It does not take the exclusive gate; use it for atomic
// multi-statement writes that need no read-modify-write isolation.
func (s *Serializer) RunTx(ctx context.Context, op func(tx *sql.Tx) error) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	return runTx(ctx, s.db, op)
}

// RunExclusiveTx combines the exclusive gate with a transaction, for
// sequences like read-then-insert-if-absent where no interleaved write may
// observe the intermediate state.
func (s *Serializer) RunExclusiveTx(ctx context.Context, op func(tx *sql.Tx) error) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return runTx(ctx, s.db, op)
}

func runTx(ctx context.Context, db *store.DB, op func(tx *sql.Tx) error) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = op(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
