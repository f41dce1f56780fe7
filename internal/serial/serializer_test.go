package serial

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Elmundo93/aushilf-sync/internal/store"
)

func testSerializer(t *testing.T) *Serializer {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestRunExclusiveMutualExclusion(t *testing.T) {
	s := testSerializer(t)
	s.MarkReady()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunExclusive(context.Background(), func(db *store.DB) error {
				mu.Lock()
				active++
				if active > maxSeen {
					maxSeen = active
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("observed %d concurrent operations, want 1", maxSeen)
	}
}

func TestOperationsBlockUntilReady(t *testing.T) {
	s := testSerializer(t)

	ran := make(chan struct{})
	go func() {
		_ = s.RunExclusive(context.Background(), func(db *store.DB) error {
			close(ran)
			return nil
		})
	}()

	select {
	case <-ran:
		t.Fatal("operation ran before MarkReady")
	case <-time.After(50 * time.Millisecond):
	}

	s.MarkReady()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("operation did not run after MarkReady")
	}
}

func TestAcquireRespectsContext(t *testing.T) {
	s := testSerializer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Never marked ready, so the context deadline must surface.
	err := s.RunExclusive(ctx, func(db *store.DB) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestRunTxRollsBackOnError(t *testing.T) {
	s := testSerializer(t)
	s.MarkReady()

	boom := errors.New("boom")
	err := s.RunTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO channels (id) VALUES ('ch1')`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	c, err := s.DB().GetChannel("ch1")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Error("row survived a rolled-back transaction")
	}
}

func TestRunExclusiveTxCommits(t *testing.T) {
	s := testSerializer(t)
	s.MarkReady()

	err := s.RunExclusiveTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO channels (id) VALUES ('ch1')`); err != nil {
			return err
		}
		_, err := tx.Exec(`INSERT INTO messages (client_id, channel_id, created_at, sync_state) VALUES ('c1', 'ch1', 1, 'pending')`)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	m, err := s.DB().GetMessageByClientID("c1")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.SyncState != store.StatePending {
		t.Errorf("got %+v, want committed pending message", m)
	}
}

func TestRunTxRecoversPanicAndRollsBack(t *testing.T) {
	s := testSerializer(t)
	s.MarkReady()

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic did not propagate")
			}
		}()
		_ = s.RunTx(context.Background(), func(tx *sql.Tx) error {
			_, _ = tx.Exec(`INSERT INTO channels (id) VALUES ('ch1')`)
			panic("boom")
		})
	}()

	c, err := s.DB().GetChannel("ch1")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Error("row survived a panicked transaction")
	}
}
