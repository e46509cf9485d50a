// ABOUTME: Store telemetry tests using the in-memory recorder against a real store
// ABOUTME: Verifies operation, flush, bulk session, lock wait and compaction metrics are emitted

package store

import (
	"context"
	"testing"
	"time"

	"github.com/KevoDB/ctree/pkg/bulk"
	"github.com/KevoDB/ctree/pkg/lock"
	"github.com/KevoDB/ctree/pkg/telemetry"
)

func TestStoreEmitsMetrics(t *testing.T) {
	tel := telemetry.NewRecorder()
	s := openStore(t, testConfig(t), WithTelemetry(tel))

	bulkSet(t, s, "1", "one", "2", "two", "1", "uno")
	expectValue(t, s, "1", "uno")

	if got := tel.Total("ctree.store.operation.count"); got != 4 {
		t.Errorf("expected 4 operations, got %d", got)
	}
	if got := tel.Total("ctree.bulk.session.sets"); got != 3 {
		t.Errorf("expected 3 sets in the session, got %d", got)
	}
	if got := len(tel.Observations("ctree.bulk.flush.duration")); got != 1 {
		t.Errorf("expected 1 flush, got %d", got)
	}
	if got := tel.Total("ctree.bulk.flush.arena.bytes"); got == 0 {
		t.Error("expected arena bytes to be recorded")
	}

	h, err := s.LockRead(context.Background(), lock.NewOwner())
	if err != nil {
		t.Fatal(err)
	}
	h.Release()
	if got := len(tel.Observations("ctree.lock.wait.duration")); got != 1 {
		t.Errorf("expected 1 lock wait, got %d", got)
	}

	if _, err := s.Compact(); err != nil {
		t.Fatal(err)
	}
	if got := tel.Total("ctree.compaction.keys.copied"); got != 2 {
		t.Errorf("expected 2 keys copied, got %d", got)
	}
	if spans := tel.Spans(); len(spans) != 1 || spans[0] != "ctree.store.compact" {
		t.Errorf("expected a compaction span, got %v", spans)
	}
}

func TestNoopStoreMetrics(t *testing.T) {
	m := NewNoopStoreMetrics()
	ctx := context.Background()

	m.RecordOperation(ctx, "get", time.Millisecond, 10, true)
	m.RecordBulkSession(ctx, time.Second, 5, false)
	m.RecordFlush(ctx, bulk.FlushStats{ArenaBytes: 10})
	m.RecordLockWait(ctx, "read", time.Millisecond, true)

	if err := m.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
