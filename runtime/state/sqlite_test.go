package state

import (
	"context"
	"reflect"
	"testing"

	"github.com/dipeo/dipeo-go/runtime/envelope"
)

func newTestSQLite(t *testing.T) *SQLiteRegistry {
	t.Helper()
	r, err := NewSQLiteRegistry(":memory:")
	if err != nil {
		t.Fatalf("failed to open registry: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// Round-trip: save-then-load yields an equal value under the
// JSON-serialisable subset.
func TestSQLiteSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)

	if _, err := r.CreateExecution(ctx, "e1", "d1", map[string]any{"x": "hello"}); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateNodeStatus(ctx, "e1", "P", NodeRunning, ""); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateNodeOutput(ctx, "e1", "P", envelope.Text("P", "echo hello"),
		&envelope.Usage{Input: 3, Output: 2, Total: 5}); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateNodeStatus(ctx, "e1", "P", NodeCompleted, ""); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateStatus(ctx, "e1", StatusCompleted, ""); err != nil {
		t.Fatal(err)
	}
	if r.CachedLen() != 0 {
		t.Fatal("terminal execution must leave the hot cache")
	}

	// The cache is empty, so this read comes from SQLite.
	st, err := r.GetState(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != StatusCompleted || st.IsActive {
		t.Errorf("loaded status=%s active=%v", st.Status, st.IsActive)
	}
	if st.Variables["x"] != "hello" {
		t.Errorf("variables = %+v", st.Variables)
	}
	if st.TokenUsage.Total != 5 {
		t.Errorf("usage = %+v", st.TokenUsage)
	}
	ns := st.NodeStates["P"]
	if ns == nil || ns.Status != NodeCompleted || ns.ExecCount != 1 {
		t.Errorf("node state = %+v", ns)
	}
	if st.NodeOutput["P"].BodyString() != "echo hello" {
		t.Errorf("node output = %+v", st.NodeOutput["P"])
	}

	// A second load is byte-for-byte identical.
	again, err := r.GetState(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(st, again) {
		t.Error("repeated loads must be equal")
	}
}

func TestSQLiteNotFound(t *testing.T) {
	r := newTestSQLite(t)
	if _, err := r.GetState(context.Background(), "nope"); err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteListAndFilter(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)

	if _, err := r.CreateExecution(ctx, "e1", "d1", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateExecution(ctx, "e2", "d2", nil); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateStatus(ctx, "e1", StatusFailed, "boom"); err != nil {
		t.Fatal(err)
	}

	all, err := r.ListExecutions(ctx, Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("list = %d rows, want 2", len(all))
	}

	failed, err := r.ListExecutions(ctx, Filter{Status: StatusFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].ID != "e1" || failed[0].Error != "boom" {
		t.Errorf("failed filter = %+v", failed)
	}

	byDiagram, err := r.ListExecutions(ctx, Filter{DiagramID: "d2"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byDiagram) != 1 || byDiagram[0].ID != "e2" {
		t.Errorf("diagram filter = %+v", byDiagram)
	}
}

func TestSQLiteCleanupPreservesActive(t *testing.T) {
	ctx := context.Background()
	r := newTestSQLite(t)

	if _, err := r.CreateExecution(ctx, "live", "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := r.CreateExecution(ctx, "done", "", nil); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateStatus(ctx, "done", StatusAborted, ""); err != nil {
		t.Fatal(err)
	}

	removed, err := r.CleanupOld(ctx, -1)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, err := r.GetState(ctx, "live"); err != nil {
		t.Error("active execution must survive cleanup")
	}
}

func TestSQLiteCloseIsIdempotent(t *testing.T) {
	r, err := NewSQLiteRegistry(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("double close: %v", err)
	}
}
