package tracestore

import (
	"testing"

	"cherub/internal/testdb"
)

func TestPutGetRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	tr := Trace{Points: []Point{{ExprID: "e1", Seq: 0}, {ExprID: "e2", Seq: 1}}}
	if err := store.Put("t1", tr); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !store.Has("t1") {
		t.Fatalf("expected Has(t1) to be true after Put")
	}
	got, err := store.Get("t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Points) != 2 || got.Points[0].ExprID != "e1" {
		t.Fatalf("got %+v", got)
	}
}

func TestPutOverwritesFully(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	_ = store.Put("t1", Trace{Points: []Point{{ExprID: "e1"}, {ExprID: "e2"}, {ExprID: "e3"}}})
	_ = store.Put("t1", Trace{Points: []Point{{ExprID: "only"}}})

	got, err := store.Get("t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Points) != 1 || got.Points[0].ExprID != "only" {
		t.Fatalf("expected overwrite to fully replace trace, got %+v", got)
	}
}

func TestHasFalseForMissing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if store.Has(testdb.TestId("nope")) {
		t.Fatalf("expected Has to be false for an untraced test")
	}
}
