package call

import (
	"io"
	"log/slog"
	"testing"
)

func testRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegistryIndexes(t *testing.T) {
	r := testRegistry()
	s := NewSession("corr-1", "998901112233", "", "req-1")

	r.Add(s)
	r.BindCallUUID("corr-1", "uuid-1")
	r.BindJob("job-1", s)

	if got, ok := r.ByCorrelation("corr-1"); !ok || got != s {
		t.Error("lookup by correlation failed")
	}
	if got, ok := r.ByCallUUID("uuid-1"); !ok || got != s {
		t.Error("lookup by call uuid failed")
	}
	if got := s.CallUUID(); got != "uuid-1" {
		t.Errorf("session call uuid = %q, want uuid-1", got)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestTakeJobConsumesBinding(t *testing.T) {
	r := testRegistry()
	s := NewSession("corr-1", "998901112233", "", "req-1")
	r.Add(s)
	r.BindJob("job-1", s)

	got, ok := r.TakeJob("job-1")
	if !ok || got != s {
		t.Fatal("first TakeJob failed")
	}
	if _, ok := r.TakeJob("job-1"); ok {
		t.Error("second TakeJob for the same id succeeded")
	}
	if _, ok := r.TakeJob("unknown"); ok {
		t.Error("TakeJob for an unknown id succeeded")
	}
}

func TestBindCallUUIDUnknownSession(t *testing.T) {
	r := testRegistry()
	r.BindCallUUID("nobody", "uuid-1")

	if _, ok := r.ByCallUUID("uuid-1"); ok {
		t.Error("bind for an unknown session created an index entry")
	}
}

func TestRemoveClearsAllIndexes(t *testing.T) {
	r := testRegistry()
	s := NewSession("corr-1", "998901112233", "", "req-1")
	r.Add(s)
	r.BindCallUUID("corr-1", "uuid-1")
	r.BindJob("job-1", s)

	r.Remove(s)

	if _, ok := r.ByCorrelation("corr-1"); ok {
		t.Error("correlation index survived removal")
	}
	if _, ok := r.ByCallUUID("uuid-1"); ok {
		t.Error("call uuid index survived removal")
	}
	if _, ok := r.TakeJob("job-1"); ok {
		t.Error("job index survived removal")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestSessionsSnapshot(t *testing.T) {
	r := testRegistry()
	for _, id := range []string{"a", "b", "c"} {
		r.Add(NewSession(id, "998901112233", "", "req-"+id))
	}

	got := r.Sessions()
	if len(got) != 3 {
		t.Fatalf("Sessions() returned %d, want 3", len(got))
	}
}
