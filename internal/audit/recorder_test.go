package audit_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mgrinell/veil/internal/audit"
	"github.com/mgrinell/veil/internal/safety"
)

type memorySink struct {
	mu     sync.Mutex
	events []audit.Event
	fail   error
}

func (s *memorySink) Append(e audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.events = append(s.events, e)
	return nil
}

func TestRecord_AppendsCompleteEvent(t *testing.T) {
	sink := &memorySink{}
	rec := audit.New(sink, "test-source")

	if warn := rec.Record(audit.EventVerdict, "unit-1", "accepted", "score 0.99", audit.ImpactNone); warn != nil {
		t.Fatalf("unexpected warning: %+v", warn)
	}

	if len(sink.events) != 1 {
		t.Fatalf("events = %d, want 1", len(sink.events))
	}
	e := sink.events[0]
	if e.ID == "" {
		t.Error("event id not assigned")
	}
	if e.Type != audit.EventVerdict || e.Source != "test-source" || e.ContentID != "unit-1" {
		t.Errorf("event = %+v", e)
	}
	if _, err := time.Parse(time.RFC3339, e.At); err != nil {
		t.Errorf("timestamp %q not RFC3339: %v", e.At, err)
	}
}

func TestRecord_SinkFailureDegradesToWarning(t *testing.T) {
	sink := &memorySink{fail: errors.New("disk full")}
	rec := audit.New(sink, "test-source")

	warn := rec.Record(audit.EventDetection, "unit-1", "scanned", "", audit.ImpactNone)

	if warn == nil {
		t.Fatal("sink failure not surfaced")
	}
	if warn.Code != safety.CodeAuditDegraded {
		t.Errorf("code = %q, want W1001", warn.Code)
	}
	if !warn.IsWarning() {
		t.Error("audit degradation must be a warning, not a blocking error")
	}
}

func TestRecord_NilRecorderIsSafe(t *testing.T) {
	var rec *audit.Recorder

	warn := rec.Record(audit.EventAbstraction, "", "rewrote", "", audit.ImpactLow)

	if warn == nil || warn.Code != safety.CodeAuditDegraded {
		t.Errorf("warn = %+v, want W1001", warn)
	}
}

func TestRecord_ConcurrentAppendersDistinctIDs(t *testing.T) {
	sink := &memorySink{}
	rec := audit.New(sink, "test-source")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Record(audit.EventDetection, "unit-c", "scanned", "", audit.ImpactNone)
		}()
	}
	wg.Wait()

	if len(sink.events) != 20 {
		t.Fatalf("events = %d, want 20", len(sink.events))
	}
	ids := make(map[string]bool)
	for _, e := range sink.events {
		if ids[e.ID] {
			t.Fatalf("duplicate event id %s", e.ID)
		}
		ids[e.ID] = true
	}
}
