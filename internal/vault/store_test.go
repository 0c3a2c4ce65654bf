package vault_test

import (
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/mgrinell/veil/internal/abstraction"
	"github.com/mgrinell/veil/internal/audit"
	"github.com/mgrinell/veil/internal/catalog"
	"github.com/mgrinell/veil/internal/safety"
	"github.com/mgrinell/veil/internal/vault"
)

func newStore(t *testing.T) *vault.Store {
	t.Helper()
	s, err := vault.New(vault.Config{
		DataDir:          t.TempDir(),
		MinScore:         0.8,
		MaxSearchResults: 20,
	}, catalog.Default())
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func validParams() vault.SaveParams {
	return vault.SaveParams{
		Language:         "go",
		AbstractedPrompt: "copy <project_root>/a.txt to the server",
		AbstractedCode:   "",
		Mappings: []abstraction.Mapping{{
			Original:   "/home/u/app/a.txt",
			Abstracted: "<project_root>/a.txt",
			Type:       catalog.TypeFilePath,
		}},
		Metrics: vault.Metrics{
			ConcreteRefCount:   1,
			AbstractedRefCount: 1,
			AbstractionScore:   0.99,
		},
	}
}

// ─── Save / read back ────────────────────────────────────────────────────────

func TestSaveUnit_RoundTrip(t *testing.T) {
	s := newStore(t)

	id, err := s.SaveUnit(validParams())
	if err != nil {
		t.Fatalf("SaveUnit: %v", err)
	}
	if id == "" {
		t.Fatal("empty id")
	}

	u, err := s.GetUnit(id)
	if err != nil {
		t.Fatalf("GetUnit: %v", err)
	}
	if u.AbstractedPrompt != "copy <project_root>/a.txt to the server" || u.Language != "go" {
		t.Errorf("unit = %+v", u)
	}

	mappings, err := s.Mappings(id)
	if err != nil {
		t.Fatalf("Mappings: %v", err)
	}
	if len(mappings) != 1 {
		t.Fatalf("mappings = %+v", mappings)
	}
	if !mappings[0].Validated {
		t.Error("stored mapping not marked validated")
	}
	if mappings[0].Original != "/home/u/app/a.txt" {
		t.Errorf("original = %q", mappings[0].Original)
	}

	m, err := s.MetricsFor(id)
	if err != nil {
		t.Fatalf("MetricsFor: %v", err)
	}
	if m.AbstractionScore != 0.99 || m.ConcreteRefCount != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestSaveUnit_CallerIDPreserved(t *testing.T) {
	s := newStore(t)

	p := validParams()
	p.ID = "unit-fixed-id"
	id, err := s.SaveUnit(p)
	if err != nil {
		t.Fatal(err)
	}
	if id != "unit-fixed-id" {
		t.Errorf("id = %q", id)
	}
}

// ─── Storage-boundary enforcement ────────────────────────────────────────────

func TestSaveUnit_ConcreteExposureRejectedAndRolledBack(t *testing.T) {
	s := newStore(t)

	p := validParams()
	p.ID = "unit-exposed"
	p.AbstractedPrompt = "the key lives in /home/u/app/secret.env still"

	_, err := s.SaveUnit(p)
	var enf *vault.EnforcementError
	if !errors.As(err, &enf) {
		t.Fatalf("err = %v, want EnforcementError", err)
	}
	found := false
	for _, e := range enf.Errors {
		if e.Code == safety.CodeStorageExposure {
			found = true
		}
	}
	if !found {
		t.Errorf("errors = %+v, want SA004", enf.Errors)
	}

	// The whole transaction rolled back: no unit, no mappings, no metrics.
	if _, err := s.GetUnit("unit-exposed"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetUnit after rollback: %v", err)
	}
	if mappings, _ := s.Mappings("unit-exposed"); len(mappings) != 0 {
		t.Errorf("orphan mappings survived rollback: %+v", mappings)
	}
}

func TestSaveUnit_ConcreteFlushAfterPlaceholderRejected(t *testing.T) {
	s := newStore(t)

	p := validParams()
	p.ID = "unit-flush"
	// The concrete path starts exactly where the placeholder token ends;
	// the enforcer must still see it.
	p.AbstractedPrompt = "see <note>/home/u/app/secret.env for details"

	_, err := s.SaveUnit(p)
	var enf *vault.EnforcementError
	if !errors.As(err, &enf) {
		t.Fatalf("err = %v, want EnforcementError", err)
	}
	if !strings.Contains(enf.Error(), safety.CodeStorageExposure) {
		t.Errorf("err = %v, want SA004", enf)
	}
	if _, err := s.GetUnit("unit-flush"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("exposed unit persisted: %v", err)
	}
}

func TestSaveUnit_LowScoreRejectedByEnforcer(t *testing.T) {
	s := newStore(t)

	p := validParams()
	p.Metrics.AbstractionScore = 0.75
	violations := `[{"code":"SA001"}]`
	p.Metrics.SafetyViolations = &violations

	_, err := s.SaveUnit(p)
	var enf *vault.EnforcementError
	if !errors.As(err, &enf) {
		t.Fatalf("err = %v, want EnforcementError", err)
	}
	if !strings.Contains(enf.Error(), safety.CodeScoreBelow) {
		t.Errorf("err = %v, want SA001", enf)
	}
}

func TestSaveUnit_LowScoreWithoutViolationsFailsCheckConstraint(t *testing.T) {
	s := newStore(t)

	// The metrics CHECK demands recorded violations for any below-minimum
	// score, so this insert dies in the data tier before the enforcer runs.
	p := validParams()
	p.Metrics.AbstractionScore = 0.5

	if _, err := s.SaveUnit(p); err == nil {
		t.Fatal("low score without violations was stored")
	}
}

func TestSaveUnit_MappingWithoutPlaceholderTripsShapeTrigger(t *testing.T) {
	s := newStore(t)

	p := validParams()
	p.ID = "unit-shapeless"
	p.Mappings = []abstraction.Mapping{{
		Original:   "/home/u/app/a.txt",
		Abstracted: "just-a-string",
		Type:       catalog.TypeFilePath,
	}}

	_, err := s.SaveUnit(p)
	if err == nil || !strings.Contains(err.Error(), "SA004") {
		t.Fatalf("err = %v, want SA004 trigger abort", err)
	}
	if _, err := s.GetUnit("unit-shapeless"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("unit survived trigger abort: %v", err)
	}
}

func TestSaveUnit_PlaceholderOriginalTripsShapeTrigger(t *testing.T) {
	s := newStore(t)

	p := validParams()
	p.Mappings = []abstraction.Mapping{{
		Original:   "<project_root>/a.txt",
		Abstracted: "<project_root>/a.txt",
		Type:       catalog.TypeFilePath,
	}}

	if _, err := s.SaveUnit(p); err == nil || !strings.Contains(err.Error(), "SA003") {
		t.Fatalf("err = %v, want SA003 trigger abort", err)
	}
}

// ─── Immutability triggers ───────────────────────────────────────────────────

func TestTriggers_ValidatedMappingsImmutable(t *testing.T) {
	s := newStore(t)

	id, err := s.SaveUnit(validParams())
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.DB().Exec(
		`UPDATE abstraction_mappings SET abstracted = '<credential>' WHERE content_id = ?`, id,
	)
	if err == nil || !strings.Contains(err.Error(), "immutable") {
		t.Errorf("validated mapping updated: %v", err)
	}
}

func TestTriggers_AuditAppendOnly(t *testing.T) {
	s := newStore(t)

	if err := s.Append(audit.Event{
		ID: "ev-1", Type: audit.EventVerdict, Source: "test",
		Action: "accepted", SafetyImpact: audit.ImpactNone, At: vault.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.DB().Exec(`UPDATE audit_events SET action = 'tampered' WHERE id = 'ev-1'`); err == nil {
		t.Error("audit event updated")
	}
	if _, err := s.DB().Exec(`DELETE FROM audit_events WHERE id = 'ev-1'`); err == nil {
		t.Error("audit event deleted")
	}
}

func TestTriggers_ValidationLogAppendOnly(t *testing.T) {
	s := newStore(t)

	if err := s.AppendValidation(vault.LogEntry{
		ContentID: "unit-1", ValidationType: "full_pipeline", Result: true,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := s.DB().Exec(`UPDATE validation_log SET result = 0, error_count = 1`); err == nil {
		t.Error("validation log updated")
	}
	if _, err := s.DB().Exec(`DELETE FROM validation_log`); err == nil {
		t.Error("validation log deleted")
	}
}

// ─── Validation log ──────────────────────────────────────────────────────────

func TestAppendValidation_InvariantChecked(t *testing.T) {
	s := newStore(t)

	if err := s.AppendValidation(vault.LogEntry{
		ContentID: "unit-1", ValidationType: "full_pipeline", Result: true, ErrorCount: 2,
	}); err == nil {
		t.Error("pass with nonzero error count accepted")
	}
	if err := s.AppendValidation(vault.LogEntry{
		ContentID: "unit-1", ValidationType: "full_pipeline", Result: false, ErrorCount: 0,
	}); err == nil {
		t.Error("failure with zero error count accepted")
	}
}

func TestValidationLog_RoundTrip(t *testing.T) {
	s := newStore(t)

	entries := []vault.LogEntry{
		{ContentID: "unit-1", ValidationType: "full_pipeline", Result: false, ErrorCount: 2, Errors: `[{"code":"SA002"}]`},
		{ContentID: "unit-1", ValidationType: "full_pipeline", Result: true},
	}
	for _, e := range entries {
		if err := s.AppendValidation(e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ValidationLog("unit-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %+v", got)
	}
	if got[0].Result || got[0].ErrorCount != 2 || !got[1].Result {
		t.Errorf("entries = %+v", got)
	}
}

// ─── Audit events ────────────────────────────────────────────────────────────

func TestAuditEvents_FilterByContent(t *testing.T) {
	s := newStore(t)

	for _, ev := range []audit.Event{
		{ID: "ev-a", Type: audit.EventDetection, Source: "test", ContentID: "unit-a", Action: "scanned", SafetyImpact: audit.ImpactNone, At: "2026-08-25 10:00:00"},
		{ID: "ev-b", Type: audit.EventVerdict, Source: "test", ContentID: "unit-b", Action: "accepted", SafetyImpact: audit.ImpactNone, At: "2026-08-25 10:00:01"},
	} {
		if err := s.Append(ev); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.AuditEvents("unit-a", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "ev-a" {
		t.Errorf("events = %+v", got)
	}

	all, err := s.AuditEvents("", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("all events = %+v", all)
	}
	// Newest first.
	if all[0].ID != "ev-b" {
		t.Errorf("order = %v, %v", all[0].ID, all[1].ID)
	}
}

// ─── Search / stats ──────────────────────────────────────────────────────────

func TestSearch_FindsAbstractedContent(t *testing.T) {
	s := newStore(t)

	p := validParams()
	p.AbstractedPrompt = "refactor the tokenizer in <project_root>/lexer.go"
	if _, err := s.SaveUnit(p); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search("tokenizer", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %+v", results)
	}
	if !strings.Contains(results[0].AbstractedPrompt, "tokenizer") {
		t.Errorf("result = %+v", results[0])
	}

	if miss, _ := s.Search("nonexistentterm", 10); len(miss) != 0 {
		t.Errorf("unexpected hits: %+v", miss)
	}
}

func TestVaultStats_Counts(t *testing.T) {
	s := newStore(t)

	id, err := s.SaveUnit(validParams())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AppendValidation(vault.LogEntry{ContentID: id, ValidationType: "full_pipeline", Result: true}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendValidation(vault.LogEntry{ContentID: "other", ValidationType: "full_pipeline", Result: false, ErrorCount: 1, Errors: "[]"}); err != nil {
		t.Fatal(err)
	}

	st, err := s.VaultStats()
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalUnits != 1 || st.TotalMappings != 1 {
		t.Errorf("stats = %+v", st)
	}
	if st.AcceptedRuns != 1 || st.RejectedRuns != 1 {
		t.Errorf("run counts = %+v", st)
	}
	if st.AverageScore < 0.98 {
		t.Errorf("average score = %v", st.AverageScore)
	}
}

// ─── Conflicts ───────────────────────────────────────────────────────────────

func saveDrifted(t *testing.T, s *vault.Store) string {
	t.Helper()
	p := validParams()
	// Stored under an older naming scheme; the current canonical
	// placeholder for the original is <project_root>/a.txt.
	p.Mappings[0].Abstracted = "<project_root>/legacy_a.txt"
	p.AbstractedPrompt = "copy <project_root>/legacy_a.txt to the server"
	id, err := s.SaveUnit(p)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestDetectDrift_OpensConflictOnce(t *testing.T) {
	s := newStore(t)
	id := saveDrifted(t, s)

	opened, err := s.DetectDrift(id)
	if err != nil {
		t.Fatalf("DetectDrift: %v", err)
	}
	if len(opened) != 1 {
		t.Fatalf("opened = %+v", opened)
	}
	if opened[0].ConflictType != "placeholder_drift" || opened[0].Severity != "medium" {
		t.Errorf("conflict = %+v", opened[0])
	}

	// A second scan must not duplicate the open conflict.
	again, err := s.DetectDrift(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("duplicate conflicts opened: %+v", again)
	}
}

func TestDetectDrift_CleanUnitNoConflicts(t *testing.T) {
	s := newStore(t)

	id, err := s.SaveUnit(validParams())
	if err != nil {
		t.Fatal(err)
	}
	opened, err := s.DetectDrift(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(opened) != 0 {
		t.Errorf("conflicts on clean unit: %+v", opened)
	}
}

func TestResolveConflict_OneWay(t *testing.T) {
	s := newStore(t)
	id := saveDrifted(t, s)

	opened, err := s.DetectDrift(id)
	if err != nil || len(opened) != 1 {
		t.Fatalf("opened = %+v, err = %v", opened, err)
	}
	cid := opened[0].ID

	if err := s.ResolveConflict(cid, vault.ConflictResolved); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Already resolved; no reopen, no re-resolve.
	if err := s.ResolveConflict(cid, vault.ConflictIgnored); err == nil {
		t.Error("resolved conflict transitioned again")
	}
	if err := s.ResolveConflict(cid, "open"); err == nil {
		t.Error("invalid status accepted")
	}

	open, err := s.OpenConflicts(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 0 {
		t.Errorf("open conflicts = %+v", open)
	}
}

func TestConflicts_NeverDeleted(t *testing.T) {
	s := newStore(t)
	id := saveDrifted(t, s)

	if _, err := s.DetectDrift(id); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DB().Exec(`DELETE FROM conflicts`); err == nil {
		t.Error("conflict rows deleted")
	}
}
