// Package vault implements the persistent store for validated content
// units and the storage-boundary enforcement that backs it.
//
// It uses SQLite with WAL mode. The invariants of the data model are
// enforced twice: as column CHECK constraints and RAISE(ABORT) triggers in
// the schema, and as a catalog re-check (Enforcer) that runs inside the
// same transaction as every write. A content unit that somehow bypasses
// the validation gate is still blocked here.
package vault

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mgrinell/veil/internal/abstraction"
	"github.com/mgrinell/veil/internal/audit"
	"github.com/mgrinell/veil/internal/catalog"
	"github.com/mgrinell/veil/internal/safety"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// ─── Types ───────────────────────────────────────────────────────────────────

// ContentUnit is one persisted prompt/code/language record. Only the
// abstracted fields ever reach this struct from storage reads; the raw
// fields exist transiently at save time and are not columns.
type ContentUnit struct {
	ID               string `json:"id"`
	Language         string `json:"language"`
	AbstractedPrompt string `json:"abstracted_prompt"`
	AbstractedCode   string `json:"abstracted_code"`
	CreatedAt        string `json:"created_at"`
}

// StoredMapping is a persisted abstraction mapping row.
type StoredMapping struct {
	ID            int64                 `json:"id"`
	ContentID     string                `json:"content_id"`
	Original      string                `json:"original"`
	Abstracted    string                `json:"abstracted"`
	Type          catalog.ReferenceType `json:"reference_type"`
	LowConfidence bool                  `json:"low_confidence"`
	Validated     bool                  `json:"validated"`
	CreatedAt     string                `json:"created_at"`
}

// Metrics is the single safety-metrics row owned by a content unit.
type Metrics struct {
	ContentID          string  `json:"content_id"`
	ConcreteRefCount   int     `json:"concrete_ref_count"`
	AbstractedRefCount int     `json:"abstracted_ref_count"`
	AbstractionScore   float64 `json:"abstraction_score"`
	SafetyViolations   *string `json:"safety_violations,omitempty"`
}

// LogEntry is one append-only validation log row.
type LogEntry struct {
	ID             int64  `json:"id"`
	ContentID      string `json:"content_id"`
	ValidationType string `json:"validation_type"`
	Result         bool   `json:"result"`
	ErrorCount     int    `json:"error_count"`
	Errors         string `json:"errors,omitempty"`
	ValidatedAt    string `json:"validated_at"`
}

// SaveParams holds everything needed to persist an accepted content unit.
type SaveParams struct {
	ID               string
	Language         string
	AbstractedPrompt string
	AbstractedCode   string
	Mappings         []abstraction.Mapping
	Metrics          Metrics
}

// Stats holds aggregate vault statistics.
type Stats struct {
	TotalUnits     int     `json:"total_units"`
	TotalMappings  int     `json:"total_mappings"`
	TotalAudits    int     `json:"total_audit_events"`
	OpenConflicts  int     `json:"open_conflicts"`
	AverageScore   float64 `json:"average_score"`
	RejectedRuns   int     `json:"rejected_runs"`
	AcceptedRuns   int     `json:"accepted_runs"`
}

// SearchResult is a content unit with its FTS rank.
type SearchResult struct {
	ContentUnit
	Rank float64 `json:"rank"`
}

// ─── Config / Store ──────────────────────────────────────────────────────────

// Config holds vault store configuration.
type Config struct {
	DataDir          string
	MinScore         float64
	MaxSearchResults int
}

// DefaultConfig returns the default configuration for the vault store.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:          filepath.Join(home, ".veil"),
		MinScore:         safety.DefaultMinScore,
		MaxSearchResults: 20,
	}
}

// Store is the persistent vault backed by SQLite.
type Store struct {
	db       *sql.DB
	cfg      Config
	enforcer *Enforcer
}

// New creates a Store with the given configuration and catalog. It creates
// the data directory if needed, opens SQLite with WAL mode, and runs
// migrations. The catalog is the same instance the pipeline detects with;
// the store never compiles its own copy of the rules.
func New(cfg Config, cat *catalog.Catalog) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("vault: create data dir: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "vault.db")
	db, err := openDB("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("vault: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("vault: pragma %q: %w", p, err)
		}
	}

	minScore := cfg.MinScore
	if minScore <= 0 {
		minScore = safety.DefaultMinScore
	}
	s := &Store{db: db, cfg: cfg, enforcer: NewEnforcer(cat, minScore)}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("vault: migration: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enforcer returns the storage-boundary enforcer sharing this store's
// catalog and minimum-score policy.
func (s *Store) Enforcer() *Enforcer {
	return s.enforcer
}

// ─── Migrations ──────────────────────────────────────────────────────────────

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS content_units (
			id                TEXT PRIMARY KEY,
			language          TEXT NOT NULL DEFAULT '',
			abstracted_prompt TEXT NOT NULL,
			abstracted_code   TEXT NOT NULL,
			created_at        TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS abstraction_mappings (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			content_id     TEXT    NOT NULL,
			original       TEXT    NOT NULL,
			abstracted     TEXT    NOT NULL,
			reference_type TEXT    NOT NULL,
			low_confidence INTEGER NOT NULL DEFAULT 0,
			validated      INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT    NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (content_id) REFERENCES content_units(id)
		);

		CREATE INDEX IF NOT EXISTS idx_map_content ON abstraction_mappings(content_id);
		CREATE INDEX IF NOT EXISTS idx_map_type    ON abstraction_mappings(reference_type);

		CREATE TABLE IF NOT EXISTS safety_metrics (
			content_id           TEXT PRIMARY KEY,
			concrete_ref_count   INTEGER NOT NULL DEFAULT 0 CHECK (concrete_ref_count >= 0),
			abstracted_ref_count INTEGER NOT NULL DEFAULT 0 CHECK (abstracted_ref_count >= 0),
			abstraction_score    REAL    NOT NULL CHECK (abstraction_score >= 0.0 AND abstraction_score <= 1.0),
			safety_violations    TEXT,
			CHECK (abstraction_score >= 0.8 OR safety_violations IS NOT NULL),
			FOREIGN KEY (content_id) REFERENCES content_units(id)
		);

		CREATE TABLE IF NOT EXISTS validation_log (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			content_id      TEXT    NOT NULL,
			validation_type TEXT    NOT NULL,
			result          INTEGER NOT NULL CHECK (result IN (0, 1)),
			error_count     INTEGER NOT NULL CHECK (error_count >= 0),
			errors          TEXT,
			validated_at    TEXT    NOT NULL DEFAULT (datetime('now')),
			CHECK ((result = 1 AND error_count = 0) OR (result = 0 AND error_count > 0))
		);

		CREATE INDEX IF NOT EXISTS idx_vlog_content ON validation_log(content_id);

		CREATE TABLE IF NOT EXISTS conflicts (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			reference_id      INTEGER NOT NULL,
			conflict_type     TEXT    NOT NULL,
			severity          TEXT    NOT NULL,
			detected_at       TEXT    NOT NULL DEFAULT (datetime('now')),
			resolution_status TEXT    NOT NULL DEFAULT 'open'
				CHECK (resolution_status IN ('open', 'resolved', 'ignored')),
			FOREIGN KEY (reference_id) REFERENCES abstraction_mappings(id)
		);

		CREATE INDEX IF NOT EXISTS idx_conflict_status ON conflicts(resolution_status);

		CREATE TABLE IF NOT EXISTS audit_events (
			id            TEXT PRIMARY KEY,
			event_type    TEXT NOT NULL,
			source        TEXT NOT NULL,
			content_id    TEXT,
			action        TEXT NOT NULL,
			details       TEXT,
			safety_impact TEXT NOT NULL DEFAULT 'none',
			at            TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_audit_content ON audit_events(content_id);
		CREATE INDEX IF NOT EXISTS idx_audit_at      ON audit_events(at DESC);

		CREATE VIRTUAL TABLE IF NOT EXISTS units_fts USING fts5(
			abstracted_prompt,
			abstracted_code,
			language,
			content='content_units',
			content_rowid='rowid'
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	return s.createTriggers()
}

// createTriggers installs the data-tier enforcement triggers (idempotent).
// These are the backstop behind the Go-side Enforcer: append-only audit
// and validation log, immutable validated mappings, and shape checks on
// mapping rows.
func (s *Store) createTriggers() error {
	var name string
	err := s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='trigger' AND name='audit_no_delete'",
	).Scan(&name)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return err
	}

	triggers := `
		CREATE TRIGGER audit_no_delete BEFORE DELETE ON audit_events BEGIN
			SELECT RAISE(ABORT, 'audit_events is append-only');
		END;

		CREATE TRIGGER audit_no_update BEFORE UPDATE ON audit_events BEGIN
			SELECT RAISE(ABORT, 'audit_events is append-only');
		END;

		CREATE TRIGGER vlog_no_delete BEFORE DELETE ON validation_log BEGIN
			SELECT RAISE(ABORT, 'validation_log is append-only');
		END;

		CREATE TRIGGER vlog_no_update BEFORE UPDATE ON validation_log BEGIN
			SELECT RAISE(ABORT, 'validation_log is append-only');
		END;

		CREATE TRIGGER conflicts_no_delete BEFORE DELETE ON conflicts BEGIN
			SELECT RAISE(ABORT, 'conflicts are never deleted');
		END;

		CREATE TRIGGER mappings_immutable BEFORE UPDATE ON abstraction_mappings
		WHEN old.validated = 1 BEGIN
			SELECT RAISE(ABORT, 'validated mappings are immutable');
		END;

		CREATE TRIGGER mappings_shape_insert BEFORE INSERT ON abstraction_mappings BEGIN
			SELECT CASE
				WHEN new.abstracted NOT LIKE '%<%>%'
					THEN RAISE(ABORT, 'SA004: abstracted value carries no placeholder')
				WHEN new.original LIKE '<%'
					THEN RAISE(ABORT, 'SA003: original is placeholder-shaped')
			END;
		END;

		CREATE TRIGGER units_fts_insert AFTER INSERT ON content_units BEGIN
			INSERT INTO units_fts(rowid, abstracted_prompt, abstracted_code, language)
			VALUES (new.rowid, new.abstracted_prompt, new.abstracted_code, new.language);
		END;
	`
	_, err = s.db.Exec(triggers)
	return err
}

// ─── Content units ───────────────────────────────────────────────────────────

// SaveUnit persists an accepted content unit with its mappings and metrics
// in one transaction. Before commit the enforcer re-validates every
// persisted field against the catalog and the minimum-score policy; any
// failure aborts the whole transaction, never leaving a partial unit.
func (s *Store) SaveUnit(p SaveParams) (string, error) {
	id := p.ID
	if id == "" {
		id = uuid.NewString()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("vault: begin save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(
		`INSERT INTO content_units (id, language, abstracted_prompt, abstracted_code)
		 VALUES (?, ?, ?, ?)`,
		id, p.Language, p.AbstractedPrompt, p.AbstractedCode,
	); err != nil {
		return "", fmt.Errorf("vault: insert unit: %w", err)
	}

	for _, m := range p.Mappings {
		if _, err := tx.Exec(
			`INSERT INTO abstraction_mappings (content_id, original, abstracted, reference_type, low_confidence, validated)
			 VALUES (?, ?, ?, ?, ?, 1)`,
			id, m.Original, m.Abstracted, string(m.Type), boolToInt(m.LowConfidence),
		); err != nil {
			return "", fmt.Errorf("vault: insert mapping: %w", err)
		}
	}

	metrics := p.Metrics
	metrics.ContentID = id
	if _, err := tx.Exec(
		`INSERT INTO safety_metrics (content_id, concrete_ref_count, abstracted_ref_count, abstraction_score, safety_violations)
		 VALUES (?, ?, ?, ?, ?)`,
		id, metrics.ConcreteRefCount, metrics.AbstractedRefCount, metrics.AbstractionScore,
		metrics.SafetyViolations,
	); err != nil {
		return "", fmt.Errorf("vault: insert metrics: %w", err)
	}

	// Storage-boundary re-validation inside the same transaction.
	if errs := s.enforcer.Check(EnforceInput{
		AbstractedFields: []string{p.AbstractedPrompt, p.AbstractedCode},
		Mappings:         p.Mappings,
		Score:            metrics.AbstractionScore,
	}); len(errs) > 0 {
		return "", &EnforcementError{ContentID: id, Errors: errs}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("vault: commit save: %w", err)
	}
	return id, nil
}

// GetUnit retrieves a content unit by id.
func (s *Store) GetUnit(id string) (*ContentUnit, error) {
	row := s.db.QueryRow(
		`SELECT id, language, abstracted_prompt, abstracted_code, created_at
		 FROM content_units WHERE id = ?`, id,
	)
	var u ContentUnit
	if err := row.Scan(&u.ID, &u.Language, &u.AbstractedPrompt, &u.AbstractedCode, &u.CreatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// Mappings returns the mappings owned by a content unit.
func (s *Store) Mappings(contentID string) ([]StoredMapping, error) {
	rows, err := s.db.Query(
		`SELECT id, content_id, original, abstracted, reference_type, low_confidence, validated, created_at
		 FROM abstraction_mappings WHERE content_id = ? ORDER BY id`, contentID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []StoredMapping
	for rows.Next() {
		var m StoredMapping
		var lowConf, validated int
		if err := rows.Scan(&m.ID, &m.ContentID, &m.Original, &m.Abstracted, &m.Type, &lowConf, &validated, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.LowConfidence = lowConf != 0
		m.Validated = validated != 0
		results = append(results, m)
	}
	return results, rows.Err()
}

// MetricsFor returns the safety metrics row for a content unit.
func (s *Store) MetricsFor(contentID string) (*Metrics, error) {
	row := s.db.QueryRow(
		`SELECT content_id, concrete_ref_count, abstracted_ref_count, abstraction_score, safety_violations
		 FROM safety_metrics WHERE content_id = ?`, contentID,
	)
	var m Metrics
	if err := row.Scan(&m.ContentID, &m.ConcreteRefCount, &m.AbstractedRefCount, &m.AbstractionScore, &m.SafetyViolations); err != nil {
		return nil, err
	}
	return &m, nil
}

// ─── Validation log ──────────────────────────────────────────────────────────

// AppendValidation appends one validation log entry. The result/error_count
// invariant is double-checked here and again by the table constraint.
func (s *Store) AppendValidation(e LogEntry) error {
	if e.Result != (e.ErrorCount == 0) {
		return fmt.Errorf("vault: log entry result=%v inconsistent with error_count=%d", e.Result, e.ErrorCount)
	}
	_, err := s.db.Exec(
		`INSERT INTO validation_log (content_id, validation_type, result, error_count, errors)
		 VALUES (?, ?, ?, ?, ?)`,
		e.ContentID, e.ValidationType, boolToInt(e.Result), e.ErrorCount, nullableString(e.Errors),
	)
	if err != nil {
		return fmt.Errorf("vault: append validation log: %w", err)
	}
	return nil
}

// ValidationLog returns the log entries for a content unit, oldest first.
func (s *Store) ValidationLog(contentID string) ([]LogEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, content_id, validation_type, result, error_count, ifnull(errors, ''), validated_at
		 FROM validation_log WHERE content_id = ? ORDER BY id`, contentID,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []LogEntry
	for rows.Next() {
		var e LogEntry
		var result int
		if err := rows.Scan(&e.ID, &e.ContentID, &e.ValidationType, &result, &e.ErrorCount, &e.Errors, &e.ValidatedAt); err != nil {
			return nil, err
		}
		e.Result = result != 0
		results = append(results, e)
	}
	return results, rows.Err()
}

// ─── Audit sink ──────────────────────────────────────────────────────────────

// Append implements audit.Sink over the audit_events table.
func (s *Store) Append(e audit.Event) error {
	_, err := s.db.Exec(
		`INSERT INTO audit_events (id, event_type, source, content_id, action, details, safety_impact, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Type), e.Source, nullableString(e.ContentID), e.Action,
		nullableString(e.Details), e.SafetyImpact, e.At,
	)
	return err
}

// AuditEvents returns audit events, newest first, optionally filtered by
// content id.
func (s *Store) AuditEvents(contentID string, limit int) ([]audit.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, event_type, source, ifnull(content_id, ''), action, ifnull(details, ''), safety_impact, at
	          FROM audit_events WHERE 1=1`
	args := []any{}
	if contentID != "" {
		query += " AND content_id = ?"
		args = append(args, contentID)
	}
	query += " ORDER BY at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []audit.Event
	for rows.Next() {
		var e audit.Event
		var typ string
		if err := rows.Scan(&e.ID, &typ, &e.Source, &e.ContentID, &e.Action, &e.Details, &e.SafetyImpact, &e.At); err != nil {
			return nil, err
		}
		e.Type = audit.EventType(typ)
		results = append(results, e)
	}
	return results, rows.Err()
}

// ─── Search / stats ──────────────────────────────────────────────────────────

// Search runs FTS over abstracted content. Raw content is never stored, so
// there is nothing concrete to leak through search results.
func (s *Store) Search(query string, limit int) ([]SearchResult, error) {
	if limit <= 0 || limit > s.cfg.MaxSearchResults {
		limit = s.cfg.MaxSearchResults
	}
	rows, err := s.db.Query(
		`SELECT u.id, u.language, u.abstracted_prompt, u.abstracted_code, u.created_at, f.rank
		 FROM units_fts f
		 JOIN content_units u ON u.rowid = f.rowid
		 WHERE units_fts MATCH ?
		 ORDER BY f.rank
		 LIMIT ?`,
		sanitizeFTS(query), limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.ID, &r.Language, &r.AbstractedPrompt, &r.AbstractedCode, &r.CreatedAt, &r.Rank); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// VaultStats returns aggregate statistics.
func (s *Store) VaultStats() (Stats, error) {
	var st Stats
	row := s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM content_units),
			(SELECT COUNT(*) FROM abstraction_mappings),
			(SELECT COUNT(*) FROM audit_events),
			(SELECT COUNT(*) FROM conflicts WHERE resolution_status = 'open'),
			(SELECT ifnull(AVG(abstraction_score), 0) FROM safety_metrics),
			(SELECT COUNT(*) FROM validation_log WHERE result = 0),
			(SELECT COUNT(*) FROM validation_log WHERE result = 1)
	`)
	if err := row.Scan(&st.TotalUnits, &st.TotalMappings, &st.TotalAudits, &st.OpenConflicts,
		&st.AverageScore, &st.RejectedRuns, &st.AcceptedRuns); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// sanitizeFTS wraps each word in quotes for safe FTS5 queries.
func sanitizeFTS(query string) string {
	words := strings.Fields(query)
	for i, w := range words {
		w = strings.Trim(w, `"`)
		words[i] = `"` + w + `"`
	}
	return strings.Join(words, " ")
}

// MarshalErrors serializes structured errors for the validation log.
func MarshalErrors(errs []safety.Error) string {
	if len(errs) == 0 {
		return ""
	}
	b, err := json.Marshal(errs)
	if err != nil {
		return fmt.Sprintf("%d errors (unserializable)", len(errs))
	}
	return string(b)
}

// Now returns the current time formatted for SQLite.
func Now() string {
	return time.Now().UTC().Format("2006-01-02 15:04:05")
}
