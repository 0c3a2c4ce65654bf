package vault

import (
	"fmt"

	"github.com/mgrinell/veil/internal/abstraction"
	"github.com/mgrinell/veil/internal/catalog"
)

// Conflict records drift between a stored abstraction and the placeholder
// the current catalog would produce for the same original. Conflicts are
// created on detection, moved to resolved or ignored by a reviewer, and
// never deleted.
type Conflict struct {
	ID               int64  `json:"id"`
	ReferenceID      int64  `json:"reference_id"`
	ConflictType     string `json:"conflict_type"`
	Severity         string `json:"severity"`
	DetectedAt       string `json:"detected_at"`
	ResolutionStatus string `json:"resolution_status"`
}

// Conflict resolution states.
const (
	ConflictOpen     = "open"
	ConflictResolved = "resolved"
	ConflictIgnored  = "ignored"
)

// DetectDrift re-derives the canonical placeholder for every stored
// mapping of a content unit and opens a conflict for each mapping whose
// stored abstraction no longer matches. Already-open conflicts for a
// mapping are not duplicated.
func (s *Store) DetectDrift(contentID string) ([]Conflict, error) {
	mappings, err := s.Mappings(contentID)
	if err != nil {
		return nil, fmt.Errorf("vault: drift scan: %w", err)
	}

	var opened []Conflict
	for _, m := range mappings {
		want := abstraction.Placeholder(m.Original, m.Type)
		// Same fallback the engine applies when a preserved suffix would
		// itself match a rule.
		if s.enforcer.cat.Matches(want) {
			want = catalog.PlaceholderFor(m.Type)
		}
		if want == m.Abstracted {
			continue
		}

		var existing int
		err := s.db.QueryRow(
			`SELECT COUNT(*) FROM conflicts WHERE reference_id = ? AND resolution_status = 'open'`,
			m.ID,
		).Scan(&existing)
		if err != nil {
			return nil, fmt.Errorf("vault: drift scan: %w", err)
		}
		if existing > 0 {
			continue
		}

		res, err := s.db.Exec(
			`INSERT INTO conflicts (reference_id, conflict_type, severity) VALUES (?, ?, ?)`,
			m.ID, "placeholder_drift", driftSeverity(m.Type),
		)
		if err != nil {
			return nil, fmt.Errorf("vault: open conflict: %w", err)
		}
		id, _ := res.LastInsertId()
		opened = append(opened, Conflict{
			ID:               id,
			ReferenceID:      m.ID,
			ConflictType:     "placeholder_drift",
			Severity:         driftSeverity(m.Type),
			ResolutionStatus: ConflictOpen,
		})
	}
	return opened, nil
}

// OpenConflicts lists unresolved conflicts, oldest first.
func (s *Store) OpenConflicts(limit int) ([]Conflict, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, reference_id, conflict_type, severity, detected_at, resolution_status
		 FROM conflicts WHERE resolution_status = 'open' ORDER BY id LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []Conflict
	for rows.Next() {
		var c Conflict
		if err := rows.Scan(&c.ID, &c.ReferenceID, &c.ConflictType, &c.Severity, &c.DetectedAt, &c.ResolutionStatus); err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// ResolveConflict transitions an open conflict to resolved or ignored.
// The transition is one-way; there is no reopen.
func (s *Store) ResolveConflict(id int64, status string) error {
	if status != ConflictResolved && status != ConflictIgnored {
		return fmt.Errorf("vault: invalid resolution status %q", status)
	}
	res, err := s.db.Exec(
		`UPDATE conflicts SET resolution_status = ? WHERE id = ? AND resolution_status = 'open'`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("vault: resolve conflict: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("vault: conflict %d not found or not open", id)
	}
	return nil
}

// driftSeverity ranks how dangerous stale abstractions of each type are.
func driftSeverity(t catalog.ReferenceType) string {
	switch t {
	case catalog.TypeCredential:
		return "high"
	case catalog.TypeFilePath, catalog.TypeURL:
		return "medium"
	}
	return "low"
}
