// Package abstraction rewrites detected concrete references into
// deterministic placeholder tokens and verifies the rewrite afterward.
package abstraction

import (
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/mgrinell/veil/internal/catalog"
	"github.com/mgrinell/veil/internal/detect"
)

// Mapping records one concrete→placeholder substitution within a content
// unit. Immutable once the unit is validated.
type Mapping struct {
	Original      string                `json:"original"`
	Abstracted    string                `json:"abstracted"`
	Type          catalog.ReferenceType `json:"reference_type"`
	LowConfidence bool                  `json:"low_confidence,omitempty"`
}

// DefaultConfidenceFloor is the confidence below which a mapping is
// flagged low_confidence. The reference is still abstracted; a detected
// span is never silently dropped.
const DefaultConfidenceFloor = 0.3

// Engine generates placeholders and rewrites text.
type Engine struct {
	cat   *catalog.Catalog
	floor float64
}

// NewEngine creates an Engine over the shared catalog with the given
// confidence floor. A floor of zero uses the default.
func NewEngine(cat *catalog.Catalog, floor float64) *Engine {
	if floor <= 0 {
		floor = DefaultConfidenceFloor
	}
	return &Engine{cat: cat, floor: floor}
}

// Run accumulates mappings across the fields of a single content unit so
// that a value appearing in both prompt and code maps to one placeholder.
// A Run is used by one goroutine for one unit and then discarded.
type Run struct {
	eng      *Engine
	byKey    map[string]string // normalized original+type → abstracted
	mappings []Mapping
}

// NewRun starts an abstraction run for one content unit.
func (e *Engine) NewRun() *Run {
	return &Run{eng: e, byKey: make(map[string]string)}
}

// Abstract rewrites text, replacing each detected reference with its
// placeholder. References are applied in descending span order so earlier
// offsets stay valid during replacement. Overlapping detections of the
// same region keep the highest-confidence candidate.
func (r *Run) Abstract(text string, refs []detect.Reference) string {
	chosen := resolveOverlaps(refs)

	// Descending by span start.
	sort.SliceStable(chosen, func(i, j int) bool {
		return chosen[i].Span.Start > chosen[j].Span.Start
	})

	out := text
	for _, ref := range chosen {
		placeholder := r.placeholderFor(ref)
		out = out[:ref.Span.Start] + placeholder + out[ref.Span.End:]
	}
	return out
}

// Mappings returns the mappings recorded so far, in first-seen order.
func (r *Run) Mappings() []Mapping {
	return r.mappings
}

// placeholderFor returns the placeholder for a reference, reusing the
// recorded value when the same original was already mapped in this unit.
func (r *Run) placeholderFor(ref detect.Reference) string {
	key := NormalizeOriginal(ref.Raw, ref.Type) + "|" + string(ref.Type)
	if abst, ok := r.byKey[key]; ok {
		return abst
	}
	abst := Placeholder(ref.Raw, ref.Type)
	// A preserved suffix must never re-match the catalog (a sub-path that
	// starts with another anchored prefix, an IP inside a URL path). Fall
	// back to the bare token when it would.
	if r.eng.cat != nil && r.eng.cat.Matches(abst) {
		abst = catalog.PlaceholderFor(ref.Type)
	}
	r.byKey[key] = abst
	r.mappings = append(r.mappings, Mapping{
		Original:      ref.Raw,
		Abstracted:    abst,
		Type:          ref.Type,
		LowConfidence: ref.Confidence < r.eng.floor,
	})
	return abst
}

// resolveOverlaps picks a non-overlapping subset of references, preferring
// higher confidence, then earlier detection order.
func resolveOverlaps(refs []detect.Reference) []detect.Reference {
	byConfidence := make([]int, len(refs))
	for i := range byConfidence {
		byConfidence[i] = i
	}
	sort.SliceStable(byConfidence, func(a, b int) bool {
		return refs[byConfidence[a]].Confidence > refs[byConfidence[b]].Confidence
	})

	var chosen []detect.Reference
	for _, i := range byConfidence {
		ref := refs[i]
		clash := false
		for _, c := range chosen {
			if ref.Span.Start < c.Span.End && c.Span.Start < ref.Span.End {
				clash = true
				break
			}
		}
		if !clash {
			chosen = append(chosen, ref)
		}
	}
	return chosen
}

// NormalizeOriginal returns the form under which two originals are
// considered the same value. Host-like references compare
// case-insensitively; paths and credentials compare verbatim.
func NormalizeOriginal(raw string, t catalog.ReferenceType) string {
	raw = strings.TrimSpace(raw)
	switch t {
	case catalog.TypeURL, catalog.TypeEmail, catalog.TypeIP:
		return strings.ToLower(raw)
	}
	return raw
}

// Placeholder derives the canonical placeholder for a concrete value,
// preserving structurally significant suffixes (sub-path, extension, URL
// path) so the abstracted text still reads sensibly.
func Placeholder(raw string, t catalog.ReferenceType) string {
	base := catalog.PlaceholderFor(t)
	switch t {
	case catalog.TypeFilePath:
		if suffix := pathSuffix(raw); suffix != "" {
			return base + "/" + suffix
		}
		return base
	case catalog.TypeURL:
		if p := urlPath(raw); p != "" {
			return base + p
		}
		return base
	}
	return base
}

// pathSuffix extracts the portion of a file path worth preserving: the
// sub-path under the project directory for home paths, the basename
// otherwise.
func pathSuffix(raw string) string {
	if strings.HasPrefix(raw, "/home/") || strings.HasPrefix(raw, "/Users/") {
		segs := strings.Split(strings.Trim(raw, "/"), "/")
		// home/<user>/<project>/rest... → rest
		if len(segs) > 3 {
			return strings.Join(segs[3:], "/")
		}
		return segs[len(segs)-1]
	}
	if i := strings.LastIndexByte(raw, '\\'); i >= 0 {
		return raw[i+1:]
	}
	return path.Base(raw)
}

// urlPath returns the path component of a URL, without query or fragment.
func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" || u.Path == "/" {
		return ""
	}
	return u.Path
}
