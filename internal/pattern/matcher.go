package pattern

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrLowConfidence signals that no stored pattern scored above the floor.
// It is a fallback signal, not a failure: callers dispatch the raw request
// instead of replaying a pattern.
var ErrLowConfidence = errors.New("no pattern above confidence floor")

// MatchFloor is the minimum score×confidence a candidate must reach.
// Below it the matcher returns ErrLowConfidence rather than risk a wrong
// replay. Tunable policy, not a protocol constant.
const MatchFloor = 0.5

// pathMissDamp penalizes same-type candidates whose learned path glob does
// not cover the requesting page.
const pathMissDamp = 0.8

// Store is the slice of persistence the matcher needs. Satisfied by
// store.SQLiteStore.
type Store interface {
	PatternsByMessageType(messageType string) ([]*AutomationPattern, error)
	GetPattern(id string) (*AutomationPattern, error)
	SavePattern(p *AutomationPattern) error
}

// Match is a scored candidate returned by FindMatch.
type Match struct {
	Pattern    *AutomationPattern
	Confidence float64 // score × pattern confidence
}

// Matcher scores stored patterns against incoming automation requests.
type Matcher struct {
	store Store
}

// NewMatcher creates a matcher over the given store.
func NewMatcher(s Store) *Matcher {
	return &Matcher{store: s}
}

// FindMatch returns the best stored pattern for the request, or
// ErrLowConfidence when nothing scores above MatchFloor. Candidates are
// filtered to the exact message type; cross-type matching never happens.
func (m *Matcher) FindMatch(messageType string, payload map[string]interface{}, pageCtx PageContext) (*Match, error) {
	candidates, err := m.store.PatternsByMessageType(messageType)
	if err != nil {
		return nil, fmt.Errorf("failed to load candidates: %w", err)
	}

	var best *Match
	for _, cand := range candidates {
		if !m.contextApplies(cand, pageCtx) {
			continue
		}

		score := payloadSimilarity(payload, cand)
		if cand.Context.PathPattern != "" && pageCtx.Path != "" {
			if ok, err := doublestar.Match(cand.Context.PathPattern, pageCtx.Path); err != nil || !ok {
				score *= pathMissDamp
			}
		}

		combined := score * cand.Confidence
		if best == nil || better(cand, combined, best) {
			best = &Match{Pattern: cand, Confidence: combined}
		}
	}

	if best == nil || best.Confidence < MatchFloor {
		return nil, ErrLowConfidence
	}
	return best, nil
}

// ReportOutcome records a replay result. Success nudges confidence up and
// bumps usage; failure decays confidence. The update is persisted before
// returning so subsequent matches see it.
func (m *Matcher) ReportOutcome(id string, success bool) error {
	p, err := m.store.GetPattern(id)
	if err != nil {
		return fmt.Errorf("failed to load pattern %s: %w", id, err)
	}
	if success {
		p.RecordSuccess()
	} else {
		p.RecordFailure()
	}
	if err := m.store.SavePattern(p); err != nil {
		return fmt.Errorf("failed to persist outcome for %s: %w", id, err)
	}
	return nil
}

// contextApplies gates candidates by domain, with a cross-site escape hatch:
// a pattern learned on another domain still applies when both pages carry
// the same structure fingerprint.
func (m *Matcher) contextApplies(cand *AutomationPattern, pageCtx PageContext) bool {
	if cand.Context.Domain == "" || pageCtx.Domain == "" {
		return true
	}
	if cand.Context.Domain == pageCtx.Domain {
		return true
	}
	return FingerprintsMatch(cand.Context.Fingerprint, pageCtx.Fingerprint)
}

// payloadSimilarity scores structural overlap between the request payload
// and a candidate's learned shape: overlapping keys with equal or
// type-compatible values over the larger key-set size. A payload that names
// the candidate's action target explicitly short-circuits to 1.0.
func payloadSimilarity(payload map[string]interface{}, cand *AutomationPattern) float64 {
	for _, key := range []string{"selector", "element", "target"} {
		if ref, ok := payload[key].(string); ok && ref != "" && ref == cand.Action.Target {
			return 1.0
		}
	}

	shape := cand.PayloadShape
	if len(payload) == 0 && len(shape) == 0 {
		return 1.0
	}
	larger := len(payload)
	if len(shape) > larger {
		larger = len(shape)
	}
	if larger == 0 {
		return 0
	}

	overlap := 0
	for k, v := range payload {
		sv, ok := shape[k]
		if !ok {
			continue
		}
		if compatibleValues(v, sv) {
			overlap++
		}
	}
	return float64(overlap) / float64(larger)
}

// compatibleValues treats the stored shape value as an example, not an exact
// requirement: equal values match, and so do values of the same JSON kind.
func compatibleValues(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return reflect.TypeOf(a) == reflect.TypeOf(b)
}

// better applies the selection order: higher score×confidence, then higher
// usage count, then most recent use.
func better(cand *AutomationPattern, combined float64, cur *Match) bool {
	if combined != cur.Confidence {
		return combined > cur.Confidence
	}
	if cand.UsageCount != cur.Pattern.UsageCount {
		return cand.UsageCount > cur.Pattern.UsageCount
	}
	return cand.LastUsedAt.After(cur.Pattern.LastUsedAt)
}
