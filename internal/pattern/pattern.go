// Package pattern holds the learned-automation data model and the matcher
// that decides whether a stored pattern can answer an incoming request.
package pattern

import (
	"time"

	"github.com/google/uuid"
)

// Action is the concrete, replayable instruction a pattern carries.
type Action struct {
	Target    string `json:"target"`    // element locator (CSS selector or equivalent)
	Operation string `json:"operation"` // e.g. "click", "fill", "select"
	Value     string `json:"value,omitempty"`
}

// PageContext describes the environment a pattern was learned in, and the
// environment an incoming request originates from.
type PageContext struct {
	Domain      string `json:"domain"`
	Path        string `json:"path,omitempty"`        // concrete URL path of the requesting page
	PathPattern string `json:"pathPattern,omitempty"` // doublestar glob over the URL path
	Fingerprint string `json:"pageStructureFingerprint,omitempty"`
}

// AutomationPattern is a reusable, learned response to a message type.
// Confidence starts at 1.0 on capture and is revised after each replay.
type AutomationPattern struct {
	ID           string                 `json:"id"`
	MessageType  string                 `json:"messageType"`
	PayloadShape map[string]interface{} `json:"payloadShape"`
	Action       Action                 `json:"action"`
	Context      PageContext            `json:"context"`
	Confidence   float64                `json:"confidence"`
	UsageCount   int                    `json:"usageCount"`
	CreatedAt    time.Time              `json:"createdAt"`
	LastUsedAt   time.Time              `json:"lastUsedAt"`
}

// New creates a pattern with a generated id and full initial confidence.
func New(messageType string, payload map[string]interface{}, action Action, ctx PageContext) *AutomationPattern {
	now := time.Now().UTC()
	return &AutomationPattern{
		ID:           uuid.New().String(),
		MessageType:  messageType,
		PayloadShape: clonePayload(payload),
		Action:       action,
		Context:      ctx,
		Confidence:   1.0,
		UsageCount:   0,
		CreatedAt:    now,
		LastUsedAt:   now,
	}
}

// Confidence update factors. Bounded exponential: repeated successes
// asymptotically approach 1.0, repeated failures approach 0.0.
const (
	confidenceGain  = 0.2
	confidenceDecay = 0.3
)

// RecordSuccess nudges confidence toward 1.0 and bumps usage.
func (p *AutomationPattern) RecordSuccess() {
	p.Confidence = clamp(p.Confidence + confidenceGain*(1.0-p.Confidence))
	p.UsageCount++
	p.LastUsedAt = time.Now().UTC()
}

// RecordFailure nudges confidence toward 0.0. Usage count is unchanged;
// it tracks successful replays only.
func (p *AutomationPattern) RecordFailure() {
	p.Confidence = clamp(p.Confidence - confidenceDecay*p.Confidence)
}

func clamp(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < 0.0 {
		return 0.0
	}
	return v
}

func clonePayload(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
