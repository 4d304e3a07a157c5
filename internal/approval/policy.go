// Package approval implements the gating policy between a proposed tool
// call and its execution: which calls require a human decision, and which
// session-scoped grants bypass that decision on a later identical call.
//
// It generalizes internal/permission's ask/allow/deny-by-type model into the
// total-order ApprovalLevel threshold described in spec.md §4.1: a tool
// declares one static types.ApprovalLevel, the policy holds one threshold,
// and requires_approval is simply level >= threshold.
package approval

import (
	"sync"

	"github.com/cowork-dev/cowork/pkg/types"
)

// Preset names the three named threshold presets from spec.md §4.1, plus a
// direct-level escape hatch.
type Preset string

const (
	// PresetPermissive gates only Critical operations.
	PresetPermissive Preset = "permissive"
	// PresetStandard gates Medium and above. This is the default.
	PresetStandard Preset = "standard"
	// PresetStrict gates everything above None.
	PresetStrict Preset = "strict"
)

// ThresholdForPreset maps a named preset to its ApprovalLevel threshold.
func ThresholdForPreset(p Preset) types.ApprovalLevel {
	switch p {
	case PresetPermissive:
		return types.LevelCritical
	case PresetStrict:
		return types.LevelLow
	case PresetStandard:
		fallthrough
	default:
		return types.LevelMedium
	}
}

// grantKey identifies either a specific call or a whole tool name within a
// session's grant set; both kinds of grant last until ClearSession drops the
// session's grants.
type grantKey struct {
	sessionID string
	key       string // "call:<id>" or "tool:<name>"
}

// Policy decides whether a tool invocation requires user confirmation and
// holds the per-session grants that bypass that decision. A fresh session
// starts with an empty grant set; grants never persist across sessions, per
// spec.md §4.1.
type Policy struct {
	mu        sync.RWMutex
	threshold types.ApprovalLevel
	grants    map[grantKey]bool
}

// New creates a Policy gating at the given threshold.
func New(threshold types.ApprovalLevel) *Policy {
	return &Policy{
		threshold: threshold,
		grants:    make(map[grantKey]bool),
	}
}

// NewFromPreset creates a Policy using one of the three named presets.
func NewFromPreset(p Preset) *Policy {
	return New(ThresholdForPreset(p))
}

// RequiresApproval reports whether a tool declaring the given level must be
// gated under the current threshold: true iff level >= threshold.
func (p *Policy) RequiresApproval(level types.ApprovalLevel) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return level >= p.threshold
}

// Threshold returns the policy's current gating threshold.
func (p *Policy) Threshold() types.ApprovalLevel {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.threshold
}

// SetThreshold updates the gating threshold in place.
func (p *Policy) SetThreshold(level types.ApprovalLevel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threshold = level
}

// IsPreApproved reports whether a call or tool name already carries a
// session-scoped grant.
func (p *Policy) IsPreApproved(sessionID, toolName, callID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.grants[grantKey{sessionID, "tool:" + toolName}] {
		return true
	}
	return p.grants[grantKey{sessionID, "call:" + callID}]
}

// ApproveForSession persists a grant valid for the remainder of this
// session only. Passing an empty callID grants the whole tool name;
// otherwise the grant is scoped to that one call_id. Applying the same
// grant twice is idempotent (spec.md §8).
func (p *Policy) ApproveForSession(sessionID, toolName, callID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if callID != "" {
		p.grants[grantKey{sessionID, "call:" + callID}] = true
		return
	}
	p.grants[grantKey{sessionID, "tool:" + toolName}] = true
}

// ClearSession drops every grant belonging to a session. Called when a
// session terminates, since grants never persist across sessions.
func (p *Policy) ClearSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.grants {
		if k.sessionID == sessionID {
			delete(p.grants, k)
		}
	}
}
