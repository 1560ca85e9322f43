package config

import "sync/atomic"

// EnforcementMode is the one legitimate process-wide policy knob. It can be
// flipped at runtime (shadow rollouts) and is read on every decision, so it
// lives behind an atomic rather than a mutex.
type EnforcementMode struct {
	shadow atomic.Bool
}

const (
	ModeEnforce = "enforce"
	ModeShadow  = "shadow"
)

// NewEnforcementMode parses the mode string; anything other than "shadow"
// means enforce.
func NewEnforcementMode(mode string) *EnforcementMode {
	m := &EnforcementMode{}
	m.Set(mode)
	return m
}

// Set updates the mode.
func (m *EnforcementMode) Set(mode string) {
	m.shadow.Store(mode == ModeShadow)
}

// Shadow reports whether decisions are logged but not enforced.
func (m *EnforcementMode) Shadow() bool { return m.shadow.Load() }

// String returns the current mode name.
func (m *EnforcementMode) String() string {
	if m.Shadow() {
		return ModeShadow
	}
	return ModeEnforce
}
