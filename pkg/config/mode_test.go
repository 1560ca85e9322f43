package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnforcementMode(t *testing.T) {
	m := NewEnforcementMode(ModeEnforce)
	assert.False(t, m.Shadow())
	assert.Equal(t, "enforce", m.String())

	m.Set(ModeShadow)
	assert.True(t, m.Shadow())
	assert.Equal(t, "shadow", m.String())

	// Unknown strings fail closed to enforce.
	m.Set("bogus")
	assert.False(t, m.Shadow())
}
