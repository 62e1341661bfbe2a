package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentHashDeterministic(t *testing.T) {
	a := ContentHash("user", "remember this", "/srv/proj")
	b := ContentHash("user", "remember this", "/srv/proj")
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestContentHashTrimsContent(t *testing.T) {
	a := ContentHash("user", "  remember this\n", "/srv/proj")
	b := ContentHash("user", "remember this", "/srv/proj")
	assert.Equal(t, a, b)
}

func TestContentHashSensitivity(t *testing.T) {
	base := ContentHash("user", "remember this", "/srv/proj")

	assert.NotEqual(t, base, ContentHash("assistant", "remember this", "/srv/proj"),
		"role must be significant")
	assert.NotEqual(t, base, ContentHash("User", "remember this", "/srv/proj"),
		"role case must be preserved")
	assert.NotEqual(t, base, ContentHash("user", "remember that", "/srv/proj"))
	assert.NotEqual(t, base, ContentHash("user", "remember this", "/srv/other"),
		"same content in different projects must not collide")
}
