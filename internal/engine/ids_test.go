package engine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivedID(t *testing.T) {
	a := DerivedID("2024", "alice")
	assert.Equal(t, a, DerivedID("2024", "alice"))
	assert.NotEqual(t, a, DerivedID("2024", "bob"))
	assert.NotEqual(t, a, DerivedID("2025", "alice"))

	parsed, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(5), parsed.Version())
}
