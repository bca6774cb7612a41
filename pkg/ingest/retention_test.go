package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRetention(t *testing.T) {
	r, err := ParseRetention(7, []string{"front=10", " back = 0 "})
	require.NoError(t, err)

	assert.Equal(t, 10, r.DaysFor("front"))
	assert.Equal(t, 0, r.DaysFor("back"))
	assert.Equal(t, 7, r.DaysFor("garage"))
}

func TestParseRetention_Invalid(t *testing.T) {
	for _, o := range []string{"front", "=3", "front=soon"} {
		_, err := ParseRetention(7, []string{o})
		assert.Error(t, err, o)
	}
}
