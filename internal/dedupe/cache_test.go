// ABOUTME: Tests for the TTL-based publish dedupe cache.

package dedupe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckAndMark(t *testing.T) {
	c := New(time.Minute)

	assert.False(t, c.CheckAndMark("m1"), "first sighting is not a duplicate")
	assert.True(t, c.CheckAndMark("m1"), "second sighting is a duplicate")
	assert.False(t, c.CheckAndMark("m2"))
	assert.Equal(t, 2, c.Len())
}

func TestEntriesExpire(t *testing.T) {
	c := New(20 * time.Millisecond)

	assert.False(t, c.CheckAndMark("m1"))
	time.Sleep(50 * time.Millisecond)
	assert.False(t, c.CheckAndMark("m1"), "expired entry is a fresh sighting")
}
