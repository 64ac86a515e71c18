package cache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaycache/relaycache/internal/cache"
)

func TestHeaderMap_CaseAndSeparatorFolding(t *testing.T) {
	h := cache.NewHeaderMap()
	h.Set("X-Test", "1")
	assert.Equal(t, "1", h.Get("x_test"))
	assert.Equal(t, "1", h.Get("x-TESt"))
	assert.Equal(t, "1", h.Get("X_tesT"))

	h.Set("x_test", "2")
	assert.Equal(t, "2", h.Get("X-Test"))
}

func TestHeaderMap_LastWrittenDisplayForm(t *testing.T) {
	h := cache.NewHeaderMap()
	h.Set("X-Test", "1")
	h.Set("x-TESt", "2")
	h.Set("x_test", "3")

	var displays []string
	h.Range(func(display, value string) {
		displays = append(displays, display)
		assert.Equal(t, "3", value)
	})
	assert.Equal(t, []string{"x_test"}, displays)
}

func TestHeaderMap_DelAndHas(t *testing.T) {
	h := cache.NewHeaderMap()
	h.Set("Accept", "text/html")
	assert.True(t, h.Has("accept"))
	h.Del("ACCEPT")
	assert.False(t, h.Has("accept"))
	assert.Equal(t, 0, h.Len())
}

func TestHeaderMap_MergeFromIsMergeNotReplace(t *testing.T) {
	dst := cache.NewHeaderMap()
	dst.Set("X-Seeded", "seed")

	src := cache.NewHeaderMap()
	src.Set("X-Test", "1")
	src.Set("X-Seeded", "overwritten")

	dst.MergeFrom(src)
	assert.Equal(t, "1", dst.Get("X-Test"))
	assert.Equal(t, "overwritten", dst.Get("X-Seeded"))
}

func TestHeaderMap_EqualsExact(t *testing.T) {
	a := cache.NewHeaderMap()
	a.Set("X-Test", "1")
	b := cache.NewHeaderMap()
	b.Set("x_test", "1")
	assert.True(t, a.EqualsExact(b))

	b.Set("x_test", "2")
	assert.False(t, a.EqualsExact(b))
}
