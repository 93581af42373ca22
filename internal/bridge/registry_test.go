// ABOUTME: Tests for the live connection registry.
// ABOUTME: Covers replacement semantics and stale-handle unregistration.

package bridge

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := newTestRegistry()
	peer := &mockPeer{}

	r.Register("inst-1", peer)

	got, ok := r.Get("inst-1")
	require.True(t, ok)
	assert.Same(t, peer, got.(*mockPeer))
	assert.Equal(t, 1, r.Count())

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistryReplace(t *testing.T) {
	r := newTestRegistry()
	old := &mockPeer{}
	replacement := &mockPeer{}

	r.Register("inst-1", old)
	r.Register("inst-1", replacement)

	got, ok := r.Get("inst-1")
	require.True(t, ok)
	assert.Same(t, replacement, got.(*mockPeer))
	assert.Equal(t, 1, r.Count())
}

func TestRegistryUnregisterStaleHandle(t *testing.T) {
	r := newTestRegistry()
	old := &mockPeer{}
	replacement := &mockPeer{}

	r.Register("inst-1", old)
	r.Register("inst-1", replacement)

	// The replaced handle's teardown must not remove its successor.
	r.Unregister("inst-1", old)
	got, ok := r.Get("inst-1")
	require.True(t, ok)
	assert.Same(t, replacement, got.(*mockPeer))

	r.Unregister("inst-1", replacement)
	_, ok = r.Get("inst-1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
}

func TestRegistryAllIsCopy(t *testing.T) {
	r := newTestRegistry()
	r.Register("inst-1", &mockPeer{})

	all := r.All()
	delete(all, "inst-1")

	_, ok := r.Get("inst-1")
	assert.True(t, ok)
}
