package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamma/internal/fault"
	"github.com/tamma/pkg/models"
)

type fakeAdapter struct{ name string }

func TestRegisterAndGet(t *testing.T) {
	r := New[*fakeAdapter]()
	desc := models.CapabilityDescriptor{Streaming: true, Models: []string{"m1"}}

	require.NoError(t, r.Register("a", &fakeAdapter{name: "a"}, desc))

	e, err := r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", e.Adapter.name)
	assert.True(t, e.Descriptor.Streaming)
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	r := New[*fakeAdapter]()
	require.NoError(t, r.Register("a", &fakeAdapter{}, models.CapabilityDescriptor{}))

	err := r.Register("a", &fakeAdapter{}, models.CapabilityDescriptor{})
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.DuplicateRegistration))
}

func TestGetUnknownName(t *testing.T) {
	r := New[*fakeAdapter]()
	_, err := r.Get("missing")
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.NotRegistered))
}

func TestListByCapability(t *testing.T) {
	r := New[*fakeAdapter]()
	require.NoError(t, r.Register("a", &fakeAdapter{}, models.CapabilityDescriptor{Streaming: true}))
	require.NoError(t, r.Register("b", &fakeAdapter{}, models.CapabilityDescriptor{Streaming: false}))

	assert.Equal(t, []string{"a"}, r.ListByCapability(models.CapStreaming))
	assert.Empty(t, r.ListByCapability(models.CapWebhooks))
	assert.Empty(t, r.ListByCapability("no_such_flag"))
}

func TestDescriptorIsSnapshotNotReference(t *testing.T) {
	r := New[*fakeAdapter]()
	input := models.CapabilityDescriptor{Streaming: true, Models: []string{"m1", "m2"}}
	require.NoError(t, r.Register("a", &fakeAdapter{}, input))

	// Mutating the caller's descriptor after registration must not leak
	// into the registry.
	input.Streaming = false
	input.Models[0] = "poisoned"

	e, err := r.Get("a")
	require.NoError(t, err)
	assert.True(t, e.Descriptor.Streaming)
	assert.Equal(t, "m1", e.Descriptor.Models[0])

	// Same discipline for refresh: the registry copy is immutable after
	// the call returns.
	fresh := models.CapabilityDescriptor{Streaming: false, Models: []string{"m3"}}
	require.NoError(t, r.RefreshDescriptor("a", fresh))
	fresh.Models[0] = "poisoned"

	e, err = r.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "m3", e.Descriptor.Models[0])
	assert.False(t, e.Descriptor.Streaming)
}

func TestRefreshUnknownName(t *testing.T) {
	r := New[*fakeAdapter]()
	err := r.RefreshDescriptor("missing", models.CapabilityDescriptor{})
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.NotRegistered))
}

func TestInvalidDescriptorRejected(t *testing.T) {
	r := New[*fakeAdapter]()
	err := r.Register("a", &fakeAdapter{}, models.CapabilityDescriptor{MaxInputTokens: -1})
	require.Error(t, err)
	assert.True(t, fault.IsCode(err, fault.InvalidConfig))
}

func TestNamesSorted(t *testing.T) {
	r := New[*fakeAdapter]()
	for _, n := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, r.Register(n, &fakeAdapter{}, models.CapabilityDescriptor{}))
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, r.Names())
}
