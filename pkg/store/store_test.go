package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusMonotonicity(t *testing.T) {
	assert.True(t, StatusQueued.CanAdvance(StatusRinging))
	assert.True(t, StatusQueued.CanAdvance(StatusFailed))
	assert.True(t, StatusRinging.CanAdvance(StatusInProgress))
	assert.True(t, StatusInProgress.CanAdvance(StatusCompleted))

	// Never backwards, never out of a terminal state.
	assert.False(t, StatusRinging.CanAdvance(StatusQueued))
	assert.False(t, StatusInProgress.CanAdvance(StatusRinging))
	assert.False(t, StatusCompleted.CanAdvance(StatusFailed))
	assert.False(t, StatusFailed.CanAdvance(StatusInProgress))
	assert.False(t, StatusInProgress.CanAdvance(StatusInProgress))
}

func TestMemoryStoreCallLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	rec := &CallRecord{
		ID:        "call-1",
		TenantID:  "tenant-a",
		Target:    "alice@example.com",
		Status:    StatusQueued,
		CreatedAt: time.Now(),
	}
	require.NoError(t, s.SaveCall(ctx, rec))

	got, err := s.GetCall(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)

	active, err := s.ListActiveCalls(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	rec.Status = StatusCompleted
	require.NoError(t, s.SaveCall(ctx, rec))
	active, err = s.ListActiveCalls(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	require.NoError(t, s.DeleteCall(ctx, "call-1"))
	_, err = s.GetCall(ctx, "call-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProviderCredentialsVariants(t *testing.T) {
	rest, err := NewRestCredentials("key", "secret", "https://api.example.com")
	require.NoError(t, err)
	assert.Equal(t, CredentialRest, rest.Kind)

	sip, err := NewSipCredentials("1001", "hunter2", "sip.example.com")
	require.NoError(t, err)
	assert.Equal(t, CredentialSip, sip.Kind)

	_, err = NewRestCredentials("key", "", "")
	assert.Error(t, err)
	_, err = NewSipCredentials("1001", "", "sip.example.com")
	assert.Error(t, err)

	// The two variants must not mix fields.
	mixed := &ProviderCredentials{Kind: CredentialRest, APIKey: "k", APISecret: "s", Identity: "1001"}
	assert.Error(t, mixed.Validate())
	assert.Error(t, (&ProviderCredentials{Kind: "ldap"}).Validate())
}

func TestMemoryStoreCredentials(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	creds, err := NewSipCredentials("1001", "hunter2", "sip.example.com")
	require.NoError(t, err)
	require.NoError(t, s.SaveCredentials(ctx, "tenant-a", creds))

	got, err := s.GetCredentials(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "1001", got.Identity)

	_, err = s.GetCredentials(ctx, "tenant-b")
	assert.ErrorIs(t, err, ErrNotFound)
}
