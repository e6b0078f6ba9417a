package securestore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

// fakeBridge is a scriptable biometric bridge for tests
type fakeBridge struct {
	availability Availability
	probeErr     error
	confirmErr   error
	confirmCalls int
}

func (f *fakeBridge) Probe(ctx context.Context) (Availability, error) {
	if f.probeErr != nil {
		return Availability{}, f.probeErr
	}
	return f.availability, nil
}

func (f *fakeBridge) Confirm(ctx context.Context, reason string) error {
	f.confirmCalls++
	return f.confirmErr
}

func newTestNativeStore(t *testing.T, bridge BiometricBridge) *NativeStore {
	t.Helper()

	keyring.MockInit()
	return NewNativeStore(bridge, nil)
}

func TestNativeStoreRoundTrip(t *testing.T) {
	store := newTestNativeStore(t, nil)
	ctx := context.Background()

	wrapping := []byte{0x01, 0x02, 0x03, 0xFF}
	wrapped := []byte{0xAA, 0xBB, 0x00, 0xCC}

	require.NoError(t, store.StoreWrappingKey(ctx, "inst-1", wrapping))
	require.NoError(t, store.StoreWrappedKey(ctx, "inst-1", wrapped))

	got, err := store.RetrieveWrappingKey(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, wrapping, got)

	got, err = store.RetrieveWrappedKey(ctx, "inst-1", RetrieveOptions{})
	require.NoError(t, err)
	assert.Equal(t, wrapped, got)
}

func TestNativeStoreMissingCredential(t *testing.T) {
	store := newTestNativeStore(t, nil)

	got, err := store.RetrieveWrappingKey(context.Background(), "inst-missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNativeStoreInstanceIsolation(t *testing.T) {
	store := newTestNativeStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.StoreWrappingKey(ctx, "inst-a", []byte("key-a")))
	require.NoError(t, store.StoreWrappingKey(ctx, "inst-b", []byte("key-b")))

	gotB, err := store.RetrieveWrappingKey(ctx, "inst-b")
	require.NoError(t, err)
	assert.Equal(t, []byte("key-b"), gotB, "instance B must never observe instance A's bytes")

	gotA, err := store.RetrieveWrappingKey(ctx, "inst-a")
	require.NoError(t, err)
	assert.Equal(t, []byte("key-a"), gotA)
}

func TestNativeStoreCredentialTypeIsolation(t *testing.T) {
	store := newTestNativeStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.StoreWrappingKey(ctx, "inst-1", []byte("wrapping")))

	// The wrapped key slot for the same instance stays empty
	got, err := store.RetrieveWrappedKey(ctx, "inst-1", RetrieveOptions{})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNativeStoreBiometricConfirmed(t *testing.T) {
	bridge := &fakeBridge{availability: Availability{Available: true, BiometryType: "fingerprint"}}
	store := newTestNativeStore(t, bridge)
	ctx := context.Background()

	require.NoError(t, store.StoreWrappedKey(ctx, "inst-1", []byte("wrapped")))

	got, err := store.RetrieveWrappedKey(ctx, "inst-1", RetrieveOptions{UseBiometric: true, Reason: "unlock"})
	require.NoError(t, err)
	assert.Equal(t, []byte("wrapped"), got)
	assert.Equal(t, 1, bridge.confirmCalls)
}

func TestNativeStoreBiometricDeclined(t *testing.T) {
	bridge := &fakeBridge{confirmErr: ErrConfirmationDeclined}
	store := newTestNativeStore(t, bridge)
	ctx := context.Background()

	require.NoError(t, store.StoreWrappedKey(ctx, "inst-1", []byte("wrapped")))

	got, err := store.RetrieveWrappedKey(ctx, "inst-1", RetrieveOptions{UseBiometric: true})
	require.NoError(t, err, "declined confirmation must not surface as an error")
	assert.Nil(t, got)

	// Presence check is unaffected and prompts nothing
	exists, err := store.HasSession(ctx, "inst-1")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 1, bridge.confirmCalls)
}

func TestNativeStoreBiometricBridgeFailure(t *testing.T) {
	bridge := &fakeBridge{confirmErr: errors.New("bridge not initialized")}
	store := newTestNativeStore(t, bridge)
	ctx := context.Background()

	require.NoError(t, store.StoreWrappedKey(ctx, "inst-1", []byte("wrapped")))

	got, err := store.RetrieveWrappedKey(ctx, "inst-1", RetrieveOptions{UseBiometric: true})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNativeStoreBiometricWithoutBridge(t *testing.T) {
	store := newTestNativeStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.StoreWrappedKey(ctx, "inst-1", []byte("wrapped")))

	got, err := store.RetrieveWrappedKey(ctx, "inst-1", RetrieveOptions{UseBiometric: true})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNativeStoreAvailabilityProbe(t *testing.T) {
	tests := []struct {
		name   string
		bridge BiometricBridge
		want   Availability
	}{
		{
			name:   "no bridge",
			bridge: nil,
			want:   Availability{Available: false},
		},
		{
			name:   "available",
			bridge: &fakeBridge{availability: Availability{Available: true, BiometryType: "face"}},
			want:   Availability{Available: true, BiometryType: "face"},
		},
		{
			name:   "probe failure reported as transient unavailable",
			bridge: &fakeBridge{probeErr: errors.New("bridge not ready")},
			want:   Availability{Available: false, Transient: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestNativeStore(t, tt.bridge)
			got := store.BiometricAvailability(context.Background())
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNativeStoreClearSession(t *testing.T) {
	store := newTestNativeStore(t, nil)
	ctx := context.Background()

	// Clearing with nothing stored is tolerated
	require.NoError(t, store.ClearSession(ctx, "inst-1"))

	require.NoError(t, store.StoreWrappingKey(ctx, "inst-1", []byte("wrapping")))
	require.NoError(t, store.StoreWrappedKey(ctx, "inst-1", []byte("wrapped")))
	require.NoError(t, store.ClearSession(ctx, "inst-1"))

	exists, err := store.HasSession(ctx, "inst-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestNativeStoreRejectsEmptyInput(t *testing.T) {
	store := newTestNativeStore(t, nil)
	ctx := context.Background()

	assert.Error(t, store.StoreWrappingKey(ctx, "", []byte("data")))
	assert.Error(t, store.StoreWrappingKey(ctx, "inst-1", nil))
}
