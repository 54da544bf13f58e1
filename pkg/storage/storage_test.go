package storage

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignerSignAndVerify(t *testing.T) {
	signer := NewSigner("secret", time.Hour)
	token, expiresAt, err := signer.Sign("pickup-log-2025-01-15.csv")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.False(t, expiresAt.IsZero())

	name, err := signer.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "pickup-log-2025-01-15.csv", name)
}

func TestSignerRejectsTamperedToken(t *testing.T) {
	signer := NewSigner("secret", time.Hour)
	token, _, err := signer.Sign("pickup-log-2025-01-15.csv")
	require.NoError(t, err)

	_, err = signer.Verify(token + "x")
	require.Error(t, err)

	other := NewSigner("different-secret", time.Hour)
	_, err = other.Verify(token)
	require.Error(t, err)
}

func TestSignerExpiredToken(t *testing.T) {
	signer := NewSigner("secret", time.Millisecond*10)
	token, _, err := signer.Sign("pickup-log-2025-01-15.csv")
	require.NoError(t, err)
	time.Sleep(time.Millisecond * 20)

	_, err = signer.Verify(token)
	require.Error(t, err)
}

func TestLocalStoreSaveOpenCleanup(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("pickup-log.csv", []byte("Student,Class\n")))

	file, err := store.Open("pickup-log.csv")
	require.NoError(t, err)
	data, err := io.ReadAll(file)
	require.NoError(t, err)
	require.NoError(t, file.Close())
	require.Equal(t, "Student,Class\n", string(data))

	// Fresh file survives a cleanup with a generous TTL.
	deleted, err := store.CleanupOlderThan(time.Hour)
	require.NoError(t, err)
	require.Zero(t, deleted)

	deleted, err = store.CleanupOlderThan(-time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	_, err = store.Open("pickup-log.csv")
	require.Error(t, err)
}
