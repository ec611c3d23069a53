package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"advisor/internal/auth/models"
	"advisor/pkg/platform/sentinel"
)

func TestFileKV_CorruptDocument(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	kv := NewFileKV(path)
	st := New(kv)

	t.Run("load reports corruption", func(t *testing.T) {
		_, err := st.Load(ctx)
		assert.ErrorIs(t, err, sentinel.ErrCorrupt)
	})

	t.Run("clear removes the document", func(t *testing.T) {
		require.NoError(t, st.Clear(ctx))
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("save replaces a corrupt document", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
		require.NoError(t, st.Save(ctx, sessionA))
		got, err := st.Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, sessionA, got)
	})
}

func TestFileKV_WritesPrivateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, New(NewFileKV(path)).Save(context.Background(), sessionA))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestFileKV_Sealed(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.json")
	sealer, err := NewSealer("s3cret")
	require.NoError(t, err)
	require.NoError(t, New(NewFileKV(path, WithSealer(sealer))).Save(ctx, sessionA))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), sessionA.AccessToken)

	t.Run("same secret opens", func(t *testing.T) {
		again, err := NewSealer("s3cret")
		require.NoError(t, err)
		got, err := New(NewFileKV(path, WithSealer(again))).Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, sessionA, got)
	})

	t.Run("wrong secret is corruption", func(t *testing.T) {
		other, err := NewSealer("other")
		require.NoError(t, err)
		_, err = New(NewFileKV(path, WithSealer(other))).Load(ctx)
		assert.ErrorIs(t, err, sentinel.ErrCorrupt)
	})

	t.Run("unsealed reader sees corruption", func(t *testing.T) {
		_, err := New(NewFileKV(path)).Load(ctx)
		assert.ErrorIs(t, err, sentinel.ErrCorrupt)
	})
}

func TestNewSealer_RequiresSecret(t *testing.T) {
	_, err := NewSealer("")
	assert.Error(t, err)
}

func TestSealer_RoundTripUsesFreshNonce(t *testing.T) {
	sealer, err := NewSealer("k")
	require.NoError(t, err)
	a, err := sealer.Seal([]byte("payload"))
	require.NoError(t, err)
	b, err := sealer.Seal([]byte("payload"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	plain, err := sealer.Open(a)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(plain))

	_, err = sealer.Open([]byte("short"))
	assert.ErrorIs(t, err, sentinel.ErrCorrupt)
}

func TestSessionStore_SaveFailureLeavesPreviousSession(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")
	st := New(NewFileKV(path))
	require.NoError(t, st.Save(ctx, sessionA))

	// A read-only directory makes the temp file creation fail.
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

	err := st.Save(ctx, models.Session{AccessToken: "x", RefreshToken: "y"})
	require.Error(t, err)

	got, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sessionA, got)
}
