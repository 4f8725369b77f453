package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s
}

func sampleEntry() Entry {
	return Entry{
		ID:              uuid.New(),
		Tenant:          "acme",
		ExactKey:        [32]byte{1, 2, 3},
		SemanticQuery:   "center a div",
		ResponsePayload: []byte(`{"choices":[]}`),
		EmbeddingF16:    make([]byte, 8),
		Dim:             4,
		CreatedAt:       time.Now().UTC(),
		ModelTag:        "gpt-4o",
	}
}

func TestStore_WriteLoad(t *testing.T) {
	s := newTestStore(t)
	entry := sampleEntry()

	require.NoError(t, s.Write(entry))

	handle, ok := s.Load(entry.Tenant, entry.ID)
	require.True(t, ok)
	defer handle.Close()

	require.Equal(t, entry.ResponsePayload, handle.Entry.ResponsePayload)
	require.Equal(t, entry.SemanticQuery, handle.Entry.SemanticQuery)
	require.Equal(t, entry.Dim, handle.Entry.Dim)
}

func TestStore_LoadAbsent(t *testing.T) {
	s := newTestStore(t)
	_, ok := s.Load("acme", uuid.New())
	require.False(t, ok)
}

func TestStore_Contains(t *testing.T) {
	s := newTestStore(t)
	entry := sampleEntry()
	require.False(t, s.Contains(entry.Tenant, entry.ID))
	require.NoError(t, s.Write(entry))
	require.True(t, s.Contains(entry.Tenant, entry.ID))
}

func TestStore_CorruptArchiveQuarantined(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	entry := sampleEntry()
	tenantDir := filepath.Join(dir, entry.Tenant)
	require.NoError(t, os.MkdirAll(tenantDir, 0o755))
	path := filepath.Join(tenantDir, entry.ID.String()+".archive")
	require.NoError(t, os.WriteFile(path, []byte("not a valid archive"), 0o644))

	_, ok := s.Load(entry.Tenant, entry.ID)
	require.False(t, ok)

	_, err = os.Stat(path + ".corrupt")
	require.NoError(t, err)
}

func TestStore_WriteLeavesNoTempFile(t *testing.T) {
	s := newTestStore(t)
	entry := sampleEntry()
	require.NoError(t, s.Write(entry))

	entries, err := os.ReadDir(filepath.Join(s.root, entry.Tenant))
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestStore_HotCacheServesWithoutRemap(t *testing.T) {
	s := newTestStore(t)
	entry := sampleEntry()
	require.NoError(t, s.Write(entry))

	h1, ok := s.Load(entry.Tenant, entry.ID)
	require.True(t, ok)
	h1.Close()

	h2, ok := s.Load(entry.Tenant, entry.ID)
	require.True(t, ok)
	defer h2.Close()
	require.Equal(t, entry.ResponsePayload, h2.Entry.ResponsePayload)
}
