package escrow

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestBolt(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBoltStore(filepath.Join(t.TempDir(), "escrow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return openTestBolt(t) })
}

func TestBoltStore_RequiresPath(t *testing.T) {
	_, err := OpenBoltStore("  ")
	assert.Error(t, err)
}

func TestBoltStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.db")
	ctx := context.Background()

	s, err := OpenBoltStore(path)
	require.NoError(t, err)
	rec := createdRecord(t, hundred)
	require.NoError(t, s.Insert(ctx, rec))
	require.NoError(t, s.Close())

	s, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestBoltStore_CanceledContext(t *testing.T) {
	s := openTestBolt(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Get(ctx, DeriveKey(1, 1))
	assert.ErrorIs(t, err, context.Canceled)
}
