package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMySQLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint")
	store := NewStore(path, 0)

	_, ok, err := ReadMySQL(path)
	require.NoError(t, err)
	require.False(t, ok, "no checkpoint should exist yet")

	require.NoError(t, store.WriteMySQL(MySQLPosition{File: "binlog.000003", Position: 4521}))

	pos, ok, err := ReadMySQL(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, MySQLPosition{File: "binlog.000003", Position: 4521}, pos)
}

func TestPostgresRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint")
	store := NewStore(path, 0)

	require.NoError(t, store.WritePostgres("0/1A2B3C4"))

	lsn, ok, err := ReadPostgres(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "0/1A2B3C4", lsn)
}

func TestShouldCheckpointEventCountPolicy(t *testing.T) {
	store := NewStore("", 3)

	require.False(t, store.ShouldCheckpoint(false))
	require.False(t, store.ShouldCheckpoint(false))
	require.True(t, store.ShouldCheckpoint(false)) // third event hits the threshold
	require.False(t, store.ShouldCheckpoint(false))
}

func TestShouldCheckpointAlwaysOnBoundary(t *testing.T) {
	store := NewStore("", 100)
	require.True(t, store.ShouldCheckpoint(true))
}
