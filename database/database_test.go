package database

import (
	"path/filepath"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	"github.com/alanbriolat/dlqueue/internal/session"
	"github.com/alanbriolat/dlqueue/internal/session/storetest"
)

func newTestDatabase(t *testing.T, path string) *Database {
	d, err := Open(path)
	require_.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	require_.NoError(t, d.Migrate())
	return d
}

func TestDatabase_Store(t *testing.T) {
	storetest.Run(t, func(t *testing.T) session.Store {
		return newTestDatabase(t, filepath.Join(t.TempDir(), "test.sqlite"))
	})
}

func TestDatabase_MigrateTwice(t *testing.T) {
	assert := assert_.New(t)
	path := filepath.Join(t.TempDir(), "test.sqlite")
	d := newTestDatabase(t, path)
	assert.NoError(d.Migrate())
}

func TestDatabase_QueueConfigRoundTrip(t *testing.T) {
	assert := assert_.New(t)
	require := require_.New(t)
	d := newTestDatabase(t, filepath.Join(t.TempDir(), "test.sqlite"))

	rec := storetest.Record("a", session.StatusPaused, 0)
	rec.QueueConfig.CustomCommand = "-x --audio-format mp3"
	require.NoError(d.Upsert(&rec))
	got, err := d.Get("a")
	require.NoError(err)
	require.NotNil(got)
	assert.Equal(*rec.QueueConfig, *got.QueueConfig)

	rec.QueueConfig = nil
	require.NoError(d.Upsert(&rec))
	got, err = d.Get("a")
	require.NoError(err)
	assert.Nil(got.QueueConfig)
}
