// Package storetest checks that a session.Store implementation behaves like the others.
package storetest

import (
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	"github.com/alanbriolat/dlqueue"
	"github.com/alanbriolat/dlqueue/internal/progress"
	"github.com/alanbriolat/dlqueue/internal/session"
	"github.com/alanbriolat/dlqueue/internal/ytdlp"
)

func intPtr(v int) *int {
	return &v
}

// Record returns a fully populated record, added at the given offset from a fixed time.
func Record(id string, status session.Status, offset time.Duration) session.Record {
	percent := 42.5
	downloaded := int64(1024)
	return session.Record{
		ID:          session.DownloadID(id),
		Status:      status,
		URL:         "https://example.com/watch?v=" + id,
		Format:      "bestvideo+bestaudio",
		Subtitles:   "en,de",
		Title:       "Video " + id,
		FileType:    ytdlp.FileTypeVideoAudio,
		QueueConfig: &dlqueue.DownloadConfig{OutputFormat: "mkv", EmbedMetadata: dlqueue.Bool(true)},
		Progress: progress.Progress{
			Status:     "downloading",
			Percent:    &percent,
			Downloaded: &downloaded,
		},
		Options:   ytdlp.Options{OutputFormat: "mkv", EmbedMetadata: true},
		Resumable: true,
		AddedAt:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).Add(offset),
		UpdatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).Add(offset),
	}
}

// Run exercises every Store operation. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) session.Store) {
	t.Run("UpsertGet", func(t *testing.T) {
		assert := assert_.New(t)
		require := require_.New(t)
		store := newStore(t)

		missing, err := store.Get("missing")
		require.NoError(err)
		assert.Nil(missing)

		rec := Record("a", session.StatusQueued, 0)
		rec.QueueIndex = intPtr(3)
		require.NoError(store.Upsert(&rec))
		got, err := store.Get("a")
		require.NoError(err)
		require.NotNil(got)
		assertSameRecord(t, rec, *got)

		rec.Status = session.StatusDownloading
		rec.QueueIndex = nil
		rec.ProcessID = intPtr(1234)
		require.NoError(store.Upsert(&rec))
		got, err = store.Get("a")
		require.NoError(err)
		assertSameRecord(t, rec, *got)
	})

	t.Run("List", func(t *testing.T) {
		assert := assert_.New(t)
		require := require_.New(t)
		store := newStore(t)

		for i, id := range []string{"c", "a", "b"} {
			rec := Record(id, session.StatusPaused, time.Duration(i)*time.Second)
			require.NoError(store.Upsert(&rec))
		}
		records, err := store.List()
		require.NoError(err)
		ids := make([]session.DownloadID, 0, len(records))
		for _, rec := range records {
			ids = append(ids, rec.ID)
		}
		assert.Equal([]session.DownloadID{"c", "a", "b"}, ids)
	})

	t.Run("UpdateStatus", func(t *testing.T) {
		assert := assert_.New(t)
		require := require_.New(t)
		store := newStore(t)

		rec := Record("a", session.StatusDownloading, 0)
		rec.ProcessID = intPtr(99)
		require.NoError(store.Upsert(&rec))
		require.NoError(store.UpdateStatus("a", session.StatusPaused))
		got, err := store.Get("a")
		require.NoError(err)
		assert.Equal(session.StatusPaused, got.Status)
		assert.Nil(got.ProcessID)
		assert.Nil(got.QueueIndex)

		assert.ErrorIs(store.UpdateStatus("missing", session.StatusPaused), session.ErrNotFound)
	})

	t.Run("UpdateFilepath", func(t *testing.T) {
		assert := assert_.New(t)
		require := require_.New(t)
		store := newStore(t)

		rec := Record("a", session.StatusDownloading, 0)
		require.NoError(store.Upsert(&rec))
		require.NoError(store.UpdateFilepath("a", "/downloads/Video a.mkv", "mkv"))
		got, err := store.Get("a")
		require.NoError(err)
		assert.Equal("/downloads/Video a.mkv", got.Filepath)
		assert.Equal("mkv", got.FileExtension)
		assert.Equal(session.StatusDownloading, got.Status)

		assert.ErrorIs(store.UpdateFilepath("missing", "x", "y"), session.ErrNotFound)
	})

	t.Run("UpdatePlaylistItemProgress", func(t *testing.T) {
		assert := assert_.New(t)
		require := require_.New(t)
		store := newStore(t)

		rec := Record("a", session.StatusDownloading, 0)
		require.NoError(store.Upsert(&rec))
		require.NoError(store.UpdatePlaylistItemProgress("a", "3/10"))
		got, err := store.Get("a")
		require.NoError(err)
		assert.Equal("3/10", got.PlaylistItemProgress)

		assert.ErrorIs(store.UpdatePlaylistItemProgress("missing", "1/2"), session.ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		assert := assert_.New(t)
		require := require_.New(t)
		store := newStore(t)

		a := Record("a", session.StatusPaused, 0)
		b := Record("b", session.StatusPaused, time.Second)
		require.NoError(store.Upsert(&a))
		require.NoError(store.Upsert(&b))
		require.NoError(store.Delete("a"))
		// Deleting something already gone is fine
		require.NoError(store.Delete("a"))

		got, err := store.Get("a")
		require.NoError(err)
		assert.Nil(got)
		records, err := store.List()
		require.NoError(err)
		require.Len(records, 1)
		assert.Equal(session.DownloadID("b"), records[0].ID)
	})
}

func assertSameRecord(t *testing.T, expected, actual session.Record) {
	assert := assert_.New(t)
	// Stores may not keep monotonic clock readings or location
	assert.True(expected.AddedAt.Equal(actual.AddedAt), "AddedAt %v != %v", expected.AddedAt, actual.AddedAt)
	assert.True(expected.UpdatedAt.Equal(actual.UpdatedAt), "UpdatedAt %v != %v", expected.UpdatedAt, actual.UpdatedAt)
	expected.AddedAt, actual.AddedAt = time.Time{}, time.Time{}
	expected.UpdatedAt, actual.UpdatedAt = time.Time{}, time.Time{}
	assert.Equal(expected, actual)
}
