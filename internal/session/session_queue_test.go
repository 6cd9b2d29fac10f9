package session

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	"github.com/alanbriolat/dlqueue/internal/process"
)

// watchedStore counts writes per download and records any write that leaves more than maxActive downloads active.
type watchedStore struct {
	*MemoryStore
	maxActive int

	mu       sync.Mutex
	upserts  map[DownloadID]int
	overfull []int
}

func newWatchedStore(maxActive int) *watchedStore {
	return &watchedStore{MemoryStore: NewMemoryStore(), maxActive: maxActive, upserts: make(map[DownloadID]int)}
}

func (s *watchedStore) Upsert(rec *Record) error {
	if err := s.MemoryStore.Upsert(rec); err != nil {
		return err
	}
	records, err := s.MemoryStore.List()
	if err != nil {
		return err
	}
	active := 0
	for _, r := range records {
		if r.Status.IsActive() {
			active++
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts[rec.ID]++
	if active > s.maxActive {
		s.overfull = append(s.overfull, active)
	}
	return nil
}

func (s *watchedStore) writes(id DownloadID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts[id]
}

func (s *watchedStore) overfullWrites() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.overfull...)
}

// queueDense reports whether queued downloads are numbered 0..n-1 and nothing else has a queue index.
func queueDense(store Store) bool {
	records, err := store.List()
	if err != nil {
		return false
	}
	var indices []int
	for _, rec := range records {
		switch {
		case rec.Status == StatusQueued && rec.QueueIndex == nil:
			return false
		case rec.Status == StatusQueued:
			indices = append(indices, *rec.QueueIndex)
		case rec.QueueIndex != nil:
			return false
		}
	}
	sort.Ints(indices)
	for i, index := range indices {
		if index != i {
			return false
		}
	}
	return true
}

func TestSession_PauseStartingPromotesQueued(t *testing.T) {
	assert := assert_.New(t)
	h := newTestSession(t, 2)

	a := h.start("https://example.com/a")
	b := h.start("https://example.com/b")
	c := h.start("https://example.com/c")
	assert.Equal(StatusStarting, a.Status)
	assert.Equal(StatusStarting, b.Status)
	assert.Equal(StatusQueued, c.Status)

	rec, err := h.Pause(a.ID)
	assert.NoError(err)
	assert.Equal(StatusPaused, rec.Status)
	assert.Equal(StatusPaused, h.status(a.ID))
	h.waitStatus(c.ID, StatusStarting)
	assert.Nil(h.record(c.ID).QueueIndex)
	assert.Equal(StatusStarting, h.status(b.ID))
	assert.Equal(3, h.launcher.launched())
	assert.Equal(2, h.activeCount())
}

func TestSession_CancelDownloading(t *testing.T) {
	assert := assert_.New(t)
	h := newTestSession(t, 1)

	a := h.start("https://example.com/a")
	b := h.start("https://example.com/b")
	p := h.launcher.process(a.ID)
	p.progress("downloading", 30)
	h.waitStatus(a.ID, StatusDownloading)

	rec, err := h.Cancel(a.ID)
	assert.NoError(err)
	assert.Equal(a.ID, rec.ID)
	assert.Equal(1, h.launcher.terminateCalls(p.pid))
	_, err = h.Get(a.ID)
	assert.ErrorIs(err, ErrNotFound)
	assert.Equal(StatusAbsent, h.status(a.ID))

	h.waitStatus(b.ID, StatusStarting)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(1, h.launcher.terminateCalls(p.pid))
	assert.Empty(h.errored(a.ID))
}

func TestSession_ProgressBurstIsOneWrite(t *testing.T) {
	assert := assert_.New(t)
	store := newWatchedStore(1)
	h := newTestSession(t, 1, func(c *Config) {
		c.Store = store
		c.ProgressUpdateInterval = 200 * time.Millisecond
	})
	h.store = store.MemoryStore

	a := h.start("https://example.com/a")
	p := h.launcher.process(a.ID)
	p.progress("downloading", 1)
	h.waitStatus(a.ID, StatusDownloading)
	// The status write is counted just after it becomes visible
	time.Sleep(20 * time.Millisecond)

	before := store.writes(a.ID)
	for i := 2; i <= 50; i++ {
		p.progress("downloading", float64(i))
	}
	assert.Eventually(func() bool {
		percent := h.record(a.ID).Progress.Percent
		return percent != nil && *percent == 50
	}, waitFor, tick)
	// Let any window still open close
	time.Sleep(300 * time.Millisecond)
	writes := store.writes(a.ID) - before
	assert.GreaterOrEqual(writes, 1)
	assert.LessOrEqual(writes, 2)
}

func TestSession_QueueInvariantsHold(t *testing.T) {
	assert := assert_.New(t)
	require := require_.New(t)
	const maxParallel = 2
	store := newWatchedStore(maxParallel)
	h := newTestSession(t, maxParallel, func(c *Config) {
		c.Store = store
	})
	h.store = store.MemoryStore

	rng := rand.New(rand.NewSource(1))
	pick := func(match func(Record) bool) *Record {
		records, err := h.store.List()
		require.NoError(err)
		var matching []Record
		for _, rec := range records {
			if match(rec) {
				matching = append(matching, rec)
			}
		}
		if len(matching) == 0 {
			return nil
		}
		return &matching[rng.Intn(len(matching))]
	}
	isActive := func(rec Record) bool { return rec.Status.IsActive() }
	isPaused := func(rec Record) bool { return rec.Status == StatusPaused }
	anything := func(Record) bool { return true }

	for step := 0; step < 80; step++ {
		switch op := rng.Intn(6); op {
		case 0, 1:
			h.start(fmt.Sprintf("https://example.com/%d", step))
		case 2:
			if rec := pick(isActive); rec != nil {
				_, _ = h.Pause(rec.ID)
			}
		case 3:
			if rec := pick(isPaused); rec != nil {
				_, _ = h.Resume(rec.ID)
			}
		case 4:
			if rec := pick(anything); rec != nil {
				_, _ = h.Cancel(rec.ID)
			}
		case 5:
			if rec := pick(isActive); rec != nil {
				if p := h.launcher.process(rec.ID); p != nil {
					if rng.Intn(2) == 0 {
						p.finalPath("/downloads/"+string(rec.ID)+".mkv", "mkv")
						p.exit(0)
					} else {
						p.exit(1)
					}
				}
			}
		}
		assert.LessOrEqual(h.activeCount(), maxParallel, "step %d", step)
		assert.Eventually(func() bool { return queueDense(h.store) }, waitFor, tick, "queue not dense after step %d", step)
	}
	assert.Empty(store.overfullWrites(), "writes left too many downloads active")
}

func TestSession_DetachedOnlyQueues(t *testing.T) {
	assert := assert_.New(t)
	h := newTestSession(t, 2, func(c *Config) {
		c.Detached = true
	})

	a := h.start("https://example.com/a")
	b := h.start("https://example.com/b")
	assert.Equal(StatusQueued, a.Status)
	assert.Equal(0, *a.QueueIndex)
	assert.Equal(StatusQueued, b.Status)
	assert.Equal(1, *b.QueueIndex)
	assert.NotNil(a.QueueConfig)

	paused := Record{ID: "paused", Status: StatusPaused, URL: "https://example.com/p", AddedAt: time.Now()}
	require_.NoError(t, h.store.Upsert(&paused))
	rec, err := h.Resume("paused")
	assert.NoError(err)
	assert.Equal(StatusQueued, rec.Status)
	assert.Equal(2, *rec.QueueIndex)

	time.Sleep(50 * time.Millisecond)
	assert.NoError(h.Close())
	assert.Equal(0, h.launcher.launched())
	for _, id := range []DownloadID{a.ID, b.ID, "paused"} {
		assert.Equal(StatusQueued, h.status(id), "download %v", id)
	}
	assert.True(queueDense(h.store))
}

func TestSession_DetachedLeavesOtherSessionsAlone(t *testing.T) {
	assert := assert_.New(t)
	store := NewMemoryStore()
	running := Record{ID: "running", Status: StatusDownloading, URL: "https://example.com/r", ProcessID: intPtr(4321), AddedAt: time.Now()}
	first := Record{ID: "first", Status: StatusQueued, URL: "https://example.com/1", QueueIndex: intPtr(0), AddedAt: time.Now()}
	second := Record{ID: "second", Status: StatusQueued, URL: "https://example.com/2", QueueIndex: intPtr(1), AddedAt: time.Now()}
	for _, rec := range []*Record{&running, &first, &second} {
		require_.NoError(t, store.Upsert(rec))
	}
	killer := &fakeKiller{owners: map[int]string{4321: "running"}}
	h := newTestSession(t, 2, func(c *Config) {
		c.Store = store
		c.OrphanKiller = killer
		c.Detached = true
	})
	h.store = store

	records, err := h.ListDownloads()
	assert.NoError(err)
	assert.Len(records, 3)

	_, err = h.Pause("running")
	assert.ErrorIs(err, ErrRunningElsewhere)
	_, err = h.Cancel("running")
	assert.ErrorIs(err, ErrRunningElsewhere)
	_, err = h.Cancel("first")
	assert.NoError(err)

	time.Sleep(50 * time.Millisecond)
	assert.NoError(h.Close())
	assert.Equal(0, h.launcher.launched())
	assert.Empty(killer.killed)
	rec := h.record("running")
	assert.Equal(StatusDownloading, rec.Status)
	if assert.NotNil(rec.ProcessID) {
		assert.Equal(4321, *rec.ProcessID)
	}
	assert.Equal(StatusAbsent, h.status("first"))
	assert.Equal(StatusQueued, h.status("second"))
	assert.Equal(0, *h.record("second").QueueIndex)
}

func TestDefaultConfig_StopOutlastsKillGrace(t *testing.T) {
	assert_.True(t, DefaultConfig.ExpectedExitTimeout > process.DefaultKillGrace,
		"a stop must not be given up on before the launcher has forcefully killed the process")
}
