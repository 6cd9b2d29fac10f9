package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	"github.com/alanbriolat/dlqueue"
	"github.com/alanbriolat/dlqueue/internal/process"
	"github.com/alanbriolat/dlqueue/internal/progress"
	"github.com/alanbriolat/dlqueue/internal/sync_"
	"github.com/alanbriolat/dlqueue/internal/ytdlp"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeProcess struct {
	owner      string
	pid        int
	args       []string
	sink       func(process.Event)
	terminated sync_.Event
}

func (p *fakeProcess) send(e process.Event) {
	e.Owner = p.owner
	e.PID = p.pid
	p.sink(e)
}

func (p *fakeProcess) progress(status string, percent float64) {
	p.send(process.Event{Kind: process.EventProgress, Progress: progress.Progress{Status: status, Percent: &percent}})
}

func (p *fakeProcess) finalPath(path, ext string) {
	p.send(process.Event{Kind: process.EventFinalPath, Path: path, Ext: ext})
}

func (p *fakeProcess) exit(code int) {
	p.send(process.Event{Kind: process.EventExit, ExitCode: code})
}

func (p *fakeProcess) hasArg(arg string) bool {
	for _, a := range p.args {
		if a == arg {
			return true
		}
	}
	return false
}

// fakeLauncher pretends to launch processes; a terminated process exits with 130 unless ignoreTerminate is set.
type fakeLauncher struct {
	mu              sync.Mutex
	nextPID         int
	procs           []*fakeProcess
	launchErr       error
	ignoreTerminate bool
	terminates      map[int]int
}

func (l *fakeLauncher) Launch(owner string, args []string, sink func(process.Event)) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.launchErr != nil {
		return 0, l.launchErr
	}
	l.nextPID++
	p := &fakeProcess{owner: owner, pid: 1000 + l.nextPID, args: args, sink: sink}
	l.procs = append(l.procs, p)
	return p.pid, nil
}

func (l *fakeLauncher) Terminate(pid int) error {
	l.mu.Lock()
	if l.terminates == nil {
		l.terminates = make(map[int]int)
	}
	l.terminates[pid]++
	var p *fakeProcess
	for _, candidate := range l.procs {
		if candidate.pid == pid {
			p = candidate
		}
	}
	ignore := l.ignoreTerminate
	l.mu.Unlock()
	if p == nil || !p.terminated.Set() || ignore {
		return nil
	}
	go p.exit(130)
	return nil
}

// process returns the most recent process launched for id.
func (l *fakeLauncher) process(id DownloadID) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.procs) - 1; i >= 0; i-- {
		if l.procs[i].owner == string(id) {
			return l.procs[i]
		}
	}
	return nil
}

func (l *fakeLauncher) terminateCalls(pid int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.terminates[pid]
}

func (l *fakeLauncher) launched() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

type fakeMetadata struct {
	meta *ytdlp.Metadata
	err  error
	args []string
}

func (f *fakeMetadata) FetchMetadata(_ context.Context, args []string) (*ytdlp.Metadata, error) {
	f.args = args
	return f.meta, f.err
}

// fakeKiller kills only the pids it was told belong to an owner.
type fakeKiller struct {
	owners map[int]string
	killed []int
}

func (k *fakeKiller) KillOrphan(owner string, pid int) error {
	if k.owners[pid] != owner {
		return process.ErrNotOwned
	}
	k.killed = append(k.killed, pid)
	return nil
}

type testHarness struct {
	*Session
	t        *testing.T
	launcher *fakeLauncher
	store    *MemoryStore
	events   *sync_.Mutexed[[]Event]
}

func newTestSession(t *testing.T, maxParallel int, configure ...func(*Config)) *testHarness {
	settings := dlqueue.DefaultSettings
	settings.DownloadDir = t.TempDir()
	settings.TempDir = t.TempDir()
	settings.MaxParallelDownloads = maxParallel

	h := &testHarness{
		t:        t,
		launcher: &fakeLauncher{},
		store:    NewMemoryStore(),
		events:   sync_.NewMutexed[[]Event](nil),
	}
	config := DefaultConfig
	config.Store = h.store
	config.Launcher = h.launcher
	config.Settings = func() dlqueue.Settings { return settings }
	config.ProgressUpdateInterval = 20 * time.Millisecond
	config.CompletionSettleDelay = 20 * time.Millisecond
	config.ExpectedExitTimeout = time.Second
	config.PromotionCooldown = 50 * time.Millisecond
	for _, f := range configure {
		f(&config)
	}
	s, err := New(config, context.Background())
	require_.NoError(t, err)
	h.Session = s
	t.Cleanup(func() { _ = s.Close() })

	sub, err := s.Subscribe()
	require_.NoError(t, err)
	go func() {
		for e := range sub.Receive() {
			_ = h.events.Locked(func(events *[]Event) error {
				*events = append(*events, e)
				return nil
			})
		}
	}()
	t.Cleanup(sub.Close)
	return h
}

func (h *testHarness) start(url string) Record {
	rec, err := h.Start(context.Background(), StartRequest{URL: url})
	require_.NoError(h.t, err)
	return rec
}

func (h *testHarness) status(id DownloadID) Status {
	rec, err := h.store.Get(id)
	require_.NoError(h.t, err)
	if rec == nil {
		return StatusAbsent
	}
	return rec.Status
}

func (h *testHarness) record(id DownloadID) Record {
	rec, err := h.store.Get(id)
	require_.NoError(h.t, err)
	require_.NotNil(h.t, rec)
	return *rec
}

func (h *testHarness) waitStatus(id DownloadID, status Status) {
	assert_.Eventually(h.t, func() bool { return h.status(id) == status }, waitFor, tick, "waiting for %v to be %q", id, status)
}

func (h *testHarness) activeCount() int {
	records, err := h.store.List()
	require_.NoError(h.t, err)
	n := 0
	for _, rec := range records {
		if rec.Status.IsActive() {
			n++
		}
	}
	return n
}

func (h *testHarness) errored(id DownloadID) []error {
	var errs []error
	for _, e := range h.events.Get() {
		if e, ok := e.(DownloadErrored); ok && e.DownloadID() == id {
			errs = append(errs, e.Err)
		}
	}
	return errs
}

func (h *testHarness) hasEvent(f func(Event) bool) bool {
	for _, e := range h.events.Get() {
		if f(e) {
			return true
		}
	}
	return false
}

func TestSession_StartQueuesWhenFull(t *testing.T) {
	assert := assert_.New(t)
	h := newTestSession(t, 2)

	a := h.start("https://example.com/a")
	b := h.start("https://example.com/b")
	c := h.start("https://example.com/c")
	assert.Equal(StatusStarting, a.Status)
	assert.Equal(StatusStarting, b.Status)
	assert.NotNil(a.ProcessID)
	assert.Equal(StatusQueued, c.Status)
	if assert.NotNil(c.QueueIndex) {
		assert.Equal(0, *c.QueueIndex)
	}
	assert.Nil(c.ProcessID)
	assert.NotNil(c.QueueConfig)
	assert.Equal(2, h.launcher.launched())
	assert.True(h.launcher.process(a.ID).hasArg("--no-continue"))

	pa := h.launcher.process(a.ID)
	pa.progress("downloading", 10)
	h.waitStatus(a.ID, StatusDownloading)
	pa.progress("finished", 100)
	pa.finalPath("/downloads/a.mkv", "mkv")
	pa.exit(0)

	h.waitStatus(a.ID, StatusCompleted)
	h.waitStatus(c.ID, StatusStarting)
	assert.Eventually(func() bool { return h.launcher.launched() == 3 }, waitFor, tick)
	assert.LessOrEqual(h.activeCount(), 2)
	rec := h.record(c.ID)
	assert.Nil(rec.QueueIndex)
	assert.Equal("/downloads/a.mkv", h.record(a.ID).Filepath)
	assert.Nil(h.record(a.ID).ProcessID)
	assert.Eventually(func() bool {
		return h.hasEvent(func(e Event) bool {
			_, ok := e.(DownloadCompleted)
			return ok && e.DownloadID() == a.ID
		})
	}, waitFor, tick)
}

func TestSession_CancelQueuedCompactsQueue(t *testing.T) {
	assert := assert_.New(t)
	h := newTestSession(t, 1)

	active := h.start("https://example.com/active")
	a := h.start("https://example.com/a")
	b := h.start("https://example.com/b")
	c := h.start("https://example.com/c")
	assert.Equal(0, *a.QueueIndex)
	assert.Equal(1, *b.QueueIndex)
	assert.Equal(2, *c.QueueIndex)

	_, err := h.Cancel(b.ID)
	assert.NoError(err)
	assert.Equal(StatusAbsent, h.status(b.ID))
	assert.Equal(0, *h.record(a.ID).QueueIndex)
	assert.Equal(1, *h.record(c.ID).QueueIndex)

	// Cancelling the active download frees its slot for the head of the queue
	_, err = h.Cancel(active.ID)
	assert.NoError(err)
	assert.Equal(StatusAbsent, h.status(active.ID))
	assert.True(h.launcher.process(active.ID).terminated.IsSet())
	h.waitStatus(a.ID, StatusStarting)
	assert.Eventually(func() bool { return *h.record(c.ID).QueueIndex == 0 }, waitFor, tick)
	assert.Empty(h.errored(active.ID))

	_, err = h.Cancel("missing")
	assert.ErrorIs(err, ErrNotFound)
}

func TestSession_PauseIsNotAnError(t *testing.T) {
	assert := assert_.New(t)
	h := newTestSession(t, 1)

	a := h.start("https://example.com/a")
	p := h.launcher.process(a.ID)
	p.progress("downloading", 25)
	h.waitStatus(a.ID, StatusDownloading)

	rec, err := h.Pause(a.ID)
	assert.NoError(err)
	assert.Equal(StatusPaused, rec.Status)
	assert.Nil(rec.ProcessID)
	assert.Equal(StatusPaused, h.status(a.ID))
	assert.True(p.terminated.IsSet())
	// Give any stray event time to arrive
	time.Sleep(50 * time.Millisecond)
	assert.Empty(h.errored(a.ID))

	_, err = h.Pause(a.ID)
	assert.ErrorIs(err, ErrInvalidTransition)

	rec, err = h.Resume(a.ID)
	assert.NoError(err)
	assert.Equal(StatusStarting, rec.Status)
	assert.Equal(2, h.launcher.launched())
	assert.True(h.launcher.process(a.ID).hasArg("--continue"))
}

func TestSession_PauseQueuedIsInvalid(t *testing.T) {
	assert := assert_.New(t)
	h := newTestSession(t, 1)

	h.start("https://example.com/a")
	b := h.start("https://example.com/b")
	_, err := h.Pause(b.ID)
	assert.ErrorIs(err, ErrInvalidTransition)
	assert.Equal(StatusQueued, h.status(b.ID))

	_, err = h.Pause("missing")
	assert.ErrorIs(err, ErrNotFound)
}

func TestSession_PausePostProcessing(t *testing.T) {
	assert := assert_.New(t)
	h := newTestSession(t, 1)

	a := h.start("https://example.com/a")
	p := h.launcher.process(a.ID)
	p.progress("finished", 100)
	h.waitStatus(a.ID, StatusDownloading)

	_, err := h.Pause(a.ID)
	assert.ErrorIs(err, ErrPostProcessing)
	assert.False(p.terminated.IsSet())
	assert.Equal(StatusDownloading, h.status(a.ID))
}

func TestSession_UnexpectedExit(t *testing.T) {
	assert := assert_.New(t)
	h := newTestSession(t, 1)

	a := h.start("https://example.com/a")
	h.launcher.process(a.ID).exit(1)
	h.waitStatus(a.ID, StatusPaused)
	assert.Nil(h.record(a.ID).ProcessID)
	assert.Eventually(func() bool { return len(h.errored(a.ID)) == 1 }, waitFor, tick)
	assert.ErrorIs(h.errored(a.ID)[0], ErrUnexpectedExit)
}

func TestSession_CleanExitWithoutFinalPath(t *testing.T) {
	assert := assert_.New(t)
	h := newTestSession(t, 1)

	a := h.start("https://example.com/a")
	h.launcher.process(a.ID).exit(0)
	h.waitStatus(a.ID, StatusPaused)
	assert.Eventually(func() bool { return len(h.errored(a.ID)) == 1 }, waitFor, tick)
	assert.ErrorIs(h.errored(a.ID)[0], ErrNoFinalPath)
}

func TestSession_LaunchFailure(t *testing.T) {
	assert := assert_.New(t)
	h := newTestSession(t, 1)
	h.launcher.mu.Lock()
	h.launcher.launchErr = errors.New("executable file not found")
	h.launcher.mu.Unlock()

	a := h.start("https://example.com/a")
	assert.Equal(StatusPaused, a.Status)
	assert.Equal(StatusPaused, h.status(a.ID))
	assert.Eventually(func() bool { return len(h.errored(a.ID)) == 1 }, waitFor, tick)
	assert.ErrorIs(h.errored(a.ID)[0], ErrLaunch)
}

func TestSession_ProgressIsDebounced(t *testing.T) {
	assert := assert_.New(t)
	h := newTestSession(t, 1)

	a := h.start("https://example.com/a")
	p := h.launcher.process(a.ID)
	p.progress("downloading", 1)
	h.waitStatus(a.ID, StatusDownloading)
	for i := 2; i <= 50; i++ {
		p.progress("downloading", float64(i))
	}
	assert.Eventually(func() bool {
		percent := h.record(a.ID).Progress.Percent
		return percent != nil && *percent == 50
	}, waitFor, tick)

	p.send(process.Event{Kind: process.EventPlaylistItem, Item: "2/5"})
	assert.Eventually(func() bool { return h.record(a.ID).PlaylistItemProgress == "2/5" }, waitFor, tick)
}

func TestSession_ResumeWithoutSlotQueues(t *testing.T) {
	assert := assert_.New(t)
	h := newTestSession(t, 1)

	a := h.start("https://example.com/a")
	_, err := h.Pause(a.ID)
	require_.NoError(t, err)
	b := h.start("https://example.com/b")
	assert.Equal(StatusStarting, b.Status)

	rec, err := h.Resume(a.ID)
	assert.NoError(err)
	assert.Equal(StatusQueued, rec.Status)
	assert.Equal(0, *rec.QueueIndex)

	h.launcher.process(b.ID).exit(1)
	h.waitStatus(a.ID, StatusStarting)
	assert.Eventually(func() bool { return h.launcher.launched() == 3 }, waitFor, tick)
	assert.True(h.launcher.process(a.ID).hasArg("--continue"))
}

func TestSession_StopTimeout(t *testing.T) {
	assert := assert_.New(t)
	h := newTestSession(t, 1, func(c *Config) {
		c.ExpectedExitTimeout = 50 * time.Millisecond
	})
	h.launcher.mu.Lock()
	h.launcher.ignoreTerminate = true
	h.launcher.mu.Unlock()

	a := h.start("https://example.com/a")
	p := h.launcher.process(a.ID)
	rec, err := h.Pause(a.ID)
	assert.NoError(err)
	assert.Equal(StatusPaused, rec.Status)

	// The process finally going away changes nothing
	p.exit(130)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(StatusPaused, h.status(a.ID))
	assert.Empty(h.errored(a.ID))
}

func TestSession_Recovery(t *testing.T) {
	assert := assert_.New(t)
	store := NewMemoryStore()
	interrupted := Record{ID: "interrupted", Status: StatusDownloading, URL: "https://example.com/i", ProcessID: intPtr(4321), AddedAt: time.Now()}
	// Its pid has since been reused by something else
	stale := Record{ID: "stale", Status: StatusStarting, URL: "https://example.com/s", ProcessID: intPtr(8088), AddedAt: time.Now()}
	queued := Record{ID: "queued", Status: StatusQueued, URL: "https://example.com/q", QueueIndex: intPtr(5), AddedAt: time.Now()}
	require_.NoError(t, store.Upsert(&interrupted))
	require_.NoError(t, store.Upsert(&stale))
	require_.NoError(t, store.Upsert(&queued))
	killer := &fakeKiller{owners: map[int]string{4321: "interrupted", 8088: "something-else"}}

	h := newTestSession(t, 1, func(c *Config) {
		c.Store = store
		c.OrphanKiller = killer
	})
	h.store = store

	rec := h.record("interrupted")
	assert.Equal(StatusPaused, rec.Status)
	assert.Nil(rec.ProcessID)
	assert.Equal(StatusPaused, h.status("stale"))
	assert.Equal([]int{4321}, killer.killed)
	h.waitStatus("queued", StatusStarting)
	assert.Nil(h.record("queued").QueueIndex)
}

func TestSession_Metadata(t *testing.T) {
	assert := assert_.New(t)
	fetcher := &fakeMetadata{meta: &ytdlp.Metadata{Title: "A Video", VCodec: "avc1", ACodec: "none"}}
	h := newTestSession(t, 1, func(c *Config) {
		c.Metadata = fetcher
	})

	a := h.start("https://example.com/a")
	assert.Equal("A Video", a.Title)
	assert.Equal(ytdlp.FileTypeVideo, a.FileType)
	assert.Contains(fetcher.args, "--dump-single-json")

	fetcher.err = errors.New("unsupported url")
	_, err := h.Start(context.Background(), StartRequest{URL: "https://example.com/b"})
	assert.ErrorIs(err, ErrMetadataFetch)
	records, err := h.ListDownloads()
	assert.NoError(err)
	assert.Len(records, 1)
}

func TestSession_ListDownloads(t *testing.T) {
	assert := assert_.New(t)
	h := newTestSession(t, 1)

	records, err := h.ListDownloads()
	assert.NoError(err)
	assert.Empty(records)

	a := h.start("https://example.com/a")
	records, err = h.ListDownloads()
	assert.NoError(err)
	if assert.Len(records, 1) {
		assert.Equal(a.ID, records[0].ID)
	}
	// Cached result reflects later changes
	h.launcher.process(a.ID).progress("downloading", 5)
	assert.Eventually(func() bool {
		records, err := h.ListDownloads()
		return err == nil && len(records) == 1 && records[0].Status == StatusDownloading
	}, waitFor, tick)

	got, err := h.Get(a.ID)
	assert.NoError(err)
	assert.Equal(a.ID, got.ID)
	_, err = h.Get("missing")
	assert.ErrorIs(err, ErrNotFound)
}

func TestSession_CustomCommand(t *testing.T) {
	assert := assert_.New(t)
	h := newTestSession(t, 1, func(c *Config) {
		settings := c.Settings()
		settings.CustomCommands = []dlqueue.CustomCommand{{ID: "mp3", Label: "MP3", Args: "-x --audio-format mp3"}}
		c.Settings = func() dlqueue.Settings { return settings }
	})

	rec, err := h.Start(context.Background(), StartRequest{URL: "https://example.com/a", CustomCommandID: "mp3"})
	assert.NoError(err)
	assert.Equal("-x --audio-format mp3", rec.QueueConfig.CustomCommand)
	assert.True(h.launcher.process(rec.ID).hasArg("--audio-format"))

	_, err = h.Start(context.Background(), StartRequest{URL: "https://example.com/b", CustomCommandID: "flac"})
	assert.ErrorIs(err, ytdlp.ErrUnknownCustomCommand)
}

func TestSession_Close(t *testing.T) {
	assert := assert_.New(t)
	h := newTestSession(t, 2)

	a := h.start("https://example.com/a")
	b := h.start("https://example.com/b")
	h.launcher.process(a.ID).progress("downloading", 50)
	h.waitStatus(a.ID, StatusDownloading)

	assert.NoError(h.Close())
	assert.Equal(StatusPaused, h.status(a.ID))
	assert.Equal(StatusPaused, h.status(b.ID))
	assert.Empty(h.errored(a.ID))

	_, err := h.Start(context.Background(), StartRequest{URL: "https://example.com/c"})
	assert.ErrorIs(err, ErrSessionClosed)
	// Closing again is harmless
	assert.NoError(h.Close())
}
