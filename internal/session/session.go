package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alanbriolat/dlqueue"
	"github.com/alanbriolat/dlqueue/generic"
	"github.com/alanbriolat/dlqueue/internal/lpc"
	"github.com/alanbriolat/dlqueue/internal/process"
	"github.com/alanbriolat/dlqueue/internal/pubsub"
	"github.com/alanbriolat/dlqueue/internal/sync_"
	"github.com/alanbriolat/dlqueue/internal/ytdlp"
)

var (
	ErrNotFound       = errors.New("download not found")
	ErrPostProcessing = errors.New("download is post-processing")
	ErrMetadataFetch  = errors.New("failed to fetch metadata")
	ErrSessionClosed  = errors.New("session closed")
	ErrNoFinalPath    = errors.New("process exited without reporting a final path")
	ErrUnexpectedExit = errors.New("process exited unexpectedly")
	ErrLaunch         = errors.New("failed to launch process")
	ErrStopping       = errors.New("download is already stopping")

	// The record says the download is active, but its process belongs to some other session.
	ErrRunningElsewhere = errors.New("download is running in another session")
)

// Launcher runs download processes; *process.Supervisor is the real one.
type Launcher interface {
	Launch(owner string, args []string, sink func(process.Event)) (int, error)
	Terminate(pid int) error
}

// OrphanKiller kills a process left behind by an earlier run, if it is still the one launched for owner.
// *process.OrphanKiller is the real one.
type OrphanKiller interface {
	KillOrphan(owner string, pid int) error
}

type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, args []string) (*ytdlp.Metadata, error)
}

type Config struct {
	Store    Store
	Launcher Launcher
	// Used to look up title and file type before a download is added; nil skips the lookup.
	Metadata MetadataFetcher
	// Kills processes recorded by a previous run that didn't shut down cleanly; nil leaves them alone.
	OrphanKiller OrphanKiller
	// A detached session only edits the Store: it skips recovery, never launches anything, and queues every
	// started or resumed download for a session that isn't detached.
	Detached bool
	// Returns the current settings; called whenever arguments are built or slots are counted.
	Settings func() dlqueue.Settings
	// Minimum interval between progress writes (and DownloadUpdated events) for one download.
	ProgressUpdateInterval time.Duration
	// Delay between a clean exit and the download being marked completed.
	CompletionSettleDelay time.Duration
	// How long a deliberately stopped process has to exit before the stop is treated as done anyway. Keep it longer
	// than the launcher's kill grace, or the slot is freed while the process may still be running.
	ExpectedExitTimeout time.Duration
	// Minimum interval between promotions of the same download.
	PromotionCooldown time.Duration
}

var DefaultConfig = Config{
	Settings:               func() dlqueue.Settings { return dlqueue.DefaultSettings },
	ProgressUpdateInterval: 500 * time.Millisecond,
	CompletionSettleDelay:  2 * time.Second,
	ExpectedExitTimeout:    process.DefaultKillGrace + 5*time.Second,
	PromotionCooldown:      3 * time.Second,
}

type startArg struct {
	req      StartRequest
	settings dlqueue.Settings
	meta     *ytdlp.Metadata
}

type startCommand = lpc.Command[startArg, Record]
type recordCommand = lpc.Command[DownloadID, Record]
type promoteCommand = lpc.Command[DownloadID, bool]
type closeCommand = lpc.Command[generic.Void, generic.Void]

type listCache struct {
	gen     uint64
	valid   bool
	records []Record
}

// Session owns every download. All state changes happen on one goroutine (run), which is the only writer to the
// Store; everything else talks to it through commands.
type Session struct {
	config    Config
	ctx       context.Context
	ctxCancel context.CancelFunc
	log       *zap.SugaredLogger

	store     Store
	events    pubsub.Publisher[Event]
	scheduler *scheduler
	debounce  *sync_.Debouncer[DownloadID]
	cache     *sync_.RWMutexed[listCache]

	// Owned by run
	active   map[DownloadID]*activeDownload
	expected *expectations
	closing  *closeCommand
	closeErr error

	startCommands   chan *startCommand
	pauseCommands   chan *recordCommand
	resumeCommands  chan *recordCommand
	cancelCommands  chan *recordCommand
	promoteCommands chan *promoteCommand
	closeCommands   chan *closeCommand
	processEvents   chan process.Event
	flushes         chan DownloadID
	settles         chan DownloadID
	expiries        chan expiry

	done      chan struct{}
	closeOnce sync.Once
}

func New(config Config, ctx context.Context) (*Session, error) {
	if config.Settings == nil {
		config.Settings = DefaultConfig.Settings
	}
	if config.Store == nil {
		config.Store = NewMemoryStore()
	}
	if config.Launcher == nil {
		settings := config.Settings()
		config.Launcher = process.New(settings.Binary, process.WithOutputLogging(settings.LogVerbose, settings.LogProgress))
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Session{
		config:    config,
		ctx:       ctx,
		ctxCancel: cancel,
		log:       zap.S().Named("session"),

		store:  config.Store,
		events: pubsub.NewPublisher[Event](),
		cache:  sync_.NewRWMutexed(listCache{}),
		active: make(map[DownloadID]*activeDownload),

		startCommands:   make(chan *startCommand),
		pauseCommands:   make(chan *recordCommand),
		resumeCommands:  make(chan *recordCommand),
		cancelCommands:  make(chan *recordCommand),
		promoteCommands: make(chan *promoteCommand),
		closeCommands:   make(chan *closeCommand),
		processEvents:   make(chan process.Event, 64),
		flushes:         make(chan DownloadID),
		settles:         make(chan DownloadID),
		expiries:        make(chan expiry),
		done:            make(chan struct{}),
	}
	s.expected = newExpectations(config.ExpectedExitTimeout, func(x expiry) { post(s.ctx, s.expiries, x) })
	s.debounce = sync_.NewDebouncer(config.ProgressUpdateInterval, func(id DownloadID) { post(s.ctx, s.flushes, id) })
	s.scheduler = newScheduler(
		config.PromotionCooldown,
		s.store.List,
		func() int { return s.capacity(s.config.Settings()) },
		func(id DownloadID) (bool, error) { return lpc.Call(s.promoteCommands, s.done, ErrSessionClosed, id) },
	)
	if config.Detached {
		go s.run()
		return s, nil
	}
	if err := s.recover(); err != nil {
		cancel()
		s.events.Close()
		return nil, err
	}
	go s.run()
	s.scheduler.Trigger()
	return s, nil
}

// capacity is the number of slots this session may fill.
func (s *Session) capacity(settings dlqueue.Settings) int {
	if s.config.Detached {
		return 0
	}
	return settings.MaxParallelDownloads
}

// recover pauses downloads that a previous run left active, since their processes are no longer supervised.
func (s *Session) recover() error {
	records, err := s.store.List()
	if err != nil {
		return fmt.Errorf("failed to list downloads: %w", err)
	}
	recovered := 0
	for i := range records {
		rec := &records[i]
		if !rec.Status.IsActive() {
			continue
		}
		log := s.log.With("download_id", rec.ID)
		if rec.ProcessID != nil && s.config.OrphanKiller != nil {
			pid := *rec.ProcessID
			switch err := s.config.OrphanKiller.KillOrphan(string(rec.ID), pid); {
			case err == nil:
				log.Infof("killed orphaned process %d", pid)
			case errors.Is(err, process.ErrNotRunning):
			case errors.Is(err, process.ErrNotOwned):
				log.Infof("process %d is no longer this download's, leaving it alone", pid)
			default:
				log.Warnf("failed to kill orphaned process %d: %v", pid, err)
			}
		}
		rec.SetStatus(StatusPaused)
		rec.UpdatedAt = time.Now()
		if err := s.store.Upsert(rec); err != nil {
			return fmt.Errorf("failed to recover download %v: %w", rec.ID, err)
		}
		log.Info("paused download interrupted by previous run")
		recovered++
	}
	if recovered > 0 {
		s.log.Infof("recovered %d interrupted download(s)", recovered)
	}
	s.compactQueue()
	return nil
}

func post[T any](ctx context.Context, ch chan T, v T) {
	select {
	case ch <- v:
	case <-ctx.Done():
	}
}

func (s *Session) sink(e process.Event) {
	post(s.ctx, s.processEvents, e)
}

func (s *Session) Subscribe() (pubsub.ReceiverCloser[Event], error) {
	return s.events.SubscribeBufSize(64)
}

// SubscribeDownloads is Subscribe, but only receiving events for the given downloads.
func (s *Session) SubscribeDownloads(ids ...DownloadID) (pubsub.ReceiverCloser[Event], error) {
	wanted := generic.NewSet(ids...)
	return s.events.SubscribeFiltered(func(e Event) bool { return wanted.Contains(e.DownloadID()) })
}

func (s *Session) Get(id DownloadID) (Record, error) {
	rec, err := s.get(id)
	if err != nil {
		return Record{}, err
	}
	return *rec, nil
}

func (s *Session) get(id DownloadID) (*Record, error) {
	rec, err := s.store.Get(id)
	if err != nil {
		return nil, fmt.Errorf("failed to get download %v: %w", id, err)
	} else if rec == nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, id)
	}
	return rec, nil
}

// ListDownloads returns every download, oldest first. The result is cached until the next change.
func (s *Session) ListDownloads() ([]Record, error) {
	var cached []Record
	var gen uint64
	hit := false
	_ = s.cache.RLocked(func(c *listCache) error {
		if c.valid {
			cached = append([]Record(nil), c.records...)
			hit = true
		}
		gen = c.gen
		return nil
	})
	if hit {
		return cached, nil
	}
	records, err := s.store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	_ = s.cache.Locked(func(c *listCache) error {
		// Only cache if nothing changed while the store was being read
		if c.gen == gen {
			c.valid = true
			c.records = append([]Record(nil), records...)
		}
		return nil
	})
	return records, nil
}

func (s *Session) invalidate() {
	_ = s.cache.Locked(func(c *listCache) error {
		c.gen++
		c.valid = false
		c.records = nil
		return nil
	})
}

// Close pauses every active download, waits for their processes to stop, and stops the session. Errors from
// stopping individual downloads are aggregated.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_, err = lpc.Call(s.closeCommands, s.done, ErrSessionClosed, generic.NewVoid())
		if errors.Is(err, ErrSessionClosed) {
			err = nil
		}
		s.ctxCancel()
		<-s.done
		s.events.Close()
	})
	return err
}

// Done returns a channel that closes once the session has stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
