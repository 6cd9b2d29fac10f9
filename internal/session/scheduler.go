package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/alanbriolat/dlqueue/internal/sync_"
)

// scheduler promotes queued downloads into free slots. At most one pass runs at a time; a trigger that arrives
// during a pass causes another pass once it completes.
type scheduler struct {
	log      *zap.SugaredLogger
	cooldown time.Duration
	// Current snapshot of the persisted records.
	list func() ([]Record, error)
	// The slot limit.
	capacity func() int
	// Promote asks the event loop to start a queued download, which it re-verifies first.
	promote func(DownloadID) (bool, error)

	running  sync_.Event
	missed   sync_.Event
	promoted *sync_.Mutexed[map[DownloadID]time.Time]
	// Passes completed, for tests.
	passes *sync_.Mutexed[int]
}

func newScheduler(cooldown time.Duration, list func() ([]Record, error), capacity func() int, promote func(DownloadID) (bool, error)) *scheduler {
	return &scheduler{
		log:      zap.S().Named("scheduler"),
		cooldown: cooldown,
		list:     list,
		capacity: capacity,
		promote:  promote,
		promoted: sync_.NewMutexed(make(map[DownloadID]time.Time)),
		passes:   sync_.NewMutexed(0),
	}
}

// Trigger starts a pass in the background. Returns false if a pass was already running, in which case another one
// follows it.
func (sc *scheduler) Trigger() bool {
	if !sc.running.Set() {
		sc.missed.Set()
		return false
	}
	go sc.run()
	return true
}

func (sc *scheduler) run() {
	promoted := sc.pass()
	_ = sc.passes.Locked(func(n *int) error {
		*n++
		return nil
	})
	sc.running.Clear()
	// Something may have changed while this pass was looking, or another slot may be free
	if sc.missed.Clear() || promoted {
		sc.Trigger()
	}
}

func (sc *scheduler) pass() bool {
	records, err := sc.list()
	if err != nil {
		sc.log.Errorf("failed to list downloads: %v", err)
		return false
	}
	active := 0
	var candidate *Record
	var retry time.Duration
	now := time.Now()
	for i := range records {
		rec := &records[i]
		if rec.Status.IsActive() {
			active++
			continue
		}
		if rec.Status != StatusQueued || rec.QueueIndex == nil {
			continue
		}
		if wait := sc.cooldownRemaining(rec.ID, now); wait > 0 {
			if retry == 0 || wait < retry {
				retry = wait
			}
			continue
		}
		if candidate == nil || *rec.QueueIndex < *candidate.QueueIndex {
			candidate = rec
		}
	}
	if active >= sc.capacity() {
		return false
	}
	if candidate == nil {
		if retry > 0 {
			// Only recently promoted downloads are waiting, so look again once they're allowed
			time.AfterFunc(retry, func() { sc.Trigger() })
		}
		return false
	}
	_ = sc.promoted.Locked(func(m *map[DownloadID]time.Time) error {
		for id, at := range *m {
			if now.Sub(at) >= sc.cooldown {
				delete(*m, id)
			}
		}
		(*m)[candidate.ID] = now
		return nil
	})
	log := sc.log.With("download_id", candidate.ID)
	ok, err := sc.promote(candidate.ID)
	if err != nil {
		log.Errorf("failed to promote download: %v", err)
		return false
	} else if !ok {
		log.Debug("download not promoted")
		return false
	}
	log.Info("promoted queued download")
	return true
}

// cooldownRemaining is how long until id may be promoted again, or 0 if it may be promoted now.
func (sc *scheduler) cooldownRemaining(id DownloadID, now time.Time) (wait time.Duration) {
	_ = sc.promoted.Locked(func(m *map[DownloadID]time.Time) error {
		if at, ok := (*m)[id]; ok && now.Sub(at) < sc.cooldown {
			wait = sc.cooldown - now.Sub(at)
		}
		return nil
	})
	return wait
}

// Passes returns how many passes have completed.
func (sc *scheduler) Passes() int {
	return sc.passes.Get()
}
