package session

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/alanbriolat/dlqueue/generic"
	"github.com/alanbriolat/dlqueue/internal/process"
	"github.com/alanbriolat/dlqueue/internal/ytdlp"
)

// activeDownload is a download occupying a slot, from launch until its process is confirmed gone.
type activeDownload struct {
	rec Record
	// The record as of the last DownloadUpdated event
	published Record
	log       *zap.SugaredLogger
	pid       int
	// Transfer finished and post-processing started, so pausing would lose work
	finished bool
	// Exited cleanly, waiting to be marked completed
	settling bool
	stopping *stopRequest
}

type stopRequest struct {
	cancel bool
	cmd    *recordCommand // nil when stopped by Close
}

func (a *activeDownload) transition(input Input) {
	status, err := Next(a.rec.Status, Transition{Input: input, SlotFree: true})
	if err != nil {
		a.log.Errorf("%v", err)
		return
	}
	a.rec.SetStatus(status)
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return
		case c := <-s.startCommands:
			s.handleStart(c)
		case c := <-s.pauseCommands:
			s.handlePause(c)
		case c := <-s.resumeCommands:
			s.handleResume(c)
		case c := <-s.cancelCommands:
			s.handleCancel(c)
		case c := <-s.promoteCommands:
			s.handlePromote(c)
		case c := <-s.closeCommands:
			s.handleClose(c)
		case e := <-s.processEvents:
			s.handleProcessEvent(e)
		case id := <-s.flushes:
			s.flush(id)
		case id := <-s.settles:
			s.complete(id)
		case x := <-s.expiries:
			s.handleExpiry(x)
		}
	}
}

func (s *Session) shutdown() {
	s.debounce.StopAll()
	s.expected.ClearAll()
	// Anything still active here was abandoned without Close; keep its latest progress for recovery
	for _, a := range s.active {
		if !a.settling {
			s.write(&a.rec)
		}
	}
}

func (s *Session) write(rec *Record) {
	rec.UpdatedAt = time.Now()
	if err := s.store.Upsert(rec); err != nil {
		s.log.With("download_id", rec.ID).Errorf("failed to save download: %v", err)
	}
	s.invalidate()
}

func (s *Session) publish(e Event) {
	s.invalidate()
	s.events.Send(e)
}

func (s *Session) publishUpdated(a *activeDownload) {
	s.publish(DownloadUpdated{downloadEvent{a.rec.ID}, a.published, a.rec})
	a.published = a.rec
}

// counts returns the number of downloads occupying a slot and the number queued.
func (s *Session) counts() (active int, queued int, err error) {
	records, err := s.store.List()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list downloads: %w", err)
	}
	for _, rec := range records {
		if rec.Status.IsActive() {
			active++
		} else if rec.Status == StatusQueued {
			queued++
		}
	}
	return active, queued, nil
}

func (s *Session) handleStart(c *startCommand) {
	arg := c.Arg()
	if s.closing != nil {
		_ = c.RespondError(ErrSessionClosed)
		return
	}
	active, queued, err := s.counts()
	if err != nil {
		_ = c.RespondError(err)
		return
	}
	status, err := Next(StatusAbsent, Transition{Input: InputStart, SlotFree: active < s.capacity(arg.settings)})
	if err != nil {
		_ = c.RespondError(err)
		return
	}
	cfg := arg.req.Config
	now := time.Now()
	rec := Record{
		ID:              NewDownloadID(),
		Status:          status,
		URL:             arg.req.URL,
		Format:          arg.req.Format,
		Subtitles:       arg.req.Subtitles,
		PlaylistID:      arg.req.PlaylistID,
		PlaylistIndices: arg.req.PlaylistIndices,
		QueueConfig:     &cfg,
		AddedAt:         now,
		UpdatedAt:       now,
	}
	if m := arg.meta; m != nil {
		rec.Title = m.DisplayTitle()
		rec.FileType = m.FileType()
		if rec.PlaylistID == "" && m.Type == "playlist" {
			rec.PlaylistID = m.ID
		}
	}
	// Built even when queueing, so that a request which could never launch is refused now
	inv, err := ytdlp.Build(rec.request(), arg.settings, rec.QueueConfig, nil)
	if err != nil {
		_ = c.RespondError(fmt.Errorf("failed to build arguments: %w", err))
		return
	}
	if status == StatusQueued {
		rec.QueueIndex = intPtr(queued)
	}
	if err := s.store.Upsert(&rec); err != nil {
		_ = c.RespondError(fmt.Errorf("failed to save download: %w", err))
		return
	}
	s.log.With("download_id", rec.ID).Infof("added download %s (%s)", rec.URL, rec.Status)
	s.publish(DownloadAdded{downloadEvent{rec.ID}, rec})
	if status == StatusStarting {
		rec = s.launch(rec, rec, inv)
	}
	_ = c.Respond(rec)
}

// launch starts the process for rec, which must already have an active status. prev is the record as last
// published.
func (s *Session) launch(prev Record, rec Record, inv ytdlp.Invocation) Record {
	rec.Options = inv.Options
	rec.Resumable = true
	a := &activeDownload{
		rec:       rec,
		published: prev,
		log:       s.log.With("download_id", rec.ID),
	}
	s.active[rec.ID] = a
	pid, err := s.config.Launcher.Launch(string(rec.ID), inv.Args, s.sink)
	if err != nil {
		s.fail(a, fmt.Errorf("%w: %v", ErrLaunch, err))
		return a.rec
	}
	a.pid = pid
	a.rec.ProcessID = intPtr(pid)
	a.log.Infof("launched process %d", pid)
	s.write(&a.rec)
	s.publishUpdated(a)
	return a.rec
}

// retire gives up the slot held by a.
func (s *Session) retire(a *activeDownload) {
	delete(s.active, a.rec.ID)
	s.debounce.Stop(a.rec.ID)
	s.expected.Clear(a.rec.ID)
	a.pid = 0
	a.rec.ProcessID = nil
}

func (s *Session) slotFreed() {
	s.scheduler.Trigger()
	s.checkClosed()
}

// fail pauses a download whose process stopped without being asked to.
func (s *Session) fail(a *activeDownload, err error) {
	a.log.Warnf("download stopped: %v", err)
	s.retire(a)
	a.transition(InputFailed)
	s.write(&a.rec)
	s.publishUpdated(a)
	s.publish(DownloadErrored{downloadEvent{a.rec.ID}, a.rec, err})
	s.slotFreed()
}

func (s *Session) handlePause(c *recordCommand) {
	id := c.Arg()
	a, ok := s.active[id]
	if !ok {
		rec, err := s.get(id)
		if err == nil {
			err = s.checkForeign(rec)
		}
		if err == nil {
			_, err = Next(rec.Status, Transition{Input: InputPause})
		}
		_ = c.Reply(Record{}, err)
		return
	}
	if a.stopping != nil {
		_ = c.RespondError(ErrStopping)
		return
	}
	if a.finished || a.settling {
		_ = c.RespondError(ErrPostProcessing)
		return
	}
	if err := s.stop(a, &stopRequest{cmd: c}); err != nil {
		_ = c.RespondError(err)
	}
}

// stop terminates a's process, expecting it to exit; the request completes once it does (or the expectation lapses).
func (s *Session) stop(a *activeDownload, req *stopRequest) error {
	a.stopping = req
	if a.pid == 0 {
		s.confirmStop(a)
		return nil
	}
	s.expected.Mark(a.rec.ID)
	a.log.Infof("stopping process %d", a.pid)
	if err := s.config.Launcher.Terminate(a.pid); err != nil {
		s.expected.Clear(a.rec.ID)
		a.stopping = nil
		return fmt.Errorf("failed to stop process: %w", err)
	}
	return nil
}

func (s *Session) confirmStop(a *activeDownload) {
	req := a.stopping
	a.stopping = nil
	s.retire(a)
	if req.cancel {
		s.remove(a.rec)
		a.log.Info("cancelled download")
	} else {
		a.transition(InputPause)
		s.write(&a.rec)
		s.publishUpdated(a)
		a.log.Info("paused download")
	}
	if req.cmd != nil {
		_ = req.cmd.Respond(a.rec)
	}
	s.slotFreed()
}

func (s *Session) remove(rec Record) {
	if err := s.store.Delete(rec.ID); err != nil {
		s.log.With("download_id", rec.ID).Errorf("failed to delete download: %v", err)
	}
	s.publish(DownloadRemoved{downloadEvent{rec.ID}, rec})
	if rec.Status == StatusQueued {
		s.compactQueue()
	}
}

func (s *Session) handleCancel(c *recordCommand) {
	id := c.Arg()
	if a, ok := s.active[id]; ok {
		if a.stopping != nil {
			_ = c.RespondError(ErrStopping)
			return
		}
		if err := s.stop(a, &stopRequest{cancel: true, cmd: c}); err != nil {
			_ = c.RespondError(err)
		}
		return
	}
	rec, err := s.get(id)
	if err == nil {
		err = s.checkForeign(rec)
	}
	if err != nil {
		_ = c.RespondError(err)
		return
	}
	if _, err := Next(rec.Status, Transition{Input: InputCancel}); err != nil {
		_ = c.RespondError(err)
		return
	}
	s.remove(*rec)
	s.log.With("download_id", id).Info("cancelled download")
	_ = c.Respond(*rec)
	s.scheduler.Trigger()
}

// checkForeign refuses a record that is active without a process in this session; the session that launched it
// still owns it.
func (s *Session) checkForeign(rec *Record) error {
	if rec.Status.IsActive() {
		return fmt.Errorf("%w: %v", ErrRunningElsewhere, rec.ID)
	}
	return nil
}

func (s *Session) handleResume(c *recordCommand) {
	id := c.Arg()
	if s.closing != nil {
		_ = c.RespondError(ErrSessionClosed)
		return
	}
	rec, err := s.get(id)
	if err != nil {
		_ = c.RespondError(err)
		return
	}
	active, queued, err := s.counts()
	if err != nil {
		_ = c.RespondError(err)
		return
	}
	settings := s.config.Settings()
	status, err := Next(rec.Status, Transition{Input: InputResume, SlotFree: active < s.capacity(settings)})
	if err != nil {
		_ = c.RespondError(err)
		return
	}
	log := s.log.With("download_id", id)
	prev := *rec
	if status == StatusQueued {
		rec.SetStatus(StatusQueued)
		rec.QueueIndex = intPtr(queued)
		s.write(rec)
		s.publish(DownloadUpdated{downloadEvent{id}, prev, *rec})
		log.Info("no free slot, queued download")
		_ = c.Respond(*rec)
		return
	}
	inv, err := ytdlp.Build(rec.request(), settings, rec.QueueConfig, rec.resumeOptions())
	if err != nil {
		_ = c.RespondError(fmt.Errorf("failed to build arguments: %w", err))
		return
	}
	rec.SetStatus(status)
	log.Info("resuming download")
	_ = c.Respond(s.launch(prev, *rec, inv))
}

func (s *Session) handlePromote(c *promoteCommand) {
	id := c.Arg()
	if s.closing != nil {
		_ = c.Respond(false)
		return
	}
	rec, err := s.get(id)
	if errors.Is(err, ErrNotFound) {
		_ = c.Respond(false)
		return
	} else if err != nil {
		_ = c.RespondError(err)
		return
	}
	if rec.Status != StatusQueued {
		_ = c.Respond(false)
		return
	}
	active, _, err := s.counts()
	if err != nil {
		_ = c.RespondError(err)
		return
	}
	settings := s.config.Settings()
	status, err := Next(rec.Status, Transition{Input: InputPromote, SlotFree: active < s.capacity(settings)})
	if err != nil {
		_ = c.Respond(false)
		return
	}
	prev := *rec
	inv, err := ytdlp.Build(rec.request(), settings, rec.QueueConfig, rec.resumeOptions())
	if err != nil {
		err = fmt.Errorf("failed to build arguments: %w", err)
		rec.SetStatus(StatusPaused)
		s.write(rec)
		s.publish(DownloadUpdated{downloadEvent{id}, prev, *rec})
		s.publish(DownloadErrored{downloadEvent{id}, *rec, err})
		s.compactQueue()
		// The next queued download may still be able to go
		s.scheduler.Trigger()
		_ = c.RespondError(err)
		return
	}
	rec.SetStatus(status)
	s.write(rec)
	s.compactQueue()
	s.launch(prev, *rec, inv)
	_ = c.Respond(true)
}

// compactQueue renumbers queued downloads 0..n-1, keeping their order.
func (s *Session) compactQueue() {
	records, err := s.store.List()
	if err != nil {
		s.log.Errorf("failed to list downloads: %v", err)
		return
	}
	var queued []*Record
	for i := range records {
		if records[i].Status == StatusQueued {
			queued = append(queued, &records[i])
		}
	}
	sort.SliceStable(queued, func(i, j int) bool {
		return queueIndex(queued[i]) < queueIndex(queued[j])
	})
	for i, rec := range queued {
		if rec.QueueIndex != nil && *rec.QueueIndex == i {
			continue
		}
		prev := *rec
		rec.QueueIndex = intPtr(i)
		s.write(rec)
		s.publish(DownloadUpdated{downloadEvent{rec.ID}, prev, *rec})
	}
}

func queueIndex(rec *Record) int {
	if rec.QueueIndex == nil {
		return int(^uint(0) >> 1)
	}
	return *rec.QueueIndex
}

func (s *Session) handleProcessEvent(e process.Event) {
	id := DownloadID(e.Owner)
	a, ok := s.active[id]
	if !ok || a.pid != e.PID {
		if e.Kind == process.EventExit {
			s.log.With("download_id", id).Debugf("ignoring exit of untracked process %d", e.PID)
		}
		return
	}
	switch e.Kind {
	case process.EventProgress:
		a.rec.Progress = e.Progress
		if e.Progress.Finished() && !a.finished {
			a.finished = true
			a.log.Debug("transfer finished, post-processing")
		}
		if a.rec.Status == StatusStarting {
			a.transition(InputProgress)
			s.debounce.Stop(id)
			s.write(&a.rec)
			s.publishUpdated(a)
		} else {
			s.debounce.Touch(id)
		}
	case process.EventFinalPath:
		a.rec.Filepath = e.Path
		a.rec.FileExtension = e.Ext
		if info, err := os.Stat(e.Path); err == nil {
			size := info.Size()
			a.rec.Filesize = &size
		}
		if err := s.store.UpdateFilepath(id, e.Path, e.Ext); err != nil {
			a.log.Errorf("failed to save final path: %v", err)
		}
		s.invalidate()
		s.debounce.Touch(id)
	case process.EventPlaylistItem:
		a.rec.PlaylistItemProgress = e.Item
		if err := s.store.UpdatePlaylistItemProgress(id, e.Item); err != nil {
			a.log.Errorf("failed to save playlist progress: %v", err)
		}
		s.invalidate()
		s.debounce.Touch(id)
	case process.EventPlaylistFinished:
		a.finished = true
	case process.EventExit:
		s.handleExit(a, e)
	}
}

func (s *Session) handleExit(a *activeDownload, e process.Event) {
	a.pid = 0
	a.rec.ProcessID = nil
	s.debounce.Stop(a.rec.ID)
	clean := e.ExitCode == 0 && e.Err == nil
	if a.stopping != nil && !a.stopping.cancel && clean && a.rec.Filepath != "" {
		// Finished before the pause took effect
		if a.stopping.cmd != nil {
			_ = a.stopping.cmd.RespondError(ErrPostProcessing)
		}
		a.stopping = nil
		s.expected.Clear(a.rec.ID)
	}
	if a.stopping != nil {
		s.confirmStop(a)
		return
	}
	if clean {
		if a.rec.Filepath == "" {
			s.fail(a, ErrNoFinalPath)
			return
		}
		// Files may still be settling after the final move
		a.settling = true
		a.log.Debugf("process exited, completing in %v", s.config.CompletionSettleDelay)
		s.write(&a.rec)
		s.publishUpdated(a)
		id := a.rec.ID
		time.AfterFunc(s.config.CompletionSettleDelay, func() { post(s.ctx, s.settles, id) })
		return
	}
	err := fmt.Errorf("%w: exit code %d", ErrUnexpectedExit, e.ExitCode)
	if e.Err != nil {
		err = fmt.Errorf("%w: %v", ErrUnexpectedExit, e.Err)
	}
	s.fail(a, err)
}

func (s *Session) complete(id DownloadID) {
	a, ok := s.active[id]
	if !ok || !a.settling {
		return
	}
	s.retire(a)
	a.transition(InputCompleted)
	s.write(&a.rec)
	s.publishUpdated(a)
	s.publish(DownloadCompleted{downloadEvent{id}, a.rec})
	a.log.Infof("completed download: %s", a.rec.Filepath)
	s.slotFreed()
}

func (s *Session) flush(id DownloadID) {
	a, ok := s.active[id]
	if !ok || a.settling {
		return
	}
	s.write(&a.rec)
	s.publishUpdated(a)
}

func (s *Session) handleExpiry(x expiry) {
	if !s.expected.Expire(x) {
		return
	}
	a, ok := s.active[x.id]
	if !ok || a.stopping == nil {
		return
	}
	a.log.Warnf("process %d did not exit within %v of being stopped", a.pid, s.config.ExpectedExitTimeout)
	s.confirmStop(a)
}

func (s *Session) handleClose(c *closeCommand) {
	s.closing = c
	s.log.Infof("closing, pausing %d active download(s)", len(s.active))
	active := make([]*activeDownload, 0, len(s.active))
	for _, a := range s.active {
		active = append(active, a)
	}
	var result error
	for _, a := range active {
		if a.settling {
			s.complete(a.rec.ID)
			continue
		}
		if a.stopping != nil {
			continue
		}
		if err := s.stop(a, &stopRequest{}); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to pause download %v: %w", a.rec.ID, err))
			a.stopping = &stopRequest{}
			s.confirmStop(a)
		}
	}
	s.closeErr = result
	s.checkClosed()
}

// checkClosed answers the close command once no downloads are active.
func (s *Session) checkClosed() {
	if s.closing == nil || len(s.active) > 0 {
		return
	}
	_ = s.closing.Reply(generic.NewVoid(), s.closeErr)
}
