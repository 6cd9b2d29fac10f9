package main

import (
	"context"

	"github.com/dustin/go-humanize"
	"github.com/r3labs/diff/v3"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"github.com/alanbriolat/dlqueue/generic"
	"github.com/alanbriolat/dlqueue/internal/session"
)

// watch shows progress for ids until none of them is queued or active, or ctx is cancelled.
func watch(ctx context.Context, ses *session.Session, ids generic.Set[session.DownloadID]) error {
	logger := zap.S()
	events, err := ses.SubscribeDownloads(ids.ToSlice()...)
	if err != nil {
		return err
	}
	defer events.Close()

	pending := func() bool {
		for _, id := range ids.ToSlice() {
			rec, err := ses.Get(id)
			if err == nil && (rec.Status == session.StatusQueued || rec.Status.IsActive()) {
				return true
			}
		}
		return false
	}
	bars := make(map[session.DownloadID]*bar)
	defer func() {
		for _, b := range bars {
			_ = b.Finish()
		}
	}()

	for pending() {
		select {
		case <-ctx.Done():
			logger.Info("Exiting gracefully...")
			return nil
		case event, ok := <-events.Receive():
			if !ok {
				return nil
			}
			switch e := event.(type) {
			case session.DownloadUpdated:
				logChanges(logger.With("download_id", e.DownloadID()), e)
				updateBar(bars, e.New)
			case session.DownloadCompleted:
				size := "unknown size"
				if e.Record.Filesize != nil {
					size = humanize.IBytes(uint64(*e.Record.Filesize))
				}
				logger.Infof("Download complete: %s (%s)", e.Record.Filepath, size)
			case session.DownloadErrored:
				logger.Errorf("Download %s stopped: %v", e.DownloadID(), e.Err)
			case session.DownloadRemoved:
				logger.Infof("Download %s removed", e.DownloadID())
			}
		}
	}
	return nil
}

func logChanges(logger *zap.SugaredLogger, e session.DownloadUpdated) {
	changes, err := diff.Diff(e.Old, e.New)
	if err != nil {
		logger.Errorf("failed to diff old and new download state: %v", err)
		return
	}
	for _, change := range changes {
		logger.Debugf("%v: %#v -> %#v", change.Path, change.From, change.To)
	}
}

type bar struct {
	*progressbar.ProgressBar
	max int64
}

func updateBar(bars map[session.DownloadID]*bar, rec session.Record) {
	p := rec.Progress
	if p.Total == nil || p.Downloaded == nil {
		return
	}
	b, ok := bars[rec.ID]
	if !ok {
		description := rec.Title
		if description == "" {
			description = string(rec.ID)
		}
		b = &bar{progressbar.DefaultBytes(*p.Total, description), *p.Total}
		bars[rec.ID] = b
	}
	// Playlists and separate audio/video streams each report their own total
	if b.max != *p.Total {
		b.ChangeMax64(*p.Total)
		b.max = *p.Total
	}
	generic.Unwrap_(b.Set64(*p.Downloaded))
}
