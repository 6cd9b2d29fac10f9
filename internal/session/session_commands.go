package session

import (
	"context"
	"fmt"

	"github.com/alanbriolat/dlqueue"
	"github.com/alanbriolat/dlqueue/internal/lpc"
	"github.com/alanbriolat/dlqueue/internal/ytdlp"
)

type StartRequest struct {
	URL             string
	Format          string
	Subtitles       string
	PlaylistID      string
	PlaylistIndices string
	// Selects a custom command template from settings, replacing Config.CustomCommand.
	CustomCommandID string
	Config          dlqueue.DownloadConfig
}

func (r *StartRequest) ytdlpRequest() ytdlp.Request {
	return ytdlp.Request{
		URL:             r.URL,
		Format:          r.Format,
		Subtitles:       r.Subtitles,
		PlaylistIndices: r.PlaylistIndices,
	}
}

// Start adds a download, launching it immediately if a slot is free and queueing it otherwise. If metadata lookup
// is configured and fails, nothing is added.
func (s *Session) Start(ctx context.Context, req StartRequest) (Record, error) {
	if req.URL == "" {
		return Record{}, ytdlp.ErrMissingURL
	}
	settings := s.config.Settings()
	if req.CustomCommandID != "" {
		args, err := ytdlp.CustomArgs(settings, req.CustomCommandID)
		if err != nil {
			return Record{}, err
		}
		req.Config.CustomCommand = args
	}
	var meta *ytdlp.Metadata
	if s.config.Metadata != nil {
		ctx = dlqueue.WithLogger(ctx, s.log.With("url", req.URL))
		m, err := s.config.Metadata.FetchMetadata(ctx, ytdlp.MetadataArgs(req.ytdlpRequest(), settings, &req.Config))
		if err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrMetadataFetch, err)
		}
		meta = m
	}
	return lpc.Call(s.startCommands, s.done, ErrSessionClosed, startArg{req: req, settings: settings, meta: meta})
}

// Pause stops an active download's process, keeping partial files so it can be resumed. It returns once the process
// has exited.
func (s *Session) Pause(id DownloadID) (Record, error) {
	return lpc.Call(s.pauseCommands, s.done, ErrSessionClosed, id)
}

// Resume restarts a paused download, continuing partial files, or queues it if no slot is free.
func (s *Session) Resume(id DownloadID) (Record, error) {
	return lpc.Call(s.resumeCommands, s.done, ErrSessionClosed, id)
}

// Cancel removes a download in any status, stopping its process first if it has one.
func (s *Session) Cancel(id DownloadID) (Record, error) {
	return lpc.Call(s.cancelCommands, s.done, ErrSessionClosed, id)
}
