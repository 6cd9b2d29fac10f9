package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/alanbriolat/dlqueue"
	"github.com/alanbriolat/dlqueue/generic"
	"github.com/alanbriolat/dlqueue/internal/progress"
	"github.com/alanbriolat/dlqueue/internal/ytdlp"
)

type DownloadID string

func NewDownloadID() DownloadID {
	return DownloadID(generic.Unwrap(uuid.NewRandom()).String())
}

type Status string

const (
	// StatusAbsent is the status of a download that has no record, i.e. before start or after cancel.
	StatusAbsent      Status = ""
	StatusQueued      Status = "queued"
	StatusStarting    Status = "starting"
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
)

var activeStatuses = generic.NewSet(
	StatusStarting,
	StatusDownloading,
)

// IsActive returns true if the status occupies one of the parallel download slots.
func (s Status) IsActive() bool {
	return activeStatuses.Contains(s)
}

// Record is the persisted state of one download.
type Record struct {
	ID              DownloadID `json:"download_id"`
	Status          Status     `json:"status"`
	URL             string     `json:"source_url"`
	Format          string     `json:"format_selector,omitempty"`
	Subtitles       string     `json:"subtitle_selector,omitempty"`
	PlaylistID      string     `json:"playlist_id,omitempty"`
	PlaylistIndices string     `json:"playlist_indices,omitempty"`

	Title    string         `json:"title,omitempty"`
	FileType ytdlp.FileType `json:"file_type,omitempty"`

	// Position among queued downloads; nil unless Status is StatusQueued.
	QueueIndex  *int                    `json:"queue_index"`
	QueueConfig *dlqueue.DownloadConfig `json:"queue_config,omitempty"`
	// Set only while a process is supervised for this download.
	ProcessID *int `json:"process_id"`

	Progress             progress.Progress `json:"progress"`
	PlaylistItemProgress string            `json:"playlist_item_progress,omitempty"`

	Filepath      string `json:"filepath,omitempty"`
	FileExtension string `json:"file_extension,omitempty"`
	Filesize      *int64 `json:"filesize,omitempty"`

	// Options resolved at first launch; Resumable is set once there has been a launch to resume.
	Options   ytdlp.Options `json:"options"`
	Resumable bool          `json:"resumable,omitempty"`

	AddedAt   time.Time `json:"added_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetStatus changes the status, clearing fields that are only meaningful for other statuses.
func (r *Record) SetStatus(status Status) {
	r.Status = status
	if status != StatusQueued {
		r.QueueIndex = nil
	}
	if !status.IsActive() {
		r.ProcessID = nil
	}
}

func (r *Record) request() ytdlp.Request {
	return ytdlp.Request{
		DownloadID:      string(r.ID),
		URL:             r.URL,
		Format:          r.Format,
		Subtitles:       r.Subtitles,
		PlaylistIndices: r.PlaylistIndices,
		FileType:        r.FileType,
	}
}

// resumeOptions is non-nil once the download has been launched before, so partial files should be continued.
func (r *Record) resumeOptions() *ytdlp.Options {
	if !r.Resumable {
		return nil
	}
	opts := r.Options
	return &opts
}

func intPtr(v int) *int {
	return &v
}
