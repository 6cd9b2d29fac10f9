package database

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/alanbriolat/dlqueue"
	"github.com/alanbriolat/dlqueue/internal/progress"
	"github.com/alanbriolat/dlqueue/internal/session"
	"github.com/alanbriolat/dlqueue/internal/ytdlp"
)

// download is one row of the download table. Timestamps are deliberately not named CreatedAt/UpdatedAt, so gorm
// leaves them as the session set them.
type download struct {
	DownloadID           string `gorm:"primaryKey"`
	Status               string
	SourceURL            string `gorm:"column:source_url"`
	FormatSelector       string
	SubtitleSelector     string
	PlaylistID           string
	PlaylistIndices      string
	Title                string
	FileType             string
	QueueIndex           *int
	QueueConfig          string
	ProcessID            *int
	TransferStatus       string
	Percent              *float64
	Speed                *float64
	BytesDownloaded      *int64
	BytesTotal           *int64
	ETA                  *int64 `gorm:"column:eta"`
	PlaylistItemProgress string
	Filepath             string `gorm:"column:filepath"`
	FileExtension        string
	Filesize             *int64 `gorm:"column:filesize"`
	Options              string
	Resumable            bool
	Added                time.Time `gorm:"column:added_at"`
	Updated              time.Time `gorm:"column:updated_at"`
}

func (download) TableName() string {
	return "download"
}

func fromRecord(rec *session.Record) (download, error) {
	options, err := json.Marshal(rec.Options)
	if err != nil {
		return download{}, err
	}
	row := download{
		DownloadID:           string(rec.ID),
		Status:               string(rec.Status),
		SourceURL:            rec.URL,
		FormatSelector:       rec.Format,
		SubtitleSelector:     rec.Subtitles,
		PlaylistID:           rec.PlaylistID,
		PlaylistIndices:      rec.PlaylistIndices,
		Title:                rec.Title,
		FileType:             string(rec.FileType),
		QueueIndex:           rec.QueueIndex,
		ProcessID:            rec.ProcessID,
		TransferStatus:       rec.Progress.Status,
		Percent:              rec.Progress.Percent,
		Speed:                rec.Progress.Speed,
		BytesDownloaded:      rec.Progress.Downloaded,
		BytesTotal:           rec.Progress.Total,
		ETA:                  rec.Progress.ETA,
		PlaylistItemProgress: rec.PlaylistItemProgress,
		Filepath:             rec.Filepath,
		FileExtension:        rec.FileExtension,
		Filesize:             rec.Filesize,
		Options:              string(options),
		Resumable:            rec.Resumable,
		Added:                rec.AddedAt,
		Updated:              rec.UpdatedAt,
	}
	if rec.QueueConfig != nil {
		row.QueueConfig = rec.QueueConfig.Encode()
	}
	return row, nil
}

func (row *download) toRecord() (session.Record, error) {
	rec := session.Record{
		ID:              session.DownloadID(row.DownloadID),
		Status:          session.Status(row.Status),
		URL:             row.SourceURL,
		Format:          row.FormatSelector,
		Subtitles:       row.SubtitleSelector,
		PlaylistID:      row.PlaylistID,
		PlaylistIndices: row.PlaylistIndices,
		Title:           row.Title,
		FileType:        ytdlp.FileType(row.FileType),
		QueueIndex:      row.QueueIndex,
		ProcessID:       row.ProcessID,
		Progress: progress.Progress{
			Status:     row.TransferStatus,
			Percent:    row.Percent,
			Speed:      row.Speed,
			Downloaded: row.BytesDownloaded,
			Total:      row.BytesTotal,
			ETA:        row.ETA,
		},
		PlaylistItemProgress: row.PlaylistItemProgress,
		Filepath:             row.Filepath,
		FileExtension:        row.FileExtension,
		Filesize:             row.Filesize,
		Resumable:            row.Resumable,
		AddedAt:              row.Added,
		UpdatedAt:            row.Updated,
	}
	var err error
	if rec.QueueConfig, err = dlqueue.DecodeDownloadConfig(row.QueueConfig); err != nil {
		return rec, fmt.Errorf("download %s: %w", row.DownloadID, err)
	}
	if row.Options != "" {
		if err := json.Unmarshal([]byte(row.Options), &rec.Options); err != nil {
			return rec, fmt.Errorf("download %s: invalid options: %w", row.DownloadID, err)
		}
	}
	return rec, nil
}

func (d *Database) Upsert(rec *session.Record) error {
	row, err := fromRecord(rec)
	if err != nil {
		return err
	}
	return d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "download_id"}},
		UpdateAll: true,
	}).Create(&row).Error
}

func (d *Database) update(id session.DownloadID, values map[string]interface{}) error {
	res := d.db.Model(&download{}).Where("download_id = ?", string(id)).Updates(values)
	if res.Error != nil {
		return res.Error
	} else if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %v", session.ErrNotFound, id)
	}
	return nil
}

func (d *Database) UpdateStatus(id session.DownloadID, status session.Status) error {
	values := map[string]interface{}{"status": string(status)}
	if status != session.StatusQueued {
		values["queue_index"] = nil
	}
	if !status.IsActive() {
		values["process_id"] = nil
	}
	return d.update(id, values)
}

func (d *Database) UpdateFilepath(id session.DownloadID, path string, ext string) error {
	return d.update(id, map[string]interface{}{"filepath": path, "file_extension": ext})
}

func (d *Database) UpdatePlaylistItemProgress(id session.DownloadID, item string) error {
	return d.update(id, map[string]interface{}{"playlist_item_progress": item})
}

func (d *Database) Delete(id session.DownloadID) error {
	return d.db.Where("download_id = ?", string(id)).Delete(&download{}).Error
}

func (d *Database) List() ([]session.Record, error) {
	var rows []download
	if err := d.db.Order("added_at, download_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	records := make([]session.Record, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	// SQLite compares the stored timestamp text, which doesn't order across time zones
	session.SortRecords(records)
	return records, nil
}

// Get returns (nil, nil) if no such row exists.
func (d *Database) Get(id session.DownloadID) (*session.Record, error) {
	var rows []download
	if err := d.db.Where("download_id = ?", string(id)).Limit(1).Find(&rows).Error; err != nil {
		return nil, err
	} else if len(rows) == 0 {
		return nil, nil
	}
	rec, err := rows[0].toRecord()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
