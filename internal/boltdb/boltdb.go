// Package boltdb stores download records in a bbolt file, one JSON document per download.
package boltdb

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/alanbriolat/dlqueue/internal/session"
)

var Buckets = struct {
	Metadata  []byte
	Downloads []byte
}{
	Metadata:  []byte("__metadata__"),
	Downloads: []byte("downloads"),
}

var MetadataKeys = struct {
	Version []byte
}{
	Version: []byte("version"),
}

const currentVersion = 1

// DefaultOpenTimeout is how long New waits for another process to release the database file.
const DefaultOpenTimeout = 5 * time.Second

var ErrLocked = errors.New("database is locked by another process")

type Store interface {
	Close() error

	session.Store
}

type store struct {
	*bbolt.DB
	log *zap.SugaredLogger
}

func New(path string) (Store, error) {
	return Open(path, DefaultOpenTimeout)
}

// Open is New, giving up with ErrLocked if the file is still locked after timeout.
func Open(path string, timeout time.Duration) (_ Store, err error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: timeout})
	if errors.Is(err, bbolt.ErrTimeout) {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	} else if err != nil {
		return nil, err
	}
	log := zap.S().Named("boltdb").With("path", path)
	err = db.Update(func(tx *bbolt.Tx) (err error) {
		// Ensure buckets exist
		var metadata *bbolt.Bucket
		if metadata, err = tx.CreateBucketIfNotExists(Buckets.Metadata); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(Buckets.Downloads); err != nil {
			return err
		}

		var version int
		if versionBytes := metadata.Get(MetadataKeys.Version); versionBytes == nil {
			version = 0
		} else if err = json.Unmarshal(versionBytes, &version); err != nil {
			return err
		}
		if version > currentVersion {
			return fmt.Errorf("database version %d is newer than supported version %d", version, currentVersion)
		}
		if version != currentVersion {
			log.Infof("upgrading database from version %d to %d", version, currentVersion)
		}

		if versionBytes, err := json.Marshal(currentVersion); err != nil {
			return err
		} else if err = metadata.Put(MetadataKeys.Version, versionBytes); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &store{db, log}, nil
}

func (s *store) Upsert(rec *session.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(Buckets.Downloads).Put([]byte(rec.ID), data)
	})
}

// update applies f to the stored record for id in a single transaction.
func (s *store) update(id session.DownloadID, f func(rec *session.Record)) error {
	return s.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(Buckets.Downloads)
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %v", session.ErrNotFound, id)
		}
		var rec session.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		f(&rec)
		if data, err := json.Marshal(&rec); err != nil {
			return err
		} else {
			return bucket.Put([]byte(id), data)
		}
	})
}

func (s *store) UpdateStatus(id session.DownloadID, status session.Status) error {
	return s.update(id, func(rec *session.Record) { rec.SetStatus(status) })
}

func (s *store) UpdateFilepath(id session.DownloadID, path string, ext string) error {
	return s.update(id, func(rec *session.Record) {
		rec.Filepath = path
		rec.FileExtension = ext
	})
}

func (s *store) UpdatePlaylistItemProgress(id session.DownloadID, item string) error {
	return s.update(id, func(rec *session.Record) { rec.PlaylistItemProgress = item })
}

func (s *store) Delete(id session.DownloadID) error {
	return s.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(Buckets.Downloads).Delete([]byte(id))
	})
}

func (s *store) List() (records []session.Record, err error) {
	err = s.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(Buckets.Downloads).ForEach(func(k, v []byte) error {
			var rec session.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("download %s: %w", k, err)
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	session.SortRecords(records)
	return records, nil
}

func (s *store) Get(id session.DownloadID) (rec *session.Record, err error) {
	err = s.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(Buckets.Downloads).Get([]byte(id))
		if data == nil {
			return nil
		}
		rec = &session.Record{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}
