package session

import (
	"sort"
	"sync"
)

// Store persists download records. Implementations must be safe for concurrent use, and a write must be visible to
// List and Get as soon as it returns.
type Store interface {
	Upsert(rec *Record) error
	// UpdateStatus also clears QueueIndex and ProcessID where the new status doesn't allow them.
	UpdateStatus(id DownloadID, status Status) error
	UpdateFilepath(id DownloadID, path string, ext string) error
	UpdatePlaylistItemProgress(id DownloadID, item string) error
	Delete(id DownloadID) error
	// List returns every record, oldest first.
	List() ([]Record, error)
	// Get returns (nil, nil) if no record exists for id.
	Get(id DownloadID) (*Record, error)
}

// SortRecords orders records by creation time, then ID, which is the order List promises.
func SortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].AddedAt.Equal(records[j].AddedAt) {
			return records[i].AddedAt.Before(records[j].AddedAt)
		}
		return records[i].ID < records[j].ID
	})
}

// MemoryStore is a Store that forgets everything when the process exits.
type MemoryStore struct {
	mu      sync.Mutex
	records map[DownloadID]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[DownloadID]Record)}
}

func (m *MemoryStore) Upsert(rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = *rec
	return nil
}

func (m *MemoryStore) update(id DownloadID, f func(rec *Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	f(&rec)
	m.records[id] = rec
	return nil
}

func (m *MemoryStore) UpdateStatus(id DownloadID, status Status) error {
	return m.update(id, func(rec *Record) { rec.SetStatus(status) })
}

func (m *MemoryStore) UpdateFilepath(id DownloadID, path string, ext string) error {
	return m.update(id, func(rec *Record) {
		rec.Filepath = path
		rec.FileExtension = ext
	})
}

func (m *MemoryStore) UpdatePlaylistItemProgress(id DownloadID, item string) error {
	return m.update(id, func(rec *Record) { rec.PlaylistItemProgress = item })
}

func (m *MemoryStore) Delete(id DownloadID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) List() ([]Record, error) {
	m.mu.Lock()
	records := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec)
	}
	m.mu.Unlock()
	SortRecords(records)
	return records, nil
}

func (m *MemoryStore) Get(id DownloadID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}
