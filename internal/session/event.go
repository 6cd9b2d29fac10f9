package session

type Event interface {
	// The download this event relates to.
	DownloadID() DownloadID
}

type downloadEvent struct {
	id DownloadID
}

func (e downloadEvent) DownloadID() DownloadID {
	return e.id
}

type DownloadAdded struct {
	downloadEvent
	Record Record
}
type DownloadRemoved struct {
	downloadEvent
	Record Record
}
type DownloadUpdated struct {
	downloadEvent
	Old Record
	New Record
}
type DownloadCompleted struct {
	downloadEvent
	Record Record
}

// DownloadErrored means the download stopped without being asked to, and has been paused.
type DownloadErrored struct {
	downloadEvent
	Record Record
	Err    error
}
