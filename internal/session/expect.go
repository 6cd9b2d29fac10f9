package session

import "time"

type marker struct {
	timer *time.Timer
	gen   uint64
}

type expiry struct {
	id  DownloadID
	gen uint64
}

// expectations records downloads whose process was deliberately terminated, so that its exit is not treated as a
// failure. Each marker lapses after a timeout. Only used from the session event loop.
type expectations struct {
	timeout time.Duration
	expire  func(expiry)
	markers map[DownloadID]marker
	gen     uint64
}

func newExpectations(timeout time.Duration, expire func(expiry)) *expectations {
	return &expectations{
		timeout: timeout,
		expire:  expire,
		markers: make(map[DownloadID]marker),
	}
}

// Mark sets (or renews) the marker for id.
func (e *expectations) Mark(id DownloadID) {
	e.Clear(id)
	e.gen++
	x := expiry{id: id, gen: e.gen}
	e.markers[id] = marker{
		timer: time.AfterFunc(e.timeout, func() { e.expire(x) }),
		gen:   x.gen,
	}
}

func (e *expectations) Has(id DownloadID) bool {
	_, ok := e.markers[id]
	return ok
}

// Clear removes the marker for id, returning true if there was one.
func (e *expectations) Clear(id DownloadID) bool {
	m, ok := e.markers[id]
	if !ok {
		return false
	}
	m.timer.Stop()
	delete(e.markers, id)
	return true
}

// Expire removes the marker x refers to, returning false if it was already cleared or replaced.
func (e *expectations) Expire(x expiry) bool {
	m, ok := e.markers[x.id]
	if !ok || m.gen != x.gen {
		return false
	}
	delete(e.markers, x.id)
	return true
}

func (e *expectations) ClearAll() {
	for id := range e.markers {
		e.Clear(id)
	}
}
