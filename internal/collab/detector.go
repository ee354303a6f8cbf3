package collab

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultConflictWindow = 1000 * time.Millisecond
	DefaultWindowCapacity = 256
	minimumWindowCapacity = 8
)

type DetectorOption func(*Detector)

// WithConflictWindow sets how close two edits to one cell must be to conflict.
func WithConflictWindow(d time.Duration) DetectorOption {
	return func(det *Detector) {
		if d > 0 {
			det.span = d
		}
	}
}

// WithWindowCapacity bounds how many recent changes are remembered per session.
func WithWindowCapacity(n int) DetectorOption {
	return func(det *Detector) {
		if n >= minimumWindowCapacity {
			det.capacity = n
		}
	}
}

func WithConflictIDs(gen func() string) DetectorOption {
	return func(det *Detector) { det.newID = gen }
}

// changeWindow holds the recent changes of one session in a fixed ring, in
// ingestion order, plus the conflicts that are still open.
type changeWindow struct {
	mu       sync.Mutex
	ring     []GridChange
	head     int
	size     int
	pending  map[Position]*EditConflict
	byID     map[string]Position
	lastSeen time.Time
}

// Detector flags edits that hit the same cell within the conflict window.
type Detector struct {
	mu       sync.Mutex
	windows  map[string]*changeWindow
	span     time.Duration
	capacity int
	newID    func() string
}

func NewDetector(opts ...DetectorOption) *Detector {
	d := &Detector{
		windows:  make(map[string]*changeWindow),
		span:     DefaultConflictWindow,
		capacity: DefaultWindowCapacity,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Window returns the configured conflict window.
func (d *Detector) Window() time.Duration { return d.span }

// Detect checks change against the session's recent changes. It returns the
// conflict the change belongs to, or nil when the change was accepted into
// the window.
func (d *Detector) Detect(sessionID string, change GridChange) *EditConflict {
	w := d.window(sessionID, true)

	w.mu.Lock()
	defer w.mu.Unlock()

	return d.detectLocked(w, sessionID, change)
}

// Ingest builds the change while holding the session's window lock, so that
// server stamping and detection happen in one order per session.
func (d *Detector) Ingest(sessionID string, build func() (GridChange, error)) (GridChange, *EditConflict, error) {
	w := d.window(sessionID, true)

	w.mu.Lock()
	defer w.mu.Unlock()

	change, err := build()
	if err != nil {
		return GridChange{}, nil, err
	}
	return change, d.detectLocked(w, sessionID, change), nil
}

func (d *Detector) detectLocked(w *changeWindow, sessionID string, change GridChange) *EditConflict {
	w.lastSeen = change.Timestamp
	w.pruneLocked(change.Timestamp.Add(-d.span))

	if open, ok := w.pending[change.Position]; ok {
		open.ConflictingChanges = append(open.ConflictingChanges, change)
		c := open.clone()
		return &c
	}

	if prior := w.takeLocked(change.Position); len(prior) > 0 {
		open := &EditConflict{
			ID:                 d.newID(),
			SessionID:          sessionID,
			Position:           change.Position,
			ConflictingChanges: append(prior, change),
			Timestamp:          change.Timestamp,
		}
		w.pending[change.Position] = open
		w.byID[open.ID] = change.Position
		c := open.clone()
		return &c
	}

	w.pushLocked(change)
	return nil
}

// Pending returns an open conflict by id.
func (d *Detector) Pending(sessionID, conflictID string) (EditConflict, bool) {
	w := d.window(sessionID, false)
	if w == nil {
		return EditConflict{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	pos, ok := w.byID[conflictID]
	if !ok {
		return EditConflict{}, false
	}
	return w.pending[pos].clone(), true
}

// PendingConflicts lists every open conflict of a session, oldest first.
func (d *Detector) PendingConflicts(sessionID string) []EditConflict {
	w := d.window(sessionID, false)
	if w == nil {
		return []EditConflict{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]EditConflict, 0, len(w.pending))
	for _, c := range w.pending {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Close ends a conflict; later edits to the cell start from a clean slate.
func (d *Detector) Close(sessionID, conflictID string) (EditConflict, bool) {
	w := d.window(sessionID, false)
	if w == nil {
		return EditConflict{}, false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	pos, ok := w.byID[conflictID]
	if !ok {
		return EditConflict{}, false
	}
	c := w.pending[pos]
	delete(w.pending, pos)
	delete(w.byID, conflictID)
	return c.clone(), true
}

// Drop forgets everything about a session.
func (d *Detector) Drop(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.windows, sessionID)
}

// Sweep drops windows that have seen no change for a full window and hold
// no open conflicts. It returns how many were dropped.
func (d *Detector) Sweep(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	dropped := 0
	for id, w := range d.windows {
		w.mu.Lock()
		idle := len(w.pending) == 0 && now.Sub(w.lastSeen) > d.span
		w.mu.Unlock()
		if idle {
			delete(d.windows, id)
			dropped++
		}
	}
	return dropped
}

func (d *Detector) window(sessionID string, create bool) *changeWindow {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.windows[sessionID]
	if !ok && create {
		w = &changeWindow{
			ring:    make([]GridChange, d.capacity),
			pending: make(map[Position]*EditConflict),
			byID:    make(map[string]Position),
		}
		d.windows[sessionID] = w
	}
	return w
}

// at returns the i-th oldest entry.
func (w *changeWindow) at(i int) GridChange {
	return w.ring[(w.head+i)%len(w.ring)]
}

// pushLocked appends change, overwriting the oldest entry when full.
func (w *changeWindow) pushLocked(change GridChange) {
	if w.size == len(w.ring) {
		w.ring[w.head] = change
		w.head = (w.head + 1) % len(w.ring)
		return
	}
	w.ring[(w.head+w.size)%len(w.ring)] = change
	w.size++
}

// pruneLocked drops entries older than cutoff. Entries are in server order,
// so the stale ones sit at the head.
func (w *changeWindow) pruneLocked(cutoff time.Time) {
	for w.size > 0 && w.ring[w.head].Timestamp.Before(cutoff) {
		w.ring[w.head] = GridChange{}
		w.head = (w.head + 1) % len(w.ring)
		w.size--
	}
}

// takeLocked removes and returns every entry at pos, keeping the others in order.
func (w *changeWindow) takeLocked(pos Position) []GridChange {
	var taken []GridChange
	kept := 0
	for i := 0; i < w.size; i++ {
		e := w.at(i)
		if e.Position == pos {
			taken = append(taken, e)
			continue
		}
		w.ring[(w.head+kept)%len(w.ring)] = e
		kept++
	}
	for i := kept; i < w.size; i++ {
		w.ring[(w.head+i)%len(w.ring)] = GridChange{}
	}
	w.size = kept
	return taken
}
