// Package crdt implements the room's replicated document as a
// last-writer-wins element map.
//
// An update frame is a JSON array of entries. Merging keeps, per key, the
// entry with the greatest (clock, replica, deleted, value) tuple. That order
// is total, so merge is commutative, associative and idempotent: replicas that
// see the same frames in any order converge on the same state.
package crdt

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
)

// ErrMalformedUpdate is returned for frames that do not decode, carry
// entries without a key or replica, or carry the maximum clock.
var ErrMalformedUpdate = errors.New("malformed update")

// Entry is one register of the map. Deleted entries are tombstones and keep
// winning over older writes.
type Entry struct {
	Key     string          `json:"k"`
	Value   json.RawMessage `json:"v,omitempty"`
	Clock   uint64          `json:"c"`
	Replica string          `json:"r"`
	Deleted bool            `json:"d,omitempty"`
}

// wins reports whether a should replace b.
func wins(a, b Entry) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	if a.Replica != b.Replica {
		return a.Replica > b.Replica
	}
	if a.Deleted != b.Deleted {
		return a.Deleted
	}
	return bytes.Compare(a.Value, b.Value) > 0
}

// Document is safe for concurrent use.
type Document struct {
	mu      sync.Mutex
	entries map[string]Entry
	subs    map[int]func([]byte)
	nextSub int
}

func New() *Document {
	return &Document{
		entries: make(map[string]Entry),
		subs:    make(map[int]func([]byte)),
	}
}

// Decode parses and validates an update frame.
func Decode(frame []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(frame, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	for _, e := range entries {
		if e.Key == "" || e.Replica == "" {
			return nil, fmt.Errorf("%w: entry without key or replica", ErrMalformedUpdate)
		}
		if e.Clock == math.MaxUint64 {
			return nil, fmt.Errorf("%w: clock for %q is exhausted", ErrMalformedUpdate, e.Key)
		}
	}
	return entries, nil
}

// Encode renders entries as a frame, sorted by key.
func Encode(entries []Entry) []byte {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })
	out, _ := json.Marshal(sorted)
	return out
}

// ApplyUpdate merges a frame. Subscribers receive only the entries that
// changed the state; a frame that changes nothing notifies nobody.
func (d *Document) ApplyUpdate(frame []byte) error {
	_, err := d.Apply(frame)
	return err
}

// Apply is ApplyUpdate that also returns the delta it published, or nil
// when the frame changed nothing.
func (d *Document) Apply(frame []byte) ([]byte, error) {
	incoming, err := Decode(frame)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	var delta []Entry
	for _, e := range incoming {
		current, ok := d.entries[e.Key]
		if ok && !wins(e, current) {
			continue
		}
		d.entries[e.Key] = e
		delta = append(delta, e)
	}
	subs := make([]func([]byte), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	d.mu.Unlock()

	if len(delta) == 0 {
		return nil, nil
	}
	encoded := Encode(delta)
	for _, fn := range subs {
		fn(encoded)
	}
	return encoded, nil
}

// EncodeState returns the full state as a single frame.
func (d *Document) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		entries = append(entries, e)
	}
	return Encode(entries)
}

// OnUpdate registers fn for every state-changing update and returns a
// function that removes it.
func (d *Document) OnUpdate(fn func(update []byte)) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

// Get returns the live value at key.
func (d *Document) Get(key string) (json.RawMessage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[key]
	if !ok || e.Deleted {
		return nil, false
	}
	return e.Value, true
}

// Set produces the frame for a local write by replica. The clock is one past
// the highest clock seen, so the write wins over everything observed so far
// until the clock reaches its ceiling.
func (d *Document) Set(replica, key string, value json.RawMessage) []byte {
	return d.local(Entry{Key: key, Value: value, Replica: replica})
}

// Delete produces a tombstone frame for key.
func (d *Document) Delete(replica, key string) []byte {
	return d.local(Entry{Key: key, Replica: replica, Deleted: true})
}

func (d *Document) local(e Entry) []byte {
	d.mu.Lock()
	var maxClock uint64
	for _, cur := range d.entries {
		maxClock = max(maxClock, cur.Clock)
	}
	d.mu.Unlock()
	// At the ceiling the write ties instead of wrapping to zero.
	e.Clock = min(maxClock, math.MaxUint64-2) + 1
	frame := Encode([]Entry{e})
	_ = d.ApplyUpdate(frame)
	return frame
}

// Merge combines two encoded states into one. Either side may be empty.
func Merge(a, b []byte) ([]byte, error) {
	doc := New()
	for _, frame := range [][]byte{a, b} {
		if len(frame) == 0 {
			continue
		}
		if err := doc.ApplyUpdate(frame); err != nil {
			return nil, err
		}
	}
	return doc.EncodeState(), nil
}
