// Package snapshot folds a namespace's replication log into compact
// snapshots of its live references, so replicas can bootstrap without
// replaying the log from the start.
package snapshot

import (
	"cmp"
	"slices"

	"github.com/google/uuid"
	"github.com/tendant/simple-refstore/pkg/refstore"
)

// LiveObject is a reference that was live at the snapshot watermark
type LiveObject struct {
	Bucket string                  `cbor:"bucket" json:"bucket"`
	Key    string                  `cbor:"key" json:"key"`
	Blob   refstore.BlobIdentifier `cbor:"blob" json:"blob"`
}

// Snapshot is the state of a namespace after applying every log event up
// to and including the watermark event. Both watermark fields are empty
// when the log held no events.
type Snapshot struct {
	LastBucket  string       `cbor:"lastBucket" json:"lastBucket"`
	LastEvent   uuid.UUID    `cbor:"lastEvent" json:"lastEvent"`
	LiveObjects []LiveObject `cbor:"liveObjects" json:"liveObjects"`
}

// Watermark returns the log position the snapshot was taken at
func (s *Snapshot) Watermark() refstore.Watermark {
	return refstore.Watermark{Bucket: s.LastBucket, Event: s.LastEvent}
}

// state is the fold of log events into live references
type state map[refstore.RefName]refstore.BlobIdentifier

func newState(s *Snapshot) state {
	st := make(state)
	if s == nil {
		return st
	}
	for _, obj := range s.LiveObjects {
		st[refstore.RefName{Bucket: obj.Bucket, Key: obj.Key}] = obj.Blob
	}
	return st
}

// apply folds a single event, last writer wins
func (st state) apply(e refstore.ReplicationLogEvent) {
	name := refstore.RefName{Bucket: e.Bucket, Key: e.Key}
	switch e.Op {
	case refstore.OpAdded:
		st[name] = e.Blob
	case refstore.OpRemoved:
		delete(st, name)
	}
}

func (st state) snapshot(w refstore.Watermark) *Snapshot {
	objects := make([]LiveObject, 0, len(st))
	for name, blob := range st {
		objects = append(objects, LiveObject{Bucket: name.Bucket, Key: name.Key, Blob: blob})
	}
	slices.SortFunc(objects, func(a, b LiveObject) int {
		return cmp.Or(cmp.Compare(a.Bucket, b.Bucket), cmp.Compare(a.Key, b.Key))
	})
	return &Snapshot{LastBucket: w.Bucket, LastEvent: w.Event, LiveObjects: objects}
}
