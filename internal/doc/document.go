// Package doc implements the shared state document: a replicated map from
// participant id to participant state, built from one last-writer-wins
// register per (participant, field).
//
// Writes are stamped with a Lamport clock and the writing replica's id, so
// merging is commutative, associative and idempotent: every replica that has
// seen the same set of writes holds the same state, whatever the delivery
// order. A Document is not safe for concurrent use.
package doc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"penguinmesh/internal/metrics"
)

var errNull = errors.New("null value")

// Publisher ships local writes to the other replicas. Publish must not block;
// delivery is best effort and never retried.
type Publisher interface {
	Publish(Update)
}

type register struct {
	stamp Stamp
	value json.RawMessage
}

type entry struct {
	regs    map[Field]register
	state   State
	version Stamp
}

// Document is one replica of the shared state.
type Document struct {
	self    ParticipantID
	clock   uint64
	entries map[ParticipantID]*entry
	pub     Publisher
}

// New returns an empty replica bound to self. pub may be nil.
func New(self ParticipantID, pub Publisher) *Document {
	return &Document{
		self:    self,
		entries: make(map[ParticipantID]*entry),
		pub:     pub,
	}
}

// Self returns the identity this replica writes under.
func (d *Document) Self() ParticipantID { return d.self }

// Clock returns the current Lamport clock.
func (d *Document) Clock() uint64 { return d.clock }

// Len returns the number of participants known to this replica.
func (d *Document) Len() int { return len(d.entries) }

func (d *Document) SetUsername(name string) error { return d.set(FieldUsername, name) }

func (d *Document) SetPosition(p Position) error { return d.set(FieldPosition, p) }

func (d *Document) SetInput(in Input) error { return d.set(FieldInput, in) }

func (d *Document) SetText(t Text) error { return d.set(FieldText, t) }

// Announce registers the local participant as present. It also revives an
// entry that was marked removed.
func (d *Document) Announce() { d.write(FieldRemoved, json.RawMessage("false")) }

// Leave marks the local participant removed. Attribute writes are ignored
// until the next Announce.
func (d *Document) Leave() { d.write(FieldRemoved, json.RawMessage("true")) }

// Removed reports whether the local participant is currently marked removed.
func (d *Document) Removed() bool {
	e, ok := d.entries[d.self]
	return ok && e.state.Removed
}

func (d *Document) set(f Field, v any) error {
	if d.Removed() {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", f, err)
	}
	d.write(f, raw)
	return nil
}

// write stamps and applies a write to the local participant's own key, the
// only key this replica ever writes.
func (d *Document) write(f Field, raw json.RawMessage) {
	w := Write{
		ID:    d.self,
		Field: f,
		Stamp: Stamp{Clock: d.clock + 1, Replica: d.self},
		Value: raw,
	}
	if _, err := d.apply(w); err != nil {
		// Local values come from typed setters; this only trips on a bug.
		metrics.DocRejected.Inc()
		return
	}
	if d.pub != nil {
		d.pub.Publish(Update{Writes: []Write{w}})
	}
}

// Merge applies remote writes. It returns how many writes changed state and
// how many were rejected as undecodable. Redelivered or superseded writes are
// neither.
func (d *Document) Merge(u Update) (applied, rejected int) {
	for _, w := range u.Writes {
		changed, err := d.apply(w)
		if err != nil {
			metrics.DocRejected.Inc()
			rejected++
			continue
		}
		if changed {
			applied++
		}
	}
	return applied, rejected
}

func (d *Document) apply(w Write) (bool, error) {
	if w.ID == "" {
		return false, errors.New("write without participant id")
	}
	e := d.entries[w.ID]
	if e != nil {
		if cur, ok := e.regs[w.Field]; ok && !w.Stamp.After(cur.stamp) {
			d.observe(w.Stamp)
			return false, nil
		}
	}

	var next State
	if e != nil {
		next = e.state
	}
	if err := decodeField(&next, w.Field, w.Value); err != nil {
		return false, fmt.Errorf("field %s of %s: %w", w.Field, w.ID, err)
	}

	if e == nil {
		e = &entry{regs: make(map[Field]register, 5)}
		d.entries[w.ID] = e
	}
	e.regs[w.Field] = register{stamp: w.Stamp, value: append(json.RawMessage(nil), w.Value...)}
	e.state = next
	if w.Stamp.After(e.version) {
		e.version = w.Stamp
	}
	d.observe(w.Stamp)
	metrics.DocWrites.Inc()
	return true, nil
}

func (d *Document) observe(s Stamp) {
	if s.Clock > d.clock {
		d.clock = s.Clock
	}
}

func decodeField(s *State, f Field, raw json.RawMessage) error {
	switch f {
	case FieldUsername:
		var v *string
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if v == nil {
			return errNull
		}
		s.Username = *v
	case FieldPosition:
		var v *Position
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if v == nil {
			return errNull
		}
		s.Position = v
	case FieldInput:
		var v *Input
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if v == nil {
			return errNull
		}
		s.Input = v
	case FieldText:
		var v *Text
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if v == nil {
			return errNull
		}
		s.Text = v
	case FieldRemoved:
		var v *bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		if v == nil {
			return errNull
		}
		s.Removed = *v
	default:
		return fmt.Errorf("unknown field %q", f)
	}
	return nil
}

// Get returns the merged state of one participant.
func (d *Document) Get(id ParticipantID) (State, bool) {
	e, ok := d.entries[id]
	if !ok {
		return State{}, false
	}
	return e.state.clone(), true
}

// Version returns the newest stamp applied to id's entry, or the zero Stamp
// when id is unknown.
func (d *Document) Version(id ParticipantID) Stamp {
	if e, ok := d.entries[id]; ok {
		return e.version
	}
	return Stamp{}
}

// All returns the replica's current merged view ordered by participant id.
// It may be partial while updates are still in flight.
func (d *Document) All() []Entry {
	out := make([]Entry, 0, len(d.entries))
	for _, id := range d.ids() {
		e := d.entries[id]
		out = append(out, Entry{ID: id, State: e.state.clone(), Version: e.version})
	}
	return out
}

// Snapshot returns every register as one Update, for catching up a replica
// that just connected.
func (d *Document) Snapshot() Update {
	var u Update
	for _, id := range d.ids() {
		e := d.entries[id]
		fields := make([]Field, 0, len(e.regs))
		for f := range e.regs {
			fields = append(fields, f)
		}
		sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
		for _, f := range fields {
			r := e.regs[f]
			u.Writes = append(u.Writes, Write{ID: id, Field: f, Stamp: r.stamp, Value: r.value})
		}
	}
	return u
}

func (d *Document) ids() []ParticipantID {
	ids := make([]ParticipantID, 0, len(d.entries))
	for id := range d.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s State) clone() State {
	c := s
	if s.Position != nil {
		p := *s.Position
		c.Position = &p
	}
	if s.Input != nil {
		in := *s.Input
		c.Input = &in
	}
	if s.Text != nil {
		t := *s.Text
		c.Text = &t
	}
	return c
}
