// Package presence derives peer join, update and leave events from the shared
// document and keeps the set of local mirrors of remote participants.
package presence

import (
	"go.uber.org/zap"

	"penguinmesh/internal/doc"
	"penguinmesh/internal/metrics"
	"penguinmesh/internal/observability/logger"
)

// Presenter receives mirror lifecycle and state events. Implementations draw
// avatars; they are called from the session loop only.
type Presenter interface {
	OnMirrorCreated(id doc.ParticipantID)
	SetUsername(id doc.ParticipantID, name string)
	ApplyPosition(id doc.ParticipantID, p doc.Position)
	ApplyInput(id doc.ParticipantID, in doc.Input)
	OnChat(id doc.ParticipantID, t doc.Text)
	OnMirrorDestroyed(id doc.ParticipantID)
}

// Mirror is the local view of one remote participant.
type Mirror struct {
	ID       doc.ParticipantID
	Username string
	Position *doc.Position
	Input    *doc.Input
	Text     *doc.Text
}

// Tracker owns the mirror set. At most one mirror exists per participant and
// none for the local one.
type Tracker struct {
	self      doc.ParticipantID
	mirrors   map[doc.ParticipantID]*Mirror
	presenter Presenter
	// suppressed holds participants hidden on this replica only, with the
	// entry version at the time they were hidden.
	suppressed map[doc.ParticipantID]doc.Stamp
	log        *zap.Logger
}

// NewTracker returns an empty tracker for the replica identified by self.
func NewTracker(self doc.ParticipantID, p Presenter) *Tracker {
	return &Tracker{
		self:       self,
		mirrors:    make(map[doc.ParticipantID]*Mirror),
		presenter:  p,
		suppressed: make(map[doc.ParticipantID]doc.Stamp),
		log:        logger.Named("presence"),
	}
}

// Observe runs one read pass over the document view.
func (t *Tracker) Observe(entries []doc.Entry) {
	for _, e := range entries {
		if e.ID == t.self {
			continue
		}
		st := e.State

		if st.Removed {
			t.destroy(e.ID)
			continue
		}
		if at, ok := t.suppressed[e.ID]; ok {
			if !e.Version.After(at) {
				continue
			}
			delete(t.suppressed, e.ID)
		}

		m, ok := t.mirrors[e.ID]
		if !ok {
			m = &Mirror{ID: e.ID}
			t.mirrors[e.ID] = m
			metrics.Mirrors.Inc()
			t.log.Debug("mirror created", logger.Participant(string(e.ID)))
			t.presenter.OnMirrorCreated(e.ID)
			if st.Username != "" {
				m.Username = st.Username
				t.presenter.SetUsername(e.ID, st.Username)
			}
		}

		if st.Position != nil {
			t.applyPosition(m, *st.Position)
		}
		if st.Input != nil {
			t.applyInput(m, *st.Input)
		}
		if st.Text != nil {
			t.chat(m, *st.Text)
		}
	}
}

func (t *Tracker) destroy(id doc.ParticipantID) {
	if _, ok := t.mirrors[id]; !ok {
		return
	}
	delete(t.mirrors, id)
	metrics.Mirrors.Dec()
	t.log.Debug("mirror destroyed", logger.Participant(string(id)))
	t.presenter.OnMirrorDestroyed(id)
}

// ApplyPosition moves the mirror of id. It reports false when no mirror exists.
func (t *Tracker) ApplyPosition(id doc.ParticipantID, p doc.Position) bool {
	m, ok := t.mirrors[id]
	if ok {
		t.applyPosition(m, p)
	}
	return ok
}

// ApplyInput feeds an input sample to the mirror of id. It reports false when
// no mirror exists.
func (t *Tracker) ApplyInput(id doc.ParticipantID, in doc.Input) bool {
	m, ok := t.mirrors[id]
	if ok {
		t.applyInput(m, in)
	}
	return ok
}

func (t *Tracker) applyPosition(m *Mirror, p doc.Position) {
	m.Position = &p
	t.presenter.ApplyPosition(m.ID, p)
}

func (t *Tracker) applyInput(m *Mirror, in doc.Input) {
	m.Input = &in
	t.presenter.ApplyInput(m.ID, in)
}

func (t *Tracker) chat(m *Mirror, text doc.Text) {
	m.Text = &text
	t.presenter.OnChat(m.ID, text)
}

// Mirror returns a copy of the mirror of id.
func (t *Tracker) Mirror(id doc.ParticipantID) (Mirror, bool) {
	m, ok := t.mirrors[id]
	if !ok {
		return Mirror{}, false
	}
	return *m, true
}

// Len returns the number of live mirrors.
func (t *Tracker) Len() int { return len(t.mirrors) }

// Suppress destroys the mirror of id on this replica without touching the
// document, and keeps it hidden until Release or until the entry moves past
// version.
func (t *Tracker) Suppress(id doc.ParticipantID, version doc.Stamp) {
	if id == t.self {
		return
	}
	t.suppressed[id] = version
	t.destroy(id)
}

// Release lifts a suppression; the next Observe recreates the mirror if the
// entry is present and not removed.
func (t *Tracker) Release(id doc.ParticipantID) {
	delete(t.suppressed, id)
}

// Suppressed reports whether id is hidden on this replica.
func (t *Tracker) Suppressed(id doc.ParticipantID) bool {
	_, ok := t.suppressed[id]
	return ok
}
