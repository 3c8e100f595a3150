package chat

import (
	"slices"
	"sync"
)

// Session is one conversation: the transcript, the upstream conversation
// id, the last turn error and the follow-up suggestions. It is safe for
// concurrent use; renderers read it through Snapshot.
type Session struct {
	mu             sync.Mutex
	conversationID string
	entries        []Entry
	inProgress     bool
	turnID         string
	err            *TurnError
	followUps      []string
}

// Snapshot is a point-in-time copy of a Session.
type Snapshot struct {
	ConversationID string
	Entries        []Entry
	InProgress     bool
	Err            *TurnError
	FollowUps      []string
}

// NewSession returns an empty session.
func NewSession() *Session {
	return &Session{}
}

// ConversationID returns the upstream conversation id, or "" before the
// first turn has set one.
func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// Snapshot returns a deep copy safe to read without the lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		e.Steps = slices.Clone(e.Steps)
		entries[i] = e
	}
	snap := Snapshot{
		ConversationID: s.conversationID,
		Entries:        entries,
		InProgress:     s.inProgress,
		FollowUps:      slices.Clone(s.followUps),
	}
	if s.err != nil {
		errCopy := *s.err
		snap.Err = &errCopy
	}
	return snap
}

// Reset clears the transcript and forgets the conversation id. It fails
// while a turn is in progress.
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inProgress {
		return ErrTurnInProgress
	}
	s.conversationID = ""
	s.entries = nil
	s.turnID = ""
	s.err = nil
	s.followUps = nil
	return nil
}

// beginTurn appends the user entry and marks a turn in progress.
func (s *Session) beginTurn(turnID string, user Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inProgress {
		return ErrTurnInProgress
	}
	s.inProgress = true
	s.turnID = turnID
	s.err = nil
	s.followUps = nil
	s.entries = append(s.entries, user)
	return nil
}

// endTurn releases the in-progress flag.
func (s *Session) endTurn() {
	s.mu.Lock()
	s.inProgress = false
	s.mu.Unlock()
}

// openAgent appends a new agent entry in the thinking state and returns its index.
func (s *Session) openAgent(seed []Step) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, Entry{
		Role:   RoleAgent,
		Steps:  slices.Clone(seed),
		Status: StatusThinking,
	})
	return len(s.entries) - 1
}

// setConversationID records id unless one is already set. The first value
// wins for the life of the session.
func (s *Session) setConversationID(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" || s.conversationID != "" {
		return false
	}
	s.conversationID = id
	return true
}

// appendStep adds a step to the open agent entry at idx. An empty status
// leaves the current status unchanged.
func (s *Session) appendStep(idx int, step Step, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.openEntry(idx)
	if e == nil {
		return
	}
	e.Steps = append(e.Steps, step)
	if status != "" {
		e.Status = status
	}
}

// appendText extends the answer of the open agent entry at idx.
func (s *Session) appendText(idx int, chunk string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.openEntry(idx)
	if e == nil {
		return
	}
	e.Text += chunk
	e.Status = StatusTyping
}

// complete closes the agent entry at idx, substituting fallback for an
// empty answer when fallback is non-empty.
func (s *Session) complete(idx int, fallback string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.openEntry(idx)
	if e == nil {
		return ""
	}
	if e.Text == "" {
		e.Text = fallback
	}
	e.Status = StatusComplete
	return e.Text
}

// abandonAgent handles a failed turn. An agent entry with no answer and no
// streamed steps is removed; one with partial output is closed in place.
// seeded is the number of steps the entry was opened with.
func (s *Session) abandonAgent(idx, seeded int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.openEntry(idx)
	if e == nil {
		return
	}
	if e.Text == "" && len(e.Steps) <= seeded && idx == len(s.entries)-1 {
		s.entries = s.entries[:idx]
		return
	}
	e.Status = StatusComplete
}

func (s *Session) setError(te *TurnError) {
	s.mu.Lock()
	s.err = te
	s.mu.Unlock()
}

// setFollowUps stores suggestions computed for turnID. Suggestions for any
// turn other than the latest one are discarded.
func (s *Session) setFollowUps(turnID string, questions []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turnID != s.turnID {
		return false
	}
	s.followUps = slices.Clone(questions)
	return true
}

// openEntry returns the agent entry at idx if it is still open. Caller holds mu.
func (s *Session) openEntry(idx int) *Entry {
	if idx < 0 || idx >= len(s.entries) {
		return nil
	}
	e := &s.entries[idx]
	if !e.Open() {
		return nil
	}
	return e
}
