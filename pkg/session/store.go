// Package session tracks conversation sessions: identity, lifecycle status,
// the append-only event transcript, and per-session working directories.
package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	agenterrors "github.com/DidierRLopes/openbb-app-builder-agent/pkg/errors"
	"github.com/DidierRLopes/openbb-app-builder-agent/pkg/stream"
)

// Status is the lifecycle state of a session's current build.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusPlanning   Status = "planning"
	StatusBuilding   Status = "building"
	StatusValidating Status = "validating"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTerminated Status = "terminated"
)

// Terminal reports whether a status admits no further transitions within a run.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// Session is one tracked conversation. All mutation goes through methods;
// the embedded mutex guards every field below it.
type Session struct {
	ID             string
	ConversationID string
	CreatedAt      time.Time

	mu          sync.Mutex
	status      Status
	isContinued bool
	lastActive  time.Time
	transcript  []stream.ProcessEvent
	outputDir   string

	// runLock serializes subprocess runs. TryLock failures surface as
	// SESSION_BUSY upstream.
	runLock sync.Mutex
}

// Summary is the read-only view returned by listings.
type Summary struct {
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Status         Status    `json:"status"`
	IsContinued    bool      `json:"is_continued"`
	CreatedAt      time.Time `json:"created_at"`
	LastActive     time.Time `json:"last_active"`
	EventCount     int       `json:"event_count"`
	OutputDir      string    `json:"output_dir,omitempty"`
}

// TryAcquireRun attempts to take the session's run slot without blocking.
func (s *Session) TryAcquireRun() bool {
	return s.runLock.TryLock()
}

// ReleaseRun frees the run slot. Call only after a successful TryAcquireRun.
func (s *Session) ReleaseRun() {
	s.runLock.Unlock()
}

// Touch updates the last-active timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActive = time.Now().UTC()
	s.mu.Unlock()
}

// Status returns the current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus records a lifecycle transition. Transitions out of a terminal
// status are ignored except back to idle, which begins the next run.
func (s *Session) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() && status != StatusIdle {
		return
	}
	s.status = status
	s.lastActive = time.Now().UTC()
}

// IsContinued reports whether this session has served more than one query.
func (s *Session) IsContinued() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isContinued
}

// AppendEvents adds translated events to the transcript. The transcript is
// append-only; events are never reordered or dropped.
func (s *Session) AppendEvents(events ...stream.ProcessEvent) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	s.transcript = append(s.transcript, events...)
	s.lastActive = time.Now().UTC()
	s.mu.Unlock()
}

// Transcript returns a copy of the recorded events.
func (s *Session) Transcript() []stream.ProcessEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stream.ProcessEvent, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// SetOutputDir assigns the artifact directory. First assignment wins.
func (s *Session) SetOutputDir(dir string) {
	s.mu.Lock()
	if s.outputDir == "" {
		s.outputDir = dir
	}
	s.mu.Unlock()
}

// OutputDir returns the assigned artifact directory, if any.
func (s *Session) OutputDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputDir
}

// Summarize produces the listing view of this session.
func (s *Session) Summarize() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Summary{
		SessionID:      s.ID,
		ConversationID: s.ConversationID,
		Status:         s.status,
		IsContinued:    s.isContinued,
		CreatedAt:      s.CreatedAt,
		LastActive:     s.lastActive,
		EventCount:     len(s.transcript),
		OutputDir:      s.outputDir,
	}
}

// Store maps conversation IDs to sessions. Safe for concurrent use.
type Store struct {
	root string

	mu          sync.RWMutex
	byConvID    map[string]*Session
	bySessionID map[string]*Session
}

// NewStore creates a store. root is the directory for persisted session
// context files; empty disables persistence.
func NewStore(root string) *Store {
	return &Store{
		root:        root,
		byConvID:    make(map[string]*Session),
		bySessionID: make(map[string]*Session),
	}
}

// GetOrCreate returns the session tracked under conversationID, creating one
// when absent. An empty conversationID always creates an untracked session.
func (st *Store) GetOrCreate(conversationID string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	if conversationID != "" {
		if existing, ok := st.byConvID[conversationID]; ok {
			existing.mu.Lock()
			existing.isContinued = true
			existing.lastActive = time.Now().UTC()
			existing.mu.Unlock()
			return existing
		}
	}

	now := time.Now().UTC()
	s := &Session{
		ID:             NewID(),
		ConversationID: conversationID,
		CreatedAt:      now,
		status:         StatusIdle,
		lastActive:     now,
	}
	if conversationID != "" {
		st.byConvID[conversationID] = s
	}
	st.bySessionID[s.ID] = s
	return s
}

// ByID looks a session up by its session ID.
func (st *Store) ByID(sessionID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.bySessionID[sessionID]
	return s, ok
}

// ByConversation looks a session up by conversation ID.
func (st *Store) ByConversation(conversationID string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.byConvID[conversationID]
	return s, ok
}

// Clear drops the session tracked under conversationID.
func (st *Store) Clear(conversationID string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.byConvID[conversationID]
	if !ok {
		return false
	}
	delete(st.byConvID, conversationID)
	delete(st.bySessionID, s.ID)
	return true
}

// ClearAll drops every tracked session and returns how many were dropped.
// Artifacts on disk are untouched.
func (st *Store) ClearAll() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	count := len(st.bySessionID)
	st.byConvID = make(map[string]*Session)
	st.bySessionID = make(map[string]*Session)
	return count
}

// All returns every tracked session.
func (st *Store) All() []*Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]*Session, 0, len(st.bySessionID))
	for _, s := range st.bySessionID {
		out = append(out, s)
	}
	return out
}

// List returns summaries for every tracked session, newest first.
func (st *Store) List() []Summary {
	sessions := st.All()
	summaries := make([]Summary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, s.Summarize())
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries
}

// Len returns the number of tracked sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.bySessionID)
}

// SessionDir returns the persistence directory for a session.
func (st *Store) SessionDir(s *Session) string {
	if st.root == "" {
		return ""
	}
	return filepath.Join(st.root, s.ID)
}

// PersistContext writes the normalized request context into the session's
// directory for reproducibility. Returns the file path.
func (st *Store) PersistContext(s *Session, context any) (string, error) {
	dir := st.SessionDir(s)
	if dir == "" {
		return "", nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", agenterrors.Wrap(err, agenterrors.ErrCodeArtifactWrite, "failed to create session directory").
			WithContext("dir", dir)
	}
	encoded, err := json.MarshalIndent(context, "", "  ")
	if err != nil {
		return "", agenterrors.Wrap(err, agenterrors.ErrCodeInternal, "failed to encode request context")
	}
	path := filepath.Join(dir, "request_context.json")
	if err := os.WriteFile(path, encoded, 0o644); err != nil {
		return "", agenterrors.Wrap(err, agenterrors.ErrCodeArtifactWrite, "failed to write request context").
			WithContext("path", path)
	}
	return path, nil
}

// LoadContext reads the persisted request context, if present.
func (st *Store) LoadContext(s *Session, into any) (bool, error) {
	dir := st.SessionDir(s)
	if dir == "" {
		return false, nil
	}
	data, err := os.ReadFile(filepath.Join(dir, "request_context.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, agenterrors.Wrap(err, agenterrors.ErrCodeInternal, "failed to read request context")
	}
	if err := json.Unmarshal(data, into); err != nil {
		return false, agenterrors.Wrap(err, agenterrors.ErrCodeInternal, "failed to decode request context")
	}
	return true, nil
}
