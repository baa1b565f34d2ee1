// Package conversation holds the ordered turn history of one session.
package conversation

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Role tags who produced a turn.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
)

// ActionResult is the structured body of an agent turn that reports a dispatch.
type ActionResult struct {
	Action  string `json:"action"`
	Method  string `json:"method"`
	OK      bool   `json:"ok"`
	Value   string `json:"value,omitempty"`
	Failure string `json:"failure,omitempty"`
}

// Turn is one entry in the conversation.
type Turn struct {
	Role   Role          `json:"role"`
	Text   string        `json:"text"`
	Result *ActionResult `json:"result,omitempty"`
	At     time.Time     `json:"at"`
}

var ErrSystemTurn = errors.New("conversation: system turn may only lead the conversation")

// State is an append-only turn log with exactly one leading system turn.
// Only the owning controller appends; readers get copies.
type State struct {
	mu    sync.RWMutex
	turns []Turn
	now   func() time.Time
}

// New creates a state seeded with the system prompt.
func New(systemPrompt string) *State {
	s := &State{now: time.Now}
	s.turns = append(s.turns, Turn{Role: RoleSystem, Text: systemPrompt, At: s.now()})
	return s
}

// AppendUser records a transcribed utterance.
func (s *State) AppendUser(text string) error {
	return s.append(Turn{Role: RoleUser, Text: text})
}

// AppendAgent records a reply the agent produced.
func (s *State) AppendAgent(text string) error {
	return s.append(Turn{Role: RoleAgent, Text: text})
}

// AppendResult records the outcome of an action dispatch as an agent turn.
func (s *State) AppendResult(text string, r ActionResult) error {
	return s.append(Turn{Role: RoleAgent, Text: text, Result: &r})
}

func (s *State) append(t Turn) error {
	if t.Role == RoleSystem {
		return ErrSystemTurn
	}
	if t.Role != RoleUser && t.Role != RoleAgent {
		return fmt.Errorf("conversation: unknown role %q", t.Role)
	}
	if strings.TrimSpace(t.Text) == "" {
		return fmt.Errorf("conversation: empty %s turn", t.Role)
	}
	s.mu.Lock()
	t.At = s.now()
	s.turns = append(s.turns, t)
	s.mu.Unlock()
	return nil
}

// Turns returns a copy of the history in conversation order.
func (s *State) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Len reports the number of turns including the system turn.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Last returns the most recent turn.
func (s *State) Last() Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turns[len(s.turns)-1]
}

// Count returns how many turns carry the given role.
func (s *State) Count(role Role) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.turns {
		if t.Role == role {
			n++
		}
	}
	return n
}

// Format renders the history with [ROLE] labels, one turn per line.
func Format(turns []Turn) string {
	var b strings.Builder
	for _, t := range turns {
		b.WriteString("[")
		b.WriteString(strings.ToUpper(string(t.Role)))
		b.WriteString("] ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// Record is a finished conversation as archived.
type Record struct {
	SessionID   string    `json:"session_id"`
	Participant string    `json:"participant"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	Turns       []Turn    `json:"turns"`
}
