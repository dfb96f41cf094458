package conversation

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dipeo/dipeo-go/diagram"
	"github.com/dipeo/dipeo-go/errdefs"
	"github.com/dipeo/dipeo-go/runtime/envelope"
)

// DefaultMaxMessages caps each person's history; the oldest messages
// are evicted beyond it.
const DefaultMaxMessages = 100

// Archive is the optional durable backend behind the in-memory store.
// It also serves as the secondary store for large envelope bodies.
type Archive interface {
	SaveMessage(ctx context.Context, personID diagram.PersonID, msg Message) error
	SaveBlob(ctx context.Context, id string, executionID diagram.ExecutionID, content string) error
	LoadBlob(ctx context.Context, id string) (string, error)
}

// Store is the per-person ordered message log.
//
// Each person's log is guarded by its own mutex; cross-person reads
// take snapshots and never hold more than one person lock at a time.
type Store struct {
	mu      sync.RWMutex
	persons map[diagram.PersonID]*personLog
	blobs   map[string]string

	maxMessages int
	archive     Archive
	log         zerolog.Logger
}

type personLog struct {
	mu       sync.Mutex
	messages []Message
}

// Option configures a Store.
type Option func(*Store)

// WithMaxMessages overrides the per-person history cap.
func WithMaxMessages(n int) Option {
	return func(s *Store) { s.maxMessages = n }
}

// WithArchive wires a durable backend.
func WithArchive(a Archive) Option {
	return func(s *Store) { s.archive = a }
}

// WithStoreLogger attaches a structured logger.
func WithStoreLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// NewStore creates an empty conversation store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		persons:     make(map[diagram.PersonID]*personLog),
		blobs:       make(map[string]string),
		maxMessages: DefaultMaxMessages,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) logFor(personID diagram.PersonID) *personLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	pl, ok := s.persons[personID]
	if !ok {
		pl = &personLog{}
		s.persons[personID] = pl
	}
	return pl
}

// Append records a message in a person's log, evicting the oldest
// entries past the per-person cap.
func (s *Store) Append(ctx context.Context, personID diagram.PersonID, executionID diagram.ExecutionID, role Role, content, from string, nodeID diagram.NodeID, usage *envelope.Usage) (Message, error) {
	to := string(personID)
	if from == to {
		to = ""
	}
	msg := newMessage(from, to, role, content, executionID, nodeID, usage)

	pl := s.logFor(personID)
	pl.mu.Lock()
	pl.messages = append(pl.messages, msg)
	if s.maxMessages > 0 && len(pl.messages) > s.maxMessages {
		evict := len(pl.messages) - s.maxMessages
		pl.messages = append([]Message(nil), pl.messages[evict:]...)
	}
	pl.mu.Unlock()

	if s.archive != nil {
		if err := s.archive.SaveMessage(ctx, personID, msg); err != nil {
			s.log.Warn().Err(err).
				Str("person_id", string(personID)).
				Msg("failed to archive message")
		}
	}
	return msg, nil
}

// History returns a person's messages in timestamp order, optionally
// filtered.
func (s *Store) History(personID diagram.PersonID, filter HistoryFilter) []Message {
	pl := s.logFor(personID)
	pl.mu.Lock()
	defer pl.mu.Unlock()

	out := make([]Message, 0, len(pl.messages))
	for _, msg := range pl.messages {
		if filter.ExecutionID != "" && msg.ExecutionID != filter.ExecutionID {
			continue
		}
		if !filter.Since.IsZero() && msg.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, msg)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// Forget applies a destructive forgetting mode to a person's log,
// optionally scoped to one execution. ForgetNone, ForgetEveryTurn and
// ForgetUponRequest do not delete here: the first two are view-time
// semantics (see Visible), the last defers to an explicit ForgetAll.
func (s *Store) Forget(personID diagram.PersonID, executionID diagram.ExecutionID, mode ForgetMode) {
	switch mode {
	case ForgetAll:
		s.retain(personID, func(m Message) bool {
			if executionID != "" && m.ExecutionID != executionID {
				return true
			}
			return m.Role == RoleSystem
		})
	case ForgetOwn:
		s.retain(personID, func(m Message) bool {
			if executionID != "" && m.ExecutionID != executionID {
				return true
			}
			return m.From != string(personID)
		})
	}
}

func (s *Store) retain(personID diagram.PersonID, keep func(Message) bool) {
	pl := s.logFor(personID)
	pl.mu.Lock()
	defer pl.mu.Unlock()

	kept := pl.messages[:0]
	for _, m := range pl.messages {
		if keep(m) {
			kept = append(kept, m)
		}
	}
	pl.messages = append([]Message(nil), kept...)
}

// Visible returns the start-of-turn view of a person's history under
// the given forgetting mode. Non-destructive: the stored log is
// untouched.
//
//   - ForgetNone, ForgetUponRequest: full history.
//   - ForgetEveryTurn: system messages plus only the most recent user
//     message.
//   - ForgetOwn: history without the person's own messages.
//   - ForgetAll: system messages only.
func (s *Store) Visible(personID diagram.PersonID, executionID diagram.ExecutionID, mode ForgetMode) []Message {
	history := s.History(personID, HistoryFilter{ExecutionID: executionID})

	switch mode {
	case ForgetEveryTurn:
		lastUser := -1
		for i, m := range history {
			if m.Role == RoleUser {
				lastUser = i
			}
		}
		out := make([]Message, 0, len(history))
		for i, m := range history {
			if m.Role == RoleSystem || i == lastUser {
				out = append(out, m)
			}
		}
		return out
	case ForgetOwn:
		out := make([]Message, 0, len(history))
		for _, m := range history {
			if m.From != string(personID) {
				out = append(out, m)
			}
		}
		return out
	case ForgetAll:
		out := make([]Message, 0, len(history))
		for _, m := range history {
			if m.Role == RoleSystem {
				out = append(out, m)
			}
		}
		return out
	default:
		return history
	}
}

// ConsolidateOthers builds the labelled block re-introducing, for each
// *other* person, its most recent assistant message addressed to this
// person in this execution:
//
//	[Reviewer]: the latest review text
//
// Labels come from the diagram's person definitions.
func (s *Store) ConsolidateOthers(d *diagram.Diagram, personID diagram.PersonID, executionID diagram.ExecutionID) string {
	history := s.History(personID, HistoryFilter{ExecutionID: executionID})

	lastByPerson := make(map[string]Message)
	var order []string
	for _, m := range history {
		if m.Role != RoleAssistant || m.From == string(personID) ||
			m.From == FromSystem || m.From == FromUser {
			continue
		}
		if _, seen := lastByPerson[m.From]; !seen {
			order = append(order, m.From)
		}
		lastByPerson[m.From] = m
	}

	block := ""
	for _, from := range order {
		m := lastByPerson[from]
		label := from
		if d != nil {
			label = d.PersonLabel(diagram.PersonID(from))
		}
		if block != "" {
			block += "\n\n"
		}
		block += "[" + label + "]: " + m.Content
	}
	return block
}

// PutBlob implements the state registry's BlobStore: large envelope
// bodies are written here and referenced from node outputs.
func (s *Store) PutBlob(ctx context.Context, executionID diagram.ExecutionID, content string) (string, error) {
	id := uuid.NewString()

	s.mu.Lock()
	s.blobs[id] = content
	s.mu.Unlock()

	if s.archive != nil {
		if err := s.archive.SaveBlob(ctx, id, executionID, content); err != nil {
			return "", err
		}
	}
	return id, nil
}

// GetBlob retrieves an externalised body by reference.
func (s *Store) GetBlob(ctx context.Context, ref string) (string, error) {
	s.mu.RLock()
	content, ok := s.blobs[ref]
	s.mu.RUnlock()
	if ok {
		return content, nil
	}
	if s.archive != nil {
		return s.archive.LoadBlob(ctx, ref)
	}
	return "", errdefs.Newf(errdefs.KindNotFound, "blob %s not found", ref)
}
