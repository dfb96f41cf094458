package conversation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dipeo/dipeo-go/diagram"
)

// SaveConversationLog writes every message of one execution, across
// all persons, as a JSONL file under dir and returns its path.
func (s *Store) SaveConversationLog(executionID diagram.ExecutionID, dir string) (string, error) {
	s.mu.RLock()
	personIDs := make([]diagram.PersonID, 0, len(s.persons))
	for id := range s.persons {
		personIDs = append(personIDs, id)
	}
	s.mu.RUnlock()
	sort.Slice(personIDs, func(i, j int) bool { return personIDs[i] < personIDs[j] })

	var all []Message
	for _, id := range personIDs {
		all = append(all, s.History(id, HistoryFilter{ExecutionID: executionID})...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("conversation_%s.jsonl", executionID))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create conversation log: %w", err)
	}
	defer func() { _ = f.Close() }()

	enc := json.NewEncoder(f)
	for _, msg := range all {
		if err := enc.Encode(msg); err != nil {
			return "", fmt.Errorf("failed to write conversation log: %w", err)
		}
	}
	return path, nil
}
