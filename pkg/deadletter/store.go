package deadletter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/icified/icebot/pkg/bus"
)

// Record is one permanently failed outbound message, kept for operator
// inspection.
type Record struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	ConversationID string    `json:"conversation_id"`
	Body           string    `json:"body"`
	Attempts       int       `json:"attempts"`
	Reason         string    `json:"reason"`
}

type Filter struct {
	ConversationID string
	Limit          int
}

type Aggregate struct {
	Total   int
	ByConvo map[string]int
}

// Store is the operator-visible failure channel: exhausted messages
// are appended here and persisted as JSON under the workspace.
type Store struct {
	mu      sync.RWMutex
	records []Record
	path    string
}

func NewStore(workspace string) *Store {
	s := &Store{records: make([]Record, 0, 64)}
	if workspace == "" {
		return s
	}
	dir := filepath.Join(workspace, "state")
	_ = os.MkdirAll(dir, 0755)
	s.path = filepath.Join(dir, "deadletter.json")
	s.load()
	return s
}

// Report records an exhausted message. Implements delivery.ExhaustedFunc.
func (s *Store) Report(msg bus.OutboundMessage, reason string) {
	rec := Record{
		ID:             uuid.New().String(),
		Timestamp:      time.Now().UTC(),
		ConversationID: msg.ConversationID,
		Body:           msg.Body,
		Attempts:       msg.AttemptCount,
		Reason:         reason,
	}

	s.mu.Lock()
	s.records = append(s.records, rec)
	s.persistLocked()
	s.mu.Unlock()
}

func (s *Store) Query(f Filter) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, 0, len(s.records))
	for i := len(s.records) - 1; i >= 0; i-- {
		rec := s.records[i]
		if f.ConversationID != "" && rec.ConversationID != f.ConversationID {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func (s *Store) Aggregate() Aggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := Aggregate{Total: len(s.records), ByConvo: map[string]int{}}
	for _, rec := range s.records {
		agg.ByConvo[rec.ConversationID]++
	}
	return agg
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return
	}
	s.records = records
}

func (s *Store) persistLocked() {
	if s.path == "" {
		return
	}
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(s.path, data, 0644)
}
