package attachments

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/icified/icebot/pkg/utils"
)

// Record describes one stored media file: an inbound photo or a
// generated result.
type Record struct {
	ID             string    `json:"id"`
	Source         string    `json:"source"`
	ConversationID string    `json:"conversation_id"`
	Name           string    `json:"name"`
	StoredPath     string    `json:"stored_path"`
	MIMEType       string    `json:"mime_type,omitempty"`
	Kind           string    `json:"kind,omitempty"` // "photo" or "result"
	SizeBytes      int64     `json:"size_bytes"`
	SHA256         string    `json:"sha256"`
	CreatedAt      time.Time `json:"created_at"`
}

type stateFile struct {
	Version int      `json:"version"`
	Records []Record `json:"records"`
}

// Store keeps media files under the workspace with a JSON index.
type Store struct {
	mu        sync.RWMutex
	statePath string
	rootPath  string
	records   map[string]Record
}

func NewStore(workspace string) *Store {
	root := filepath.Join(workspace, "attachments")
	statePath := filepath.Join(workspace, "state", "attachments.json")

	_ = os.MkdirAll(filepath.Dir(statePath), 0755)
	_ = os.MkdirAll(root, 0755)

	s := &Store{
		statePath: statePath,
		rootPath:  root,
		records:   map[string]Record{},
	}
	_ = s.load()
	return s
}

// SaveFromLocalFile copies localPath into the store and records it.
func (s *Store) SaveFromLocalFile(source, conversationID, name, mimeType, kind, localPath string) (Record, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return Record{}, fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer src.Close()

	id := uuid.New().String()
	storedPath := filepath.Join(s.rootPath, id+"_"+utils.SanitizeFilename(name))

	dst, err := os.Create(storedPath)
	if err != nil {
		return Record{}, fmt.Errorf("creating %s: %w", storedPath, err)
	}
	defer dst.Close()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(dst, hasher), src)
	if err != nil {
		os.Remove(storedPath)
		return Record{}, fmt.Errorf("copying attachment: %w", err)
	}

	rec := Record{
		ID:             id,
		Source:         source,
		ConversationID: conversationID,
		Name:           utils.SanitizeFilename(name),
		StoredPath:     storedPath,
		MIMEType:       mimeType,
		Kind:           kind,
		SizeBytes:      size,
		SHA256:         hex.EncodeToString(hasher.Sum(nil)),
		CreatedAt:      time.Now().UTC(),
	}

	s.mu.Lock()
	s.records[rec.ID] = rec
	err = s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *Store) Get(id string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	return rec, ok
}

// List returns records newest-first.
func (s *Store) List() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	for _, rec := range state.Records {
		s.records[rec.ID] = rec
	}
	return nil
}

func (s *Store) persistLocked() error {
	state := stateFile{Version: 1, Records: make([]Record, 0, len(s.records))}
	for _, rec := range s.records {
		state.Records = append(state.Records, rec)
	}
	sort.Slice(state.Records, func(i, j int) bool {
		return state.Records[i].CreatedAt.Before(state.Records[j].CreatedAt)
	})
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.statePath, data, 0644)
}
