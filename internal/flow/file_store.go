package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/BTreeMap/LifePipe/internal/models"
)

// DefaultFileName is the flow-state file inside the state directory.
const DefaultFileName = "flows.json"

// FileStore keeps every flow record in one JSON file. Each entry is decoded
// on its own so one corrupt record does not hide the others. Writes replace
// the file atomically through a temp file and rename.
type FileStore struct {
	path     string
	mu       sync.Mutex
	readFile func(string) ([]byte, error)
}

// NewFileStore creates a FileStore at path, creating the parent directory.
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create flow state directory: %w", err)
	}
	return &FileStore{path: path, readFile: os.ReadFile}, nil
}

func fileKey(userID string, flowType models.FlowType) string {
	return userID + "/" + string(flowType)
}

// readEntries reads the raw entries. A missing file is empty and an
// unparsable file is logged and treated as empty; any other read error is
// returned so a writer never replaces a file it could not read.
func (s *FileStore) readEntries() (map[string]json.RawMessage, error) {
	entries := make(map[string]json.RawMessage)
	data, err := s.readFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return entries, nil
		}
		return nil, fmt.Errorf("read flow state file: %w", err)
	}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		slog.Warn("FileStore.readEntries: corrupt flow state file, treating as empty", "path", s.path, "error", err)
		return make(map[string]json.RawMessage), nil
	}
	return entries, nil
}

// readAll is readEntries for the load paths, where an unreadable file is
// logged and treated as empty.
func (s *FileStore) readAll() map[string]json.RawMessage {
	entries, err := s.readEntries()
	if err != nil {
		slog.Warn("FileStore.readAll: cannot read flow state file, treating as empty", "path", s.path, "error", err)
		return make(map[string]json.RawMessage)
	}
	return entries
}

func (s *FileStore) writeAll(entries map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal flow states: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".flows-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp flow state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp flow state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp flow state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp flow state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace flow state file: %w", err)
	}
	return nil
}

func decodeState(key string, raw json.RawMessage) (*models.ConversationFlowState, error) {
	var st models.ConversationFlowState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("%w: entry %s: %v", models.ErrCorruptState, key, err)
	}
	if !st.Valid() {
		return nil, fmt.Errorf("%w: entry %s failed validation", models.ErrCorruptState, key)
	}
	return &st, nil
}

func (s *FileStore) LoadFlow(ctx context.Context, userID string, flowType models.FlowType) (*models.ConversationFlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fileKey(userID, flowType)
	raw, ok := s.readAll()[key]
	if !ok {
		return nil, nil
	}
	return decodeState(key, raw)
}

func (s *FileStore) SaveFlow(ctx context.Context, state *models.ConversationFlowState) error {
	if state == nil || state.UserID == "" || state.FlowType == "" {
		return fmt.Errorf("flow state requires user id and flow type")
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal flow state: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.readEntries()
	if err != nil {
		return err
	}
	entries[fileKey(state.UserID, state.FlowType)] = raw
	return s.writeAll(entries)
}

func (s *FileStore) DeleteFlow(ctx context.Context, userID string, flowType models.FlowType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.readEntries()
	if err != nil {
		return err
	}
	key := fileKey(userID, flowType)
	if _, ok := entries[key]; !ok {
		return nil
	}
	delete(entries, key)
	return s.writeAll(entries)
}

func (s *FileStore) ListFlows(ctx context.Context, userID string) ([]*models.ConversationFlowState, error) {
	s.mu.Lock()
	entries := s.readAll()
	s.mu.Unlock()

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []*models.ConversationFlowState
	for _, k := range keys {
		st, err := decodeState(k, entries[k])
		if err != nil {
			slog.Warn("FileStore.ListFlows: skipping corrupt entry", "key", k, "error", err)
			continue
		}
		if userID != "" && st.UserID != userID {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}
