package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/zakaria-lahyani/quantronaute-sub000/pkg/types"
)

// TargetStore persists TP ladders by ticket so trackers survive restarts.
type TargetStore interface {
	Save(ticket int64, targets []types.TPTarget) error
	Load(ticket int64) ([]types.TPTarget, error)
	Delete(ticket int64) error
}

// NullStore is the stateless default: nothing is persisted and loads find
// nothing.
type NullStore struct{}

func (NullStore) Save(int64, []types.TPTarget) error   { return nil }
func (NullStore) Load(int64) ([]types.TPTarget, error) { return nil, nil }
func (NullStore) Delete(int64) error                   { return nil }

// MsgpackStore keeps a ticket-keyed map in a single msgpack file, rewritten
// atomically on every change.
type MsgpackStore struct {
	mu   sync.Mutex
	path string
}

// NewMsgpackStore creates a store at path, creating parent directories.
func NewMsgpackStore(path string) (*MsgpackStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create target store dir: %w", err)
	}
	return &MsgpackStore{path: path}, nil
}

func (s *MsgpackStore) readAll() (map[int64][]types.TPTarget, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[int64][]types.TPTarget), nil
	}
	if err != nil {
		return nil, err
	}

	all := make(map[int64][]types.TPTarget)
	if err := msgpack.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("decode target store: %w", err)
	}
	return all, nil
}

func (s *MsgpackStore) writeAll(all map[int64][]types.TPTarget) error {
	data, err := msgpack.Marshal(all)
	if err != nil {
		return fmt.Errorf("encode target store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Save stores the ladder for a ticket.
func (s *MsgpackStore) Save(ticket int64, targets []types.TPTarget) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return err
	}
	all[ticket] = targets
	return s.writeAll(all)
}

// Load returns the stored ladder for a ticket, nil when unknown.
func (s *MsgpackStore) Load(ticket int64) ([]types.TPTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return nil, err
	}
	return all[ticket], nil
}

// Delete removes a ticket's ladder.
func (s *MsgpackStore) Delete(ticket int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.readAll()
	if err != nil {
		return err
	}
	if _, ok := all[ticket]; !ok {
		return nil
	}
	delete(all, ticket)
	return s.writeAll(all)
}
