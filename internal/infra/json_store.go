package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/eliteGoblin/clamsentry/internal/domain"
)

// jsonList is a slice persisted as an indented JSON array and replaced atomically on every save.
type jsonList[T any] struct {
	path string
	mu   sync.Mutex
}

func (j *jsonList[T]) load() ([]T, error) {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("corrupt store %s: %w", j.path, err)
	}
	return items, nil
}

func (j *jsonList[T]) save(items []T) error {
	if items == nil {
		items = []T{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(j.path), 0700); err != nil {
		return err
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", j.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// modify loads, applies fn and saves under the lock.
func (j *jsonList[T]) modify(fn func([]T) ([]T, error)) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	items, err := j.load()
	if err != nil {
		return err
	}
	items, err = fn(items)
	if err != nil {
		return err
	}
	return j.save(items)
}

func (j *jsonList[T]) list() ([]T, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.load()
}

func removeByID[T any](items []T, id string, idOf func(T) string) ([]T, error) {
	for i, item := range items {
		if idOf(item) == id {
			return append(items[:i], items[i+1:]...), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
}

// JSONHistoryStore implements domain.HistoryStore on a JSON file, newest event first.
type JSONHistoryStore struct {
	file jsonList[domain.HistoryEvent]
}

// NewJSONHistoryStore creates a history store at path.
func NewJSONHistoryStore(path string) *JSONHistoryStore {
	return &JSONHistoryStore{file: jsonList[domain.HistoryEvent]{path: path}}
}

// Append inserts event at the head of the list.
func (s *JSONHistoryStore) Append(event domain.HistoryEvent) error {
	return s.file.modify(func(events []domain.HistoryEvent) ([]domain.HistoryEvent, error) {
		return append([]domain.HistoryEvent{event}, events...), nil
	})
}

// List returns every event, newest first.
func (s *JSONHistoryStore) List() ([]domain.HistoryEvent, error) {
	events, err := s.file.list()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	return events, nil
}

// Delete removes one event.
func (s *JSONHistoryStore) Delete(id string) error {
	return s.file.modify(func(events []domain.HistoryEvent) ([]domain.HistoryEvent, error) {
		return removeByID(events, id, func(e domain.HistoryEvent) string { return e.ID })
	})
}

// Clear removes every event.
func (s *JSONHistoryStore) Clear() error {
	return s.file.modify(func([]domain.HistoryEvent) ([]domain.HistoryEvent, error) {
		return nil, nil
	})
}

// JSONQuarantineStore implements domain.QuarantineStore on a JSON file.
type JSONQuarantineStore struct {
	file jsonList[domain.QuarantineRecord]
}

// NewJSONQuarantineStore creates a quarantine store at path.
func NewJSONQuarantineStore(path string) *JSONQuarantineStore {
	return &JSONQuarantineStore{file: jsonList[domain.QuarantineRecord]{path: path}}
}

// Add stores records, replacing any with the same ID.
func (s *JSONQuarantineStore) Add(records ...domain.QuarantineRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.file.modify(func(existing []domain.QuarantineRecord) ([]domain.QuarantineRecord, error) {
		replaced := make(map[string]bool, len(records))
		for _, r := range records {
			replaced[r.ID] = true
		}
		kept := existing[:0]
		for _, r := range existing {
			if !replaced[r.ID] {
				kept = append(kept, r)
			}
		}
		return append(kept, records...), nil
	})
}

// List returns records, newest first.
func (s *JSONQuarantineStore) List() ([]domain.QuarantineRecord, error) {
	records, err := s.file.list()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].QuarantinedAt.After(records[j].QuarantinedAt)
	})
	return records, nil
}

// Get returns one record or domain.ErrNotFound.
func (s *JSONQuarantineStore) Get(id string) (*domain.QuarantineRecord, error) {
	records, err := s.file.list()
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.ID == id {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("%w: quarantine record %s", domain.ErrNotFound, id)
}

// Remove deletes one record.
func (s *JSONQuarantineStore) Remove(id string) error {
	return s.file.modify(func(records []domain.QuarantineRecord) ([]domain.QuarantineRecord, error) {
		return removeByID(records, id, func(r domain.QuarantineRecord) string { return r.ID })
	})
}

var (
	_ domain.HistoryStore    = (*JSONHistoryStore)(nil)
	_ domain.QuarantineStore = (*JSONQuarantineStore)(nil)
)
