// Package progress reads the project's task list document.
//
// The document is owned by the agent sessions; this package only observes
// it and never writes. Every call re-reads the file so that changes made by
// the session that just finished are always visible.
package progress

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"
)

// DefaultFile is the task list file name inside the project directory.
const DefaultFile = "feature_list.json"

// Category groups tasks by development phase.
type Category string

const (
	CategorySetup       Category = "setup"
	CategoryCore        Category = "core"
	CategoryEnhancement Category = "enhancement"
	CategoryPolish      Category = "polish"
)

// Priority orders task selection, critical first.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns the selection rank of a priority; lower runs first.
// Unknown priorities sort after low.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Task is one entry in the task list.
type Task struct {
	ID                 int      `json:"id"`
	Category           Category `json:"category"`
	Module             string   `json:"module"`
	Priority           Priority `json:"priority"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	Steps              []string `json:"steps"`
	Passes             bool     `json:"passes"`
	Notes              string   `json:"notes,omitempty"`
}

// Store gives read access to a task list file.
type Store struct {
	path string
}

// NewStore returns a store for the task list at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// ForProject returns a store for the named file inside projectDir.
// An empty name selects DefaultFile.
func ForProject(projectDir, name string) *Store {
	if name == "" {
		name = DefaultFile
	}
	if filepath.IsAbs(name) {
		return NewStore(name)
	}
	return NewStore(filepath.Join(projectDir, name))
}

// Path returns the task list location.
func (s *Store) Path() string {
	return s.path
}

// Exists reports whether the task list file is present.
func (s *Store) Exists() bool {
	info, err := os.Stat(s.path)
	return err == nil && !info.IsDir()
}

// Load reads and decodes the task list.
func (s *Store) Load() ([]Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read task list: %w", err)
	}
	return decode(data)
}

func decode(data []byte) ([]Task, error) {
	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parse task list: %w", err)
	}
	return tasks, nil
}

// Counts returns the passing and total task counts. A missing or
// unreadable document counts as (0, 0).
func (s *Store) Counts() (passing, total int) {
	tasks, err := s.Load()
	if err != nil {
		return 0, 0
	}
	return count(tasks)
}

// IsComplete reports whether there is at least one task and all pass.
func (s *Store) IsComplete() bool {
	passing, total := s.Counts()
	return total > 0 && passing == total
}

// Snapshot captures the counts at one moment.
type Snapshot struct {
	Exists  bool
	Passing int
	Total   int
}

// Snapshot reads the document once and returns its state. A file that is
// present but unreadable or malformed exists with zero counts.
func (s *Store) Snapshot() Snapshot {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Snapshot{Exists: !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.EISDIR)}
	}
	snap := Snapshot{Exists: true}
	if tasks, err := decode(data); err == nil {
		snap.Passing, snap.Total = count(tasks)
	}
	return snap
}

// Complete reports whether the snapshot has tasks and all of them pass.
func (s Snapshot) Complete() bool {
	return s.Total > 0 && s.Passing == s.Total
}

// Percent returns the passing share in the range 0..100.
func (s Snapshot) Percent() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Passing) * 100 / float64(s.Total)
}

// Regressed reports whether passing or total went down since prev.
func (s Snapshot) Regressed(prev Snapshot) bool {
	return s.Passing < prev.Passing || s.Total < prev.Total
}

// NextPending returns up to n failing tasks in selection order: by
// priority, then by document order.
func (s *Store) NextPending(n int) ([]Task, error) {
	tasks, err := s.Load()
	if err != nil {
		return nil, err
	}
	var pending []Task
	for _, t := range tasks {
		if !t.Passes {
			pending = append(pending, t)
		}
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Priority.Rank() < pending[j].Priority.Rank()
	})
	if n > 0 && len(pending) > n {
		pending = pending[:n]
	}
	return pending, nil
}

// CategoryCounts returns passing and total counts per category.
func (s *Store) CategoryCounts() (map[Category][2]int, error) {
	tasks, err := s.Load()
	if err != nil {
		return nil, err
	}
	out := make(map[Category][2]int)
	for _, t := range tasks {
		c := out[t.Category]
		c[1]++
		if t.Passes {
			c[0]++
		}
		out[t.Category] = c
	}
	return out, nil
}

// Validate checks the document's structural invariants: ids are positive
// and unique.
func Validate(tasks []Task) error {
	seen := make(map[int]bool, len(tasks))
	for i, t := range tasks {
		if t.ID <= 0 {
			return fmt.Errorf("task at index %d has non-positive id %d", i, t.ID)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id %d", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

func count(tasks []Task) (passing, total int) {
	for _, t := range tasks {
		if t.Passes {
			passing++
		}
	}
	return passing, len(tasks)
}
