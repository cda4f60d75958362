package jobqueue

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// fileQueue keeps jobs in a JSON snapshot so pending, delayed and
// interrupted jobs survive restarts. One process owns the file.
type fileQueue struct {
	*localQueue
	path string
}

type fileQueueState struct {
	Items []queuedJob `json:"items"`
}

func NewFileQueue(path string, capacity int) (Queue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	q := &fileQueue{path: path}
	q.localQueue = newLocalQueue(capacity, nil, q.save)
	items, err := q.load()
	if err != nil {
		return nil, err
	}
	q.items = items
	return q, nil
}

// load reads the snapshot. Claims found in it belong to a process that
// stopped without releasing them, so they are dropped and the jobs run again.
func (q *fileQueue) load() ([]queuedJob, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot fileQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	items := snapshot.Items
	reclaimed := false
	for i := range items {
		if !items[i].LeaseUntil.IsZero() {
			items[i].LeaseUntil = time.Time{}
			reclaimed = true
		}
	}
	trimmed := false
	if len(items) > q.capacity {
		items = items[len(items)-q.capacity:]
		trimmed = true
	}
	items = append([]queuedJob(nil), items...)
	if reclaimed || trimmed {
		if err := q.save(items); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (q *fileQueue) save(items []queuedJob) error {
	data, err := json.Marshal(fileQueueState{Items: items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
