package intellimail

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// FileTaskQueue is the in-memory lease queue with every mutation mirrored to a
// JSON snapshot. Leases and attempt counts survive a restart; a lease held by
// a crashed process simply expires.
type FileTaskQueue struct {
	*InMemoryTaskQueue
	path string
}

type fileTaskQueueState struct {
	Tasks []Task `json:"tasks"`
}

func NewFileTaskQueue(path string, capacity int) (*FileTaskQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	q := &FileTaskQueue{
		InMemoryTaskQueue: NewInMemoryTaskQueue(capacity),
		path:              path,
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	q.persist = q.save
	return q, nil
}

func (q *FileTaskQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileTaskQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	for i := range snapshot.Tasks {
		task := snapshot.Tasks[i]
		if strings.TrimSpace(task.ID) == "" {
			continue
		}
		if _, dup := q.tasks[task.ID]; dup {
			continue
		}
		q.tasks[task.ID] = &task
		q.order = append(q.order, task.ID)
	}
	return nil
}

func (q *FileTaskQueue) save(tasks []Task) error {
	data, err := json.Marshal(fileTaskQueueState{Tasks: tasks})
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
