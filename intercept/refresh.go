package intercept

import (
	"context"
	"sync"
	"time"
)

// RefreshTask is a background revalidation of one cache key.
type RefreshTask struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	StartedAt time.Time `json:"startedAt"`

	cancel context.CancelFunc
}

// refreshTasks tracks background refreshes per cache key. At most one task
// runs per key.
type refreshTasks struct {
	mu     sync.Mutex
	tasks  map[string]*RefreshTask
	wg     sync.WaitGroup
	closed bool
}

func newRefreshTasks() *refreshTasks {
	return &refreshTasks{tasks: make(map[string]*RefreshTask)}
}

// start runs fn for key unless a task for key is already running. fn gets a
// context bounded by timeout and cancelled by cancelAll.
func (r *refreshTasks) start(key, url string, timeout time.Duration, fn func(ctx context.Context)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if _, running := r.tasks[key]; running {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	task := &RefreshTask{Key: key, URL: url, StartedAt: time.Now().UTC(), cancel: cancel}
	r.tasks[key] = task
	r.wg.Add(1)

	go func() {
		defer r.wg.Done()
		defer func() {
			cancel()
			r.mu.Lock()
			if r.tasks[key] == task {
				delete(r.tasks, key)
			}
			r.mu.Unlock()
		}()
		fn(ctx)
	}()
	return true
}

// cancel stops the task for key, if any.
func (r *refreshTasks) cancel(key string) {
	r.mu.Lock()
	task := r.tasks[key]
	r.mu.Unlock()
	if task != nil {
		task.cancel()
	}
}

func (r *refreshTasks) snapshot() []RefreshTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RefreshTask, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, RefreshTask{Key: t.Key, URL: t.URL, StartedAt: t.StartedAt})
	}
	return out
}

// cancelAll stops every task, refuses new ones and waits for running ones to exit.
func (r *refreshTasks) cancelAll() {
	r.mu.Lock()
	r.closed = true
	for _, t := range r.tasks {
		t.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// wait blocks until no task is running. Used by tests and shutdown.
func (r *refreshTasks) wait() {
	r.wg.Wait()
}
