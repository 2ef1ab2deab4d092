package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// TaskInfo is the outcome of a completed task.
type TaskInfo struct {
	ID      string
	Op      string
	Success bool
	Result  Ref
	Message string

	// Transient marks a failure whose outcome is in doubt, such as a lost
	// connection while the task ran.
	Transient bool
}

// Task is a handle to an in-flight remote operation.
type Task struct {
	ID     string
	Op     string
	Target Ref

	once sync.Once
	done chan struct{}
	info TaskInfo
}

// NewTask creates a pending task.
func NewTask(op string, target Ref) *Task {
	return &Task{
		ID:     uuid.NewString(),
		Op:     op,
		Target: target,
		done:   make(chan struct{}),
	}
}

// Succeed completes the task. Later completions are ignored.
func (t *Task) Succeed(result Ref) {
	t.complete(TaskInfo{Success: true, Result: result})
}

// Fail completes the task as rejected with message.
func (t *Task) Fail(message string) {
	t.complete(TaskInfo{Message: message})
}

// FailErr completes the task with err, keeping whether it is transient.
func (t *Task) FailErr(err error) {
	t.complete(TaskInfo{Message: err.Error(), Transient: IsTransient(err)})
}

func (t *Task) complete(info TaskInfo) {
	t.once.Do(func() {
		info.ID = t.ID
		info.Op = t.Op
		t.info = info
		close(t.done)
	})
}

// Done is closed once the task completes.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Await blocks until the task completes or ctx is done.
func (t *Task) Await(ctx context.Context) (TaskInfo, error) {
	select {
	case <-t.done:
		return t.info, nil
	case <-ctx.Done():
		return TaskInfo{}, &TransientError{
			Op:  fmt.Sprintf("await %s task %s", t.Op, t.ID),
			Err: ctx.Err(),
		}
	}
}
