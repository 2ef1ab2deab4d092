package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Session is a Gateway bound to one hypervisor connection.
type Session interface {
	Gateway
	Close() error
}

// DialFunc opens a new Session.
type DialFunc func(ctx context.Context) (Session, error)

// Reconnecting is a Gateway that dials lazily and drops its session after
// a transient error so the next call redials. It never retries a call
// itself: the error is returned to the caller unchanged.
type Reconnecting struct {
	dial DialFunc
	log  logrus.FieldLogger

	mu   sync.Mutex
	sess Session
}

// NewReconnecting wraps dial.
func NewReconnecting(dial DialFunc, log logrus.FieldLogger) *Reconnecting {
	return &Reconnecting{dial: dial, log: log}
}

func (r *Reconnecting) session(ctx context.Context) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sess != nil {
		return r.sess, nil
	}
	s, err := r.dial(ctx)
	if err != nil {
		return nil, &TransientError{Op: "dial hypervisor", Err: fmt.Errorf("%w: %v", ErrConnectivity, err)}
	}
	r.log.Debug("hypervisor session established")
	r.sess = s
	return s, nil
}

// observe drops s if err is transient.
func (r *Reconnecting) observe(s Session, err error) {
	if !IsTransient(err) {
		return
	}

	r.mu.Lock()
	if r.sess != s {
		r.mu.Unlock()
		return
	}
	r.sess = nil
	r.mu.Unlock()

	r.log.WithError(err).Warn("dropping hypervisor session after transient error")
	if cerr := s.Close(); cerr != nil {
		r.log.WithError(cerr).Debug("failed to close hypervisor session")
	}
}

// Close closes the current session, if any.
func (r *Reconnecting) Close() error {
	r.mu.Lock()
	s := r.sess
	r.sess = nil
	r.mu.Unlock()

	if s == nil {
		return nil
	}
	return s.Close()
}

func (r *Reconnecting) FindEntity(ctx context.Context, kind EntityKind, name string) (Ref, error) {
	s, err := r.session(ctx)
	if err != nil {
		return "", err
	}
	ref, err := s.FindEntity(ctx, kind, name)
	r.observe(s, err)
	return ref, err
}

func (r *Reconnecting) GetProperties(ctx context.Context, ref Ref, fields []string) (map[string]any, error) {
	s, err := r.session(ctx)
	if err != nil {
		return nil, err
	}
	props, err := s.GetProperties(ctx, ref, fields)
	r.observe(s, err)
	return props, err
}

func (r *Reconnecting) CreateVM(ctx context.Context, spec CreateSpec) (*Task, error) {
	return r.submit(ctx, func(s Session) (*Task, error) { return s.CreateVM(ctx, spec) })
}

func (r *Reconnecting) PowerOn(ctx context.Context, ref Ref) (*Task, error) {
	return r.submit(ctx, func(s Session) (*Task, error) { return s.PowerOn(ctx, ref) })
}

func (r *Reconnecting) PowerOff(ctx context.Context, ref Ref) (*Task, error) {
	return r.submit(ctx, func(s Session) (*Task, error) { return s.PowerOff(ctx, ref) })
}

func (r *Reconnecting) Reboot(ctx context.Context, ref Ref) (*Task, error) {
	return r.submit(ctx, func(s Session) (*Task, error) { return s.Reboot(ctx, ref) })
}

func (r *Reconnecting) Destroy(ctx context.Context, ref Ref) (*Task, error) {
	return r.submit(ctx, func(s Session) (*Task, error) { return s.Destroy(ctx, ref) })
}

// AwaitTask waits on the task directly; tasks outlive the session that
// created them.
func (r *Reconnecting) AwaitTask(ctx context.Context, task *Task) (TaskInfo, error) {
	return task.Await(ctx)
}

func (r *Reconnecting) submit(ctx context.Context, call func(Session) (*Task, error)) (*Task, error) {
	s, err := r.session(ctx)
	if err != nil {
		return nil, err
	}
	task, err := call(s)
	r.observe(s, err)
	return task, err
}
