package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Call records one invocation on a Fake.
type Call struct {
	Op     string
	Target Ref
	Kind   EntityKind
	Name   string
	Spec   *CreateSpec
}

// FakeObject is a VM held by a Fake.
type FakeObject struct {
	Spec       CreateSpec
	PowerState string
	IPs        []string
}

type fakeFailure struct {
	err    error  // returned synchronously
	reject string // task completes unsuccessfully
}

// Fake is an in-memory Gateway. It completes tasks after TaskDelay and
// lets callers queue synchronous errors or task rejections per operation.
type Fake struct {
	mu sync.Mutex

	// Entities restricts FindEntity to known names. A nil map for a kind
	// accepts any name, except VMs which are looked up among live objects.
	Entities map[EntityKind]map[string]Ref

	// TaskDelay delays task completion; zero completes before return.
	TaskDelay time.Duration

	objects  map[Ref]*FakeObject
	failures map[string][]fakeFailure
	calls    []Call
	nextID   int
}

// NewFake creates a Fake that accepts any entity name.
func NewFake() *Fake {
	return &Fake{
		objects:  make(map[Ref]*FakeObject),
		failures: make(map[string][]fakeFailure),
	}
}

// FailNext makes the next call to op return err without creating a task.
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], fakeFailure{err: err})
}

// RejectNext makes the next task created by op complete unsuccessfully.
func (f *Fake) RejectNext(op string, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], fakeFailure{reject: message})
}

// Calls returns a copy of every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many times op was invoked.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// MutatingCalls counts every call that creates a task.
func (f *Fake) MutatingCalls() int {
	return f.CallCount(OpCreateVM) + f.CallCount(OpPowerOn) + f.CallCount(OpPowerOff) +
		f.CallCount(OpReboot) + f.CallCount(OpDestroy)
}

// Object returns a copy of the object at ref.
func (f *Fake) Object(ref Ref) (FakeObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[ref]
	if !ok {
		return FakeObject{}, false
	}
	out := *obj
	out.IPs = append([]string(nil), obj.IPs...)
	return out, true
}

// ObjectCount returns the number of live objects.
func (f *Fake) ObjectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

// record appends c and pops a queued failure for c.Op. Callers hold f.mu.
func (f *Fake) record(c Call) (fakeFailure, bool) {
	f.calls = append(f.calls, c)
	q := f.failures[c.Op]
	if len(q) == 0 {
		return fakeFailure{}, false
	}
	f.failures[c.Op] = q[1:]
	return q[0], true
}

func (f *Fake) FindEntity(ctx context.Context, kind EntityKind, name string) (Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if fail, ok := f.record(Call{Op: OpFindEntity, Kind: kind, Name: name}); ok && fail.err != nil {
		return "", fail.err
	}
	notFound := fmt.Errorf("%s %q: %w", kind, name, ErrEntityNotFound)
	if known, ok := f.Entities[kind]; ok {
		ref, ok := known[name]
		if !ok {
			return "", notFound
		}
		return ref, nil
	}
	if kind == KindVM {
		for ref, obj := range f.objects {
			if obj.Spec.Name == name {
				return ref, nil
			}
		}
		return "", notFound
	}
	return Ref(string(kind) + "/" + name), nil
}

func (f *Fake) GetProperties(ctx context.Context, ref Ref, fields []string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if fail, ok := f.record(Call{Op: OpGetProperties, Target: ref}); ok && fail.err != nil {
		return nil, fail.err
	}
	obj, ok := f.objects[ref]
	if !ok {
		return nil, fmt.Errorf("vm %s: %w", ref, ErrEntityNotFound)
	}

	props := make(map[string]any, len(fields))
	for _, field := range fields {
		switch field {
		case PropName:
			props[field] = obj.Spec.Name
		case PropPowerState:
			props[field] = obj.PowerState
		case PropIPAddresses:
			if obj.PowerState == PowerStateOn {
				props[field] = append([]string(nil), obj.IPs...)
			} else {
				props[field] = []string{}
			}
		case PropCPU:
			props[field] = obj.Spec.CPU
		case PropMemoryMB:
			props[field] = obj.Spec.MemoryMB
		case PropLabels:
			props[field] = obj.Spec.Labels
		}
	}
	return props, nil
}

func (f *Fake) CreateVM(ctx context.Context, spec CreateSpec) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := spec
	fail, failed := f.record(Call{Op: OpCreateVM, Spec: &s})
	if failed && fail.err != nil {
		return nil, fail.err
	}

	task := NewTask(OpCreateVM, "")
	if failed {
		f.finish(func() { task.Fail(fail.reject) })
		return task, nil
	}

	f.nextID++
	ref := Ref(fmt.Sprintf("vm-%d", f.nextID))
	ip := fmt.Sprintf("10.0.0.%d", f.nextID%250+2)
	f.finish(func() {
		f.objects[ref] = &FakeObject{Spec: s, PowerState: PowerStateOn, IPs: []string{ip}}
		task.Succeed(ref)
	})
	return task, nil
}

func (f *Fake) PowerOn(ctx context.Context, ref Ref) (*Task, error) {
	return f.mutate(OpPowerOn, ref, func(obj *FakeObject) { obj.PowerState = PowerStateOn })
}

func (f *Fake) PowerOff(ctx context.Context, ref Ref) (*Task, error) {
	return f.mutate(OpPowerOff, ref, func(obj *FakeObject) { obj.PowerState = PowerStateOff })
}

func (f *Fake) Reboot(ctx context.Context, ref Ref) (*Task, error) {
	return f.mutate(OpReboot, ref, func(obj *FakeObject) { obj.PowerState = PowerStateOn })
}

func (f *Fake) Destroy(ctx context.Context, ref Ref) (*Task, error) {
	return f.mutate(OpDestroy, ref, nil)
}

func (f *Fake) AwaitTask(ctx context.Context, task *Task) (TaskInfo, error) {
	f.mu.Lock()
	fail, failed := f.record(Call{Op: OpAwaitTask, Target: task.Target})
	f.mu.Unlock()
	if failed && fail.err != nil {
		return TaskInfo{}, fail.err
	}
	return task.Await(ctx)
}

// mutate runs apply against the object at ref as a task. A nil apply
// removes the object.
func (f *Fake) mutate(op string, ref Ref, apply func(*FakeObject)) (*Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fail, failed := f.record(Call{Op: op, Target: ref})
	if failed && fail.err != nil {
		return nil, fail.err
	}

	if _, ok := f.objects[ref]; !ok {
		return nil, fmt.Errorf("vm %s: %w", ref, ErrEntityNotFound)
	}
	task := NewTask(op, ref)
	if failed {
		f.finish(func() { task.Fail(fail.reject) })
		return task, nil
	}

	f.finish(func() {
		if obj, ok := f.objects[ref]; ok {
			if apply == nil {
				delete(f.objects, ref)
			} else {
				apply(obj)
			}
		}
		task.Succeed(ref)
	})
	return task, nil
}

// finish runs complete with f.mu held, immediately or after TaskDelay.
// Callers hold f.mu.
func (f *Fake) finish(complete func()) {
	if f.TaskDelay == 0 {
		complete()
		return
	}
	delay := f.TaskDelay
	go func() {
		time.Sleep(delay)
		f.mu.Lock()
		defer f.mu.Unlock()
		complete()
	}()
}
