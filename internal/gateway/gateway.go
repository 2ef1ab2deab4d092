package gateway

import (
	"context"
)

// Ref is an opaque hypervisor handle.
type Ref string

// EntityKind names a class of placement entity.
type EntityKind string

const (
	KindDatacenter EntityKind = "datacenter"
	KindHost       EntityKind = "host"
	KindDatastore  EntityKind = "datastore"
	KindNetwork    EntityKind = "network"
	KindImage      EntityKind = "image"
	KindVM         EntityKind = "vm"
)

// Property names understood by GetProperties.
const (
	PropName        = "name"
	PropPowerState  = "powerState"
	PropIPAddresses = "ipAddresses"
	PropCPU         = "cpu"
	PropMemoryMB    = "memoryMB"
	PropLabels      = "labels"
)

// Power states reported under PropPowerState.
const (
	PowerStateOn  = "on"
	PowerStateOff = "off"
)

// Operation names, used for task labels, metrics and the fake gateway.
const (
	OpFindEntity    = "FindEntity"
	OpGetProperties = "GetProperties"
	OpCreateVM      = "CreateVM"
	OpPowerOn       = "PowerOn"
	OpPowerOff      = "PowerOff"
	OpReboot        = "Reboot"
	OpDestroy       = "Destroy"
	OpAwaitTask     = "AwaitTask"
)

// Placement is a resolved set of entities a VM is created on.
type Placement struct {
	Datacenter Ref
	Host       Ref
	Datastore  Ref
	Network    Ref
	Image      Ref
}

// CreateSpec describes a VM to create.
type CreateSpec struct {
	Name      string
	Hostname  string
	CPU       int
	MemoryMB  int
	DiskGB    int
	OS        string
	SSHKeys   []string
	Placement Placement

	// Labels are stamped on the remote object for correlation.
	Labels map[string]string
}

// Gateway is the hypervisor abstraction.
type Gateway interface {
	// FindEntity resolves a named entity. It returns an error wrapping
	// ErrEntityNotFound when nothing matches.
	FindEntity(ctx context.Context, kind EntityKind, name string) (Ref, error)

	// GetProperties reads the named properties of a remote object.
	GetProperties(ctx context.Context, ref Ref, fields []string) (map[string]any, error)

	CreateVM(ctx context.Context, spec CreateSpec) (*Task, error)
	PowerOn(ctx context.Context, ref Ref) (*Task, error)
	PowerOff(ctx context.Context, ref Ref) (*Task, error)
	Reboot(ctx context.Context, ref Ref) (*Task, error)
	Destroy(ctx context.Context, ref Ref) (*Task, error)

	// AwaitTask blocks until task completes or ctx is done. A non-nil error
	// means the outcome is unknown; TaskInfo.Success reports the remote result.
	AwaitTask(ctx context.Context, task *Task) (TaskInfo, error)
}

// Wait awaits task and folds a remote failure into a *TaskError, or a
// *TransientError when the task failed for a transient reason.
// On success it returns the task's result ref.
func Wait(ctx context.Context, gw Gateway, task *Task) (Ref, error) {
	info, err := gw.AwaitTask(ctx, task)
	if err != nil {
		return "", err
	}
	if !info.Success {
		terr := &TaskError{TaskID: info.ID, Op: info.Op, Message: info.Message}
		if info.Transient {
			return "", &TransientError{Op: info.Op + " task " + info.ID, Err: terr}
		}
		return "", terr
	}
	return info.Result, nil
}

// StringSlice extracts a []string property, tolerating []any.
func StringSlice(props map[string]any, key string) []string {
	switch v := props[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
