package vm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jbweber/vmlease/api/v1alpha1"
	"github.com/jbweber/vmlease/internal/gateway"
)

// ErrorKind classifies a failed operation.
type ErrorKind string

const (
	KindNotFound         ErrorKind = "not_found"
	KindConflict         ErrorKind = "conflict"
	KindForbidden        ErrorKind = "forbidden"
	KindInvalid          ErrorKind = "invalid"
	KindGatewayTransient ErrorKind = "gateway_transient"
	KindGatewayRejected  ErrorKind = "gateway_rejected"
	KindInternal         ErrorKind = "internal"
)

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrForbidden        = errors.New("forbidden")
	ErrInvalid          = errors.New("invalid request")
	ErrGatewayTransient = errors.New("hypervisor temporarily unavailable")
	ErrGatewayRejected  = errors.New("hypervisor rejected the request")
	ErrInternal         = errors.New("internal error")
)

var sentinels = map[ErrorKind]error{
	KindNotFound:         ErrNotFound,
	KindConflict:         ErrConflict,
	KindForbidden:        ErrForbidden,
	KindInvalid:          ErrInvalid,
	KindGatewayTransient: ErrGatewayTransient,
	KindGatewayRejected:  ErrGatewayRejected,
	KindInternal:         ErrInternal,
}

// Error is returned by every Service operation that fails.
type Error struct {
	Kind    ErrorKind
	VMID    string
	OrderID string
	Action  v1alpha1.Action

	// VMInError is set when the failure moved the VM to the error status.
	VMInError bool

	Err error
}

func (e *Error) Error() string {
	target := ""
	switch {
	case e.VMID != "":
		target = " vm " + e.VMID
	case e.OrderID != "":
		target = " order " + e.OrderID
	}
	prefix := strings.TrimSpace(string(e.Action) + target)
	if prefix == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", prefix, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{sentinels[e.Kind], e.Err}
}

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	return e.Kind == KindGatewayTransient
}

// KindOf returns the kind of err, or KindInternal if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsVMInError reports whether err left its VM in the error status.
func IsVMInError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.VMInError
}

func newError(kind ErrorKind, vm *v1alpha1.VirtualMachine, action v1alpha1.Action, err error) *Error {
	e := &Error{Kind: kind, Action: action, Err: err}
	if vm != nil {
		e.VMID = vm.ID
		e.OrderID = vm.OrderID
	}
	return e
}

// gatewayError classifies a gateway failure.
func gatewayError(vm *v1alpha1.VirtualMachine, action v1alpha1.Action, err error, vmInError bool) *Error {
	kind := KindGatewayRejected
	if gateway.IsTransient(err) {
		kind = KindGatewayTransient
	}
	e := newError(kind, vm, action, err)
	e.VMInError = vmInError
	return e
}
