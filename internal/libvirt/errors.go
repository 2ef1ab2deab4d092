package libvirt

import (
	"errors"
	"fmt"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/vmlease/internal/gateway"
)

// hasCode reports whether err is a libvirt daemon error with one of codes.
func hasCode(err error, codes ...libvirt.ErrorNumber) bool {
	var lerr libvirt.Error
	if !errors.As(err, &lerr) {
		return false
	}
	for _, c := range codes {
		if libvirt.ErrorNumber(lerr.Code) == c {
			return true
		}
	}
	return false
}

func isNotFound(err error) bool {
	return hasCode(err,
		libvirt.ErrNoDomain,
		libvirt.ErrNoNetwork,
		libvirt.ErrNoStoragePool,
		libvirt.ErrNoStorageVol,
	)
}

// classify maps a synchronous libvirt failure onto the gateway error model.
// Missing objects wrap ErrEntityNotFound, any other answer from the daemon
// is a rejection, and everything else means the connection is in doubt.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return fmt.Errorf("%s: %w: %v", op, gateway.ErrEntityNotFound, err)
	}
	var lerr libvirt.Error
	if errors.As(err, &lerr) {
		return &gateway.TaskError{Op: op, Message: lerr.Message}
	}
	if gateway.IsTransient(err) {
		return &gateway.TransientError{Op: op, Err: err}
	}
	return &gateway.TransientError{Op: op, Err: fmt.Errorf("%w: %v", gateway.ErrConnectivity, err)}
}

// classifyTask maps a failure from a background task. Errors classified
// by an inner call are kept as they are.
func classifyTask(op string, err error) error {
	var te *gateway.TaskError
	if errors.As(err, &te) || errors.Is(err, gateway.ErrEntityNotFound) || gateway.IsTransient(err) {
		return err
	}
	return classify(op, err)
}
