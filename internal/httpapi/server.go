// Package httpapi serves the VM lifecycle operations over HTTP.
//
// The caller identity comes from the X-User-ID and X-Admin headers, which
// are expected to be set by an authenticating proxy in front of the
// service.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/jbweber/vmlease/api/v1alpha1"
	"github.com/jbweber/vmlease/internal/metrics"
	"github.com/jbweber/vmlease/internal/sweeper"
	"github.com/jbweber/vmlease/internal/vm"
)

// Actor headers.
const (
	HeaderUserID = "X-User-ID"
	HeaderAdmin  = "X-Admin"
)

// lifecycle is the part of vm.Service exposed over HTTP.
type lifecycle interface {
	Provision(ctx context.Context, orderID string) (*v1alpha1.VirtualMachine, error)
	Get(ctx context.Context, id string, actor v1alpha1.Actor) (*v1alpha1.VirtualMachine, error)
	List(ctx context.Context, actor v1alpha1.Actor) ([]*v1alpha1.VirtualMachine, error)
	ListExpired(ctx context.Context, actor v1alpha1.Actor) ([]*v1alpha1.VirtualMachine, error)
	Transition(ctx context.Context, id string, actor v1alpha1.Actor, action v1alpha1.Action) (*v1alpha1.VirtualMachine, error)
	Rebuild(ctx context.Context, id string, actor v1alpha1.Actor, os string) (*v1alpha1.VirtualMachine, error)
	Retry(ctx context.Context, id string, actor v1alpha1.Actor) (*v1alpha1.VirtualMachine, error)
	Delete(ctx context.Context, id string, actor v1alpha1.Actor) error
	RecordBandwidth(ctx context.Context, id string, actor v1alpha1.Actor, bytes int64) (*v1alpha1.VirtualMachine, error)
}

type sweepRunner interface {
	SweepExpired(ctx context.Context) (sweeper.Result, error)
}

// Options configures a Server.
type Options struct {
	Service lifecycle
	Sweeper sweepRunner

	// Gatherer backs /metrics. The route is omitted when nil.
	Gatherer prometheus.Gatherer

	// Health backs /healthz. Nil always reports healthy.
	Health func(ctx context.Context) error

	Logger logrus.FieldLogger
}

// Server routes HTTP requests to the lifecycle service.
type Server struct {
	svc     lifecycle
	sweeper sweepRunner
	health  func(ctx context.Context) error
	log     logrus.FieldLogger
	router  *mux.Router
}

// New creates a Server with every route registered.
func New(opts Options) *Server {
	s := &Server{
		svc:     opts.Service,
		sweeper: opts.Sweeper,
		health:  opts.Health,
		log:     opts.Logger,
		router:  mux.NewRouter(),
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	s.log = s.log.WithField("component", "httpapi")

	r := s.router
	r.Use(s.recovery, s.logging)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if opts.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(opts.Gatherer)).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/orders/{orderId}/provision", s.handleProvision).Methods(http.MethodPost)
	v1.HandleFunc("/vms", s.handleList).Methods(http.MethodGet)
	// registered before /vms/{id} so "expired" is not taken for an id
	v1.HandleFunc("/vms/expired", s.handleListExpired).Methods(http.MethodGet)
	v1.HandleFunc("/vms/{id}", s.handleGet).Methods(http.MethodGet)
	v1.HandleFunc("/vms/{id}", s.handleDelete).Methods(http.MethodDelete)
	v1.HandleFunc("/vms/{id}/power", s.handlePower).Methods(http.MethodPost)
	v1.HandleFunc("/vms/{id}/rebuild", s.handleRebuild).Methods(http.MethodPost)
	v1.HandleFunc("/vms/{id}/retry", s.handleRetry).Methods(http.MethodPost)
	v1.HandleFunc("/vms/{id}/bandwidth", s.handleBandwidth).Methods(http.MethodPost)
	v1.HandleFunc("/sweeps", s.handleSweep).Methods(http.MethodPost)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ErrorBody is the JSON body of every failed request.
type ErrorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable bool   `json:"retryable"`
	VMInError bool   `json:"vmInError"`
}

// PowerRequest is the body of POST /v1/vms/{id}/power.
type PowerRequest struct {
	Action v1alpha1.Action `json:"action"`
}

// RebuildRequest is the body of POST /v1/vms/{id}/rebuild.
type RebuildRequest struct {
	OS string `json:"os"`
}

// BandwidthRequest is the body of POST /v1/vms/{id}/bandwidth.
type BandwidthRequest struct {
	Bytes int64 `json:"bytes"`
}

// SweepResponse summarizes one sweep.
type SweepResponse struct {
	Suspended []string `json:"suspended"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind vm.ErrorKind) int {
	switch kind {
	case vm.KindNotFound:
		return http.StatusNotFound
	case vm.KindConflict:
		return http.StatusConflict
	case vm.KindForbidden:
		return http.StatusForbidden
	case vm.KindInvalid:
		return http.StatusBadRequest
	case vm.KindGatewayTransient:
		return http.StatusServiceUnavailable
	case vm.KindGatewayRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var errNoActor = &vm.Error{Kind: vm.KindForbidden, Err: errors.New(HeaderUserID + " header is required")}

// actorFrom reads the caller identity from the request headers.
func actorFrom(r *http.Request) (v1alpha1.Actor, error) {
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		return v1alpha1.Actor{}, errNoActor
	}
	actor := v1alpha1.Actor{UserID: userID}
	if v := r.Header.Get(HeaderAdmin); v != "" {
		admin, err := strconv.ParseBool(v)
		if err != nil {
			return v1alpha1.Actor{}, invalid(fmt.Errorf("%s header: %w", HeaderAdmin, err))
		}
		actor.Admin = admin
	}
	return actor, nil
}

func invalid(err error) error {
	return &vm.Error{Kind: vm.KindInvalid, Err: err}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return invalid(fmt.Errorf("failed to decode request body: %w", err))
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := vm.KindOf(err)
	body := ErrorBody{
		Error:     err.Error(),
		Kind:      string(kind),
		VMInError: vm.IsVMInError(err),
	}
	var verr *vm.Error
	if errors.As(err, &verr) {
		body.Retryable = verr.Retryable()
	}

	status := StatusFor(kind)
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"kind":   kind,
		}).Warn("request failed")
	}
	s.writeJSON(w, status, body)
}

// withActor adapts a handler that needs the caller identity.
func (s *Server) withActor(w http.ResponseWriter, r *http.Request, fn func(actor v1alpha1.Actor) (any, int, error)) {
	actor, err := actorFrom(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	v, status, err := fn(actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if v == nil {
		w.WriteHeader(status)
		return
	}
	s.writeJSON(w, status, v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	s.withActor(w, r, func(actor v1alpha1.Actor) (any, int, error) {
		orderID := mux.Vars(r)["orderId"]
		out, err := s.svc.Provision(r.Context(), orderID)
		if err != nil {
			return nil, 0, err
		}
		return out, http.StatusCreated, nil
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.withActor(w, r, func(actor v1alpha1.Actor) (any, int, error) {
		vms, err := s.svc.List(r.Context(), actor)
		if err != nil {
			return nil, 0, err
		}
		return nonNil(vms), http.StatusOK, nil
	})
}

func (s *Server) handleListExpired(w http.ResponseWriter, r *http.Request) {
	s.withActor(w, r, func(actor v1alpha1.Actor) (any, int, error) {
		vms, err := s.svc.ListExpired(r.Context(), actor)
		if err != nil {
			return nil, 0, err
		}
		return nonNil(vms), http.StatusOK, nil
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.withActor(w, r, func(actor v1alpha1.Actor) (any, int, error) {
		out, err := s.svc.Get(r.Context(), mux.Vars(r)["id"], actor)
		if err != nil {
			return nil, 0, err
		}
		return out, http.StatusOK, nil
	})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.withActor(w, r, func(actor v1alpha1.Actor) (any, int, error) {
		if err := s.svc.Delete(r.Context(), mux.Vars(r)["id"], actor); err != nil {
			return nil, 0, err
		}
		return nil, http.StatusNoContent, nil
	})
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	s.withActor(w, r, func(actor v1alpha1.Actor) (any, int, error) {
		var req PowerRequest
		if err := decode(r, &req); err != nil {
			return nil, 0, err
		}
		out, err := s.svc.Transition(r.Context(), mux.Vars(r)["id"], actor, req.Action)
		if err != nil {
			return nil, 0, err
		}
		return out, http.StatusOK, nil
	})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	s.withActor(w, r, func(actor v1alpha1.Actor) (any, int, error) {
		var req RebuildRequest
		if err := decode(r, &req); err != nil {
			return nil, 0, err
		}
		out, err := s.svc.Rebuild(r.Context(), mux.Vars(r)["id"], actor, req.OS)
		if err != nil {
			return nil, 0, err
		}
		return out, http.StatusOK, nil
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.withActor(w, r, func(actor v1alpha1.Actor) (any, int, error) {
		out, err := s.svc.Retry(r.Context(), mux.Vars(r)["id"], actor)
		if err != nil {
			return nil, 0, err
		}
		return out, http.StatusOK, nil
	})
}

func (s *Server) handleBandwidth(w http.ResponseWriter, r *http.Request) {
	s.withActor(w, r, func(actor v1alpha1.Actor) (any, int, error) {
		var req BandwidthRequest
		if err := decode(r, &req); err != nil {
			return nil, 0, err
		}
		out, err := s.svc.RecordBandwidth(r.Context(), mux.Vars(r)["id"], actor, req.Bytes)
		if err != nil {
			return nil, 0, err
		}
		return out, http.StatusOK, nil
	})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	s.withActor(w, r, func(actor v1alpha1.Actor) (any, int, error) {
		if !actor.Admin {
			return nil, 0, &vm.Error{Kind: vm.KindForbidden, Err: errors.New("sweeps are admin only")}
		}
		if s.sweeper == nil {
			return nil, 0, &vm.Error{Kind: vm.KindInternal, Err: errors.New("sweeper is not configured")}
		}
		res, err := s.sweeper.SweepExpired(r.Context())
		if err != nil {
			return nil, 0, err
		}
		resp := SweepResponse{Suspended: []string{}, Skipped: res.Skipped, Failed: res.Failed}
		for _, v := range res.Suspended {
			resp.Suspended = append(resp.Suspended, v.ID)
		}
		return resp, http.StatusOK, nil
	})
}

func nonNil(vms []*v1alpha1.VirtualMachine) []*v1alpha1.VirtualMachine {
	if vms == nil {
		return []*v1alpha1.VirtualMachine{}
	}
	return vms
}
