// Package sweeper suspends VMs whose lease has run out.
package sweeper

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/vmlease/api/v1alpha1"
	"github.com/jbweber/vmlease/internal/metrics"
	"github.com/jbweber/vmlease/internal/vm"
)

// DefaultInterval is the time between sweeps.
const DefaultInterval = time.Hour

// lifecycle is the part of vm.Service the sweeper drives.
type lifecycle interface {
	ListExpired(ctx context.Context, actor v1alpha1.Actor) ([]*v1alpha1.VirtualMachine, error)
	SuspendExpired(ctx context.Context, id string) (*v1alpha1.VirtualMachine, error)
}

// Result summarizes one sweep.
type Result struct {
	Suspended []*v1alpha1.VirtualMachine
	Skipped   int
	Failed    int
}

// Sweeper finds expired VMs and suspends them one by one.
type Sweeper struct {
	svc     lifecycle
	metrics *metrics.Metrics
	log     logrus.FieldLogger
}

// New creates a Sweeper. m may be nil.
func New(svc lifecycle, m *metrics.Metrics, log logrus.FieldLogger) *Sweeper {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sweeper{svc: svc, metrics: m, log: log.WithField("component", "sweeper")}
}

// SweepExpired suspends every expired VM that is not already suspended.
// A failure on one VM is logged and the sweep moves on. The returned
// error is set only when the expired list itself cannot be read.
func (s *Sweeper) SweepExpired(ctx context.Context) (Result, error) {
	expired, err := s.svc.ListExpired(ctx, v1alpha1.SystemActor)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, rec := range expired {
		if ctx.Err() != nil {
			break
		}
		if rec.Status == v1alpha1.StatusSuspended {
			continue
		}

		log := s.log.WithFields(logrus.Fields{
			"vm":        rec.ID,
			"status":    rec.Status,
			"expiresAt": rec.ExpiresAt,
		})
		suspended, err := s.svc.SuspendExpired(ctx, rec.ID)
		switch {
		case err == nil:
			log.Info("suspended expired vm")
			res.Suspended = append(res.Suspended, suspended)
		case vm.KindOf(err) == vm.KindConflict:
			log.WithError(err).Debug("skipped expired vm")
			res.Skipped++
		default:
			log.WithError(err).Warn("failed to suspend expired vm")
			res.Failed++
		}
	}

	s.metrics.ObserveSweep(len(res.Suspended), res.Skipped, res.Failed)
	s.log.WithFields(logrus.Fields{
		"suspended": len(res.Suspended),
		"skipped":   res.Skipped,
		"failed":    res.Failed,
	}).Info("sweep complete")
	return res, nil
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepExpired(ctx); err != nil {
			s.log.WithError(err).Error("sweep failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
