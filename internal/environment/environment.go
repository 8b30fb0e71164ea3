package environment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/i474232898/envirodata/internal/metrics"
	"github.com/i474232898/envirodata/internal/timezone"
)

var (
	ErrDuplicateService = errors.New("duplicate service label")
	ErrUnknownService   = errors.New("unknown service label")
)

// Environment is an ordered set of Services queried together.
type Environment struct {
	order    []string
	services map[string]*Service
	tz       timezone.Resolver
	workers  int
}

// Option configures an Environment.
type Option func(*Environment)

// WithWorkers bounds how many services load or answer concurrently.
func WithWorkers(n int) Option {
	return func(e *Environment) {
		if n > 0 {
			e.workers = n
		}
	}
}

// New registers services in order. Labels must be unique.
func New(services []*Service, tz timezone.Resolver, opts ...Option) (*Environment, error) {
	e := &Environment{
		services: make(map[string]*Service, len(services)),
		tz:       tz,
		workers:  1,
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, s := range services {
		if _, dup := e.services[s.Label()]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateService, s.Label())
		}
		e.services[s.Label()] = s
		e.order = append(e.order, s.Label())
	}
	return e, nil
}

// Labels returns service labels in registration order.
func (e *Environment) Labels() []string {
	out := make([]string, len(e.order))
	copy(out, e.order)
	return out
}

// Load fills backend caches for [start, end]. With no labels every service
// is loaded. A failing service is logged and does not stop the others; the
// returned error joins all failures.
func (e *Environment) Load(ctx context.Context, start, end time.Time, labels ...string) error {
	if len(labels) == 0 {
		labels = e.order
	}
	for _, l := range labels {
		if _, ok := e.services[l]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownService, l)
		}
	}

	log := zerolog.Ctx(ctx)
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, l := range labels {
		svc := e.services[l]
		g.Go(func() error {
			err := svc.Load(gctx, start, end)
			metrics.ObserveLoad(svc.Label(), err)
			if err != nil {
				log.Error().Err(err).Str("service", svc.Label()).Msg("load failed")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			// Failures stay local to the service.
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Get queries every service at instant for (lon, lat). Only an invalid
// instant or an unresolvable timezone fails the whole call; other errors are
// recorded on the failing service's result.
func (e *Environment) Get(ctx context.Context, instant time.Time, lon, lat float64, variables []string) (Result, error) {
	if instant.IsZero() {
		return nil, ErrInvalidInstant
	}
	loc, err := e.tz.Locate(lon, lat)
	if err != nil {
		return nil, fmt.Errorf("resolve timezone: %w", err)
	}

	log := zerolog.Ctx(ctx)
	var mu sync.Mutex
	result := make(Result, len(e.order))

	var g errgroup.Group
	g.SetLimit(e.workers)
	for _, l := range e.order {
		svc := e.services[l]
		g.Go(func() error {
			started := time.Now()
			vars, err := e.getService(ctx, svc, instant, lon, lat, loc, variables)
			metrics.ObserveQuery(svc.Label(), started, err)
			if err != nil {
				log.Error().Err(err).Str("service", svc.Label()).Msg("service query failed")
			}
			mu.Lock()
			result[svc.Label()] = ServiceResult{Variables: vars, Err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result, nil
}

func (e *Environment) getService(ctx context.Context, svc *Service, instant time.Time, lon, lat float64, loc *time.Location, variables []string) (vars Variables, err error) {
	defer func() {
		if r := recover(); r != nil {
			vars, err = nil, fmt.Errorf("service %s panicked: %v", svc.Label(), r)
		}
	}()
	return svc.get(ctx, instant, lon, lat, loc, variables)
}

// Metadata describes every service's variables.
func (e *Environment) Metadata() Metadata {
	md := make(Metadata, len(e.order))
	for _, l := range e.order {
		vars := make(map[string]VariableMetadata)
		for _, v := range e.services[l].Variables() {
			vars[v.Name] = VariableMetadata{
				Units:       v.Units,
				Description: v.Description,
				Statistics:  v.StatisticNames(),
			}
		}
		md[l] = vars
	}
	return md
}

// Close closes all services.
func (e *Environment) Close() error {
	var errs []error
	for _, l := range e.order {
		errs = append(errs, e.services[l].Close())
	}
	return errors.Join(errs...)
}
