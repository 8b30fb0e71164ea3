package environment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/i474232898/envirodata/internal/stats"
	"github.com/i474232898/envirodata/internal/timezone"
)

// ErrDuplicateVariable is returned when a Service lists a variable twice.
var ErrDuplicateVariable = errors.New("duplicate variable")

// Service binds a set of variables to one loader and one getter. Both
// backends are constructed on first use and kept for the Service lifetime.
type Service struct {
	label     string
	variables []Variable
	byName    map[string]int
	tz        timezone.Resolver

	newLoader func() (Loader, error)
	newGetter func() (Getter, error)

	loaderMu sync.Mutex
	loader   Loader

	// getterMu guards getter construction and serializes queries.
	getterMu sync.Mutex
	getter   Getter
}

// NewService validates variables and backend specs. Backends themselves are
// not constructed until Load or Get needs them.
func NewService(label string, variables []Variable, input, output BackendSpec, reg *Registry, tz timezone.Resolver) (*Service, error) {
	if label == "" {
		return nil, fmt.Errorf("service label must not be empty")
	}
	byName := make(map[string]int, len(variables))
	for i, v := range variables {
		if _, dup := byName[v.Name]; dup {
			return nil, fmt.Errorf("service %s: %w: %s", label, ErrDuplicateVariable, v.Name)
		}
		byName[v.Name] = i
	}
	newLoader, err := reg.loader(input)
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", label, err)
	}
	newGetter, err := reg.getter(output)
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", label, err)
	}
	return &Service{
		label:     label,
		variables: variables,
		byName:    byName,
		tz:        tz,
		newLoader: newLoader,
		newGetter: newGetter,
	}, nil
}

// Label returns the service's unique label.
func (s *Service) Label() string { return s.label }

// Variables returns the configured variables in order.
func (s *Service) Variables() []Variable { return s.variables }

func (s *Service) ensureLoader() (Loader, error) {
	s.loaderMu.Lock()
	defer s.loaderMu.Unlock()
	if s.loader == nil {
		l, err := s.newLoader()
		if err != nil {
			return nil, fmt.Errorf("construct loader: %w", err)
		}
		s.loader = l
	}
	return s.loader, nil
}

// ensureGetter must be called with getterMu held.
func (s *Service) ensureGetter() (Getter, error) {
	if s.getter == nil {
		g, err := s.newGetter()
		if err != nil {
			return nil, fmt.Errorf("construct getter: %w", err)
		}
		s.getter = g
	}
	return s.getter, nil
}

// Load fills the backend cache for [start, end].
func (s *Service) Load(ctx context.Context, start, end time.Time) error {
	l, err := s.ensureLoader()
	if err != nil {
		return fmt.Errorf("service %s: %w", s.label, err)
	}
	log := zerolog.Ctx(ctx).With().Str("service", s.label).Logger()
	log.Info().Time("start", start).Time("end", end).Msg("loading")
	if err := l.Load(log.WithContext(ctx), start.UTC(), end.UTC()); err != nil {
		return fmt.Errorf("service %s: %w", s.label, err)
	}
	log.Info().Msg("load finished")
	return nil
}

// Get computes statistics for the requested variables, or for all variables
// when none are named. Names the service does not know are skipped.
func (s *Service) Get(ctx context.Context, instant time.Time, lon, lat float64, variables []string) (Variables, error) {
	if instant.IsZero() {
		return nil, ErrInvalidInstant
	}
	loc, err := s.tz.Locate(lon, lat)
	if err != nil {
		return nil, err
	}
	return s.get(ctx, instant, lon, lat, loc, variables)
}

func (s *Service) get(ctx context.Context, instant time.Time, lon, lat float64, loc *time.Location, variables []string) (Variables, error) {
	selected := s.selectVariables(variables)
	out := make(Variables, len(selected))
	if len(selected) == 0 {
		return out, nil
	}

	s.getterMu.Lock()
	defer s.getterMu.Unlock()

	g, err := s.ensureGetter()
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", s.label, err)
	}
	log := zerolog.Ctx(ctx).With().Str("service", s.label).Logger()
	ctx = log.WithContext(ctx)
	var errs []error
	for _, v := range selected {
		st, err := Aggregate(ctx, g, instant, lon, lat, loc, v)
		if err != nil {
			// The variable degrades to missing; the others are still answered.
			log.Warn().Err(err).Str("variable", v.Name).Msg("sampling failed")
			errs = append(errs, err)
			st = missingStatistics(v)
		}
		out[v.Name] = st
	}
	if len(errs) == len(selected) {
		return nil, fmt.Errorf("service %s: %w", s.label, errors.Join(errs...))
	}
	return out, nil
}

func missingStatistics(v Variable) Statistics {
	st := make(Statistics, len(v.Statistics))
	for _, s := range v.Statistics {
		st[s.Name] = stats.Value(stats.Missing())
	}
	return st
}

func (s *Service) selectVariables(names []string) []Variable {
	if len(names) == 0 {
		return s.variables
	}
	out := make([]Variable, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		i, ok := s.byName[n]
		if !ok || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, s.variables[i])
	}
	return out
}

// Close releases backends that hold resources.
func (s *Service) Close() error {
	var errs []error
	s.loaderMu.Lock()
	if c, ok := s.loader.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	s.loader = nil
	s.loaderMu.Unlock()

	s.getterMu.Lock()
	if c, ok := s.getter.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	s.getter = nil
	s.getterMu.Unlock()
	return errors.Join(errs...)
}
