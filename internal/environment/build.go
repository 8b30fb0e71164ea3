package environment

import (
	"fmt"

	"github.com/i474232898/envirodata/internal/common"
	"github.com/i474232898/envirodata/internal/config"
	"github.com/i474232898/envirodata/internal/stats"
	"github.com/i474232898/envirodata/internal/timezone"
)

// Build constructs an Environment from an environment file. Every
// configuration error surfaces here, before any backend is touched.
// "{service}" in backend settings expands to the slug of the service label.
func Build(cfg *config.EnvironmentFile, reg *Registry, tz timezone.Resolver) (*Environment, error) {
	services := make([]*Service, 0, len(cfg.Services))
	for _, sc := range cfg.Services {
		vars := make([]Variable, 0, len(sc.Variables))
		for _, vc := range sc.Variables {
			st, err := stats.Resolve(vc.Statistics)
			if err != nil {
				return nil, fmt.Errorf("service %s, variable %s: %w", sc.Label, vc.Name, err)
			}
			vars = append(vars, Variable{
				Name:        vc.Name,
				Units:       vc.Units,
				Description: vc.Description,
				Statistics:  st,
			})
		}
		placeholders := map[string]string{"service": common.Slug(sc.Label)}
		svc, err := NewService(sc.Label,
			vars,
			BackendSpec{Kind: sc.Input.Kind, Config: common.ExpandPlaceholders(sc.Input.Config, placeholders)},
			BackendSpec{Kind: sc.Output.Kind, Config: common.ExpandPlaceholders(sc.Output.Config, placeholders)},
			reg, tz)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return New(services, tz, WithWorkers(cfg.Workers))
}
