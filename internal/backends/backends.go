// Package backends wires every concrete data source into one registry.
package backends

import (
	"github.com/i474232898/envirodata/internal/backends/airquality"
	"github.com/i474232898/envirodata/internal/backends/brightsky"
	"github.com/i474232898/envirodata/internal/backends/census"
	"github.com/i474232898/envirodata/internal/backends/raster"
	"github.com/i474232898/envirodata/internal/backends/reanalysis"
	"github.com/i474232898/envirodata/internal/backends/stations"
	"github.com/i474232898/envirodata/internal/environment"
)

// Registry returns a registry with all built-in backends.
func Registry() *environment.Registry {
	reg := environment.NewRegistry()
	reanalysis.Register(reg)
	stations.Register(reg)
	brightsky.Register(reg)
	airquality.Register(reg)
	census.Register(reg)
	raster.Register(reg)
	return reg
}
