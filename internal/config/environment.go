package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvironmentFile describes the services an Environment is built from.
type EnvironmentFile struct {
	Period   Period    `yaml:"period"`
	Workers  int       `yaml:"workers" validate:"gte=0"`
	Services []Service `yaml:"services" validate:"required,min=1,dive"`
}

// Period is the time range the caches are expected to cover.
type Period struct {
	StartDate time.Time `yaml:"start_date"`
	EndDate   time.Time `yaml:"end_date"`
}

// Contains reports whether t falls inside the period. Open ends accept all.
func (p Period) Contains(t time.Time) bool {
	if !p.StartDate.IsZero() && t.Before(p.StartDate) {
		return false
	}
	if !p.EndDate.IsZero() && t.After(p.EndDate) {
		return false
	}
	return true
}

// Service configures one labelled service.
type Service struct {
	Label     string     `yaml:"label" validate:"required"`
	Variables []Variable `yaml:"variables" validate:"required,min=1,dive"`
	Input     Backend    `yaml:"input" validate:"required"`
	Output    Backend    `yaml:"output" validate:"required"`
}

// Variable configures one variable of a service.
type Variable struct {
	Name        string   `yaml:"name" validate:"required"`
	Units       string   `yaml:"units"`
	Description string   `yaml:"description"`
	Statistics  []string `yaml:"statistics" validate:"required,min=1"`
}

// Backend names a registered backend kind and its configuration.
type Backend struct {
	Kind   string         `yaml:"kind" validate:"required"`
	Config map[string]any `yaml:"config"`
}

// LoadEnvironment reads and validates an environment file. Unknown keys are
// rejected.
func LoadEnvironment(path string) (*EnvironmentFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read environment file: %w", err)
	}
	return ParseEnvironment(data)
}

// ParseEnvironment decodes an environment file from memory.
func ParseEnvironment(data []byte) (*EnvironmentFile, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	env := &EnvironmentFile{}
	if err := dec.Decode(env); err != nil {
		return nil, fmt.Errorf("decode environment file: %w", err)
	}
	if err := validator.New().Struct(env); err != nil {
		return nil, fmt.Errorf("invalid environment file: %w", err)
	}
	if !env.Period.StartDate.IsZero() && !env.Period.EndDate.IsZero() && env.Period.EndDate.Before(env.Period.StartDate) {
		return nil, fmt.Errorf("invalid environment file: period ends before it starts")
	}
	return env, nil
}
