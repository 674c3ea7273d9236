package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/settld-labs/settld/pkg/fault"
	"github.com/settld-labs/settld/pkg/outbox"
)

// WorkerOverrides are the profile-settable subset of WorkerConfig. Zero
// values leave the env-derived setting untouched.
type WorkerOverrides struct {
	BatchSize      int           `yaml:"batchSize"`
	PollInterval   time.Duration `yaml:"pollInterval"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	MaxAttempts    int           `yaml:"maxAttempts"`
}

// Profile is a deployment profile: delivery destinations plus optional
// worker tuning, loaded from YAML.
type Profile struct {
	Name         string               `yaml:"name"`
	Destinations []outbox.Destination `yaml:"destinations"`
	Worker       *WorkerOverrides     `yaml:"worker,omitempty"`
}

// LoadProfile reads and validates a profile file. Destination filters are
// compiled here so a broken filter fails at startup, not at delivery time.
func LoadProfile(path string) (*Profile, *outbox.Router, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fault.Wrap(fault.CodeSchemaInvalid, "profile unreadable", err)
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, nil, fault.Wrap(fault.CodeSchemaInvalid, "profile does not parse", err)
	}
	router, err := outbox.NewRouter(p.Destinations)
	if err != nil {
		return nil, nil, err
	}
	return &p, router, nil
}

// Apply folds profile overrides into the worker config.
func (p *Profile) Apply(w *WorkerConfig) {
	if p.Worker == nil {
		return
	}
	if p.Worker.BatchSize > 0 {
		w.BatchSize = p.Worker.BatchSize
	}
	if p.Worker.PollInterval > 0 {
		w.PollInterval = p.Worker.PollInterval
	}
	if p.Worker.RequestTimeout > 0 {
		w.RequestTimeout = p.Worker.RequestTimeout
	}
	if p.Worker.MaxAttempts > 0 {
		w.MaxAttempts = p.Worker.MaxAttempts
	}
}
