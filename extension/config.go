package extension

import "github.com/xraph/bastion"

// Config holds the Bastion extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.bastion" or "bastion" keys).
type Config struct {
	// DisableRoutes prevents HTTP route registration.
	DisableRoutes bool `json:"disable_routes" mapstructure:"disable_routes" yaml:"disable_routes"`

	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// Engine is passed to the engine unchanged.
	Engine bastion.Config `json:"engine" mapstructure:"engine" yaml:"engine"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Engine: bastion.DefaultConfig(),
	}
}
