package extension

import "github.com/xraph/custodian"

// Config holds the custodian extension configuration.
// Fields can be set programmatically via ExtOption functions or loaded from
// YAML configuration files (under "extensions.custodian" or "custodian" keys).
type Config struct {
	// Config carries the connection and collection settings. The
	// connection string is only used when no Grove DB or store is
	// available.
	custodian.Config `mapstructure:",squash" yaml:",inline"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{Config: custodian.DefaultConfig()}
}
