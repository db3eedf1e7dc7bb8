package cli

// Config holds the global flags shared by every command
type Config struct {
	ConfigFile  string
	ProjectRoot string
	Verbosity   string
	Version     string
}

// NewConfig creates a new CLI configuration with defaults
func NewConfig() *Config {
	return &Config{
		ProjectRoot: ".",
		Version:     "dev",
	}
}
