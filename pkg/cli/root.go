// Package cli provides the spectre command-line interface
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/poltergeist/spectre/pkg/config"
	"github.com/poltergeist/spectre/pkg/logger"
)

// ConfigName is the base name of the configuration file searched for in
// the project root
const ConfigName = "spectre"

// CLI holds one command tree and its state; nothing is global
type CLI struct {
	config   *Config
	rootCmd  *cobra.Command
	viper    *viper.Viper
	settings *config.Config
	root     string
	logger   logger.Logger
	output   io.Writer
	errorOut io.Writer
}

// NewCLI creates a new CLI instance with the given configuration
func NewCLI(cfg *Config) *CLI {
	if cfg == nil {
		cfg = NewConfig()
	}

	c := &CLI{
		config:   cfg,
		viper:    viper.New(),
		output:   os.Stdout,
		errorOut: os.Stderr,
	}
	c.setupCommands()
	return c
}

// NewCLIWithOutput creates a CLI with custom output writers (for testing)
func NewCLIWithOutput(cfg *Config, output, errorOut io.Writer) *CLI {
	c := NewCLI(cfg)
	c.output = output
	c.errorOut = errorOut
	c.rootCmd.SetOut(output)
	c.rootCmd.SetErr(errorOut)
	return c
}

// Execute runs the CLI with the given arguments
func (c *CLI) Execute(args []string) error {
	return c.ExecuteContext(context.Background(), args)
}

// ExecuteContext runs the CLI with context support
func (c *CLI) ExecuteContext(ctx context.Context, args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.ExecuteContext(ctx)
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "spectre",
		Short: "Incremental execution engine for units of work",
		Long: `spectre runs a graph of units of work and skips every unit whose inputs
and outputs are unchanged since its last execution. Outputs of cacheable
units are stored in a build cache and restored instead of re-executing.`,

		PersistentPreRunE: c.initializeConfig,
		SilenceUsage:      true,
		SilenceErrors:     true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := c.rootCmd.PersistentFlags()
	flags.StringVar(&c.config.ConfigFile, "config", "", "config file (default: spectre.yaml in the project root)")
	flags.StringVar(&c.config.ProjectRoot, "root", c.config.ProjectRoot, "project root directory")
	flags.StringVarP(&c.config.Verbosity, "verbosity", "v", "", "log level (debug, info, warn, error)")

	c.rootCmd.Version = c.config.Version
	c.rootCmd.SetVersionTemplate("spectre v{{.Version}}\n")

	c.rootCmd.AddCommand(
		c.newRunCmd(),
		c.newWatchCmd(),
		c.newStatusCmd(),
		c.newListCmd(),
		c.newValidateCmd(),
		c.newCleanCmd(),
		c.newVersionCmd(),
	)
}

func (c *CLI) initializeConfig(cmd *cobra.Command, _ []string) error {
	root, err := filepath.Abs(c.config.ProjectRoot)
	if err != nil {
		return fmt.Errorf("resolve project root: %w", err)
	}
	c.root = root

	v := c.viper
	if c.config.ConfigFile != "" {
		v.SetConfigFile(c.config.ConfigFile)
	} else {
		v.AddConfigPath(root)
		v.SetConfigName(ConfigName)
	}
	v.SetEnvPrefix("SPECTRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"parallelism", "logLevel", "stateDir", "workfile", "history.scope", "cache.enabled"} {
		if err := v.BindEnv(key); err != nil {
			return err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if c.config.ConfigFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	settings, err := config.NewManager().LoadFromViper(v)
	if err != nil {
		return err
	}
	if c.config.Verbosity != "" {
		settings.LogLevel = c.config.Verbosity
	}
	c.settings = settings

	if c.errorOut == os.Stderr {
		c.logger = logger.CreateLogger(settings.LogFile, settings.LogLevel)
	} else {
		c.logger = logger.CreateLoggerWithOutput(settings.LogLevel, c.errorOut)
	}
	if used := v.ConfigFileUsed(); used != "" {
		c.logger.Debug("Using config file", logger.WithField("file", used))
	}
	return nil
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of spectre",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.output, "spectre v%s\n", c.config.Version)
		},
	}
}

// Helper methods for structured output

func (c *CLI) printInfo(message string) {
	fmt.Fprintf(c.output, "%s %s\n", color.CyanString("[spectre]"), message)
}

func (c *CLI) printSuccess(message string) {
	fmt.Fprintf(c.output, "%s %s\n", color.GreenString("[spectre]"), message)
}

func (c *CLI) printWarning(message string) {
	fmt.Fprintf(c.output, "%s %s\n", color.YellowString("[spectre]"), message)
}

// Execute runs the spectre command line with os.Args
func Execute(ctx context.Context, version string) error {
	cfg := NewConfig()
	cfg.Version = version
	return NewCLI(cfg).ExecuteContext(ctx, os.Args[1:])
}
