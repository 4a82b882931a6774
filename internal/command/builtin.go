package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/joeycumines/spatial-bridge/internal/config"
	"github.com/spf13/pflag"
)

// HelpCommand displays help information for commands.
type HelpCommand struct {
	*BaseCommand
	registry *Registry
}

// NewHelpCommand creates a new help command.
func NewHelpCommand(registry *Registry) *HelpCommand {
	return &HelpCommand{
		BaseCommand: NewBaseCommand(
			"help",
			"Display help information for commands",
			"help [command]",
		),
		registry: registry,
	}
}

// Execute displays help information.
func (c *HelpCommand) Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stdout, "spatial-bridge - drive sandboxed web content from a tracking session")
		_, _ = fmt.Fprintln(stdout, "")
		_, _ = fmt.Fprintln(stdout, "Usage: spatial-bridge [command] [options] [args...]")
		_, _ = fmt.Fprintln(stdout, "")
		_, _ = fmt.Fprintln(stdout, "Available commands:")

		w := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
		for _, name := range c.registry.List() {
			if cmd, err := c.registry.Get(name); err == nil {
				_, _ = fmt.Fprintf(w, "  %s\t%s\n", name, cmd.Description())
			}
		}
		_ = w.Flush()

		_, _ = fmt.Fprintln(stdout, "")
		_, _ = fmt.Fprintln(stdout, "With no command, run is assumed.")
		_, _ = fmt.Fprintln(stdout, "Use 'spatial-bridge help <command>' for more information about a specific command (includes flags).")
		return nil
	}

	cmdName := args[0]
	cmd, err := c.registry.Get(cmdName)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", cmdName)
		return err
	}

	_, _ = fmt.Fprintf(stdout, "Command: %s\n", cmd.Name())
	_, _ = fmt.Fprintf(stdout, "Description: %s\n", cmd.Description())
	_, _ = fmt.Fprintf(stdout, "Usage: %s\n", cmd.Usage())

	fs := pflag.NewFlagSet(cmd.Name(), pflag.ContinueOnError)
	cmd.SetupFlags(fs)
	if usage := fs.FlagUsages(); usage != "" {
		_, _ = fmt.Fprintln(stdout, "")
		_, _ = fmt.Fprintln(stdout, "Flags:")
		_, _ = fmt.Fprint(stdout, usage)
	}
	return nil
}

// VersionCommand displays version information.
type VersionCommand struct {
	*BaseCommand
	version string
}

// NewVersionCommand creates a new version command.
func NewVersionCommand(version string) *VersionCommand {
	return &VersionCommand{
		BaseCommand: NewBaseCommand(
			"version",
			"Display version information",
			"version",
		),
		version: version,
	}
}

// Execute displays version information.
func (c *VersionCommand) Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) > 0 {
		_, _ = fmt.Fprintf(stderr, "unexpected arguments: %v\n", args)
		return errors.New("unexpected arguments")
	}
	_, _ = fmt.Fprintf(stdout, "spatial-bridge version %s\n", c.version)
	return nil
}

// ConfigCommand inspects and edits the configuration file.
type ConfigCommand struct {
	*BaseCommand
	config     *config.Config
	configPath string
	schema     *config.ConfigSchema
}

// NewConfigCommand creates a new config command. If configPath is empty,
// set resolves the default location when it runs.
func NewConfigCommand(cfg *config.Config, configPath string) *ConfigCommand {
	return &ConfigCommand{
		BaseCommand: NewBaseCommand(
			"config",
			"Show, validate and edit configuration settings",
			"config [validate | schema | <key> [value]]",
		),
		config:     cfg,
		configPath: configPath,
		schema:     config.DefaultSchema(),
	}
}

// Execute manages configuration.
func (c *ConfigCommand) Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		w := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
		for _, opt := range c.schema.Options() {
			_, _ = fmt.Fprintf(w, "%s\t%s\n", opt.Key, c.schema.Resolve(c.config, opt.Key))
		}
		return w.Flush()
	}

	switch args[0] {
	case "validate":
		return c.executeValidate(stdout)
	case "schema":
		_, _ = fmt.Fprint(stdout, c.schema.FormatHelp())
		return nil
	}

	switch len(args) {
	case 1:
		key := args[0]
		if c.schema.Lookup(key) == nil {
			if _, ok := c.config.Get(key); !ok {
				_, _ = fmt.Fprintf(stdout, "Configuration key '%s' not found\n", key)
				return nil
			}
		}
		_, _ = fmt.Fprintf(stdout, "%s: %s\n", key, c.schema.Resolve(c.config, key))
		return nil

	case 2:
		key, value := args[0], args[1]
		if c.schema.Lookup(key) == nil {
			_, _ = fmt.Fprintf(stderr, "Warning: %q is not a known option\n", key)
		}
		path := c.configPath
		if path == "" {
			p, err := config.GetConfigPath()
			if err != nil {
				return fmt.Errorf("locate config: %w", err)
			}
			path = p
		}
		if err := config.SetKeyInFile(path, key, value); err != nil {
			return err
		}
		c.config.Set(key, value)
		_, _ = fmt.Fprintf(stdout, "Set configuration: %s = %s\n", key, value)
		return nil
	}

	_, _ = fmt.Fprintln(stderr, "Invalid number of arguments")
	return errors.New("invalid arguments")
}

// executeValidate validates the current config against the schema.
func (c *ConfigCommand) executeValidate(stdout io.Writer) error {
	issues := config.ValidateConfig(c.config, c.schema)
	if _, err := c.schema.Settings(c.config); err != nil {
		issues = append(issues, err.Error())
	}
	if len(issues) == 0 {
		_, _ = fmt.Fprintln(stdout, "Configuration is valid.")
		return nil
	}
	_, _ = fmt.Fprintf(stdout, "Configuration has %d issue(s):\n", len(issues))
	for _, issue := range issues {
		_, _ = fmt.Fprintf(stdout, "  - %s\n", issue)
	}
	return nil
}
