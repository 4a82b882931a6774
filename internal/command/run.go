package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"

	"github.com/joeycumines/spatial-bridge/internal/bridge"
	"github.com/joeycumines/spatial-bridge/internal/config"
	"github.com/joeycumines/spatial-bridge/internal/logging"
	"github.com/joeycumines/spatial-bridge/internal/recorder"
	"github.com/joeycumines/spatial-bridge/internal/sandbox"
	"github.com/joeycumines/spatial-bridge/internal/sandbox/browser"
	"github.com/joeycumines/spatial-bridge/internal/tracking"
	"github.com/joeycumines/spatial-bridge/internal/tracking/sim"
	"github.com/spf13/pflag"
)

// RunCommand drives a sandbox from a simulated tracking session.
type RunCommand struct {
	*BaseCommand
	config    *config.Config
	schema    *config.ConfigSchema
	overrides map[string]*string
	fs        *pflag.FlagSet
}

// NewRunCommand creates a new run command reading defaults from cfg.
func NewRunCommand(cfg *config.Config) *RunCommand {
	return &RunCommand{
		BaseCommand: NewBaseCommand(
			"run",
			"Load content into a sandbox and stream tracking data to it",
			"run [options] [scene-url]",
		),
		config: cfg,
		schema: config.DefaultSchema(),
	}
}

// SetupFlags adds one flag per configuration option, named by its key.
// A flag given on the command line overrides the file and the environment.
func (c *RunCommand) SetupFlags(fs *pflag.FlagSet) {
	c.fs = fs
	c.overrides = make(map[string]*string)
	for _, opt := range c.schema.Options() {
		c.overrides[opt.Key] = fs.String(opt.Key, opt.Default, opt.Description)
	}
}

// settings merges the changed flags and an optional scene argument over the
// loaded configuration.
func (c *RunCommand) settings(args []string) (config.Settings, error) {
	if len(args) > 1 {
		return config.Settings{}, fmt.Errorf("unexpected arguments: %v", args[1:])
	}
	merged := config.NewConfig()
	if c.config != nil {
		maps.Copy(merged.Values, c.config.Values)
	}
	pinned := make(map[string]bool)
	if c.fs != nil {
		c.fs.Visit(func(f *pflag.Flag) {
			if v, ok := c.overrides[f.Name]; ok {
				merged.Set(f.Name, *v)
				pinned[f.Name] = true
			}
		})
	}
	if len(args) == 1 {
		merged.Set("scene.url", args[0])
		pinned["scene.url"] = true
	}

	// command-line values beat the environment
	s := config.NewSchema()
	for _, opt := range c.schema.Options() {
		if pinned[opt.Key] {
			opt.EnvVar = ""
		}
		s.Register(opt)
	}
	return s.Settings(merged)
}

// Execute runs the bridge until ctx is cancelled or run.duration elapses.
func (c *RunCommand) Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	settings, err := c.settings(args)
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(logging.Options{
		Level:      settings.LogLevel,
		Format:     settings.LogFormat,
		File:       settings.LogFile,
		MaxSizeMB:  settings.LogMaxSizeMB,
		MaxBackups: settings.LogMaxFiles,
		Stderr:     stderr,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	orientation, err := tracking.ParseOrientation(settings.Orientation)
	if err != nil {
		return err
	}

	scenario := sim.DefaultScenario()
	if settings.Scenario != "" {
		if scenario, err = sim.LoadScenario(settings.Scenario); err != nil {
			return err
		}
	}
	if settings.FrameRate > 0 {
		scenario.FrameRate = settings.FrameRate
		if err := scenario.Validate(); err != nil {
			return fmt.Errorf("frame.rate: %w", err)
		}
	}
	session := sim.NewSession(scenario, sim.WithLogger(logger))

	sb, err := openSandbox(ctx, settings, logger)
	if err != nil {
		return err
	}
	if settings.Record != "" {
		w, err := recorder.Create(settings.Record, settings.RecordCompress)
		if err != nil {
			_ = sb.Close()
			return err
		}
		sb = recorder.Wrap(sb, w, logger)
	}

	ctrl, err := bridge.New(bridge.Config{
		Sandbox:     sb,
		Session:     session,
		Viewport:    tracking.Viewport{Width: settings.ViewportWidth, Height: settings.ViewportHeight},
		Orientation: orientation,
		ZNear:       settings.ClipNear,
		ZFar:        settings.ClipFar,
		Logger:      logger,
	})
	if err != nil {
		_ = sb.Close()
		return err
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			logger.Warn("run: close", slog.Any("error", err))
		}
	}()

	if err := ctrl.LoadContent(ctx, settings.SceneURL); err != nil {
		return fmt.Errorf("load %s: %w", settings.SceneURL, err)
	}
	logger.Info("run: content loaded",
		slog.String("url", settings.SceneURL),
		slog.String("sandbox", settings.Sandbox),
		slog.String("orientation", ctrl.Orientation().String()),
		slog.Int("fps", session.Scenario().FrameRate),
	)

	runCtx := ctx
	if settings.Duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, settings.Duration)
		defer cancel()
	}
	err = session.Run(runCtx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		logger.Info("run: stopped", slog.String("reason", err.Error()))
		return nil
	}
	return err
}

func openSandbox(ctx context.Context, s config.Settings, logger *slog.Logger) (sandbox.Sandbox, error) {
	switch s.Sandbox {
	case "script":
		return sandbox.NewScript(ctx,
			sandbox.WithLogger(logger),
			sandbox.WithScriptTimeout(s.ScriptTimeout),
		)
	case "browser":
		return browser.New(ctx, browser.Options{
			RemoteURL: s.BrowserRemote,
			Headless:  s.BrowserHeadless,
			Args:      s.BrowserArgs,
			Logger:    logger,
		})
	default:
		return nil, fmt.Errorf("unknown sandbox %q", s.Sandbox)
	}
}
