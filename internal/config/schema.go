package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joeycumines/spatial-bridge/internal/argv"
)

// OptionType is the expected type of an option's value.
type OptionType string

const (
	TypeString   OptionType = "string"
	TypeBool     OptionType = "bool"
	TypeInt      OptionType = "int"
	TypeFloat    OptionType = "float"
	TypeDuration OptionType = "duration"
)

// ConfigOption declares one option.
type ConfigOption struct {
	// Key is the fully qualified option name, e.g. "browser.remote".
	Key         string
	Type        OptionType
	Default     string
	Description string
	// EnvVar overrides the file value when set.
	EnvVar string
}

// ConfigSchema is the set of known options.
type ConfigSchema struct {
	options []*ConfigOption
	byKey   map[string]*ConfigOption
}

// NewSchema returns an empty schema.
func NewSchema() *ConfigSchema {
	return &ConfigSchema{byKey: make(map[string]*ConfigOption)}
}

// Register adds opt. A later registration of the same key wins.
func (s *ConfigSchema) Register(opt ConfigOption) {
	ref := new(ConfigOption)
	*ref = opt
	if _, dup := s.byKey[opt.Key]; !dup {
		s.options = append(s.options, ref)
	} else {
		for i, o := range s.options {
			if o.Key == opt.Key {
				s.options[i] = ref
			}
		}
	}
	s.byKey[opt.Key] = ref
}

// RegisterAll adds every option in opts.
func (s *ConfigSchema) RegisterAll(opts []ConfigOption) {
	for _, opt := range opts {
		s.Register(opt)
	}
}

// Lookup returns the option for key, or nil.
func (s *ConfigSchema) Lookup(key string) *ConfigOption {
	return s.byKey[key]
}

// Options returns every option in registration order.
func (s *ConfigSchema) Options() []ConfigOption {
	out := make([]ConfigOption, len(s.options))
	for i, o := range s.options {
		out[i] = *o
	}
	return out
}

// Resolve returns the effective value for key: the option's environment
// variable if set, else the configured value, else the default.
func (s *ConfigSchema) Resolve(c *Config, key string) string {
	opt := s.Lookup(key)
	if opt != nil && opt.EnvVar != "" {
		if v, ok := os.LookupEnv(opt.EnvVar); ok {
			return v
		}
	}
	if v, ok := c.Get(key); ok {
		return v
	}
	if opt != nil {
		return opt.Default
	}
	return ""
}

// ValidateConfig reports unknown keys and values of the wrong type, sorted.
func ValidateConfig(c *Config, s *ConfigSchema) []string {
	var issues []string
	for key, value := range c.Values {
		opt := s.Lookup(key)
		if opt == nil {
			issues = append(issues, fmt.Sprintf("unknown option: %q (value: %q)", key, value))
			continue
		}
		if err := validateType(opt.Type, value); err != nil {
			issues = append(issues, fmt.Sprintf("option %q: %v", key, err))
		}
	}
	sort.Strings(issues)
	return issues
}

func validateType(t OptionType, value string) error {
	switch t {
	case TypeString, "":
		return nil
	case TypeBool:
		if _, err := parseBool(value); err != nil {
			return fmt.Errorf("expected bool, got %q", value)
		}
	case TypeInt:
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("expected int, got %q", value)
		}
	case TypeFloat:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("expected float, got %q", value)
		}
	case TypeDuration:
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("expected duration, got %q", value)
		}
	default:
		return fmt.Errorf("unknown option type %q", t)
	}
	return nil
}

// FormatHelp lists every option with its type, default and environment
// variable.
func (s *ConfigSchema) FormatHelp() string {
	var b strings.Builder
	b.WriteString("Options:\n")
	for _, o := range s.options {
		fmt.Fprintf(&b, "  %-20s %s", o.Key, o.Description)
		var parts []string
		if o.Type != "" && o.Type != TypeString {
			parts = append(parts, "type: "+string(o.Type))
		}
		if o.Default != "" {
			parts = append(parts, "default: "+o.Default)
		}
		if o.EnvVar != "" {
			parts = append(parts, "env: "+o.EnvVar)
		}
		if len(parts) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// DefaultSceneURL is the scene loaded when scene.url is not configured.
const DefaultSceneURL = "https://d1550wa51vq95s.cloudfront.net/cab395b5e46b44f3affe4957fb04cf32.scene/?arMode=true"

// DefaultSchema declares every option the bridge understands.
func DefaultSchema() *ConfigSchema {
	s := NewSchema()
	s.RegisterAll([]ConfigOption{
		{Key: "scene.url", Default: DefaultSceneURL, Description: "Content loaded into the sandbox", EnvVar: "SPATIAL_BRIDGE_SCENE_URL"},
		{Key: "scenario", Description: "Tracking scenario file (.yaml, .yml, .json, .jsonc); empty uses the built-in one"},
		{Key: "viewport.width", Type: TypeFloat, Default: "1125", Description: "Viewport width in points"},
		{Key: "viewport.height", Type: TypeFloat, Default: "2436", Description: "Viewport height in points"},
		{Key: "orientation", Default: "portrait", Description: "portrait, portrait-upside-down, landscape-left, landscape-right"},
		{Key: "clip.near", Type: TypeFloat, Default: "0.02", Description: "Near clip distance"},
		{Key: "clip.far", Type: TypeFloat, Default: "20", Description: "Far clip distance"},
		{Key: "frame.rate", Type: TypeInt, Default: "0", Description: "Tracking frames per second, at most 1000; 0 keeps the scenario rate (60 for the built-in one)"},
		{Key: "run.duration", Type: TypeDuration, Description: "Stop after this long; empty runs until interrupted"},
		{Key: "sandbox", Default: "browser", Description: "Sandbox kind: browser (web content) or script (JavaScript module)", EnvVar: "SPATIAL_BRIDGE_SANDBOX"},
		{Key: "script.timeout", Type: TypeDuration, Default: "5s", Description: "Longest a script sandbox may run content without yielding; 0 waits forever"},
		{Key: "browser.remote", Description: "DevTools websocket URL of a running browser; empty launches one", EnvVar: "SPATIAL_BRIDGE_BROWSER_REMOTE"},
		{Key: "browser.headless", Type: TypeBool, Default: "true", Description: "Launch the browser headless"},
		{Key: "browser.args", Description: "Extra switches for a launched browser, shell-quoted, e.g. --window-size=1125,2436"},
		{Key: "record", Description: "Write bridge traffic to this file"},
		{Key: "record.compress", Type: TypeBool, Default: "true", Description: "zstd-compress the recording"},
		{Key: "log.level", Default: "info", Description: "debug, info, warn, error", EnvVar: "SPATIAL_BRIDGE_LOG_LEVEL"},
		{Key: "log.format", Default: "text", Description: "text or json"},
		{Key: "log.file", Description: "Log file path; empty logs to stderr", EnvVar: "SPATIAL_BRIDGE_LOG_FILE"},
		{Key: "log.max-size-mb", Type: TypeInt, Default: "10", Description: "Log file size in MB before rotation"},
		{Key: "log.max-files", Type: TypeInt, Default: "3", Description: "Rotated log files to keep"},
	})
	return s
}

// maxFrameRate matches the simulated tracker's limit.
const maxFrameRate = 1000

// Settings is the resolved, typed configuration.
type Settings struct {
	SceneURL        string
	Scenario        string
	ViewportWidth   float32
	ViewportHeight  float32
	Orientation     string
	ClipNear        float32
	ClipFar         float32
	FrameRate       int
	Duration        time.Duration
	Sandbox         string
	ScriptTimeout   time.Duration
	BrowserRemote   string
	BrowserHeadless bool
	BrowserArgs     []string
	Record          string
	RecordCompress  bool
	LogLevel        string
	LogFormat       string
	LogFile         string
	LogMaxSizeMB    int
	LogMaxFiles     int
}

// Settings resolves every option. Unlike loading, a value of the wrong type
// is an error here.
func (s *ConfigSchema) Settings(c *Config) (Settings, error) {
	r := resolver{schema: s, config: c}
	out := Settings{
		SceneURL:        r.asString("scene.url"),
		Scenario:        r.asString("scenario"),
		ViewportWidth:   r.asFloat("viewport.width"),
		ViewportHeight:  r.asFloat("viewport.height"),
		Orientation:     r.asString("orientation"),
		ClipNear:        r.asFloat("clip.near"),
		ClipFar:         r.asFloat("clip.far"),
		FrameRate:       r.asInt("frame.rate"),
		Duration:        r.asDuration("run.duration"),
		Sandbox:         r.asString("sandbox"),
		ScriptTimeout:   r.asDuration("script.timeout"),
		BrowserRemote:   r.asString("browser.remote"),
		BrowserHeadless: r.asBool("browser.headless"),
		BrowserArgs:     r.asArgs("browser.args"),
		Record:          r.asString("record"),
		RecordCompress:  r.asBool("record.compress"),
		LogLevel:        r.asString("log.level"),
		LogFormat:       r.asString("log.format"),
		LogFile:         r.asString("log.file"),
		LogMaxSizeMB:    r.asInt("log.max-size-mb"),
		LogMaxFiles:     r.asInt("log.max-files"),
	}
	if r.err != nil {
		return Settings{}, r.err
	}
	if out.FrameRate < 0 || out.FrameRate > maxFrameRate {
		return Settings{}, fmt.Errorf("config: frame.rate: expected 0 to %d, got %d", maxFrameRate, out.FrameRate)
	}
	switch out.Sandbox {
	case "script", "browser":
	default:
		return Settings{}, fmt.Errorf("config: sandbox: expected script or browser, got %q", out.Sandbox)
	}
	return out, nil
}

// resolver keeps the first conversion error.
type resolver struct {
	schema *ConfigSchema
	config *Config
	err    error
}

func (r *resolver) asString(key string) string {
	return r.schema.Resolve(r.config, key)
}

func (r *resolver) fail(key, want, got string) {
	if r.err == nil {
		r.err = fmt.Errorf("config: %s: expected %s, got %q", key, want, got)
	}
}

func (r *resolver) asBool(key string) bool {
	v := r.asString(key)
	b, err := parseBool(v)
	if err != nil {
		r.fail(key, "bool", v)
	}
	return b
}

func (r *resolver) asInt(key string) int {
	v := r.asString(key)
	i, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, "int", v)
	}
	return i
}

func (r *resolver) asFloat(key string) float32 {
	v := r.asString(key)
	f, err := strconv.ParseFloat(v, 32)
	if err != nil {
		r.fail(key, "float", v)
	}
	return float32(f)
}

func (r *resolver) asArgs(key string) []string {
	v := r.asString(key)
	args, err := argv.Split(v)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("config: %s: %w", key, err)
	}
	return args
}

func (r *resolver) asDuration(key string) time.Duration {
	v := r.asString(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, "duration", v)
	}
	return d
}
