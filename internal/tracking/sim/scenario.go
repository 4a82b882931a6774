package sim

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultScenario []byte

// Vec3 is an (x, y, z) position in world space, metres.
type Vec3 [3]float32

// Scenario describes the simulated world: where the camera is, what surfaces
// and images exist, and when the tracker "detects" them.
type Scenario struct {
	// FrameRate is the number of frames per second Run produces.
	FrameRate int         `yaml:"frameRate" json:"frameRate"`
	Camera    CameraSpec  `yaml:"camera" json:"camera"`
	Light     *LightSpec  `yaml:"light,omitempty" json:"light,omitempty"`
	Planes    []PlaneSpec `yaml:"planes" json:"planes"`
	Images    []ImageSpec `yaml:"images" json:"images"`
}

// CameraSpec places the camera. It looks from Position at Target and sways
// sideways by Sway metres over SwayPeriod seconds.
type CameraSpec struct {
	Position Vec3 `yaml:"position" json:"position"`
	Target   Vec3 `yaml:"target" json:"target"`
	// FieldOfView is the vertical field of view in degrees.
	FieldOfView float32 `yaml:"fieldOfView" json:"fieldOfView"`
	// Aspect is the captured image's width/height, used for hit-testing.
	Aspect     float32 `yaml:"aspect" json:"aspect"`
	Sway       float32 `yaml:"sway" json:"sway"`
	SwayPeriod float32 `yaml:"swayPeriod" json:"swayPeriod"`
}

// LightSpec is a constant light estimate. A nil LightSpec means the tracker
// never produces an estimate.
type LightSpec struct {
	Intensity   float32 `yaml:"intensity" json:"intensity"`
	Temperature float32 `yaml:"temperature" json:"temperature"`
}

// PlaneSpec is a horizontal surface centred at Center with Extent (x, z).
type PlaneSpec struct {
	Name     string     `yaml:"name" json:"name"`
	Center   Vec3       `yaml:"center" json:"center"`
	Extent   [2]float32 `yaml:"extent" json:"extent"`
	AppearAt int        `yaml:"appearAt" json:"appearAt"`
}

// ImageSpec is a reference image recognized at Position from frame AppearAt.
type ImageSpec struct {
	Name     string `yaml:"name" json:"name"`
	Position Vec3   `yaml:"position" json:"position"`
	AppearAt int    `yaml:"appearAt" json:"appearAt"`
}

// DefaultScenario returns the built-in scenario: a floor plane in front of a
// standing user, a table top, one poster, indoor lighting.
func DefaultScenario() Scenario {
	s, err := ParseScenario(defaultScenario, FormatYAML)
	if err != nil {
		panic(fmt.Sprintf("sim: embedded scenario: %v", err))
	}
	return s
}

// Format selects the scenario file syntax.
type Format int

const (
	FormatYAML Format = iota
	// FormatJSON accepts JSONC: comments and trailing commas are stripped.
	FormatJSON
)

// FormatForPath picks a format from the file extension.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json", ".jsonc":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("sim: unsupported scenario extension %q", filepath.Ext(path))
	}
}

// LoadScenario reads a scenario file.
func LoadScenario(path string) (Scenario, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return Scenario{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("sim: read scenario: %w", err)
	}
	s, err := ParseScenario(data, format)
	if err != nil {
		return Scenario{}, fmt.Errorf("sim: %s: %w", path, err)
	}
	return s, nil
}

// ParseScenario decodes data, applies defaults and validates the result.
func ParseScenario(data []byte, format Format) (Scenario, error) {
	var s Scenario
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return Scenario{}, fmt.Errorf("parse yaml: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(jsonc.ToJSON(data), &s); err != nil {
			return Scenario{}, fmt.Errorf("parse json: %w", err)
		}
	default:
		return Scenario{}, fmt.Errorf("unknown format %d", format)
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

func (s *Scenario) applyDefaults() {
	if s.FrameRate <= 0 {
		s.FrameRate = 60
	}
	if s.Camera.FieldOfView <= 0 {
		s.Camera.FieldOfView = 60
	}
	if s.Camera.Aspect <= 0 {
		s.Camera.Aspect = 1125.0 / 2436.0
	}
	if s.Camera.SwayPeriod <= 0 {
		s.Camera.SwayPeriod = 4
	}
	if s.Camera.Position == s.Camera.Target {
		s.Camera.Target[2] -= 1
	}
}

// MaxFrameRate is the highest frame rate a session runs at.
const MaxFrameRate = 1000

func checkFrameRate(fps int) error {
	if fps <= 0 || fps > MaxFrameRate {
		return fmt.Errorf("frameRate must be between 1 and %d, got %d", MaxFrameRate, fps)
	}
	return nil
}

// Validate reports the first structural problem in s.
func (s Scenario) Validate() error {
	if err := checkFrameRate(s.FrameRate); err != nil {
		return err
	}
	if s.Camera.FieldOfView >= 180 {
		return fmt.Errorf("camera.fieldOfView must be below 180, got %v", s.Camera.FieldOfView)
	}
	seen := make(map[string]bool)
	for i, p := range s.Planes {
		if p.Extent[0] <= 0 || p.Extent[1] <= 0 {
			return fmt.Errorf("planes[%d]: extent must be positive", i)
		}
		if p.AppearAt < 0 {
			return fmt.Errorf("planes[%d]: appearAt must not be negative", i)
		}
		if p.Name != "" {
			if seen[p.Name] {
				return fmt.Errorf("planes[%d]: duplicate name %q", i, p.Name)
			}
			seen[p.Name] = true
		}
	}
	for i, img := range s.Images {
		if img.AppearAt < 0 {
			return fmt.Errorf("images[%d]: appearAt must not be negative", i)
		}
	}
	if s.Light != nil && s.Light.Temperature < 0 {
		return fmt.Errorf("light.temperature must not be negative")
	}
	return nil
}
