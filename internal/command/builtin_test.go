package command

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joeycumines/spatial-bridge/internal/config"
)

func newTestRegistry(cfg *config.Config, path string) *Registry {
	registry := NewRegistry()
	registry.Register(NewHelpCommand(registry))
	registry.Register(NewVersionCommand("1.0.0"))
	registry.Register(NewConfigCommand(cfg, path))
	registry.Register(NewRunCommand(cfg))
	registry.Register(NewInspectCommand())
	return registry
}

func TestRegistry(t *testing.T) {
	registry := newTestRegistry(config.NewConfig(), "")

	got := strings.Join(registry.List(), ",")
	if got != "config,help,inspect,run,version" {
		t.Errorf("List() = %s", got)
	}
	if _, err := registry.Get("run"); err != nil {
		t.Errorf("Get(run): %v", err)
	}
	if _, err := registry.Get("nope"); err == nil {
		t.Error("expected error for unknown command")
	}
}

func TestHelpCommandExecute(t *testing.T) {
	registry := newTestRegistry(config.NewConfig(), "")
	cmd, _ := registry.Get("help")

	t.Run("general help", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		if err := cmd.Execute(context.Background(), nil, &stdout, &stderr); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		output := stdout.String()
		for _, part := range []string{
			"Usage: spatial-bridge [command]",
			"Available commands:",
			"inspect",
			"Print a recorded bridge session",
			"run is assumed",
		} {
			if !strings.Contains(output, part) {
				t.Errorf("Expected output to contain %q. Output: %s", part, output)
			}
		}
	})

	t.Run("command help lists flags", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		if err := cmd.Execute(context.Background(), []string{"run"}, &stdout, &stderr); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		output := stdout.String()
		for _, part := range []string{"Command: run", "Flags:", "--scene.url", "--browser.headless", "--record"} {
			if !strings.Contains(output, part) {
				t.Errorf("Expected output to contain %q. Output: %s", part, output)
			}
		}
	})

	t.Run("unknown command", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		if err := cmd.Execute(context.Background(), []string{"bogus"}, &stdout, &stderr); err == nil {
			t.Fatal("Expected error")
		}
		if !strings.Contains(stderr.String(), "Unknown command: bogus") {
			t.Errorf("stderr = %q", stderr.String())
		}
	})
}

func TestVersionCommand(t *testing.T) {
	cmd := NewVersionCommand("1.2.3")

	var stdout, stderr bytes.Buffer
	if err := cmd.Execute(context.Background(), nil, &stdout, &stderr); err != nil {
		t.Fatal(err)
	}
	if stdout.String() != "spatial-bridge version 1.2.3\n" {
		t.Errorf("stdout = %q", stdout.String())
	}

	if err := cmd.Execute(context.Background(), []string{"extra"}, &stdout, &stderr); err == nil {
		t.Error("expected error for extra arguments")
	}
}

func TestConfigCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	if err := os.WriteFile(path, []byte("orientation landscape-left\ncolour red\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.LoadFromPath(path)
	if err != nil {
		t.Fatal(err)
	}
	cmd := NewConfigCommand(cfg, path)
	ctx := context.Background()

	exec := func(t *testing.T, args ...string) string {
		t.Helper()
		var stdout, stderr bytes.Buffer
		if err := cmd.Execute(ctx, args, &stdout, &stderr); err != nil {
			t.Fatalf("config %v: %v (stderr %q)", args, err, stderr.String())
		}
		return stdout.String()
	}

	t.Run("show", func(t *testing.T) {
		out := exec(t)
		if !strings.Contains(out, "orientation") || !strings.Contains(out, "landscape-left") {
			t.Errorf("output missing orientation: %s", out)
		}
		if !strings.Contains(out, "viewport.width") {
			t.Errorf("output missing defaults: %s", out)
		}
	})

	t.Run("get", func(t *testing.T) {
		if out := exec(t, "orientation"); out != "orientation: landscape-left\n" {
			t.Errorf("got %q", out)
		}
		if out := exec(t, "clip.far"); out != "clip.far: 20\n" {
			t.Errorf("got %q", out)
		}
		if out := exec(t, "missing.key"); !strings.Contains(out, "not found") {
			t.Errorf("got %q", out)
		}
	})

	t.Run("validate", func(t *testing.T) {
		out := exec(t, "validate")
		if !strings.Contains(out, "1 issue(s)") || !strings.Contains(out, `unknown option: "colour"`) {
			t.Errorf("got %q", out)
		}
	})

	t.Run("schema", func(t *testing.T) {
		if out := exec(t, "schema"); !strings.Contains(out, "record.compress") {
			t.Errorf("got %q", out)
		}
	})

	t.Run("set persists", func(t *testing.T) {
		if out := exec(t, "clip.far", "40"); out != "Set configuration: clip.far = 40\n" {
			t.Errorf("got %q", out)
		}
		if out := exec(t, "clip.far"); out != "clip.far: 40\n" {
			t.Errorf("got %q", out)
		}
		reloaded, err := config.LoadFromPath(path)
		if err != nil {
			t.Fatal(err)
		}
		if v, _ := reloaded.Get("clip.far"); v != "40" {
			t.Errorf("file value = %q", v)
		}
	})

	t.Run("too many arguments", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		if err := cmd.Execute(ctx, []string{"a", "b", "c"}, &stdout, &stderr); err == nil {
			t.Error("expected error")
		}
	})
}
