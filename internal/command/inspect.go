package command

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/joeycumines/spatial-bridge/internal/recorder"
	"github.com/spf13/pflag"
)

// InspectCommand prints a traffic recording made by run --record.
type InspectCommand struct {
	*BaseCommand
	diagnostic bool
	direction  string
	function   string
}

// NewInspectCommand creates a new inspect command.
func NewInspectCommand() *InspectCommand {
	return &InspectCommand{
		BaseCommand: NewBaseCommand(
			"inspect",
			"Print a recorded bridge session",
			"inspect [options] <recording>",
		),
	}
}

// SetupFlags configures the flags for the inspect command.
func (c *InspectCommand) SetupFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&c.diagnostic, "diag", false, "Print records in CBOR diagnostic notation")
	fs.StringVarP(&c.direction, "direction", "d", "", "Only show pushes (out) or sandbox messages (in)")
	fs.StringVarP(&c.function, "name", "n", "", "Only show pushes to this function or messages with this name")
}

// Execute dumps the recording named by args[0].
func (c *InspectCommand) Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) != 1 {
		_, _ = fmt.Fprintf(stderr, "Usage: %s\n", c.Usage())
		return errors.New("expected exactly one recording")
	}

	var want recorder.Direction
	switch c.direction {
	case "":
	case "out":
		want = recorder.Outbound
	case "in":
		want = recorder.Inbound
	default:
		return fmt.Errorf("invalid direction %q: want in or out", c.direction)
	}

	r, err := recorder.Open(args[0])
	if err != nil {
		return err
	}
	defer r.Close()

	opts := recorder.DumpOptions{Diagnostic: c.diagnostic}
	if want != 0 || c.function != "" {
		opts.Filter = func(rec recorder.Record) bool {
			if want != 0 && rec.Direction != want {
				return false
			}
			if c.function == "" {
				return true
			}
			switch {
			case rec.Call != nil:
				return rec.Call.Function == c.function || rec.Call.Method() == c.function
			case rec.Message != nil:
				return rec.Message.Name == c.function
			}
			return false
		}
	}

	n, err := recorder.Dump(stdout, r, opts)
	if err != nil {
		return fmt.Errorf("after %d records: %w", n, err)
	}
	return nil
}
