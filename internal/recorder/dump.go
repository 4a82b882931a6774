package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// DumpOptions controls Dump output.
type DumpOptions struct {
	// Diagnostic prints each record in CBOR diagnostic notation instead of
	// the one-line summary.
	Diagnostic bool
	// Filter, if set, keeps only records for which it returns true.
	Filter func(Record) bool
}

// Dump writes every record from r to out and returns the number written.
func Dump(out io.Writer, r *Reader, opts DumpOptions) (int, error) {
	n := 0
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if opts.Filter != nil && !opts.Filter(rec) {
			continue
		}
		line, err := formatRecord(rec, opts.Diagnostic)
		if err != nil {
			return n, err
		}
		if _, err := fmt.Fprintln(out, line); err != nil {
			return n, err
		}
		n++
	}
}

func formatRecord(rec Record, diagnostic bool) (string, error) {
	if diagnostic {
		b, err := encMode.Marshal(rec)
		if err != nil {
			return "", fmt.Errorf("recorder: encode record %d: %w", rec.Seq, err)
		}
		return cbor.Diagnose(b)
	}

	ts := rec.Time().UTC().Format(time.RFC3339Nano)
	switch {
	case rec.Call != nil:
		args, err := json.Marshal(rec.Call.Args)
		if err != nil {
			return "", fmt.Errorf("recorder: record %d args: %w", rec.Seq, err)
		}
		return fmt.Sprintf("#%d %s %s %s %s", rec.Seq, ts, rec.Direction, rec.Call.Function, args), nil
	case rec.Message != nil:
		return fmt.Sprintf("#%d %s %s %s %s", rec.Seq, ts, rec.Direction, rec.Message.Name, rec.Message.Body), nil
	default:
		return fmt.Sprintf("#%d %s %s (empty)", rec.Seq, ts, rec.Direction), nil
	}
}
