// Package argv splits a command-line string into arguments.
package argv

import (
	"errors"
	"strings"
)

var (
	// ErrUnterminatedQuote is returned when a quote is never closed.
	ErrUnterminatedQuote = errors.New("argv: unterminated quote")
	// ErrTrailingBackslash is returned when s ends in an escape.
	ErrTrailingBackslash = errors.New("argv: trailing backslash")
)

// Split parses s with POSIX-like rules:
//   - Unquoted spaces, tabs and newlines separate arguments.
//   - Single quotes keep their contents literally.
//   - Double quotes keep their contents; a backslash escapes only $, `, "
//     or \, and is literal before anything else.
//   - Outside quotes a backslash escapes the next character.
//   - Backslash-newline is a line continuation, quoted or not.
//
// There is no expansion, globbing or comment handling. An empty quoted
// string ('' or "") is an argument.
func Split(s string) ([]string, error) {
	var (
		out      []string
		buf      strings.Builder
		inArg    bool
		inSingle bool
		inDouble bool
		esc      bool
	)
	for _, r := range s {
		switch {
		case esc:
			esc = false
			if r == '\n' {
				continue
			}
			if inDouble && !strings.ContainsRune("$`\"\\", r) {
				buf.WriteRune('\\')
			}
			buf.WriteRune(r)
			inArg = true

		case inSingle:
			if r == '\'' {
				inSingle = false
			} else {
				buf.WriteRune(r)
			}

		case r == '\\':
			esc = true

		case inDouble:
			if r == '"' {
				inDouble = false
			} else {
				buf.WriteRune(r)
			}

		case r == '\'':
			inSingle, inArg = true, true
		case r == '"':
			inDouble, inArg = true, true

		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if inArg {
				out = append(out, buf.String())
				buf.Reset()
				inArg = false
			}

		default:
			buf.WriteRune(r)
			inArg = true
		}
	}

	switch {
	case inSingle || inDouble:
		return nil, ErrUnterminatedQuote
	case esc:
		return nil, ErrTrailingBackslash
	}
	if inArg {
		out = append(out, buf.String())
	}
	return out, nil
}
