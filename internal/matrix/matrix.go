// Package matrix converts 4x4 transforms between their in-memory form and the
// textual wire representation shared with the sandbox.
//
// The wire form is a JSON array of 16 numbers in column-major order: column 0's
// four components first, then column 1, and so on. This is the same layout
// [mgl32.Mat4] uses in memory, so encoding is a straight copy.
package matrix

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
)

// Size is the number of elements in a flattened transform.
const Size = 16

// Transform is a 4x4 affine matrix in the tracking subsystem's world space,
// stored column-major.
type Transform = mgl32.Mat4

// ErrDecode is matched (via errors.Is) by every error returned from Decode.
var ErrDecode = errors.New("matrix: decode error")

// DecodeError reports a malformed or short transform payload.
type DecodeError struct {
	// Reason is a short description of what was wrong with the input.
	Reason string
	// Err is the underlying parse error, if any.
	Err error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("matrix: decode: %s: %v", e.Reason, e.Err)
	}
	return "matrix: decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Identity returns the identity transform.
func Identity() Transform {
	return mgl32.Ident4()
}

// Translation returns a transform that only translates by (x, y, z).
func Translation(x, y, z float32) Transform {
	return mgl32.Translate3D(x, y, z)
}

// Flatten returns the column-major elements of t as a new slice.
func Flatten(t Transform) []float32 {
	out := make([]float32, Size)
	copy(out, t[:])
	return out
}

// FromSlice builds a transform from the first 16 column-major elements of s.
// Trailing elements are ignored.
func FromSlice(s []float32) (Transform, error) {
	if len(s) < Size {
		return Transform{}, &DecodeError{Reason: fmt.Sprintf("need %d elements, got %d", Size, len(s))}
	}
	var t Transform
	copy(t[:], s[:Size])
	return t, nil
}

// Encode serializes t as a JSON array of 16 numbers, column-major.
func Encode(t Transform) string {
	b, err := json.Marshal(t[:])
	if err != nil {
		// float32 slices only fail on NaN/Inf, which valid transforms never hold
		panic(fmt.Sprintf("matrix: encode: %v", err))
	}
	return string(b)
}

// Decode parses a wire string produced by Encode (or by the sandbox).
//
// The input must be a JSON array whose first 16 elements are numbers
// representable as float32. Extra trailing elements are ignored, but every
// element must still be numeric. Any other input yields a *DecodeError.
func Decode(s string) (Transform, error) {
	var raw []*float32
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return Transform{}, &DecodeError{Reason: "not a JSON array of numbers", Err: err}
	}
	if raw == nil {
		return Transform{}, &DecodeError{Reason: "null transform"}
	}
	if len(raw) < Size {
		return Transform{}, &DecodeError{Reason: fmt.Sprintf("need %d elements, got %d", Size, len(raw))}
	}
	var t Transform
	for i, v := range raw {
		if v == nil {
			return Transform{}, &DecodeError{Reason: fmt.Sprintf("element %d is null", i)}
		}
		if i < Size {
			t[i] = *v
		}
	}
	return t, nil
}
