package sandbox

import (
	"bytes"
	"runtime"
	"strconv"
)

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the current goroutine's ID from its stack header
// ("goroutine 123 [running]:"). It returns 0 if the header is unrecognised.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return parseGoroutineID(buf[:n])
}

func parseGoroutineID(stack []byte) int64 {
	rest, ok := bytes.CutPrefix(stack, goroutinePrefix)
	if !ok {
		return 0
	}
	end := bytes.IndexByte(rest, ' ')
	if end <= 0 {
		return 0
	}
	id, err := strconv.ParseInt(string(rest[:end]), 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}
