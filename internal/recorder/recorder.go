// Package recorder captures bridge traffic for later inspection.
//
// A recording is a CBOR sequence of Records, one per pushed call or posted
// message, optionally wrapped in a zstd stream. Records are encoded with Core
// Deterministic Encoding, so the same traffic always produces the same bytes.
package recorder

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/joeycumines/spatial-bridge/internal/filelock"
	"github.com/joeycumines/spatial-bridge/internal/protocol"
	"github.com/klauspost/compress/zstd"
)

// Direction says which way a record crossed the bridge.
type Direction uint8

const (
	// Outbound is a call pushed from the host to the sandbox.
	Outbound Direction = 1
	// Inbound is a message posted by the sandbox to the host.
	Inbound Direction = 2
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "->"
	case Inbound:
		return "<-"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// Record is one recorded exchange. Exactly one of Call and Message is set.
type Record struct {
	Seq uint64 `cbor:"1,keyasint"`
	// At is the capture time in Unix nanoseconds.
	At        int64              `cbor:"2,keyasint"`
	Direction Direction          `cbor:"3,keyasint"`
	Call      *protocol.Call     `cbor:"4,keyasint,omitempty"`
	Message   *protocol.Envelope `cbor:"5,keyasint,omitempty"`
}

// Time returns At as a time.Time.
func (r Record) Time() time.Time {
	return time.Unix(0, r.At)
}

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("recorder: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		// call arguments decode into any; keep their objects JSON-friendly
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("recorder: CBOR decoder initialization failed: " + err.Error())
	}
}

// Writer appends Records to a stream. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	enc    *cbor.Encoder
	zw     *zstd.Encoder
	file   io.Closer
	lock   *filelock.Lock
	seq    uint64
	now    func() time.Time
	closed bool
}

// NewWriter writes a recording to w, zstd-compressed if compress is set.
func NewWriter(w io.Writer, compress bool) (*Writer, error) {
	rw := &Writer{now: time.Now}
	if compress {
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("recorder: zstd: %w", err)
		}
		rw.zw = zw
		w = zw
	}
	rw.enc = encMode.NewEncoder(w)
	return rw, nil
}

// Create writes a recording to a new file at path. The file stays locked
// until Close, so two sessions cannot record over each other.
func Create(path string, compress bool) (*Writer, error) {
	lock, err := filelock.Acquire(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("recorder: %w", err)
	}
	w, err := NewWriter(f, compress)
	if err != nil {
		_ = f.Close()
		_ = lock.Release()
		return nil, err
	}
	w.file = f
	w.lock = lock
	return w, nil
}

// WriteCall records an outbound call.
func (w *Writer) WriteCall(call protocol.Call) error {
	return w.write(Record{Direction: Outbound, Call: &call})
}

// WriteMessage records an inbound message.
func (w *Writer) WriteMessage(env protocol.Envelope) error {
	return w.write(Record{Direction: Inbound, Message: &env})
}

func (w *Writer) write(r Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("recorder: writer closed")
	}
	w.seq++
	r.Seq = w.seq
	r.At = w.now().UnixNano()
	if err := w.enc.Encode(r); err != nil {
		return fmt.Errorf("recorder: encode record %d: %w", r.Seq, err)
	}
	return nil
}

// Close flushes the stream and closes the file, if Create opened one.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	var errs []error
	if w.zw != nil {
		errs = append(errs, w.zw.Close())
	}
	if w.file != nil {
		errs = append(errs, w.file.Close())
	}
	errs = append(errs, w.lock.Release())
	return errors.Join(errs...)
}

// Reader reads Records back. Compression is detected from the stream.
type Reader struct {
	dec  *cbor.Decoder
	zr   *zstd.Decoder
	file io.Closer
}

// NewReader reads a recording from r.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	rr := &Reader{}
	head, err := br.Peek(len(zstdMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	var src io.Reader = br
	if bytes.Equal(head, zstdMagic) {
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("recorder: zstd: %w", err)
		}
		rr.zr = zr
		src = zr
	}
	rr.dec = decMode.NewDecoder(src)
	return rr, nil
}

// Open reads the recording at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: %w", err)
	}
	r, err := NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

// Next returns the next Record, or io.EOF at the end of the recording.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("recorder: decode: %w", err)
	}
	return rec, nil
}

// Close releases the reader.
func (r *Reader) Close() error {
	if r.zr != nil {
		r.zr.Close()
	}
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
