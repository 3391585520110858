// Package stream decodes server-sent event bodies produced by generation backends.
package stream

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/nulzo/novel-gateway/internal/llm"
)

// Done is the sentinel payload that ends a stream.
const Done = "[DONE]"

var dataPrefix = []byte("data:")

// Record is what a provider parser extracts from one data payload.
type Record struct {
	Token string
	Usage *llm.Usage
}

// RecordParser decodes a single data payload. Errors are treated as a malformed
// line and skipped unless wrapped with Abort.
type RecordParser func(data []byte) (Record, error)

type abortError struct {
	err error
}

func (e *abortError) Error() string { return e.err.Error() }
func (e *abortError) Unwrap() error { return e.err }

// Abort marks a parser error as terminal for the stream.
func Abort(err error) error {
	return &abortError{err: err}
}

// Decoder splits arbitrarily chunked bytes into data payloads.
type Decoder struct {
	buf  []byte
	done bool
}

// Feed appends a chunk and returns the payload of every complete data line it
// completes. Nothing is returned once the sentinel has been seen.
func (d *Decoder) Feed(chunk []byte) [][]byte {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var out [][]byte
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]

		if payload, ok := d.payload(line); ok {
			out = append(out, payload)
		}
		if d.done {
			d.buf = nil
			break
		}
	}
	return out
}

// Flush returns the payload of a trailing line that was never terminated.
func (d *Decoder) Flush() [][]byte {
	if d.done || len(d.buf) == 0 {
		return nil
	}
	line := d.buf
	d.buf = nil
	if payload, ok := d.payload(line); ok {
		return [][]byte{payload}
	}
	return nil
}

// Done reports whether the sentinel record was observed.
func (d *Decoder) Done() bool {
	return d.done
}

func (d *Decoder) payload(line []byte) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false
	}
	data := bytes.TrimSpace(line[len(dataPrefix):])
	if len(data) == 0 {
		return nil, false
	}
	if string(data) == Done {
		d.done = true
		return nil, false
	}
	// copy out of the rolling buffer, which is reused by later appends
	return append([]byte(nil), data...), true
}

// Decode reads r until EOF, the sentinel, or until emit returns false, handing
// every parsed record to emit in arrival order. Only read failures and aborted
// records are returned; malformed lines are dropped.
func Decode(ctx context.Context, r io.Reader, parse RecordParser, emit func(Record) bool) error {
	var d Decoder
	chunk := make([]byte, 4096)

	handle := func(payloads [][]byte) (bool, error) {
		for _, p := range payloads {
			rec, err := parse(p)
			if err != nil {
				var abort *abortError
				if errors.As(err, &abort) {
					return false, abort.err
				}
				continue
			}
			if rec.Token == "" && rec.Usage == nil {
				continue
			}
			if !emit(rec) {
				return false, nil
			}
		}
		return true, nil
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, readErr := r.Read(chunk)
		if n > 0 {
			more, err := handle(d.Feed(chunk[:n]))
			if err != nil || !more {
				return err
			}
			if d.Done() {
				return nil
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				_, err := handle(d.Flush())
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			return readErr
		}
	}
}
