// Package stream recovers discrete protocol frames from arbitrarily chunked
// byte streams.
//
// Two framings are supported: text frames separated by a delimiter (the
// server-sent events used by most vendors) and the self-describing binary
// frames of the AWS event stream. Framers are fed chunks as they arrive and
// return every frame completed by that chunk; the unterminated remainder is
// kept for the next call, so the decoded frame sequence does not depend on how
// the transport split the bytes.
package stream

import (
	"bytes"
	"encoding/binary"
	"io"
	"iter"

	"github.com/m4xw311/tandem/errors"
)

const (
	// DelimLF separates SSE events on most endpoints.
	DelimLF = "\n\n"
	// DelimCRLF separates SSE events on the generate-content endpoint.
	DelimCRLF = "\r\n\r\n"

	preludeLen = 12
	// prelude plus the trailing message CRC
	frameOverhead = 16
)

var ErrFrameTooShort = errors.Sentinel("event stream frame shorter than its prelude")

// Framer turns a chunk stream into frames. Feed never drops bytes and never
// returns a partial frame.
type Framer interface {
	Feed(chunk []byte) ([][]byte, error)
}

// TextFramer splits on a fixed delimiter. Returned frames exclude the
// delimiter.
type TextFramer struct {
	delim []byte
	buf   []byte
}

func NewTextFramer(delim string) *TextFramer {
	return &TextFramer{delim: []byte(delim)}
}

func (f *TextFramer) Feed(chunk []byte) ([][]byte, error) {
	// Rescan a delimiter that may straddle the previous chunk boundary.
	start := len(f.buf) - len(f.delim) + 1
	if start < 0 {
		start = 0
	}
	f.buf = append(f.buf, chunk...)

	var frames [][]byte
	consumed := 0
	for {
		i := bytes.Index(f.buf[start:], f.delim)
		if i < 0 {
			break
		}
		end := start + i
		frames = append(frames, bytes.Clone(f.buf[consumed:end]))
		consumed = end + len(f.delim)
		start = consumed
	}
	if consumed > 0 {
		f.buf = append(f.buf[:0], f.buf[consumed:]...)
	}
	return frames, nil
}

// Remainder returns the bytes buffered after the last complete frame.
func (f *TextFramer) Remainder() []byte {
	return f.buf
}

// BinaryFramer splits AWS event-stream messages. A message starts with a
// 12-byte prelude: total length and headers length as big-endian uint32,
// followed by a prelude CRC.
type BinaryFramer struct {
	buf []byte
}

func NewBinaryFramer() *BinaryFramer {
	return &BinaryFramer{}
}

func (f *BinaryFramer) Feed(chunk []byte) ([][]byte, error) {
	f.buf = append(f.buf, chunk...)

	var frames [][]byte
	consumed := 0
	for len(f.buf)-consumed >= preludeLen {
		rest := f.buf[consumed:]
		total := int(binary.BigEndian.Uint32(rest[0:4]))
		headers := int(binary.BigEndian.Uint32(rest[4:8]))
		if total < frameOverhead || headers > total-frameOverhead {
			return frames, errors.Wrapf(ErrFrameTooShort, "total length %d, headers length %d", total, headers)
		}
		if len(rest) < total {
			break
		}
		frames = append(frames, bytes.Clone(rest[:total]))
		consumed += total
	}
	if consumed > 0 {
		f.buf = append(f.buf[:0], f.buf[consumed:]...)
	}
	return frames, nil
}

// Remainder returns the bytes buffered after the last complete frame.
func (f *BinaryFramer) Remainder() []byte {
	return f.buf
}

// Payload returns the payload section of a complete binary frame without
// verifying checksums.
func Payload(frame []byte) ([]byte, error) {
	if len(frame) < frameOverhead {
		return nil, ErrFrameTooShort
	}
	total := int(binary.BigEndian.Uint32(frame[0:4]))
	headers := int(binary.BigEndian.Uint32(frame[4:8]))
	if total != len(frame) || headers > total-frameOverhead {
		return nil, errors.Wrapf(ErrFrameTooShort, "frame of %d bytes declares %d", len(frame), total)
	}
	start := preludeLen + headers
	return frame[start : start+total-headers-frameOverhead], nil
}

const readSize = 32 * 1024

// Frames reads r sequentially and yields each frame as soon as it is complete.
// A read error other than io.EOF is yielded once and ends the sequence.
func Frames(r io.Reader, f Framer) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		buf := make([]byte, readSize)
		for {
			n, readErr := r.Read(buf)
			if n > 0 {
				frames, err := f.Feed(buf[:n])
				for _, frame := range frames {
					if !yield(frame, nil) {
						return
					}
				}
				if err != nil {
					yield(nil, err)
					return
				}
			}
			if readErr == io.EOF {
				return
			}
			if readErr != nil {
				yield(nil, errors.Wrapf(readErr, "failed to read stream"))
				return
			}
		}
	}
}
