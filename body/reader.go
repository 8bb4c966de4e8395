/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package body

import (
	"bufio"
	"errors"
	"io"
	"strconv"
)

// Type identifies how the logical end of an HTTP body is determined.
type Type int

const (
	// ReadUntilEOF reads until the underlying source is closed.
	ReadUntilEOF Type = iota
	// ContentLength reads exactly the configured number of bytes.
	ContentLength
	// Chunked reads a chunked-transfer-encoded body, trailer included.
	Chunked
)

// defaultLineSize mirrors the teacher's line-cache pre-allocation hint.
const defaultLineSize = 64

// state enumerates the Chunked sub-states of spec §4.A.
type state int

const (
	stateAwaitingSize state = iota
	stateReadingData
	stateAwaitingCRLF // next expected byte tracked in crlfExpect
	stateReadingTrailer
	stateEOF
)

var (
	// ErrInvalidData is returned for any malformed chunked framing byte.
	ErrInvalidData = errors.New("invalid chunked body data")
	// ErrLineTooLong is returned when a chunk size line exceeds the configured maximum.
	ErrLineTooLong = errors.New("chunk size line too long")
	// ErrTrailerTooLong is returned when a trailer line exceeds the configured maximum.
	ErrTrailerTooLong = errors.New("trailer line too long")
)

// Reader is a stateful io.Reader over a length, chunked, or
// read-until-close HTTP body. It never reads one byte past the body's
// logical end, and relays every wire byte it consumes unchanged.
type Reader struct {
	src        *bufio.Reader
	typ        Type
	maxLineLen int

	// ContentLength / chunk-data bookkeeping.
	remaining int64

	// Chunked-only bookkeeping.
	st            state
	crlfExpect    byte
	sizeLineCache []byte
	trailerLen    int
	trailerLast   byte

	finished bool
}

// New builds a Reader for the given body Type. maxLineLen bounds
// chunk-size and trailer line length (0 selects a 1024-byte default,
// matching the teacher's reader).
func New(src *bufio.Reader, typ Type, contentLength int64, maxLineLen int) *Reader {
	if maxLineLen <= 0 {
		maxLineLen = 1024
	}
	r := &Reader{src: src, typ: typ, maxLineLen: maxLineLen}
	switch typ {
	case ContentLength:
		r.remaining = contentLength
		if contentLength == 0 {
			r.finished = true
		}
	case Chunked:
		r.st = stateAwaitingSize
		r.sizeLineCache = make([]byte, 0, defaultLineSize)
	}
	return r
}

// NewChunkedAfterPreview builds a Reader already positioned inside a
// chunk's data, for use after an ICAP preview has consumed the chunk's
// size line (spec §4.A).
func NewChunkedAfterPreview(src *bufio.Reader, maxLineLen int, nextChunkSize int64) *Reader {
	if maxLineLen <= 0 {
		maxLineLen = 1024
	}
	r := &Reader{src: src, typ: Chunked, maxLineLen: maxLineLen}
	r.sizeLineCache = make([]byte, 0, defaultLineSize)
	if nextChunkSize == 0 {
		r.st = stateReadingTrailer
	} else {
		r.st = stateReadingData
		r.remaining = nextChunkSize
	}
	return r
}

// Finished reports whether the logical end of body has been reached.
func (r *Reader) Finished() bool { return r.finished }

func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	switch r.typ {
	case ReadUntilEOF:
		return r.readUntilEOF(p)
	case ContentLength:
		return r.readContentLength(p)
	case Chunked:
		return r.readChunked(p)
	default:
		return 0, errors.New("body: unknown body type")
	}
}

func (r *Reader) readUntilEOF(p []byte) (int, error) {
	if r.finished {
		return 0, io.EOF
	}
	n, err := r.src.Read(p)
	if n == 0 && err == nil {
		// bufio never returns (0, nil); defensive only.
		return 0, nil
	}
	if err == io.EOF {
		r.finished = true
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	}
	return n, err
}

func (r *Reader) readContentLength(p []byte) (int, error) {
	if r.finished {
		return 0, io.EOF
	}
	want := int64(len(p))
	if want > r.remaining {
		want = r.remaining
	}
	n, err := io.ReadFull(r.src, p[:want])
	r.remaining -= int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return n, io.ErrUnexpectedEOF
		}
		return n, err
	}
	if r.remaining == 0 {
		r.finished = true
	}
	return n, nil
}

// readChunked advances the Chunked state machine, filling as much of p
// as is immediately available, mirroring the priority loop of the
// teacher's poll_chunked: it keeps consuming wire bytes into p until p
// is full or the logical end of body is reached.
func (r *Reader) readChunked(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		switch r.st {
		case stateEOF:
			r.finished = true
			if n > 0 {
				return n, nil
			}
			return 0, io.EOF
		case stateAwaitingSize:
			m, err := r.stepAwaitingSize(p[n:])
			n += m
			if err != nil {
				return n, err
			}
		case stateReadingData:
			m, err := r.stepReadingData(p[n:])
			n += m
			if err != nil {
				return n, err
			}
		case stateAwaitingCRLF:
			m, err := r.stepAwaitingCRLF(p[n:])
			n += m
			if err != nil {
				return n, err
			}
		case stateReadingTrailer:
			m, err := r.stepReadingTrailer(p[n:])
			n += m
			if err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func (r *Reader) stepAwaitingSize(p []byte) (int, error) {
	b, err := r.src.ReadByte()
	if err != nil {
		return 0, io.ErrUnexpectedEOF
	}
	p[0] = b

	wasCR := len(r.sizeLineCache) > 0 && r.sizeLineCache[len(r.sizeLineCache)-1] == '\r'
	if wasCR {
		if b != '\n' {
			return 1, ErrInvalidData
		}
		sz, perr := parseChunkSizeLine(r.sizeLineCache)
		r.sizeLineCache = r.sizeLineCache[:0]
		if perr != nil {
			return 1, perr
		}
		if sz == 0 {
			r.st = stateReadingTrailer
		} else {
			r.remaining = sz
			r.st = stateReadingData
		}
		return 1, nil
	}

	if len(r.sizeLineCache)+1 >= r.maxLineLen {
		return 1, ErrLineTooLong
	}
	r.sizeLineCache = append(r.sizeLineCache, b)
	return 1, nil
}

func parseChunkSizeLine(line []byte) (int64, error) {
	// line holds everything up to and excluding the trailing \r; chunk
	// extensions after ';' are ignored, matching spec's grammar
	// `HEX[;...]CRLF`.
	s := line
	if i := indexByte(s, '\r'); i >= 0 {
		s = s[:i]
	}
	if i := indexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	if len(s) == 0 {
		return 0, ErrInvalidData
	}
	v, err := strconv.ParseUint(string(s), 16, 63)
	if err != nil {
		return 0, ErrInvalidData
	}
	return int64(v), nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func (r *Reader) stepReadingData(p []byte) (int, error) {
	want := int64(len(p))
	if want > r.remaining {
		want = r.remaining
	}
	if want == 0 {
		r.st = stateAwaitingCRLF
		r.crlfExpect = '\r'
		return 0, nil
	}
	n, err := io.ReadFull(r.src, p[:want])
	r.remaining -= int64(n)
	if err != nil {
		return n, io.ErrUnexpectedEOF
	}
	if r.remaining == 0 {
		r.st = stateAwaitingCRLF
		r.crlfExpect = '\r'
	}
	return n, nil
}

func (r *Reader) stepAwaitingCRLF(p []byte) (int, error) {
	b, err := r.src.ReadByte()
	if err != nil {
		return 0, io.ErrUnexpectedEOF
	}
	if b != r.crlfExpect {
		return 0, ErrInvalidData
	}
	p[0] = b
	if r.crlfExpect == '\r' {
		r.crlfExpect = '\n'
	} else {
		r.st = stateAwaitingSize
	}
	return 1, nil
}

func (r *Reader) stepReadingTrailer(p []byte) (int, error) {
	b, err := r.src.ReadByte()
	if err != nil {
		return 0, io.ErrUnexpectedEOF
	}
	p[0] = b

	if r.trailerLen != 0 && r.trailerLast == '\r' {
		if b != '\n' {
			return 1, ErrInvalidData
		}
		finishedLine := r.trailerLen
		r.trailerLen = 0
		r.trailerLast = 0
		// trailerLen counts the line up to and including its '\r', so a
		// line holding only the '\r' is the empty line ending the trailer.
		if finishedLine == 1 {
			r.st = stateEOF
		}
		return 1, nil
	}

	if r.trailerLen+1 >= r.maxLineLen {
		return 1, ErrTrailerTooLong
	}
	r.trailerLast = b
	r.trailerLen++
	return 1, nil
}
