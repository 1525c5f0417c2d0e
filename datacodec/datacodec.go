// Package datacodec implements the DATA-phase dot-stuffing codec of
// spec.md §4.7: an outgoing line-state machine that stuffs leading dots
// and normalises line terminators, and an incoming per-line unstuffer
// that detects the "." terminator, grounded on abligh-goms's doDATA
// line-state handling (lineStartsWithDot, the crlf-only terminator
// check) generalised to a standalone streaming encoder/decoder pair.
package datacodec

import "bytes"

// LineState is the outgoing encoder's cursor within the current line.
type LineState int

const (
	StartOfLine LineState = iota
	MidLine
	SawCR
)

// Encoder dot-stuffs an outgoing message body, byte by byte or in
// arbitrary chunks, producing identical output regardless of how the
// input was fragmented (spec.md §8's chunk-invariance property).
type Encoder struct {
	state LineState
}

// NewEncoder returns an Encoder positioned at the start of a line.
func NewEncoder() *Encoder { return &Encoder{state: StartOfLine} }

// AtLineStart reports whether the encoder is positioned to accept
// end_data(); spec.md §4.7 requires this before the terminator is
// written.
func (e *Encoder) AtLineStart() bool { return e.state == StartOfLine }

// Write stuffs p and appends the result to dst, returning the extended
// slice. Fast path: a run of bytes up to the next '\r' or '\n' is copied
// verbatim, unless it starts with a '.' at the start of a line.
func (e *Encoder) Write(dst []byte, p []byte) []byte {
	i := 0
	for i < len(p) {
		// Fast path: from start_of_line or mid_line, copy a run of plain
		// bytes up to the next \r, \n, or (if at start_of_line) '.'.
		if e.state != SawCR {
			start := i
			for i < len(p) {
				c := p[i]
				if c == '\r' || c == '\n' {
					break
				}
				if c == '.' && e.state == StartOfLine && i == start {
					break
				}
				i++
				e.state = MidLine
			}
			if i > start {
				dst = append(dst, p[start:i]...)
				continue
			}
		}

		c := p[i]
		switch e.state {
		case SawCR:
			if c == '\n' {
				dst = append(dst, '\r', '\n')
				e.state = StartOfLine
				i++
			} else {
				dst = append(dst, '\r', '\n')
				e.state = StartOfLine
				// re-process c in start_of_line without consuming it
			}
		case StartOfLine:
			if c == '.' {
				dst = append(dst, '.', '.')
				e.state = MidLine
				i++
			} else if c == '\r' {
				e.state = SawCR
				i++
			} else if c == '\n' {
				dst = append(dst, '\r', '\n')
				e.state = StartOfLine
				i++
			} else {
				dst = append(dst, c)
				e.state = MidLine
				i++
			}
		case MidLine:
			if c == '\r' {
				e.state = SawCR
				i++
			} else if c == '\n' {
				dst = append(dst, '\r', '\n')
				e.state = StartOfLine
				i++
			} else {
				dst = append(dst, c)
				i++
			}
		}
	}
	return dst
}

// Terminator returns the final ".\r\n" bytes to append once AtLineStart
// is true, flushing a trailing orphan CR first if one is pending.
func (e *Encoder) Terminator() ([]byte, error) {
	if e.state == SawCR {
		// an orphan \r at end of input completes as \r\n per the same
		// rule Write uses mid-stream.
		out := append([]byte{'\r', '\n'}, []byte(".\r\n")...)
		e.state = StartOfLine
		return out, nil
	}
	if !e.AtLineStart() {
		return nil, ErrIncompleteLine
	}
	return []byte(".\r\n"), nil
}

// ErrIncompleteLine is returned by Terminator when the body did not end
// on a line boundary, matching spec.md §4.7's "mail data ended with
// incomplete line" signal.
var ErrIncompleteLine = incompleteLineError{}

type incompleteLineError struct{}

func (incompleteLineError) Error() string { return "mail data ended with incomplete line" }

// Decoder has no methods; incoming DATA-phase lines are unstuffed by the
// package-level Decode function, per spec.md §4.7's incoming algorithm:
// whole-line only, partial tails deferred.
type Decoder struct{}

// NewDecoder returns a Decoder. It carries no state between calls
// since unstuffing operates strictly per complete line.
func NewDecoder() *Decoder { return &Decoder{} }

// Result is one decode step's outcome.
type Result struct {
	// Data is the unstuffed bytes delivered from zero or more complete
	// lines (may be empty even with Consumed > 0, e.g. on the
	// terminator line).
	Data []byte
	// Consumed is the number of input bytes that were fully decoded
	// (including line terminators); the caller advances its cursor by
	// this much.
	Consumed int
	// Terminated reports whether the "." terminator line was seen.
	Terminated bool
}

// Decode scans unread for as many complete "\r\n"-terminated lines as
// are present, unstuffing each, and stops (without consuming a partial
// trailing line) at the terminator or at the first incomplete line.
func Decode(unread []byte) Result {
	var res Result
	offset := 0
	for {
		idx := bytes.Index(unread[offset:], []byte("\r\n"))
		if idx == -1 {
			break
		}
		line := unread[offset : offset+idx]
		lineEnd := offset + idx + 2

		if len(line) == 1 && line[0] == '.' {
			res.Consumed = lineEnd
			res.Terminated = true
			return res
		}

		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}
		res.Data = append(res.Data, line...)
		res.Data = append(res.Data, '\r', '\n')
		offset = lineEnd
	}
	res.Consumed = offset
	return res
}
