// Package transaction carries the envelope and body of one MAIL…DATA
// exchange, per spec.md §4.6: created on MAIL, destroyed on a successful
// end-of-data, on RSET, or on session abort.
package transaction

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// DefaultSpillThreshold is the in-memory byte ceiling a BodySink holds
// before spilling the rest to a temporary file, matching the scale of
// abligh-goms's MaxMessageSize default (its doDATA bounds a bytes.Buffer
// against c.params.MaxMessageSize+1024 and rejects past it; this sink
// generalises that instinct into "spill to disk" instead of "reject").
const DefaultSpillThreshold = 1 << 20 // 1 MiB

// BodySink is an append-only destination for DATA-phase body bytes. It
// holds the first SpillThreshold bytes in memory and, past that, spills
// to a temporary file so a message much larger than the in-memory
// threshold never has to be held entirely in RAM.
type BodySink struct {
	SpillThreshold int64

	mem      bytes.Buffer
	file     *os.File
	size     int64
	spilled  bool
	closeErr error
}

// NewBodySink returns a BodySink that spills to disk past threshold
// bytes. threshold <= 0 selects DefaultSpillThreshold.
func NewBodySink(threshold int64) *BodySink {
	if threshold <= 0 {
		threshold = DefaultSpillThreshold
	}
	return &BodySink{SpillThreshold: threshold}
}

// Write appends p to the sink, spilling to a temp file once the
// in-memory portion would exceed SpillThreshold.
func (s *BodySink) Write(p []byte) (int, error) {
	if s.spilled {
		n, err := s.file.Write(p)
		s.size += int64(n)
		return n, err
	}
	if int64(s.mem.Len())+int64(len(p)) <= s.SpillThreshold {
		n, err := s.mem.Write(p)
		s.size += int64(n)
		return n, err
	}
	if err := s.spillToDisk(); err != nil {
		return 0, err
	}
	n, err := s.file.Write(p)
	s.size += int64(n)
	return n, err
}

func (s *BodySink) spillToDisk() error {
	f, err := os.CreateTemp("", "smtpkit-body-*")
	if err != nil {
		return fmt.Errorf("transaction: spilling body to disk: %w", err)
	}
	if _, err := f.Write(s.mem.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("transaction: spilling body to disk: %w", err)
	}
	s.mem.Reset()
	s.file = f
	s.spilled = true
	return nil
}

// Size reports the total number of bytes written so far.
func (s *BodySink) Size() int64 { return s.size }

// Reader returns an io.ReadCloser over the accumulated body: a fresh
// in-memory reader, or, once the body has spilled, the sink itself with
// its file seeked back to the start. Close releases the temporary file,
// if any.
func (s *BodySink) Reader() (io.ReadCloser, error) {
	if !s.spilled {
		return io.NopCloser(bytes.NewReader(s.mem.Bytes())), nil
	}
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return s, nil
}

// Read satisfies io.Reader when the sink has spilled to disk; Reader
// returns s itself in that case so Close can clean up the temp file.
func (s *BodySink) Read(p []byte) (int, error) {
	return s.file.Read(p)
}

// Close removes the backing temporary file, if one was created. It is
// safe to call even if the sink never spilled, and safe to call again:
// later calls return the first call's result.
func (s *BodySink) Close() error {
	if !s.spilled || s.file == nil {
		return s.closeErr
	}
	name := s.file.Name()
	err := s.file.Close()
	if rmErr := os.Remove(name); err == nil {
		err = rmErr
	}
	s.file = nil
	s.closeErr = err
	return err
}
