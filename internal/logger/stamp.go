package logger

import (
	"bytes"
	"io"
	"sync"
	"time"
)

// StampLayout is the timestamp prefix format for captured program output.
const StampLayout = "2006-01-02 15:04:05"

// Stamper is a line-oriented writer that prefixes every completed line with
// "[YYYY-MM-DD HH:MM:SS] " before handing it to the destination writer and,
// optionally, a tee writer. Bytes are buffered only until their newline
// arrives, so a line is stamped exactly once, at emission time, and appears
// in the destination in emission order.
//
// Tee errors are swallowed: the invoking terminal going away must not break
// capture to the durable file.
type Stamper struct {
	mu   sync.Mutex
	dst  io.Writer
	tee  io.Writer
	now  func() time.Time
	part []byte
}

// NewStamper returns a Stamper writing stamped lines to dst. tee may be nil.
func NewStamper(dst, tee io.Writer) *Stamper {
	return &Stamper{dst: dst, tee: tee, now: time.Now}
}

// Write consumes p, emitting one stamped record per completed line and
// buffering any trailing partial line for the next call.
func (s *Stamper) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	written := 0
	for {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			s.part = append(s.part, p...)
			return written + len(p), nil
		}
		s.part = append(s.part, p[:i]...)
		if err := s.emit(); err != nil {
			return written, err
		}
		written += i + 1
		p = p[i+1:]
	}
}

// Flush stamps and writes a buffered partial line, if any. Call after the
// source stream hits EOF so trailing output without a newline is kept.
func (s *Stamper) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.part) == 0 {
		return nil
	}
	return s.emit()
}

func (s *Stamper) emit() error {
	ts := s.now().Format(StampLayout)
	rec := make([]byte, 0, len(ts)+len(s.part)+4)
	rec = append(rec, '[')
	rec = append(rec, ts...)
	rec = append(rec, ']', ' ')
	rec = append(rec, s.part...)
	rec = append(rec, '\n')
	s.part = s.part[:0]
	if _, err := s.dst.Write(rec); err != nil {
		return err
	}
	if s.tee != nil {
		_, _ = s.tee.Write(rec)
	}
	return nil
}
