// internal/protocol/frame/scanner.go
package frame

import "errors"

// ScanStats counts what a Scanner has seen
type ScanStats struct {
	Frames       int64 `json:"frames"`
	Resyncs      int64 `json:"resyncs"`
	BadSignature int64 `json:"bad_signature"`
	BadVersion   int64 `json:"bad_version"`
	BadChecksum  int64 `json:"bad_checksum"`
	Discarded    int64 `json:"discarded_bytes"`
}

// Scanner is an append-only receive buffer that yields frames in order.
// Bytes are appended with Write; consumed bytes are dropped from the front
// after every Parse call. A Scanner is not safe for concurrent use.
type Scanner struct {
	buf   []byte
	stats ScanStats
}

// NewScanner creates an empty scanner
func NewScanner() *Scanner {
	return &Scanner{buf: make([]byte, 0, 512)}
}

// Write appends received bytes. It never fails.
func (s *Scanner) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame, or false when more input is needed.
// Framing errors are counted and skipped.
func (s *Scanner) Next() (*Frame, bool) {
	for len(s.buf) > 0 {
		f, n, err := Parse(s.buf)
		s.drop(n)

		switch {
		case err == nil:
			s.stats.Frames++
			s.stats.Discarded += int64(n - f.Len())
			return f, true
		case errors.Is(err, ErrIncomplete):
			s.stats.Discarded += int64(n)
			return nil, false
		case errors.Is(err, ErrBadSignature):
			s.stats.BadSignature++
		case errors.Is(err, ErrBadVersion):
			s.stats.BadVersion++
		case errors.Is(err, ErrBadChecksum):
			s.stats.BadChecksum++
		}
		s.stats.Resyncs++
		s.stats.Discarded += int64(n)
	}
	return nil, false
}

// Buffered returns the number of bytes waiting for a complete frame
func (s *Scanner) Buffered() int {
	return len(s.buf)
}

// Stats returns a copy of the counters
func (s *Scanner) Stats() ScanStats {
	return s.stats
}

// Reset drops buffered bytes, keeping the counters
func (s *Scanner) Reset() {
	s.buf = s.buf[:0]
}

func (s *Scanner) drop(n int) {
	if n <= 0 {
		return
	}
	if n >= len(s.buf) {
		s.buf = s.buf[:0]
		return
	}
	s.buf = s.buf[:copy(s.buf, s.buf[n:])]
}
