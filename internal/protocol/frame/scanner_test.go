package frame

import "testing"

func TestScannerYieldsFramesAcrossChunks(t *testing.T) {
	a, _ := Encode(300, []byte("alpha"))
	b, _ := Encode(301, nil)
	stream := append(append(append([]byte{}, a.Bytes()...), 0x00, 0xC5, 0x42), b.Bytes()...)

	s := NewScanner()
	var got []uint16
	for i := 0; i < len(stream); i += 3 {
		end := i + 3
		if end > len(stream) {
			end = len(stream)
		}
		s.Write(stream[i:end])
		for {
			f, ok := s.Next()
			if !ok {
				break
			}
			got = append(got, f.Intent())
		}
	}

	if len(got) != 2 || got[0] != 300 || got[1] != 301 {
		t.Fatalf("unexpected intents: %v", got)
	}
	if s.Buffered() != 0 {
		t.Fatalf("buffered=%d after full stream", s.Buffered())
	}

	stats := s.Stats()
	if stats.Frames != 2 || stats.BadSignature != 1 || stats.Resyncs != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.Discarded != 3 {
		t.Fatalf("discarded=%d want 3", stats.Discarded)
	}
}

func TestScannerWaitsForMoreInput(t *testing.T) {
	f, _ := Encode(400, []byte{9, 9, 9})
	raw := f.Bytes()

	s := NewScanner()
	s.Write(raw[:5])
	if _, ok := s.Next(); ok {
		t.Fatalf("expected no frame from a partial header")
	}
	if s.Buffered() != 5 {
		t.Fatalf("partial input dropped: buffered=%d", s.Buffered())
	}

	s.Write(raw[5:])
	got, ok := s.Next()
	if !ok || got.Intent() != 400 {
		t.Fatalf("expected frame after completing input")
	}

	s.Write([]byte{1, 2})
	s.Reset()
	if s.Buffered() != 0 {
		t.Fatalf("reset left %d bytes", s.Buffered())
	}
}
