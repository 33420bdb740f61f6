package media

// AnnexBSplitter extracts NAL units from an Annex-B H264 byte stream.
// It maintains a carry buffer across Feed calls so a NAL unit split over
// two reads is reassembled, not truncated.
type AnnexBSplitter struct {
	buf []byte
}

// NewAnnexBSplitter creates a splitter with its own carry buffer.
func NewAnnexBSplitter() *AnnexBSplitter {
	return &AnnexBSplitter{}
}

// Feed appends data to the stream and returns every complete NAL unit found
// so far, without start codes. The final unit stays buffered until the next
// start code (or Flush) proves it complete.
func (s *AnnexBSplitter) Feed(data []byte) [][]byte {
	s.buf = append(s.buf, data...)

	var nalus [][]byte
	for {
		start, startLen := findStartCode(s.buf, 0)
		if start < 0 {
			// No start code at all yet; keep buffering.
			return nalus
		}
		next, _ := findStartCode(s.buf, start+startLen)
		if next < 0 {
			// The unit after the last start code may still be growing.
			s.buf = s.buf[start:]
			return nalus
		}
		nalu := s.buf[start+startLen : next]
		if len(nalu) > 0 {
			out := make([]byte, len(nalu))
			copy(out, nalu)
			nalus = append(nalus, out)
		}
		s.buf = s.buf[next:]
	}
}

// Flush returns the trailing NAL unit, if any, and resets the splitter.
// Call it at end of stream.
func (s *AnnexBSplitter) Flush() []byte {
	start, startLen := findStartCode(s.buf, 0)
	defer func() { s.buf = nil }()
	if start < 0 || start+startLen >= len(s.buf) {
		return nil
	}
	nalu := make([]byte, len(s.buf)-start-startLen)
	copy(nalu, s.buf[start+startLen:])
	return nalu
}

// findStartCode locates the next 3- or 4-byte Annex-B start code at or after
// offset, returning its position and length, or (-1, 0).
func findStartCode(buf []byte, offset int) (int, int) {
	for i := offset; i+3 <= len(buf); i++ {
		if buf[i] != 0x00 || buf[i+1] != 0x00 {
			continue
		}
		if buf[i+2] == 0x01 {
			return i, 3
		}
		if i+4 <= len(buf) && buf[i+2] == 0x00 && buf[i+3] == 0x01 {
			return i, 4
		}
	}
	return -1, 0
}
