package source

import "bytes"

var (
	jpegStart = []byte{0xFF, 0xD8}
	jpegEnd   = []byte{0xFF, 0xD9}
)

// maxPendingBytes bounds the scanner buffer when the input carries no markers
const maxPendingBytes = 16 * 1024 * 1024

// jpegScanner splits a byte stream of concatenated JPEG images into frames.
// Partial trailing data is kept until the rest of the image arrives.
type jpegScanner struct {
	buf []byte
}

func newJPEGScanner() *jpegScanner {
	return &jpegScanner{buf: make([]byte, 0, 1024*1024)}
}

// Write appends raw bytes read from the decoder
func (s *jpegScanner) Write(p []byte) {
	s.buf = append(s.buf, p...)
	if len(s.buf) > maxPendingBytes {
		// No end marker in sight; keep scanning from the newest data
		s.buf = append(s.buf[:0], s.buf[len(s.buf)-len(p):]...)
	}
}

// Next returns the next complete JPEG image, or nil if none is buffered yet
func (s *jpegScanner) Next() []byte {
	frame, rest := extractJPEGFrame(s.buf)
	s.buf = rest
	return frame
}

// Pending returns the number of buffered bytes not yet returned as a frame
func (s *jpegScanner) Pending() int {
	return len(s.buf)
}

// extractJPEGFrame finds the first SOI..EOI pair in buffer. It returns a copy of
// the image and the remaining bytes. Garbage before the start marker is dropped.
func extractJPEGFrame(buffer []byte) (frame []byte, rest []byte) {
	if len(buffer) < 4 {
		return nil, buffer
	}

	startIdx := bytes.Index(buffer, jpegStart)
	if startIdx == -1 {
		// Keep a trailing 0xFF, it may be the first half of a marker
		if buffer[len(buffer)-1] == 0xFF {
			return nil, buffer[len(buffer)-1:]
		}
		return nil, buffer[:0]
	}

	endIdx := bytes.Index(buffer[startIdx+2:], jpegEnd)
	if endIdx == -1 {
		return nil, buffer[startIdx:]
	}
	endIdx += startIdx + 2 + len(jpegEnd)

	frame = make([]byte, endIdx-startIdx)
	copy(frame, buffer[startIdx:endIdx])
	return frame, buffer[endIdx:]
}
