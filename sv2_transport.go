package main

import (
	"fmt"
	"io"
	"sync"
)

// sv2FrameTransport moves whole SV2 frames (header plus payload).
type sv2FrameTransport interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	Mode() string
}

// sv2PlainFrameTransport is the unencrypted transport. Writes are serialized
// so frames from different goroutines never interleave.
type sv2PlainFrameTransport struct {
	r       io.Reader
	w       io.Writer
	writeMu sync.Mutex
}

func newSV2PlainFrameTransport(r io.Reader, w io.Writer) *sv2PlainFrameTransport {
	return &sv2PlainFrameTransport{r: r, w: w}
}

func (t *sv2PlainFrameTransport) ReadFrame() ([]byte, error) {
	return readOneStratumV2FrameFromReader(t.r)
}

func (t *sv2PlainFrameTransport) WriteFrame(frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err := t.w.Write(frame)
	return err
}

func (t *sv2PlainFrameTransport) Mode() string { return "plaintext" }

// readOneStratumV2FrameFromReader reads one frame. A clean EOF before any
// header byte is returned as io.EOF.
func readOneStratumV2FrameFromReader(r io.Reader) ([]byte, error) {
	var hdr [stratumV2FrameHeaderLen]byte
	n, err := io.ReadFull(r, hdr[:])
	if err != nil {
		if n == 0 && (err == io.EOF || err == io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read sv2 frame header: %w", err)
	}
	payloadLen := int(readUint24LE(hdr[3:6]))
	out := make([]byte, stratumV2FrameHeaderLen+payloadLen)
	copy(out[:stratumV2FrameHeaderLen], hdr[:])
	if payloadLen == 0 {
		return out, nil
	}
	if _, err := io.ReadFull(r, out[stratumV2FrameHeaderLen:]); err != nil {
		return nil, fmt.Errorf("read sv2 frame payload (%d bytes): %w", payloadLen, err)
	}
	return out, nil
}
