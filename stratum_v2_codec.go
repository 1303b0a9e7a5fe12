package main

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	stratumV2FrameHeaderLen     = 6
	stratumV2CoreExtensionType  = uint16(0x0000)
	stratumV2ChannelMsgBit      = uint16(0x8000)
	stratumV2MaxFramePayloadLen = 0xFFFFFF

	sv2MaxB0_255 = 255
	sv2MaxB0_64K = 0xFFFF
	sv2MaxB0_16M = 0xFFFFFF
	sv2MaxSeq64K = 0xFFFF
)

var errStratumV2Framing = errors.New("sv2 framing error")

// stratumV2FramingError marks bytes that could not be turned into a typed
// message. It is always fatal to the message it was raised for.
type stratumV2FramingError struct {
	MsgType uint8
	Err     error
}

func (e *stratumV2FramingError) Error() string {
	return fmt.Sprintf("%v: msg_type=%#02x: %v", errStratumV2Framing, e.MsgType, e.Err)
}

func (e *stratumV2FramingError) Unwrap() error { return e.Err }

func (e *stratumV2FramingError) Is(target error) bool { return target == errStratumV2Framing }

type stratumV2Frame struct {
	ExtensionType uint16
	MsgType       uint8
	Payload       []byte
}

func (f stratumV2Frame) isChannelMessage() bool {
	return f.ExtensionType&stratumV2ChannelMsgBit != 0
}

func (f stratumV2Frame) baseExtensionType() uint16 {
	return f.ExtensionType &^ stratumV2ChannelMsgBit
}

func encodeStratumV2Frame(f stratumV2Frame) ([]byte, error) {
	if len(f.Payload) > stratumV2MaxFramePayloadLen {
		return nil, fmt.Errorf("sv2 payload too large: %d", len(f.Payload))
	}
	out := make([]byte, stratumV2FrameHeaderLen+len(f.Payload))
	binary.LittleEndian.PutUint16(out[0:2], f.ExtensionType)
	out[2] = f.MsgType
	putUint24LE(out[3:6], uint32(len(f.Payload)))
	copy(out[6:], f.Payload)
	return out, nil
}

func decodeStratumV2Frame(b []byte) (stratumV2Frame, error) {
	if len(b) < stratumV2FrameHeaderLen {
		return stratumV2Frame{}, fmt.Errorf("sv2 frame too short: %d", len(b))
	}
	payloadLen := int(readUint24LE(b[3:6]))
	if len(b)-stratumV2FrameHeaderLen != payloadLen {
		return stratumV2Frame{}, fmt.Errorf("sv2 frame payload length mismatch: header=%d actual=%d", payloadLen, len(b)-stratumV2FrameHeaderLen)
	}
	payload := make([]byte, payloadLen)
	copy(payload, b[stratumV2FrameHeaderLen:])
	return stratumV2Frame{
		ExtensionType: binary.LittleEndian.Uint16(b[0:2]),
		MsgType:       b[2],
		Payload:       payload,
	}, nil
}

func putUint24LE(dst []byte, v uint32) {
	if len(dst) < 3 {
		return
	}
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
}

func readUint24LE(src []byte) uint32 {
	if len(src) < 3 {
		return 0
	}
	return uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16
}

// sv2PayloadWriter appends SV2 primitive types to a payload. The first
// failure sticks; later writes are no-ops and bytes() reports it.
type sv2PayloadWriter struct {
	buf []byte
	err error
}

func (w *sv2PayloadWriter) u8(v uint8) {
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, v)
}

func (w *sv2PayloadWriter) boolean(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

func (w *sv2PayloadWriter) u16(v uint16) {
	if w.err != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *sv2PayloadWriter) u24(v uint32) {
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, byte(v), byte(v>>8), byte(v>>16))
}

func (w *sv2PayloadWriter) u32(v uint32) {
	if w.err != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *sv2PayloadWriter) u64(v uint64) {
	if w.err != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *sv2PayloadWriter) u256(v [32]byte) {
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, v[:]...)
}

func (w *sv2PayloadWriter) raw(b []byte) {
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, b...)
}

func (w *sv2PayloadWriter) b0_255(field string, b []byte) {
	if w.err == nil && len(b) > sv2MaxB0_255 {
		w.err = fmt.Errorf("%s too long: %d > %d", field, len(b), sv2MaxB0_255)
		return
	}
	w.u8(uint8(len(b)))
	w.raw(b)
}

func (w *sv2PayloadWriter) str0_255(field string, s string) {
	w.b0_255(field, []byte(s))
}

func (w *sv2PayloadWriter) b0_64k(field string, b []byte) {
	if w.err == nil && len(b) > sv2MaxB0_64K {
		w.err = fmt.Errorf("%s too long: %d > %d", field, len(b), sv2MaxB0_64K)
		return
	}
	w.u16(uint16(len(b)))
	w.raw(b)
}

func (w *sv2PayloadWriter) b0_16m(field string, b []byte) {
	if w.err == nil && len(b) > sv2MaxB0_16M {
		w.err = fmt.Errorf("%s too long: %d > %d", field, len(b), sv2MaxB0_16M)
		return
	}
	w.u24(uint32(len(b)))
	w.raw(b)
}

// seq64k writes the SEQ0_64K element count; callers then write n elements.
func (w *sv2PayloadWriter) seq64k(field string, n int) {
	if w.err == nil && n > sv2MaxSeq64K {
		w.err = fmt.Errorf("%s has too many elements: %d > %d", field, n, sv2MaxSeq64K)
		return
	}
	w.u16(uint16(n))
}

func (w *sv2PayloadWriter) bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.buf, nil
}

// sv2PayloadReader is the decoding counterpart of sv2PayloadWriter. Every
// variable-length value is copied out so decoded messages never alias the
// frame buffer.
type sv2PayloadReader struct {
	b   []byte
	off int
	err error
}

func newSV2PayloadReader(b []byte) *sv2PayloadReader {
	return &sv2PayloadReader{b: b}
}

func (r *sv2PayloadReader) take(field string, n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b)-r.off < n {
		r.err = fmt.Errorf("%s: need %d bytes, have %d", field, n, len(r.b)-r.off)
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *sv2PayloadReader) u8(field string) uint8 {
	b := r.take(field, 1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *sv2PayloadReader) boolean(field string) bool {
	v := r.u8(field)
	if r.err == nil && v > 1 {
		r.err = fmt.Errorf("%s: invalid bool value %d", field, v)
	}
	return v == 1
}

func (r *sv2PayloadReader) u16(field string) uint16 {
	b := r.take(field, 2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *sv2PayloadReader) u24(field string) uint32 {
	b := r.take(field, 3)
	if b == nil {
		return 0
	}
	return readUint24LE(b)
}

func (r *sv2PayloadReader) u32(field string) uint32 {
	b := r.take(field, 4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *sv2PayloadReader) u64(field string) uint64 {
	b := r.take(field, 8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *sv2PayloadReader) u256(field string) [32]byte {
	var out [32]byte
	copy(out[:], r.take(field, 32))
	return out
}

func (r *sv2PayloadReader) copied(field string, n int) []byte {
	b := r.take(field, n)
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func (r *sv2PayloadReader) b0_255(field string) []byte {
	n := int(r.u8(field + " length"))
	return r.copied(field, n)
}

func (r *sv2PayloadReader) str0_255(field string) string {
	return string(r.b0_255(field))
}

func (r *sv2PayloadReader) b0_64k(field string) []byte {
	n := int(r.u16(field + " length"))
	return r.copied(field, n)
}

func (r *sv2PayloadReader) b0_16m(field string) []byte {
	n := int(r.u24(field + " length"))
	return r.copied(field, n)
}

func (r *sv2PayloadReader) seq64k(field string) int {
	return int(r.u16(field + " count"))
}

// finish reports the first decode error, or trailing bytes left unread.
func (r *sv2PayloadReader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.b) {
		return fmt.Errorf("trailing payload bytes: %d", len(r.b)-r.off)
	}
	return nil
}
