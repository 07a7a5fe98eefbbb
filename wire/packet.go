// Package wire implements the voicewire datagram format.
//
// Every datagram carries a fixed 24-byte header followed by a fragment
// of one audio chunk's PCM payload:
//
//	magic (4 bytes) | frame sequence (uint32) | capture time µs (uint64) |
//	fragment index (uint16) | total fragments (uint16) | payload length (uint32)
//
// All header fields are network byte order. The frame sequence is
// assigned once per audio chunk and shared by every fragment of that
// chunk; receivers group fragments by it during reassembly.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// HeaderSize is the fixed size of the packet header in bytes.
const HeaderSize = 24

// Magic identifies voicewire datagrams. Packets whose first four bytes
// differ are rejected before any other field is inspected.
var Magic = [4]byte{'V', 'W', 'P', '1'}

// Decode failure sentinels. Callers treat all of them as transient
// packet loss: log, drop, continue.
var (
	ErrPacketTooShort = errors.New("wire: packet shorter than header")
	ErrBadMagic       = errors.New("wire: invalid packet magic")
	ErrLengthMismatch = errors.New("wire: payload length field does not match packet size")
	ErrFragmentBounds = errors.New("wire: fragment index out of range")
	ErrNoFragments    = errors.New("wire: total fragments must be at least 1")
)

// Packet is one decoded voicewire datagram.
type Packet struct {
	// Sequence identifies the audio chunk this fragment belongs to.
	// Session-monotonic, one value per chunk.
	Sequence uint32

	// CaptureTime is the chunk's capture timestamp in microseconds
	// since the Unix epoch.
	CaptureTime uint64

	// FragmentIndex is the 0-based position of this fragment.
	FragmentIndex uint16

	// TotalFragments is the number of fragments the chunk was split
	// into. Always at least 1.
	TotalFragments uint16

	// Payload holds this fragment's slice of the chunk's PCM bytes.
	Payload []byte
}

// Captured converts the packet's capture timestamp back to a time.Time.
func (p *Packet) Captured() time.Time {
	return time.Unix(0, int64(p.CaptureTime)*int64(time.Microsecond))
}

// Marshal serializes the packet into header + payload wire form.
//
// Returns an error when the fragment fields violate the format
// invariants; a valid packet always marshals.
func (p *Packet) Marshal() ([]byte, error) {
	if p.TotalFragments == 0 {
		return nil, ErrNoFragments
	}
	if p.FragmentIndex >= p.TotalFragments {
		return nil, fmt.Errorf("%w: index %d, total %d", ErrFragmentBounds, p.FragmentIndex, p.TotalFragments)
	}

	buf := make([]byte, HeaderSize+len(p.Payload))
	copy(buf[0:4], Magic[:])
	binary.BigEndian.PutUint32(buf[4:8], p.Sequence)
	binary.BigEndian.PutUint64(buf[8:16], p.CaptureTime)
	binary.BigEndian.PutUint16(buf[16:18], p.FragmentIndex)
	binary.BigEndian.PutUint16(buf[18:20], p.TotalFragments)
	binary.BigEndian.PutUint32(buf[20:24], uint32(len(p.Payload)))
	copy(buf[HeaderSize:], p.Payload)

	return buf, nil
}

// ParsePacket decodes a received datagram.
//
// Malformed input never panics; the decode failure is returned so the
// receive loop can drop the datagram and continue. Rejected inputs:
// buffers shorter than the header, a magic mismatch, a payload length
// field that does not equal the number of trailing bytes present, and
// fragment fields outside their declared bounds.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrPacketTooShort, len(data))
	}
	if !bytes.Equal(data[0:4], Magic[:]) {
		return nil, ErrBadMagic
	}

	p := &Packet{
		Sequence:       binary.BigEndian.Uint32(data[4:8]),
		CaptureTime:    binary.BigEndian.Uint64(data[8:16]),
		FragmentIndex:  binary.BigEndian.Uint16(data[16:18]),
		TotalFragments: binary.BigEndian.Uint16(data[18:20]),
	}

	payloadLen := binary.BigEndian.Uint32(data[20:24])
	if int(payloadLen) != len(data)-HeaderSize {
		return nil, fmt.Errorf("%w: declared %d, present %d", ErrLengthMismatch, payloadLen, len(data)-HeaderSize)
	}
	if p.TotalFragments == 0 {
		return nil, ErrNoFragments
	}
	if p.FragmentIndex >= p.TotalFragments {
		return nil, fmt.Errorf("%w: index %d, total %d", ErrFragmentBounds, p.FragmentIndex, p.TotalFragments)
	}

	p.Payload = make([]byte, payloadLen)
	copy(p.Payload, data[HeaderSize:])

	return p, nil
}

// FragmentCount returns the number of fragments needed to carry size
// payload bytes with at most maxFragment bytes per fragment. Always at
// least 1 so an empty chunk still produces one (empty) datagram.
func FragmentCount(size, maxFragment int) int {
	if maxFragment <= 0 || size <= 0 {
		return 1
	}
	return (size + maxFragment - 1) / maxFragment
}

// SplitPayload slices data into fragments of at most maxFragment bytes.
// Concatenating the returned fragments in order reproduces data exactly.
// The fragments alias data; callers must not mutate it afterwards.
func SplitPayload(data []byte, maxFragment int) [][]byte {
	if maxFragment <= 0 {
		return [][]byte{data}
	}
	count := FragmentCount(len(data), maxFragment)
	fragments := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		start := i * maxFragment
		end := start + maxFragment
		if start > len(data) {
			start = len(data)
		}
		if end > len(data) {
			end = len(data)
		}
		fragments = append(fragments, data[start:end])
	}
	return fragments
}
