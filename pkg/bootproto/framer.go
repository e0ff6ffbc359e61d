// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bootproto

// Framer reassembles frames out of an arbitrarily-fragmented byte
// stream. Bytes are appended with Feed; each call returns any frames
// that became complete as a result, and the bytes of a partial frame
// stay buffered until a later call supplies the rest.
//
// Framer's buffer-advance bookkeeping matches the target side's own
// receive logic byte for byte: once a frame's true bytes (header
// through CRC, length+1 of them) are in hand and validated, the
// buffer is advanced by length+4 if that many bytes are already
// available — three more than the true frame occupies. A host that
// "fixed" this arithmetic would advance its buffer differently than
// the target does and desync against a real link whenever two frames
// land back to back in the same read. Framer still surfaces a trailing
// frame as soon as its true bytes arrive rather than blocking forever
// for three bytes that may never come (the target never stalls either,
// since its next received byte always supplies them); the three-byte
// over-read only bites when something else is already queued right
// behind the frame, exactly as on the wire.
type Framer struct {
	buf []byte
}

// Feed appends newly-received bytes and extracts any frames that are
// now fully buffered.
func (fr *Framer) Feed(data []byte) []Frame {
	fr.buf = append(fr.buf, data...)

	var out []Frame
	for {
		f, consumed, ok := fr.tryExtract()
		if !ok {
			break
		}
		if f != nil {
			out = append(out, *f)
		}
		fr.buf = fr.buf[consumed:]
	}
	return out
}

// tryExtract looks for one header pair and, once the true length+1
// frame bytes have arrived, parses them and reports how far to advance
// the buffer: length+4 when that many bytes are buffered, otherwise
// length+1. It returns ok=false
// when the buffer doesn't yet hold enough bytes to make progress.
func (fr *Framer) tryExtract() (*Frame, int, bool) {
	buf := fr.buf

	idx := -1
	var dir Direction
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == MasterHeader1 && buf[i+1] == MasterHeader2 {
			idx, dir = i, DirectionMaster
			break
		}
		if buf[i] == SlaveHeader1 && buf[i+1] == SlaveHeader2 {
			idx, dir = i, DirectionSlave
			break
		}
	}
	if idx < 0 {
		// No header anywhere in the buffer. Keep at most the last byte,
		// since it could be the first half of a split header.
		if len(buf) > 1 {
			fr.buf = buf[len(buf)-1:]
		}
		return nil, 0, false
	}
	if idx > 0 {
		// Drop the garbage preceding the header.
		return nil, idx, true
	}

	if len(buf) < 5 {
		return nil, 0, false
	}
	length := int(buf[3])<<8 | int(buf[4])
	trueSize := length + 1
	overread := length + 4

	if len(buf) < trueSize {
		return nil, 0, false
	}

	frame, err := parseFrame(buf[:trueSize], dir)
	if err != nil {
		// Desynchronized frame: drop the header bytes that got us here
		// and let the scan find the next candidate header.
		return nil, 2, true
	}

	advance := trueSize
	if len(buf) >= overread {
		advance = overread
	}
	return frame, advance, true
}

// parseFrame validates CRC and extracts fields from a raw slice that
// may be longer than the true frame (the caller advances its buffer by
// the quirky length+4 amount, not the true length+1 frame size); the
// true boundary is recomputed here from the length field so CRC and
// payload extraction always operate on the right bytes.
func parseFrame(raw []byte, dir Direction) (*Frame, error) {
	if len(raw) < MinFrameSize {
		return nil, &ShortFrameError{Len: len(raw)}
	}
	length := int(raw[3])<<8 | int(raw[4])
	trueSize := length + 1
	if trueSize > len(raw) || trueSize < MinFrameSize {
		return nil, &ShortFrameError{Len: len(raw)}
	}

	body := raw[:trueSize]
	want := crc16(body[2 : trueSize-2])
	got := uint16(body[trueSize-2])<<8 | uint16(body[trueSize-1])
	if got != want {
		return nil, &CRCError{Got: got, Want: want}
	}

	f := &Frame{
		Dir:     dir,
		SlaveID: body[2],
		Type:    MessageType(body[5]),
		Flag:    ResponseFlag(body[6]),
	}
	if trueSize > MinFrameSize {
		f.Payload = append([]byte(nil), body[7:trueSize-2]...)
	}
	return f, nil
}

// ParseFrame validates and decodes a single frame whose boundaries are
// already known, without the length+4 extraction quirk. Useful for
// tests and for transports that deliver whole frames (e.g. datagram-
// oriented links), as opposed to the byte-stream Framer above.
func ParseFrame(raw []byte) (*Frame, error) {
	if len(raw) < 2 {
		return nil, &ShortFrameError{Len: len(raw)}
	}
	var dir Direction
	switch {
	case raw[0] == MasterHeader1 && raw[1] == MasterHeader2:
		dir = DirectionMaster
	case raw[0] == SlaveHeader1 && raw[1] == SlaveHeader2:
		dir = DirectionSlave
	default:
		return nil, &UnknownHeaderError{B1: raw[0], B2: raw[1]}
	}
	return parseFrame(raw, dir)
}
