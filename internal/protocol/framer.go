package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/s2"
)

// DefaultCompressThreshold is the payload size at which the encoder starts
// trying to compress.
const DefaultCompressThreshold = 512

// Decoder turns a byte stream into packets. It is purely a parser: it does
// no I/O and no scheduling. Partial frames stay buffered between Feed calls.
type Decoder struct {
	buf  []byte
	pool *BufferPool
}

// NewDecoder creates a streaming decoder drawing payload buffers from pool.
// A nil pool disables pooling.
func NewDecoder(pool *BufferPool) *Decoder {
	return &Decoder{pool: pool}
}

// Feed appends data to the internal buffer and emits every complete packet
// found in it. On ErrInvalidFrame the stream is unrecoverable and the
// caller must close the session.
func (d *Decoder) Feed(data []byte) ([]*Packet, error) {
	d.buf = append(d.buf, data...)

	var packets []*Packet
	for {
		p, consumed, err := d.next()
		if err != nil {
			return packets, err
		}
		if p == nil {
			break
		}
		packets = append(packets, p)
		d.buf = d.buf[consumed:]
	}

	// Reclaim buffer space once everything parsed out.
	if len(d.buf) == 0 && cap(d.buf) > MaxFrameSize {
		d.buf = nil
	}
	return packets, nil
}

// next parses one frame from the head of the buffer.
// Returns (nil, 0, nil) when the frame is still incomplete.
func (d *Decoder) next() (*Packet, int, error) {
	if len(d.buf) < LengthPrefixSize {
		return nil, 0, nil
	}

	totalLen := int(binary.BigEndian.Uint32(d.buf))
	if totalLen < FixedHeaderSize+1 || totalLen > MaxFrameSize {
		return nil, 0, fmt.Errorf("%w: total_length %d", ErrInvalidFrame, totalLen)
	}
	if len(d.buf) < LengthPrefixSize+totalLen {
		return nil, 0, nil
	}

	frame := d.buf[LengthPrefixSize : LengthPrefixSize+totalLen]

	flags := frame[0]
	msgSeq := binary.BigEndian.Uint16(frame[1:])
	stageID := int64(binary.BigEndian.Uint64(frame[3:]))
	errorCode := binary.BigEndian.Uint16(frame[11:])
	msgIDLen := int(frame[13])

	if msgIDLen == 0 {
		return nil, 0, fmt.Errorf("%w: zero msg_id_len", ErrInvalidFrame)
	}
	if FixedHeaderSize+msgIDLen > totalLen {
		return nil, 0, fmt.Errorf("%w: msg_id_len %d overflows frame", ErrInvalidFrame, msgIDLen)
	}

	msgID := string(frame[14 : 14+msgIDLen])
	rest := frame[14+msgIDLen:]
	if len(rest) < 4 {
		return nil, 0, fmt.Errorf("%w: truncated payload_len", ErrInvalidFrame)
	}

	payloadLen := int(binary.BigEndian.Uint32(rest))
	if payloadLen > MaxPayloadSize {
		return nil, 0, fmt.Errorf("%w: payload_len %d exceeds %d", ErrInvalidFrame, payloadLen, MaxPayloadSize)
	}
	if FixedHeaderSize+msgIDLen+payloadLen != totalLen {
		return nil, 0, fmt.Errorf("%w: payload_len %d inconsistent with total_length %d",
			ErrInvalidFrame, payloadLen, totalLen)
	}

	raw := rest[4 : 4+payloadLen]

	p := &Packet{
		MsgID:     msgID,
		MsgSeq:    msgSeq,
		StageID:   stageID,
		ErrorCode: errorCode,
		Reply:     flags&FlagReply != 0,
		Heartbeat: flags&FlagHeartbeat != 0,
	}

	if flags&FlagCompressed != 0 {
		payload, err := decompress(raw, d.pool)
		if err != nil {
			return nil, 0, err
		}
		p.Payload = payload
		p.pool = d.pool
	} else {
		p.Payload = d.copyPayload(raw)
		if d.pool != nil {
			p.pool = d.pool
		}
	}

	return p, LengthPrefixSize + totalLen, nil
}

func (d *Decoder) copyPayload(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	var out []byte
	if d.pool != nil {
		out = d.pool.Get(len(raw))
	} else {
		out = make([]byte, len(raw))
	}
	copy(out, raw)
	return out
}

// decompress validates and expands a compressed payload. The first 4 bytes
// record the uncompressed length; a mismatch with the actual decoded size
// is a wire error.
func decompress(raw []byte, pool *BufferPool) ([]byte, error) {
	if len(raw) < 4 {
		return nil, fmt.Errorf("%w: compressed payload too short", ErrInvalidFrame)
	}
	uncompressedLen := int(binary.BigEndian.Uint32(raw))
	if uncompressedLen > MaxPayloadSize {
		return nil, fmt.Errorf("%w: uncompressed_len %d exceeds %d", ErrInvalidFrame, uncompressedLen, MaxPayloadSize)
	}

	var dst []byte
	if pool != nil {
		dst = pool.Get(uncompressedLen)
	} else {
		dst = make([]byte, uncompressedLen)
	}

	out, err := s2.Decode(dst, raw[4:])
	if err != nil {
		if pool != nil {
			pool.Put(dst)
		}
		return nil, fmt.Errorf("%w: decompression: %v", ErrInvalidFrame, err)
	}
	if len(out) != uncompressedLen {
		if pool != nil {
			pool.Put(dst)
		}
		return nil, fmt.Errorf("%w: uncompressed_len %d does not match decoded %d",
			ErrInvalidFrame, uncompressedLen, len(out))
	}
	return out, nil
}

// Encoder serializes packets into frames.
type Encoder struct {
	// CompressThreshold is the minimal payload size eligible for
	// compression. Zero disables compression.
	CompressThreshold int
}

// NewEncoder creates an encoder with the default compression threshold.
func NewEncoder() *Encoder {
	return &Encoder{CompressThreshold: DefaultCompressThreshold}
}

// Encode serializes p into a single frame appended to dst.
// Compression is applied only when the payload is at or above the
// threshold AND the compressed form is actually smaller.
func (e *Encoder) Encode(dst []byte, p *Packet) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return dst, err
	}

	flags := byte(0)
	if p.Reply {
		flags |= FlagReply
	}
	if p.Heartbeat {
		flags |= FlagHeartbeat
	}

	payload := p.Payload
	if e.CompressThreshold > 0 && len(payload) >= e.CompressThreshold {
		enc := s2.Encode(nil, payload)
		if 4+len(enc) < len(payload) {
			full := make([]byte, 4+len(enc))
			binary.BigEndian.PutUint32(full, uint32(len(payload)))
			copy(full[4:], enc)
			payload = full
			flags |= FlagCompressed
		}
	}

	totalLen := FixedHeaderSize + len(p.MsgID) + len(payload)

	var header [18]byte
	binary.BigEndian.PutUint32(header[0:], uint32(totalLen))
	header[4] = flags
	binary.BigEndian.PutUint16(header[5:], p.MsgSeq)
	binary.BigEndian.PutUint64(header[7:], uint64(p.StageID))
	binary.BigEndian.PutUint16(header[15:], p.ErrorCode)
	header[17] = byte(len(p.MsgID))

	dst = append(dst, header[:18]...)
	dst = append(dst, p.MsgID...)

	var plen [4]byte
	binary.BigEndian.PutUint32(plen[:], uint32(len(payload)))
	dst = append(dst, plen[:]...)
	dst = append(dst, payload...)
	return dst, nil
}

// EncodePacket is a convenience wrapper allocating a fresh frame buffer.
func (e *Encoder) EncodePacket(p *Packet) ([]byte, error) {
	size := LengthPrefixSize + FixedHeaderSize + len(p.MsgID) + len(p.Payload)
	return e.Encode(make([]byte, 0, size), p)
}
