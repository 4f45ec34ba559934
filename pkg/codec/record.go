package codec

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	lengthSize = 8
	crcSize    = 4
	headerSize = lengthSize + crcSize
	footerSize = crcSize

	maskDelta uint32 = 0xa282ead8
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// MaskCRC rotates and offsets a raw CRC32C value
func MaskCRC(crc uint32) uint32 {
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// UnmaskCRC reverses MaskCRC
func UnmaskCRC(masked uint32) uint32 {
	rot := masked - maskDelta
	return (rot >> 17) | (rot << 15)
}

// Checksum returns the masked CRC32C of data
func Checksum(data []byte) uint32 {
	return MaskCRC(crc32.Checksum(data, castagnoli))
}

// Record is one decoded frame
type Record struct {
	Length     uint64 // Payload length in bytes
	LengthCRC  uint32 // Masked CRC32C of the encoded length
	Payload    []byte // Serialized Example
	PayloadCRC uint32 // Masked CRC32C of the payload
}

// RecordCodec frames and unframes payloads
type RecordCodec struct{}

// NewRecordCodec creates a new record codec instance
func NewRecordCodec() *RecordCodec {
	return &RecordCodec{}
}

// Encode frames a payload.
// Format: [Length(8)][LengthCRC(4)][Payload][PayloadCRC(4)]
func (c *RecordCodec) Encode(payload []byte) []byte {
	return AppendFrame(make([]byte, 0, FrameSize(len(payload))), payload)
}

// AppendFrame appends the framed payload to dst
func AppendFrame(dst, payload []byte) []byte {
	var hdr [headerSize]byte
	binary.LittleEndian.PutUint64(hdr[0:], uint64(len(payload)))
	binary.LittleEndian.PutUint32(hdr[lengthSize:], Checksum(hdr[:lengthSize]))
	dst = append(dst, hdr[:]...)
	dst = append(dst, payload...)
	return binary.LittleEndian.AppendUint32(dst, Checksum(payload))
}

// FrameSize is the encoded size of a payload of n bytes
func FrameSize(n int) int {
	return headerSize + n + footerSize
}

// Decode parses one complete frame. Checksums are not verified; call Validate.
func (c *RecordCodec) Decode(data []byte) (*Record, error) {
	if len(data) < headerSize+footerSize {
		return nil, fmt.Errorf("data too short for record frame: %d bytes", len(data))
	}

	r := &Record{
		Length:    binary.LittleEndian.Uint64(data[0:lengthSize]),
		LengthCRC: binary.LittleEndian.Uint32(data[lengthSize:headerSize]),
	}
	if uint64(len(data)-headerSize-footerSize) < r.Length {
		return nil, fmt.Errorf("data too short for payload: %d < %d", len(data)-headerSize-footerSize, r.Length)
	}

	end := headerSize + int(r.Length)
	r.Payload = data[headerSize:end]
	r.PayloadCRC = binary.LittleEndian.Uint32(data[end : end+footerSize])
	return r, nil
}

// Validate checks both checksums of the record
func (r *Record) Validate() error {
	var lenBuf [lengthSize]byte
	binary.LittleEndian.PutUint64(lenBuf[:], r.Length)
	if got := Checksum(lenBuf[:]); got != r.LengthCRC {
		return fmt.Errorf("length CRC mismatch: %#08x != %#08x", r.LengthCRC, got)
	}
	if uint64(len(r.Payload)) != r.Length {
		return fmt.Errorf("payload size mismatch: %d != %d", len(r.Payload), r.Length)
	}
	if got := Checksum(r.Payload); got != r.PayloadCRC {
		return fmt.Errorf("payload CRC mismatch: %#08x != %#08x", r.PayloadCRC, got)
	}
	return nil
}

// Size returns the total size of the record when encoded
func (r *Record) Size() int {
	return FrameSize(len(r.Payload))
}
