package codec

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxRecordSize bounds a single payload. A length above it is treated as
// corruption even when its checksum matches.
const MaxRecordSize = 1 << 30

// CorruptionError reports a damaged or truncated record. Offset is the byte
// position of the start of the bad record.
type CorruptionError struct {
	Offset int64
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt record at offset %d: %s", e.Offset, e.Reason)
}

// IsCorruption reports whether err is, or wraps, a CorruptionError
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// RecordWriter frames payloads onto an underlying writer
type RecordWriter struct {
	w      io.Writer
	buf    []byte
	offset int64
}

// NewRecordWriter wraps w. Buffering is the caller's concern.
func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{w: w}
}

// Write frames payload and writes it, returning the offset the record starts at
func (w *RecordWriter) Write(payload []byte) (int64, error) {
	w.buf = AppendFrame(w.buf[:0], payload)
	n, err := w.w.Write(w.buf)
	start := w.offset
	w.offset += int64(n)
	return start, err
}

// WriteExample serializes ex and writes it as one record
func (w *RecordWriter) WriteExample(ex *Example) (int64, error) {
	return w.Write(ex.Marshal())
}

// Offset returns the number of bytes written so far
func (w *RecordWriter) Offset() int64 {
	return w.offset
}

// RecordReader reads records forward-only. After the first error every call
// returns the same error.
type RecordReader struct {
	r      *bufio.Reader
	codec  *RecordCodec
	offset int64
	err    error
}

// NewRecordReader creates a reader positioned at the start of r
func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{
		r:     bufio.NewReader(r),
		codec: NewRecordCodec(),
	}
}

// Next returns the payload of the next record. It returns io.EOF when the
// stream ends exactly on a record boundary.
func (r *RecordReader) Next() ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	payload, err := r.next()
	if err != nil {
		r.err = err
		return nil, err
	}
	return payload, nil
}

func (r *RecordReader) next() ([]byte, error) {
	start := r.offset

	header := make([]byte, headerSize)
	n, err := io.ReadFull(r.r, header)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return nil, &CorruptionError{Offset: start, Reason: fmt.Sprintf("truncated header (%d of %d bytes)", n, headerSize)}
		}
		return nil, err
	}

	length := binary.LittleEndian.Uint64(header[:lengthSize])
	if Checksum(header[:lengthSize]) != binary.LittleEndian.Uint32(header[lengthSize:]) {
		return nil, &CorruptionError{Offset: start, Reason: "length CRC mismatch"}
	}
	if length > MaxRecordSize {
		return nil, &CorruptionError{Offset: start, Reason: fmt.Sprintf("record length %d exceeds limit", length)}
	}

	frame := make([]byte, FrameSize(int(length)))
	copy(frame, header)
	if _, err := io.ReadFull(r.r, frame[headerSize:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, &CorruptionError{Offset: start, Reason: "truncated payload"}
		}
		return nil, err
	}

	record, err := r.codec.Decode(frame)
	if err != nil {
		return nil, &CorruptionError{Offset: start, Reason: err.Error()}
	}
	if err := record.Validate(); err != nil {
		return nil, &CorruptionError{Offset: start, Reason: err.Error()}
	}

	r.offset += int64(len(frame))
	return record.Payload, nil
}

// NextExample reads and decodes the next record. A payload that is not an
// Example is sticky like a corrupt frame.
func (r *RecordReader) NextExample() (*Example, error) {
	payload, err := r.Next()
	if err != nil {
		return nil, err
	}
	ex, err := UnmarshalExample(payload)
	if err != nil {
		// The frame was intact, so the reader is past it; stop here anyway
		r.err = fmt.Errorf("decode example at offset %d: %w", r.offset-int64(FrameSize(len(payload))), err)
		return nil, r.err
	}
	return ex, nil
}

// Offset returns the end offset of the last valid record
func (r *RecordReader) Offset() int64 {
	return r.offset
}

// CountRecords reads r to the end and returns the number of valid records.
// The count is still meaningful when err is a CorruptionError.
func CountRecords(r io.Reader) (int, error) {
	rr := NewRecordReader(r)
	count := 0
	for {
		if _, err := rr.Next(); err != nil {
			if err == io.EOF {
				return count, nil
			}
			return count, err
		}
		count++
	}
}
