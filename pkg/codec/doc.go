// Package codec provides the framed record format used for exported datasets.
//
// Each record carries one serialized Example message. Records are appended to
// a shard file back to back with no file header, so a file is valid as long
// as it ends on a record boundary.
//
// # Record Format
//
//	[Length(8)][LengthCRC(4)][Payload(Length)][PayloadCRC(4)]
//
// Fields:
//   - Length: 64-bit unsigned payload length (little-endian)
//   - LengthCRC: masked CRC32C of the 8 length bytes (little-endian)
//   - Payload: serialized Example message
//   - PayloadCRC: masked CRC32C of the payload bytes (little-endian)
//
// The total record size is: 16 bytes + len(payload)
//
// # Masked CRC32C
//
// Checksums use the Castagnoli polynomial and are masked before storage:
//
//	mask(crc) = ((crc >> 15) | (crc << 17)) + 0xa282ead8
//
// so that a checksum stored next to data that happens to contain its own CRC
// does not validate trivially.
//
// # Example Message
//
// The payload is the protobuf encoding of
//
//	message Example  { Features features = 1; string doc_id = 2; }
//	message Features { map<string, Feature> feature = 1; }
//	message Feature  { oneof kind { BytesList bytes_list = 1; FloatList float_list = 2; Int64List int64_list = 3; } }
//
// Only bytes_list and int64_list are produced or accepted. Unknown Example
// fields are kept as raw bytes and written back unchanged when the Example is
// re-encoded.
//
// # Usage
//
//	w := codec.NewRecordWriter(file)
//	if _, err := w.WriteExample(ex); err != nil {
//	    return err
//	}
//
//	r := codec.NewRecordReader(file)
//	for {
//	    ex, err := r.NextExample()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err // *CorruptionError on checksum mismatch or truncation
//	    }
//	    ...
//	}
//
// # Thread Safety
//
// RecordCodec is stateless and safe for concurrent use. RecordWriter and
// RecordReader are owned by a single goroutine.
package codec
