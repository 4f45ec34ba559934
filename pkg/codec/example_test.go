package codec

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

func TestExample_RoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		ex   *Example
	}{
		{
			name: "text features with doc id",
			ex: &Example{
				DocID: "doc-1",
				Features: map[string]Feature{
					"dc:title":       StringFeature("A title"),
					"dc:description": StringFeature("Some longer description"),
				},
			},
		},
		{
			name: "binary and int64 features",
			ex: &Example{
				Features: map[string]Feature{
					"file:content": BytesFeature([]byte{0x89, 'P', 'N', 'G', 0x00}),
					"shape":        Int64Feature(224, 224, 3),
					"negative":     Int64Feature(-1, 0, 1<<40),
				},
			},
		},
		{
			name: "multi valued category",
			ex: &Example{
				DocID: "doc-3",
				Features: map[string]Feature{
					"dc:subjects": StringFeature("art", "music", "sports"),
				},
			},
		},
		{
			name: "empty lists",
			ex: &Example{
				Features: map[string]Feature{
					"nothing": BytesFeature(),
					"zeros":   Int64Feature(),
				},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			decoded, err := UnmarshalExample(tc.ex.Marshal())
			if err != nil {
				t.Fatalf("UnmarshalExample failed: %v", err)
			}
			if !reflect.DeepEqual(decoded, tc.ex) {
				t.Errorf("round trip mismatch:\n got %#v\nwant %#v", decoded, tc.ex)
			}
		})
	}
}

func TestExample_MarshalDeterministic(t *testing.T) {
	ex := NewExample("doc")
	for _, k := range []string{"z", "a", "m", "b"} {
		ex.Set(k, StringFeature(k))
	}

	first := ex.Marshal()
	for i := 0; i < 10; i++ {
		if !bytes.Equal(first, ex.Marshal()) {
			t.Fatal("Marshal output differs between calls")
		}
	}
}

func TestExample_FieldTags(t *testing.T) {
	ex := NewExample("id-7")
	ex.Set("k", StringFeature("v"))
	data := ex.Marshal()

	num, typ, n := protowire.ConsumeTag(data)
	if n < 0 || num != 1 || typ != protowire.BytesType {
		t.Fatalf("first field: got num=%d typ=%d", num, typ)
	}
	if data[0] != (1<<3)|2 {
		t.Errorf("features tag byte: got %#x, want %#x", data[0], (1<<3)|2)
	}

	_, m := protowire.ConsumeBytes(data[n:])
	rest := data[n+m:]
	if rest[0] != (2<<3)|2 {
		t.Errorf("doc_id tag byte: got %#x, want %#x", rest[0], (2<<3)|2)
	}
}

func TestExample_UnknownFieldsPreserved(t *testing.T) {
	ex := NewExample("doc-u")
	ex.Set("title", StringFeature("hello"))
	data := ex.Marshal()

	// A newer writer appended field 9 (varint) and field 10 (bytes)
	data = protowire.AppendTag(data, 9, protowire.VarintType)
	data = protowire.AppendVarint(data, 42)
	data = protowire.AppendTag(data, 10, protowire.BytesType)
	data = protowire.AppendString(data, "extra")

	decoded, err := UnmarshalExample(data)
	if err != nil {
		t.Fatalf("UnmarshalExample: %v", err)
	}
	if decoded.DocID != "doc-u" || decoded.Len() != 1 {
		t.Fatalf("known fields lost: %#v", decoded)
	}
	if len(decoded.Unknown()) == 0 {
		t.Fatal("unknown fields were dropped")
	}

	if !bytes.Equal(decoded.Marshal(), data) {
		t.Error("re-encoded example does not carry unknown fields unchanged")
	}
}

func TestExample_UnpackedInt64Accepted(t *testing.T) {
	var list []byte
	for _, v := range []int64{5, 6, 7} {
		list = protowire.AppendTag(list, 1, protowire.VarintType)
		list = protowire.AppendVarint(list, uint64(v))
	}
	feature := protowire.AppendTag(nil, 3, protowire.BytesType)
	feature = protowire.AppendBytes(feature, list)

	var entry []byte
	entry = protowire.AppendTag(entry, 1, protowire.BytesType)
	entry = protowire.AppendString(entry, "ints")
	entry = protowire.AppendTag(entry, 2, protowire.BytesType)
	entry = protowire.AppendBytes(entry, feature)

	features := protowire.AppendTag(nil, 1, protowire.BytesType)
	features = protowire.AppendBytes(features, entry)

	data := protowire.AppendTag(nil, 1, protowire.BytesType)
	data = protowire.AppendBytes(data, features)

	ex, err := UnmarshalExample(data)
	if err != nil {
		t.Fatalf("UnmarshalExample: %v", err)
	}
	got := ex.Features["ints"]
	if got.Kind != KindInt64List || !reflect.DeepEqual(got.Int64s, []int64{5, 6, 7}) {
		t.Errorf("unpacked int64 list: got %#v", got)
	}
}

func TestExample_FloatListRejected(t *testing.T) {
	feature := protowire.AppendTag(nil, 2, protowire.BytesType)
	feature = protowire.AppendBytes(feature, nil)

	var entry []byte
	entry = protowire.AppendTag(entry, 1, protowire.BytesType)
	entry = protowire.AppendString(entry, "floats")
	entry = protowire.AppendTag(entry, 2, protowire.BytesType)
	entry = protowire.AppendBytes(entry, feature)

	features := protowire.AppendTag(nil, 1, protowire.BytesType)
	features = protowire.AppendBytes(features, entry)

	data := protowire.AppendTag(nil, 1, protowire.BytesType)
	data = protowire.AppendBytes(data, features)

	if _, err := UnmarshalExample(data); !errors.Is(err, ErrUnsupportedFeature) {
		t.Fatalf("expected ErrUnsupportedFeature, got %v", err)
	}
}

func TestExample_Truncated(t *testing.T) {
	ex := NewExample("doc")
	ex.Set("title", StringFeature("a fairly long title value"))
	data := ex.Marshal()

	if _, err := UnmarshalExample(data[:len(data)-4]); err == nil {
		t.Fatal("expected error for truncated example")
	}
}

func TestRecordStream_Examples(t *testing.T) {
	var buf bytes.Buffer
	w := NewRecordWriter(&buf)

	var want []*Example
	for i := 0; i < 25; i++ {
		ex := NewExample("doc")
		ex.Set("index", Int64Feature(int64(i)))
		ex.Set("label", StringFeature("label"))
		want = append(want, ex)
		if _, err := w.WriteExample(ex); err != nil {
			t.Fatalf("WriteExample: %v", err)
		}
	}

	r := NewRecordReader(&buf)
	for i := range want {
		got, err := r.NextExample()
		if err != nil {
			t.Fatalf("NextExample %d: %v", i, err)
		}
		if !reflect.DeepEqual(got, want[i]) {
			t.Errorf("example %d mismatch", i)
		}
	}
	if _, err := r.NextExample(); err != io.EOF {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestRecordStream_UndecodableExampleIsSticky(t *testing.T) {
	var buf bytes.Buffer
	w := NewRecordWriter(&buf)
	if _, err := w.Write([]byte{0xff}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := w.WriteExample(NewExample("after")); err != nil {
		t.Fatalf("WriteExample: %v", err)
	}

	r := NewRecordReader(&buf)
	_, first := r.NextExample()
	if first == nil {
		t.Fatal("expected decode error")
	}
	if IsCorruption(first) {
		t.Fatalf("decode failure reported as frame corruption: %v", first)
	}

	// The valid record behind it is not handed out
	_, second := r.NextExample()
	if second != first {
		t.Fatalf("expected the same error again, got %v", second)
	}
	if _, err := r.Next(); err != first {
		t.Fatalf("Next after decode error: got %v", err)
	}
}
