package codec

import (
	"errors"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the Example schema
const (
	exampleFeaturesField protowire.Number = 1
	exampleDocIDField    protowire.Number = 2

	featuresEntryField protowire.Number = 1
	entryKeyField      protowire.Number = 1
	entryValueField    protowire.Number = 2

	featureBytesListField protowire.Number = 1
	featureFloatListField protowire.Number = 2
	featureInt64ListField protowire.Number = 3

	listValueField protowire.Number = 1
)

// ErrUnsupportedFeature is returned when a record carries a float_list feature
var ErrUnsupportedFeature = errors.New("unsupported feature kind")

// FeatureKind tags the variant held by a Feature
type FeatureKind uint8

const (
	KindBytesList FeatureKind = iota + 1
	KindInt64List
)

func (k FeatureKind) String() string {
	switch k {
	case KindBytesList:
		return "bytes_list"
	case KindInt64List:
		return "int64_list"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Feature is a named list of values: either byte strings or int64s
type Feature struct {
	Kind   FeatureKind
	Bytes  [][]byte
	Int64s []int64
}

// BytesFeature builds a bytes_list feature
func BytesFeature(values ...[]byte) Feature {
	return Feature{Kind: KindBytesList, Bytes: values}
}

// StringFeature builds a bytes_list feature from UTF-8 strings
func StringFeature(values ...string) Feature {
	out := make([][]byte, len(values))
	for i, v := range values {
		out[i] = []byte(v)
	}
	return Feature{Kind: KindBytesList, Bytes: out}
}

// Int64Feature builds an int64_list feature
func Int64Feature(values ...int64) Feature {
	return Feature{Kind: KindInt64List, Int64s: values}
}

// Len returns the number of values in the feature
func (f Feature) Len() int {
	if f.Kind == KindInt64List {
		return len(f.Int64s)
	}
	return len(f.Bytes)
}

// Example is one training record: named features and an optional document id
type Example struct {
	Features map[string]Feature
	DocID    string

	// unknown holds top-level fields this package does not interpret
	unknown []byte
}

// NewExample returns an Example with an empty feature map
func NewExample(docID string) *Example {
	return &Example{Features: make(map[string]Feature), DocID: docID}
}

// Set adds or replaces a feature
func (e *Example) Set(name string, f Feature) {
	if e.Features == nil {
		e.Features = make(map[string]Feature)
	}
	e.Features[name] = f
}

// Len returns the number of features
func (e *Example) Len() int {
	return len(e.Features)
}

// Unknown returns the raw bytes of fields preserved from decoding
func (e *Example) Unknown() []byte {
	return e.unknown
}

// Marshal serializes the Example. Feature keys are written in sorted order so
// the output is deterministic.
func (e *Example) Marshal() []byte {
	var b []byte
	if len(e.Features) > 0 {
		b = protowire.AppendTag(b, exampleFeaturesField, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalFeatures(e.Features))
	}
	if e.DocID != "" {
		b = protowire.AppendTag(b, exampleDocIDField, protowire.BytesType)
		b = protowire.AppendString(b, e.DocID)
	}
	return append(b, e.unknown...)
}

func marshalFeatures(features map[string]Feature) []byte {
	keys := make([]string, 0, len(features))
	for k := range features {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b []byte
	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, entryKeyField, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, entryValueField, protowire.BytesType)
		entry = protowire.AppendBytes(entry, marshalFeature(features[k]))

		b = protowire.AppendTag(b, featuresEntryField, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func marshalFeature(f Feature) []byte {
	var list []byte
	var field protowire.Number
	switch f.Kind {
	case KindInt64List:
		field = featureInt64ListField
		if len(f.Int64s) > 0 {
			var packed []byte
			for _, v := range f.Int64s {
				packed = protowire.AppendVarint(packed, uint64(v))
			}
			list = protowire.AppendTag(list, listValueField, protowire.BytesType)
			list = protowire.AppendBytes(list, packed)
		}
	default:
		field = featureBytesListField
		for _, v := range f.Bytes {
			list = protowire.AppendTag(list, listValueField, protowire.BytesType)
			list = protowire.AppendBytes(list, v)
		}
	}

	b := protowire.AppendTag(nil, field, protowire.BytesType)
	return protowire.AppendBytes(b, list)
}

// UnmarshalExample parses a serialized Example
func UnmarshalExample(data []byte) (*Example, error) {
	ex := NewExample("")
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("example tag: %w", protowire.ParseError(n))
		}

		switch {
		case num == exampleFeaturesField && typ == protowire.BytesType:
			msg, m := protowire.ConsumeBytes(data[n:])
			if m < 0 {
				return nil, fmt.Errorf("example features: %w", protowire.ParseError(m))
			}
			if err := unmarshalFeatures(msg, ex.Features); err != nil {
				return nil, err
			}
			data = data[n+m:]
		case num == exampleDocIDField && typ == protowire.BytesType:
			s, m := protowire.ConsumeString(data[n:])
			if m < 0 {
				return nil, fmt.Errorf("example doc_id: %w", protowire.ParseError(m))
			}
			ex.DocID = s
			data = data[n+m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data[n:])
			if m < 0 {
				return nil, fmt.Errorf("example field %d: %w", num, protowire.ParseError(m))
			}
			ex.unknown = append(ex.unknown, data[:n+m]...)
			data = data[n+m:]
		}
	}
	return ex, nil
}

func unmarshalFeatures(data []byte, into map[string]Feature) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("features tag: %w", protowire.ParseError(n))
		}
		if num != featuresEntryField || typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, data[n:])
			if m < 0 {
				return fmt.Errorf("features field %d: %w", num, protowire.ParseError(m))
			}
			data = data[n+m:]
			continue
		}

		entry, m := protowire.ConsumeBytes(data[n:])
		if m < 0 {
			return fmt.Errorf("features entry: %w", protowire.ParseError(m))
		}
		key, f, err := unmarshalEntry(entry)
		if err != nil {
			return err
		}
		into[key] = f
		data = data[n+m:]
	}
	return nil
}

func unmarshalEntry(data []byte) (string, Feature, error) {
	var key string
	f := Feature{Kind: KindBytesList}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", Feature{}, fmt.Errorf("entry tag: %w", protowire.ParseError(n))
		}
		switch {
		case num == entryKeyField && typ == protowire.BytesType:
			s, m := protowire.ConsumeString(data[n:])
			if m < 0 {
				return "", Feature{}, fmt.Errorf("entry key: %w", protowire.ParseError(m))
			}
			key = s
			data = data[n+m:]
		case num == entryValueField && typ == protowire.BytesType:
			msg, m := protowire.ConsumeBytes(data[n:])
			if m < 0 {
				return "", Feature{}, fmt.Errorf("entry value: %w", protowire.ParseError(m))
			}
			parsed, err := unmarshalFeature(msg)
			if err != nil {
				return "", Feature{}, fmt.Errorf("feature %q: %w", key, err)
			}
			f = parsed
			data = data[n+m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data[n:])
			if m < 0 {
				return "", Feature{}, fmt.Errorf("entry field %d: %w", num, protowire.ParseError(m))
			}
			data = data[n+m:]
		}
	}
	return key, f, nil
}

func unmarshalFeature(data []byte) (Feature, error) {
	f := Feature{Kind: KindBytesList}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Feature{}, protowire.ParseError(n)
		}
		if typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, data[n:])
			if m < 0 {
				return Feature{}, protowire.ParseError(m)
			}
			data = data[n+m:]
			continue
		}

		list, m := protowire.ConsumeBytes(data[n:])
		if m < 0 {
			return Feature{}, protowire.ParseError(m)
		}
		data = data[n+m:]

		var err error
		switch num {
		case featureBytesListField:
			f = Feature{Kind: KindBytesList}
			f.Bytes, err = unmarshalBytesList(list)
		case featureInt64ListField:
			f = Feature{Kind: KindInt64List}
			f.Int64s, err = unmarshalInt64List(list)
		case featureFloatListField:
			return Feature{}, fmt.Errorf("%w: float_list", ErrUnsupportedFeature)
		}
		if err != nil {
			return Feature{}, err
		}
	}
	return f, nil
}

func unmarshalBytesList(data []byte) ([][]byte, error) {
	var out [][]byte
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		if num == listValueField && typ == protowire.BytesType {
			v, m := protowire.ConsumeBytes(data[n:])
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			out = append(out, append([]byte{}, v...))
			data = data[n+m:]
			continue
		}
		m := protowire.ConsumeFieldValue(num, typ, data[n:])
		if m < 0 {
			return nil, protowire.ParseError(m)
		}
		data = data[n+m:]
	}
	return out, nil
}

// unmarshalInt64List accepts both packed and unpacked encodings
func unmarshalInt64List(data []byte) ([]int64, error) {
	var out []int64
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		switch {
		case num == listValueField && typ == protowire.BytesType:
			packed, m := protowire.ConsumeBytes(data[n:])
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			for len(packed) > 0 {
				v, k := protowire.ConsumeVarint(packed)
				if k < 0 {
					return nil, protowire.ParseError(k)
				}
				out = append(out, int64(v))
				packed = packed[k:]
			}
			data = data[n+m:]
		case num == listValueField && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(data[n:])
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			out = append(out, int64(v))
			data = data[n+m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data[n:])
			if m < 0 {
				return nil, protowire.ParseError(m)
			}
			data = data[n+m:]
		}
	}
	return out, nil
}
