package features

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/featurestream/pkg/codec"
	"github.com/ssargent/featurestream/pkg/config"
	"github.com/ssargent/featurestream/pkg/model"
	"github.com/ssargent/featurestream/pkg/storage"
	"github.com/ssargent/featurestream/pkg/testutil"
	"github.com/ssargent/featurestream/pkg/writer"
)

var textSpecs = []model.FeatureSpec{
	{Property: "title", Kind: model.KindText},
	{Name: "content", Property: "body", Kind: model.KindText},
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 5), G: uint8(y * 7), B: 128, A: 200})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func textUnit(i int) model.Unit {
	return model.Unit{
		ID: fmt.Sprintf("doc-%03d", i),
		Properties: map[string]model.Property{
			"title": {Kind: model.KindText, Text: fmt.Sprintf("title %d", i)},
			"body":  {Kind: model.KindText, Text: fmt.Sprintf("body of document %d", i)},
		},
	}
}

func TestBuilder_Text(t *testing.T) {
	b, err := NewBuilder(textSpecs, config.Image{}, nil, testutil.NewTestLogger(t))
	require.NoError(t, err)

	ex, report := b.Build(context.Background(), textUnit(7))
	require.NotNil(t, ex)
	assert.Empty(t, report.Skipped)
	assert.Equal(t, "doc-007", ex.DocID)
	assert.Equal(t, 2, ex.Len())
	assert.Equal(t, codec.StringFeature("title 7"), ex.Features["title"])
	assert.Equal(t, codec.StringFeature("body of document 7"), ex.Features["content"])
}

func TestBuilder_Category(t *testing.T) {
	specs := []model.FeatureSpec{
		{Property: "tags", Kind: model.KindCategory},
		{Property: "label", Kind: model.KindCategory},
	}
	b, err := NewBuilder(specs, config.Image{}, nil, nil)
	require.NoError(t, err)

	ex, _ := b.Build(context.Background(), model.Unit{
		ID: "doc",
		Properties: map[string]model.Property{
			"tags":  {Values: []string{"a", "b", "c"}},
			"label": {Text: "cat"},
		},
	})
	require.NotNil(t, ex)
	assert.Equal(t, 3, ex.Features["tags"].Len())
	assert.Equal(t, codec.StringFeature("cat"), ex.Features["label"])
}

func TestBuilder_DropsUnitWithoutFeatures(t *testing.T) {
	b, err := NewBuilder(textSpecs, config.Image{}, nil, nil)
	require.NoError(t, err)

	ex, report := b.Build(context.Background(), model.Unit{
		ID:         "unrelated",
		Properties: map[string]model.Property{"other": {Text: "x"}},
	})
	assert.Nil(t, ex)
	assert.Empty(t, report.Skipped)

	enc, err := b.Encode(context.Background(), model.Unit{ID: "empty"})
	require.NoError(t, err)
	assert.Nil(t, enc.Payload)
}

func TestBuilder_PropertyFailureSkipsOnlyThatProperty(t *testing.T) {
	specs := []model.FeatureSpec{
		{Property: "photo", Kind: model.KindImage},
		{Property: "scan", Kind: model.KindImage},
		{Property: "caption", Kind: model.KindText},
	}
	b, err := NewBuilder(specs, config.Image{}, nil, testutil.NewTestLogger(t))
	require.NoError(t, err)

	ex, report := b.Build(context.Background(), model.Unit{
		ID: "doc",
		Properties: map[string]model.Property{
			"photo":   {Blob: []byte("definitely not an image")},
			"scan":    {Path: filepath.Join(t.TempDir(), "missing.png")},
			"caption": {Text: "a caption"},
		},
	})
	require.NotNil(t, ex)
	assert.Equal(t, 1, ex.Len())
	assert.Contains(t, ex.Features, "caption")

	require.Len(t, report.Skipped, 2)
	for _, err := range report.Skipped {
		assert.True(t, IsSkippable(err))
	}

	// Every property failing drops the unit but still reports the failures
	ex, report = b.Build(context.Background(), model.Unit{
		ID:         "broken",
		Properties: map[string]model.Property{"photo": {Blob: []byte{0x00}}},
	})
	assert.Nil(t, ex)
	assert.Len(t, report.Skipped, 1)
}

func TestBuilder_ImageFromPath(t *testing.T) {
	data := testPNG(t, 20, 10)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "img.png"), data, 0600))

	specs := []model.FeatureSpec{{Property: "image", Kind: model.KindImage}}
	b, err := NewBuilder(specs, config.Image{}, FileLoader{Root: dir}, nil)
	require.NoError(t, err)

	ex, report := b.Build(context.Background(), model.Unit{
		ID:         "doc",
		Properties: map[string]model.Property{"image": {Path: "img.png"}},
	})
	require.NotNil(t, ex)
	assert.Empty(t, report.Skipped)
	assert.Equal(t, [][]byte{data}, ex.Features["image"].Bytes)
}

func TestConvertImage(t *testing.T) {
	src := testPNG(t, 40, 30)

	t.Run("passthrough", func(t *testing.T) {
		out, err := ConvertImage(src, config.Image{})
		require.NoError(t, err)
		assert.Equal(t, src, out)
	})

	t.Run("resize png 8 bit", func(t *testing.T) {
		out, err := ConvertImage(src, config.Image{Width: 10, Height: 8, Depth: 8, Format: "png"})
		require.NoError(t, err)
		cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
		require.NoError(t, err)
		assert.Equal(t, "png", format)
		assert.Equal(t, 10, cfg.Width)
		assert.Equal(t, 8, cfg.Height)
		assert.Equal(t, color.NRGBAModel, cfg.ColorModel)
	})

	t.Run("png 16 bit", func(t *testing.T) {
		out, err := ConvertImage(src, config.Image{Depth: 16, Format: "png"})
		require.NoError(t, err)
		cfg, _, err := image.DecodeConfig(bytes.NewReader(out))
		require.NoError(t, err)
		assert.Equal(t, 40, cfg.Width)
		assert.Equal(t, color.NRGBA64Model, cfg.ColorModel)
	})

	t.Run("jpeg", func(t *testing.T) {
		out, err := ConvertImage(src, config.Image{Width: 16, Height: 12, Format: "jpeg", Quality: 70})
		require.NoError(t, err)
		img, err := jpeg.Decode(bytes.NewReader(out))
		require.NoError(t, err)
		assert.Equal(t, 16, img.Bounds().Dx())
		assert.Equal(t, 12, img.Bounds().Dy())
	})

	t.Run("undecodable", func(t *testing.T) {
		_, err := ConvertImage([]byte("nope"), config.Image{Width: 4, Height: 4})
		assert.Error(t, err)
	})
}

func TestNewBuilder_Validation(t *testing.T) {
	_, err := NewBuilder(nil, config.Image{}, nil, nil)
	assert.True(t, config.IsConfigurationError(err))

	_, err = NewBuilder([]model.FeatureSpec{{Property: "x", Kind: "video"}}, config.Image{}, nil, nil)
	assert.True(t, config.IsConfigurationError(err))

	_, err = NewBuilder(textSpecs, config.Image{Depth: 12}, nil, nil)
	assert.True(t, config.IsConfigurationError(err))
}

func newTFRecordWriter(t *testing.T, specs []model.FeatureSpec) (*writer.FileWriter, storage.BlobStore, *storage.StateStore) {
	t.Helper()
	root := t.TempDir()
	db, err := storage.Open(filepath.Join(root, "state"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	state := storage.NewStateStore(db)
	blobs, err := storage.NewFSBlobStore(filepath.Join(root, "blobs"))
	require.NoError(t, err)

	w, err := writer.New(Kind, writer.Deps{
		Paths:  state,
		Blobs:  blobs,
		Logger: testutil.NewTestLogger(t),
	}, writer.Options{
		Shard:    model.ShardTraining,
		Dir:      filepath.Join(root, "shards"),
		Features: specs,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w, blobs, state
}

func readBlobExamples(t *testing.T, blobs storage.BlobStore, ref *model.BlobRef) []*codec.Example {
	t.Helper()
	data, err := blobs.ReadBlob(context.Background(), *ref)
	require.NoError(t, err)

	var out []*codec.Example
	r := codec.NewRecordReader(bytes.NewReader(data))
	for {
		ex, err := r.NextExample()
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			return out
		}
		out = append(out, ex)
	}
}

func TestTFRecordWriter_500TextUnits(t *testing.T) {
	ctx := context.Background()
	w, blobs, _ := newTFRecordWriter(t, textSpecs)

	units := make([]model.Unit, 0, 500)
	for i := 0; i < 500; i++ {
		units = append(units, textUnit(i))
	}
	for start := 0; start < len(units); start += 64 {
		end := min(start+64, len(units))
		res, err := w.Write(ctx, "job", units[start:end])
		require.NoError(t, err)
		assert.Equal(t, int64(end-start), res.Written)
	}

	ref, err := w.Complete(ctx, "job")
	require.NoError(t, err)
	require.NotNil(t, ref)

	examples := readBlobExamples(t, blobs, ref)
	require.Len(t, examples, 500)
	for i, ex := range examples {
		assert.Equal(t, 2, ex.Len())
		assert.Equal(t, fmt.Sprintf("doc-%03d", i), ex.DocID)
	}
}

func TestTFRecordWriter_OnlyQualifyingUnitsWritten(t *testing.T) {
	ctx := context.Background()
	w, blobs, _ := newTFRecordWriter(t, textSpecs)

	const n = 120
	units := make([]model.Unit, 0, n)
	qualifying := 0
	for i := 0; i < n; i++ {
		if i%3 == 0 {
			units = append(units, model.Unit{ID: fmt.Sprintf("empty-%d", i)})
			continue
		}
		units = append(units, textUnit(i))
		qualifying++
	}

	res, err := w.Write(ctx, "job", units)
	require.NoError(t, err)
	assert.Equal(t, int64(qualifying), res.Written)
	assert.Equal(t, int64(n-qualifying), res.Dropped)

	ref, err := w.Complete(ctx, "job")
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Len(t, readBlobExamples(t, blobs, ref), qualifying)
}
