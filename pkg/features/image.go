package features

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/ssargent/featurestream/pkg/config"
)

const defaultJPEGQuality = 90

// ConvertImage resizes and re-encodes an image according to opts. When no
// size and no format are configured the input is only checked to be a
// decodable image and returned unchanged.
func ConvertImage(data []byte, opts config.Image) ([]byte, error) {
	if opts.Width == 0 && opts.Format == "" {
		if _, _, err := image.DecodeConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("decode image: %w", err)
		}
		return data, nil
	}

	src, srcFormat, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	format := targetFormat(opts.Format, srcFormat)
	bounds := src.Bounds()
	if opts.Width > 0 {
		bounds = image.Rect(0, 0, opts.Width, opts.Height)
	}

	var dst draw.Image
	if opts.Depth == 16 {
		dst = image.NewNRGBA64(bounds)
	} else {
		dst = image.NewNRGBA(bounds)
	}
	if bounds.Eq(src.Bounds()) {
		draw.Draw(dst, bounds, src, src.Bounds().Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(dst, bounds, src, src.Bounds(), draw.Src, nil)
	}

	var buf bytes.Buffer
	switch format {
	case "jpeg":
		quality := opts.Quality
		if quality == 0 {
			quality = defaultJPEGQuality
		}
		err = jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality})
	default:
		err = png.Encode(&buf, dst)
	}
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// targetFormat keeps jpeg input as jpeg; everything else becomes png
func targetFormat(configured, source string) string {
	switch strings.ToLower(configured) {
	case "jpeg", "jpg":
		return "jpeg"
	case "png":
		return "png"
	}
	if source == "jpeg" {
		return "jpeg"
	}
	return "png"
}
