package simplemedia

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// CanonicalMimeType is the format every ORIGINAL is re-encoded to before hashing.
const (
	CanonicalMimeType = "image/jpeg"
	CanonicalExt      = "jpg"
	canonicalQuality  = 90
)

// Rendition is an encoded image and its pixel size.
type Rendition struct {
	Data   []byte
	Width  int
	Height int
}

// DecodeDimensions reads only the image header.
func DecodeDimensions(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// Canonicalize decodes data, applies EXIF orientation, downscales it to at
// most maxWidth (never enlarging) and re-encodes it as JPEG.
func Canonicalize(data []byte, maxWidth int) (*Rendition, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return encode(fit(img, maxWidth), canonicalQuality)
}

// DecodeImage decodes a stored ORIGINAL.
func DecodeImage(r io.Reader) (image.Image, error) {
	img, err := imaging.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrProcessing, err)
	}
	return img, nil
}

// RenderVariant resizes src to spec.Width without enlargement and encodes it.
func RenderVariant(src image.Image, spec VariantSpec) (*Rendition, error) {
	r, err := encode(fit(src, spec.Width), spec.Quality)
	if err != nil {
		return nil, fmt.Errorf("%w: render %s: %v", ErrProcessing, spec.Variant, err)
	}
	return r, nil
}

func fit(img image.Image, maxWidth int) image.Image {
	if maxWidth <= 0 || img.Bounds().Dx() <= maxWidth {
		return img
	}
	return imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
}

func encode(img image.Image, quality int) (*Rendition, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, err
	}
	b := img.Bounds()
	return &Rendition{Data: buf.Bytes(), Width: b.Dx(), Height: b.Dy()}, nil
}
