package visual

import (
	"bytes"
	"image"

	"github.com/cockroachdb/errors"
	"github.com/disintegration/imaging"
)

// Fit crops the image to the aspect ratio of width x height around its
// center, scales it to exactly that size and returns it as PNG.
func Fit(data []byte, width, height int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "decoding image")
	}

	return encodePNG(imaging.Fill(img, width, height, imaging.Center, imaging.Lanczos))
}

// Scale shrinks the image to width keeping its aspect ratio and returns it
// as PNG. Nothing is cropped; narrower images keep their size.
func Scale(data []byte, width int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "decoding image")
	}
	if width > 0 && img.Bounds().Dx() > width {
		return encodePNG(imaging.Resize(img, width, 0, imaging.Lanczos))
	}
	return encodePNG(img)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, errors.Wrap(err, "encoding PNG")
	}
	return buf.Bytes(), nil
}
