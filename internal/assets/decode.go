package assets

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

var placeholderColor = color.RGBA{R: 38, G: 38, B: 38, A: 255}

// DefaultMaxPixels bounds the width×height of any image the cache decodes
// or produces.
const DefaultMaxPixels = 64 << 20

func newPlaceholder() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.SetRGBA(0, 0, placeholderColor)
	return img
}

// Decode turns raster or SVG bytes into an RGBA image, resized to size
// when one is given. Images above DefaultMaxPixels are rejected.
func Decode(data []byte, size *Size) (*image.RGBA, error) {
	return DecodeLimit(data, size, DefaultMaxPixels)
}

// DecodeLimit is Decode with an explicit pixel cap. Both the source and the
// output dimensions are checked before anything is allocated.
func DecodeLimit(data []byte, size *Size, maxPixels int64) (*image.RGBA, error) {
	if len(data) == 0 {
		return nil, errors.New("no data")
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	if isSVG(data) {
		return rasterize(data, size, maxPixels)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if err := checkPixels(float64(cfg.Width), float64(cfg.Height), maxPixels); err != nil {
		return nil, err
	}
	w, h := dimensions(size, cfg.Width, cfg.Height)
	if err := checkPixels(float64(w), float64(h), maxPixels); err != nil {
		return nil, err
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	return scale(img, size), nil
}

// decodeImage is the decoder used by cache workers.
var decodeImage = DecodeLimit

func checkPixels(w, h float64, maxPixels int64) error {
	if w*h > float64(maxPixels) {
		return fmt.Errorf("%.0fx%.0f: %w", w, h, ErrTooManyPixels)
	}
	return nil
}

func isSVG(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	head = bytes.TrimPrefix(head, []byte("\xef\xbb\xbf"))
	head = bytes.TrimLeft(head, " \t\r\n")
	if bytes.HasPrefix(head, []byte("<svg")) {
		return true
	}
	return bytes.HasPrefix(head, []byte("<?xml")) && bytes.Contains(head, []byte("<svg"))
}

func rasterize(data []byte, size *Size, maxPixels int64) (*image.RGBA, error) {
	icon, err := oksvg.ReadIconStream(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	vw, vh := icon.ViewBox.W, icon.ViewBox.H
	if !(vw >= 1 && vh >= 1) {
		return nil, fmt.Errorf("svg has no usable view box")
	}
	if err := checkPixels(vw, vh, maxPixels); err != nil {
		return nil, err
	}
	w, h := dimensions(size, int(vw), int(vh))
	if err := checkPixels(float64(w), float64(h), maxPixels); err != nil {
		return nil, err
	}

	icon.SetTarget(0, 0, float64(w), float64(h))
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	scanner := rasterx.NewScannerGV(w, h, dst, dst.Bounds())
	icon.Draw(rasterx.NewDasher(w, h, scanner), 1)
	return dst, nil
}

// dimensions resolves the output size for a source of sw×sh pixels.
func dimensions(size *Size, sw, sh int) (int, int) {
	if size == nil || (size.W <= 0 && size.H <= 0) {
		return sw, sh
	}
	w, h := size.W, size.H
	if sw <= 0 || sh <= 0 {
		return max(w, 1), max(h, 1)
	}
	if w <= 0 {
		w = sw * h / sh
	}
	if h <= 0 {
		h = sh * w / sw
	}
	return max(w, 1), max(h, 1)
}

func scale(img image.Image, size *Size) *image.RGBA {
	b := img.Bounds()
	w, h := dimensions(size, b.Dx(), b.Dy())

	if rgba, ok := img.(*image.RGBA); ok && w == b.Dx() && h == b.Dy() && b.Min == (image.Point{}) {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
