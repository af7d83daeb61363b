package assets

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"zapstream-sync/test/helpers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("PNG keeps its size", func(t *testing.T) {
		img, err := Decode(helpers.PNG(12, 7, color.Black), nil)
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 12, 7), img.Bounds())
	})

	t.Run("JPEG resized", func(t *testing.T) {
		src := image.NewRGBA(image.Rect(0, 0, 100, 50))
		var buf bytes.Buffer
		require.NoError(t, jpeg.Encode(&buf, src, nil))

		img, err := Decode(buf.Bytes(), &Size{W: 10, H: 10})
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 10, 10), img.Bounds())
	})

	t.Run("Zero width keeps aspect", func(t *testing.T) {
		img, err := Decode(helpers.PNG(100, 50, color.Black), &Size{H: 25})
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 50, 25), img.Bounds())
	})

	t.Run("SVG rasterized at requested size", func(t *testing.T) {
		img, err := Decode(helpers.SVG(10, 10), &Size{W: 64, H: 64})
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 64, 64), img.Bounds())
		assert.Equal(t, uint8(255), img.RGBAAt(32, 32).R)
	})

	t.Run("SVG without size uses its view box", func(t *testing.T) {
		img, err := Decode(helpers.SVG(24, 12), nil)
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 24, 12), img.Bounds())
	})

	t.Run("Oversized PNG header is rejected before decoding", func(t *testing.T) {
		data := helpers.HugePNG(1<<30, 1<<29)
		require.Less(t, len(data), 128)

		var img *image.RGBA
		var err error
		require.NotPanics(t, func() { img, err = Decode(data, nil) })
		assert.Nil(t, img)
		assert.ErrorIs(t, err, ErrTooManyPixels)
	})

	t.Run("Oversized SVG view box is rejected", func(t *testing.T) {
		var err error
		require.NotPanics(t, func() { _, err = Decode(helpers.HugeSVG(100000000, 100000000), nil) })
		assert.ErrorIs(t, err, ErrTooManyPixels)
	})

	t.Run("Requested size counts against the limit", func(t *testing.T) {
		_, err := DecodeLimit(helpers.PNG(4, 4, color.Black), &Size{W: 100, H: 100}, 1000)
		assert.ErrorIs(t, err, ErrTooManyPixels)

		img, err := DecodeLimit(helpers.PNG(4, 4, color.Black), &Size{W: 30, H: 30}, 1000)
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 30, 30), img.Bounds())
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := Decode([]byte("<html>nope</html>"), nil)
		assert.Error(t, err)
		_, err = Decode(nil, nil)
		assert.Error(t, err)
	})
}

func TestKeys(t *testing.T) {
	a := URL("https://x/img.png")
	assert.Equal(t, a.Key(), URL("https://x/img.png").Key())
	assert.NotEqual(t, a.Key(), URL("https://x/other.png").Key())
	assert.Len(t, string(a.Key()), 64)
	assert.False(t, a.Key().Static())

	p := path("/cache", a.Key())
	k := string(a.Key())
	assert.Equal(t, "/cache/"+k[:2]+"/"+k, p)
	assert.Empty(t, path("/cache", Static("x", []byte{1}).Key()))
}
