package codec

import (
	"context"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJPEGRoundTrip(t *testing.T) {
	capt := NewPatternCapturer(64, 48)
	img, err := capt.Capture(context.Background())
	require.NoError(t, err)

	low, err := JPEGEncoder{}.Encode(img, 30)
	require.NoError(t, err)
	high, err := JPEGEncoder{}.Encode(img, 90)
	require.NoError(t, err)
	assert.Less(t, len(low), len(high), "quality reaches the encoder")

	decoded, err := JPEGDecoder{}.Decode(high)
	require.NoError(t, err)
	assert.Equal(t, img.Bounds(), decoded.Bounds())
}

func TestJPEGDecoder_RejectsGarbage(t *testing.T) {
	_, err := JPEGDecoder{}.Decode([]byte("not a frame"))
	assert.Error(t, err)
}

func TestPatternCapturer_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPatternCapturer(4, 4).Capture(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.jpg")
	sink := NewFileSink(path)

	img, _ := NewPatternCapturer(16, 16).Capture(context.Background())
	require.NoError(t, sink.Show(img))
	require.NoError(t, sink.Show(img))
	assert.Equal(t, int64(2), sink.Shown())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = jpeg.Decode(f)
	assert.NoError(t, err)
}
