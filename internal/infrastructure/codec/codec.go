// Package codec provides the capture, encode, decode and display
// collaborators used by the CLI peers. Frames on the wire are JPEG images
// compressed again with zlib.
package codec

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync/atomic"

	"deskrelay/pkg/optimize"
)

var encodeBuffers = optimize.NewBufferPool(64<<10, 8<<20)

// JPEGEncoder encodes frames as zlib-wrapped JPEG.
type JPEGEncoder struct{}

func (JPEGEncoder) Encode(img image.Image, quality int) ([]byte, error) {
	buf := encodeBuffers.Get()
	defer encodeBuffers.Put(buf)

	zw := zlib.NewWriter(buf)
	if err := jpeg.Encode(zw, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("zlib close: %w", err)
	}
	return optimize.Detach(buf), nil
}

// PreviewJPEG encodes a plain JPEG for the directory's snapshot preview,
// which browsers display as is.
func PreviewJPEG(img image.Image, quality int) ([]byte, error) {
	buf := encodeBuffers.Get()
	defer encodeBuffers.Put(buf)

	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return optimize.Detach(buf), nil
}

// JPEGDecoder reverses JPEGEncoder.
type JPEGDecoder struct{}

func (JPEGDecoder) Decode(payload []byte) (image.Image, error) {
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("zlib header: %w", err)
	}
	defer zr.Close()

	img, err := jpeg.Decode(zr)
	if err != nil {
		return nil, fmt.Errorf("jpeg decode: %w", err)
	}
	return img, nil
}

// PatternCapturer stands in for a screen grabber: it renders a moving
// gradient so streams can be exercised on headless machines.
type PatternCapturer struct {
	Width, Height int
	tick          atomic.Int64
}

func NewPatternCapturer(width, height int) *PatternCapturer {
	return &PatternCapturer{Width: width, Height: height}
}

func (p *PatternCapturer) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := int(p.tick.Add(1))
	img := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x + n),
				G: uint8(y + 2*n),
				B: uint8(x ^ y),
				A: 0xff,
			})
		}
	}
	return img, nil
}

// FileSink writes each displayed frame to Path as a JPEG, replacing the
// previous one atomically, so any image viewer can follow the stream.
type FileSink struct {
	Path    string
	Quality int
	shown   atomic.Int64
}

func NewFileSink(path string) *FileSink {
	return &FileSink{Path: path, Quality: 90}
}

func (s *FileSink) Show(img image.Image) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.Path), ".frame-*")
	if err != nil {
		return fmt.Errorf("create temp frame: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := jpeg.Encode(tmp, img, &jpeg.Options{Quality: s.Quality}); err != nil {
		tmp.Close()
		return fmt.Errorf("write frame: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("publish frame: %w", err)
	}
	s.shown.Add(1)
	return nil
}

func (s *FileSink) Shown() int64 {
	return s.shown.Load()
}

// DiscardSink counts frames and drops them.
type DiscardSink struct {
	shown atomic.Int64
}

func (d *DiscardSink) Show(image.Image) error {
	d.shown.Add(1)
	return nil
}

func (d *DiscardSink) Shown() int64 {
	return d.shown.Load()
}
