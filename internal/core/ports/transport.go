package ports

import (
	"context"
	"image"
)

// Capturer grabs the current screen contents.
type Capturer interface {
	Capture(ctx context.Context) (image.Image, error)
}

// Encoder turns a bitmap into an opaque frame payload.
type Encoder interface {
	Encode(img image.Image, quality int) ([]byte, error)
}

type Decoder interface {
	Decode(payload []byte) (image.Image, error)
}

// Sink displays decoded frames.
type Sink interface {
	Show(img image.Image) error
}

type FrameSender interface {
	Send(payload []byte) error
}

// FrameReceiver blocks until one whole payload is available.
type FrameReceiver interface {
	Receive() ([]byte, error)
}

// FrameChannel carries whole payloads in order between one host and one
// viewer. Close is idempotent and unblocks a pending Receive.
type FrameChannel interface {
	FrameSender
	FrameReceiver
	Close() error
}
