package agent

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"

	"github.com/controledu/backend/internal/wire"
)

// Frame is one captured screen sample with the window metadata observed
// at capture time.
type Frame struct {
	Jpeg              []byte
	Width             int
	Height            int
	ActiveProcessName string
	ActiveWindowTitle string
	BrowserHintURL    string
}

// Capturer produces screen frames. Platform implementations live in the
// per-OS shells; this package only depends on the interface.
type Capturer interface {
	CaptureFrame(quality int) (Frame, error)
}

// InputInjector applies a forwarded remote-control input to the local
// desktop. Coordinates arrive normalized to [0,1].
type InputInjector interface {
	Inject(input wire.RemoteControlInput) error
}

// SyntheticCapturer renders a flat-colored placeholder frame. It keeps
// the agent loop runnable on hosts without a capture backend and serves
// as the test double.
type SyntheticCapturer struct {
	Title   string
	Process string
	URL     string
	Shade   uint8
}

func (c *SyntheticCapturer) CaptureFrame(quality int) (Frame, error) {
	const w, h = 320, 180
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	fill := color.RGBA{R: c.Shade, G: c.Shade, B: c.Shade, A: 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return Frame{}, err
	}
	return Frame{
		Jpeg:              buf.Bytes(),
		Width:             w,
		Height:            h,
		ActiveProcessName: c.Process,
		ActiveWindowTitle: c.Title,
		BrowserHintURL:    c.URL,
	}, nil
}

// NoopInjector discards inputs on hosts without an injection backend.
type NoopInjector struct{}

func (NoopInjector) Inject(wire.RemoteControlInput) error { return nil }
