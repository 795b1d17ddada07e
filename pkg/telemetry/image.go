package telemetry

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
)

// Frame is a decoded camera image: 8-bit RGB, row-major, three bytes per
// pixel.
type Frame struct {
	Width  int
	Height int
	Pix    []byte
	Format string // format string from the source message, if any
}

// BlankFrame returns an all-zero frame of the given size.
func BlankFrame(width, height int) Frame {
	return Frame{Width: width, Height: height, Pix: make([]byte, width*height*3)}
}

// Clone returns a deep copy.
func (f Frame) Clone() Frame {
	f.Pix = bytes.Clone(f.Pix)
	return f
}

// Shape returns (height, width, channels).
func (f Frame) Shape() [3]int {
	return [3]int{f.Height, f.Width, 3}
}

// IsBlank reports whether every byte is zero.
func (f Frame) IsBlank() bool {
	for _, b := range f.Pix {
		if b != 0 {
			return false
		}
	}
	return true
}

// DefaultMaxPixels bounds frames decoded without an explicit limit.
const DefaultMaxPixels = 1920 * 1080

// ErrImageTooLarge is returned for images whose header declares more
// pixels than the decoder accepts.
var ErrImageTooLarge = errors.New("image: too large")

// compressedImage mirrors sensor_msgs/CompressedImage.
type compressedImage struct {
	Format string `json:"format"`
	Data   Blob   `json:"data"`
}

// DecodeCompressedImage decodes a sensor_msgs/CompressedImage payload of
// at most DefaultMaxPixels pixels.
func DecodeCompressedImage(p Payload) (Frame, error) {
	return decodeCompressedImage(p, DefaultMaxPixels)
}

// ImageDecoder returns a CompressedImage decoder that rejects images of
// more than maxPixels pixels. maxPixels <= 0 means DefaultMaxPixels.
func ImageDecoder(maxPixels int) Decoder[Frame] {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return func(p Payload) (Frame, error) {
		return decodeCompressedImage(p, maxPixels)
	}
}

func decodeCompressedImage(p Payload, maxPixels int) (Frame, error) {
	var msg compressedImage
	if err := p.Decode(&msg); err != nil {
		return Frame{}, err
	}
	if len(msg.Data) == 0 {
		return Frame{}, errors.New("image: empty data")
	}
	f, err := DecodeImage(msg.Data, maxPixels)
	if err != nil {
		return Frame{}, err
	}
	f.Format = msg.Format
	return f, nil
}

// DecodeImage decodes JPEG or PNG bytes into an RGB frame. The header is
// checked first so an oversized image is rejected before any pixel
// buffer is allocated.
func DecodeImage(data []byte, maxPixels int) (Frame, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("image: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > maxPixels/cfg.Height {
		return Frame{}, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrImageTooLarge, cfg.Width, cfg.Height, maxPixels)
	}

	img, kind, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("image: %w", err)
	}
	f := toRGB(img)
	f.Format = kind
	return f, nil
}

func toRGB(img image.Image) Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, w*h*3)
	i := 0

	switch src := img.(type) {
	case *image.YCbCr:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				yi := src.YOffset(x, y)
				ci := src.COffset(x, y)
				pix[i], pix[i+1], pix[i+2] = color.YCbCrToRGB(src.Y[yi], src.Cb[ci], src.Cr[ci])
				i += 3
			}
		}
	case *image.RGBA:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := src.Pix[src.PixOffset(b.Min.X, y):]
			for x := 0; x < w; x++ {
				copy(pix[i:i+3], row[x*4:x*4+3])
				i += 3
			}
		}
	case *image.NRGBA:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := src.Pix[src.PixOffset(b.Min.X, y):]
			for x := 0; x < w; x++ {
				copy(pix[i:i+3], row[x*4:x*4+3])
				i += 3
			}
		}
	case *image.Gray:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				v := src.Pix[src.PixOffset(x, y)]
				pix[i], pix[i+1], pix[i+2] = v, v, v
				i += 3
			}
		}
	default:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				r, g, bl, _ := img.At(x, y).RGBA()
				pix[i], pix[i+1], pix[i+2] = byte(r>>8), byte(g>>8), byte(bl>>8)
				i += 3
			}
		}
	}
	return Frame{Width: w, Height: h, Pix: pix}
}

// NewImageSubscriber returns a subscriber for a compressed image feed.
// Frames above maxPixels count as decode errors.
func NewImageSubscriber(name string, maxPixels int, logger *slog.Logger) *Subscriber[Frame] {
	return NewSubscriber(name, ImageDecoder(maxPixels), Frame.Clone, logger)
}
