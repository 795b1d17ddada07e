package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
)

type jsonPayload []byte

func (p jsonPayload) Decode(v any) error { return json.Unmarshal(p, v) }

type cborPayload []byte

func (p cborPayload) Decode(v any) error { return cbor.Unmarshal(p, v) }

type payloadFunc func(v any) error

func (f payloadFunc) Decode(v any) error { return f(v) }

func mustJSON(t *testing.T, v any) jsonPayload {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

// testPNG returns a 4x2 PNG whose pixel (x, y) is (10x, 20y, 7).
func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: uint8(10 * x), G: uint8(20 * y), B: 7, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func checkTestFrame(t *testing.T, f Frame) {
	t.Helper()
	if f.Width != 4 || f.Height != 2 || len(f.Pix) != 4*2*3 {
		t.Fatalf("frame %dx%d with %d bytes, want 4x2 with 24", f.Width, f.Height, len(f.Pix))
	}
	// pixel (3, 1)
	i := (1*4 + 3) * 3
	if f.Pix[i] != 30 || f.Pix[i+1] != 20 || f.Pix[i+2] != 7 {
		t.Errorf("pixel (3,1) = %v, want [30 20 7]", f.Pix[i:i+3])
	}
}

func TestSlot(t *testing.T) {
	s := NewSlot(func(b []byte) []byte { return bytes.Clone(b) })
	if _, _, ok := s.Load(); ok {
		t.Fatal("Load on empty slot returned ok")
	}

	now := time.Unix(100, 0)
	s.Store([]byte{1, 2, 3}, now)
	v, at, ok := s.Load()
	if !ok || !at.Equal(now) || !bytes.Equal(v, []byte{1, 2, 3}) {
		t.Fatalf("Load = %v %v %v", v, at, ok)
	}

	v[0] = 99
	again, _, _ := s.Load()
	if again[0] != 1 {
		t.Error("mutating a loaded value changed the slot")
	}

	s.Store([]byte{4}, now.Add(time.Second))
	v, _, _ = s.Load()
	if !bytes.Equal(v, []byte{4}) {
		t.Errorf("Load after second Store = %v, want [4]", v)
	}
}

func TestDecodeCompressedImage(t *testing.T) {
	raw := testPNG(t)

	latin1 := make([]rune, len(raw))
	for i, b := range raw {
		latin1[i] = rune(b)
	}
	cborBody, err := cbor.Marshal(map[string]any{"format": "png", "data": raw})
	if err != nil {
		t.Fatalf("cbor marshal: %v", err)
	}

	tests := []struct {
		name    string
		payload Payload
	}{
		{"base64 json", mustJSON(t, map[string]any{"format": "png", "data": raw})},
		{"latin-1 json", mustJSON(t, map[string]any{"format": "png", "data": string(latin1)})},
		{"cbor bytes", cborPayload(cborBody)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeCompressedImage(tt.payload)
			if err != nil {
				t.Fatalf("DecodeCompressedImage: %v", err)
			}
			checkTestFrame(t, f)
			if f.Format != "png" {
				t.Errorf("Format = %q, want png", f.Format)
			}
		})
	}
}

func TestDecodeImage_JPEG(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("jpeg encode: %v", err)
	}

	f, err := DecodeImage(buf.Bytes(), DefaultMaxPixels)
	if err != nil {
		t.Fatalf("DecodeImage: %v", err)
	}
	if f.Shape() != [3]int{8, 16, 3} {
		t.Fatalf("Shape = %v, want [8 16 3]", f.Shape())
	}
	want := []float64{200, 100, 50}
	for c := 0; c < 3; c++ {
		if got := float64(f.Pix[c]); math.Abs(got-want[c]) > 8 {
			t.Errorf("channel %d = %v, want about %v", c, got, want[c])
		}
	}
}

func TestDecodeCompressedImage_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
	}{
		{"empty data", mustJSON(t, map[string]any{"format": "jpeg", "data": ""})},
		{"not an image", mustJSON(t, map[string]any{"format": "jpeg", "data": []byte("hello")})},
		{"wrong shape", jsonPayload(`{"data": {"nested": true}}`)},
		{"not json", jsonPayload(`{{{`)},
		{"byte out of range", jsonPayload(`{"data": [1, 2, 300]}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeCompressedImage(tt.payload); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestImageSubscriber_RejectsOversizedFrame(t *testing.T) {
	// a mostly-zero grayscale PNG compresses to a tiny payload
	var huge bytes.Buffer
	if err := png.Encode(&huge, image.NewGray(image.Rect(0, 0, 3000, 3000))); err != nil {
		t.Fatalf("png encode: %v", err)
	}

	if _, err := DecodeImage(huge.Bytes(), 640*480); !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("DecodeImage = %v, want ErrImageTooLarge", err)
	}

	sub := NewImageSubscriber("camera", 640*480, nil)
	sub.OnSample(mustJSON(t, map[string]any{"format": "png", "data": testPNG(t)}))
	sub.OnSample(mustJSON(t, map[string]any{"format": "png", "data": huge.Bytes()}))

	f, ok := sub.Last()
	if !ok {
		t.Fatal("Last returned !ok")
	}
	checkTestFrame(t, f)
	if st := sub.Stats(); st.Received != 2 || st.DecodeErrors != 1 {
		t.Errorf("Stats = %+v, want 2 received, 1 decode error", st)
	}
}

func TestImageSubscriber_KeepsLastGoodFrame(t *testing.T) {
	sub := NewImageSubscriber("camera", 0, nil)

	if _, ok := sub.Last(); ok {
		t.Fatal("Last before any sample returned ok")
	}

	// a malformed first sample leaves the feed empty; callers fall back to a blank frame
	sub.OnSample(jsonPayload(`{"data": "not an image"}`))
	if _, ok := sub.Last(); ok {
		t.Fatal("malformed sample was stored")
	}

	sub.OnSample(mustJSON(t, map[string]any{"format": "png", "data": testPNG(t)}))
	sub.OnSample(jsonPayload(`garbage`))

	f, ok := sub.Last()
	if !ok {
		t.Fatal("Last after good sample returned !ok")
	}
	checkTestFrame(t, f)

	st := sub.Stats()
	if st.Received != 3 || st.DecodeErrors != 2 || st.LastUpdate.IsZero() {
		t.Errorf("Stats = %+v, want 3 received, 2 decode errors", st)
	}

	f.Pix[0] = 255
	again, _ := sub.Last()
	if again.Pix[0] == 255 {
		t.Error("Last returned a shared buffer")
	}
}

func TestSubscriber_LastAtKeepsStoreTime(t *testing.T) {
	sub := NewIMUSubscriber("imu", nil)
	clock := time.Unix(100, 0)
	sub.now = func() time.Time { return clock }

	if _, at, ok := sub.LastAt(); ok || !at.IsZero() {
		t.Fatalf("LastAt before any sample = %v, %v", at, ok)
	}

	sub.OnSample(jsonPayload(`{"orientation": {"w": 1}}`))
	clock = clock.Add(time.Second)
	sub.OnSample(jsonPayload(`{"orientation": {"w": "bad"}}`))

	v, at, ok := sub.LastAt()
	if !ok || v.Orientation.W != 1 {
		t.Fatalf("LastAt = %+v, %v", v, ok)
	}
	if !at.Equal(time.Unix(100, 0)) || !at.Equal(sub.Stats().LastUpdate) {
		t.Errorf("LastAt time = %v, want the good sample's store time", at)
	}
	if age := sub.Stats().Age(clock); age != time.Second {
		t.Errorf("Age = %v, want 1s", age)
	}
}

func TestSubscriber_RecoversDecoderPanic(t *testing.T) {
	sub := NewSubscriber("boom", func(Payload) (int, error) {
		panic("decoder bug")
	}, nil, nil)

	sub.OnSample(jsonPayload(`1`))

	if _, ok := sub.Last(); ok {
		t.Error("panicking decode stored a value")
	}
	if sub.Stats().DecodeErrors != 1 {
		t.Errorf("DecodeErrors = %d, want 1", sub.Stats().DecodeErrors)
	}
}

func TestSubscriber_ConcurrentAccess(t *testing.T) {
	sub := NewJoySubscriber("joy", nil)
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			sub.OnSample(mustJSON(t, JoySample{Axes: []float64{float64(i), float64(i)}, Buttons: []int{i}}))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			j, ok := sub.Last()
			if !ok {
				continue
			}
			// both axes are written together, so they must agree
			if j.Axes[0] != j.Axes[1] || float64(j.Buttons[0]) != j.Axes[0] {
				t.Errorf("torn sample %+v", j)
				return
			}
			j.Axes[0] = -1
		}
	}()
	wg.Wait()

	last, _ := sub.Last()
	if last.Axes[0] != 499 {
		t.Errorf("last axis = %v, want 499 (last delivery wins)", last.Axes[0])
	}
}

func TestDecodeIMU(t *testing.T) {
	body := mustJSON(t, map[string]any{
		"header":              map[string]any{"frame_id": "imu_link"},
		"orientation":         map[string]float64{"x": 0, "y": 0, "z": 0.7071, "w": 0.7071},
		"angular_velocity":    map[string]float64{"x": 0.1, "y": 0.2, "z": 0.3},
		"linear_acceleration": map[string]float64{"x": 0, "y": 0, "z": 9.81},
	})

	s, err := DecodeIMU(body)
	if err != nil {
		t.Fatalf("DecodeIMU: %v", err)
	}
	if s.Orientation.W != 0.7071 || s.AngularVelocity.Y != 0.2 || s.LinearAcceleration.Z != 9.81 {
		t.Errorf("decoded %+v", s)
	}
}

func TestDecodeIMU_RejectsNonFinite(t *testing.T) {
	p := payloadFunc(func(v any) error {
		v.(*IMUSample).LinearAcceleration.X = math.NaN()
		return nil
	})
	if _, err := DecodeIMU(p); err == nil {
		t.Error("NaN sample accepted")
	}
}

func TestJoySample(t *testing.T) {
	j, err := DecodeJoy(jsonPayload(`{"axes": [0.5, -0.25], "buttons": [1, 0, 1]}`))
	if err != nil {
		t.Fatalf("DecodeJoy: %v", err)
	}
	if j.Axis(1) != -0.25 || j.Axis(7) != 0 || j.Button(2) != 1 || j.Button(-1) != 0 {
		t.Errorf("accessors on %+v", j)
	}

	r := j.Resize(4, 2)
	if len(r.Axes) != 4 || len(r.Buttons) != 2 {
		t.Fatalf("Resize = %+v", r)
	}
	if r.Axes[0] != 0.5 || r.Axes[3] != 0 || r.Buttons[0] != 1 {
		t.Errorf("Resize = %+v", r)
	}

	r.Axes[0] = 9
	if j.Axes[0] != 0.5 {
		t.Error("Resize shares memory with the original")
	}
}
