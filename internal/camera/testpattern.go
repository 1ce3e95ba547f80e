package camera

import (
	"context"
	"image"
	"image/color"
	"sync"
	"time"
)

// TestPattern is a synthetic camera that renders moving colour bars. It never
// fails to open and is used for demos and when no capture device is present.
type TestPattern struct {
	Width  int
	Height int
}

func (p *TestPattern) Name() string { return "testpattern" }

func (p *TestPattern) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, h := p.Width, p.Height
	if w <= 0 {
		w = 640
	}
	if h <= 0 {
		h = 480
	}
	return &patternStream{
		width:   w,
		height:  h,
		started: time.Now(),
		track:   &simpleTrack{label: "testpattern video"},
	}, nil
}

type patternStream struct {
	width, height int
	started       time.Time
	track         *simpleTrack
}

var bars = []color.RGBA{
	{R: 0xc0, G: 0xc0, B: 0xc0, A: 0xff},
	{R: 0xc0, G: 0xc0, B: 0x00, A: 0xff},
	{R: 0x00, G: 0xc0, B: 0xc0, A: 0xff},
	{R: 0x00, G: 0xc0, B: 0x00, A: 0xff},
	{R: 0xc0, G: 0x00, B: 0xc0, A: 0xff},
	{R: 0xc0, G: 0x00, B: 0x00, A: 0xff},
	{R: 0x00, G: 0x00, B: 0xc0, A: 0xff},
}

func (s *patternStream) Frame() (image.Image, error) {
	if !s.track.Live() {
		return nil, ErrStopped
	}
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
	barWidth := (s.width + len(bars) - 1) / len(bars)
	// scroll one bar width per second
	offset := int(time.Since(s.started).Milliseconds()*int64(barWidth)/1000) % s.width
	for x := 0; x < s.width; x++ {
		c := bars[((x+offset)%s.width)/barWidth]
		for y := 0; y < s.height; y++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img, nil
}

func (s *patternStream) Tracks() []Track { return []Track{s.track} }

// simpleTrack is a track with no resources beyond its live flag.
type simpleTrack struct {
	label string

	mu      sync.Mutex
	stopped bool
}

func (t *simpleTrack) Label() string { return t.label }

func (t *simpleTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *simpleTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}
