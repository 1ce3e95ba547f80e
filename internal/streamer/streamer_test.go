package streamer

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formcoach/internal/camera"
	"formcoach/internal/frame"
	"formcoach/internal/socketio/socketiotest"
)

type fakeTrack struct {
	mu      sync.Mutex
	stopped bool
}

func (t *fakeTrack) Label() string { return "fake video" }

func (t *fakeTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *fakeTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped
}

type fakeStream struct {
	img   image.Image
	track *fakeTrack
}

func (s *fakeStream) Frame() (image.Image, error) {
	if !s.track.Live() {
		return nil, camera.ErrStopped
	}
	return s.img, nil
}

func (s *fakeStream) Tracks() []camera.Track { return []camera.Track{s.track} }

type fakeCamera struct {
	err error

	mu      sync.Mutex
	streams []*fakeStream
}

func (c *fakeCamera) Name() string { return "fake" }

func (c *fakeCamera) Open(ctx context.Context) (camera.Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	st := &fakeStream{img: img, track: &fakeTrack{}}
	c.mu.Lock()
	c.streams = append(c.streams, st)
	c.mu.Unlock()
	return st, nil
}

func (c *fakeCamera) opened() []*fakeStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeStream(nil), c.streams...)
}

func mounted(t *testing.T, cam camera.Camera, opts ...Option) (*Streamer, *socketiotest.Server) {
	t.Helper()
	srv := socketiotest.NewServer()
	t.Cleanup(srv.Close)

	s := New(srv.URL, cam, opts...)
	require.NoError(t, s.Mount(context.Background()))
	t.Cleanup(s.Unmount)
	require.Eventually(t, func() bool { return srv.Active() == 1 }, 2*time.Second, 10*time.Millisecond)
	return s, srv
}

func TestStreamingScenario(t *testing.T) {
	s, srv := mounted(t, &fakeCamera{})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateStreaming, s.State())

	time.Sleep(500 * time.Millisecond)
	require.Eventually(t, func() bool { return srv.Count(EventVideoFrame) >= 4 }, 200*time.Millisecond, 10*time.Millisecond)

	s.Stop()
	assert.Equal(t, StateIdle, s.State())
	time.Sleep(50 * time.Millisecond)
	after := srv.Count(EventVideoFrame)

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, after, srv.Count(EventVideoFrame), "no frames after stop")
}

func TestStopLeavesNoFrameBuffered(t *testing.T) {
	s, srv := mounted(t, &fakeCamera{})

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return srv.Count(EventVideoFrame) >= 3 }, 2*time.Second, 10*time.Millisecond)
	s.Stop()

	sent := int(s.Snapshot().FramesSent)
	require.Eventually(t, func() bool { return srv.Count(EventVideoFrame) == sent }, time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, sent, srv.Count(EventVideoFrame))
}

func TestFramePayloadIsJPEGDataURL(t *testing.T) {
	s, srv := mounted(t, &fakeCamera{}, WithInterval(20*time.Millisecond))
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return srv.Count(EventVideoFrame) > 0 }, 2*time.Second, 10*time.Millisecond)
	s.Stop()

	ev := srv.Events(EventVideoFrame)[0]
	require.Len(t, ev.Args, 1)
	var payload string
	require.NoError(t, json.Unmarshal(ev.Args[0], &payload))
	assert.True(t, strings.HasPrefix(payload, "data:image/jpeg;base64,"))

	data, err := frame.DecodeDataURL(payload)
	require.NoError(t, err)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 320, cfg.Width)
	assert.Equal(t, 240, cfg.Height)
}

func TestStartDeniedStaysIdle(t *testing.T) {
	for _, camErr := range []error{camera.ErrPermission, camera.ErrDevice} {
		t.Run(camErr.Error(), func(t *testing.T) {
			s, srv := mounted(t, &fakeCamera{err: camErr}, WithInterval(10*time.Millisecond))

			err := s.Start(context.Background())
			require.ErrorIs(t, err, camErr)
			assert.Equal(t, StateIdle, s.State())
			assert.Empty(t, s.Snapshot().SessionID)

			time.Sleep(100 * time.Millisecond)
			assert.Zero(t, srv.Count(EventVideoFrame))
		})
	}
}

func TestStartRequiresMount(t *testing.T) {
	s := New("http://127.0.0.1:1", &fakeCamera{})
	assert.ErrorIs(t, s.Start(context.Background()), ErrNotMounted)
}

func TestStartWhileStreaming(t *testing.T) {
	cam := &fakeCamera{}
	s, _ := mounted(t, cam)
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStreaming)
	assert.Len(t, cam.opened(), 1, "second start must not open the camera")
}

func TestMountTwice(t *testing.T) {
	s, _ := mounted(t, &fakeCamera{})
	assert.ErrorIs(t, s.Mount(context.Background()), ErrAlreadyMounted)
}

func TestStopStopsEveryTrack(t *testing.T) {
	cam := &fakeCamera{}
	s, _ := mounted(t, cam)

	s.Stop() // idle
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Start(context.Background()))
		s.Stop()
		s.Stop()
	}
	streams := cam.opened()
	require.Len(t, streams, 3)
	for _, st := range streams {
		assert.False(t, st.track.Live())
	}
}

func TestOneConnectionPerMount(t *testing.T) {
	srv := socketiotest.NewServer()
	defer srv.Close()
	s := New(srv.URL, &fakeCamera{}, WithInterval(10*time.Millisecond))

	for cycle := 1; cycle <= 2; cycle++ {
		require.NoError(t, s.Mount(context.Background()))
		require.Eventually(t, func() bool { return srv.Active() == 1 }, 2*time.Second, 10*time.Millisecond)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.Start(context.Background()))
			time.Sleep(20 * time.Millisecond)
			s.Stop()
		}
		s.Unmount()
		s.Unmount()

		require.Eventually(t, func() bool {
			opened, closed := srv.Connections()
			return opened == cycle && closed == cycle
		}, 2*time.Second, 10*time.Millisecond)
	}
	assert.False(t, s.Snapshot().Mounted)
}

func TestUnmountStopsStream(t *testing.T) {
	cam := &fakeCamera{}
	s, _ := mounted(t, cam)
	require.NoError(t, s.Start(context.Background()))
	s.Unmount()
	assert.Equal(t, StateIdle, s.State())
	assert.False(t, cam.opened()[0].track.Live())
}

func TestChooseDifferentExerciseStopsFirst(t *testing.T) {
	cam := &fakeCamera{}
	s, _ := mounted(t, cam)
	require.NoError(t, s.Start(context.Background()))

	var stateInCallback State
	var trackLive bool
	s.ChooseDifferentExercise(func() {
		stateInCallback = s.State()
		trackLive = cam.opened()[0].track.Live()
	})
	assert.Equal(t, StateIdle, stateInCallback)
	assert.False(t, trackLive)
}

func TestChooseDifferentExerciseWhenIdle(t *testing.T) {
	s := New("http://127.0.0.1:1", &fakeCamera{})
	called := 0
	s.ChooseDifferentExercise(func() { called++ })
	assert.Equal(t, 1, called)
}

func TestSetExerciseResetsFeedback(t *testing.T) {
	s, srv := mounted(t, &fakeCamera{})
	require.NoError(t, srv.Emit("rep_count", 4))
	require.Eventually(t, func() bool { return s.Snapshot().RepCount == 4 }, 2*time.Second, 10*time.Millisecond)

	s.SetExercise(Exercise{Name: "Lunges", Icon: "🦵"})
	snap := s.Snapshot()
	assert.Equal(t, "Lunges", snap.Exercise.Name)
	assert.Equal(t, 0, snap.RepCount)
	assert.Nil(t, snap.Feedback)
}

func TestFeedbackReachesSubscribers(t *testing.T) {
	s, srv := mounted(t, &fakeCamera{})
	ch := s.Subscribe()
	defer s.Unsubscribe(ch)

	require.NoError(t, srv.Emit("feedback", map[string]any{"message": "Chest up", "rep_count": 2}))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap := <-ch:
			if snap.Feedback != nil && *snap.Feedback == "Chest up" {
				assert.Equal(t, 2, snap.RepCount)
				assert.True(t, snap.Connected)
				return
			}
		case <-deadline:
			t.Fatal("feedback never reached the subscriber")
		}
	}
}

func TestFramesDroppedWhileDisconnected(t *testing.T) {
	s := New("http://127.0.0.1:1", &fakeCamera{}, WithInterval(10*time.Millisecond))
	require.NoError(t, s.Mount(context.Background()))
	defer s.Unmount()

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.Snapshot().FramesDropped > 0 }, 2*time.Second, 10*time.Millisecond)
	s.Stop()

	snap := s.Snapshot()
	assert.Zero(t, snap.FramesSent)
	assert.False(t, snap.Connected)
}

func TestCameraErrorReason(t *testing.T) {
	assert.Equal(t, "permission", cameraErrorReason(camera.ErrPermission))
	assert.Equal(t, "device", cameraErrorReason(camera.ErrDevice))
	assert.Equal(t, "other", cameraErrorReason(context.DeadlineExceeded))
}

// the test pattern camera must work end to end as well
func TestTestPatternCamera(t *testing.T) {
	s, srv := mounted(t, &camera.TestPattern{Width: 160, Height: 120}, WithInterval(20*time.Millisecond))
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return srv.Count(EventVideoFrame) >= 2 }, 2*time.Second, 10*time.Millisecond)
	s.Stop()
}
