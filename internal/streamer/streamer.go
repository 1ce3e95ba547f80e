// Package streamer ties a camera, the backend connection and the feedback
// sink together: it captures frames at a fixed interval while streaming and
// sends them to the analysis backend as video_frame events.
package streamer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"formcoach/internal/camera"
	"formcoach/internal/feedback"
	"formcoach/internal/frame"
	"formcoach/internal/metrics"
	"formcoach/internal/socketio"
)

// EventVideoFrame carries one base64 JPEG data URL.
const EventVideoFrame = "video_frame"

const (
	DefaultInterval  = 100 * time.Millisecond
	DefaultQueueSize = 4
)

var (
	ErrNotMounted       = errors.New("streamer: not mounted")
	ErrAlreadyMounted   = errors.New("streamer: already mounted")
	ErrAlreadyStreaming = errors.New("streamer: already streaming")
)

type State string

const (
	StateIdle      State = "idle"
	StateStreaming State = "streaming"
)

type Exercise struct {
	Name string `json:"name"`
	Icon string `json:"icon"`
}

// Snapshot is everything needed to render the streamer.
type Snapshot struct {
	Exercise      Exercise `json:"exercise"`
	State         State    `json:"state"`
	SessionID     string   `json:"session_id,omitempty"`
	Mounted       bool     `json:"mounted"`
	Connected     bool     `json:"connected"`
	FramesSent    uint64   `json:"frames_sent"`
	FramesDropped uint64   `json:"frames_dropped"`
	RepCount      int      `json:"rep_count"`
	Feedback      *string  `json:"feedback"`
}

// session is one start..stop span.
type session struct {
	id     string
	stream camera.Stream
	cancel context.CancelFunc
	done   chan struct{}
}

// mount holds everything that lives between Mount and Unmount.
type mount struct {
	client   *socketio.Client
	queue    *frame.Queue
	cancel   context.CancelFunc
	sendDone chan struct{}
	feed     chan feedback.State
	feedDone chan struct{}
}

type Streamer struct {
	serverURL  string
	camera     camera.Camera
	sink       *feedback.Sink
	metrics    *metrics.Metrics
	interval   time.Duration
	width      int
	height     int
	quality    int
	queueSize  int
	clientOpts []socketio.Option

	// op serialises Mount, Unmount, Start and Stop. mu guards the fields
	// below and is never held across blocking calls.
	op sync.Mutex

	mu       sync.Mutex
	exercise Exercise
	mount    *mount
	session  *session

	// sendMu is held by the sender until a frame is written to the socket, so
	// Stop can wait out a frame that is already on its way.
	sendMu sync.Mutex

	framesSent    atomic.Uint64
	framesDropped atomic.Uint64

	warnEncode rate.Sometimes
	warnSend   rate.Sometimes

	subMu       sync.Mutex
	subscribers map[chan Snapshot]struct{}
}

type Option func(*Streamer)

func WithInterval(d time.Duration) Option {
	return func(s *Streamer) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithFrameSize(width, height int) Option {
	return func(s *Streamer) {
		if width > 0 && height > 0 {
			s.width, s.height = width, height
		}
	}
}

func WithJPEGQuality(q int) Option {
	return func(s *Streamer) { s.quality = q }
}

func WithQueueSize(n int) Option {
	return func(s *Streamer) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

func WithReconnect(r socketio.Reconnect) Option {
	return func(s *Streamer) { s.clientOpts = append(s.clientOpts, socketio.WithReconnect(r)) }
}

func WithNamespace(ns string) Option {
	return func(s *Streamer) { s.clientOpts = append(s.clientOpts, socketio.WithNamespace(ns)) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Streamer) {
		if m != nil {
			s.metrics = m
		}
	}
}

func WithExercise(e Exercise) Option {
	return func(s *Streamer) { s.exercise = e }
}

func New(serverURL string, cam camera.Camera, opts ...Option) *Streamer {
	s := &Streamer{
		serverURL:   serverURL,
		camera:      cam,
		sink:        feedback.NewSink(),
		interval:    DefaultInterval,
		width:       frame.DefaultWidth,
		height:      frame.DefaultHeight,
		quality:     frame.DefaultQuality,
		queueSize:   DefaultQueueSize,
		warnEncode:  rate.Sometimes{First: 1, Interval: 5 * time.Second},
		warnSend:    rate.Sometimes{First: 1, Interval: 5 * time.Second},
		subscribers: make(map[chan Snapshot]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	return s
}

func (s *Streamer) Sink() *feedback.Sink { return s.sink }

func (s *Streamer) Metrics() *metrics.Metrics { return s.metrics }

// Mount opens the backend connection. Inbound feedback events are routed to
// the sink for as long as the streamer stays mounted.
func (s *Streamer) Mount(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	if s.mount != nil {
		s.mu.Unlock()
		return ErrAlreadyMounted
	}
	s.mu.Unlock()

	s.sink.Reset()
	client := socketio.New(s.serverURL, s.clientOpts...)
	for event, h := range s.sink.Handlers() {
		client.On(event, h)
	}
	client.OnConnect(func(sid string) {
		log.Printf("streamer: connected to %s (sid %s)", s.serverURL, sid)
		s.metrics.SocketConnected.Set(1)
		s.metrics.SocketConnects.Inc()
		s.publish()
	})
	client.OnDisconnect(func(err error) {
		if err != nil {
			log.Printf("streamer: disconnected from %s: %v", s.serverURL, err)
		} else {
			log.Printf("streamer: disconnected from %s", s.serverURL)
		}
		s.metrics.SocketConnected.Set(0)
		s.metrics.SocketDisconnects.Inc()
		s.publish()
	})

	mctx, cancel := context.WithCancel(ctx)
	m := &mount{
		client:   client,
		queue:    frame.NewQueue(s.queueSize),
		cancel:   cancel,
		sendDone: make(chan struct{}),
		feed:     s.sink.Subscribe(),
		feedDone: make(chan struct{}),
	}

	s.mu.Lock()
	s.mount = m
	s.mu.Unlock()

	go s.send(mctx, m)
	go s.forwardFeedback(m)
	client.Connect(mctx)
	s.publish()
	return nil
}

// Unmount stops any active stream and closes the connection. It is a no-op
// when not mounted.
func (s *Streamer) Unmount() {
	s.op.Lock()
	defer s.op.Unlock()

	s.stopLocked()

	s.mu.Lock()
	m := s.mount
	s.mount = nil
	s.mu.Unlock()
	if m == nil {
		return
	}

	m.cancel()
	m.queue.Close()
	<-m.sendDone
	m.client.Close()
	s.sink.Unsubscribe(m.feed)
	<-m.feedDone
	s.metrics.SocketConnected.Set(0)
	s.metrics.QueueDepth.Set(0)
	s.publish()
}

// Start acquires the camera and begins capturing. Camera failures leave the
// streamer idle and are returned wrapped around camera.ErrPermission or
// camera.ErrDevice.
func (s *Streamer) Start(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	s.mu.Lock()
	m := s.mount
	streaming := s.session != nil
	s.mu.Unlock()
	if m == nil {
		return ErrNotMounted
	}
	if streaming {
		return ErrAlreadyStreaming
	}

	stream, err := s.camera.Open(ctx)
	if err != nil {
		log.Printf("streamer: error accessing camera %s: %v", s.camera.Name(), err)
		s.metrics.CameraErrors.WithLabelValues(cameraErrorReason(err)).Inc()
		return fmt.Errorf("opening camera: %w", err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:     uuid.NewString(),
		stream: stream,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.session = sess
	s.mu.Unlock()

	s.metrics.Streaming.Set(1)
	s.metrics.StreamsStarted.Inc()
	log.Printf("streamer: streaming from %s (session %s, every %v)", s.camera.Name(), sess.id, s.interval)
	go s.capture(cctx, sess, m.queue)
	s.publish()
	return nil
}

// Stop ends the active stream: the ticker is cancelled, queued frames are
// discarded and every camera track is stopped. It is valid in every state.
func (s *Streamer) Stop() {
	s.op.Lock()
	defer s.op.Unlock()
	s.stopLocked()
}

// ChooseDifferentExercise stops streaming and then calls onSelect, whether or
// not a stream was active.
func (s *Streamer) ChooseDifferentExercise(onSelect func()) {
	s.Stop()
	if onSelect != nil {
		onSelect()
	}
}

// SetExercise replaces the current exercise and clears its feedback.
func (s *Streamer) SetExercise(e Exercise) {
	s.mu.Lock()
	s.exercise = e
	s.mu.Unlock()
	s.sink.Reset()
	s.publish()
}

func (s *Streamer) stopLocked() {
	s.mu.Lock()
	sess := s.session
	m := s.mount
	s.mu.Unlock()
	if sess == nil {
		return
	}

	sess.cancel()
	<-sess.done

	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()

	if m != nil {
		if n := m.queue.Clear(); n > 0 {
			s.framesDropped.Add(uint64(n))
			s.metrics.FramesDropped.WithLabelValues("stale").Add(float64(n))
		}
		s.metrics.QueueDepth.Set(0)
	}
	// wait for a frame that was already popped to finish sending
	s.sendMu.Lock()
	s.sendMu.Unlock()

	for _, t := range sess.stream.Tracks() {
		t.Stop()
	}
	s.metrics.Streaming.Set(0)
	log.Printf("streamer: stopped session %s", sess.id)
	s.publish()
}

func (s *Streamer) capture(ctx context.Context, sess *session, q *frame.Queue) {
	defer close(sess.done)

	enc := frame.NewEncoder(s.width, s.height, s.quality)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		start := time.Now()
		img, err := sess.stream.Frame()
		if errors.Is(err, camera.ErrNoFrame) {
			continue
		}
		if err != nil {
			s.metrics.EncodeErrors.Inc()
			s.warnEncode.Do(func() { log.Printf("streamer: reading frame: %v", err) })
			continue
		}
		payload, err := enc.EncodeDataURL(img)
		if err != nil {
			s.metrics.EncodeErrors.Inc()
			s.warnEncode.Do(func() { log.Printf("streamer: encoding frame: %v", err) })
			continue
		}
		s.metrics.ObserveEncode(start, len(payload))

		seq++
		if q.Push(frame.Frame{Seq: seq, SessionID: sess.id, CapturedAt: start, Payload: payload}) {
			s.framesDropped.Add(1)
			s.metrics.FramesDropped.WithLabelValues("queue_full").Inc()
		}
		s.metrics.QueueDepth.Set(float64(q.Len()))
	}
}

func (s *Streamer) send(ctx context.Context, m *mount) {
	defer close(m.sendDone)
	for {
		f, err := m.queue.Pop(ctx)
		if err != nil {
			return
		}
		s.metrics.QueueDepth.Set(float64(m.queue.Len()))

		s.sendMu.Lock()
		if f.SessionID != s.currentSessionID() {
			s.sendMu.Unlock()
			s.framesDropped.Add(1)
			s.metrics.FramesDropped.WithLabelValues("stale").Inc()
			continue
		}
		err = m.client.EmitWritten(ctx, EventVideoFrame, f.Payload)
		s.sendMu.Unlock()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.framesDropped.Add(1)
			s.metrics.FramesDropped.WithLabelValues("disconnected").Inc()
			s.warnSend.Do(func() { log.Printf("streamer: dropping frame %d: %v", f.Seq, err) })
			continue
		}
		s.framesSent.Add(1)
		s.metrics.FramesSent.Inc()
	}
}

func (s *Streamer) forwardFeedback(m *mount) {
	defer close(m.feedDone)
	for st := range m.feed {
		s.metrics.FeedbackUpdates.Inc()
		s.metrics.RepCount.Set(float64(st.RepCount))
		s.publish()
	}
}

func (s *Streamer) currentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return ""
	}
	return s.session.id
}

func (s *Streamer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		return StateStreaming
	}
	return StateIdle
}

func (s *Streamer) Snapshot() Snapshot {
	fb := s.sink.State()
	s.mu.Lock()
	snap := Snapshot{
		Exercise:      s.exercise,
		State:         StateIdle,
		Mounted:       s.mount != nil,
		FramesSent:    s.framesSent.Load(),
		FramesDropped: s.framesDropped.Load(),
		RepCount:      fb.RepCount,
		Feedback:      fb.Feedback,
	}
	if s.session != nil {
		snap.State = StateStreaming
		snap.SessionID = s.session.id
	}
	if s.mount != nil {
		snap.Connected = s.mount.client.Connected()
	}
	s.mu.Unlock()
	return snap
}

// Subscribe returns a channel that receives a snapshot after every change.
// Slow subscribers only ever see the latest snapshot.
func (s *Streamer) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 1)
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()
	return ch
}

func (s *Streamer) Unsubscribe(ch chan Snapshot) {
	s.subMu.Lock()
	_, exists := s.subscribers[ch]
	delete(s.subscribers, ch)
	s.subMu.Unlock()
	if exists {
		close(ch)
	}
}

func (s *Streamer) publish() {
	snap := s.Snapshot()
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func cameraErrorReason(err error) string {
	switch {
	case errors.Is(err, camera.ErrPermission):
		return "permission"
	case errors.Is(err, camera.ErrDevice):
		return "device"
	default:
		return "other"
	}
}
