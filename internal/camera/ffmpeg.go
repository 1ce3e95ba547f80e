package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultFFmpegBinary = "ffmpeg"
	defaultDevice       = "/dev/video0"
	defaultInputFormat  = "v4l2"
	defaultStartTimeout = 5 * time.Second
	maxJPEGSize         = 8 << 20
	stderrTail          = 4 << 10
)

// FFmpeg captures from a device through an ffmpeg child process that writes
// an MJPEG stream to stdout. Requires ffmpeg on PATH and, for v4l2, read/write
// access to the device node (membership of the video group on most distros).
type FFmpeg struct {
	Binary       string
	Device       string
	InputFormat  string
	Width        int
	Height       int
	FrameRate    int
	StartTimeout time.Duration
}

func (f *FFmpeg) Name() string {
	return "ffmpeg:" + f.device()
}

func (f *FFmpeg) device() string {
	if f.Device == "" {
		return defaultDevice
	}
	return f.Device
}

func (f *FFmpeg) inputFormat() string {
	if f.InputFormat == "" {
		return defaultInputFormat
	}
	return f.InputFormat
}

// Args returns the ffmpeg command line used to read the device.
func (f *FFmpeg) Args() []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-f", f.inputFormat()}
	if f.FrameRate > 0 {
		args = append(args, "-framerate", strconv.Itoa(f.FrameRate))
	}
	if f.Width > 0 && f.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", f.Width, f.Height))
	}
	args = append(args, "-i", f.device(), "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")
	return args
}

func (f *FFmpeg) Open(ctx context.Context) (Stream, error) {
	if f.inputFormat() == defaultInputFormat {
		if err := checkDevice(f.device()); err != nil {
			return nil, err
		}
	}

	binary := f.Binary
	if binary == "" {
		binary = defaultFFmpegBinary
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDevice, err)
	}

	cmd := exec.Command(path, f.Args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrDevice, err)
	}
	stderr := &tailBuffer{max: stderrTail}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting ffmpeg: %v", ErrDevice, err)
	}

	s := &ffmpegStream{
		first:  make(chan struct{}),
		exited: make(chan struct{}),
	}
	s.track = &processTrack{label: f.Name(), cmd: cmd, exited: s.exited}
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.read(stdout)
	}()
	go func() {
		// Wait closes stdout, so the reader must drain it first
		<-readDone
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()

	timeout := f.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.first:
		return s, nil
	case <-s.exited:
		return nil, classifyFFmpegFailure(stderr.String(), s.waitErr)
	case <-timer.C:
		s.track.Stop()
		return nil, fmt.Errorf("%w: no frame from %s within %v", ErrDevice, f.device(), timeout)
	case <-ctx.Done():
		s.track.Stop()
		return nil, ctx.Err()
	}
}

func checkDevice(path string) error {
	fh, err := os.OpenFile(path, os.O_RDWR, 0)
	switch {
	case err == nil:
		return fh.Close()
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %s does not exist", ErrDevice, path)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %s", ErrPermission, path)
	default:
		return fmt.Errorf("%w: %v", ErrDevice, err)
	}
}

func classifyFFmpegFailure(stderr string, waitErr error) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" && waitErr != nil {
		msg = waitErr.Error()
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "permission denied") || strings.Contains(lower, "operation not permitted") {
		return fmt.Errorf("%w: %s", ErrPermission, msg)
	}
	return fmt.Errorf("%w: %s", ErrDevice, msg)
}

type ffmpegStream struct {
	track *processTrack

	first     chan struct{}
	firstOnce sync.Once
	exited    chan struct{}
	waitErr   error

	mu      sync.Mutex
	latest  []byte
	seq     uint64
	decoded image.Image
	decSeq  uint64
}

func (s *ffmpegStream) read(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 256<<10), maxJPEGSize)
	sc.Split(splitJPEG)
	for sc.Scan() {
		frame := append([]byte(nil), sc.Bytes()...)
		s.mu.Lock()
		s.latest = frame
		s.seq++
		s.mu.Unlock()
		s.firstOnce.Do(func() { close(s.first) })
	}
	if err := sc.Err(); err != nil && s.track.Live() {
		log.Printf("camera: reading %s: %v", s.track.label, err)
	}
	// nobody reads stdout any more; ffmpeg would block on its next write
	s.track.kill()
}

func (s *ffmpegStream) Frame() (image.Image, error) {
	if !s.track.Live() {
		return nil, ErrStopped
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return nil, ErrNoFrame
	}
	if s.decoded != nil && s.decSeq == s.seq {
		return s.decoded, nil
	}
	img, err := jpeg.Decode(bytes.NewReader(s.latest))
	if err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}
	s.decoded, s.decSeq = img, s.seq
	return img, nil
}

func (s *ffmpegStream) Tracks() []Track { return []Track{s.track} }

type processTrack struct {
	label  string
	cmd    *exec.Cmd
	exited <-chan struct{}

	mu      sync.Mutex
	stopped bool
}

func (t *processTrack) Label() string { return t.label }

func (t *processTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.mu.Unlock()

	t.kill()
	<-t.exited
}

// kill ends the process without waiting for it to exit.
func (t *processTrack) kill() {
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
}

func (t *processTrack) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	select {
	case <-t.exited:
		return false
	default:
		return true
	}
}

// splitJPEG is a bufio.SplitFunc yielding complete JPEG images (SOI..EOI)
// from a concatenated MJPEG byte stream. Bytes before an SOI marker are
// discarded.
func splitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, []byte{0xFF, 0xD8})
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// keep a trailing 0xFF in case it starts the next marker
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}
	end := bytes.Index(data[start+2:], []byte{0xFF, 0xD9})
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int

	mu  sync.Mutex
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = b.buf[len(b.buf)-b.max:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
