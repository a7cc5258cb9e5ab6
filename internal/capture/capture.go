// Package capture provides frame sources for the detection session.
package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/facewatch/internal/utils"
	"go.uber.org/zap"
)

const megabyte = 1024 * 1024

// Config describes a live input.
type Config struct {
	Input  string  // device, file, URL, or "-" for MJPEG on stdin
	Format string  // ffmpeg demuxer (v4l2, avfoundation, dshow); empty to probe
	FPS    float64 // decode rate; 0 keeps the source rate
}

// Stream keeps the most recent JPEG frame read from an MJPEG byte stream.
// Only the latest frame matters: the session samples it once per cycle.
type Stream struct {
	logger *zap.Logger
	cmd    *utils.SafeCommand

	mu     sync.RWMutex
	latest []byte
	at     time.Time

	frames atomic.Uint64
	active atomic.Bool
	ready  chan struct{}
	done   chan struct{}
	err    error
}

func newStream(logger *zap.Logger) *Stream {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Stream{
		logger: logger.Named("capture"),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	s.active.Store(true)
	return s
}

// FromReader consumes MJPEG data from r until EOF.
func FromReader(r io.Reader, logger *zap.Logger) *Stream {
	s := newStream(logger)
	go s.consume(r)
	return s
}

// Open starts ffmpeg for cfg.Input, or reads stdin when Input is "-".
// The process is killed when ctx is done or Close is called.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Stream, error) {
	if cfg.Input == "" {
		return nil, errors.New("no capture input given")
	}
	if cfg.Input == "-" {
		return FromReader(os.Stdin, logger), nil
	}

	ffmpeg := utils.NewFFmpegCmd(ctx, cfg.Input, cfg.Format, cfg.FPS)
	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create ffmpeg pipe: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s := newStream(logger)
	s.cmd = ffmpeg
	go s.consume(out)
	return s, nil
}

func (s *Stream) consume(r io.Reader) {
	defer close(s.done)
	defer s.active.Store(false)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	for scanner.Scan() {
		// The scanner reuses its buffer.
		frame := append([]byte(nil), scanner.Bytes()...)
		s.mu.Lock()
		s.latest = frame
		s.at = time.Now()
		s.mu.Unlock()
		if s.frames.Add(1) == 1 {
			close(s.ready)
			s.logger.Info("capture producing frames", zap.Int("bytes", len(frame)))
		}
	}

	err := scanner.Err()
	if s.cmd != nil {
		if werr := s.cmd.Wait(); werr != nil && err == nil {
			err = fmt.Errorf("ffmpeg exited: %w: %s", werr, s.cmd.Stderr.String())
		}
	}
	s.err = err
	if err != nil {
		s.logger.Warn("capture ended", zap.Error(err))
	} else {
		s.logger.Info("capture ended", zap.Uint64("frames", s.frames.Load()))
	}
}

// Active reports whether the input is still producing data.
func (s *Stream) Active() bool {
	return s.active.Load()
}

// Frame returns the latest frame, or false before the first one arrives.
func (s *Stream) Frame() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return nil, false
	}
	return s.latest, true
}

// LastFrameAt is when the latest frame was decoded.
func (s *Stream) LastFrameAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.at
}

// Frames is the number of frames decoded so far.
func (s *Stream) Frames() uint64 {
	return s.frames.Load()
}

// WaitReady blocks until the first frame arrives, the stream ends, or ctx is done.
func (s *Stream) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		if s.err != nil {
			return s.err
		}
		return errors.New("capture ended before the first frame")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the stream ends.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason the stream ended, once Done is closed.
func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close kills ffmpeg if this stream owns it and waits for the reader to finish.
func (s *Stream) Close() error {
	if s.cmd == nil {
		return nil
	}
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	<-s.done
	return nil
}

// Static serves one fixed image forever. Used to run a session against a still photo.
type Static struct {
	frame []byte
}

// NewStatic wraps an encoded image.
func NewStatic(frame []byte) *Static {
	return &Static{frame: frame}
}

func (s *Static) Active() bool { return len(s.frame) > 0 }

func (s *Static) Frame() ([]byte, bool) {
	return s.frame, len(s.frame) > 0
}
