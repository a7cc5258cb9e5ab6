package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/facewatch/internal/embedding"
	"github.com/andresmejia3/facewatch/internal/types"
	"github.com/andresmejia3/facewatch/internal/utils" // Using the SafeCommand wrapper
)

// DefaultScript is the embedding worker launched by NewPythonWorker.
const DefaultScript = "python/worker.py"

const (
	statusOK    = 0
	statusError = 1

	// maxFaces bounds a single response so a corrupt header cannot trigger a huge allocation.
	maxFaces = 1024
	// maxResponse bounds the body length announced in a response header.
	maxResponse = 64 << 20
)

// ErrTimeout is returned when the worker does not answer within ReadTimeout.
var ErrTimeout = errors.New("worker read timeout")

// Config controls how the Python worker is started.
type Config struct {
	Script             string
	Dim                int
	DetectionThreshold float64
	ReadTimeout        time.Duration
	Debug              bool
}

// PythonWorker talks to a face embedding process over a length-prefixed pipe protocol.
type PythonWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	Dim         int
	ReadTimeout time.Duration

	mu     sync.Mutex // one request in flight at a time
	broken error
}

func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	if cfg.Script == "" {
		cfg.Script = DefaultScript
	}
	if cfg.Dim <= 0 {
		cfg.Dim = embedding.DefaultDim
	}

	args := []string{"-u", cfg.Script,
		"--dim", strconv.Itoa(cfg.Dim),
		"--detection-threshold", strconv.FormatFloat(cfg.DetectionThreshold, 'f', -1, 64),
	}
	if cfg.Debug {
		args = append(args, "--debug")
	}
	py := utils.NewSafeCommandContext(ctx, "python3", args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdin,
		DataPipe:    r,
		Dim:         cfg.Dim,
		ReadTimeout: cfg.ReadTimeout,
	}, nil
}

// Communicate sends one request and returns the raw response body.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("worker announced a %d byte response, limit is %d", respLen, maxResponse)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// ProcessFrame sends a JPEG frame and decodes the faces found in it.
// After a transport failure or timeout the worker is unusable and every
// later call returns the same error.
func (w *PythonWorker) ProcessFrame(frame []byte) ([]types.FaceResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken != nil {
		return nil, w.broken
	}

	resp, err := w.communicateWithTimeout(frame)
	if err != nil {
		w.broken = fmt.Errorf("worker %d: %w", w.ID, err)
		return nil, w.broken
	}
	return decodeResponse(resp, w.dim())
}

// Extract satisfies the detection session's extractor contract.
func (w *PythonWorker) Extract(ctx context.Context, frame []byte) ([]types.FaceResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return w.ProcessFrame(frame)
}

func (w *PythonWorker) dim() int {
	if w.Dim <= 0 {
		return embedding.DefaultDim
	}
	return w.Dim
}

func (w *PythonWorker) communicateWithTimeout(frame []byte) ([]byte, error) {
	if w.ReadTimeout <= 0 {
		return w.Communicate(frame)
	}

	type result struct {
		body []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		body, err := w.Communicate(frame)
		ch <- result{body, err}
	}()

	timer := time.NewTimer(w.ReadTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.body, r.err
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", ErrTimeout, w.ReadTimeout)
	}
}

// decodeResponse parses [Status] then either
// [NumFaces] {[Box 4xi32][Vec dim x f32][Quality f32][ImgLen u32][Img]}* or [MsgLen][Msg].
func decodeResponse(body []byte, dim int) ([]types.FaceResult, error) {
	r := bytes.NewReader(body)

	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty worker response: %w", err)
	}

	if status == statusError {
		msg, err := readBlob(r)
		if err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	}
	if status != statusOK {
		return nil, fmt.Errorf("unknown worker status %d", status)
	}

	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("reading face count: %w", err)
	}
	if n > maxFaces {
		return nil, fmt.Errorf("worker reported %d faces, limit is %d", n, maxFaces)
	}

	faces := make([]types.FaceResult, 0, n)
	for i := uint32(0); i < n; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("face %d: reading box: %w", i, err)
		}

		vec := make([]float32, dim)
		if err := binary.Read(r, binary.BigEndian, vec); err != nil {
			return nil, fmt.Errorf("face %d: reading embedding: %w", i, err)
		}

		var quality float32
		if err := binary.Read(r, binary.BigEndian, &quality); err != nil {
			return nil, fmt.Errorf("face %d: reading quality: %w", i, err)
		}

		thumb, err := readBlob(r)
		if err != nil {
			return nil, fmt.Errorf("face %d: reading thumbnail: %w", i, err)
		}

		faces = append(faces, types.FaceResult{
			Loc:     []int{int(box[0]), int(box[1]), int(box[2]), int(box[3])},
			Vec:     embedding.Embedding(vec),
			Quality: float64(quality),
			Thumb:   thumb,
		})
	}
	return faces, nil
}

// readBlob reads a [u32 length][bytes] field.
func readBlob(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	if int64(n) > int64(r.Len()) || n > math.MaxInt32 {
		return nil, fmt.Errorf("length %d exceeds remaining %d bytes", n, r.Len())
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Close shuts down the worker and waits for the process to exit.
func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
