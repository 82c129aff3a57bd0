package extractor

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
)

// DefaultDim is the descriptor length of the face-api / dlib recognition nets.
const DefaultDim = 128

// maxFacesPerFrame bounds the face count header so a corrupt payload cannot trigger huge allocations.
const maxFacesPerFrame = 256

// ErrWorkerBroken is returned after a timeout or protocol failure left the pipes out of sync.
var ErrWorkerBroken = errors.New("extractor worker is no longer usable")

// ScanConfig configures a Python extractor process.
type ScanConfig struct {
	Script             string
	Dim                int
	Debug              bool
	DetectionThreshold float64
	ReadTimeout        time.Duration
}

func (c ScanConfig) withDefaults() ScanConfig {
	if c.Script == "" {
		c.Script = "python/worker.py"
	}
	if c.Dim <= 0 {
		c.Dim = DefaultDim
	}
	if c.DetectionThreshold <= 0 {
		c.DetectionThreshold = 0.5
	}
	return c
}

// PythonWorker drives one long-lived Python embedding process.
type PythonWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	cfg    ScanConfig
	mu     sync.Mutex
	broken bool
}

// NewPythonWorker starts the extractor process. Results come back over a
// dedicated pipe (FD 3) so Python's own stdout/stderr logging cannot corrupt them.
func NewPythonWorker(ctx context.Context, id int, cfg ScanConfig) (*PythonWorker, error) {
	cfg = cfg.withDefaults()

	args := []string{"-u", cfg.Script,
		"--dim", strconv.Itoa(cfg.Dim),
		"--detection-threshold", strconv.FormatFloat(cfg.DetectionThreshold, 'f', -1, 64),
	}
	if cfg.Debug {
		args = append(args, "--debug")
	}
	py := utils.NewSafeCommandContext(ctx, "python3", args...)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
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
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		cfg:      cfg,
	}, nil
}

// Detect sends one encoded image to the worker and decodes the detections.
// The call is abandoned when ctx ends or the configured read timeout passes;
// the worker is unusable afterwards.
func (w *PythonWorker) Detect(ctx context.Context, frame []byte) ([]types.FaceResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken {
		return nil, ErrWorkerBroken
	}

	if w.cfg.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.ReadTimeout)
		defer cancel()
	}

	type reply struct {
		faces []types.FaceResult
		err   error
	}
	done := make(chan reply, 1)
	go func() {
		faces, err := w.ProcessFrame(frame)
		done <- reply{faces, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && !isWorkerError(r.err) {
			w.broken = true
		}
		return r.faces, r.err
	case <-ctx.Done():
		w.broken = true
		// Unblock the reader goroutine; the process is killed by its own context or Close.
		w.DataPipe.Close()
		return nil, fmt.Errorf("worker %d: %w", w.ID, ctx.Err())
	}
}

// Broken reports whether the worker must be replaced.
func (w *PythonWorker) Broken() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.broken
}

// Embed returns the descriptor of the largest face in the frame.
func (w *PythonWorker) Embed(ctx context.Context, frame []byte) (types.Descriptor, error) {
	return embedWith(ctx, w.Detect, frame)
}

// Communicate writes one length-prefixed request and reads one length-prefixed response.
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
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// workerError is a failure reported by Python itself; the pipes remain in sync.
type workerError struct {
	msg string
}

func (e *workerError) Error() string {
	return "python worker error: " + e.msg
}

func isWorkerError(err error) bool {
	var we *workerError
	return errors.As(err, &we)
}

// ProcessFrame runs one frame through the worker and parses the binary reply.
//
// Reply layout (big endian):
//
//	[status u8]
//	status 0: [count u32] then per face [box 4×i32][vec dim×f32][quality f32][imgLen u32][img]
//	status 1: [msgLen u32][msg]
func (w *PythonWorker) ProcessFrame(frame []byte) ([]types.FaceResult, error) {
	resp, err := w.Communicate(frame)
	if err != nil {
		return nil, err
	}
	return decodeFaces(resp, w.cfg.withDefaults().Dim)
}

func decodeFaces(resp []byte, dim int) ([]types.FaceResult, error) {
	r := bytes.NewReader(resp)

	status, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty worker response: %w", err)
	}

	if status != 0 {
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		return nil, &workerError{msg: string(msg)}
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, fmt.Errorf("malformed face count: %w", err)
	}
	if count > maxFacesPerFrame {
		return nil, fmt.Errorf("implausible face count %d", count)
	}

	faces := make([]types.FaceResult, 0, count)
	vec32 := make([]float32, dim)
	for i := uint32(0); i < count; i++ {
		var box [4]int32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("face %d: box: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, vec32); err != nil {
			return nil, fmt.Errorf("face %d: descriptor: %w", i, err)
		}
		var quality float32
		if err := binary.Read(r, binary.BigEndian, &quality); err != nil {
			return nil, fmt.Errorf("face %d: quality: %w", i, err)
		}
		var imgLen uint32
		if err := binary.Read(r, binary.BigEndian, &imgLen); err != nil {
			return nil, fmt.Errorf("face %d: thumbnail length: %w", i, err)
		}
		if int64(imgLen) > int64(r.Len()) {
			return nil, fmt.Errorf("face %d: thumbnail length %d exceeds payload", i, imgLen)
		}
		thumb := make([]byte, imgLen)
		if _, err := io.ReadFull(r, thumb); err != nil {
			return nil, fmt.Errorf("face %d: thumbnail: %w", i, err)
		}

		vec := make(types.Descriptor, dim)
		for j, v := range vec32 {
			vec[j] = float64(v)
		}
		faces = append(faces, types.FaceResult{
			Loc:     []int{int(box[0]), int(box[1]), int(box[2]), int(box[3])},
			Vec:     vec,
			Quality: float64(quality),
			Thumb:   thumb,
		})
	}
	return faces, nil
}

// Close shuts the worker down and waits for the process to exit.
func (w *PythonWorker) Close() {
	if w.Stdin != nil {
		w.Stdin.Close()
	}
	if w.DataPipe != nil {
		w.DataPipe.Close()
	}
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
