package worker

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/facewatch/internal/utils"
)

// ErrWorkerDead is returned once the worker process has been killed or has crashed.
var ErrWorkerDead = errors.New("python worker is not running")

// Response status bytes written by the worker in front of every body.
const (
	statusOK     byte = 0
	statusError  byte = 1
	statusNoFace byte = 2
)

// PythonWorker owns one face analysis process. Requests go in over stdin,
// responses come back on a dedicated pipe (FD 3) so library noise on the
// child's stdout can never corrupt the stream.
type PythonWorker struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu   sync.Mutex
	dead atomic.Bool
}

func NewPythonWorker(python, script string, args ...string) (*PythonWorker, error) {
	py := utils.NewSafeCommand(python, append([]string{"-u", script}, args...)...)

	// Create a side-channel pipe (FD 3) for clean data transfer
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
		return nil, fmt.Errorf("worker failed to start: %w", err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PythonWorker{
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one request and waits for its response.
// Protocol in both directions: [uint32 big-endian length][body].
// Response bodies start with a status byte.
func (w *PythonWorker) Communicate(data []byte) ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead.Load() {
		return nil, ErrWorkerDead
	}

	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, w.fail(err)
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, w.fail(err)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, w.fail(err) // the child crashed, e.g. on a missing module
	}
	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, w.fail(err)
	}
	if len(respBody) == 0 {
		return nil, fmt.Errorf("python worker sent an empty response")
	}

	switch respBody[0] {
	case statusOK:
		return respBody[1:], nil
	case statusNoFace:
		return nil, errNoFace
	case statusError:
		return nil, fmt.Errorf("python worker error: %s", respBody[1:])
	default:
		return nil, fmt.Errorf("python worker sent unknown status %d", respBody[0])
	}
}

var errNoFace = errors.New("worker: no face")

// fail marks the stream unusable; a partial frame cannot be resynchronized.
func (w *PythonWorker) fail(err error) error {
	w.dead.Store(true)
	return fmt.Errorf("%w: %v", ErrWorkerDead, err)
}

// Dead reports whether the worker stopped serving requests. It does not wait
// for a request in flight.
func (w *PythonWorker) Dead() bool { return w.dead.Load() }

// Kill terminates the process without waiting for a pending response.
func (w *PythonWorker) Kill() {
	w.dead.Store(true)
	if w.Cmd != nil && w.Cmd.Process != nil {
		w.Cmd.Process.Kill()
	}
}

func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
