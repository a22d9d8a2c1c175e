package cluster

import (
	"context"
	stderrors "errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/poolportal/pkg/errors"
)

// Process is one running worker as seen by the master
type Process interface {
	ForkID() int
	// Send delivers a control message to the worker
	Send(msg Message) error
	// Messages yields the worker's control messages and is closed once the
	// worker's end of the channel is gone
	Messages() <-chan Message
	// Wait blocks until the worker exits
	Wait() error
	// Stop asks the worker to shut down
	Stop() error
}

// Spawner starts worker processes
type Spawner interface {
	Spawn(ctx context.Context, forkID int) (Process, error)
}

// HandoffFunc builds the handoff of one fork
type HandoffFunc func(forkID int) *Handoff

// ExecSpawner starts workers by re-executing a binary, usually the running
// one, with the handoff in its environment and the control pipes on fds 3
// and 4.
type ExecSpawner struct {
	Path    string
	Args    []string
	Env     []string
	Handoff HandoffFunc
	Stdout  io.Writer
	Stderr  io.Writer
	// StopTimeout is how long a stopped worker may take before it is killed
	StopTimeout time.Duration
}

// NewExecSpawner re-executes the current binary with the process environment
func NewExecSpawner(handoff HandoffFunc) (*ExecSpawner, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeWorker, "spawner", "cannot locate executable")
	}
	return &ExecSpawner{
		Path:        path,
		Args:        os.Args[1:],
		Env:         os.Environ(),
		Handoff:     handoff,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		StopTimeout: 10 * time.Second,
	}, nil
}

// Spawn starts the worker of forkID
func (s *ExecSpawner) Spawn(ctx context.Context, forkID int) (Process, error) {
	env := append([]string{}, s.Env...)
	if s.Handoff != nil {
		vars, err := s.Handoff(forkID).Environ()
		if err != nil {
			return nil, err
		}
		env = append(env, vars...)
	}

	// toWorker is read by the worker on fd 3, fromWorker written on fd 4
	toWorkerR, toWorkerW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeWorker, "spawn", "cannot create control pipe")
	}
	fromWorkerR, fromWorkerW, err := os.Pipe()
	if err != nil {
		toWorkerR.Close()
		toWorkerW.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeWorker, "spawn", "cannot create control pipe")
	}

	cmd := exec.CommandContext(ctx, s.Path, s.Args...)
	cmd.Env = env
	cmd.Stdout = s.Stdout
	cmd.Stderr = s.Stderr
	cmd.ExtraFiles = []*os.File{toWorkerR, fromWorkerW}
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = s.StopTimeout

	err = cmd.Start()
	// the child holds its own copies now
	toWorkerR.Close()
	fromWorkerW.Close()
	if err != nil {
		toWorkerW.Close()
		fromWorkerR.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeWorker, "spawn", "cannot start worker").
			WithContext("fork_id", forkID)
	}

	p := &execProcess{
		forkID:   forkID,
		cmd:      cmd,
		link:     NewLink(fromWorkerR, toWorkerW),
		toWorker: toWorkerW,
		messages: make(chan Message, 16),
		done:     make(chan struct{}),
	}
	go p.receive(fromWorkerR)
	go p.wait()
	return p, nil
}

type execProcess struct {
	forkID   int
	cmd      *exec.Cmd
	link     *Link
	toWorker *os.File
	messages chan Message

	done    chan struct{}
	waitErr error
	once    sync.Once
}

func (p *execProcess) ForkID() int { return p.forkID }

func (p *execProcess) Send(msg Message) error { return p.link.Send(msg) }

func (p *execProcess) Messages() <-chan Message { return p.messages }

func (p *execProcess) receive(r *os.File) {
	defer close(p.messages)
	defer r.Close()
	_ = p.link.Receive(func(msg Message) { p.messages <- msg })
}

func (p *execProcess) wait() {
	p.waitErr = p.cmd.Wait()
	p.toWorker.Close()
	close(p.done)
}

func (p *execProcess) Wait() error {
	<-p.done
	return p.waitErr
}

func (p *execProcess) Stop() error {
	var err error
	p.once.Do(func() {
		err = p.cmd.Process.Signal(syscall.SIGTERM)
		if err != nil && stderrors.Is(err, os.ErrProcessDone) {
			err = nil
		}
	})
	return err
}

// OpenWorkerLink opens the control channel a worker inherited from the
// master
func OpenWorkerLink() (*Link, error) {
	in := os.NewFile(ControlInFD, "control-in")
	out := os.NewFile(ControlOutFD, "control-out")
	if in == nil || out == nil {
		return nil, errors.New(errors.ErrorTypeWorker, "worker_link", "control pipes are not inherited")
	}
	return NewLink(in, out), nil
}
