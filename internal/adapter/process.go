package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"DeviceBridge/internal/speaker"

	"github.com/sirupsen/logrus"
)

const (
	defaultStartupGrace = 750 * time.Millisecond
	stopTimeout         = 3 * time.Second
	stderrTailSize      = 2048
	captureChunkSize    = 4096
	subscriberBuffer    = 32
)

var (
	ErrNoCommand       = errors.New("adapter has no command configured")
	ErrNotStreaming    = errors.New("adapter does not capture a stream")
	ErrProcessNotAlive = errors.New("adapter process is not running")
)

// ProcessOptions configures a Process adapter. Command arguments may contain
// the placeholders {{streamUrl}}, {{lens}}, {{orientation}}, {{deviceName}}
// and {{deviceId}}.
type ProcessOptions struct {
	Name           string   `json:"name"`
	Command        []string `json:"command"`
	Label          string   `json:"label"`
	StartupGraceMS int      `json:"startup_grace_ms"`
	CaptureStdout  bool     `json:"capture_stdout"`
	SampleRate     int      `json:"sample_rate"`
	Channels       int      `json:"channels"`
}

// Labeler resolves the host device a resource is routed to.
type Labeler interface {
	Label() string
}

// Process runs a helper command for as long as the resource is active.
type Process struct {
	opts    ProcessOptions
	labeler Labeler
	log     logrus.FieldLogger

	mu          sync.Mutex
	streamURL   string
	identity    Identity
	lens        Lens
	orientation Orientation

	cmd     *exec.Cmd
	args    []string
	done    chan struct{}
	exitErr error
	stderr  *tailBuffer

	subscribers map[chan []byte]struct{}
}

func NewProcess(opts ProcessOptions, log logrus.FieldLogger) *Process {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if opts.Name == "" && len(opts.Command) > 0 {
		opts.Name = opts.Command[0]
	}
	return &Process{
		opts:        opts,
		log:         log.WithField("adapter", opts.Name),
		lens:        LensBack,
		orientation: OrientationAuto,
		subscribers: map[chan []byte]struct{}{},
	}
}

// WithLabeler sets a dynamic route hint source, used before the static label.
func (p *Process) WithLabeler(l Labeler) *Process {
	p.labeler = l
	return p
}

func (p *Process) SetStreamURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamURL = url
}

func (p *Process) SetDeviceIdentity(id Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identity = id
}

func (p *Process) SetCameraOptions(lens Lens, orientation Orientation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lens = lens
	p.orientation = orientation
}

func (p *Process) DeviceLabel() string {
	if p.labeler != nil {
		if label := p.labeler.Label(); label != "" {
			return label
		}
	}
	return p.opts.Label
}

func (p *Process) renderArgs() []string {
	r := strings.NewReplacer(
		"{{streamUrl}}", p.streamURL,
		"{{lens}}", string(p.lens),
		"{{orientation}}", string(p.orientation),
		"{{deviceName}}", p.identity.DeviceName,
		"{{deviceId}}", p.identity.DeviceID,
	)
	args := make([]string, 0, len(p.opts.Command))
	for _, a := range p.opts.Command {
		args = append(args, r.Replace(a))
	}
	return args
}

func (p *Process) aliveLocked() bool {
	if p.cmd == nil {
		return false
	}
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Start launches the helper. A helper already running with identical
// arguments is left alone; otherwise it is restarted.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	args := p.renderArgs()
	if len(args) == 0 {
		p.mu.Unlock()
		return ErrNoCommand
	}
	if p.aliveLocked() && equalArgs(args, p.args) {
		p.mu.Unlock()
		return nil
	}
	prevCmd, prevDone := p.detachLocked()
	p.mu.Unlock()

	terminate(prevCmd, prevDone)

	cmd := exec.Command(args[0], args[1:]...)
	stderr := &tailBuffer{max: stderrTailSize}
	cmd.Stderr = stderr

	var stdout io.ReadCloser
	if p.opts.CaptureStdout {
		var err error
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("%s stdout: %w", p.opts.Name, err)
		}
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.opts.Name, err)
	}

	done := make(chan struct{})
	p.mu.Lock()
	p.cmd, p.args, p.done, p.stderr, p.exitErr = cmd, args, done, stderr, nil
	p.mu.Unlock()

	go func() {
		if stdout != nil {
			p.pump(stdout)
		}
		err := cmd.Wait()
		p.mu.Lock()
		if p.done == done {
			p.exitErr = err
		}
		p.mu.Unlock()
		close(done)
	}()

	p.log.WithFields(logrus.Fields{
		"pid":  cmd.Process.Pid,
		"args": args,
	}).Info("adapter process started")

	grace := defaultStartupGrace
	if p.opts.StartupGraceMS > 0 {
		grace = time.Duration(p.opts.StartupGraceMS) * time.Millisecond
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		p.mu.Lock()
		exitErr := p.exitErr
		p.mu.Unlock()
		detail := strings.TrimSpace(stderr.String())
		if exitErr == nil {
			exitErr = ErrProcessNotAlive
		}
		if detail != "" {
			return fmt.Errorf("%s exited during startup: %w: %s", p.opts.Name, exitErr, detail)
		}
		return fmt.Errorf("%s exited during startup: %w", p.opts.Name, exitErr)
	case <-timer.C:
		return nil
	case <-ctx.Done():
		// A failed Start never leaves the helper behind.
		p.mu.Lock()
		if p.done == done {
			p.detachLocked()
		}
		p.mu.Unlock()
		terminate(cmd, done)
		return ctx.Err()
	}
}

func (p *Process) detachLocked() (*exec.Cmd, chan struct{}) {
	cmd, done := p.cmd, p.done
	p.cmd, p.args, p.done = nil, nil, nil
	return cmd, done
}

// Stop terminates the helper, escalating to kill after a timeout.
func (p *Process) Stop(_ context.Context) error {
	p.mu.Lock()
	cmd, done := p.detachLocked()
	p.mu.Unlock()

	if cmd == nil {
		return nil
	}
	terminate(cmd, done)
	p.log.Info("adapter process stopped")
	return nil
}

func terminate(cmd *exec.Cmd, done chan struct{}) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	select {
	case <-done:
		return
	default:
	}

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		_ = cmd.Process.Kill()
	}
	select {
	case <-done:
	case <-time.After(stopTimeout):
		_ = cmd.Process.Kill()
		<-done
	}
}

func (p *Process) IsRunning(_ context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aliveLocked(), nil
}

// Stream fans captured stdout out to sink until ctx is done or the helper exits.
func (p *Process) Stream(ctx context.Context, sink speaker.Sink) error {
	if !p.opts.CaptureStdout {
		return ErrNotStreaming
	}

	format := speaker.DefaultFormat
	if p.opts.SampleRate > 0 {
		format.SampleRate = p.opts.SampleRate
	}
	if p.opts.Channels > 0 {
		format.Channels = p.opts.Channels
	}

	ch := make(chan []byte, subscriberBuffer)
	p.mu.Lock()
	if !p.aliveLocked() {
		p.mu.Unlock()
		return ErrProcessNotAlive
	}
	p.subscribers[ch] = struct{}{}
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.unsubscribe(ch)
	}()

	reader, err := speaker.NewChunkReader(ch, format)
	if err != nil {
		p.unsubscribe(ch)
		return err
	}
	return speaker.Pump(ctx, reader, format, sink)
}

func (p *Process) unsubscribe(ch chan []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subscribers[ch]; ok {
		delete(p.subscribers, ch)
		close(ch)
	}
}

func (p *Process) pump(stdout io.Reader) {
	buf := make([]byte, captureChunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			p.mu.Lock()
			for ch := range p.subscribers {
				select {
				case ch <- chunk:
				default:
					// slow listener, drop the chunk
				}
			}
			p.mu.Unlock()
		}
		if err != nil {
			p.mu.Lock()
			for ch := range p.subscribers {
				delete(p.subscribers, ch)
				close(ch)
			}
			p.mu.Unlock()
			return
		}
	}
}

func equalArgs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(b)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
