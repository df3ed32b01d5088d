package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"DeviceBridge/internal/session"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPublishRetries = 3
	DefaultPublishDelay   = 2 * time.Second
)

var errSuperseded = errors.New("push superseded")

// Toggles is the desired state the phone pushes to the host.
type Toggles struct {
	Camera                bool    `json:"camera"`
	Microphone            bool    `json:"microphone"`
	Speaker               bool    `json:"speaker"`
	CameraLens            *string `json:"cameraLens,omitempty"`
	CameraOrientationMode *string `json:"cameraOrientationMode,omitempty"`
	CameraStreamURL       *string `json:"cameraStreamUrl,omitempty"`
	DeviceName            *string `json:"deviceName,omitempty"`
	DeviceID              *string `json:"deviceId,omitempty"`
}

// Publisher delivers one toggle push to the host.
type Publisher interface {
	PushToggles(ctx context.Context, t Toggles) (session.Status, error)
}

// CoordinatorOptions zero values select the defaults. A negative Retries
// disables retrying.
type CoordinatorOptions struct {
	Retries int
	Delay   time.Duration
	Logger  logrus.FieldLogger
}

// Coordinator sends toggle pushes with bounded retries. Only the newest push
// may report back; older chains stop at their next checkpoint.
type Coordinator struct {
	pub     Publisher
	retries int
	delay   time.Duration
	log     logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	generation uint64
}

func NewCoordinator(pub Publisher, opts CoordinatorOptions) *Coordinator {
	if opts.Retries < 0 {
		opts.Retries = 0
	} else if opts.Retries == 0 {
		opts.Retries = DefaultPublishRetries
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultPublishDelay
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		pub:     pub,
		retries: opts.Retries,
		delay:   opts.Delay,
		log:     opts.Logger.WithField("component", "publish"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Push supersedes any pending push and returns the new generation.
// onFailure fires once on the first error; retries continue afterwards.
func (c *Coordinator) Push(t Toggles, onSuccess func(session.Status), onFailure func(error)) uint64 {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(gen, t, onSuccess, onFailure)
	return gen
}

func (c *Coordinator) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Close abandons all chains and waits for them to exit.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) current(gen uint64) bool {
	if c.ctx.Err() != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation == gen
}

func (c *Coordinator) run(gen uint64, t Toggles, onSuccess func(session.Status), onFailure func(error)) {
	defer c.wg.Done()

	log := c.log.WithField("generation", gen)
	attempt := 0
	operation := func() (session.Status, error) {
		if !c.current(gen) {
			return session.Status{}, backoff.Permanent(errSuperseded)
		}
		status, err := c.pub.PushToggles(c.ctx, t)
		if !c.current(gen) {
			return session.Status{}, backoff.Permanent(errSuperseded)
		}
		attempt++
		if err != nil {
			log.WithFields(logrus.Fields{
				"attempt": attempt,
				"error":   err,
			}).Warn("toggle push failed")
			if attempt == 1 && onFailure != nil {
				onFailure(err)
			}
			return session.Status{}, err
		}
		return status, nil
	}

	status, err := backoff.Retry(c.ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.delay)),
		backoff.WithMaxTries(uint(c.retries+1)),
		backoff.WithMaxElapsedTime(0),
	)
	switch {
	case err == nil:
		if onSuccess != nil {
			onSuccess(status)
		}
	case errors.Is(err, errSuperseded) || c.ctx.Err() != nil:
		log.Debug("push superseded")
	default:
		log.Warn("giving up on toggle push")
	}
}
