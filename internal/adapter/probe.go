package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aler9/gortsplib"
	"github.com/aler9/gortsplib/pkg/url"
)

const defaultProbeTimeout = 3 * time.Second

// StreamChecker verifies that a stream URL answers before a device is started.
type StreamChecker func(ctx context.Context, streamURL string) error

// RTSPCheck sends an OPTIONS request to rtsp:// and rtsps:// URLs. Other
// schemes are accepted without checking.
func RTSPCheck(timeout time.Duration) StreamChecker {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return func(ctx context.Context, streamURL string) error {
		lower := strings.ToLower(streamURL)
		if !strings.HasPrefix(lower, "rtsp://") && !strings.HasPrefix(lower, "rtsps://") {
			return nil
		}

		u, err := url.Parse(streamURL)
		if err != nil {
			return fmt.Errorf("stream unreachable: invalid url: %w", err)
		}

		c := gortsplib.Client{
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		}

		result := make(chan error, 1)
		go func() {
			if err := c.Start(u.Scheme, u.Host); err != nil {
				result <- err
				return
			}
			defer c.Close()
			_, err := c.Options(u)
			result <- err
		}()

		select {
		case err := <-result:
			if err != nil {
				return fmt.Errorf("stream unreachable: %w", err)
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("stream unreachable: %w", ctx.Err())
		}
	}
}

type probedAdapter struct {
	Adapter
	check StreamChecker

	mu        sync.Mutex
	streamURL string
}

// WithStreamProbe wraps a so that Start fails fast when the configured
// stream cannot be reached.
func WithStreamProbe(a Adapter, check StreamChecker) Adapter {
	return &probedAdapter{Adapter: a, check: check}
}

func (p *probedAdapter) SetStreamURL(url string) {
	p.mu.Lock()
	p.streamURL = url
	p.mu.Unlock()
	p.Adapter.SetStreamURL(url)
}

func (p *probedAdapter) Start(ctx context.Context) error {
	p.mu.Lock()
	streamURL := p.streamURL
	p.mu.Unlock()

	if streamURL != "" {
		if err := p.check(ctx, streamURL); err != nil {
			return err
		}
	}
	return p.Adapter.Start(ctx)
}

func (p *probedAdapter) IsRunning(ctx context.Context) (bool, error) {
	hc, ok := p.Adapter.(HealthChecker)
	if !ok {
		return true, nil
	}
	return hc.IsRunning(ctx)
}

func (p *probedAdapter) SetCameraOptions(lens Lens, orientation Orientation) {
	if cc, ok := p.Adapter.(CameraConfigurer); ok {
		cc.SetCameraOptions(lens, orientation)
	}
}
