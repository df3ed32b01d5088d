package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"DeviceBridge/internal/pairing"
	"DeviceBridge/internal/session"
	"DeviceBridge/internal/speaker"

	"github.com/hashicorp/go-cleanhttp"
)

const defaultHTTPTimeout = 10 * time.Second

// APIError is a non-2xx reply from the host.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("host returned %d: %s", e.StatusCode, e.Message)
}

type HostClientConfig struct {
	BaseURL string
	Timeout time.Duration
	HTTP    *http.Client
}

// HostClient talks to one host's HTTP API.
type HostClient struct {
	baseURL *url.URL
	client  *http.Client
	stream  *http.Client
}

func NewHostClient(cfg HostClientConfig) (*HostClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("host base url is required")
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid host base url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
		httpClient.Timeout = timeout
	}
	// The speaker stream is long-lived, so it must not inherit the request timeout.
	streamClient := &http.Client{Transport: httpClient.Transport}

	return &HostClient{baseURL: parsed, client: httpClient, stream: streamClient}, nil
}

func (c *HostClient) BaseURL() string {
	return c.baseURL.String()
}

type statusEnvelope struct {
	Status session.Status `json:"status"`
}

type pairRequest struct {
	PairCode   string  `json:"pairCode"`
	DeviceName *string `json:"deviceName,omitempty"`
	DeviceID   *string `json:"deviceId,omitempty"`
}

type presenceRequest struct {
	DeviceName *string `json:"deviceName,omitempty"`
	DeviceID   *string `json:"deviceId,omitempty"`
}

func (c *HostClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *HostClient) Bootstrap(ctx context.Context) (pairing.Descriptor, error) {
	var d pairing.Descriptor
	err := c.do(ctx, http.MethodGet, "/api/bootstrap", nil, &d)
	return d, err
}

func (c *HostClient) Status(ctx context.Context) (session.Status, error) {
	var env statusEnvelope
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &env)
	return env.Status, err
}

func (c *HostClient) IssueQRToken(ctx context.Context) (pairing.QRTicket, error) {
	var ticket pairing.QRTicket
	err := c.do(ctx, http.MethodPost, "/api/bootstrap/qr-token", struct{}{}, &ticket)
	return ticket, err
}

func (c *HostClient) RedeemQRToken(ctx context.Context, token string) (pairing.Descriptor, error) {
	var d pairing.Descriptor
	err := c.do(ctx, http.MethodPost, "/api/bootstrap/qr-redeem", map[string]string{"token": token}, &d)
	return d, err
}

func (c *HostClient) Pair(ctx context.Context, code string, deviceName, deviceID *string) (session.Status, error) {
	var env statusEnvelope
	err := c.do(ctx, http.MethodPost, "/api/pair", pairRequest{PairCode: code, DeviceName: deviceName, DeviceID: deviceID}, &env)
	return env.Status, err
}

func (c *HostClient) Unpair(ctx context.Context) (session.Status, error) {
	var env statusEnvelope
	err := c.do(ctx, http.MethodPost, "/api/unpair", struct{}{}, &env)
	return env.Status, err
}

func (c *HostClient) Presence(ctx context.Context, deviceName, deviceID *string) (session.Status, error) {
	var env statusEnvelope
	err := c.do(ctx, http.MethodPost, "/api/presence", presenceRequest{DeviceName: deviceName, DeviceID: deviceID}, &env)
	return env.Status, err
}

// PushToggles makes HostClient a Publisher.
func (c *HostClient) PushToggles(ctx context.Context, t Toggles) (session.Status, error) {
	var env statusEnvelope
	err := c.do(ctx, http.MethodPost, "/api/toggles", t, &env)
	return env.Status, err
}

// SpeakerStream opens the host's PCM feed. The caller closes the body.
func (c *HostClient) SpeakerStream(ctx context.Context) (io.ReadCloser, speaker.Format, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/api/speaker/stream"), nil)
	if err != nil {
		return nil, speaker.Format{}, err
	}
	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, speaker.Format{}, err
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		return nil, speaker.Format{}, decodeAPIError(resp)
	}

	format := speaker.Format{Encoding: resp.Header.Get("X-Audio-Encoding"), SampleSize: 2}
	format.SampleRate, _ = strconv.Atoi(resp.Header.Get("X-Audio-Sample-Rate"))
	format.Channels, _ = strconv.Atoi(resp.Header.Get("X-Audio-Channels"))
	return resp.Body, format, nil
}

func (c *HostClient) endpoint(p string) string {
	u := *c.baseURL
	u.Path = path.Join(u.Path, p)
	return u.String()
}

func (c *HostClient) do(ctx context.Context, method, p string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(p), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", p, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}
