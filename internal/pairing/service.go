package pairing

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
)

const (
	DefaultTokenTTL = 120 * time.Second
	minTokenTTL     = time.Second
	qrImageSize     = 256
)

var (
	ErrTokenRequired         = errors.New("token is required")
	ErrTokenInvalidOrExpired = errors.New("token is invalid or expired")
	ErrTokenAlreadyUsed      = errors.New("token has already been used")
)

// Renderer turns QR content into a PNG image.
type Renderer func(content string) ([]byte, error)

// RenderPNG renders content with medium error correction.
func RenderPNG(content string) ([]byte, error) {
	return qrcode.Encode(content, qrcode.Medium, qrImageSize)
}

// QRPayload is the content encoded in the pairing QR code.
type QRPayload struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Service     string    `json:"service"`
	HostID      string    `json:"hostId"`
	DisplayName string    `json:"displayName"`
	Platform    string    `json:"platform"`
	Address     string    `json:"address"`
	Port        int       `json:"port"`
	BaseURL     string    `json:"baseUrl"`
}

// QRTicket is a freshly issued token plus its rendered image. Image is nil
// when rendering failed.
type QRTicket struct {
	QRPayload
	Image *string `json:"image"`
}

type tokenEntry struct {
	expiresAt time.Time
	used      bool
}

type Config struct {
	TokenTTL time.Duration
	Renderer Renderer
	Logger   logrus.FieldLogger
	Now      func() time.Time
}

// Service hands out the bootstrap descriptor and single-use QR tokens.
type Service struct {
	descriptor Descriptor
	ttl        time.Duration
	render     Renderer
	log        logrus.FieldLogger
	now        func() time.Time

	mu     sync.Mutex
	tokens map[string]*tokenEntry
}

func NewService(d Descriptor, cfg Config) *Service {
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	if ttl < minTokenTTL {
		ttl = minTokenTTL
	}
	if cfg.Renderer == nil {
		cfg.Renderer = RenderPNG
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		descriptor: d,
		ttl:        ttl,
		render:     cfg.Renderer,
		log:        cfg.Logger.WithField("component", "pairing"),
		now:        cfg.Now,
		tokens:     map[string]*tokenEntry{},
	}
}

// Bootstrap returns the host descriptor.
func (s *Service) Bootstrap() Descriptor {
	return s.descriptor
}

func (s *Service) TTL() time.Duration {
	return s.ttl
}

// IssueToken creates a single-use token valid for the configured TTL.
func (s *Service) IssueToken() (QRTicket, error) {
	now := s.now()
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	expiresAt := now.Add(s.ttl).UTC()

	s.mu.Lock()
	s.sweepLocked(now)
	s.tokens[token] = &tokenEntry{expiresAt: expiresAt}
	s.mu.Unlock()

	d := s.descriptor
	ticket := QRTicket{QRPayload: QRPayload{
		Token:       token,
		ExpiresAt:   expiresAt,
		Service:     d.Service,
		HostID:      d.HostID,
		DisplayName: d.DisplayName,
		Platform:    d.Platform,
		Address:     d.Address,
		Port:        d.Port,
		BaseURL:     d.BaseURL,
	}}

	content, err := json.Marshal(ticket.QRPayload)
	if err != nil {
		return QRTicket{}, err
	}
	png, err := s.render(string(content))
	if err != nil {
		s.log.WithError(err).Warn("qr image rendering failed, issuing token without image")
	} else {
		image := "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
		ticket.Image = &image
	}

	s.log.WithField("expires_at", expiresAt).Debug("qr token issued")
	return ticket, nil
}

// RedeemToken consumes token and returns the descriptor it unlocks.
func (s *Service) RedeemToken(token string) (Descriptor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Descriptor{}, ErrTokenRequired
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sweepLocked(now)
	entry, ok := s.tokens[token]
	if !ok || !now.Before(entry.expiresAt) {
		return Descriptor{}, ErrTokenInvalidOrExpired
	}
	if entry.used {
		return Descriptor{}, ErrTokenAlreadyUsed
	}
	entry.used = true
	return s.descriptor, nil
}

// sweepLocked drops expired tokens. Used tokens stay until they expire so a
// replay is reported as such.
func (s *Service) sweepLocked(now time.Time) {
	for token, entry := range s.tokens {
		if !now.Before(entry.expiresAt) {
			delete(s.tokens, token)
		}
	}
}
