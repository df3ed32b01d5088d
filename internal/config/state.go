package config

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"DeviceBridge/internal/session"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// State is what the host remembers between runs.
type State struct {
	HostID        string                `json:"hostId"`
	PairCode      string                `json:"pairCode"`
	Paired        bool                  `json:"paired"`
	PhoneIdentity session.PhoneIdentity `json:"phoneIdentity"`
}

// StateStore keeps State on disk. It implements session.Persister.
type StateStore struct {
	path string
	log  logrus.FieldLogger

	mutex sync.RWMutex
	state State
}

// OpenStateStore loads path, assigning a host id on first run. The pair code
// rotates on every open unless a pairing is being resumed.
func OpenStateStore(path string, log logrus.FieldLogger) (*StateStore, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &StateStore{path: path, log: log.WithField("component", "state")}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &s.state); err != nil {
			s.log.WithFields(logrus.Fields{
				"path":  path,
				"error": err,
			}).Warn("state file unreadable, starting fresh")
			s.state = State{}
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read state %s: %w", path, err)
	}

	if s.state.HostID == "" {
		s.state.HostID = xid.New().String()
	}
	if !s.state.Paired || s.state.PairCode == "" {
		code, err := GeneratePairCode()
		if err != nil {
			return nil, err
		}
		s.state.PairCode = code
		s.state.Paired = false
	}

	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *StateStore) State() State {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state
}

// Resume is the pairing record the session controller starts from.
func (s *StateStore) Resume() *session.PairingRecord {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return &session.PairingRecord{
		Paired:   s.state.Paired,
		PairCode: s.state.PairCode,
		Identity: s.state.PhoneIdentity,
	}
}

func (s *StateStore) SavePairing(rec session.PairingRecord) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.state.Paired = rec.Paired
	if rec.PairCode != "" {
		s.state.PairCode = rec.PairCode
	}
	s.state.PhoneIdentity = rec.Identity
	return s.saveLocked()
}

func (s *StateStore) saveLocked() error {
	raw, err := json.MarshalIndent(s.state, "", "  ")
	if err != nil {
		return err
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create state dir: %w", err)
		}
	}

	tmpFile := s.path + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary state: %w", err)
	}
	if err := os.Rename(tmpFile, s.path); err != nil {
		return fmt.Errorf("failed to rename state: %w", err)
	}
	return nil
}

// GeneratePairCode returns a fresh code of the form PAIR-######.
func GeneratePairCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("failed to generate pair code: %w", err)
	}
	return fmt.Sprintf("PAIR-%06d", n.Int64()), nil
}
