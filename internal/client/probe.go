package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"DeviceBridge/internal/pairing"

	"github.com/sirupsen/logrus"
)

const defaultProbeWindow = 1500 * time.Millisecond

// Probe broadcasts the discovery magic to target and collects replies until
// window elapses or ctx is done. Malformed or foreign replies are dropped.
func Probe(ctx context.Context, target string, window time.Duration, log logrus.FieldLogger) ([]pairing.Descriptor, error) {
	if window <= 0 {
		window = defaultProbeWindow
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.WriteTo([]byte(pairing.DiscoveryMagic), addr); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(window)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	var found []pairing.Descriptor
	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return found, nil
			}
			return found, err
		}

		var d pairing.Descriptor
		if err := json.Unmarshal(buf[:n], &d); err != nil || d.Service != pairing.ServiceTag || d.BaseURL == "" {
			log.WithField("from", from.String()).Debug("dropping foreign discovery reply")
			continue
		}
		found = append(found, d)
	}
}

// Candidates converts discovery replies into reconciler input.
func Candidates(descriptors []pairing.Descriptor) []Candidate {
	out := make([]Candidate, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, Candidate{
			BaseURL:     d.BaseURL,
			HostID:      d.HostID,
			DisplayName: d.DisplayName,
			Platform:    d.Platform,
		})
	}
	return out
}
