package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DiscoveryMagic is the exact datagram a phone broadcasts to find hosts.
	DiscoveryMagic = "DEVICEBRIDGE_DISCOVER_V1"

	DefaultDiscoveryPort = 47777

	discoveryReadTimeout = time.Second
	discoveryBufferSize  = 1024
)

var ErrResponderRunning = errors.New("discovery responder already running")

// Responder answers discovery probes on a UDP port with the bootstrap descriptor.
type Responder struct {
	addr      string
	bootstrap func() Descriptor
	log       logrus.FieldLogger

	mu       sync.RWMutex
	conn     net.PacketConn
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewResponder creates a responder bound to addr (for example ":47777") once started.
func NewResponder(addr string, bootstrap func() Descriptor, log logrus.FieldLogger) *Responder {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Responder{
		addr:      addr,
		bootstrap: bootstrap,
		log:       log.WithField("component", "discovery"),
	}
}

func (r *Responder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return ErrResponderRunning
	}

	conn, err := net.ListenPacket("udp", r.addr)
	if err != nil {
		return fmt.Errorf("failed to create discovery socket: %w", err)
	}

	r.conn = conn
	r.running = true
	r.stopChan = make(chan struct{})

	r.wg.Add(1)
	go r.receiveLoop(conn, r.stopChan)

	r.log.WithField("addr", conn.LocalAddr().String()).Info("discovery responder started")
	return nil
}

// Stop closes the socket and waits for the receive loop to exit. Safe to call twice.
func (r *Responder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopChan)
	if r.conn != nil {
		r.conn.Close()
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.log.Info("discovery responder stopped")
}

// Serve runs the responder until ctx is done.
func (r *Responder) Serve(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	r.Stop()
	return nil
}

// Addr is the bound local address, or nil when not running.
func (r *Responder) Addr() net.Addr {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.conn == nil || !r.running {
		return nil
	}
	return r.conn.LocalAddr()
}

func (r *Responder) receiveLoop(conn net.PacketConn, stop <-chan struct{}) {
	defer r.wg.Done()

	buffer := make([]byte, discoveryBufferSize)
	for {
		select {
		case <-stop:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(discoveryReadTimeout))
		n, addr, err := conn.ReadFrom(buffer)
		if err != nil {
			select {
			case <-stop:
				return
			default:
				continue
			}
		}

		r.handlePacket(conn, buffer[:n], addr)
	}
}

func (r *Responder) handlePacket(conn net.PacketConn, data []byte, addr net.Addr) {
	if strings.TrimSpace(string(data)) != DiscoveryMagic {
		r.log.WithField("from", addr.String()).Debug("ignoring non-discovery datagram")
		return
	}

	reply, err := json.Marshal(r.bootstrap())
	if err != nil {
		r.log.WithError(err).Error("failed to encode discovery reply")
		return
	}
	if _, err := conn.WriteTo(reply, addr); err != nil {
		r.log.WithFields(logrus.Fields{
			"from":  addr.String(),
			"error": err,
		}).Warn("failed to send discovery reply")
		return
	}
	r.log.WithField("to", addr.String()).Debug("discovery reply sent")
}
