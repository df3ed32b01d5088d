package pairing

import (
	"fmt"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"
)

const (
	MDNSService = "_devicebridge._tcp"
	mdnsDomain  = "local."
)

// Advertiser publishes the host over mDNS. The pair code is left out of the
// TXT records; they only reveal presence.
type Advertiser struct {
	server *zeroconf.Server
	log    logrus.FieldLogger
}

func Advertise(d Descriptor, log logrus.FieldLogger) (*Advertiser, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	txt := []string{
		fmt.Sprintf("service=%s", d.Service),
		fmt.Sprintf("hostId=%s", d.HostID),
		fmt.Sprintf("platform=%s", d.Platform),
		fmt.Sprintf("baseUrl=%s", d.BaseURL),
	}
	name := d.DisplayName
	if name == "" {
		name = d.HostID
	}

	server, err := zeroconf.Register(name, MDNSService, mdnsDomain, d.Port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register failed: %w", err)
	}
	log.WithFields(logrus.Fields{
		"name":    name,
		"service": MDNSService,
		"port":    d.Port,
	}).Info("mdns advertisement started")
	return &Advertiser{server: server, log: log}, nil
}

func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.log.Debug("mdns advertisement stopped")
}
