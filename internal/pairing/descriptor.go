package pairing

import (
	"fmt"
	"net"
	"strconv"
)

// ServiceTag identifies DeviceBridge hosts in discovery replies.
const ServiceTag = "devicebridge"

// Descriptor is the record a host advertises so phones can find and pair with it.
type Descriptor struct {
	Service     string `json:"service"`
	HostID      string `json:"hostId"`
	DisplayName string `json:"displayName"`
	Platform    string `json:"platform"`
	Address     string `json:"address"`
	Port        int    `json:"port"`
	PairCode    string `json:"pairCode"`
	BaseURL     string `json:"baseUrl"`
}

func NewDescriptor(hostID, displayName, platform, address string, port int, pairCode string) Descriptor {
	return Descriptor{
		Service:     ServiceTag,
		HostID:      hostID,
		DisplayName: displayName,
		Platform:    platform,
		Address:     address,
		Port:        port,
		PairCode:    pairCode,
		BaseURL:     BaseURL(address, port),
	}
}

// BaseURL builds the HTTP root for a host address, bracketing IPv6 literals.
func BaseURL(address string, port int) string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(address, strconv.Itoa(port)))
}

// LocalAddress picks the first up, non-loopback IPv4 address of this machine,
// falling back to 127.0.0.1.
func LocalAddress() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil && !ip4.IsLinkLocalUnicast() {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}
