package adapter

import (
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	gstMonitorBinary = "gst-device-monitor-1.0"
	gstLabelTTL      = 30 * time.Second
	gstMonitorWait   = 5 * time.Second
)

type GstDeviceProp struct {
	API         string
	GUID        string
	Description string
}

type GstDevice struct {
	Name       string
	Class      string
	Caps       string
	Properties GstDeviceProp
}

func newGstDeviceProp(properties []string) GstDeviceProp {
	var prop GstDeviceProp
	for _, d := range properties {
		d = strings.TrimSpace(d)
		if len(d) == 0 {
			continue
		}
		t := strings.SplitN(d, "=", 2)
		key := strings.TrimSpace(t[0])
		value := strings.TrimSpace(t[len(t)-1])

		switch {
		case strings.Contains(key, "api") && prop.API == "":
			prop.API = value
		case strings.Contains(key, "guid") || strings.Contains(key, "strid"):
			prop.GUID = value
		case strings.Contains(key, "description"):
			prop.Description = value
		}
	}
	return prop
}

func newGstDevice(header []string, properties []string) GstDevice {
	var dev GstDevice
	for _, d := range header {
		d = strings.TrimSpace(d)
		if len(d) == 0 {
			continue
		}
		t := strings.SplitN(d, ":", 2)
		key := strings.TrimSpace(t[0])
		value := strings.TrimSpace(t[len(t)-1])
		switch key {
		case "name":
			dev.Name = value
		case "class":
			dev.Class = value
		case "caps":
			dev.Caps = value
		}
	}
	dev.Properties = newGstDeviceProp(properties)
	return dev
}

func indexContaining(lines []string, item string) int {
	for i := range lines {
		if strings.Contains(lines[i], item) {
			return i
		}
	}
	return -1
}

// GstDevicesFromCLI parses the text printed by gst-device-monitor-1.0.
func GstDevicesFromCLI(content string) []GstDevice {
	if len(content) == 0 {
		return []GstDevice{}
	}

	var devices []GstDevice
	for _, block := range strings.Split(content, "Device found:") {
		block = strings.TrimSpace(block)
		if len(block) == 0 {
			continue
		}

		lines := strings.Split(block, "\n")
		index := indexContaining(lines, "properties:")
		if index == -1 {
			devices = append(devices, newGstDevice(lines, nil))
			continue
		}
		devices = append(devices, newGstDevice(lines[:index], lines[index+1:]))
	}

	return devices
}

// FindDevice returns the first device of class whose name contains match
// (case-insensitive). An empty match selects the first device of the class.
func FindDevice(devices []GstDevice, class, match string) (GstDevice, bool) {
	match = strings.ToLower(match)
	for _, d := range devices {
		if class != "" && !strings.EqualFold(d.Class, class) {
			continue
		}
		if match == "" || strings.Contains(strings.ToLower(d.Name), match) {
			return d, true
		}
	}
	return GstDevice{}, false
}

// GstLabeler resolves a route hint by asking GStreamer which device of a
// class is present, e.g. class "Audio/Sink" and match "BlackHole".
type GstLabeler struct {
	Class string
	Match string

	run func(ctx context.Context, class string) (string, error)

	mu      sync.Mutex
	label   string
	fetched time.Time
}

func NewGstLabeler(class, match string) *GstLabeler {
	return &GstLabeler{Class: class, Match: match, run: runDeviceMonitor}
}

func runDeviceMonitor(ctx context.Context, class string) (string, error) {
	out, err := exec.CommandContext(ctx, gstMonitorBinary, class).Output()
	return string(out), err
}

func (g *GstLabeler) Label() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.fetched.IsZero() && time.Since(g.fetched) < gstLabelTTL {
		return g.label
	}

	ctx, cancel := context.WithTimeout(context.Background(), gstMonitorWait)
	defer cancel()

	g.fetched = time.Now()
	out, err := g.run(ctx, g.Class)
	if err != nil {
		g.label = ""
		return ""
	}
	if dev, ok := FindDevice(GstDevicesFromCLI(out), g.Class, g.Match); ok {
		g.label = dev.Name
	} else {
		g.label = ""
	}
	return g.label
}
