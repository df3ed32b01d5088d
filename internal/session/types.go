package session

import (
	"strings"
	"time"

	"DeviceBridge/internal/adapter"

	"golang.org/x/text/unicode/norm"
)

type Resource string

const (
	Camera     Resource = "camera"
	Microphone Resource = "microphone"
	Speaker    Resource = "speaker"
)

// Resources lists every resource in the order they are applied.
var Resources = []Resource{Camera, Microphone, Speaker}

type ConnectionState string

const (
	NotPaired      ConnectionState = "not_paired"
	Paired         ConnectionState = "paired"
	NeedsAttention ConnectionState = "needs_attention"
)

// ResourceFlags holds one boolean per resource.
type ResourceFlags struct {
	Camera     bool `json:"camera"`
	Microphone bool `json:"microphone"`
	Speaker    bool `json:"speaker"`
}

func (f ResourceFlags) Get(r Resource) bool {
	switch r {
	case Camera:
		return f.Camera
	case Microphone:
		return f.Microphone
	case Speaker:
		return f.Speaker
	}
	return false
}

func (f *ResourceFlags) Set(r Resource, v bool) {
	switch r {
	case Camera:
		f.Camera = v
	case Microphone:
		f.Microphone = v
	case Speaker:
		f.Speaker = v
	}
}

func (f ResourceFlags) Any() bool {
	return f.Camera || f.Microphone || f.Speaker
}

// AllResources is a capability set with every resource supported.
var AllResources = ResourceFlags{Camera: true, Microphone: true, Speaker: true}

type PhoneIdentity struct {
	DeviceName string `json:"deviceName"`
	DeviceID   string `json:"deviceId"`
}

// PhoneMetadata carries optional identity fields sent by the phone.
type PhoneMetadata struct {
	DeviceName *string
	DeviceID   *string
}

func (m PhoneMetadata) empty() bool {
	return m.DeviceName == nil && m.DeviceID == nil
}

// mergeInto applies m over id and reports whether anything changed.
// Blank values are ignored so a heartbeat without a name does not erase it.
func (m PhoneMetadata) mergeInto(id *PhoneIdentity) bool {
	changed := false
	if m.DeviceName != nil {
		if v := cleanIdentity(*m.DeviceName); v != "" && v != id.DeviceName {
			id.DeviceName = v
			changed = true
		}
	}
	if m.DeviceID != nil {
		if v := cleanIdentity(*m.DeviceID); v != "" && v != id.DeviceID {
			id.DeviceID = v
			changed = true
		}
	}
	return changed
}

func cleanIdentity(v string) string {
	return norm.NFC.String(strings.TrimSpace(v))
}

type CameraMeta struct {
	Lens            adapter.Lens        `json:"lens"`
	OrientationMode adapter.Orientation `json:"orientationMode"`
}

type IssueKind string

const (
	IssueCapabilityUnavailable IssueKind = "capability_unavailable"
	IssueStreamURLMissing      IssueKind = "stream_url_missing"
	IssueExtensionNotApproved  IssueKind = "extension_not_approved"
	IssueStreamUnreachable     IssueKind = "stream_unreachable"
	IssuePermissionDenied      IssueKind = "permission_denied"
	IssueDeviceBusy            IssueKind = "device_busy"
	IssueDriverMissing         IssueKind = "driver_missing"
	IssueUnclassified          IssueKind = "unclassified"
)

type Issue struct {
	Resource  Resource  `json:"resource"`
	Kind      IssueKind `json:"kind"`
	Message   string    `json:"message"`
	RawDetail string    `json:"rawDetail,omitempty"`
}

// Status is a snapshot of the host session. Snapshots never share memory
// with the controller.
type Status struct {
	Paired          bool                `json:"paired"`
	PairCode        *string             `json:"pairCode"`
	ConnectionState ConnectionState     `json:"connectionState"`
	HostStatus      string              `json:"hostStatus"`
	Capabilities    ResourceFlags       `json:"capabilities"`
	PhoneIdentity   PhoneIdentity       `json:"phoneIdentity"`
	PhoneCameraMeta CameraMeta          `json:"phoneCameraMeta"`
	Resources       ResourceFlags       `json:"resources"`
	CameraStreamURL *string             `json:"cameraStreamUrl"`
	Issues          []Issue             `json:"issues"`
	RouteHints      map[Resource]string `json:"routeHints"`
	UpdatedAt       time.Time           `json:"updatedAt"`
}

func (s Status) clone() Status {
	out := s
	if s.PairCode != nil {
		v := *s.PairCode
		out.PairCode = &v
	}
	if s.CameraStreamURL != nil {
		v := *s.CameraStreamURL
		out.CameraStreamURL = &v
	}
	out.Issues = append([]Issue{}, s.Issues...)
	out.RouteHints = make(map[Resource]string, len(s.RouteHints))
	for k, v := range s.RouteHints {
		out.RouteHints[k] = v
	}
	return out
}

// ResourceDiff is a desired-state push. Nil fields keep the current value.
type ResourceDiff struct {
	Camera                *bool
	Microphone            *bool
	Speaker               *bool
	CameraLens            *string
	CameraOrientationMode *string
	CameraStreamURL       *string
	Metadata              PhoneMetadata
}

// PairingRecord is the part of the session that survives a host restart.
type PairingRecord struct {
	Paired   bool
	PairCode string
	Identity PhoneIdentity
}

// Persister stores the pairing record.
type Persister interface {
	SavePairing(rec PairingRecord) error
}

func stringValue(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func stringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
