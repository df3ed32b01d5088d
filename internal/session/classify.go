package session

import (
	"errors"
	"strings"
)

type rule struct {
	kind    IssueKind
	needles []string
	message string
}

var unreachableNeedles = []string{
	"stream unreachable", "connection refused", "no route to host",
	"i/o timeout", "timed out", "timeout", "network is unreachable", "404",
}

var classifierRules = map[Resource][]rule{
	Camera: {
		{IssueExtensionNotApproved, []string{"not approved", "approval", "system extension", "extension not enabled"},
			"Approve the DeviceBridge camera extension in System Settings, then turn the camera on again."},
		{IssueStreamUnreachable, unreachableNeedles,
			"The host cannot reach the phone's camera stream. Keep both devices on the same network and the app in the foreground."},
		{IssuePermissionDenied, []string{"permission", "denied", "not authorized"},
			"The host is not allowed to create a virtual camera. Grant camera access to DeviceBridge."},
		{IssueDeviceBusy, []string{"busy", "in use", "already running"},
			"Another application is holding the virtual camera. Close it and try again."},
	},
	Microphone: {
		{IssueDriverMissing, []string{"driver", "not installed", "blackhole", "no such device", "virtual audio device not found"},
			"The virtual microphone driver is missing. Reinstall DeviceBridge audio components."},
		{IssueStreamUnreachable, unreachableNeedles,
			"The host cannot reach the phone's audio stream. Keep both devices on the same network."},
		{IssuePermissionDenied, []string{"permission", "denied", "not authorized"},
			"The host is not allowed to route microphone audio. Grant microphone access to DeviceBridge."},
		{IssueDeviceBusy, []string{"busy", "in use"},
			"The virtual microphone is in use by another process. Close it and try again."},
	},
	Speaker: {
		{IssueDriverMissing, []string{"no output device", "device not found", "loopback", "not installed"},
			"No host audio output is available to forward. Check the host's sound settings."},
		{IssuePermissionDenied, []string{"permission", "denied", "not authorized"},
			"The host is not allowed to capture system audio. Grant audio capture access to DeviceBridge."},
		{IssueDeviceBusy, []string{"busy", "in use"},
			"The host audio device is busy. Close other capture tools and try again."},
	},
}

var genericMessages = map[Resource]string{
	Camera:     "The phone camera could not start on this host. See host logs for details.",
	Microphone: "The phone microphone could not start on this host. See host logs for details.",
	Speaker:    "Host audio could not be forwarded to the phone. See host logs for details.",
}

// Classify turns an adapter failure into an actionable issue. Errors that
// match no rule are reported as unclassified with a generic sentence.
func Classify(r Resource, err error) Issue {
	raw := ""
	if err != nil {
		raw = err.Error()
	}

	switch {
	case errors.Is(err, ErrCapabilityMissing):
		return Issue{Resource: r, Kind: IssueCapabilityUnavailable, RawDetail: raw,
			Message: capabilityMessage(r)}
	case errors.Is(err, ErrStreamURLRequired):
		return Issue{Resource: r, Kind: IssueStreamURLMissing, RawDetail: raw,
			Message: "The phone did not send a stream address. Restart streaming on the phone."}
	}

	lower := strings.ToLower(raw)
	for _, rl := range classifierRules[r] {
		for _, n := range rl.needles {
			if strings.Contains(lower, n) {
				return Issue{Resource: r, Kind: rl.kind, Message: rl.message, RawDetail: raw}
			}
		}
	}
	return Issue{Resource: r, Kind: IssueUnclassified, Message: genericMessages[r], RawDetail: raw}
}

func capabilityMessage(r Resource) string {
	switch r {
	case Camera:
		return "This host build does not support the phone camera."
	case Microphone:
		return "This host build does not support the phone microphone."
	default:
		return "This host build does not support audio forwarding."
	}
}
