package session

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		resource Resource
		err      error
		want     IssueKind
	}{
		{"camera extension", Camera, errors.New("OSSystemExtension: extension not approved by user"), IssueExtensionNotApproved},
		{"camera unreachable", Camera, errors.New("stream unreachable: dial tcp 10.0.0.4:8554: connect: connection refused"), IssueStreamUnreachable},
		{"camera busy", Camera, errors.New("device is busy"), IssueDeviceBusy},
		{"mic driver", Microphone, errors.New("BlackHole 2ch not installed"), IssueDriverMissing},
		{"mic permission", Microphone, errors.New("TCC: permission denied"), IssuePermissionDenied},
		{"speaker no device", Speaker, errors.New("no output device available"), IssueDriverMissing},
		{"wrapped capability", Speaker, fmt.Errorf("gate: %w", ErrCapabilityMissing), IssueCapabilityUnavailable},
		{"stream url", Camera, ErrStreamURLRequired, IssueStreamURLMissing},
		{"unknown", Camera, errors.New("exit status 17"), IssueUnclassified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issue := Classify(tt.resource, tt.err)
			assert.Equal(t, tt.want, issue.Kind)
			assert.Equal(t, tt.resource, issue.Resource)
			assert.Equal(t, tt.err.Error(), issue.RawDetail)
			assert.NotEmpty(t, issue.Message)
			assert.NotContains(t, issue.Message, tt.err.Error())
		})
	}
}

func TestAdapterStartErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := error(&AdapterStartError{Resource: Camera, Err: inner})

	assert.ErrorIs(t, err, inner)
	var target *AdapterStartError
	assert.ErrorAs(t, err, &target)
	assert.Equal(t, "camera adapter start failed: boom", err.Error())
}
