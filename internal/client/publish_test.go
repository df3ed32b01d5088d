package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"DeviceBridge/internal/session"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublisher struct {
	mock.Mock
	calls atomic.Int32
}

func (m *mockPublisher) PushToggles(ctx context.Context, t Toggles) (session.Status, error) {
	m.calls.Add(1)
	args := m.Called(ctx, t)
	return args.Get(0).(session.Status), args.Error(1)
}

type recorder struct {
	mu        sync.Mutex
	successes []session.Status
	failures  []error
}

func (r *recorder) success(s session.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes = append(r.successes, s)
}

func (r *recorder) failure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.successes), len(r.failures)
}

func newTestCoordinator(pub Publisher) *Coordinator {
	logger, _ := test.NewNullLogger()
	return NewCoordinator(pub, CoordinatorOptions{Delay: time.Millisecond, Logger: logger})
}

func TestPushSuccess(t *testing.T) {
	pub := &mockPublisher{}
	want := session.Status{Paired: true}
	pub.On("PushToggles", mock.Anything, Toggles{Camera: true}).Return(want, nil).Once()

	c := newTestCoordinator(pub)
	defer c.Close()
	rec := &recorder{}
	c.Push(Toggles{Camera: true}, rec.success, rec.failure)

	require.Eventually(t, func() bool { s, _ := rec.counts(); return s == 1 }, time.Second, time.Millisecond)
	_, failures := rec.counts()
	assert.Zero(t, failures)
	assert.Equal(t, want, rec.successes[0])
	pub.AssertExpectations(t)
}

func TestPushRetriesAfterFirstFailure(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("PushToggles", mock.Anything, Toggles{Speaker: true}).Return(session.Status{}, errors.New("connection refused")).Once()
	pub.On("PushToggles", mock.Anything, Toggles{Speaker: true}).Return(session.Status{Paired: true}, nil).Once()

	c := newTestCoordinator(pub)
	defer c.Close()
	rec := &recorder{}
	c.Push(Toggles{Speaker: true}, rec.success, rec.failure)

	require.Eventually(t, func() bool { s, _ := rec.counts(); return s == 1 }, time.Second, time.Millisecond)
	_, failures := rec.counts()
	assert.Equal(t, 1, failures)
	pub.AssertExpectations(t)
}

func TestPushGivesUpAfterRetries(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("PushToggles", mock.Anything, mock.Anything).Return(session.Status{}, errors.New("timeout"))

	c := newTestCoordinator(pub)
	rec := &recorder{}
	c.Push(Toggles{}, rec.success, rec.failure)

	require.Eventually(t, func() bool {
		return int(pub.calls.Load()) == 1+DefaultPublishRetries
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	c.Close()

	successes, failures := rec.counts()
	assert.Zero(t, successes)
	assert.Equal(t, 1, failures)
	pub.AssertNumberOfCalls(t, "PushToggles", 1+DefaultPublishRetries)
}

func TestSupersededPushNeverCallsBack(t *testing.T) {
	release := make(chan time.Time)
	pub := &mockPublisher{}
	pub.On("PushToggles", mock.Anything, Toggles{Camera: true}).Return(session.Status{Paired: true}, nil).WaitUntil(release).Once()
	pub.On("PushToggles", mock.Anything, Toggles{Camera: false}).Return(session.Status{}, nil).Once()

	c := newTestCoordinator(pub)
	stale := &recorder{}
	fresh := &recorder{}

	first := c.Push(Toggles{Camera: true}, stale.success, stale.failure)
	require.Eventually(t, func() bool { return int(pub.calls.Load()) == 1 }, time.Second, time.Millisecond)

	second := c.Push(Toggles{Camera: false}, fresh.success, fresh.failure)
	assert.Greater(t, second, first)
	require.Eventually(t, func() bool { s, _ := fresh.counts(); return s == 1 }, time.Second, time.Millisecond)

	close(release)
	require.Eventually(t, func() bool { return int(pub.calls.Load()) == 2 }, time.Second, time.Millisecond)
	c.Close()

	successes, failures := stale.counts()
	assert.Zero(t, successes)
	assert.Zero(t, failures)
}

func TestSupersededRetryStops(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("PushToggles", mock.Anything, Toggles{Microphone: true}).Return(session.Status{}, errors.New("refused"))
	pub.On("PushToggles", mock.Anything, Toggles{}).Return(session.Status{}, nil)

	logger, _ := test.NewNullLogger()
	c := NewCoordinator(pub, CoordinatorOptions{Delay: 50 * time.Millisecond, Logger: logger})
	rec := &recorder{}
	c.Push(Toggles{Microphone: true}, rec.success, rec.failure)
	require.Eventually(t, func() bool { _, f := rec.counts(); return f == 1 }, time.Second, time.Millisecond)

	c.Push(Toggles{}, nil, nil)
	time.Sleep(150 * time.Millisecond)
	c.Close()

	pub.AssertNumberOfCalls(t, "PushToggles", 2)
}

func TestCloseAbandonsPendingRetry(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("PushToggles", mock.Anything, mock.Anything).Return(session.Status{}, errors.New("refused"))

	logger, _ := test.NewNullLogger()
	c := NewCoordinator(pub, CoordinatorOptions{Delay: time.Hour, Logger: logger})
	c.Push(Toggles{}, nil, nil)
	require.Eventually(t, func() bool { return int(pub.calls.Load()) == 1 }, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on retry delay")
	}
}

func TestNegativeRetriesTriesOnce(t *testing.T) {
	pub := &mockPublisher{}
	pub.On("PushToggles", mock.Anything, mock.Anything).Return(session.Status{}, errors.New("refused"))

	logger, _ := test.NewNullLogger()
	c := NewCoordinator(pub, CoordinatorOptions{Retries: -1, Delay: time.Millisecond, Logger: logger})
	rec := &recorder{}
	c.Push(Toggles{}, rec.success, rec.failure)

	require.Eventually(t, func() bool { _, f := rec.counts(); return f == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	c.Close()

	pub.AssertNumberOfCalls(t, "PushToggles", 1)
}
