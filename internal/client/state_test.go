package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func connected(t *testing.T, threshold int) *StateMachine {
	t.Helper()
	m := NewStateMachine(threshold, nil)
	m.PairStart()
	m.PairSuccess()
	assert.Equal(t, Connected, m.State())
	return m
}

func TestStateMachineStartsDisconnected(t *testing.T) {
	assert.Equal(t, Disconnected, NewStateMachine(0, nil).State())
}

func TestReconnectFailuresReachRepair(t *testing.T) {
	m := connected(t, 0)

	m.HeartbeatTimeout()
	assert.Equal(t, Reconnecting, m.State())

	m.ReconnectFailure()
	m.ReconnectFailure()
	assert.Equal(t, Reconnecting, m.State())

	m.ReconnectFailure()
	assert.Equal(t, RequiresRepair, m.State())
}

func TestReconnectSuccessResetsCounter(t *testing.T) {
	m := connected(t, 3)

	m.ReconnectFailure()
	m.ReconnectFailure()
	m.ReconnectSuccess()
	assert.Equal(t, Connected, m.State())
	assert.Zero(t, m.Failures())

	m.ReconnectFailure()
	m.ReconnectFailure()
	assert.Equal(t, Reconnecting, m.State())
}

func TestHeartbeatTimeoutIgnoredBeforePairing(t *testing.T) {
	m := NewStateMachine(3, nil)
	m.HeartbeatTimeout()
	assert.Equal(t, Disconnected, m.State())

	m.PairStart()
	m.HeartbeatTimeout()
	assert.Equal(t, Pairing, m.State())
}

func TestReconnectEventsIgnoredWithoutLink(t *testing.T) {
	m := NewStateMachine(1, nil)
	m.ReconnectFailure()
	assert.Equal(t, Disconnected, m.State())
	assert.Zero(t, m.Failures())
	m.ReconnectSuccess()
	assert.Equal(t, Disconnected, m.State())

	m.PairStart()
	m.ReconnectSuccess()
	assert.Equal(t, Pairing, m.State())
	m.ReconnectFailure()
	assert.Equal(t, Pairing, m.State())
}

func TestRequiresRepairIsSticky(t *testing.T) {
	m := connected(t, 1)
	m.ReconnectFailure()
	assert.Equal(t, RequiresRepair, m.State())

	m.HeartbeatTimeout()
	m.ReconnectSuccess()
	m.ReconnectFailure()
	assert.Equal(t, RequiresRepair, m.State())

	m.PairStart()
	assert.Equal(t, Pairing, m.State())
}

func TestUnpairResets(t *testing.T) {
	m := connected(t, 3)
	m.ReconnectFailure()
	m.Unpair()
	assert.Equal(t, Disconnected, m.State())
	assert.Zero(t, m.Failures())
}

func TestChangeCallback(t *testing.T) {
	var seen [][2]State
	m := NewStateMachine(3, func(from, to State) {
		seen = append(seen, [2]State{from, to})
	})

	m.PairStart()
	m.PairStart()
	m.PairSuccess()

	assert.Equal(t, [][2]State{
		{Disconnected, Pairing},
		{Pairing, Connected},
	}, seen)
}
