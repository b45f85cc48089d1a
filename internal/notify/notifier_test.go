package notify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pillnow-relay/internal/models"
)

type stubSender struct {
	err   error
	calls int
}

func (s *stubSender) Send(to, subject, body string) error {
	s.calls++
	return s.err
}

type stubBus struct {
	connected bool
	cmds      []*models.DeviceCommand
}

func (s *stubBus) Publish(deviceID string, cmd *models.DeviceCommand) bool {
	if !s.connected {
		return false
	}
	s.cmds = append(s.cmds, cmd)
	return true
}

func TestSMSSender_PublishesSendSMSCommand(t *testing.T) {
	bus := &stubBus{connected: true}
	s := NewSMSSender(bus, "container1", zap.NewNop())

	require.NoError(t, s.Send("13800138000", "PillNow mismatch", "expected 2, detected 1"))

	require.Len(t, bus.cmds, 1)
	cmd := bus.cmds[0]
	assert.Equal(t, models.ActionSendSMS, cmd.Action)
	assert.Equal(t, "13800138000", cmd.Phone)
	assert.Equal(t, "PillNow mismatch: expected 2, detected 1", cmd.Message)
}

func TestSMSSender_DisconnectedFails(t *testing.T) {
	s := NewSMSSender(&stubBus{}, "container1", zap.NewNop())
	assert.Error(t, s.Send("13800138000", "", "body"))
}

func TestMultiSender_FirstSuccessWins(t *testing.T) {
	first := &stubSender{}
	second := &stubSender{}
	m := NewMultiSender(zap.NewNop(), first, second)

	require.NoError(t, m.Send("user", "subject", "body"))
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 0, second.calls)
}

func TestMultiSender_FallsThroughOnFailure(t *testing.T) {
	first := &stubSender{err: errors.New("push down")}
	second := &stubSender{}
	m := NewMultiSender(zap.NewNop(), first, second)

	require.NoError(t, m.Send("user", "subject", "body"))
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
}

func TestMultiSender_AllFail(t *testing.T) {
	first := &stubSender{err: errors.New("push down")}
	second := &stubSender{err: errors.New("sms down")}
	m := NewMultiSender(zap.NewNop(), first, second)

	err := m.Send("user", "subject", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sms down")
}

func TestMultiSender_NoChannels(t *testing.T) {
	m := NewMultiSender(zap.NewNop())
	assert.Error(t, m.Send("user", "subject", "body"))
}
