package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pillnow-relay/internal/models"
)

type fakeVerifier struct {
	resp *models.VerifyResponse
	err  error
}

func (f *fakeVerifier) Verify(image []byte, expected models.PillConfig) (*models.VerifyResponse, error) {
	return f.resp, f.err
}

type fakePublisher struct {
	mu   sync.Mutex
	cmds []*models.DeviceCommand
}

func (f *fakePublisher) Publish(deviceID string, cmd *models.DeviceCommand) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
	return true
}

func (f *fakePublisher) alerts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.cmds {
		if c.Action == models.ActionAlert {
			n++
		}
	}
	return n
}

type fakeResultStore struct {
	mu            sync.Mutex
	results       []*models.VerificationResult
	notifications []string
	setErr        error
}

func (f *fakeResultStore) SetVerificationResult(ctx context.Context, result *models.VerificationResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.results = append(f.results, result)
	return nil
}

func (f *fakeResultStore) AppendNotification(ctx context.Context, kind string, containerID int, message string, timestamp int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifications = append(f.notifications, kind)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent int
	fail bool
}

func (f *fakeNotifier) Send(to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("smtp down")
	}
	f.sent++
	return nil
}

func setupPipeline(verifier Verifier, pub Publisher, rs ResultStore, n Notifier) *Pipeline {
	target := func(containerID int) string { return "caregiver@example.com" }
	return NewPipeline(verifier, pub, rs, n, 15*time.Second, target, zap.NewNop())
}

func TestIngest_PassPersistsResultOnly(t *testing.T) {
	verifier := &fakeVerifier{resp: &models.VerifyResponse{
		Pass:       true,
		Count:      2,
		Confidence: 0.9,
	}}
	pub := &fakePublisher{}
	rs := &fakeResultStore{}
	n := &fakeNotifier{}
	p := setupPipeline(verifier, pub, rs, n)

	result, err := p.Ingest(context.Background(), 1, []byte("img"), models.PillConfig{Count: 2})
	require.NoError(t, err)
	assert.True(t, result.Pass)
	assert.Len(t, rs.results, 1)
	assert.Empty(t, rs.notifications)
	assert.Equal(t, 0, pub.alerts())
	assert.Equal(t, 0, n.sent)
}

func TestIngest_MismatchTriggersAllThreeSideEffects(t *testing.T) {
	verifier := &fakeVerifier{resp: &models.VerifyResponse{
		Pass:       false,
		Count:      1,
		Confidence: 0.8,
	}}
	pub := &fakePublisher{}
	rs := &fakeResultStore{}
	n := &fakeNotifier{}
	p := setupPipeline(verifier, pub, rs, n)

	result, err := p.Ingest(context.Background(), 2, []byte("img"), models.PillConfig{Count: 2})
	require.NoError(t, err)
	assert.False(t, result.Pass)

	assert.Equal(t, []string{"mismatch"}, rs.notifications)
	require.Equal(t, 1, pub.alerts())
	assert.Equal(t, "container2", pub.cmds[0].Container)
	assert.Equal(t, "pill_mismatch", pub.cmds[0].Reason)
	assert.Equal(t, 1, n.sent)
}

func TestIngest_AlertCooldownSuppressesSecondAlert(t *testing.T) {
	verifier := &fakeVerifier{resp: &models.VerifyResponse{Pass: false, Count: 1}}
	pub := &fakePublisher{}
	rs := &fakeResultStore{}
	p := setupPipeline(verifier, pub, rs, &fakeNotifier{})

	base := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)
	now := base
	p.SetClock(func() time.Time { return now })

	_, err := p.Ingest(context.Background(), 1, []byte("img"), models.PillConfig{Count: 2})
	require.NoError(t, err)

	// 5秒后同容器再失败：冷却窗口内，不发第二个alert
	now = base.Add(5 * time.Second)
	_, err = p.Ingest(context.Background(), 1, []byte("img"), models.PillConfig{Count: 2})
	require.NoError(t, err)

	assert.Equal(t, 1, pub.alerts())
	// 通知记录不受冷却影响
	assert.Len(t, rs.notifications, 2)

	// 窗口过后恢复
	now = base.Add(20 * time.Second)
	_, err = p.Ingest(context.Background(), 1, []byte("img"), models.PillConfig{Count: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, pub.alerts())
}

func TestIngest_VerifierUnreachableIsDistinct(t *testing.T) {
	verifier := &fakeVerifier{err: ErrVerifierUnreachable}
	pub := &fakePublisher{}
	rs := &fakeResultStore{}
	p := setupPipeline(verifier, pub, rs, &fakeNotifier{})

	result, err := p.Ingest(context.Background(), 1, []byte("img"), models.PillConfig{Count: 2})
	assert.Nil(t, result)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrVerifierUnreachable)

	// 不可达绝不折算成失败：没有任何副作用
	assert.Empty(t, rs.results)
	assert.Empty(t, rs.notifications)
	assert.Equal(t, 0, pub.alerts())
}

func TestIngest_SideEffectsIndependent(t *testing.T) {
	verifier := &fakeVerifier{resp: &models.VerifyResponse{Pass: false, Count: 0}}
	pub := &fakePublisher{}
	rs := &fakeResultStore{setErr: errors.New("redis down")}
	n := &fakeNotifier{fail: true}
	p := setupPipeline(verifier, pub, rs, n)

	// 结果落地失败 + 邮件失败，alert照发
	result, err := p.Ingest(context.Background(), 3, []byte("img"), models.PillConfig{Count: 1})
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, 1, pub.alerts())
}
