package reconnect

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"xenlink/internal/models"
	"xenlink/internal/stream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockController struct {
	mock.Mock
	state *stream.State[models.ConnectionState]
	calls atomic.Int32
}

func (m *mockController) State() *stream.State[models.ConnectionState] {
	return m.state
}

func (m *mockController) Connect(ctx context.Context, profileID int64) error {
	defer m.calls.Add(1)
	return m.Called(profileID).Error(0)
}

func (m *mockController) Interrupt(ctx context.Context) error {
	defer m.calls.Add(1)
	m.state.Set(models.Reconnecting())
	return m.Called().Error(0)
}

func TestHandoverInterruptsThenConnectsOnce(t *testing.T) {
	ctrl := &mockController{state: stream.New(models.Connected(models.Connection{ProfileID: 9}))}
	ctrl.On("Interrupt").Return(nil).Once()
	ctrl.On("Connect", int64(9)).Return(nil).Run(func(mock.Arguments) {
		ctrl.state.Set(models.Connected(models.Connection{ProfileID: 9}))
	}).Once()

	network := newFakeNetwork()
	svc := NewService(network, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx, ctrl)
	defer svc.Close()

	svc.Enable(9)
	require.Eventually(t, func() bool {
		network.mu.Lock()
		defer network.mu.Unlock()
		return len(network.subs) == 1
	}, time.Second, time.Millisecond)

	network.Emit(models.NetworkCapabilitiesChanged)

	require.Eventually(t, func() bool {
		return !svc.jobRunning() && ctrl.calls.Load() == 2
	}, time.Second, time.Millisecond)
	ctrl.AssertExpectations(t)
	assert.Equal(t, models.ReconnectConnected, svc.State().Value().Kind)
}

func TestRetryKeepsGoingAfterErrors(t *testing.T) {
	ctrl := &mockController{state: stream.New(models.Connected(models.Connection{ProfileID: 4}))}
	boom := errors.New("connection refused")
	ctrl.On("Connect", int64(4)).Return(boom).Twice()
	ctrl.On("Connect", int64(4)).Return(nil).Once()

	svc := NewService(nil, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx, ctrl)
	defer svc.Close()

	svc.Enable(4)
	ctrl.state.Set(models.Errored(boom))

	require.Eventually(t, func() bool {
		return ctrl.calls.Load() == 3 && !svc.jobRunning()
	}, 2*time.Second, time.Millisecond)
	ctrl.AssertNumberOfCalls(t, "Connect", 3)
	assert.Equal(t, models.ReconnectConnected, svc.State().Value().Kind)
	assert.Zero(t, svc.Attempts())
}
