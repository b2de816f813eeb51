package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockWaitingSender struct {
	mock.Mock
}

func (m *MockWaitingSender) SendWaiting(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	args := m.Called(ctx, olderThan, limit)
	return args.Int(0), args.Error(1)
}

func TestSweeper_RunOnce(t *testing.T) {
	sender := new(MockWaitingSender)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewSweeper(sender, 2*time.Minute, 0, testLogger())
	s.now = func() time.Time { return now }

	sender.On("SendWaiting", mock.Anything, now.Add(-2*time.Minute), 100).Return(4, nil).Once()
	sender.On("SendWaiting", mock.Anything, now.Add(-2*time.Minute), 100).Return(1, errors.New("publish failed")).Once()

	assert.Equal(t, 4, s.RunOnce(context.Background()))
	assert.Equal(t, 1, s.RunOnce(context.Background()))
	sender.AssertExpectations(t)
}

func TestSweeper_StartAndStop(t *testing.T) {
	s := NewSweeper(new(MockWaitingSender), time.Minute, 10, testLogger())
	assert.Error(t, s.Start("every now and then"))

	require.NoError(t, s.Start("@every 1h"))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
