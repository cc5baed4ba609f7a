package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mcdev12/roomsync/go/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockMembershipChannel records membership commands in call order.
type MockMembershipChannel struct {
	mock.Mock
	calls []string
}

func (m *MockMembershipChannel) ListJoinedRooms(ctx context.Context) ([]models.RoomID, error) {
	m.calls = append(m.calls, "list")
	args := m.Called(ctx)
	return args.Get(0).([]models.RoomID), args.Error(1)
}

func (m *MockMembershipChannel) JoinRoom(ctx context.Context, roomID models.RoomID) (models.RoomID, error) {
	m.calls = append(m.calls, "join:"+roomID.String())
	args := m.Called(ctx, roomID)
	return args.Get(0).(models.RoomID), args.Error(1)
}

func (m *MockMembershipChannel) LeaveRoom(ctx context.Context, roomID models.RoomID) error {
	m.calls = append(m.calls, "leave:"+roomID.String())
	args := m.Called(ctx, roomID)
	return args.Error(0)
}

var (
	roomA = models.MustParseRoomID("aaaaaaaa-0000-4000-8000-000000000001")
	roomB = models.MustParseRoomID("bbbbbbbb-0000-4000-8000-000000000002")
	roomC = models.MustParseRoomID("cccccccc-0000-4000-8000-000000000003")
)

func TestReconcile(t *testing.T) {
	tests := []struct {
		name   string
		joined []models.RoomID
		target *models.RoomID
		want   Plan
	}{
		{
			name:   "leave others and join new target",
			joined: []models.RoomID{roomA, roomB},
			target: &roomC,
			want:   Plan{Leave: []models.RoomID{roomA, roomB}, Target: roomC, Join: true},
		},
		{
			name:   "already joined target",
			joined: []models.RoomID{roomA},
			target: &roomA,
			want:   Plan{Target: roomA},
		},
		{
			name:   "joined target among others",
			joined: []models.RoomID{roomA, roomB, roomC},
			target: &roomB,
			want:   Plan{Leave: []models.RoomID{roomA, roomC}, Target: roomB},
		},
		{
			name:   "no target picks first joined",
			joined: []models.RoomID{roomB, roomA},
			want:   Plan{Target: roomB},
		},
		{
			name: "nothing joined nothing requested",
			want: Plan{NoTarget: true},
		},
		{
			name:   "target with nothing joined",
			target: &roomA,
			want:   Plan{Target: roomA, Join: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Reconcile(tt.joined, tt.target))
		})
	}
}

func TestReconciler_Run_LeavesThenJoinsInOrder(t *testing.T) {
	ch := &MockMembershipChannel{}
	ch.On("ListJoinedRooms", mock.Anything).Return([]models.RoomID{roomA, roomB}, nil).Once()
	ch.On("LeaveRoom", mock.Anything, roomA).Return(nil).Once()
	ch.On("LeaveRoom", mock.Anything, roomB).Return(nil).Once()
	ch.On("JoinRoom", mock.Anything, roomC).Return(roomC, nil).Once()

	var pending []models.RoomID
	result, err := NewReconciler(ch).Run(context.Background(), &roomC, func(id models.RoomID) {
		pending = append(pending, id)
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"list",
		"leave:" + roomA.String(),
		"leave:" + roomB.String(),
		"join:" + roomC.String(),
	}, ch.calls)
	assert.Equal(t, []models.RoomID{roomA, roomB}, result.Left)
	assert.Equal(t, roomC, result.Active)
	assert.True(t, result.Joined)
	assert.Equal(t, []models.RoomID{roomC}, pending)
	ch.AssertExpectations(t)
}

func TestReconciler_Run_AlreadyJoinedIssuesNothing(t *testing.T) {
	ch := &MockMembershipChannel{}
	ch.On("ListJoinedRooms", mock.Anything).Return([]models.RoomID{roomA}, nil).Once()

	result, err := NewReconciler(ch).Run(context.Background(), &roomA, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"list"}, ch.calls)
	assert.Equal(t, roomA, result.Active)
	assert.False(t, result.Joined)
	ch.AssertNotCalled(t, "JoinRoom", mock.Anything, mock.Anything)
}

func TestReconciler_Run_NoTarget(t *testing.T) {
	ch := &MockMembershipChannel{}
	ch.On("ListJoinedRooms", mock.Anything).Return([]models.RoomID{}, nil).Once()

	result, err := NewReconciler(ch).Run(context.Background(), nil, nil)
	require.NoError(t, err)

	assert.True(t, result.Plan.NoTarget)
	assert.Equal(t, []string{"list"}, ch.calls)
}

func TestReconciler_Run_ServerReassignsJoin(t *testing.T) {
	ch := &MockMembershipChannel{}
	ch.On("ListJoinedRooms", mock.Anything).Return([]models.RoomID{}, nil).Once()
	ch.On("JoinRoom", mock.Anything, roomA).Return(roomB, nil).Once()

	result, err := NewReconciler(ch).Run(context.Background(), &roomA, nil)
	require.NoError(t, err)
	assert.Equal(t, roomB, result.Active)
}

func TestReconciler_Run_AbortsOnFirstFailure(t *testing.T) {
	boom := errors.New("boom")
	ch := &MockMembershipChannel{}
	ch.On("ListJoinedRooms", mock.Anything).Return([]models.RoomID{roomA, roomB}, nil).Once()
	ch.On("LeaveRoom", mock.Anything, roomA).Return(nil).Once()
	ch.On("LeaveRoom", mock.Anything, roomB).Return(boom).Once()

	result, err := NewReconciler(ch).Run(context.Background(), &roomC, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	// The successful leave stays applied; the join is never attempted.
	assert.Equal(t, []models.RoomID{roomA}, result.Left)
	assert.False(t, result.Joined)
	ch.AssertNotCalled(t, "JoinRoom", mock.Anything, mock.Anything)
}

func TestReconciler_Run_ListFailure(t *testing.T) {
	boom := errors.New("socket gone")
	ch := &MockMembershipChannel{}
	ch.On("ListJoinedRooms", mock.Anything).Return([]models.RoomID(nil), boom).Once()

	_, err := NewReconciler(ch).Run(context.Background(), &roomA, nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"list"}, ch.calls)
}

func TestReconciler_Run_SerializesPasses(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	ch := &MockMembershipChannel{}
	ch.On("ListJoinedRooms", mock.Anything).
		Run(func(mock.Arguments) {
			entered <- struct{}{}
			<-release
		}).
		Return([]models.RoomID{roomA}, nil).Twice()

	r := NewReconciler(ch)
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := r.Run(context.Background(), &roomA, nil)
			done <- err
		}()
	}

	<-entered
	select {
	case <-entered:
		t.Fatal("second pass started while the first was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	ch.AssertNumberOfCalls(t, "ListJoinedRooms", 2)
}
