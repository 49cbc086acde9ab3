package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"veriflow/internal/audit"
	"veriflow/internal/platform/clock"
	"veriflow/internal/verification/models"
	"veriflow/internal/verification/service/mocks"
	id "veriflow/pkg/domain"
	dErrors "veriflow/pkg/domain-errors"
	"veriflow/pkg/platform/sentinel"
)

func (s *ServiceSuite) TestCancel() {
	ctx := context.Background()

	s.Run("cancels an initiated session", func() {
		session := s.create()
		cancelled, err := s.svc.Cancel(ctx, session.ID, "citizen left the booth")
		s.Require().NoError(err)
		s.Equal(models.StateCancelled, cancelled.State)
		s.Require().NotNil(cancelled.Result)
		s.Equal(models.ResultCancelled, cancelled.Result.Status)
		s.Equal("citizen left the booth", cancelled.Result.FailureReason)
	})

	s.Run("cancels an in-progress session", func() {
		started := s.startFresh(id.MethodOTP)
		cancelled, err := s.svc.Cancel(ctx, started.ID, "")
		s.Require().NoError(err)
		s.Equal(models.StateCancelled, cancelled.State)
	})

	s.Run("rejects cancelling a terminal session", func() {
		started := s.startFresh(id.MethodOTP)
		_, err := s.svc.Cancel(ctx, started.ID, "first")
		s.Require().NoError(err)

		_, err = s.svc.Cancel(ctx, started.ID, "second")
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidStateTransition))
	})
}

func (s *ServiceSuite) TestForceTimeout() {
	ctx := context.Background()

	s.Run("rejects before the deadline", func() {
		session := s.create()
		_, err := s.svc.ForceTimeout(ctx, session.ID)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidStateTransition))
	})

	s.Run("times out an expired session exactly once", func() {
		started := s.startFresh(id.MethodOTP)
		s.clk.Advance(11 * time.Minute)

		timedOut, err := s.svc.ForceTimeout(ctx, started.ID)
		s.Require().NoError(err)
		s.Equal(models.StateTimeout, timedOut.State)
		s.Require().NotNil(timedOut.Result)
		s.Equal(models.ResultTimedOut, timedOut.Result.Status)

		_, err = s.svc.ForceTimeout(ctx, started.ID)
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidStateTransition))
	})
}

// Conflict handling is exercised against a mocked store so the retry loop
// can be scripted precisely.
func TestCommitRetriesOnConflict(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	sessionID := id.NewSessionID()
	base := models.New(
		sessionID,
		id.IdentityID(uuid.New()),
		id.OperatorID(uuid.New()),
		id.BoothID(uuid.New()),
		clk.Now(), 10*time.Minute, 3,
	)

	newService := func(sessions *mocks.MockSessionStore) *Service {
		return NewService(
			sessions,
			mocks.NewMockDirectory(ctrl),
			mocks.NewMockIdentityLimiter(ctrl),
			mocks.NewMockBoothLimiter(ctrl),
			mocks.NewMockProviderRegistry(ctrl),
			audit.NewPublisher(audit.NewMemory()),
			WithClock(clk),
		)
	}

	t.Run("a lost race is retried against a fresh read", func(t *testing.T) {
		sessions := mocks.NewMockSessionStore(ctrl)
		sessions.EXPECT().Get(gomock.Any(), sessionID).
			DoAndReturn(func(context.Context, id.SessionID) (*models.Session, error) {
				return base.Clone(), nil
			}).Times(2)

		gomock.InOrder(
			sessions.EXPECT().Put(gomock.Any(), gomock.Any(), base.SyncVersion).
				Return(nil, sentinel.ErrConflict),
			sessions.EXPECT().Put(gomock.Any(), gomock.Any(), base.SyncVersion).
				DoAndReturn(func(_ context.Context, session *models.Session, expected int64) (*models.Session, error) {
					committed := session.Clone()
					committed.SyncVersion = expected + 1
					return committed, nil
				}),
		)

		svc := newService(sessions)
		cancelled, err := svc.Cancel(context.Background(), sessionID, "retry me")
		require.NoError(t, err)
		assert.Equal(t, models.StateCancelled, cancelled.State)
		assert.Equal(t, base.SyncVersion+1, cancelled.SyncVersion)
	})

	t.Run("persistent conflicts surface after bounded retries", func(t *testing.T) {
		sessions := mocks.NewMockSessionStore(ctrl)
		// Initial try plus three retries.
		sessions.EXPECT().Get(gomock.Any(), sessionID).
			DoAndReturn(func(context.Context, id.SessionID) (*models.Session, error) {
				return base.Clone(), nil
			}).Times(4)
		sessions.EXPECT().Put(gomock.Any(), gomock.Any(), base.SyncVersion).
			Return(nil, sentinel.ErrConflict).Times(4)

		svc := newService(sessions)
		_, err := svc.Cancel(context.Background(), sessionID, "doomed")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeVersionConflict))
	})

	t.Run("retry revalidates against the rewound state", func(t *testing.T) {
		terminal := base.Clone()
		_, err := terminal.Cancel("already settled", clk.Now())
		require.NoError(t, err)

		sessions := mocks.NewMockSessionStore(ctrl)
		gomock.InOrder(
			sessions.EXPECT().Get(gomock.Any(), sessionID).
				DoAndReturn(func(context.Context, id.SessionID) (*models.Session, error) {
					return base.Clone(), nil
				}),
			sessions.EXPECT().Put(gomock.Any(), gomock.Any(), base.SyncVersion).
				Return(nil, sentinel.ErrConflict),
			// The re-read observes the peer's terminal commit; the
			// transition is rejected instead of replayed.
			sessions.EXPECT().Get(gomock.Any(), sessionID).
				DoAndReturn(func(context.Context, id.SessionID) (*models.Session, error) {
					return terminal.Clone(), nil
				}),
		)

		svc := newService(sessions)
		_, err = svc.Cancel(context.Background(), sessionID, "loser")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidStateTransition))
	})
}
