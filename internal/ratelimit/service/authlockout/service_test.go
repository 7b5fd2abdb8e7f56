package authlockout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"hearth/internal/ratelimit/models"
	lockoutstore "hearth/internal/ratelimit/store/authlockout"
	"hearth/internal/room/store"
	dErrors "hearth/pkg/domain-errors"
	"hearth/pkg/platform/audit"
	"hearth/pkg/platform/audit/publisher"
	"hearth/pkg/platform/audit/store/memory"
	"hearth/pkg/requestcontext"
)

type AuthLockoutServiceSuite struct {
	suite.Suite
	service *Service
	events  *memory.InMemoryStore
	start   time.Time
}

func TestAuthLockoutServiceSuite(t *testing.T) {
	suite.Run(t, new(AuthLockoutServiceSuite))
}

func (s *AuthLockoutServiceSuite) SetupTest() {
	s.events = memory.NewInMemoryStore()
	svc, err := New(lockoutstore.New(store.NewInMemoryStore()),
		WithAuditEmitter(publisher.NewPublisher(s.events)),
		WithConfig(models.Config{Window: 15 * time.Minute, MaxFailures: 5}),
	)
	s.Require().NoError(err)
	s.service = svc
	s.start = time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)
}

func (s *AuthLockoutServiceSuite) at(offset time.Duration) context.Context {
	return requestcontext.WithTime(context.Background(), s.start.Add(offset))
}

func (s *AuthLockoutServiceSuite) fail(n int, client string) {
	for i := range n {
		_, err := s.service.RecordFailure(s.at(time.Duration(i)*time.Second), client)
		s.Require().NoError(err)
	}
}

func (s *AuthLockoutServiceSuite) TestSixthAttemptIsBlocked() {
	s.fail(5, "203.0.113.7")

	result, err := s.service.Check(s.at(time.Minute), "203.0.113.7")
	s.Require().NoError(err)
	s.False(result.Allowed)
	s.Positive(result.RetryAfterSeconds)
	s.Equal(5, result.FailureCount)

	events, err := s.events.ListBySubject(context.Background(), "203.0.113.7")
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(string(audit.EventAuthLockoutTriggered), events[0].Action)
}

func (s *AuthLockoutServiceSuite) TestBelowThresholdIsAllowed() {
	s.fail(4, "203.0.113.8")

	result, err := s.service.Check(s.at(time.Minute), "203.0.113.8")
	s.Require().NoError(err)
	s.True(result.Allowed)
	s.Equal(4, result.FailureCount)
}

func (s *AuthLockoutServiceSuite) TestSuccessResetsAnyCount() {
	s.Run("below threshold", func() {
		s.fail(2, "198.51.100.2")
		s.Require().NoError(s.service.Clear(s.at(time.Minute), "198.51.100.2"))

		result, err := s.service.Check(s.at(time.Minute), "198.51.100.2")
		s.Require().NoError(err)
		s.True(result.Allowed)
		s.Zero(result.FailureCount)
	})

	s.Run("while blocked", func() {
		s.fail(5, "198.51.100.3")
		s.Require().NoError(s.service.Clear(s.at(time.Minute), "198.51.100.3"))

		result, err := s.service.Check(s.at(time.Minute), "198.51.100.3")
		s.Require().NoError(err)
		s.True(result.Allowed)

		_, err = s.service.RecordFailure(s.at(2*time.Minute), "198.51.100.3")
		s.Require().NoError(err)
		result, err = s.service.Check(s.at(2*time.Minute), "198.51.100.3")
		s.Require().NoError(err)
		s.Equal(1, result.FailureCount, "counter restarts from zero after a success")
	})
}

func (s *AuthLockoutServiceSuite) TestBlockLapsesWithWindow() {
	s.fail(5, "192.0.2.10")

	result, err := s.service.Check(s.at(15*time.Minute+time.Second), "192.0.2.10")
	s.Require().NoError(err)
	s.True(result.Allowed)
}

func (s *AuthLockoutServiceSuite) TestClientsAreIndependent() {
	s.fail(5, "192.0.2.20")

	result, err := s.service.Check(s.at(time.Minute), "192.0.2.21")
	s.Require().NoError(err)
	s.True(result.Allowed)
}

func (s *AuthLockoutServiceSuite) TestStoreErrorsAreInternal() {
	svc, err := New(failingStore{})
	s.Require().NoError(err)

	_, err = svc.Check(context.Background(), "x")
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
}

func (s *AuthLockoutServiceSuite) TestNewRequiresStore() {
	_, err := New(nil)
	s.Error(err)
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (*models.AuthLockout, error) {
	return nil, context.DeadlineExceeded
}

func (failingStore) RecordFailure(context.Context, string, time.Time, time.Duration) (*models.AuthLockout, error) {
	return nil, context.DeadlineExceeded
}

func (failingStore) Clear(context.Context, string) (*models.AuthLockout, error) {
	return nil, context.DeadlineExceeded
}
