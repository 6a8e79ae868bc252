//go:build integration

package store_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"printchat/internal/auth/models"
	"printchat/internal/auth/store"
	"printchat/pkg/platform/sentinel"
	"printchat/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis      *containers.RedisContainer
	sessions   *store.RedisSessionStore
	states     *store.RedisStateStore
	tokenCache *store.RedisTokenCacheStore
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.sessions = store.NewRedisSessionStore(s.redis.Client)
	s.states = store.NewRedisStateStore(s.redis.Client)
	s.tokenCache = store.NewRedisTokenCacheStore(s.redis.Client, 5*time.Minute)
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func makeSession() *models.Session {
	now := time.Now()
	return &models.Session{
		SessionID: uuid.NewString(),
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(models.SessionTTL),
	}
}

func (s *RedisStoreSuite) TestSessionRoundTrip() {
	ctx := context.Background()
	sess := makeSession()
	sess.UserID = "u1"

	s.Require().NoError(s.sessions.Create(ctx, sess))

	read, err := s.sessions.FindByID(ctx, sess.SessionID)
	s.Require().NoError(err)
	s.Equal(sess.UserID, read.UserID)
	s.Equal(sess.ExpiresAt.UnixNano(), read.ExpiresAt.UnixNano())
}

func (s *RedisStoreSuite) TestSessionUniqueInsert() {
	ctx := context.Background()
	sess := makeSession()
	s.Require().NoError(s.sessions.Create(ctx, sess))

	err := s.sessions.Create(ctx, sess)
	s.Require().Error(err)
	s.True(errors.Is(err, sentinel.ErrConflict))
}

// TestConcurrentCreateSameID verifies SetNX admits exactly one writer when
// many goroutines race on the same session id.
func (s *RedisStoreSuite) TestConcurrentCreateSameID() {
	ctx := context.Background()
	sess := makeSession()

	const goroutines = 20
	var wg sync.WaitGroup
	var successCount, conflictCount atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.sessions.Create(ctx, sess)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, sentinel.ErrConflict):
				conflictCount.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), successCount.Load(), "exactly one create should win")
	s.Equal(int32(goroutines-1), conflictCount.Load())
}

func (s *RedisStoreSuite) TestTouchSlidesTTL() {
	ctx := context.Background()
	sess := makeSession()
	sess.ExpiresAt = time.Now().Add(time.Hour)
	s.Require().NoError(s.sessions.Create(ctx, sess))

	s.Require().NoError(s.sessions.Touch(ctx, sess.SessionID, time.Now()))

	read, err := s.sessions.FindByID(ctx, sess.SessionID)
	s.Require().NoError(err)
	s.Greater(read.ExpiresAt, time.Now().Add(models.SessionTTL-time.Minute))

	ttl, err := s.redis.Client.TTL(ctx, "session:"+sess.SessionID).Result()
	s.Require().NoError(err)
	s.Greater(ttl, time.Hour, "key TTL should follow the slid expiry")
}

func (s *RedisStoreSuite) TestSetEthicsAccepted() {
	ctx := context.Background()
	sess := makeSession()
	s.Require().NoError(s.sessions.Create(ctx, sess))

	at := time.Now()
	s.Require().NoError(s.sessions.SetEthicsAccepted(ctx, sess.SessionID, at))

	read, err := s.sessions.FindByID(ctx, sess.SessionID)
	s.Require().NoError(err)
	s.Require().NotNil(read.EthicsAcceptedAt)
	s.Equal(at.UnixNano(), read.EthicsAcceptedAt.UnixNano())
}

func (s *RedisStoreSuite) TestDeleteSession() {
	ctx := context.Background()
	sess := makeSession()
	s.Require().NoError(s.sessions.Create(ctx, sess))
	s.Require().NoError(s.sessions.Delete(ctx, sess.SessionID))

	_, err := s.sessions.FindByID(ctx, sess.SessionID)
	s.True(errors.Is(err, sentinel.ErrNotFound))
}

// TestStateSingleConsumer verifies GETDEL hands the record to exactly one of
// many racing consumers.
func (s *RedisStoreSuite) TestStateSingleConsumer() {
	ctx := context.Background()
	record := &models.StateRecord{
		State:       uuid.NewString(),
		SessionID:   "sid",
		RedirectURL: "/chat",
		ExpiresAt:   time.Now().Add(10 * time.Minute),
	}
	s.Require().NoError(s.states.Create(ctx, record))

	const goroutines = 20
	var wg sync.WaitGroup
	var consumed atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.states.FindAndConsume(ctx, record.State); err == nil {
				consumed.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), consumed.Load(), "exactly one consumer should get the record")
}

func (s *RedisStoreSuite) TestStateConsumeReturnsRecord() {
	ctx := context.Background()
	record := &models.StateRecord{
		State:       uuid.NewString(),
		SessionID:   "sid",
		RedirectURL: "/settings",
		ExpiresAt:   time.Now().Add(10 * time.Minute),
	}
	s.Require().NoError(s.states.Create(ctx, record))

	read, err := s.states.FindAndConsume(ctx, record.State)
	s.Require().NoError(err)
	s.Equal("sid", read.SessionID)
	s.Equal("/settings", read.RedirectURL)

	_, err = s.states.FindAndConsume(ctx, record.State)
	s.True(errors.Is(err, sentinel.ErrNotFound))
}

func (s *RedisStoreSuite) TestTokenCacheExpiresWithTTL() {
	ctx := context.Background()
	shortCache := store.NewRedisTokenCacheStore(s.redis.Client, 100*time.Millisecond)

	entry := &models.TokenCacheEntry{
		TokenHash:      "hash-1",
		ExternalUserID: "hf-1",
		CreatedAt:      time.Now(),
	}
	s.Require().NoError(shortCache.Insert(ctx, entry))

	read, err := shortCache.Find(ctx, "hash-1")
	s.Require().NoError(err)
	s.Equal("hf-1", read.ExternalUserID)

	time.Sleep(200 * time.Millisecond)
	_, err = shortCache.Find(ctx, "hash-1")
	s.True(errors.Is(err, sentinel.ErrNotFound))
}
