package app

import (
	"context"
	"database/sql"
	"testing"

	"beacon/api/internal/session"
	"beacon/api/internal/store"

	"github.com/alicebob/miniredis/v2"
)

// redisSessionService builds a service whose sessions live in a real
// Redis-backed store, so the Redis and Postgres implementations are held to
// the same contract.
func redisSessionService(t *testing.T, user store.PortalUser) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	sessions, err := session.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("create redis store: %v", err)
	}
	t.Cleanup(func() { sessions.Close() })

	fs := &fakeStore{
		getUserByIDFn: func(ctx context.Context, userID string) (store.PortalUser, error) {
			if userID == user.ID {
				return user, nil
			}
			return store.PortalUser{}, sql.ErrNoRows
		},
	}
	svc := newTestService(t, fs)
	svc.sessions = sessions
	return svc
}

func TestRefreshWithRedisSessions(t *testing.T) {
	ctx := context.Background()
	user := testUser("owner")
	svc := redisSessionService(t, user)

	t.Run("unknown token is unauthorized, not a server error", func(t *testing.T) {
		_, err := svc.Refresh(ctx, "rft_does_not_exist")
		if errorCode(err) != "INVALID_REFRESH_TOKEN" {
			t.Fatalf("expected INVALID_REFRESH_TOKEN, got %v", err)
		}
	})

	t.Run("rotation invalidates the presented token", func(t *testing.T) {
		opened, err := svc.issueSession(ctx, user)
		if err != nil {
			t.Fatalf("issue session: %v", err)
		}

		rotated, err := svc.Refresh(ctx, opened.RefreshToken)
		if err != nil {
			t.Fatalf("refresh: %v", err)
		}
		if rotated.UserID != user.ID {
			t.Errorf("expected session for %s, got %s", user.ID, rotated.UserID)
		}

		if _, err := svc.Refresh(ctx, opened.RefreshToken); errorCode(err) != "INVALID_REFRESH_TOKEN" {
			t.Errorf("expected the rotated-out token rejected, got %v", err)
		}
	})
}
