package auth_test

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	auth "github.com/goliatone/go-taskhub"
)

func newUserTokenService(t *testing.T, repo auth.RepositoryManager, clock *testClock) *auth.UserTokenService {
	t.Helper()
	return auth.NewUserTokenService(repo, newTestConfig(), nopLogger{}, auth.WithUserTokenClock(clock.Now))
}

func TestGenerateTokenValue(t *testing.T) {
	a, err := auth.GenerateTokenValue()
	require.NoError(t, err)
	b, err := auth.GenerateTokenValue()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	raw, err := base64.RawURLEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, auth.TokenValueBytes)
}

func TestUserTokenService_IssueAndRedeem(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	clock := newTestClock()
	tokens := newUserTokenService(t, repo, clock)
	user := createUser(t, repo, userFixture{Username: "jane"})

	token, err := tokens.IssueToken(ctx, user, auth.UserTokenActivateAccount)
	require.NoError(t, err)
	assert.Equal(t, user.ID, token.UserID)
	assert.WithinDuration(t, clock.Now().Add(72*time.Hour), token.ExpiresAt, time.Second)

	t.Run("wrong type is not found", func(t *testing.T) {
		_, err := tokens.Redeem(ctx, token.Token, auth.UserTokenResetPassword, nil)
		assert.True(t, goerrors.Is(err, auth.ErrTokenNotFound))
	})

	var seen *auth.User
	redeemed, err := tokens.Redeem(ctx, token.Token, auth.UserTokenActivateAccount,
		func(ctx context.Context, tx bun.IDB, u *auth.User) error {
			seen = u
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, user.ID, redeemed.ID)
	assert.Same(t, redeemed, seen)

	t.Run("second redemption fails", func(t *testing.T) {
		_, err := tokens.Redeem(ctx, token.Token, auth.UserTokenActivateAccount, nil)
		assert.True(t, goerrors.Is(err, auth.ErrTokenNotFound))
	})

	t.Run("empty value", func(t *testing.T) {
		_, err := tokens.Redeem(ctx, "", auth.UserTokenActivateAccount, nil)
		assert.True(t, goerrors.Is(err, auth.ErrTokenNotFound))
	})
}

func TestUserTokenService_CallbackFailureKeepsToken(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	tokens := newUserTokenService(t, repo, newTestClock())
	user := createUser(t, repo, userFixture{Username: "jane"})

	token, err := tokens.IssueToken(ctx, user, auth.UserTokenActivateAccount)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = tokens.Redeem(ctx, token.Token, auth.UserTokenActivateAccount,
		func(context.Context, bun.IDB, *auth.User) error { return boom })
	require.ErrorIs(t, err, boom)

	_, err = tokens.Redeem(ctx, token.Token, auth.UserTokenActivateAccount, nil)
	assert.NoError(t, err)
}

func TestUserTokenService_Expired(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	clock := newTestClock()
	tokens := newUserTokenService(t, repo, clock)
	user := createUser(t, repo, userFixture{Username: "jane", Activated: true})

	token, err := tokens.IssueToken(ctx, user, auth.UserTokenResetPassword)
	require.NoError(t, err)

	clock.Advance(time.Hour)

	_, err = tokens.Redeem(ctx, token.Token, auth.UserTokenResetPassword, nil)
	require.Error(t, err)
	assert.True(t, goerrors.Is(err, auth.ErrUserTokenExpired))

	// the expired row is gone
	_, err = tokens.Redeem(ctx, token.Token, auth.UserTokenResetPassword, nil)
	assert.True(t, goerrors.Is(err, auth.ErrTokenNotFound))
}

func TestUserTokenService_ResetCap(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	clock := newTestClock()
	tokens := newUserTokenService(t, repo, clock)
	user := createUser(t, repo, userFixture{Username: "jane", Activated: true})

	for i := 0; i < 3; i++ {
		_, err := tokens.IssueToken(ctx, user, auth.UserTokenResetPassword)
		require.NoError(t, err)
	}

	_, err := tokens.IssueToken(ctx, user, auth.UserTokenResetPassword)
	require.Error(t, err)
	assert.True(t, goerrors.Is(err, auth.ErrTooManyActiveTokens))

	// activation tokens are not capped
	_, err = tokens.IssueToken(ctx, user, auth.UserTokenActivateAccount)
	assert.NoError(t, err)

	// expired tokens do not count
	clock.Advance(time.Hour + time.Second)
	_, err = tokens.IssueToken(ctx, user, auth.UserTokenResetPassword)
	assert.NoError(t, err)
}

func TestUserTokenService_IssueValidation(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	tokens := newUserTokenService(t, repo, newTestClock())
	user := createUser(t, repo, userFixture{Username: "jane"})

	_, err := tokens.IssueToken(ctx, nil, auth.UserTokenActivateAccount)
	assert.Error(t, err)

	_, err = tokens.IssueToken(ctx, user, auth.UserTokenType("magic-link"))
	assert.Error(t, err)
}

func TestUserTokenService_SweepExpired(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	clock := newTestClock()
	tokens := newUserTokenService(t, repo, clock)
	user := createUser(t, repo, userFixture{Username: "jane", Activated: true})

	reset, err := tokens.IssueToken(ctx, user, auth.UserTokenResetPassword)
	require.NoError(t, err)
	activation, err := tokens.IssueToken(ctx, user, auth.UserTokenActivateAccount)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	deleted, err := tokens.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = tokens.Redeem(ctx, reset.Token, auth.UserTokenResetPassword, nil)
	assert.True(t, goerrors.Is(err, auth.ErrTokenNotFound))

	_, err = tokens.Redeem(ctx, activation.Token, auth.UserTokenActivateAccount, nil)
	assert.NoError(t, err)
}

func redeemConcurrently(t *testing.T, tokens *auth.UserTokenService, value string, typ auth.UserTokenType, n int, alongside func()) []error {
	t.Helper()
	ctx := context.Background()

	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = tokens.Redeem(ctx, value, typ, nil)
		}(i)
	}
	if alongside != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			alongside()
		}()
	}
	close(start)
	wg.Wait()
	return errs
}

func TestUserTokenService_ConcurrentRedeemSucceedsOnce(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	clock := newTestClock()
	tokens := newUserTokenService(t, repo, clock)
	user := createUser(t, repo, userFixture{Username: "jane", Activated: true})

	const redeemers = 8

	for round := 0; round < 5; round++ {
		token, err := tokens.IssueToken(ctx, user, auth.UserTokenResetPassword)
		require.NoError(t, err)

		errs := redeemConcurrently(t, tokens, token.Token, auth.UserTokenResetPassword, redeemers, nil)

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.True(t, goerrors.Is(err, auth.ErrTokenNotFound), "unexpected error: %v", err)
		}
		assert.Equal(t, 1, succeeded, "round %d", round)
	}
}

func TestUserTokenService_RedeemRacingSweep(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	clock := newTestClock()
	tokens := newUserTokenService(t, repo, clock)
	user := createUser(t, repo, userFixture{Username: "jane", Activated: true})

	sweep := func() {
		_, err := tokens.SweepExpired(ctx)
		assert.NoError(t, err)
	}

	t.Run("live token survives the sweep", func(t *testing.T) {
		token, err := tokens.IssueToken(ctx, user, auth.UserTokenActivateAccount)
		require.NoError(t, err)

		sweep()

		errs := redeemConcurrently(t, tokens, token.Token, auth.UserTokenActivateAccount, 4, sweep)
		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.True(t, goerrors.Is(err, auth.ErrTokenNotFound), "unexpected error: %v", err)
		}
		assert.Equal(t, 1, succeeded)
	})

	t.Run("expired token never redeems", func(t *testing.T) {
		token, err := tokens.IssueToken(ctx, user, auth.UserTokenResetPassword)
		require.NoError(t, err)

		clock.Advance(2 * time.Hour)
		t.Cleanup(func() { clock.Advance(-2 * time.Hour) })

		errs := redeemConcurrently(t, tokens, token.Token, auth.UserTokenResetPassword, 4, sweep)
		for _, err := range errs {
			require.Error(t, err)
			assert.True(t,
				goerrors.Is(err, auth.ErrUserTokenExpired) || goerrors.Is(err, auth.ErrTokenNotFound),
				"unexpected error: %v", err)
		}

		_, err = tokens.Redeem(ctx, token.Token, auth.UserTokenResetPassword, nil)
		assert.True(t, goerrors.Is(err, auth.ErrTokenNotFound))
	})
}
