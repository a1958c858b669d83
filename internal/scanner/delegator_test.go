package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/groupscan/internal/logger"
	"github.com/blockedby/groupscan/internal/models"
	"github.com/blockedby/groupscan/internal/telegram"
)

type mockSession struct {
	mock.Mock
	kind       telegram.Kind
	connected  bool
	authorized bool
}

func newMockSession(kind telegram.Kind) *mockSession {
	return &mockSession{kind: kind, connected: true, authorized: true}
}

func (m *mockSession) Kind() telegram.Kind { return m.kind }
func (m *mockSession) IsConnected() bool   { return m.connected }
func (m *mockSession) IsAuthorized() bool  { return m.authorized }

func (m *mockSession) GetEntity(ctx context.Context, identifier string) (*telegram.Entity, error) {
	args := m.Called(ctx, identifier)
	e, _ := args.Get(0).(*telegram.Entity)
	return e, args.Error(1)
}

func (m *mockSession) GetParticipants(ctx context.Context, testRef models.GroupRef, limit int, ctl *telegram.ScanControl) ([]models.User, error) {
	args := m.Called(ctx, testRef, limit, ctl)
	testUsers, _ := args.Get(0).([]models.User)
	return testUsers, args.Error(1)
}

type fakeSleeper struct {
	slept []time.Duration
}

func (f *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	f.slept = append(f.slept, d)
	return ctx.Err()
}

var (
	testRef   = models.GroupRef{Username: "gophers"}
	testUsers = []models.User{{ID: 1}, {ID: 2}, {ID: 3}}
)

func newTestDelegator(bot, account Session, sleeper *fakeSleeper) *Delegator {
	return NewDelegator(bot, account, DelegatorOptions{
		MaxRetryAfter:           300 * time.Second,
		AccountRateLimitRetries: 1,
		Sleep:                   sleeper.Sleep,
		Log:                     logger.Nop(),
	})
}

func rateLimited(d time.Duration) error {
	return &telegram.RateLimitedError{RetryAfter: d}
}

func TestDelegator_BotSucceeds(t *testing.T) {
	bot, account := newMockSession(telegram.KindBot), newMockSession(telegram.KindAccount)
	bot.On("GetParticipants", mock.Anything, testRef, 0, (*telegram.ScanControl)(nil)).Return(testUsers, nil)

	res := newTestDelegator(bot, account, &fakeSleeper{}).Scan(context.Background(), testRef, ScanOptions{})

	assert.True(t, res.Success)
	assert.True(t, res.Complete)
	assert.Equal(t, models.ExecutorBot, res.Executor)
	assert.Len(t, res.Users, 3)
	account.AssertNotCalled(t, "GetParticipants", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDelegator_BotErrorsFallBackToAccount(t *testing.T) {
	botErrors := map[string]error{
		"permission": telegram.ErrPermissionDenied,
		"not found":  telegram.ErrNotFound,
		"auth":       telegram.ErrAuthRequired,
		"transient":  telegram.ErrTransient,
		"unknown":    errors.New("something odd"),
	}

	for name, botErr := range botErrors {
		t.Run(name, func(t *testing.T) {
			bot, account := newMockSession(telegram.KindBot), newMockSession(telegram.KindAccount)
			bot.On("GetParticipants", mock.Anything, testRef, 0, mock.Anything).Return(nil, botErr).Once()
			account.On("GetParticipants", mock.Anything, testRef, 0, mock.Anything).Return(testUsers, nil).Once()

			sleeper := &fakeSleeper{}
			res := newTestDelegator(bot, account, sleeper).Scan(context.Background(), testRef, ScanOptions{})

			require.True(t, res.Success)
			assert.Equal(t, models.ExecutorAccount, res.Executor)
			assert.Equal(t, testUsers, res.Users)
			assert.NoError(t, res.Err)
			assert.Empty(t, sleeper.slept)
			bot.AssertExpectations(t)
			account.AssertExpectations(t)
		})
	}
}

func TestDelegator_BotRateLimitedSleepsThenAccount(t *testing.T) {
	bot, account := newMockSession(telegram.KindBot), newMockSession(telegram.KindAccount)
	bot.On("GetParticipants", mock.Anything, testRef, 0, mock.Anything).Return(nil, rateLimited(30*time.Second)).Once()
	account.On("GetParticipants", mock.Anything, testRef, 0, mock.Anything).Return(testUsers, nil).Once()

	sleeper := &fakeSleeper{}
	res := newTestDelegator(bot, account, sleeper).Scan(context.Background(), testRef, ScanOptions{})

	assert.True(t, res.Success)
	assert.Equal(t, models.ExecutorAccount, res.Executor)
	assert.Equal(t, []time.Duration{30 * time.Second}, sleeper.slept)
}

func TestDelegator_BotRateLimitedWithoutAccountDoesNotWait(t *testing.T) {
	bot := newMockSession(telegram.KindBot)
	bot.On("GetParticipants", mock.Anything, testRef, 0, mock.Anything).Return(nil, rateLimited(200*time.Second)).Once()
	bot.On("GetEntity", mock.Anything, "@gophers").Return(nil, rateLimited(200*time.Second)).Once()
	account := &mockSession{kind: telegram.KindAccount, connected: true, authorized: false}

	sleeper := &fakeSleeper{}
	d := newTestDelegator(bot, account, sleeper)

	res := d.Scan(context.Background(), testRef, ScanOptions{})
	assert.False(t, res.Success)
	assert.Equal(t, models.ExecutorBot, res.Executor)
	assert.ErrorIs(t, res.Err, ErrNoSession)
	_, limited := telegram.RetryAfter(res.Err)
	assert.True(t, limited, "bot rate limit is kept in the error")

	_, by, err := d.ResolveGroup(context.Background(), "@gophers")
	assert.ErrorIs(t, err, ErrNoSession)
	assert.Equal(t, models.ExecutorBot, by)

	assert.Empty(t, sleeper.slept)
}

func TestDelegator_AccountRateLimitedRetriesOnce(t *testing.T) {
	account := newMockSession(telegram.KindAccount)
	account.On("GetParticipants", mock.Anything, testRef, 0, mock.Anything).Return(nil, rateLimited(time.Hour)).Once()
	account.On("GetParticipants", mock.Anything, testRef, 0, mock.Anything).Return(testUsers, nil).Once()

	sleeper := &fakeSleeper{}
	res := newTestDelegator(nil, account, sleeper).Scan(context.Background(), testRef, ScanOptions{})

	assert.True(t, res.Success)
	assert.Equal(t, models.ExecutorAccount, res.Executor)
	assert.Equal(t, []time.Duration{300 * time.Second}, sleeper.slept, "retry-after is capped")
	account.AssertNumberOfCalls(t, "GetParticipants", 2)
}

func TestDelegator_AccountRateLimitedTwiceFails(t *testing.T) {
	account := newMockSession(telegram.KindAccount)
	account.On("GetParticipants", mock.Anything, testRef, 0, mock.Anything).Return(nil, rateLimited(10*time.Second))

	sleeper := &fakeSleeper{}
	res := newTestDelegator(nil, account, sleeper).Scan(context.Background(), testRef, ScanOptions{})

	assert.False(t, res.Success)
	_, limited := telegram.RetryAfter(res.Err)
	assert.True(t, limited)
	assert.Len(t, sleeper.slept, 1)
	account.AssertNumberOfCalls(t, "GetParticipants", 2)
}

func TestDelegator_BotNotUsable(t *testing.T) {
	cases := map[string]*mockSession{
		"disconnected": {kind: telegram.KindBot, connected: false, authorized: true},
		"unauthorized": {kind: telegram.KindBot, connected: true, authorized: false},
	}

	for name, bot := range cases {
		t.Run(name, func(t *testing.T) {
			account := newMockSession(telegram.KindAccount)
			account.On("GetParticipants", mock.Anything, testRef, 0, mock.Anything).Return(testUsers, nil)

			res := newTestDelegator(bot, account, &fakeSleeper{}).Scan(context.Background(), testRef, ScanOptions{})

			assert.Equal(t, models.ExecutorAccount, res.Executor)
			bot.AssertNotCalled(t, "GetParticipants", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestDelegator_NilBotAndTypedNilSession(t *testing.T) {
	account := newMockSession(telegram.KindAccount)
	account.On("GetParticipants", mock.Anything, testRef, 0, mock.Anything).Return(testUsers, nil)

	var typedNil *telegram.Session
	for _, bot := range []Session{nil, typedNil} {
		res := newTestDelegator(bot, account, &fakeSleeper{}).Scan(context.Background(), testRef, ScanOptions{})
		assert.Equal(t, models.ExecutorAccount, res.Executor)
		assert.True(t, res.Success)
	}
}

func TestDelegator_SkipBot(t *testing.T) {
	bot, account := newMockSession(telegram.KindBot), newMockSession(telegram.KindAccount)
	account.On("GetParticipants", mock.Anything, testRef, 0, mock.Anything).Return(testUsers, nil)

	res := newTestDelegator(bot, account, &fakeSleeper{}).Scan(context.Background(), testRef, ScanOptions{SkipBot: true})

	assert.Equal(t, models.ExecutorAccount, res.Executor)
	bot.AssertNotCalled(t, "GetParticipants", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDelegator_AccountNotFoundIsEmptySuccess(t *testing.T) {
	bot, account := newMockSession(telegram.KindBot), newMockSession(telegram.KindAccount)
	bot.On("GetParticipants", mock.Anything, testRef, 0, mock.Anything).Return(nil, telegram.ErrNotFound)
	account.On("GetParticipants", mock.Anything, testRef, 0, mock.Anything).Return(nil, telegram.ErrNotFound)

	res := newTestDelegator(bot, account, &fakeSleeper{}).Scan(context.Background(), testRef, ScanOptions{})

	assert.True(t, res.Success)
	assert.True(t, res.Complete)
	assert.Empty(t, res.Users)
	assert.NoError(t, res.Err)
}

func TestDelegator_BothFail(t *testing.T) {
	bot, account := newMockSession(telegram.KindBot), newMockSession(telegram.KindAccount)
	bot.On("GetParticipants", mock.Anything, testRef, 0, mock.Anything).Return(nil, telegram.ErrPermissionDenied)
	account.On("GetParticipants", mock.Anything, testRef, 0, mock.Anything).Return(nil, telegram.ErrPermissionDenied)

	res := newTestDelegator(bot, account, &fakeSleeper{}).Scan(context.Background(), testRef, ScanOptions{})

	assert.False(t, res.Success)
	assert.Nil(t, res.Users)
	assert.ErrorIs(t, res.Err, telegram.ErrPermissionDenied)
	assert.Equal(t, models.ExecutorAccount, res.Executor)
}

func TestDelegator_NoSession(t *testing.T) {
	account := &mockSession{kind: telegram.KindAccount, connected: true, authorized: false}

	res := newTestDelegator(nil, account, &fakeSleeper{}).Scan(context.Background(), testRef, ScanOptions{})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrNoSession)
	assert.Equal(t, models.ExecutorNone, res.Executor)

	bot := newMockSession(telegram.KindBot)
	bot.On("GetParticipants", mock.Anything, testRef, 0, mock.Anything).Return(nil, telegram.ErrPermissionDenied)
	res = newTestDelegator(bot, account, &fakeSleeper{}).Scan(context.Background(), testRef, ScanOptions{})
	assert.ErrorIs(t, res.Err, ErrNoSession)
	assert.ErrorIs(t, res.Err, telegram.ErrPermissionDenied)
}

func TestDelegator_StoppedReturnsPartial(t *testing.T) {
	bot, account := newMockSession(telegram.KindBot), newMockSession(telegram.KindAccount)
	ctl := telegram.NewScanControl()
	bot.On("GetParticipants", mock.Anything, testRef, 0, ctl).Return(testUsers[:2], telegram.ErrStopped)

	res := newTestDelegator(bot, account, &fakeSleeper{}).Scan(context.Background(), testRef, ScanOptions{Control: ctl})

	assert.True(t, res.Success)
	assert.False(t, res.Complete)
	assert.Len(t, res.Users, 2)
	assert.ErrorIs(t, res.Err, telegram.ErrStopped)
	assert.Equal(t, models.ExecutorBot, res.Executor)
	account.AssertNotCalled(t, "GetParticipants", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDelegator_CancelledDoesNotFallBack(t *testing.T) {
	bot, account := newMockSession(telegram.KindBot), newMockSession(telegram.KindAccount)
	ctx, cancel := context.WithCancel(context.Background())
	bot.On("GetParticipants", mock.Anything, testRef, 0, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled)

	res := newTestDelegator(bot, account, &fakeSleeper{}).Scan(ctx, testRef, ScanOptions{})

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.Canceled)
	account.AssertNotCalled(t, "GetParticipants", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDelegator_CancelledDuringRateLimitWait(t *testing.T) {
	account := newMockSession(telegram.KindAccount)
	account.On("GetParticipants", mock.Anything, testRef, 0, mock.Anything).Return(nil, rateLimited(time.Minute)).Once()

	ctx, cancel := context.WithCancel(context.Background())
	sleeper := &fakeSleeper{}
	d := NewDelegator(nil, account, DelegatorOptions{
		AccountRateLimitRetries: 1,
		Sleep: func(ctx context.Context, dur time.Duration) error {
			cancel()
			return sleeper.Sleep(ctx, dur)
		},
		Log: logger.Nop(),
	})

	res := d.Scan(ctx, testRef, ScanOptions{})
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.Canceled)
	account.AssertNumberOfCalls(t, "GetParticipants", 1)
}

func TestDelegator_LimitIsPassedThrough(t *testing.T) {
	account := newMockSession(telegram.KindAccount)
	account.On("GetParticipants", mock.Anything, testRef, 50, mock.Anything).Return(testUsers, nil)

	res := newTestDelegator(nil, account, &fakeSleeper{}).Scan(context.Background(), testRef, ScanOptions{Limit: 50})
	assert.True(t, res.Success)
	account.AssertExpectations(t)
}

func TestDelegator_ResolveGroup(t *testing.T) {
	group := &models.Group{ID: 1001, Username: "gophers", Title: "Gophers"}

	t.Run("bot resolves", func(t *testing.T) {
		bot, account := newMockSession(telegram.KindBot), newMockSession(telegram.KindAccount)
		bot.On("GetEntity", mock.Anything, "@gophers").Return(&telegram.Entity{Group: group}, nil)

		g, by, err := newTestDelegator(bot, account, &fakeSleeper{}).ResolveGroup(context.Background(), "@gophers")
		require.NoError(t, err)
		assert.Equal(t, group, g)
		assert.Equal(t, models.ExecutorBot, by)
	})

	t.Run("falls back to account", func(t *testing.T) {
		bot, account := newMockSession(telegram.KindBot), newMockSession(telegram.KindAccount)
		bot.On("GetEntity", mock.Anything, "@gophers").Return(nil, telegram.ErrPermissionDenied)
		account.On("GetEntity", mock.Anything, "@gophers").Return(&telegram.Entity{Group: group}, nil)

		g, by, err := newTestDelegator(bot, account, &fakeSleeper{}).ResolveGroup(context.Background(), "@gophers")
		require.NoError(t, err)
		assert.Equal(t, int64(1001), g.ID)
		assert.Equal(t, models.ExecutorAccount, by)
	})

	t.Run("user is not a group", func(t *testing.T) {
		account := newMockSession(telegram.KindAccount)
		account.On("GetEntity", mock.Anything, "@someone").Return(&telegram.Entity{User: &models.User{ID: 5}}, nil)

		_, _, err := newTestDelegator(nil, account, &fakeSleeper{}).ResolveGroup(context.Background(), "@someone")
		assert.ErrorIs(t, err, telegram.ErrNotFound)
	})

	t.Run("no session", func(t *testing.T) {
		_, by, err := newTestDelegator(nil, nil, &fakeSleeper{}).ResolveGroup(context.Background(), "@gophers")
		assert.ErrorIs(t, err, ErrNoSession)
		assert.Equal(t, models.ExecutorNone, by)
	})
}
