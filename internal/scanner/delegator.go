// Package scanner enumerates group members through the bot and account
// sessions and persists what it finds.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blockedby/groupscan/internal/logger"
	"github.com/blockedby/groupscan/internal/models"
	"github.com/blockedby/groupscan/internal/telegram"
)

// ErrNoSession is returned when neither session can serve a request.
var ErrNoSession = errors.New("no connected and authorized session")

// Session is what the delegator needs from a credential session.
type Session interface {
	Kind() telegram.Kind
	IsConnected() bool
	IsAuthorized() bool
	GetEntity(ctx context.Context, identifier string) (*telegram.Entity, error)
	GetParticipants(ctx context.Context, ref models.GroupRef, limit int, ctl *telegram.ScanControl) ([]models.User, error)
}

// ScanOptions controls one delegated scan.
type ScanOptions struct {
	Limit   int
	SkipBot bool
	Control *telegram.ScanControl
}

// DelegatorOptions tunes a Delegator.
type DelegatorOptions struct {
	MaxRetryAfter           time.Duration
	AccountRateLimitRetries int
	Sleep                   func(ctx context.Context, d time.Duration) error
	Log                     *logger.Logger
}

// Delegator tries the bot first and falls back to the account.
type Delegator struct {
	bot     Session
	account Session

	maxRetryAfter  time.Duration
	accountRetries int
	sleep          func(ctx context.Context, d time.Duration) error
	log            *logger.Logger
}

// NewDelegator creates a delegator. bot may be nil.
func NewDelegator(bot, account Session, opts DelegatorOptions) *Delegator {
	d := &Delegator{
		bot:            bot,
		account:        account,
		maxRetryAfter:  opts.MaxRetryAfter,
		accountRetries: opts.AccountRateLimitRetries,
		sleep:          opts.Sleep,
		log:            opts.Log,
	}
	if d.maxRetryAfter <= 0 {
		d.maxRetryAfter = 300 * time.Second
	}
	if d.accountRetries < 0 {
		d.accountRetries = 0
	}
	if d.sleep == nil {
		d.sleep = telegram.SleepContext
	}
	if d.log == nil {
		d.log = logger.Get()
	}
	d.log = d.log.Component("delegator")
	return d
}

func usable(s Session) bool {
	return s != nil && s.IsConnected() && s.IsAuthorized()
}

// HasBot reports whether the bot can currently take requests.
func (d *Delegator) HasBot() bool { return usable(d.bot) }

// HasAccount reports whether the account can currently take requests.
func (d *Delegator) HasAccount() bool { return usable(d.account) }

// Scan enumerates the members of ref. Users in the result always come from
// a single session.
func (d *Delegator) Scan(ctx context.Context, ref models.GroupRef, opts ScanOptions) models.ScanResult {
	res := models.ScanResult{Group: ref}

	if !opts.SkipBot && usable(d.bot) {
		users, err := d.bot.GetParticipants(ctx, ref, opts.Limit, opts.Control)
		switch {
		case err == nil:
			return done(res, models.ExecutorBot, users, true, nil)
		case errors.Is(err, telegram.ErrStopped):
			return done(res, models.ExecutorBot, users, false, err)
		case ctx.Err() != nil:
			return failed(res, models.ExecutorBot, ctx.Err())
		}

		if !usable(d.account) {
			return failed(res, models.ExecutorBot, fmt.Errorf("%w (bot: %w)", ErrNoSession, err))
		}
		d.log.Group(ref.String()).Info().Err(err).Msg("delegator: bot scan failed, falling back to account")
		if err := d.waitRateLimit(ctx, err); err != nil {
			return failed(res, models.ExecutorBot, err)
		}
	}

	if !usable(d.account) {
		return failed(res, models.ExecutorNone, ErrNoSession)
	}

	for attempt := 0; ; attempt++ {
		users, err := d.account.GetParticipants(ctx, ref, opts.Limit, opts.Control)
		switch {
		case err == nil:
			return done(res, models.ExecutorAccount, users, true, nil)
		case errors.Is(err, telegram.ErrStopped):
			return done(res, models.ExecutorAccount, users, false, err)
		case errors.Is(err, telegram.ErrNotFound):
			d.log.Group(ref.String()).Info().Msg("delegator: group not found, nothing to scan")
			return done(res, models.ExecutorAccount, nil, true, nil)
		case ctx.Err() != nil:
			return failed(res, models.ExecutorAccount, ctx.Err())
		}

		if _, limited := telegram.RetryAfter(err); limited && attempt < d.accountRetries {
			d.log.Group(ref.String()).Warn().Err(err).Int("attempt", attempt+1).Msg("delegator: account rate limited, retrying")
			if err := d.waitRateLimit(ctx, err); err != nil {
				return failed(res, models.ExecutorAccount, err)
			}
			continue
		}

		d.log.Group(ref.String()).Error().Err(err).Msg("delegator: scan failed")
		return failed(res, models.ExecutorAccount, err)
	}
}

// ResolveGroup resolves identifier to a group with the same bot-first
// fallback as Scan.
func (d *Delegator) ResolveGroup(ctx context.Context, identifier string) (*models.Group, models.Executor, error) {
	if usable(d.bot) {
		g, err := resolveGroup(ctx, d.bot, identifier)
		if err == nil {
			return g, models.ExecutorBot, nil
		}
		if ctx.Err() != nil {
			return nil, models.ExecutorBot, ctx.Err()
		}
		if !usable(d.account) {
			return nil, models.ExecutorBot, fmt.Errorf("%w (bot: %w)", ErrNoSession, err)
		}
		d.log.Debug().Err(err).Str("identifier", identifier).Msg("delegator: bot could not resolve, falling back to account")
		if err := d.waitRateLimit(ctx, err); err != nil {
			return nil, models.ExecutorBot, err
		}
	}

	if !usable(d.account) {
		return nil, models.ExecutorNone, ErrNoSession
	}

	for attempt := 0; ; attempt++ {
		g, err := resolveGroup(ctx, d.account, identifier)
		if err == nil {
			return g, models.ExecutorAccount, nil
		}
		if _, limited := telegram.RetryAfter(err); limited && attempt < d.accountRetries && ctx.Err() == nil {
			if err := d.waitRateLimit(ctx, err); err != nil {
				return nil, models.ExecutorAccount, err
			}
			continue
		}
		return nil, models.ExecutorAccount, err
	}
}

func resolveGroup(ctx context.Context, s Session, identifier string) (*models.Group, error) {
	e, err := s.GetEntity(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if e.Group == nil {
		return nil, fmt.Errorf("%w: %s is not a group", telegram.ErrNotFound, identifier)
	}
	return e.Group, nil
}

// waitRateLimit sleeps for the capped retry-after if err is a rate limit.
func (d *Delegator) waitRateLimit(ctx context.Context, err error) error {
	wait, ok := telegram.RetryAfter(err)
	if !ok {
		return nil
	}
	wait = min(wait, d.maxRetryAfter)
	d.log.Warn().Dur("wait", wait).Msg("delegator: rate limited, waiting")
	return d.sleep(ctx, wait)
}

func done(res models.ScanResult, by models.Executor, users []models.User, complete bool, err error) models.ScanResult {
	res.Executor = by
	res.Users = users
	res.Success = true
	res.Complete = complete
	res.Err = err
	return res
}

func failed(res models.ScanResult, by models.Executor, err error) models.ScanResult {
	res.Executor = by
	res.Users = nil
	res.Success = false
	res.Complete = false
	res.Err = err
	return res
}
