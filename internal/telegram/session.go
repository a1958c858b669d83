// Package telegram drives the account and bot credential sessions.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gotd/td/tg"

	"github.com/blockedby/groupscan/internal/cache"
	"github.com/blockedby/groupscan/internal/logger"
	"github.com/blockedby/groupscan/internal/models"
)

const (
	DefaultPageSize     = 200
	DefaultPollInterval = 100 * time.Millisecond
	DefaultRetries      = 3

	searchLimit = 100
)

// API is the subset of *tg.Client used by sessions.
type API interface {
	ContactsResolveUsername(ctx context.Context, request *tg.ContactsResolveUsernameRequest) (*tg.ContactsResolvedPeer, error)
	ContactsSearch(ctx context.Context, request *tg.ContactsSearchRequest) (*tg.ContactsFound, error)
	ChannelsGetFullChannel(ctx context.Context, channel tg.InputChannelClass) (*tg.MessagesChatFull, error)
	ChannelsGetParticipants(ctx context.Context, request *tg.ChannelsGetParticipantsRequest) (tg.ChannelsChannelParticipantsClass, error)
	ChannelsJoinChannel(ctx context.Context, channel tg.InputChannelClass) (tg.UpdatesClass, error)
	ChannelsLeaveChannel(ctx context.Context, channel tg.InputChannelClass) (tg.UpdatesClass, error)
}

// Backend owns the protocol client of a session. *Manager implements it.
type Backend interface {
	Init(ctx context.Context) error
	GetStatus() Status
	API() (API, error)
	Stop()
}

// Entity is a resolved identifier: exactly one of Group and User is set.
type Entity struct {
	Group *models.Group `json:"group,omitempty"`
	User  *models.User  `json:"user,omitempty"`
}

// SearchOptions filters SearchGroups.
type SearchOptions struct {
	Keywords        []string         `json:"keywords"`
	MinParticipants int              `json:"min_participants"`
	MaxParticipants int              `json:"max_participants"` // 0 means no upper bound
	Type            models.GroupType `json:"type"`
	Limit           int              `json:"limit"`
}

// Options tunes a Session. Zero values fall back to defaults.
type Options struct {
	Governor      *Governor
	Limiter       *RateLimiter
	Cache         cache.PeerCache
	Log           *logger.Logger
	Retries       int // transient retries; negative disables them
	RetryInterval time.Duration
	PageSize      int
	PollInterval  time.Duration
	MaxRetryAfter time.Duration
	Sleep         func(ctx context.Context, d time.Duration) error
}

// Session is one credential's view of the platform. Operations on a session
// are serialized.
type Session struct {
	kind    Kind
	backend Backend

	governor      *Governor
	limiter       *RateLimiter
	cache         cache.PeerCache
	log           *logger.Logger
	retries       int
	retryInterval time.Duration
	pageSize      int
	pollInterval  time.Duration
	maxRetryAfter time.Duration
	sleep         func(ctx context.Context, d time.Duration) error

	mu        sync.Mutex
	connected atomic.Bool
}

// NewSession wraps backend.
func NewSession(kind Kind, backend Backend, opts Options) *Session {
	s := &Session{
		kind:          kind,
		backend:       backend,
		governor:      opts.Governor,
		limiter:       opts.Limiter,
		cache:         opts.Cache,
		log:           opts.Log,
		retries:       opts.Retries,
		retryInterval: opts.RetryInterval,
		pageSize:      opts.PageSize,
		pollInterval:  opts.PollInterval,
		maxRetryAfter: opts.MaxRetryAfter,
		sleep:         opts.Sleep,
	}
	if s.limiter == nil {
		s.limiter = DefaultRateLimiter()
	}
	if s.cache == nil {
		s.cache = cache.NewMemory()
	}
	if s.log == nil {
		s.log = logger.Get()
	}
	s.log = s.log.Component("session." + string(kind))
	if s.retries < 0 {
		s.retries = 0
	} else if s.retries == 0 {
		s.retries = DefaultRetries
	}
	if s.retryInterval <= 0 {
		s.retryInterval = 500 * time.Millisecond
	}
	if s.pageSize <= 0 || s.pageSize > DefaultPageSize {
		s.pageSize = DefaultPageSize
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	if s.maxRetryAfter <= 0 {
		s.maxRetryAfter = 300 * time.Second
	}
	if s.sleep == nil {
		s.sleep = SleepContext
	}
	return s
}

// Kind returns the session's credential kind.
func (s *Session) Kind() Kind { return s.kind }

// Status returns the backend status.
func (s *Session) Status() Status { return s.backend.GetStatus() }

// LimiterStats reports the session's request cap and flood wait.
func (s *Session) LimiterStats() LimiterStats { return s.limiter.Stats() }

// Connect initializes the backend unless it is already connected.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.IsConnected() {
		return nil
	}

	if err := s.backend.Init(ctx); err != nil {
		s.connected.Store(false)
		return Classify(err)
	}

	switch s.backend.GetStatus() {
	case StatusReady, StatusUnauthorized:
		s.connected.Store(true)
	default:
		s.connected.Store(false)
	}
	s.log.Info().Str("status", string(s.backend.GetStatus())).Msg("session: connected")
	return nil
}

// IsConnected reports whether Connect produced a usable backend. A nil
// session is never connected.
func (s *Session) IsConnected() bool {
	if s == nil || !s.connected.Load() {
		return false
	}
	st := s.backend.GetStatus()
	return st == StatusReady || st == StatusUnauthorized
}

// IsAuthorized reports whether the backend is logged in.
func (s *Session) IsAuthorized() bool {
	return s.IsConnected() && s.backend.GetStatus() == StatusReady
}

// Disconnect stops the backend. It is safe to call twice.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.backend.Stop()
	s.connected.Store(false)
}

// GetEntity resolves an identifier to a group or a user.
func (s *Session) GetEntity(ctx context.Context, identifier string) (*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	username, id, err := normalizeIdentifier(identifier)
	if err != nil {
		return nil, err
	}

	if username == "" {
		peer, ok := s.cached(ctx, cache.IDKey(id))
		if !ok {
			return nil, fmt.Errorf("%w: id %d is not known to the %s session", ErrNotFound, id, s.kind)
		}
		group, err := s.fullChannel(ctx, &tg.InputChannel{ChannelID: peer.ID, AccessHash: peer.AccessHash}, nil)
		if err != nil {
			return nil, err
		}
		return &Entity{Group: group}, nil
	}

	var resolved *tg.ContactsResolvedPeer
	err = s.call(ctx, func(api API) error {
		var err error
		resolved, err = api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
		return err
	})
	if err != nil {
		return nil, err
	}

	switch p := resolved.Peer.(type) {
	case *tg.PeerChannel:
		ch := findChannel(resolved.Chats, p.ChannelID)
		if ch == nil {
			break
		}
		s.remember(ctx, ch)
		group, err := s.fullChannel(ctx, ch.AsInput(), ch)
		if err != nil {
			return nil, err
		}
		return &Entity{Group: group}, nil
	case *tg.PeerChat:
		if chat := findChat(resolved.Chats, p.ChatID); chat != nil {
			g := groupFromChat(chat)
			return &Entity{Group: &g}, nil
		}
	case *tg.PeerUser:
		if u := findUser(resolved.Users, p.UserID); u != nil {
			user := userFromTG(u)
			return &Entity{User: &user}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, identifier)
}

// GetParticipants pages through a channel's members. limit <= 0 fetches all
// of them. A stop request returns the users gathered so far with ErrStopped.
func (s *Session) GetParticipants(ctx context.Context, ref models.GroupRef, limit int, ctl *ScanControl) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	channel, err := s.resolveChannel(ctx, ref)
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]struct{})
	var users []models.User
	offset := 0

	for {
		if err := ctl.Checkpoint(ctx, s.pollInterval); err != nil {
			if errors.Is(err, ErrStopped) {
				s.log.Info().Str("group", ref.String()).Int("users", len(users)).Msg("session: participant scan stopped")
				return users, ErrStopped
			}
			return nil, err
		}

		pageLimit := s.pageSize
		if limit > 0 && limit-len(users) < pageLimit {
			pageLimit = limit - len(users)
		}

		var page *tg.ChannelsChannelParticipants
		err := s.call(ctx, func(api API) error {
			res, err := api.ChannelsGetParticipants(ctx, &tg.ChannelsGetParticipantsRequest{
				Channel: channel,
				Filter:  &tg.ChannelParticipantsSearch{Q: ""},
				Offset:  offset,
				Limit:   pageLimit,
			})
			if err != nil {
				return err
			}
			page, _ = res.(*tg.ChannelsChannelParticipants)
			return nil
		})
		if err != nil {
			return nil, err
		}
		if page == nil || len(page.Participants) == 0 {
			break
		}

		offset += len(page.Participants)
		for _, uc := range page.Users {
			u, ok := uc.(*tg.User)
			if !ok || u.Deleted {
				continue
			}
			if _, dup := seen[u.ID]; dup {
				continue
			}
			seen[u.ID] = struct{}{}
			users = append(users, userFromTG(u))
		}

		s.log.Debug().Str("group", ref.String()).Int("offset", offset).Int("total", page.Count).Msg("session: participants page")

		if limit > 0 && len(users) >= limit {
			users = users[:limit]
			break
		}
		if offset >= page.Count {
			break
		}
	}

	return users, nil
}

// SearchGroups searches public groups by keyword. A rate limited keyword is
// retried once after the mandated wait; other per-keyword failures are
// logged and skipped.
func (s *Session) SearchGroups(ctx context.Context, opts SearchOptions, ctl *ScanControl) ([]models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]struct{})
	var groups []models.Group

	for _, keyword := range opts.Keywords {
		if err := ctl.Checkpoint(ctx, s.pollInterval); err != nil {
			if errors.Is(err, ErrStopped) {
				sortGroups(groups)
				return groups, ErrStopped
			}
			return nil, err
		}

		found, err := s.search(ctx, keyword)
		if d, ok := RetryAfter(err); ok {
			s.log.Warn().Str("keyword", keyword).Dur("retry_after", d).Msg("session: search rate limited")
			if err := s.sleep(ctx, min(d, s.maxRetryAfter)); err != nil {
				return nil, err
			}
			found, err = s.search(ctx, keyword)
		}
		if err != nil {
			if errors.Is(err, ErrAuthRequired) || ctx.Err() != nil {
				return nil, err
			}
			s.log.Warn().Err(err).Str("keyword", keyword).Msg("session: search failed, skipping keyword")
			continue
		}

		for _, c := range found.Chats {
			ch, ok := c.(*tg.Channel)
			if !ok {
				continue
			}
			if _, dup := seen[ch.ID]; dup {
				continue
			}
			seen[ch.ID] = struct{}{}
			s.remember(ctx, ch)

			group, err := s.fullChannel(ctx, ch.AsInput(), ch)
			if err != nil {
				if errors.Is(err, ErrAuthRequired) || ctx.Err() != nil {
					return nil, err
				}
				s.log.Debug().Err(err).Int64("channel_id", ch.ID).Msg("session: full channel unavailable")
				g := groupFromChannel(ch)
				group = &g
			}

			if !matchesSearch(*group, opts) {
				continue
			}
			groups = append(groups, *group)
		}
	}

	sortGroups(groups)
	if opts.Limit > 0 && len(groups) > opts.Limit {
		groups = groups[:opts.Limit]
	}
	return groups, nil
}

// JoinChannel joins a public channel or megagroup with this session.
func (s *Session) JoinChannel(ctx context.Context, identifier string) (*models.Group, error) {
	return s.membership(ctx, identifier, true)
}

// LeaveChannel leaves a channel or megagroup.
func (s *Session) LeaveChannel(ctx context.Context, identifier string) (*models.Group, error) {
	return s.membership(ctx, identifier, false)
}

func (s *Session) membership(ctx context.Context, identifier string, join bool) (*models.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	username, id, err := normalizeIdentifier(identifier)
	if err != nil {
		return nil, err
	}
	ref := models.GroupRef{ID: id, Username: username}

	channel, err := s.resolveChannel(ctx, ref)
	if err != nil {
		return nil, err
	}

	err = s.call(ctx, func(api API) error {
		if join {
			_, err := api.ChannelsJoinChannel(ctx, channel)
			return err
		}
		_, err := api.ChannelsLeaveChannel(ctx, channel)
		return err
	})
	if err != nil {
		return nil, err
	}

	action := "left"
	if join {
		action = "joined"
	}
	s.log.Info().Str("group", ref.String()).Msg("session: " + action + " channel")

	if join {
		group, err := s.fullChannel(ctx, channel, nil)
		if err == nil {
			return group, nil
		}
		s.log.Warn().Err(err).Str("group", ref.String()).Msg("session: joined channel but failed to load its details")
	}
	return &models.Group{ID: channel.ChannelID, Username: username}, nil
}

func (s *Session) search(ctx context.Context, keyword string) (*tg.ContactsFound, error) {
	var found *tg.ContactsFound
	err := s.call(ctx, func(api API) error {
		var err error
		found, err = api.ContactsSearch(ctx, &tg.ContactsSearchRequest{Q: keyword, Limit: searchLimit})
		return err
	})
	return found, err
}

// fullChannel loads the channel with its participant count. ch may be nil
// when only the input peer is known.
func (s *Session) fullChannel(ctx context.Context, input tg.InputChannelClass, ch *tg.Channel) (*models.Group, error) {
	var full *tg.MessagesChatFull
	err := s.call(ctx, func(api API) error {
		var err error
		full, err = api.ChannelsGetFullChannel(ctx, input)
		return err
	})
	if err != nil {
		return nil, err
	}

	cf, ok := full.FullChat.(*tg.ChannelFull)
	if !ok {
		return nil, fmt.Errorf("%w: not a channel", ErrNotFound)
	}
	if ch == nil {
		ch = findChannel(full.Chats, cf.ID)
	}

	var group models.Group
	if ch != nil {
		group = groupFromChannel(ch)
		s.remember(ctx, ch)
	} else {
		group = models.Group{ID: cf.ID}
	}
	if count, ok := cf.GetParticipantsCount(); ok {
		group.ParticipantsCount = count
	}
	return &group, nil
}

// resolveChannel finds the input peer for ref, from the cache when possible.
func (s *Session) resolveChannel(ctx context.Context, ref models.GroupRef) (*tg.InputChannel, error) {
	if ref.ID != 0 {
		if p, ok := s.cached(ctx, cache.IDKey(ref.ID)); ok {
			return &tg.InputChannel{ChannelID: p.ID, AccessHash: p.AccessHash}, nil
		}
	}
	if ref.Username != "" {
		if p, ok := s.cached(ctx, cache.UsernameKey(ref.Username)); ok {
			return &tg.InputChannel{ChannelID: p.ID, AccessHash: p.AccessHash}, nil
		}
	}
	if ref.Username == "" {
		return nil, fmt.Errorf("%w: %s is not known to the %s session", ErrNotFound, ref, s.kind)
	}

	var resolved *tg.ContactsResolvedPeer
	err := s.call(ctx, func(api API) error {
		var err error
		resolved, err = api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: ref.Username})
		return err
	})
	if err != nil {
		return nil, err
	}

	pc, ok := resolved.Peer.(*tg.PeerChannel)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a channel", ErrNotFound, ref)
	}
	ch := findChannel(resolved.Chats, pc.ChannelID)
	if ch == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	s.remember(ctx, ch)
	return &tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, nil
}

func (s *Session) cached(ctx context.Context, key string) (cache.Peer, bool) {
	p, ok, err := s.cache.Get(ctx, string(s.kind), key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("session: peer cache read failed")
		return cache.Peer{}, false
	}
	return p, ok
}

func (s *Session) remember(ctx context.Context, ch *tg.Channel) {
	p := cache.Peer{ID: ch.ID, AccessHash: ch.AccessHash}
	keys := []string{cache.IDKey(ch.ID)}
	if ch.Username != "" {
		keys = append(keys, cache.UsernameKey(ch.Username))
	}
	for _, key := range keys {
		if err := s.cache.Set(ctx, string(s.kind), key, p); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("session: peer cache write failed")
		}
	}
}

// call runs one API request behind the governor and the limiter. Transient
// failures are retried with exponential backoff; everything else is
// classified and returned. A flood wait holds the limiter for at most
// maxRetryAfter.
func (s *Session) call(ctx context.Context, fn func(api API) error) error {
	attempt := 0
	op := func() error {
		attempt++
		if s.governor != nil {
			if err := s.governor.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		api, err := s.backend.API()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %s session: %w", ErrAuthRequired, s.kind, err))
		}

		err = Classify(fn(api))
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrTransient):
			return err
		}

		if d, ok := RetryAfter(err); ok {
			s.log.Warn().Dur("retry_after", d).Msg("session: FLOOD_WAIT detected, updating rate limiter")
			s.limiter.SetFloodWait(min(d, s.maxRetryAfter))
		}
		return backoff.Permanent(err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryInterval
	policy.MaxElapsedTime = 0

	notify := func(err error, next time.Duration) {
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("next", next).Msg("session: transient error, retrying")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.retries)), ctx), notify)
	if s.governor != nil && countsAsFailure(ctx, err) {
		s.governor.Failure()
	}
	return err
}

// countsAsFailure reports whether err should slow the governor down.
// Cancellation, a stop request and a missing login are not the platform
// refusing the operation.
func countsAsFailure(ctx context.Context, err error) bool {
	switch {
	case err == nil, ctx.Err() != nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrStopped), errors.Is(err, ErrAuthRequired):
		return false
	}
	return true
}

func matchesSearch(g models.Group, opts SearchOptions) bool {
	if g.ParticipantsCount < opts.MinParticipants {
		return false
	}
	if opts.MaxParticipants > 0 && g.ParticipantsCount > opts.MaxParticipants {
		return false
	}
	return g.Matches(opts.Type)
}

func sortGroups(groups []models.Group) {
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].ParticipantsCount > groups[j].ParticipantsCount
	})
}
