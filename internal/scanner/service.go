package scanner

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/blockedby/groupscan/internal/events"
	"github.com/blockedby/groupscan/internal/logger"
	"github.com/blockedby/groupscan/internal/models"
	"github.com/blockedby/groupscan/internal/telegram"
)

// Sink persists scan output.
type Sink interface {
	SaveScan(ctx context.Context, g models.Group, users []models.User) (int, error)
	UpsertGroup(ctx context.Context, g *models.Group) error
}

// Searcher is the account-only surface: search and channel membership.
type Searcher interface {
	SearchGroups(ctx context.Context, opts telegram.SearchOptions, ctl *telegram.ScanControl) ([]models.Group, error)
	JoinChannel(ctx context.Context, identifier string) (*models.Group, error)
	LeaveChannel(ctx context.Context, identifier string) (*models.Group, error)
}

// ServiceOptions tunes the batch loop.
type ServiceOptions struct {
	// DelayMin and DelayMax bound the random pause between groups of a batch.
	DelayMin time.Duration
	DelayMax time.Duration
	// BotMaxGroups is how many groups of one batch the bot may serve.
	// Zero means no quota.
	BotMaxGroups int
	// BotMaxMembers routes larger groups straight to the account.
	BotMaxMembers int
	PollInterval  time.Duration

	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
	Log   *logger.Logger
}

// Service scans groups, persists the results and publishes events.
type Service struct {
	delegator *Delegator
	searcher  Searcher
	sink      Sink
	events    events.Publisher
	opts      ServiceOptions
	log       *logger.Logger
}

// NewService creates a scan service. searcher may be nil when search and
// membership are not needed.
func NewService(delegator *Delegator, searcher Searcher, sink Sink, pub events.Publisher, opts ServiceOptions) *Service {
	if pub == nil {
		pub = events.Nop{}
	}
	if opts.DelayMax < opts.DelayMin {
		opts.DelayMax = opts.DelayMin
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = telegram.DefaultPollInterval
	}
	if opts.Sleep == nil {
		opts.Sleep = telegram.SleepContext
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	log := opts.Log
	if log == nil {
		log = logger.Get()
	}
	return &Service{
		delegator: delegator,
		searcher:  searcher,
		sink:      sink,
		events:    pub,
		opts:      opts,
		log:       log.Component("scanner"),
	}
}

// Delegator returns the underlying delegator.
func (s *Service) Delegator() *Delegator { return s.delegator }

// GroupScan is one persisted scan.
type GroupScan struct {
	models.ScanResult
	Group *models.Group `json:"group_info,omitempty"`
	Saved int           `json:"saved"`
}

// ScanGroup resolves identifier, scans its members and persists them.
// A stopped scan persists what it gathered.
func (s *Service) ScanGroup(ctx context.Context, identifier string, opts ScanOptions) (GroupScan, error) {
	return s.scanGroup(ctx, nil, identifier, opts)
}

func (s *Service) scanGroup(ctx context.Context, jobID *uuid.UUID, identifier string, opts ScanOptions) (GroupScan, error) {
	s.events.Publish(events.Event{Type: events.TypeScanStarted, JobID: jobID, Group: identifier})

	group, _, err := s.delegator.ResolveGroup(ctx, identifier)
	if err != nil {
		if errors.Is(err, telegram.ErrNotFound) && ctx.Err() == nil {
			s.log.Group(identifier).Info().Msg("scanner: group not found, nothing to scan")
			out := GroupScan{ScanResult: models.ScanResult{Success: true, Complete: true}}
			s.events.Publish(events.Event{Type: events.TypeScanCompleted, JobID: jobID, Group: identifier, Complete: true})
			return out, nil
		}
		return s.fail(jobID, identifier, GroupScan{ScanResult: models.ScanResult{Err: err}}, fmt.Errorf("resolve %s: %w", identifier, err))
	}

	if s.opts.BotMaxMembers > 0 && group.ParticipantsCount > s.opts.BotMaxMembers {
		opts.SkipBot = true
	}

	res := s.delegator.Scan(ctx, group.Ref(), opts)
	out := GroupScan{ScanResult: res, Group: group}
	if !res.Success {
		return s.fail(jobID, identifier, out, res.Err)
	}

	saved, err := s.sink.SaveScan(ctx, *group, res.Users)
	if err != nil {
		out.Success = false
		out.Err = err
		return s.fail(jobID, identifier, out, fmt.Errorf("save %s: %w", identifier, err))
	}
	out.Saved = saved

	s.log.Info().
		Str("group", identifier).
		Str("executor", string(res.Executor)).
		Int("users", len(res.Users)).
		Bool("complete", res.Complete).
		Msg("scanner: group scanned")

	s.events.Publish(events.Event{
		Type:     events.TypeScanCompleted,
		JobID:    jobID,
		Group:    identifier,
		Executor: res.Executor,
		Count:    saved,
		Complete: res.Complete,
	})
	return out, nil
}

func (s *Service) fail(jobID *uuid.UUID, identifier string, out GroupScan, err error) (GroupScan, error) {
	s.log.Group(identifier).Error().Err(err).Msg("scanner: scan failed")
	s.events.Publish(events.Event{
		Type:     events.TypeScanFailed,
		JobID:    jobID,
		Group:    identifier,
		Executor: out.Executor,
		Error:    err.Error(),
	})
	return out, err
}

// BatchOptions controls ScanBatch.
type BatchOptions struct {
	JobID   *uuid.UUID
	Limit   int
	Control *telegram.ScanControl
	// Progress is called after every group.
	Progress func(GroupScan, error)
}

// ScanBatch scans identifiers in order, pausing a random delay between
// groups. A failed group does not end the batch. The bot serves at most
// BotMaxGroups groups; the rest go to the account.
func (s *Service) ScanBatch(ctx context.Context, identifiers []string, opts BatchOptions) ([]GroupScan, error) {
	results := make([]GroupScan, 0, len(identifiers))
	botServed := 0

	for i, identifier := range identifiers {
		if err := opts.Control.Checkpoint(ctx, s.opts.PollInterval); err != nil {
			return results, err
		}
		if i > 0 {
			if err := s.opts.Sleep(ctx, s.pause()); err != nil {
				return results, err
			}
		}

		scanOpts := ScanOptions{
			Limit:   opts.Limit,
			Control: opts.Control,
			SkipBot: s.opts.BotMaxGroups > 0 && botServed >= s.opts.BotMaxGroups,
		}
		res, err := s.scanGroup(ctx, opts.JobID, identifier, scanOpts)
		if res.Executor == models.ExecutorBot && res.Success {
			botServed++
		}
		results = append(results, res)
		if opts.Progress != nil {
			opts.Progress(res, err)
		}

		if errors.Is(res.Err, telegram.ErrStopped) {
			return results, telegram.ErrStopped
		}
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
	}
	return results, nil
}

// pause returns a uniform delay in [DelayMin, DelayMax].
func (s *Service) pause() time.Duration {
	span := s.opts.DelayMax - s.opts.DelayMin
	return s.opts.DelayMin + time.Duration(s.opts.Rand()*float64(span))
}

// SearchGroups runs a keyword search on the account and stores every hit.
func (s *Service) SearchGroups(ctx context.Context, opts telegram.SearchOptions, ctl *telegram.ScanControl) ([]models.Group, error) {
	if s.searcher == nil {
		return nil, ErrNoSession
	}
	groups, err := s.searcher.SearchGroups(ctx, opts, ctl)
	for i := range groups {
		if uerr := s.sink.UpsertGroup(ctx, &groups[i]); uerr != nil {
			s.log.Warn().Err(uerr).Int64("group_id", groups[i].ID).Msg("scanner: failed to store search hit")
		}
	}
	if err != nil && !errors.Is(err, telegram.ErrStopped) {
		return groups, err
	}

	s.log.Info().Strs("keywords", opts.Keywords).Int("found", len(groups)).Msg("scanner: search completed")
	s.events.Publish(events.Event{Type: events.TypeSearchCompleted, Count: len(groups), Complete: err == nil})
	return groups, err
}

// SearchAndScan searches, then scans every hit as one batch.
func (s *Service) SearchAndScan(ctx context.Context, search telegram.SearchOptions, batch BatchOptions) ([]GroupScan, error) {
	groups, err := s.SearchGroups(ctx, search, batch.Control)
	if err != nil {
		return nil, err
	}
	return s.ScanBatch(ctx, Identifiers(groups), batch)
}

// Join joins a channel with the account and records it.
func (s *Service) Join(ctx context.Context, identifier string) (*models.Group, error) {
	return s.membership(ctx, identifier, true)
}

// Leave leaves a channel with the account.
func (s *Service) Leave(ctx context.Context, identifier string) (*models.Group, error) {
	return s.membership(ctx, identifier, false)
}

func (s *Service) membership(ctx context.Context, identifier string, join bool) (*models.Group, error) {
	if s.searcher == nil {
		return nil, ErrNoSession
	}

	op, typ := s.searcher.LeaveChannel, events.TypeGroupLeft
	if join {
		op, typ = s.searcher.JoinChannel, events.TypeGroupJoined
	}

	g, err := op(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if join {
		if err := s.sink.UpsertGroup(ctx, g); err != nil {
			s.log.Group(identifier).Warn().Err(err).Msg("scanner: failed to store joined group")
		}
	}
	s.events.Publish(events.Event{Type: typ, Group: identifier, Executor: models.ExecutorAccount})
	return g, nil
}

// Identifiers turns groups into identifiers a session can resolve.
func Identifiers(groups []models.Group) []string {
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		if g.Username != "" {
			out = append(out, "@"+g.Username)
			continue
		}
		out = append(out, strconv.FormatInt(g.ID, 10))
	}
	return out
}
