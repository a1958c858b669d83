package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/blockedby/groupscan/internal/models"
)

// upsertBatchSize keeps a multi-row upsert under the bind parameter limit
// (65535 on postgres, 32766 on sqlite). Rows bind at most 8 values.
const upsertBatchSize = 1000

var (
	userColumns       = []string{"first_name", "last_name", "username", "phone", "is_bot", "last_updated"}
	groupColumns      = []string{"title", "username", "participants_count", "last_updated"}
	membershipColumns = []string{"first_name", "last_name", "username", "phone", "is_bot", "last_updated"}
)

// Store persists users, groups and memberships. Every write is an upsert
// keyed by primary key and stamps last_updated.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// NewStore creates a store over an open gorm connection.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock replaces the timestamp source.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// AutoMigrate creates the tables through gorm. Postgres deployments use the
// embedded migrations instead.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&models.User{}, &models.Group{}, &models.Membership{})
}

// UpsertUser inserts or refreshes one user.
func (s *Store) UpsertUser(ctx context.Context, u models.User) error {
	return s.UpsertUsers(ctx, []models.User{u})
}

// UpsertUsers inserts or refreshes users. Duplicate ids keep the last value.
func (s *Store) UpsertUsers(ctx context.Context, users []models.User) error {
	return upsertUsers(s.db.WithContext(ctx), users, s.now())
}

// UpsertGroup inserts or refreshes a group.
func (s *Store) UpsertGroup(ctx context.Context, g *models.Group) error {
	return upsertGroup(s.db.WithContext(ctx), g, s.now())
}

// UpsertMemberships inserts or refreshes (user, group) rows.
func (s *Store) UpsertMemberships(ctx context.Context, ms []models.Membership) error {
	return upsertMemberships(s.db.WithContext(ctx), ms, s.now())
}

// SaveScan writes a group, its users and their memberships in one
// transaction. It returns the number of memberships written.
func (s *Store) SaveScan(ctx context.Context, g models.Group, users []models.User) (int, error) {
	at := s.now()
	users = dedupeUsers(users)

	ms := make([]models.Membership, 0, len(users))
	for _, u := range users {
		ms = append(ms, models.NewMembership(u, g.ID, at))
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertGroup(tx, &g, at); err != nil {
			return err
		}
		if err := upsertUsers(tx, users, at); err != nil {
			return err
		}
		return upsertMemberships(tx, ms, at)
	})
	if err != nil {
		return 0, err
	}
	return len(ms), nil
}

// GetUser returns a user by id, or nil if not exists.
func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetGroup returns a group by id, or nil if not exists.
func (s *Store) GetGroup(ctx context.Context, id int64) (*models.Group, error) {
	var g models.Group
	err := s.db.WithContext(ctx).First(&g, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return &g, nil
}

// ListGroups returns groups ordered by participant count, largest first.
func (s *Store) ListGroups(ctx context.Context, limit, offset int) ([]models.Group, error) {
	var groups []models.Group
	err := s.db.WithContext(ctx).
		Order("participants_count DESC").Order("id").
		Limit(pageLimit(limit)).Offset(offset).
		Find(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return groups, nil
}

// ListMembers returns the memberships recorded for a group.
func (s *Store) ListMembers(ctx context.Context, groupID int64, limit, offset int) ([]models.Membership, error) {
	var ms []models.Membership
	err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("user_id").
		Limit(pageLimit(limit)).Offset(offset).
		Find(&ms).Error
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return ms, nil
}

// StaleGroups returns groups last updated before the cutoff, oldest first.
func (s *Store) StaleGroups(ctx context.Context, before time.Time, limit int) ([]models.Group, error) {
	var groups []models.Group
	err := s.db.WithContext(ctx).
		Where("last_updated < ?", before).
		Order("last_updated").
		Limit(pageLimit(limit)).
		Find(&groups).Error
	if err != nil {
		return nil, fmt.Errorf("list stale groups: %w", err)
	}
	return groups, nil
}

func upsertUsers(db *gorm.DB, users []models.User, at time.Time) error {
	if len(users) == 0 {
		return nil
	}
	rows := make([]models.User, len(users))
	copy(rows, users)
	rows = dedupeUsers(rows)
	for i := range rows {
		rows[i].LastUpdated = at
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(userColumns),
	}).CreateInBatches(&rows, upsertBatchSize).Error
	if err != nil {
		return fmt.Errorf("upsert users: %w", err)
	}
	return nil
}

// upsertGroup keeps the stored title and participant count when g leaves
// them empty, as a join reply without channel details does.
func upsertGroup(db *gorm.DB, g *models.Group, at time.Time) error {
	if g.Title == "" || g.ParticipantsCount == 0 {
		var prev models.Group
		err := db.Select("title", "participants_count").Take(&prev, "id = ?", g.ID).Error
		switch {
		case err == nil:
			if g.Title == "" {
				g.Title = prev.Title
			}
			if g.ParticipantsCount == 0 {
				g.ParticipantsCount = prev.ParticipantsCount
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("load group %d: %w", g.ID, err)
		}
	}
	g.LastUpdated = at
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(groupColumns),
	}).Create(g).Error
	if err != nil {
		return fmt.Errorf("upsert group %d: %w", g.ID, err)
	}
	return nil
}

func upsertMemberships(db *gorm.DB, ms []models.Membership, at time.Time) error {
	if len(ms) == 0 {
		return nil
	}

	seen := make(map[[2]int64]int, len(ms))
	rows := make([]models.Membership, 0, len(ms))
	for _, m := range ms {
		m.LastUpdated = at
		key := [2]int64{m.UserID, m.GroupID}
		if i, ok := seen[key]; ok {
			rows[i] = m
			continue
		}
		seen[key] = len(rows)
		rows = append(rows, m)
	}

	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "group_id"}},
		DoUpdates: clause.AssignmentColumns(membershipColumns),
	}).CreateInBatches(&rows, upsertBatchSize).Error
	if err != nil {
		return fmt.Errorf("upsert memberships: %w", err)
	}
	return nil
}

// pageLimit maps non-positive limits to "no limit".
func pageLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

// dedupeUsers keeps the last occurrence of every id, in first-seen order.
// Postgres rejects an upsert that touches the same row twice.
func dedupeUsers(users []models.User) []models.User {
	if len(users) < 2 {
		return users
	}
	seen := make(map[int64]int, len(users))
	out := make([]models.User, 0, len(users))
	for _, u := range users {
		if i, ok := seen[u.ID]; ok {
			out[i] = u
			continue
		}
		seen[u.ID] = len(out)
		out = append(out, u)
	}
	return out
}
