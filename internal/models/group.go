package models

import (
	"strconv"
	"time"
)

// GroupType filters search results.
type GroupType string

const (
	GroupTypeAll       GroupType = "all"
	GroupTypeMegagroup GroupType = "megagroup"
	GroupTypeBroadcast GroupType = "broadcast"
)

// Group is a channel or supergroup.
type Group struct {
	ID                int64     `json:"id" db:"id" gorm:"primaryKey;autoIncrement:false"`
	Title             string    `json:"title" db:"title"`
	Username          string    `json:"username" db:"username"`
	ParticipantsCount int       `json:"participants_count" db:"participants_count"`
	LastUpdated       time.Time `json:"last_updated" db:"last_updated"`

	// not persisted
	Megagroup bool `json:"megagroup" gorm:"-"`
	Broadcast bool `json:"broadcast" gorm:"-"`
}

func (Group) TableName() string { return "groups" }

// Ref returns the identifying part of the group.
func (g Group) Ref() GroupRef {
	return GroupRef{ID: g.ID, Username: g.Username}
}

// Matches reports whether the group passes the type filter.
func (g Group) Matches(t GroupType) bool {
	switch t {
	case GroupTypeMegagroup:
		return g.Megagroup
	case GroupTypeBroadcast:
		return g.Broadcast
	default:
		return true
	}
}

// GroupRef identifies a group independently of any session. Access hashes
// differ per session, so each session resolves the ref on its own.
type GroupRef struct {
	ID       int64  `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
}

// String returns the handle when known, the numeric id otherwise.
func (r GroupRef) String() string {
	if r.Username != "" {
		return "@" + r.Username
	}
	return strconv.FormatInt(r.ID, 10)
}
