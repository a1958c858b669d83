// Package models defines shared data types for the application.
package models

import "time"

// User is a platform account observed as a group participant.
type User struct {
	ID          int64     `json:"id" db:"id" gorm:"primaryKey;autoIncrement:false"`
	FirstName   string    `json:"first_name" db:"first_name"`
	LastName    string    `json:"last_name" db:"last_name"`
	Username    string    `json:"username" db:"username"`
	Phone       *string   `json:"phone,omitempty" db:"phone"`
	IsBot       bool      `json:"is_bot" db:"is_bot"`
	LastUpdated time.Time `json:"last_updated" db:"last_updated"`
}

// TableName pins the gorm table name.
func (User) TableName() string { return "users" }

// Membership records a user seen as a participant of a group. User fields are
// denormalized so a group's member list reads from one table.
type Membership struct {
	UserID      int64     `json:"user_id" db:"user_id" gorm:"primaryKey;autoIncrement:false"`
	GroupID     int64     `json:"group_id" db:"group_id" gorm:"primaryKey;autoIncrement:false"`
	FirstName   string    `json:"first_name" db:"first_name"`
	LastName    string    `json:"last_name" db:"last_name"`
	Username    string    `json:"username" db:"username"`
	Phone       *string   `json:"phone,omitempty" db:"phone"`
	IsBot       bool      `json:"is_bot" db:"is_bot"`
	LastUpdated time.Time `json:"last_updated" db:"last_updated"`
}

func (Membership) TableName() string { return "participants" }

// NewMembership copies the user's fields onto a membership row.
func NewMembership(u User, groupID int64, at time.Time) Membership {
	return Membership{
		UserID:      u.ID,
		GroupID:     groupID,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		Username:    u.Username,
		Phone:       u.Phone,
		IsBot:       u.IsBot,
		LastUpdated: at,
	}
}
