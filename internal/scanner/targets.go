package scanner

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/blockedby/groupscan/internal/models"
	"github.com/blockedby/groupscan/internal/telegram"
)

// validation errors
var (
	ErrInvalidLimit        = errors.New("limit must be non-negative")
	ErrInvalidGroupType    = errors.New("type must be one of all, megagroup, broadcast")
	ErrInvalidParticipants = errors.New("min_participants must not exceed max_participants")
	ErrEmptyGroup          = errors.New("group identifier must not be empty")
)

// TargetFile is a YAML list of groups to scan, optionally extended by a
// keyword search:
//
//	groups:
//	  - "@golang"
//	  - https://t.me/gophers
//	search:
//	  keywords: [golang, gopher]
//	  min_participants: 100
//	  type: megagroup
//	limit: 0
type TargetFile struct {
	Groups []string      `yaml:"groups"`
	Search *TargetSearch `yaml:"search,omitempty"`
	Limit  int           `yaml:"limit"`
}

type TargetSearch struct {
	Keywords        []string `yaml:"keywords"`
	MinParticipants int      `yaml:"min_participants"`
	MaxParticipants int      `yaml:"max_participants"`
	Type            string   `yaml:"type"`
	Limit           int      `yaml:"limit"`
}

// LoadTargets reads and validates a target file.
func LoadTargets(path string) (*TargetFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets: %w", err)
	}
	return ParseTargets(data)
}

// ParseTargets decodes and validates target YAML.
func ParseTargets(data []byte) (*TargetFile, error) {
	var f TargetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode targets: %w", err)
	}
	req := f.Request()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Request converts the file into a job request.
func (f *TargetFile) Request() JobRequest {
	req := JobRequest{Groups: f.Groups, Limit: f.Limit}
	if f.Search != nil {
		req.Search = &telegram.SearchOptions{
			Keywords:        f.Search.Keywords,
			MinParticipants: f.Search.MinParticipants,
			MaxParticipants: f.Search.MaxParticipants,
			Type:            models.GroupType(f.Search.Type),
			Limit:           f.Search.Limit,
		}
	}
	return req
}

// Validate checks a job request without touching the network. Group
// identifiers are trimmed in place.
func (r *JobRequest) Validate() error {
	if r.Limit < 0 {
		return ErrInvalidLimit
	}
	for i, g := range r.Groups {
		r.Groups[i] = strings.TrimSpace(g)
		if r.Groups[i] == "" {
			return fmt.Errorf("groups[%d]: %w", i, ErrEmptyGroup)
		}
	}
	if r.Search != nil {
		if err := ValidateSearch(r.Search); err != nil {
			return err
		}
	}
	if len(r.Groups) == 0 && (r.Search == nil || len(r.Search.Keywords) == 0) {
		return ErrEmptyJob
	}
	return nil
}

// ValidateSearch checks search filters and defaults an empty type to all.
func ValidateSearch(s *telegram.SearchOptions) error {
	switch s.Type {
	case "":
		s.Type = models.GroupTypeAll
	case models.GroupTypeAll, models.GroupTypeMegagroup, models.GroupTypeBroadcast:
	default:
		return ErrInvalidGroupType
	}
	if s.Limit < 0 || s.MinParticipants < 0 || s.MaxParticipants < 0 {
		return ErrInvalidLimit
	}
	if s.MaxParticipants > 0 && s.MinParticipants > s.MaxParticipants {
		return ErrInvalidParticipants
	}
	return nil
}
