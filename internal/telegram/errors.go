package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/gotd/td/tgerr"
)

// Errors surfaced by sessions. Raw platform errors are mapped onto these by
// Classify and stay reachable through errors.Unwrap.
var (
	ErrAuthRequired     = errors.New("authorization required")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("entity not found")
	ErrTransient        = errors.New("transient network error")
	ErrStopped          = errors.New("scan stopped")
)

// RateLimitedError carries the wait mandated by a FLOOD_WAIT response.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// RetryAfter returns the mandated wait if err is a rate limit.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

var (
	authTypes = []string{
		"AUTH_KEY_UNREGISTERED", "AUTH_KEY_INVALID", "SESSION_REVOKED",
		"SESSION_EXPIRED", "USER_DEACTIVATED", "USER_DEACTIVATED_BAN",
	}
	permissionTypes = []string{
		"CHAT_ADMIN_REQUIRED", "CHANNEL_PRIVATE", "CHAT_FORBIDDEN",
		"BOT_METHOD_INVALID", "USER_BANNED_IN_CHANNEL", "CHANNEL_PUBLIC_GROUP_NA",
	}
	notFoundTypes = []string{
		"USERNAME_NOT_OCCUPIED", "USERNAME_INVALID", "CHANNEL_INVALID",
		"PEER_ID_INVALID", "CHAT_ID_INVALID",
	}
)

// Classify maps a raw error onto the session taxonomy. Errors that already
// belong to it, nil, and context errors are returned unchanged.
func Classify(err error) error {
	if err == nil || alreadyClassified(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if d, ok := tgerr.AsFloodWait(err); ok {
		return &RateLimitedError{RetryAfter: d, Err: err}
	}
	if seconds := floodWaitSeconds(err); seconds > 0 {
		return &RateLimitedError{RetryAfter: time.Duration(seconds) * time.Second, Err: err}
	}

	switch {
	case tgerr.Is(err, authTypes...):
		return fmt.Errorf("%w: %w", ErrAuthRequired, err)
	case tgerr.Is(err, permissionTypes...):
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	case tgerr.Is(err, notFoundTypes...):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	if rpcErr, ok := tgerr.As(err); ok {
		switch {
		case rpcErr.Code == 401:
			return fmt.Errorf("%w: %w", ErrAuthRequired, err)
		case rpcErr.Code == 403:
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		case rpcErr.Code >= 500:
			return fmt.Errorf("%w: %w", ErrTransient, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	return err
}

func alreadyClassified(err error) bool {
	var rl *RateLimitedError
	return errors.As(err, &rl) ||
		errors.Is(err, ErrAuthRequired) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrStopped)
}

// floodWaitSeconds parses FLOOD_WAIT_X out of wrapped error text, for errors
// that lost their *tgerr.Error along the way.
func floodWaitSeconds(err error) int {
	str := err.Error()
	_, rest, ok := strings.Cut(str, "FLOOD_WAIT_")
	if !ok {
		return 0
	}
	var seconds int
	_, _ = fmt.Sscanf(strings.TrimSpace(rest), "%d", &seconds)
	return seconds
}
