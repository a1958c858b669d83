// Package botcheck verifies a bot token through the Bot API and reports
// which groups the bot can serve before a scan is attempted.
package botcheck

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/blockedby/groupscan/internal/logger"
)

// API is the subset of *tgbotapi.BotAPI used here.
type API interface {
	GetMe() (tgbotapi.User, error)
	GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error)
	GetChatMembersCount(config tgbotapi.ChatMemberCountConfig) (int, error)
}

// Route says which session a scan of the group would start with.
type Route string

const (
	RouteBot     Route = "bot"
	RouteAccount Route = "account"
)

// GroupReport is the bot's view of one group.
type GroupReport struct {
	Identifier string `json:"identifier"`
	ChatID     int64  `json:"chat_id,omitempty"`
	Title      string `json:"title,omitempty"`
	Members    int    `json:"members"`
	Visible    bool   `json:"visible"`
	Route      Route  `json:"route"`
	Error      string `json:"error,omitempty"`
}

// Checker wraps a Bot API client.
type Checker struct {
	api        API
	maxMembers int
	log        *logger.Logger
}

// New creates a checker. Groups with more than maxMembers members are
// routed to the account; zero disables the limit.
func New(api API, maxMembers int, log *logger.Logger) *Checker {
	if log == nil {
		log = logger.Get()
	}
	return &Checker{api: api, maxMembers: maxMembers, log: log.Component("botcheck")}
}

// Dial connects with token and returns the bot's username.
func Dial(token string, maxMembers int, log *logger.Logger) (*Checker, string, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, "", fmt.Errorf("authorize bot: %w", err)
	}
	return New(api, maxMembers, log), api.Self.UserName, nil
}

// Me returns the bot's username.
func (c *Checker) Me() (string, error) {
	u, err := c.api.GetMe()
	if err != nil {
		return "", fmt.Errorf("get me: %w", err)
	}
	if !u.IsBot {
		return "", errors.New("token does not belong to a bot")
	}
	return u.UserName, nil
}

// Check inspects every identifier. A group the bot cannot see is reported,
// not returned as an error.
func (c *Checker) Check(ctx context.Context, identifiers []string) ([]GroupReport, error) {
	out := make([]GroupReport, 0, len(identifiers))
	for _, id := range identifiers {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out = append(out, c.checkOne(id))
	}
	return out, nil
}

func (c *Checker) checkOne(identifier string) GroupReport {
	rep := GroupReport{Identifier: identifier, Route: RouteAccount}

	chatCfg, err := ChatConfig(identifier)
	if err != nil {
		rep.Error = err.Error()
		return rep
	}

	chat, err := c.api.GetChat(tgbotapi.ChatInfoConfig{ChatConfig: chatCfg})
	if err != nil {
		rep.Error = err.Error()
		c.log.Debug().Err(err).Str("group", identifier).Msg("botcheck: group not visible")
		return rep
	}
	rep.Visible = true
	rep.ChatID = chat.ID
	rep.Title = chat.Title

	count, err := c.api.GetChatMembersCount(tgbotapi.ChatMemberCountConfig{ChatConfig: chatCfg})
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	rep.Members = count

	if c.maxMembers <= 0 || count <= c.maxMembers {
		rep.Route = RouteBot
	}
	return rep
}

// ChatConfig turns @name, t.me links and numeric ids into a Bot API chat
// reference.
func ChatConfig(identifier string) (tgbotapi.ChatConfig, error) {
	s := strings.TrimSpace(identifier)
	for _, prefix := range []string{"https://", "http://"} {
		s = strings.TrimPrefix(s, prefix)
	}
	for _, prefix := range []string{"t.me/", "telegram.me/"} {
		s = strings.TrimPrefix(s, prefix)
	}
	s = strings.TrimPrefix(s, "@")
	s = strings.TrimSuffix(s, "/")

	if s == "" {
		return tgbotapi.ChatConfig{}, errors.New("empty group identifier")
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return tgbotapi.ChatConfig{ChatID: id}, nil
	}
	if strings.ContainsAny(s, "/+ ") {
		return tgbotapi.ChatConfig{}, fmt.Errorf("unsupported group identifier %q", identifier)
	}
	return tgbotapi.ChatConfig{SuperGroupUsername: "@" + s}, nil
}
