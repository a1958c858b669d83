package telegram

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gotd/td/tg"

	"github.com/blockedby/groupscan/internal/models"
)

const botAPIChannelShift = 1_000_000_000_000

// normalizeIdentifier accepts @name, name, t.me/name, https://t.me/name or a
// numeric id and returns either a bare username or the id.
func normalizeIdentifier(identifier string) (string, int64, error) {
	s := strings.TrimSpace(identifier)
	for _, prefix := range []string{"https://", "http://"} {
		s = strings.TrimPrefix(s, prefix)
	}
	for _, prefix := range []string{"www.", "t.me/", "telegram.me/", "@"} {
		s = strings.TrimPrefix(s, prefix)
	}
	// t.me/name/123 links point at a message inside the chat
	if i := strings.IndexAny(s, "/?"); i >= 0 {
		s = s[:i]
	}

	if s == "" {
		return "", 0, fmt.Errorf("%w: empty identifier %q", ErrNotFound, identifier)
	}
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		// Bot API style channel ids carry a -100 prefix.
		if id < -botAPIChannelShift {
			id = -id - botAPIChannelShift
		}
		return "", id, nil
	}
	return s, 0, nil
}

func userFromTG(u *tg.User) models.User {
	out := models.User{
		ID:        u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Username:  u.Username,
		IsBot:     u.Bot,
	}
	if u.Phone != "" {
		phone := u.Phone
		out.Phone = &phone
	}
	return out
}

func groupFromChannel(ch *tg.Channel) models.Group {
	count, _ := ch.GetParticipantsCount()
	return models.Group{
		ID:                ch.ID,
		Title:             ch.Title,
		Username:          ch.Username,
		ParticipantsCount: count,
		Megagroup:         ch.Megagroup,
		Broadcast:         ch.Broadcast,
	}
}

func groupFromChat(c *tg.Chat) models.Group {
	return models.Group{
		ID:                c.ID,
		Title:             c.Title,
		ParticipantsCount: c.ParticipantsCount,
	}
}

func findChannel(chats []tg.ChatClass, id int64) *tg.Channel {
	for _, c := range chats {
		if ch, ok := c.(*tg.Channel); ok && ch.ID == id {
			return ch
		}
	}
	return nil
}

func findChat(chats []tg.ChatClass, id int64) *tg.Chat {
	for _, c := range chats {
		if chat, ok := c.(*tg.Chat); ok && chat.ID == id {
			return chat
		}
	}
	return nil
}

func findUser(users []tg.UserClass, id int64) *tg.User {
	for _, u := range users {
		if user, ok := u.(*tg.User); ok && user.ID == id {
			return user
		}
	}
	return nil
}
