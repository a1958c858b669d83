package telegram

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/celestix/gotgproto"
	"github.com/celestix/gotgproto/sessionMaker"
	"gorm.io/gorm"

	"github.com/blockedby/groupscan/internal/config"
)

// Kind names a credential.
type Kind string

const (
	KindAccount Kind = "account"
	KindBot     Kind = "bot"
)

// Credentials identify one Telegram login.
type Credentials struct {
	Kind     Kind
	APIID    int
	APIHash  string
	Phone    string
	BotToken string
}

// AccountCredentials reads the personal account from the telegram section.
func AccountCredentials(cfg *config.Config) Credentials {
	return Credentials{
		Kind:    KindAccount,
		APIID:   int(cfg.Telegram.APIID),
		APIHash: cfg.Telegram.APIHash,
		Phone:   cfg.Telegram.PhoneNumber,
	}
}

// BotCredentials reads the bot section. ok is false when no token is set.
func BotCredentials(cfg *config.Config) (Credentials, bool) {
	if !cfg.HasBot() {
		return Credentials{}, false
	}
	id, hash := cfg.BotCredentials()
	return Credentials{
		Kind:     KindBot,
		APIID:    id,
		APIHash:  hash,
		BotToken: cfg.Bot.Token,
	}, true
}

// NewPersistentClient creates a client whose session lives in db. Account
// sessions go to the shared sessions table; bots get their own sqlite file
// opened by the caller.
func NewPersistentClient(_ context.Context, creds Credentials, db *gorm.DB) (*gotgproto.Client, error) {
	clientOpts := &gotgproto.ClientOpts{
		Session:          sessionMaker.SqlSession(db.Dialector),
		DisableCopyright: true,
		InMemory:         false,
	}

	clientType := gotgproto.ClientTypePhone(creds.Phone)
	if creds.Kind == KindBot {
		clientType = gotgproto.ClientTypeBot(creds.BotToken)
	}

	client, err := gotgproto.NewClient(creds.APIID, creds.APIHash, clientType, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram %s client: %w", creds.Kind, err)
	}
	return client, nil
}

// BotSessionPath returns sessions/bot_<last 6 digits of the bot id>.session.
func BotSessionPath(dir, token string) string {
	id, _, _ := strings.Cut(token, ":")
	if len(id) > 6 {
		id = id[len(id)-6:]
	}
	if id == "" {
		id = "unknown"
	}
	return filepath.Join(dir, "bot_"+id+".session")
}
