package telegram

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/celestix/gotgproto/storage"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"gorm.io/gorm"
)

// ErrBotLogin is returned when an interactive login is attempted for a bot.
// Bots authorize with their token on Init.
var ErrBotLogin = errors.New("bots log in by token, not interactively")

// LoginClient is a raw gotd client used for phone and QR logins. The
// session it negotiates is captured in memory and copied into the manager's
// database once the login succeeds.
type LoginClient struct {
	Client     *telegram.Client
	Dispatcher tg.UpdateDispatcher
	Storage    *session.StorageMemory
}

// LoginClientFactory creates login clients. Tests replace it.
type LoginClientFactory func(creds Credentials) (*LoginClient, error)

// NewLoginClient builds a login client for an account credential. Unlike
// gotgproto's NewClient it never prompts on the terminal.
func NewLoginClient(creds Credentials) (*LoginClient, error) {
	if creds.Kind == KindBot {
		return nil, ErrBotLogin
	}
	if creds.APIID == 0 || creds.APIHash == "" {
		return nil, errors.New("api_id and api_hash are required")
	}

	mem := &session.StorageMemory{}
	dispatcher := tg.NewUpdateDispatcher()

	client := telegram.NewClient(creds.APIID, creds.APIHash, telegram.Options{
		SessionStorage: mem,
		UpdateHandler:  &dispatcher,
	})

	return &LoginClient{
		Client:     client,
		Dispatcher: dispatcher,
		Storage:    mem,
	}, nil
}

// sessionEnvelope is the JSON layout gotgproto's sql loader reads from
// storage.Session.Data.
type sessionEnvelope struct {
	Version int
	Data    session.Data
}

// EncodeSession turns login output into the row gotgproto persists.
func EncodeSession(data *session.Data) (*storage.Session, error) {
	if data == nil {
		return nil, errors.New("session data is nil")
	}
	if len(data.AuthKey) == 0 {
		return nil, errors.New("session has no auth key")
	}

	raw, err := json.Marshal(sessionEnvelope{Version: storage.LatestVersion, Data: *data})
	if err != nil {
		return nil, fmt.Errorf("marshal session data: %w", err)
	}

	return &storage.Session{
		Version: storage.LatestVersion,
		Data:    raw,
	}, nil
}

// DecodeSession reverses EncodeSession.
func DecodeSession(row *storage.Session) (*session.Data, error) {
	if row == nil || len(row.Data) == 0 {
		return nil, errors.New("empty session row")
	}
	var env sessionEnvelope
	if err := json.Unmarshal(row.Data, &env); err != nil {
		return nil, fmt.Errorf("decode session row: %w", err)
	}
	return &env.Data, nil
}

// StoredSession reads the session saved in db. It returns nil, nil when the
// table is missing or holds no usable auth key, which means a login is
// needed.
func StoredSession(db *gorm.DB) (*session.Data, error) {
	if !db.Migrator().HasTable(&storage.Session{}) {
		return nil, nil
	}

	var row storage.Session
	err := db.Where("version = ?", storage.LatestVersion).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session row: %w", err)
	}

	data, err := DecodeSession(&row)
	if err != nil {
		return nil, err
	}
	if len(data.AuthKey) == 0 {
		return nil, nil
	}
	return data, nil
}

func saveSession(db *gorm.DB, data *session.Data) error {
	row, err := EncodeSession(data)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(row); err != nil {
		return fmt.Errorf("migrate sessions table: %w", err)
	}
	// Version is the primary key, so Save upserts the single row.
	return db.Save(row).Error
}
