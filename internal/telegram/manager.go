package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/celestix/gotgproto"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"github.com/gotd/td/tg"
	"gorm.io/gorm"

	"github.com/blockedby/groupscan/internal/logger"
)

// Status represents the Telegram client status.
type Status string

// Status constants define the possible states of the Telegram client.
const (
	StatusInitializing Status = "INITIALIZING"
	StatusReady        Status = "READY"
	StatusUnauthorized Status = "UNAUTHORIZED"
	StatusError        Status = "ERROR"
	StatusDisconnected Status = "DISCONNECTED"
)

// ClientFactory is a function that creates a telegram client.
type ClientFactory func(ctx context.Context, creds Credentials, db *gorm.DB) (*gotgproto.Client, error)


// Manager handles Telegram client lifecycle and authentication for one
// credential. Account managers keep their session in the shared sessions
// table; bot managers are given a dedicated sqlite database.
type Manager struct {
	client *gotgproto.Client
	db     *gorm.DB
	creds  Credentials
	log    *logger.Logger

	status Status
	mu     sync.RWMutex

	clientFactory   ClientFactory
	loginFactory    LoginClientFactory

	// QR flow state management
	qrInProgress atomic.Bool
	qrCancel     context.CancelFunc
	qrMu         sync.Mutex
}

// NewManager creates a new Telegram Manager.
func NewManager(creds Credentials, db *gorm.DB) *Manager {
	return &Manager{
		db:              db,
		creds:           creds,
		log:             logger.Get().Component("telegram." + string(creds.Kind)),
		status:          StatusDisconnected,
		clientFactory:   NewPersistentClient,
		loginFactory:    NewLoginClient,
	}
}

// SetClientFactory allows overriding the client creation logic (e.g. for testing).
func (m *Manager) SetClientFactory(f ClientFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientFactory = f
}

// SetLoginClientFactory overrides the client used by StartQR and LoginPhone.
func (m *Manager) SetLoginClientFactory(f LoginClientFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginFactory = f
}

// Kind returns which credential the manager drives.
func (m *Manager) Kind() Kind { return m.creds.Kind }

// GetStatus returns the current Telegram client status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// GetClient returns the underlying Telegram client.
func (m *Manager) GetClient() *gotgproto.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// API returns the raw API of a ready client.
func (m *Manager) API() (API, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil || m.status != StatusReady {
		return nil, ErrAuthRequired
	}
	return m.client.API(), nil
}

// Self returns the logged-in user, or nil.
func (m *Manager) Self() *tg.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil
	}
	return m.client.Self
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
}

// Init restores the session. An account without a stored session stays
// Unauthorized until a login completes; a bot always logs in by token.
func (m *Manager) Init(ctx context.Context) error {
	m.setStatus(StatusInitializing)

	if m.creds.Kind == KindBot {
		return m.initBot(ctx)
	}

	stored, err := StoredSession(m.db)
	if err != nil {
		m.log.Warn().Err(err).Msg("telegram: failed to read stored session")
	}

	if stored == nil {
		m.log.Info().Msg("telegram: no session in database, waiting for auth")
		m.setStatus(StatusUnauthorized)
		return nil
	}

	m.mu.RLock()
	factory := m.clientFactory
	m.mu.RUnlock()

	client, err := factory(ctx, m.creds, m.db)
	if err != nil {
		m.log.Warn().Err(err).Msg("telegram: failed to initialize persistent client, switching to unauthorized mode")
		m.setStatus(StatusUnauthorized)
		return nil
	}

	m.mu.Lock()
	m.client = client
	m.status = StatusReady
	m.mu.Unlock()

	m.log.Info().Msg("telegram: client is ready")
	return nil
}

func (m *Manager) initBot(ctx context.Context) error {
	if m.creds.BotToken == "" {
		m.setStatus(StatusUnauthorized)
		return nil
	}

	m.mu.RLock()
	factory := m.clientFactory
	m.mu.RUnlock()

	client, err := factory(ctx, m.creds, m.db)
	if err != nil {
		err = Classify(err)
		if errors.Is(err, ErrAuthRequired) {
			m.log.Warn().Err(err).Msg("telegram: bot token rejected")
			m.setStatus(StatusUnauthorized)
			return nil
		}
		m.log.Error().Err(err).Msg("telegram: bot login failed")
		m.setStatus(StatusError)
		return err
	}

	m.mu.Lock()
	m.client = client
	m.status = StatusReady
	m.mu.Unlock()

	m.log.Info().Msg("telegram: bot is ready")
	return nil
}

// IsQRInProgress returns true if a QR login flow is currently in progress.
func (m *Manager) IsQRInProgress() bool {
	return m.qrInProgress.Load()
}

// StartQR starts the QR login flow.
// This function blocks until login is successful or context is canceled.
// If a QR flow is already in progress, returns an error immediately.
func (m *Manager) StartQR(ctx context.Context, onQRCode func(url string)) error {
	if m.creds.Kind == KindBot {
		return ErrBotLogin
	}
	if m.GetStatus() == StatusReady {
		return fmt.Errorf("already logged in")
	}

	m.qrMu.Lock()
	if m.qrInProgress.Load() {
		m.qrMu.Unlock()
		m.log.Info().Msg("telegram: QR flow already in progress, ignoring new request")
		return fmt.Errorf("QR login already in progress")
	}

	qrCtx, cancel := context.WithCancel(ctx)
	m.qrCancel = cancel
	m.qrInProgress.Store(true)
	m.qrMu.Unlock()

	defer func() {
		m.qrInProgress.Store(false)
		m.qrMu.Lock()
		if m.qrCancel != nil {
			m.qrCancel()
			m.qrCancel = nil
		}
		m.qrMu.Unlock()
	}()

	m.log.Info().Time("now", time.Now()).Msg("telegram: starting QR flow, creating QR client")

	m.mu.RLock()
	factory := m.loginFactory
	m.mu.RUnlock()

	bundle, err := factory(m.creds)
	if err != nil {
		return fmt.Errorf("create QR client: %w", err)
	}

	return m.authenticate(qrCtx, bundle, func(ctx context.Context) error {
		qr := bundle.Client.QR()
		loggedIn := qrlogin.OnLoginToken(&bundle.Dispatcher)

		_, err := qr.Auth(ctx, loggedIn, func(_ context.Context, token qrlogin.Token) error {
			m.log.Info().Str("url", token.URL()).Msg("telegram: QR token generated")
			onQRCode(token.URL())
			return nil
		})
		return err
	})
}

// CodePrompt asks the operator for the login code sent by Telegram.
type CodePrompt func(ctx context.Context) (string, error)

// LoginPhone runs the phone code flow. password is used only when the
// account has two-step verification enabled.
func (m *Manager) LoginPhone(ctx context.Context, phone, password string, code CodePrompt) error {
	if m.creds.Kind == KindBot {
		return ErrBotLogin
	}
	if phone == "" {
		phone = m.creds.Phone
	}
	if phone == "" {
		return fmt.Errorf("phone number is required")
	}

	m.mu.RLock()
	factory := m.loginFactory
	m.mu.RUnlock()

	bundle, err := factory(m.creds)
	if err != nil {
		return fmt.Errorf("create login client: %w", err)
	}

	codeAuth := auth.CodeAuthenticatorFunc(func(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
		return code(ctx)
	})
	flow := auth.NewFlow(auth.Constant(phone, password, codeAuth), auth.SendCodeOptions{})

	return m.authenticate(ctx, bundle, func(ctx context.Context) error {
		return bundle.Client.Auth().IfNecessary(ctx, flow)
	})
}

// authenticate runs login on a raw client, then persists the captured
// session and re-initializes the manager with it.
func (m *Manager) authenticate(ctx context.Context, bundle *LoginClient, login func(ctx context.Context) error) error {
	var authErr error
	var sessionData *session.Data

	err := bundle.Client.Run(ctx, func(ctx context.Context) error {
		if authErr = login(ctx); authErr != nil {
			return authErr
		}

		m.log.Info().Msg("telegram: auth success, capturing session")
		loader := session.Loader{Storage: bundle.Storage}
		sessionData, authErr = loader.Load(ctx)
		return authErr
	})

	if err != nil || authErr != nil {
		if errors.Is(err, context.Canceled) || errors.Is(authErr, context.Canceled) {
			return context.Canceled
		}
		return fmt.Errorf("auth flow failed: %w", errors.Join(err, authErr))
	}

	return m.ImportSession(ctx, sessionData)
}

// ImportSession stores externally obtained session data (QR, phone code, or
// a Telegram Desktop profile) and re-initializes the manager with it.
func (m *Manager) ImportSession(ctx context.Context, data *session.Data) error {
	if data == nil {
		return fmt.Errorf("session data is nil after successful auth")
	}

	m.log.Info().Msg("telegram: saving session to database")
	if err := saveSession(m.db, data); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	m.log.Info().Msg("telegram: re-initializing manager with new session")
	return m.Init(ctx)
}

// CancelQR cancels any ongoing QR login flow.
func (m *Manager) CancelQR() {
	m.qrMu.Lock()
	defer m.qrMu.Unlock()

	if m.qrCancel != nil {
		m.log.Info().Msg("telegram: canceling ongoing QR flow")
		m.qrCancel()
		m.qrCancel = nil
	}
	m.qrInProgress.Store(false)
}

// Stop stops the Telegram client. Safe to call when already stopped.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		m.client.Stop()
		m.client = nil
	}
	m.status = StatusDisconnected
}
