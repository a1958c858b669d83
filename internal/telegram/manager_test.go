package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/celestix/gotgproto"
	"github.com/glebarez/sqlite"
	"github.com/gotd/td/session"
	"github.com/gotd/td/tgerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testCreds = Credentials{Kind: KindAccount, APIID: 12345, APIHash: "test_hash"}

func newSessionsDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Exec("CREATE TABLE sessions (version integer primary key, data blob)").Error)
	return db
}

func storeSession(t *testing.T, db *gorm.DB) {
	t.Helper()
	require.NoError(t, saveSession(db, &session.Data{DC: 2, Addr: "1.2.3.4:443", AuthKey: []byte("test-key-32-bytes-long-abc-12345")}))
}

func fakeClientFactory(context.Context, Credentials, *gorm.DB) (*gotgproto.Client, error) {
	return &gotgproto.Client{}, nil
}

func TestManager_StartQR_UsesLoginFactory(t *testing.T) {
	m := NewManager(testCreds, newSessionsDB(t))

	mockErr := errors.New("mock factory called")
	qrCalled := false
	m.SetLoginClientFactory(func(creds Credentials) (*LoginClient, error) {
		qrCalled = true
		assert.Equal(t, testCreds, creds)
		return nil, mockErr
	})

	regularCalled := false
	m.SetClientFactory(func(ctx context.Context, creds Credentials, db *gorm.DB) (*gotgproto.Client, error) {
		regularCalled = true
		return nil, errors.New("regular factory called")
	})

	var receivedURL string
	err := m.StartQR(context.Background(), func(url string) { receivedURL = url })

	assert.True(t, qrCalled, "StartQR should call the login factory")
	assert.False(t, regularCalled, "StartQR should not call the regular ClientFactory")
	assert.ErrorIs(t, err, mockErr)
	assert.Empty(t, receivedURL, "URL should be empty if factory fails")
	assert.False(t, m.IsQRInProgress(), "flow state is cleared on exit")
}

func TestManager_LoginPhone_RequiresPhone(t *testing.T) {
	m := NewManager(testCreds, newSessionsDB(t))

	err := m.LoginPhone(context.Background(), "", "", func(context.Context) (string, error) { return "", nil })
	assert.Error(t, err)
}

func TestManager_Init_EmptyDBIsUnauthorized(t *testing.T) {
	m := NewManager(testCreds, newSessionsDB(t))

	called := false
	m.SetClientFactory(func(ctx context.Context, creds Credentials, db *gorm.DB) (*gotgproto.Client, error) {
		called = true
		return &gotgproto.Client{}, nil
	})

	require.NoError(t, m.Init(context.Background()))
	assert.Equal(t, StatusUnauthorized, m.GetStatus())
	assert.False(t, called, "no session means no connection attempt")

	_, err := m.API()
	assert.ErrorIs(t, err, ErrAuthRequired)
}

func TestManager_Init_StoredSessionIsReady(t *testing.T) {
	db := newSessionsDB(t)
	storeSession(t, db)

	m := NewManager(testCreds, db)
	m.SetClientFactory(func(ctx context.Context, creds Credentials, db *gorm.DB) (*gotgproto.Client, error) {
		return &gotgproto.Client{}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, m.Init(ctx))
	assert.Equal(t, StatusReady, m.GetStatus())
	assert.NotNil(t, m.GetClient())
}

func TestManager_Init_FactoryError_Unauthorized(t *testing.T) {
	db := newSessionsDB(t)
	storeSession(t, db)

	m := NewManager(testCreds, db)
	m.SetClientFactory(func(ctx context.Context, creds Credentials, db *gorm.DB) (*gotgproto.Client, error) {
		return nil, errors.New("factory failure")
	})

	err := m.Init(context.Background())

	assert.NoError(t, err, "Init should not return error even if factory fails")
	assert.Equal(t, StatusUnauthorized, m.GetStatus())
}

func TestManager_Init_RowWithoutAuthKeyIsUnauthorized(t *testing.T) {
	db := newSessionsDB(t)
	require.NoError(t, db.Exec("INSERT INTO sessions (version, data) VALUES (1, ?)", []byte(`{"Version":1,"Data":{"DC":2}}`)).Error)

	m := NewManager(testCreds, db)
	called := false
	m.SetClientFactory(func(ctx context.Context, creds Credentials, db *gorm.DB) (*gotgproto.Client, error) {
		called = true
		return &gotgproto.Client{}, nil
	})

	require.NoError(t, m.Init(context.Background()))
	assert.Equal(t, StatusUnauthorized, m.GetStatus())
	assert.False(t, called)
}

func TestManager_BotRejectsInteractiveLogin(t *testing.T) {
	m := NewManager(Credentials{Kind: KindBot, APIID: 1, APIHash: "h", BotToken: "1:x"}, newSessionsDB(t))

	assert.ErrorIs(t, m.StartQR(context.Background(), func(string) {}), ErrBotLogin)
	assert.ErrorIs(t, m.LoginPhone(context.Background(), "+1", "", nil), ErrBotLogin)
}

func TestManager_InitBot(t *testing.T) {
	botCreds := Credentials{Kind: KindBot, APIID: 1, APIHash: "h", BotToken: "123456789:abc"}

	t.Run("ready", func(t *testing.T) {
		m := NewManager(botCreds, newSessionsDB(t))
		var got Credentials
		m.SetClientFactory(func(ctx context.Context, creds Credentials, db *gorm.DB) (*gotgproto.Client, error) {
			got = creds
			return &gotgproto.Client{}, nil
		})

		require.NoError(t, m.Init(context.Background()))
		assert.Equal(t, StatusReady, m.GetStatus())
		assert.Equal(t, KindBot, got.Kind)
		assert.Equal(t, KindBot, m.Kind())
	})

	t.Run("token rejected", func(t *testing.T) {
		m := NewManager(botCreds, newSessionsDB(t))
		m.SetClientFactory(func(ctx context.Context, creds Credentials, db *gorm.DB) (*gotgproto.Client, error) {
			return nil, tgerr.New(401, "AUTH_KEY_UNREGISTERED")
		})

		require.NoError(t, m.Init(context.Background()))
		assert.Equal(t, StatusUnauthorized, m.GetStatus())
	})

	t.Run("network failure", func(t *testing.T) {
		m := NewManager(botCreds, newSessionsDB(t))
		m.SetClientFactory(func(ctx context.Context, creds Credentials, db *gorm.DB) (*gotgproto.Client, error) {
			return nil, errors.New("dial failed")
		})

		assert.Error(t, m.Init(context.Background()))
		assert.Equal(t, StatusError, m.GetStatus())
	})

	t.Run("no token", func(t *testing.T) {
		m := NewManager(Credentials{Kind: KindBot}, newSessionsDB(t))
		require.NoError(t, m.Init(context.Background()))
		assert.Equal(t, StatusUnauthorized, m.GetStatus())
	})
}

func TestManager_ImportSession_PersistsAndInits(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	m := NewManager(testCreds, db)
	m.SetClientFactory(func(ctx context.Context, creds Credentials, db *gorm.DB) (*gotgproto.Client, error) {
		return &gotgproto.Client{}, nil
	})

	data := &session.Data{DC: 2, Addr: "1.2.3.4:443", AuthKey: []byte("test-key-32-bytes-long-abc-12345")}
	require.NoError(t, m.ImportSession(context.Background(), data))

	var count int64
	require.NoError(t, db.Table("sessions").Count(&count).Error)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, StatusReady, m.GetStatus())

	// A second import overwrites the single row.
	require.NoError(t, m.ImportSession(context.Background(), data))
	require.NoError(t, db.Table("sessions").Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestManager_ImportSession_Nil(t *testing.T) {
	m := NewManager(testCreds, newSessionsDB(t))
	assert.Error(t, m.ImportSession(context.Background(), nil))
}

func TestManager_GetStatus_Concurrent(t *testing.T) {
	m := NewManager(testCreds, newSessionsDB(t))

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			m.GetStatus()
		}()
	}

	close(start)
	wg.Wait()
}

func TestManager_Stop_Graceful(t *testing.T) {
	m := NewManager(testCreds, newSessionsDB(t))

	assert.NotPanics(t, func() {
		m.Stop()
		m.Stop()
	})
	assert.Equal(t, StatusDisconnected, m.GetStatus())
	assert.Nil(t, m.Self())
}
