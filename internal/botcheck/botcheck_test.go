package botcheck

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/groupscan/internal/logger"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) GetMe() (tgbotapi.User, error) {
	args := m.Called()
	return args.Get(0).(tgbotapi.User), args.Error(1)
}

func (m *mockAPI) GetChat(config tgbotapi.ChatInfoConfig) (tgbotapi.Chat, error) {
	args := m.Called(config.ChatConfig)
	return args.Get(0).(tgbotapi.Chat), args.Error(1)
}

func (m *mockAPI) GetChatMembersCount(config tgbotapi.ChatMemberCountConfig) (int, error) {
	args := m.Called(config.ChatConfig)
	return args.Int(0), args.Error(1)
}

func TestChatConfig(t *testing.T) {
	tests := []struct {
		in      string
		want    tgbotapi.ChatConfig
		wantErr bool
	}{
		{"@golang", tgbotapi.ChatConfig{SuperGroupUsername: "@golang"}, false},
		{"golang", tgbotapi.ChatConfig{SuperGroupUsername: "@golang"}, false},
		{"https://t.me/golang/", tgbotapi.ChatConfig{SuperGroupUsername: "@golang"}, false},
		{"-1001234", tgbotapi.ChatConfig{ChatID: -1001234}, false},
		{"t.me/+AbCdEf", tgbotapi.ChatConfig{}, true},
		{"  ", tgbotapi.ChatConfig{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ChatConfig(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChecker_Me(t *testing.T) {
	api := new(mockAPI)
	api.On("GetMe").Return(tgbotapi.User{UserName: "scan_bot", IsBot: true}, nil).Once()
	api.On("GetMe").Return(tgbotapi.User{UserName: "someone"}, nil).Once()

	c := New(api, 0, logger.Nop())

	name, err := c.Me()
	require.NoError(t, err)
	assert.Equal(t, "scan_bot", name)

	_, err = c.Me()
	assert.Error(t, err)
}

func TestChecker_Check(t *testing.T) {
	api := new(mockAPI)
	small := tgbotapi.ChatConfig{SuperGroupUsername: "@small"}
	big := tgbotapi.ChatConfig{SuperGroupUsername: "@big"}
	hidden := tgbotapi.ChatConfig{SuperGroupUsername: "@hidden"}

	api.On("GetChat", small).Return(tgbotapi.Chat{ID: -1001, Title: "Small"}, nil)
	api.On("GetChatMembersCount", small).Return(40, nil)
	api.On("GetChat", big).Return(tgbotapi.Chat{ID: -1002, Title: "Big"}, nil)
	api.On("GetChatMembersCount", big).Return(5000, nil)
	api.On("GetChat", hidden).Return(tgbotapi.Chat{}, errors.New("Bad Request: chat not found"))

	c := New(api, 100, logger.Nop())
	reports, err := c.Check(context.Background(), []string{"@small", "@big", "@hidden", ""})
	require.NoError(t, err)
	require.Len(t, reports, 4)

	assert.Equal(t, GroupReport{Identifier: "@small", ChatID: -1001, Title: "Small", Members: 40, Visible: true, Route: RouteBot}, reports[0])
	assert.Equal(t, RouteAccount, reports[1].Route)
	assert.Equal(t, 5000, reports[1].Members)
	assert.False(t, reports[2].Visible)
	assert.Equal(t, RouteAccount, reports[2].Route)
	assert.Contains(t, reports[2].Error, "chat not found")
	assert.NotEmpty(t, reports[3].Error)

	api.AssertExpectations(t)
}

func TestChecker_Check_NoLimit(t *testing.T) {
	api := new(mockAPI)
	cfg := tgbotapi.ChatConfig{ChatID: -1005}
	api.On("GetChat", cfg).Return(tgbotapi.Chat{ID: -1005}, nil)
	api.On("GetChatMembersCount", cfg).Return(100000, nil)

	reports, err := New(api, 0, logger.Nop()).Check(context.Background(), []string{"-1005"})
	require.NoError(t, err)
	assert.Equal(t, RouteBot, reports[0].Route)
}

func TestChecker_Check_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reports, err := New(new(mockAPI), 0, logger.Nop()).Check(ctx, []string{"@a"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, reports)
}
