package telegram

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/DelmMV/telegram-ballot-guard/internal/domain"
	"github.com/DelmMV/telegram-ballot-guard/internal/infra/metrics"
)

// lookupAttempts ограничивает повторы запросов к Bot API.
const lookupAttempts = 3

// retryDelay — пауза между повторами.
const retryDelay = 500 * time.Millisecond

// Client оборачивает Bot API для нужд реестра: поиск участника чата и
// остановка опроса.
type Client struct {
	bot *tgbotapi.BotAPI
	log zerolog.Logger
}

// NewClient создаёт обёртку.
func NewClient(bot *tgbotapi.BotAPI, log zerolog.Logger) *Client {
	return &Client{bot: bot, log: log}
}

var _ domain.MemberLookup = (*Client)(nil)
var _ domain.PollStopper = (*Client)(nil)

// Lookup ищет участника чата. Результат нужен только для отображения,
// поэтому после lookupAttempts неудач возвращается последняя ошибка,
// а не бесконечный повтор.
func (c *Client) Lookup(ctx context.Context, chatID, userID int64) (domain.MemberInfo, error) {
	var lastErr error
	for attempt := 0; attempt < lookupAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.MemberInfo{}, err
		}
		start := time.Now()
		member, err := c.bot.GetChatMember(tgbotapi.GetChatMemberConfig{
			ChatConfigWithUser: tgbotapi.ChatConfigWithUser{ChatID: chatID, UserID: userID},
		})
		metrics.ObserveNetworkRequest("telegram", "get_chat_member", "bot_api", start, err)
		if err == nil {
			if member.User == nil {
				return domain.MemberInfo{}, fmt.Errorf("участник %d без профиля", userID)
			}
			return domain.MemberInfo{
				Username:  member.User.UserName,
				FirstName: member.User.FirstName,
				LastName:  member.User.LastName,
			}, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return domain.MemberInfo{}, ctx.Err()
		case <-time.After(retryDelay):
		}
	}
	return domain.MemberInfo{}, fmt.Errorf("поиск участника %d: %w", userID, lastErr)
}

// StopPoll останавливает опрос на платформе.
func (c *Client) StopPoll(ctx context.Context, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	_, err := c.bot.StopPoll(tgbotapi.NewStopPoll(chatID, messageID))
	metrics.ObserveNetworkRequest("telegram", "stop_poll", "bot_api", start, err)
	if err != nil {
		return fmt.Errorf("остановка опроса: %w", err)
	}
	return nil
}
