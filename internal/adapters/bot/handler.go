package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/DelmMV/telegram-ballot-guard/internal/adapters/telegram"
	"github.com/DelmMV/telegram-ballot-guard/internal/domain"
	"github.com/DelmMV/telegram-ballot-guard/internal/usecase/polls"
)

// Handler превращает апдейты Telegram в канонические события и команды.
// Платформа присылает голоса и счётчики в разных формах; наружу из этого
// слоя выходят только domain.VoteEvent и domain.PollSnapshot.
type Handler struct {
	bot    *tgbotapi.BotAPI
	log    zerolog.Logger
	pollUC *polls.Service
}

// NewHandler создаёт обработчик.
func NewHandler(bot *tgbotapi.BotAPI, log zerolog.Logger, pollUC *polls.Service) *Handler {
	return &Handler{bot: bot, log: log, pollUC: pollUC}
}

// HandleUpdate обрабатывает входящий апдейт.
func (h *Handler) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	switch {
	case upd.PollAnswer != nil:
		h.handlePollAnswer(ctx, upd.PollAnswer)
	case upd.Poll != nil:
		h.handlePollState(ctx, upd.Poll)
	case upd.Message != nil:
		h.handleMessage(ctx, upd.Message)
	}
}

func (h *Handler) handlePollAnswer(ctx context.Context, answer *tgbotapi.PollAnswer) {
	ev := normalizeVote(answer)
	if _, err := h.pollUC.HandleVote(ctx, ev); err != nil {
		h.log.Error().Err(err).Str("poll_id", ev.PollID).Msg("не удалось применить голос")
	}
}

func (h *Handler) handlePollState(ctx context.Context, poll *tgbotapi.Poll) {
	snap := normalizeSnapshot(poll)
	if _, err := h.pollUC.HandleSnapshot(ctx, snap); err != nil {
		h.log.Error().Err(err).Str("poll_id", snap.PollID).Msg("не удалось применить счётчики")
	}
}

func (h *Handler) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Poll != nil {
		h.handleNewPoll(ctx, msg)
		return
	}

	text := strings.TrimSpace(msg.Text)
	switch {
	case strings.HasPrefix(text, "/start"), strings.HasPrefix(text, "/help"):
		h.reply(msg.Chat.ID, helpText)
	case strings.HasPrefix(text, "/track"):
		h.handleTrack(ctx, msg)
	case strings.HasPrefix(text, "/untrack"):
		h.handleUntrack(ctx, msg)
	case strings.HasPrefix(text, "/close"):
		h.handleClose(ctx, msg)
	case strings.HasPrefix(text, "/status"):
		h.handleStatus(ctx, msg)
	}
}

const helpText = `Я слежу за опросами в чате.

Ответьте командой на сообщение с опросом:
/track — включить отслеживание (в команде можно @упомянуть, кого ждём)
/untrack — выключить отслеживание
/status — кто проголосовал
/close — закрыть опрос`

// handleNewPoll регистрирует увиденный опрос и сразу прогоняет его
// стартовые счётчики через обычный путь сверки, чтобы голоса, отданные
// до нас, получили синтетические метки.
func (h *Handler) handleNewPoll(ctx context.Context, msg *tgbotapi.Message) {
	poll := domain.Poll{
		PollID:           msg.Poll.ID,
		ChatID:           msg.Chat.ID,
		MessageID:        msg.MessageID,
		Title:            msg.Poll.Question,
		IsAnonymous:      msg.Poll.IsAnonymous,
		IsMultipleChoice: msg.Poll.AllowsMultipleAnswers,
		IsClosed:         msg.Poll.IsClosed,
	}
	for _, opt := range msg.Poll.Options {
		poll.Options = append(poll.Options, domain.Option{Text: opt.Text})
	}
	if err := h.pollUC.Register(ctx, poll); err != nil {
		h.log.Error().Err(err).Str("poll_id", poll.PollID).Msg("не удалось зарегистрировать опрос")
		return
	}
	if _, err := h.pollUC.HandleSnapshot(ctx, normalizeSnapshot(msg.Poll)); err != nil {
		h.log.Error().Err(err).Str("poll_id", poll.PollID).Msg("не удалось применить стартовые счётчики")
	}
}

func (h *Handler) handleTrack(ctx context.Context, msg *tgbotapi.Message) {
	target, ok := h.repliedPoll(msg)
	if !ok {
		return
	}
	mentions := parseMentions(msg.Text, msg.Entities)
	poll, err := h.pollUC.Track(ctx, msg.Chat.ID, target.MessageID, mentions)
	if err != nil {
		if errors.Is(err, domain.ErrPollNotFound) {
			h.reply(msg.Chat.ID, "Этот опрос мне не знаком. Перешлите его заново или создайте новый.")
			return
		}
		h.log.Error().Err(err).Msg("не удалось включить отслеживание")
		h.reply(msg.Chat.ID, "Не получилось включить отслеживание, попробуйте ещё раз.")
		return
	}
	h.reply(msg.Chat.ID, fmt.Sprintf("Слежу за опросом «%s». Ждём голосов: %d.", poll.Title, len(poll.Mentions)))
}

func (h *Handler) handleUntrack(ctx context.Context, msg *tgbotapi.Message) {
	target, ok := h.repliedPoll(msg)
	if !ok {
		return
	}
	if err := h.pollUC.Untrack(ctx, msg.Chat.ID, target.MessageID); err != nil {
		if errors.Is(err, domain.ErrPollNotFound) {
			h.reply(msg.Chat.ID, "Этот опрос мне не знаком.")
			return
		}
		h.log.Error().Err(err).Msg("не удалось выключить отслеживание")
		return
	}
	h.reply(msg.Chat.ID, "Больше не слежу за этим опросом.")
}

func (h *Handler) handleClose(ctx context.Context, msg *tgbotapi.Message) {
	target, ok := h.repliedPoll(msg)
	if !ok {
		return
	}
	if err := h.pollUC.Close(ctx, msg.Chat.ID, target.MessageID); err != nil {
		if errors.Is(err, domain.ErrPollNotFound) {
			h.reply(msg.Chat.ID, "Этот опрос мне не знаком.")
			return
		}
		h.log.Error().Err(err).Msg("не удалось закрыть опрос")
		h.reply(msg.Chat.ID, "Не получилось закрыть опрос.")
		return
	}
	h.reply(msg.Chat.ID, "Опрос закрыт.")
}

func (h *Handler) handleStatus(ctx context.Context, msg *tgbotapi.Message) {
	target, ok := h.repliedPoll(msg)
	if !ok {
		return
	}
	poll, err := h.pollUC.Status(ctx, msg.Chat.ID, target.MessageID)
	if err != nil {
		if errors.Is(err, domain.ErrPollNotFound) {
			h.reply(msg.Chat.ID, "Этот опрос мне не знаком.")
			return
		}
		h.log.Error().Err(err).Msg("не удалось получить статус опроса")
		return
	}
	for _, part := range telegram.SplitMessage(renderStatus(poll)) {
		h.reply(msg.Chat.ID, part)
	}
}

// repliedPoll достаёт сообщение с опросом, на которое ответили командой.
func (h *Handler) repliedPoll(msg *tgbotapi.Message) (*tgbotapi.Message, bool) {
	if msg.ReplyToMessage == nil || msg.ReplyToMessage.Poll == nil {
		h.reply(msg.Chat.ID, "Ответьте этой командой на сообщение с опросом.")
		return nil, false
	}
	return msg.ReplyToMessage, true
}

func (h *Handler) reply(chatID int64, text string) {
	if _, err := h.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		h.log.Error().Err(err).Int64("chat_id", chatID).Msg("не удалось отправить сообщение")
	}
}

// renderStatus собирает текстовый отчёт по опросу.
func renderStatus(p domain.Poll) string {
	var b strings.Builder
	fmt.Fprintf(&b, "«%s»\n", p.Title)
	if p.IsClosed {
		b.WriteString("Опрос закрыт.\n")
	}
	fmt.Fprintf(&b, "Всего проголосовало: %d\n", p.TotalVoterCount)
	for i := range p.Options {
		opt := &p.Options[i]
		fmt.Fprintf(&b, "\n%s — %d (из них анонимно: %d)\n", opt.Text, len(opt.VoterIDs), opt.PlaceholderVoters())
	}
	if len(p.Mentions) > 0 {
		b.WriteString("\nЖдём голосов:\n")
		for _, m := range p.Mentions {
			mark := "—"
			if m.Voted {
				mark = "✓"
			}
			fmt.Fprintf(&b, "%s %s\n", mark, mentionLabel(m))
		}
	}
	return b.String()
}

func mentionLabel(m domain.Mention) string {
	if m.Username != "" {
		return "@" + m.Username
	}
	name := strings.TrimSpace(m.FirstName + " " + m.LastName)
	if name != "" {
		return name
	}
	return fmt.Sprintf("id%d", m.UserID)
}

// normalizeVote приводит ответ на опрос к каноническому событию.
func normalizeVote(answer *tgbotapi.PollAnswer) domain.VoteEvent {
	ev := domain.VoteEvent{
		PollID:    answer.PollID,
		UserID:    answer.User.ID,
		Username:  answer.User.UserName,
		FirstName: answer.User.FirstName,
		LastName:  answer.User.LastName,
	}
	ev.OptionIndexes = append(ev.OptionIndexes, answer.OptionIDs...)
	return ev
}

// normalizeSnapshot приводит состояние опроса к каноническому наблюдению.
func normalizeSnapshot(poll *tgbotapi.Poll) domain.PollSnapshot {
	snap := domain.PollSnapshot{
		PollID:          poll.ID,
		TotalVoterCount: poll.TotalVoterCount,
		HasTotal:        true,
		IsClosed:        poll.IsClosed,
	}
	for _, opt := range poll.Options {
		snap.Options = append(snap.Options, domain.OptionCount{VoterCount: opt.VoterCount})
	}
	return snap
}
