package mtproto

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"github.com/rs/zerolog"

	"github.com/DelmMV/telegram-ballot-guard/internal/domain"
	"github.com/DelmMV/telegram-ballot-guard/internal/infra/metrics"
)

// supergroupThreshold — граница id супергрупп в нотации Bot API.
const supergroupThreshold = -1_000_000_000_000

// Fetcher читает текущие счётчики опроса через MTProto. Bot API не умеет
// перечитывать опрос по требованию, поэтому периодическая сверка ходит
// сюда. Сессия должна быть заранее авторизована.
type Fetcher struct {
	client *telegram.Client
	log    zerolog.Logger
}

// NewFetcher создаёт MTProto клиент на базе файла сессии.
func NewFetcher(apiID int, apiHash, sessionFile string, log zerolog.Logger) *Fetcher {
	storage := &session.FileStorage{Path: sessionFile}
	client := telegram.NewClient(apiID, apiHash, telegram.Options{SessionStorage: storage})
	return &Fetcher{client: client, log: log}
}

var _ domain.SnapshotFetcher = (*Fetcher)(nil)

// Fetch реализует domain.SnapshotFetcher через messages.getPollResults.
func (f *Fetcher) Fetch(ctx context.Context, poll domain.Poll) (domain.PollSnapshot, error) {
	peer, err := inputPeer(poll.ChatID)
	if err != nil {
		return domain.PollSnapshot{}, err
	}

	var snap domain.PollSnapshot
	start := time.Now()
	runErr := f.client.Run(ctx, func(ctx context.Context) error {
		updates, err := f.client.API().MessagesGetPollResults(ctx, &tg.MessagesGetPollResultsRequest{
			Peer:  peer,
			MsgID: poll.MessageID,
		})
		if err != nil {
			return fmt.Errorf("getPollResults: %w", err)
		}
		got, ok := extractSnapshot(updates)
		if !ok {
			return fmt.Errorf("%w: в ответе нет результатов опроса", domain.ErrSnapshotUnavailable)
		}
		snap = got
		return nil
	})
	metrics.ObserveNetworkRequest("mtproto", "get_poll_results", "telegram", start, runErr)
	if runErr != nil {
		f.log.Debug().Err(runErr).Str("poll_id", poll.PollID).Msg("mtproto: счётчики недоступны")
		return domain.PollSnapshot{}, fmt.Errorf("%w: %v", domain.ErrSnapshotUnavailable, runErr)
	}
	if snap.PollID == "" {
		snap.PollID = poll.PollID
	}
	return snap, nil
}

// inputPeer переводит id чата из нотации Bot API в MTProto-пир.
// Для каналов и супергрупп нужен access hash, которого у нас нет, —
// такие чаты сверяются по резервной стратегии.
func inputPeer(chatID int64) (tg.InputPeerClass, error) {
	switch {
	case chatID < supergroupThreshold:
		return nil, fmt.Errorf("%w: супергруппа требует access hash", domain.ErrSnapshotUnavailable)
	case chatID < 0:
		return &tg.InputPeerChat{ChatID: -chatID}, nil
	default:
		return nil, fmt.Errorf("%w: неподдерживаемый чат %d", domain.ErrSnapshotUnavailable, chatID)
	}
}

// extractSnapshot вытаскивает счётчики из ответа getPollResults.
func extractSnapshot(updates tg.UpdatesClass) (domain.PollSnapshot, bool) {
	var list []tg.UpdateClass
	switch u := updates.(type) {
	case *tg.Updates:
		list = u.Updates
	case *tg.UpdatesCombined:
		list = u.Updates
	case *tg.UpdateShort:
		list = []tg.UpdateClass{u.Update}
	default:
		return domain.PollSnapshot{}, false
	}
	for _, upd := range list {
		pollUpd, ok := upd.(*tg.UpdateMessagePoll)
		if !ok {
			continue
		}
		snap := domain.PollSnapshot{}
		if pollUpd.PollID != 0 {
			snap.PollID = strconv.FormatInt(pollUpd.PollID, 10)
		}
		if total, ok := pollUpd.Results.GetTotalVoters(); ok {
			snap.TotalVoterCount = total
			snap.HasTotal = true
		}
		if results, ok := pollUpd.Results.GetResults(); ok {
			for _, r := range results {
				snap.Options = append(snap.Options, domain.OptionCount{VoterCount: r.Voters})
			}
		}
		if poll, ok := pollUpd.GetPoll(); ok {
			snap.IsClosed = poll.Closed
		}
		return snap, true
	}
	return domain.PollSnapshot{}, false
}
