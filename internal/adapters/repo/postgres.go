package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/DelmMV/telegram-ballot-guard/internal/domain"
	"github.com/DelmMV/telegram-ballot-guard/internal/infra/metrics"
)

// Postgres реализует domain.PollRepo на основе pgxpool. Варианты и
// упоминания хранятся как jsonb внутри записи опроса: запись читается и
// пишется целиком, как единый документ.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ domain.PollRepo = (*Postgres)(nil)

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// EnsureSchema создаёт таблицу опросов, если её ещё нет.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	_, err := p.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS polls (
    id BIGSERIAL PRIMARY KEY,
    poll_id TEXT NOT NULL DEFAULT '',
    original_poll_id TEXT NOT NULL DEFAULT '',
    chat_id BIGINT NOT NULL,
    message_id BIGINT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    options JSONB NOT NULL DEFAULT '[]',
    mentions JSONB NOT NULL DEFAULT '[]',
    is_anonymous BOOLEAN NOT NULL DEFAULT TRUE,
    is_multiple_choice BOOLEAN NOT NULL DEFAULT FALSE,
    is_closed BOOLEAN NOT NULL DEFAULT FALSE,
    is_tracked BOOLEAN NOT NULL DEFAULT FALSE,
    tracked_at TIMESTAMPTZ,
    total_voter_count INT NOT NULL DEFAULT 0,
    revision BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (chat_id, message_id)
);
CREATE INDEX IF NOT EXISTS polls_poll_id_idx ON polls (poll_id);
CREATE INDEX IF NOT EXISTS polls_original_poll_id_idx ON polls (original_poll_id);
CREATE INDEX IF NOT EXISTS polls_tracked_idx ON polls (is_tracked, is_closed, updated_at);
`)
	return err
}

const pollColumns = `id, poll_id, original_poll_id, chat_id, message_id, title, description,
options, mentions, is_anonymous, is_multiple_choice, is_closed, is_tracked,
tracked_at, total_voter_count, revision, created_at, updated_at`

func scanPoll(row pgx.Row) (domain.Poll, error) {
	var (
		p        domain.Poll
		options  []byte
		mentions []byte
	)
	err := row.Scan(&p.ID, &p.PollID, &p.OriginalPollID, &p.ChatID, &p.MessageID,
		&p.Title, &p.Description, &options, &mentions, &p.IsAnonymous,
		&p.IsMultipleChoice, &p.IsClosed, &p.IsTracked, &p.TrackedAt,
		&p.TotalVoterCount, &p.Revision, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Poll{}, domain.ErrPollNotFound
		}
		return domain.Poll{}, err
	}
	if err := json.Unmarshal(options, &p.Options); err != nil {
		return domain.Poll{}, fmt.Errorf("decode options: %w", err)
	}
	if err := json.Unmarshal(mentions, &p.Mentions); err != nil {
		return domain.Poll{}, fmt.Errorf("decode mentions: %w", err)
	}
	return p, nil
}

// FindByNaturalKey возвращает опрос по чату и сообщению.
func (p *Postgres) FindByNaturalKey(ctx context.Context, chatID int64, messageID int) (domain.Poll, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	poll, err := scanPoll(p.pool.QueryRow(ctx,
		`SELECT `+pollColumns+` FROM polls WHERE chat_id = $1 AND message_id = $2`,
		chatID, messageID))
	metrics.ObserveNetworkRequest("postgres", "poll_by_natural_key", "polls", start, err)
	return poll, err
}

// FindByPollID возвращает опрос по идентификатору платформы.
func (p *Postgres) FindByPollID(ctx context.Context, pollID string) (domain.Poll, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	poll, err := scanPoll(p.pool.QueryRow(ctx,
		`SELECT `+pollColumns+` FROM polls WHERE poll_id = $1 ORDER BY updated_at DESC LIMIT 1`,
		pollID))
	metrics.ObserveNetworkRequest("postgres", "poll_by_poll_id", "polls", start, err)
	return poll, err
}

// FindByOriginalPollID возвращает опрос по прежнему идентификатору.
func (p *Postgres) FindByOriginalPollID(ctx context.Context, pollID string) (domain.Poll, error) {
	if pollID == "" {
		return domain.Poll{}, domain.ErrPollNotFound
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	poll, err := scanPoll(p.pool.QueryRow(ctx,
		`SELECT `+pollColumns+` FROM polls WHERE original_poll_id = $1 ORDER BY updated_at DESC LIMIT 1`,
		pollID))
	metrics.ObserveNetworkRequest("postgres", "poll_by_original_id", "polls", start, err)
	return poll, err
}

// FindOpenByPollIDPrefix ищет открытые опросы по префиксу любого из двух
// идентификаторов, от самых свежих к старым.
func (p *Postgres) FindOpenByPollIDPrefix(ctx context.Context, prefix string) ([]domain.Poll, error) {
	if prefix == "" {
		return nil, nil
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	pattern := escapeLike(prefix) + "%"
	start := time.Now()
	rows, err := p.pool.Query(ctx,
		`SELECT `+pollColumns+` FROM polls
WHERE is_closed = FALSE AND (poll_id LIKE $1 OR original_poll_id LIKE $1)
ORDER BY updated_at DESC`,
		pattern)
	metrics.ObserveNetworkRequest("postgres", "poll_by_prefix", "polls", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPolls(rows)
}

// FindMostRecentOpen возвращает открытый опрос с самым свежим updatedAt.
func (p *Postgres) FindMostRecentOpen(ctx context.Context) (domain.Poll, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	poll, err := scanPoll(p.pool.QueryRow(ctx,
		`SELECT `+pollColumns+` FROM polls WHERE is_closed = FALSE ORDER BY updated_at DESC LIMIT 1`))
	metrics.ObserveNetworkRequest("postgres", "poll_most_recent_open", "polls", start, err)
	return poll, err
}

// ListTrackedStale возвращает до limit отслеживаемых открытых опросов,
// начиная с самых давно обновлявшихся, чтобы при ограниченной пачке
// каждый опрос регулярно попадал в сверку.
func (p *Postgres) ListTrackedStale(ctx context.Context, limit int) ([]domain.Poll, error) {
	if limit <= 0 {
		return nil, nil
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()
	start := time.Now()
	rows, err := p.pool.Query(ctx,
		`SELECT `+pollColumns+` FROM polls
WHERE is_tracked = TRUE AND is_closed = FALSE
ORDER BY updated_at ASC
LIMIT $1`,
		limit)
	metrics.ObserveNetworkRequest("postgres", "polls_tracked_stale", "polls", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPolls(rows)
}

// Save выполняет upsert записи. Для существующей записи ревизия
// сверяется с прочитанной: при несовпадении возвращается
// domain.ErrStaleWrite и запись остаётся нетронутой.
func (p *Postgres) Save(ctx context.Context, poll *domain.Poll) error {
	options, err := json.Marshal(poll.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	mentions, err := json.Marshal(poll.Mentions)
	if err != nil {
		return fmt.Errorf("encode mentions: %w", err)
	}

	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if poll.ID == 0 {
		start := time.Now()
		err = p.pool.QueryRow(ctx, `
INSERT INTO polls (poll_id, original_poll_id, chat_id, message_id, title, description,
    options, mentions, is_anonymous, is_multiple_choice, is_closed, is_tracked,
    tracked_at, total_voter_count)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (chat_id, message_id) DO UPDATE SET
    poll_id = EXCLUDED.poll_id,
    title = EXCLUDED.title,
    description = EXCLUDED.description,
    is_anonymous = EXCLUDED.is_anonymous,
    is_multiple_choice = EXCLUDED.is_multiple_choice,
    revision = polls.revision + 1,
    updated_at = now()
RETURNING id, revision
`, poll.PollID, poll.OriginalPollID, poll.ChatID, poll.MessageID, poll.Title,
			poll.Description, options, mentions, poll.IsAnonymous, poll.IsMultipleChoice,
			poll.IsClosed, poll.IsTracked, poll.TrackedAt, poll.TotalVoterCount).
			Scan(&poll.ID, &poll.Revision)
		metrics.ObserveNetworkRequest("postgres", "poll_insert", "polls", start, err)
		return err
	}

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE polls SET
    poll_id = $1,
    original_poll_id = $2,
    title = $3,
    description = $4,
    options = $5,
    mentions = $6,
    is_closed = $7,
    is_tracked = $8,
    tracked_at = $9,
    total_voter_count = $10,
    revision = revision + 1,
    updated_at = now()
WHERE id = $11 AND revision = $12
`, poll.PollID, poll.OriginalPollID, poll.Title, poll.Description, options, mentions,
		poll.IsClosed, poll.IsTracked, poll.TrackedAt, poll.TotalVoterCount,
		poll.ID, poll.Revision)
	metrics.ObserveNetworkRequest("postgres", "poll_update", "polls", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleWrite
	}
	poll.Revision++
	return nil
}

func collectPolls(rows pgx.Rows) ([]domain.Poll, error) {
	var out []domain.Poll
	for rows.Next() {
		poll, err := scanPoll(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, poll)
	}
	return out, rows.Err()
}

// escapeLike экранирует спецсимволы шаблона LIKE во внешнем вводе.
func escapeLike(s string) string {
	var b []byte
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			b = append(b, '\\')
		}
		b = append(b, s[i])
	}
	return string(b)
}
