package domain

import (
	"context"
	"errors"
	"time"
)

// ErrPollNotFound возвращается, когда опрос не удалось разрешить.
var ErrPollNotFound = errors.New("poll not found")

// ErrStaleWrite возвращается при сохранении устаревшей ревизии записи.
var ErrStaleWrite = errors.New("stale poll revision")

// ErrPollClosed возвращается при попытке изменить закрытый опрос.
var ErrPollClosed = errors.New("poll is closed")

// ErrSnapshotUnavailable сообщает, что стратегия не смогла получить
// актуальные счётчики опроса.
var ErrSnapshotUnavailable = errors.New("poll snapshot unavailable")

// PollRepo управляет записями опросов.
type PollRepo interface {
	FindByNaturalKey(ctx context.Context, chatID int64, messageID int) (Poll, error)
	FindByPollID(ctx context.Context, pollID string) (Poll, error)
	FindByOriginalPollID(ctx context.Context, pollID string) (Poll, error)
	// FindOpenByPollIDPrefix возвращает открытые опросы, чей pollId или
	// originalPollId начинается с префикса, от самых свежих к старым.
	FindOpenByPollIDPrefix(ctx context.Context, prefix string) ([]Poll, error)
	// FindMostRecentOpen возвращает открытый опрос с самым свежим updatedAt.
	FindMostRecentOpen(ctx context.Context) (Poll, error)
	// ListTrackedStale возвращает до limit отслеживаемых открытых опросов,
	// начиная с самых давно обновлявшихся.
	ListTrackedStale(ctx context.Context, limit int) ([]Poll, error)
	// Save выполняет upsert по (chatID, messageID) и проверяет ревизию:
	// при несовпадении возвращает ErrStaleWrite, ничего не записывая.
	Save(ctx context.Context, poll *Poll) error
}

// MemberLookup ищет участника чата для отображения имени. Результат
// не обязателен для корректности реестра.
type MemberLookup interface {
	Lookup(ctx context.Context, chatID, userID int64) (MemberInfo, error)
}

// PollStopper закрывает опрос на стороне платформы.
type PollStopper interface {
	StopPoll(ctx context.Context, chatID int64, messageID int) error
}

// SnapshotFetcher получает текущие совокупные счётчики опроса.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, poll Poll) (PollSnapshot, error)
}

// RefreshQueue — очередь заданий на сверку.
type RefreshQueue interface {
	Enqueue(ctx context.Context, job RefreshJob) error
	Pop(ctx context.Context) (RefreshJob, error)
}

// Locker сериализует работу над одним опросом.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
