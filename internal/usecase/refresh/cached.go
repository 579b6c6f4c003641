package refresh

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/DelmMV/telegram-ballot-guard/internal/domain"
)

// CachedSnapshots — резервная стратегия: возвращает последнее наблюдение,
// присланное платформой и сохранённое в кэше. Полезна, когда прямой
// запрос счётчиков недоступен, а более раннее pushed-событие по этому
// опросу не удалось применить.
type CachedSnapshots struct {
	cache domain.Cache
}

// NewCachedSnapshots создаёт стратегию поверх кэша.
func NewCachedSnapshots(cache domain.Cache) *CachedSnapshots {
	return &CachedSnapshots{cache: cache}
}

// Fetch реализует domain.SnapshotFetcher.
func (c *CachedSnapshots) Fetch(_ context.Context, poll domain.Poll) (domain.PollSnapshot, error) {
	raw, err := c.cache.Get(domain.SnapshotCacheKey(poll.PollID))
	if err != nil {
		return domain.PollSnapshot{}, domain.ErrSnapshotUnavailable
	}
	var snap domain.PollSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return domain.PollSnapshot{}, fmt.Errorf("decode cached snapshot: %w", err)
	}
	return snap, nil
}
