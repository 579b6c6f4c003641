package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisCache реализует domain.Cache через Redis.
type RedisCache struct {
	client *redis.Client
}

// NewRedis создаёт кэш.
func NewRedis(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set задаёт значение.
func (c *RedisCache) Set(key string, value []byte, ttl time.Duration) error {
	return c.client.Set(context.Background(), key, value, ttl).Err()
}

// Get возвращает значение.
func (c *RedisCache) Get(key string) ([]byte, error) {
	return c.client.Get(context.Background(), key).Bytes()
}

// lockWait — сколько максимум ждём захвата блокировки, прежде чем
// продолжить без неё.
const lockWait = 3 * time.Second

// lockPoll — пауза между попытками захвата.
const lockPoll = 50 * time.Millisecond

// RedisLocker сериализует обработку одного опроса между процессами.
// Блокировка совещательная: если её не удалось взять за lockWait,
// работа продолжается без неё. Параллельные записи в этом случае
// разрешает проверка ревизии при сохранении.
type RedisLocker struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisLocker создаёт локер.
func NewRedisLocker(client *redis.Client, log zerolog.Logger) *RedisLocker {
	return &RedisLocker{client: client, log: log}
}

// WithLock выполняет fn под блокировкой key.
func (l *RedisLocker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	token := uuid.NewString()
	deadline := time.Now().Add(lockWait)
	acquired := false
	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			l.log.Debug().Err(err).Str("key", key).Msg("блокировка недоступна, работаем без неё")
			break
		}
		if ok {
			acquired = true
			break
		}
		if time.Now().After(deadline) {
			l.log.Debug().Str("key", key).Msg("не дождались блокировки, работаем без неё")
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPoll):
		}
	}
	defer func() {
		if !acquired {
			return
		}
		// Снимаем только свою блокировку.
		current, err := l.client.Get(context.Background(), key).Result()
		if err == nil && current == token {
			_ = l.client.Del(context.Background(), key).Err()
		}
	}()
	return fn()
}
