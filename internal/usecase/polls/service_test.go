package polls

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/DelmMV/telegram-ballot-guard/internal/domain"
	"github.com/DelmMV/telegram-ballot-guard/internal/usecase/lookup"
)

func newTestResolver(repo domain.PollRepo) *lookup.Resolver {
	return lookup.NewResolver(repo, zerolog.Nop())
}

type stubRepo struct {
	mu         sync.Mutex
	poll       domain.Poll
	exists     bool
	staleSaves int
	saveErr    error
	saves      int
}

func (s *stubRepo) FindByNaturalKey(context.Context, int64, int) (domain.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.exists {
		return domain.Poll{}, domain.ErrPollNotFound
	}
	return s.poll, nil
}

func (s *stubRepo) FindByPollID(_ context.Context, pollID string) (domain.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exists && s.poll.PollID == pollID {
		return s.poll, nil
	}
	return domain.Poll{}, domain.ErrPollNotFound
}

func (s *stubRepo) FindByOriginalPollID(_ context.Context, pollID string) (domain.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exists && s.poll.OriginalPollID == pollID && pollID != "" {
		return s.poll, nil
	}
	return domain.Poll{}, domain.ErrPollNotFound
}

func (s *stubRepo) FindOpenByPollIDPrefix(_ context.Context, prefix string) ([]domain.Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exists && !s.poll.IsClosed && strings.HasPrefix(s.poll.PollID, prefix) {
		return []domain.Poll{s.poll}, nil
	}
	return nil, nil
}

func (s *stubRepo) FindMostRecentOpen(context.Context) (domain.Poll, error) {
	return domain.Poll{}, domain.ErrPollNotFound
}

func (s *stubRepo) ListTrackedStale(context.Context, int) ([]domain.Poll, error) {
	return nil, nil
}

func (s *stubRepo) Save(_ context.Context, p *domain.Poll) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	if s.staleSaves > 0 {
		s.staleSaves--
		return domain.ErrStaleWrite
	}
	p.Revision++
	s.poll = *p
	s.exists = true
	return nil
}

type inlineLocker struct{ calls int }

func (l *inlineLocker) WithLock(_ context.Context, _ string, _ time.Duration, fn func() error) error {
	l.calls++
	return fn()
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *memCache) Set(key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = map[string][]byte{}
	}
	c.data[key] = value
	return nil
}

func (c *memCache) Get(key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.data[key]; ok {
		return v, nil
	}
	return nil, errors.New("cache miss")
}

func trackedPoll() domain.Poll {
	return domain.Poll{
		ID:        1,
		PollID:    "p-1",
		ChatID:    -100,
		MessageID: 7,
		IsTracked: true,
		Options:   []domain.Option{{Text: "Да"}, {Text: "Нет"}},
	}
}

func newService(repo *stubRepo, lock domain.Locker, cache domain.Cache) *Service {
	return NewService(repo, newTestResolver(repo), lock, cache, nil, nil, zerolog.Nop())
}

func snapshotFor(pollID string, total int, counts ...int) domain.PollSnapshot {
	snap := domain.PollSnapshot{PollID: pollID, TotalVoterCount: total, HasTotal: true}
	for _, c := range counts {
		snap.Options = append(snap.Options, domain.OptionCount{VoterCount: c})
	}
	return snap
}

func TestHandleSnapshotUpdatesLedger(t *testing.T) {
	repo := &stubRepo{poll: trackedPoll(), exists: true}
	svc := newService(repo, &inlineLocker{}, nil)

	outcome, err := svc.HandleSnapshot(context.Background(), snapshotFor("p-1", 3, 3, 0))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if outcome != OutcomeUpdated {
		t.Fatalf("ожидали OutcomeUpdated, получили %v", outcome)
	}
	if got := repo.poll.Options[0].PlaceholderVoters(); got != 3 {
		t.Fatalf("ожидали 3 метки, получили %d", got)
	}
}

func TestHandleSnapshotSecondTimeUnchanged(t *testing.T) {
	repo := &stubRepo{poll: trackedPoll(), exists: true}
	svc := newService(repo, &inlineLocker{}, nil)
	snap := snapshotFor("p-1", 3, 3, 0)

	if _, err := svc.HandleSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("подготовка: %v", err)
	}
	outcome, err := svc.HandleSnapshot(context.Background(), snap)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if outcome != OutcomeUnchanged {
		t.Fatalf("ожидали OutcomeUnchanged, получили %v", outcome)
	}
}

func TestHandleSnapshotUnknownPollSkipped(t *testing.T) {
	repo := &stubRepo{}
	svc := newService(repo, &inlineLocker{}, nil)

	outcome, err := svc.HandleSnapshot(context.Background(), snapshotFor("ghost", 1, 1))
	if err != nil {
		t.Fatalf("неизвестный опрос не должен давать ошибку: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Fatalf("ожидали OutcomeSkipped, получили %v", outcome)
	}
}

func TestHandleSnapshotCachesObservation(t *testing.T) {
	repo := &stubRepo{}
	cache := &memCache{}
	svc := newService(repo, &inlineLocker{}, cache)

	if _, err := svc.HandleSnapshot(context.Background(), snapshotFor("ghost", 1, 1)); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if _, err := cache.Get(domain.SnapshotCacheKey("ghost")); err != nil {
		t.Fatal("наблюдение должно попасть в кэш даже для неизвестного опроса")
	}
}

func TestHandleSnapshotRetriesStaleWrite(t *testing.T) {
	repo := &stubRepo{poll: trackedPoll(), exists: true, staleSaves: 1}
	svc := newService(repo, &inlineLocker{}, nil)

	outcome, err := svc.HandleSnapshot(context.Background(), snapshotFor("p-1", 2, 2, 0))
	if err != nil {
		t.Fatalf("не ожидали ошибку после повтора: %v", err)
	}
	if outcome != OutcomeUpdated {
		t.Fatalf("ожидали OutcomeUpdated, получили %v", outcome)
	}
	if repo.saves != 2 {
		t.Fatalf("ожидали 2 попытки сохранения, получили %d", repo.saves)
	}
}

func TestHandleSnapshotGivesUpAfterRetries(t *testing.T) {
	repo := &stubRepo{poll: trackedPoll(), exists: true, staleSaves: 10}
	svc := newService(repo, &inlineLocker{}, nil)

	_, err := svc.HandleSnapshot(context.Background(), snapshotFor("p-1", 2, 2, 0))
	if !errors.Is(err, ErrSaveConflict) {
		t.Fatalf("ожидали ErrSaveConflict, получили %v", err)
	}
	if repo.saves != 3 {
		t.Fatalf("ожидали ровно 3 попытки, получили %d", repo.saves)
	}
}

func TestHandleSnapshotSaveFailurePropagates(t *testing.T) {
	repo := &stubRepo{poll: trackedPoll(), exists: true, saveErr: errors.New("диск умер")}
	svc := newService(repo, &inlineLocker{}, nil)

	if _, err := svc.HandleSnapshot(context.Background(), snapshotFor("p-1", 2, 2, 0)); err == nil {
		t.Fatal("ошибка сохранения должна уходить наверх")
	}
}

func TestHandleSnapshotRecordsIDRotation(t *testing.T) {
	poll := trackedPoll()
	poll.PollID = "5123456789012345"
	repo := &stubRepo{poll: poll, exists: true}
	svc := newService(repo, &inlineLocker{}, nil)

	// Платформа перевыпустила id: совпадает только префикс.
	_, err := svc.HandleSnapshot(context.Background(), snapshotFor("5123456789999", 1, 1, 0))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if repo.poll.PollID != "5123456789999" {
		t.Fatalf("ожидали новый pollId, получили %q", repo.poll.PollID)
	}
	if repo.poll.OriginalPollID != "5123456789012345" {
		t.Fatalf("ожидали сохранённый прежний id, получили %q", repo.poll.OriginalPollID)
	}
}

func TestHandleSnapshotOldIDIsNotRotation(t *testing.T) {
	poll := trackedPoll()
	poll.PollID = "new-id"
	poll.OriginalPollID = "old-id"
	repo := &stubRepo{poll: poll, exists: true}
	svc := newService(repo, &inlineLocker{}, nil)

	// Платформа продолжает слать прежний id и после смены: запись
	// находится через originalPollId, идентификаторы не трогаются.
	_, err := svc.HandleSnapshot(context.Background(), snapshotFor("old-id", 1, 1, 0))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if repo.poll.PollID != "new-id" {
		t.Fatalf("текущий id потерян: %q", repo.poll.PollID)
	}
	if repo.poll.OriginalPollID != "old-id" {
		t.Fatalf("прежний id изменился: %q", repo.poll.OriginalPollID)
	}
}

func TestHandleVoteClosedPollSkipped(t *testing.T) {
	poll := trackedPoll()
	poll.IsClosed = true
	repo := &stubRepo{poll: poll, exists: true}
	svc := newService(repo, &inlineLocker{}, nil)

	outcome, err := svc.HandleVote(context.Background(), domain.VoteEvent{PollID: "p-1", UserID: 5, OptionIndexes: []int{0}})
	if err != nil {
		t.Fatalf("закрытый опрос не должен давать ошибку: %v", err)
	}
	if outcome != OutcomeSkipped {
		t.Fatalf("ожидали OutcomeSkipped, получили %v", outcome)
	}
	if repo.saves != 0 {
		t.Fatal("закрытый опрос не должен сохраняться")
	}
}

func TestHandleVoteWithoutUserSkipped(t *testing.T) {
	repo := &stubRepo{poll: trackedPoll(), exists: true}
	svc := newService(repo, &inlineLocker{}, nil)

	outcome, err := svc.HandleVote(context.Background(), domain.VoteEvent{PollID: "p-1", OptionIndexes: []int{0}})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if outcome != OutcomeSkipped || repo.saves != 0 {
		t.Fatal("событие без пользователя должно отбрасываться до мутаций")
	}
}

func TestHandleVoteTakesLock(t *testing.T) {
	repo := &stubRepo{poll: trackedPoll(), exists: true}
	lock := &inlineLocker{}
	svc := newService(repo, lock, nil)

	if _, err := svc.HandleVote(context.Background(), domain.VoteEvent{PollID: "p-1", UserID: 5, OptionIndexes: []int{0}}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if lock.calls != 1 {
		t.Fatalf("ожидали одну блокировку, получили %d", lock.calls)
	}
}

func TestCloseIsMonotonic(t *testing.T) {
	repo := &stubRepo{poll: trackedPoll(), exists: true}
	svc := newService(repo, &inlineLocker{}, nil)

	if err := svc.Close(context.Background(), -100, 7); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !repo.poll.IsClosed {
		t.Fatal("опрос должен закрыться")
	}
	saves := repo.saves
	if err := svc.Close(context.Background(), -100, 7); err != nil {
		t.Fatalf("повторное закрытие: %v", err)
	}
	if repo.saves != saves {
		t.Fatal("повторное закрытие не должно ничего записывать")
	}
}

func TestTrackAddsMentions(t *testing.T) {
	poll := trackedPoll()
	poll.IsTracked = false
	repo := &stubRepo{poll: poll, exists: true}
	svc := newService(repo, &inlineLocker{}, nil)

	mentions := []domain.Mention{{Username: "ivan"}, {UserID: 8, FirstName: "Анна"}}
	p, err := svc.Track(context.Background(), -100, 7, mentions)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !p.IsTracked || p.TrackedAt == nil {
		t.Fatal("опрос должен стать отслеживаемым")
	}
	if len(repo.poll.Mentions) != 2 {
		t.Fatalf("ожидали 2 упоминания, получили %d", len(repo.poll.Mentions))
	}

	// Повторный track не плодит дубликаты.
	if _, err := svc.Track(context.Background(), -100, 7, mentions); err != nil {
		t.Fatalf("повторный track: %v", err)
	}
	if len(repo.poll.Mentions) != 2 {
		t.Fatalf("упоминания задублировались: %d", len(repo.poll.Mentions))
	}
}

func TestRegisterRejectsTooFewOptions(t *testing.T) {
	repo := &stubRepo{}
	svc := newService(repo, &inlineLocker{}, nil)

	err := svc.Register(context.Background(), domain.Poll{PollID: "p", Options: []domain.Option{{Text: "один"}}})
	if err == nil {
		t.Fatal("опрос с одним вариантом должен отклоняться")
	}
}
