package ledger

import (
	"errors"
	"testing"

	"github.com/DelmMV/telegram-ballot-guard/internal/domain"
)

func newPoll(opts ...domain.Option) *domain.Poll {
	if len(opts) == 0 {
		opts = []domain.Option{{Text: "Да"}, {Text: "Нет"}}
	}
	return &domain.Poll{
		PollID:  "p-1",
		Options: opts,
	}
}

func snapshot(total int, counts ...int) domain.PollSnapshot {
	snap := domain.PollSnapshot{TotalVoterCount: total, HasTotal: true}
	for _, c := range counts {
		snap.Options = append(snap.Options, domain.OptionCount{VoterCount: c})
	}
	return snap
}

func TestApplySnapshotAllocatesPlaceholders(t *testing.T) {
	p := newPoll()
	res, err := ApplySnapshot(p, snapshot(3, 3, 0))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !res.Changed {
		t.Fatal("ожидали изменение реестра")
	}
	want := []int64{-1_000_001, -1_000_002, -1_000_003}
	got := p.Options[0].VoterIDs
	if len(got) != 3 {
		t.Fatalf("ожидали 3 метки, получили %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("метка %d: ожидали %d, получили %d", i, want[i], got[i])
		}
	}
	if p.Options[0].ExistingVotes != 3 {
		t.Fatalf("ожидали existingVotes=3, получили %d", p.Options[0].ExistingVotes)
	}
	if p.TotalVoterCount != 3 {
		t.Fatalf("ожидали total=3, получили %d", p.TotalVoterCount)
	}
}

func TestApplySnapshotKeepsDeepestPlaceholder(t *testing.T) {
	p := newPoll()
	if _, err := ApplySnapshot(p, snapshot(3, 3, 0)); err != nil {
		t.Fatalf("подготовка: %v", err)
	}
	res, err := ApplySnapshot(p, snapshot(1, 1, 0))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !res.Changed {
		t.Fatal("ожидали изменение реестра")
	}
	got := p.Options[0].VoterIDs
	if len(got) != 1 || got[0] != -1_000_003 {
		t.Fatalf("ожидали, что останется -1000003, получили %v", got)
	}
	if p.Options[0].ExistingVotes != 1 {
		t.Fatalf("ожидали existingVotes=1, получили %d", p.Options[0].ExistingVotes)
	}
}

func TestApplySnapshotIdempotent(t *testing.T) {
	p := newPoll()
	snap := snapshot(3, 3, 0)
	if _, err := ApplySnapshot(p, snap); err != nil {
		t.Fatalf("подготовка: %v", err)
	}
	before := append([]int64(nil), p.Options[0].VoterIDs...)
	res, err := ApplySnapshot(p, snap)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.Changed {
		t.Fatal("повторное наблюдение должно быть no-op")
	}
	if len(p.Options[0].VoterIDs) != len(before) {
		t.Fatalf("метки изменились: %v", p.Options[0].VoterIDs)
	}
	if p.Options[0].ExistingVotes != 3 {
		t.Fatalf("existingVotes изменился: %d", p.Options[0].ExistingVotes)
	}
}

func TestApplySnapshotWithoutTotalIsNoop(t *testing.T) {
	p := newPoll()
	snap := snapshot(3, 3, 0)
	snap.HasTotal = false
	res, err := ApplySnapshot(p, snap)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.Changed || len(p.Options[0].VoterIDs) != 0 {
		t.Fatal("наблюдение без общего счётчика должно игнорироваться")
	}
}

func TestApplySnapshotSkipsCorruptOption(t *testing.T) {
	p := newPoll()
	res, err := ApplySnapshot(p, snapshot(2, -5, 2))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.SkippedOptions != 1 {
		t.Fatalf("ожидали 1 пропущенный вариант, получили %d", res.SkippedOptions)
	}
	if len(p.Options[0].VoterIDs) != 0 {
		t.Fatalf("испорченный счётчик не должен менять вариант: %v", p.Options[0].VoterIDs)
	}
	if len(p.Options[1].VoterIDs) != 2 {
		t.Fatalf("остальные варианты должны обработаться: %v", p.Options[1].VoterIDs)
	}
}

func TestApplySnapshotHugeCountSkipped(t *testing.T) {
	p := newPoll()
	res, err := ApplySnapshot(p, snapshot(50_000, 50_000, 0))
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if res.SkippedOptions != 1 || len(p.Options[0].VoterIDs) != 0 {
		t.Fatal("неправдоподобный счётчик должен пропускаться")
	}
}

func TestApplySnapshotClosedPoll(t *testing.T) {
	p := newPoll()
	p.IsClosed = true
	_, err := ApplySnapshot(p, snapshot(3, 3, 0))
	if !errors.Is(err, domain.ErrPollClosed) {
		t.Fatalf("ожидали ErrPollClosed, получили %v", err)
	}
	if len(p.Options[0].VoterIDs) != 0 {
		t.Fatal("закрытый опрос не должен меняться")
	}
}

func TestApplySnapshotClosesPoll(t *testing.T) {
	p := newPoll()
	snap := snapshot(1, 1, 0)
	snap.IsClosed = true
	res, err := ApplySnapshot(p, snap)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !res.Changed || !p.IsClosed {
		t.Fatal("наблюдение с закрытием должно закрыть опрос")
	}
}

func TestApplyVoteSingleChoiceMovesVote(t *testing.T) {
	p := newPoll()
	p.Options[0].VoterIDs = []int64{555}
	p.Options[0].ExistingVotes = 1
	p.Mentions = []domain.Mention{{UserID: 555, Username: "ivan"}}

	changed, err := ApplyVote(p, domain.VoteEvent{UserID: 555, OptionIndexes: []int{1}})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !changed {
		t.Fatal("ожидали изменение реестра")
	}
	if p.Options[0].HasVoter(555) {
		t.Fatal("голос должен уйти из варианта 0")
	}
	if !p.Options[1].HasVoter(555) {
		t.Fatal("голос должен появиться в варианте 1")
	}
	if !p.Mentions[0].Voted {
		t.Fatal("упоминание должно быть отмечено как проголосовавшее")
	}
}

func TestApplyVoteDoesNotDuplicate(t *testing.T) {
	p := newPoll()
	ev := domain.VoteEvent{UserID: 7, OptionIndexes: []int{0}}
	if _, err := ApplyVote(p, ev); err != nil {
		t.Fatalf("подготовка: %v", err)
	}
	changed, err := ApplyVote(p, ev)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if changed {
		t.Fatal("повторный голос должен быть no-op")
	}
	count := 0
	for _, id := range p.Options[0].VoterIDs {
		if id == 7 {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("ожидали ровно одно вхождение id, получили %d", count)
	}
}

func TestApplyVoteRetractionKeepsPlaceholders(t *testing.T) {
	p := newPoll()
	p.Options[0].VoterIDs = []int64{555, -1_000_001}
	p.Options[0].ExistingVotes = 2

	changed, err := ApplyVote(p, domain.VoteEvent{UserID: 555})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !changed {
		t.Fatal("ожидали изменение реестра")
	}
	if p.Options[0].HasVoter(555) {
		t.Fatal("отзыв должен убрать именованный голос")
	}
	if !p.Options[0].HasVoter(-1_000_001) {
		t.Fatal("отзыв не должен трогать синтетические метки")
	}
}

func TestApplyVoteMultipleChoiceNoBlanketClear(t *testing.T) {
	p := newPoll()
	p.IsMultipleChoice = true
	p.Options[0].VoterIDs = []int64{9}
	p.Options[0].ExistingVotes = 1

	if _, err := ApplyVote(p, domain.VoteEvent{UserID: 9, OptionIndexes: []int{1}}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !p.Options[0].HasVoter(9) || !p.Options[1].HasVoter(9) {
		t.Fatal("при множественном выборе голос добавляется без очистки остальных вариантов")
	}
	if p.TotalVoterCount != 1 {
		t.Fatalf("один человек в двух вариантах считается один раз, получили %d", p.TotalVoterCount)
	}
}

func TestApplyVoteWithoutUser(t *testing.T) {
	p := newPoll()
	if _, err := ApplyVote(p, domain.VoteEvent{OptionIndexes: []int{0}}); !errors.Is(err, ErrNoUser) {
		t.Fatalf("ожидали ErrNoUser, получили %v", err)
	}
}

func TestApplyVoteClosedPoll(t *testing.T) {
	p := newPoll()
	p.IsClosed = true
	_, err := ApplyVote(p, domain.VoteEvent{UserID: 1, OptionIndexes: []int{0}})
	if !errors.Is(err, domain.ErrPollClosed) {
		t.Fatalf("ожидали ErrPollClosed, получили %v", err)
	}
}

func TestApplyVoteRaisesBaseline(t *testing.T) {
	p := newPoll()
	if _, err := ApplyVote(p, domain.VoteEvent{UserID: 1, OptionIndexes: []int{0}}); err != nil {
		t.Fatalf("подготовка: %v", err)
	}
	if _, err := ApplyVote(p, domain.VoteEvent{UserID: 2, OptionIndexes: []int{0}}); err != nil {
		t.Fatalf("подготовка: %v", err)
	}
	if p.Options[0].ExistingVotes != 2 {
		t.Fatalf("базовый счётчик должен подняться до 2, получили %d", p.Options[0].ExistingVotes)
	}
}

func TestApplyVoteBackfillsMention(t *testing.T) {
	p := newPoll()
	p.Mentions = []domain.Mention{{Username: "petr"}}
	ev := domain.VoteEvent{UserID: 42, Username: "Petr", FirstName: "Пётр", OptionIndexes: []int{0}}
	if _, err := ApplyVote(p, ev); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	m := p.Mentions[0]
	if m.UserID != 42 || !m.Voted || m.FirstName != "Пётр" {
		t.Fatalf("ожидали достроенное упоминание, получили %+v", m)
	}
}

func TestApplyVoteIgnoresOutOfRangeIndex(t *testing.T) {
	p := newPoll()
	changed, err := ApplyVote(p, domain.VoteEvent{UserID: 3, OptionIndexes: []int{5}})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if changed {
		t.Fatal("голос за несуществующий вариант не должен менять реестр")
	}
}
