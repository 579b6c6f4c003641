package ledger

import (
	"testing"

	"github.com/DelmMV/telegram-ballot-guard/internal/domain"
)

func TestTotalVotersDeduplicatesNamed(t *testing.T) {
	p := &domain.Poll{Options: []domain.Option{
		{VoterIDs: []int64{10, 20, -1_000_001}},
		{VoterIDs: []int64{20, -2_000_001, -2_000_002}},
	}}
	if got := TotalVoters(p); got != 5 {
		t.Fatalf("ожидали 5, получили %d", got)
	}
}

func TestTotalVotersEmpty(t *testing.T) {
	p := &domain.Poll{Options: []domain.Option{{}, {}}}
	if got := TotalVoters(p); got != 0 {
		t.Fatalf("ожидали 0, получили %d", got)
	}
}

func TestTotalVotersMatchesCachedAfterMerge(t *testing.T) {
	p := &domain.Poll{Options: []domain.Option{{Text: "a"}, {Text: "b"}}}
	if _, err := ApplyVote(p, domain.VoteEvent{UserID: 10, OptionIndexes: []int{0}}); err != nil {
		t.Fatalf("подготовка: %v", err)
	}
	if _, err := ApplySnapshot(p, snapshot(3, 1, 2)); err != nil {
		t.Fatalf("подготовка: %v", err)
	}
	if p.TotalVoterCount != TotalVoters(p) {
		t.Fatalf("кэшированный total (%d) расходится с пересчётом (%d)", p.TotalVoterCount, TotalVoters(p))
	}
}
