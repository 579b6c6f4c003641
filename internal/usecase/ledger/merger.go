package ledger

import (
	"errors"
	"sort"

	"github.com/DelmMV/telegram-ballot-guard/internal/domain"
)

// ErrNoUser возвращается для именованного события без id пользователя.
var ErrNoUser = errors.New("vote event without user id")

// maxSaneVoterCount — потолок правдоподобия для счётчика варианта.
// Значения выше считаются мусором и не попадают в реестр.
const maxSaneVoterCount = 10_000

// SnapshotResult описывает результат применения совокупного наблюдения.
type SnapshotResult struct {
	Changed        bool
	SkippedOptions int
}

// ApplyVote применяет именованный голос или его отзыв к реестру.
// Возвращает true, если реестр изменился.
func ApplyVote(p *domain.Poll, ev domain.VoteEvent) (bool, error) {
	if ev.UserID <= 0 {
		return false, ErrNoUser
	}
	if p.IsClosed {
		return false, domain.ErrPollClosed
	}

	selected := make(map[int]struct{}, len(ev.OptionIndexes))
	for _, idx := range ev.OptionIndexes {
		if idx >= 0 && idx < len(p.Options) {
			selected[idx] = struct{}{}
		}
	}

	changed := false
	switch {
	case ev.Retraction():
		// Отзыв: убираем только положительный id, метки не трогаем.
		for i := range p.Options {
			if p.Options[i].RemoveVoter(ev.UserID) {
				changed = true
			}
		}
	case !p.IsMultipleChoice:
		// Одиночный выбор: сначала снимаем прежний голос отовсюду.
		for i := range p.Options {
			if _, ok := selected[i]; ok {
				continue
			}
			if p.Options[i].RemoveVoter(ev.UserID) {
				changed = true
			}
		}
		for idx := range selected {
			if p.Options[idx].AddVoter(ev.UserID) {
				changed = true
			}
		}
	default:
		// Множественный выбор: меняем только упомянутые варианты.
		for idx := range selected {
			if p.Options[idx].AddVoter(ev.UserID) {
				changed = true
			}
		}
	}

	// Базовый счётчик не может быть меньше числа известных именованных
	// голосов.
	for i := range p.Options {
		if named := p.Options[i].NamedVoters(); named > p.Options[i].ExistingVotes {
			p.Options[i].ExistingVotes = named
			changed = true
		}
	}

	if updateMention(p, ev) {
		changed = true
	}

	if total := TotalVoters(p); total != p.TotalVoterCount {
		p.TotalVoterCount = total
		changed = true
	}
	return changed, nil
}

// ApplySnapshot сводит реестр с совокупными счётчиками платформы.
// Рост счётчика варианта даёт новые метки, падение — снятие меток,
// ближайших к нулю; именованные голоса при этом не теряются.
func ApplySnapshot(p *domain.Poll, snap domain.PollSnapshot) (SnapshotResult, error) {
	var res SnapshotResult
	if p.IsClosed {
		return res, domain.ErrPollClosed
	}
	if !snap.HasTotal {
		return res, nil
	}
	if snap.TotalVoterCount == p.TotalVoterCount && snap.IsClosed == p.IsClosed {
		return res, nil
	}

	n := len(snap.Options)
	if len(p.Options) < n {
		n = len(p.Options)
	}
	for i := 0; i < n; i++ {
		observed := snap.Options[i].VoterCount
		if observed < 0 || observed > maxSaneVoterCount {
			res.SkippedOptions++
			continue
		}
		opt := &p.Options[i]
		delta := observed - opt.ExistingVotes
		if delta == 0 {
			continue
		}
		if delta > 0 {
			opt.VoterIDs = append(opt.VoterIDs, AllocatePlaceholders(i, opt.VoterIDs, delta)...)
		} else {
			removePlaceholders(opt, i, -delta)
		}
		if named := opt.NamedVoters(); observed < named {
			observed = named
		}
		opt.ExistingVotes = observed
		res.Changed = true
	}

	if snap.IsClosed && !p.IsClosed {
		p.IsClosed = true
		res.Changed = true
	}

	if total := TotalVoters(p); total != p.TotalVoterCount {
		p.TotalVoterCount = total
		res.Changed = true
	}
	return res, nil
}

// removePlaceholders снимает n синтетических меток варианта, начиная с
// ближайших к нулю; самые глубокие метки переживают снятие.
func removePlaceholders(o *domain.Option, optionIndex, n int) {
	base := placeholderBase(optionIndex)
	var marks []int64
	for _, id := range o.VoterIDs {
		if id <= base && id > base-placeholderRange {
			marks = append(marks, id)
		}
	}
	sort.Slice(marks, func(i, j int) bool { return marks[i] > marks[j] })
	if n > len(marks) {
		n = len(marks)
	}
	for _, id := range marks[:n] {
		o.RemoveVoter(id)
	}
}

// updateMention отмечает голос в ростере упоминаний и достраивает
// личность, если раньше был известен только ник.
func updateMention(p *domain.Poll, ev domain.VoteEvent) bool {
	m := p.MentionByUserID(ev.UserID)
	if m == nil {
		m = p.MentionByUsername(ev.Username)
	}
	if m == nil {
		return false
	}
	changed := false
	if voted := !ev.Retraction(); m.Voted != voted {
		m.Voted = voted
		changed = true
	}
	if m.UserID == 0 {
		m.UserID = ev.UserID
		changed = true
	}
	if m.Username == "" && ev.Username != "" {
		m.Username = ev.Username
		changed = true
	}
	if m.FirstName == "" && ev.FirstName != "" {
		m.FirstName = ev.FirstName
		changed = true
	}
	if m.LastName == "" && ev.LastName != "" {
		m.LastName = ev.LastName
		changed = true
	}
	return changed
}
