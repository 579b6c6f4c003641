package ledger

import "github.com/DelmMV/telegram-ballot-guard/internal/domain"

// TotalVoters пересчитывает общее число проголосовавших по реестру:
// различные положительные id по всем вариантам (человек с несколькими
// голосами считается один раз) плюс все отрицательные метки (каждая —
// ровно один анонимный голос, метки разных вариантов не пересекаются).
func TotalVoters(p *domain.Poll) int {
	named := make(map[int64]struct{})
	placeholders := 0
	for i := range p.Options {
		for _, id := range p.Options[i].VoterIDs {
			if id > 0 {
				named[id] = struct{}{}
			} else if id < 0 {
				placeholders++
			}
		}
	}
	return len(named) + placeholders
}
