package domain

import (
	"strings"
	"time"
)

// Poll описывает отслеживаемый опрос в чате.
type Poll struct {
	ID               int64
	PollID           string
	OriginalPollID   string
	ChatID           int64
	MessageID        int
	Title            string
	Description      string
	Options          []Option
	Mentions         []Mention
	IsAnonymous      bool
	IsMultipleChoice bool
	IsClosed         bool
	IsTracked        bool
	TrackedAt        *time.Time
	TotalVoterCount  int
	Revision         int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Option — один вариант ответа. Позиция в срезе Options служит
// идентификатором варианта: после создания опроса варианты не
// переставляются и не удаляются.
type Option struct {
	Text string `json:"text"`
	// VoterIDs хранит проголосовавших: положительные значения — это
	// настоящие Telegram user id, отрицательные — синтетические метки
	// анонимных голосов, известных только в сумме.
	VoterIDs []int64 `json:"voter_ids"`
	// ExistingVotes — базовый счётчик голосов, от которого считаются
	// дельты по совокупным наблюдениям.
	ExistingVotes int `json:"existing_votes"`
}

// Mention — участник, которого позвали голосовать при создании опроса.
type Mention struct {
	UserID    int64  `json:"user_id,omitempty"`
	Username  string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Voted     bool   `json:"voted"`
}

// HasVoter сообщает, есть ли id в списке проголосовавших.
func (o *Option) HasVoter(id int64) bool {
	for _, v := range o.VoterIDs {
		if v == id {
			return true
		}
	}
	return false
}

// AddVoter добавляет id, если его ещё нет. Возвращает true при изменении.
func (o *Option) AddVoter(id int64) bool {
	if o.HasVoter(id) {
		return false
	}
	o.VoterIDs = append(o.VoterIDs, id)
	return true
}

// RemoveVoter убирает id из списка. Возвращает true при изменении.
func (o *Option) RemoveVoter(id int64) bool {
	for i, v := range o.VoterIDs {
		if v == id {
			o.VoterIDs = append(o.VoterIDs[:i], o.VoterIDs[i+1:]...)
			return true
		}
	}
	return false
}

// NamedVoters возвращает количество положительных (именованных) id.
func (o *Option) NamedVoters() int {
	n := 0
	for _, v := range o.VoterIDs {
		if v > 0 {
			n++
		}
	}
	return n
}

// PlaceholderVoters возвращает количество отрицательных (анонимных) меток.
func (o *Option) PlaceholderVoters() int {
	n := 0
	for _, v := range o.VoterIDs {
		if v < 0 {
			n++
		}
	}
	return n
}

// MentionByUserID ищет упоминание по id пользователя.
func (p *Poll) MentionByUserID(userID int64) *Mention {
	if userID == 0 {
		return nil
	}
	for i := range p.Mentions {
		if p.Mentions[i].UserID == userID {
			return &p.Mentions[i]
		}
	}
	return nil
}

// MentionByUsername ищет упоминание по нику без учёта регистра и "@".
func (p *Poll) MentionByUsername(username string) *Mention {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return nil
	}
	for i := range p.Mentions {
		if strings.EqualFold(p.Mentions[i].Username, username) {
			return &p.Mentions[i]
		}
	}
	return nil
}
