package domain

// VoteEvent — нормализованное именованное событие голосования.
// Пустой OptionIndexes означает отзыв голоса.
type VoteEvent struct {
	PollID        string
	UserID        int64
	Username      string
	FirstName     string
	LastName      string
	OptionIndexes []int
}

// Retraction сообщает, что пользователь отозвал свой голос.
func (e VoteEvent) Retraction() bool {
	return len(e.OptionIndexes) == 0
}

// OptionCount — совокупный счётчик голосов одного варианта.
type OptionCount struct {
	VoterCount int
}

// PollSnapshot — совокупное наблюдение счётчиков опроса без привязки
// к конкретным пользователям. HasTotal=false означает, что платформа
// не прислала общий счётчик и событие нужно пропустить.
type PollSnapshot struct {
	PollID          string
	TotalVoterCount int
	HasTotal        bool
	Options         []OptionCount
	IsClosed        bool
}

// RefreshJob — задание на сверку одного опроса с платформой.
type RefreshJob struct {
	JobID     string `json:"job_id"`
	PollID    string `json:"poll_id"`
	ChatID    int64  `json:"chat_id"`
	MessageID int    `json:"message_id"`
}

// SnapshotCacheKey — ключ кэша последнего наблюдения счётчиков опроса.
func SnapshotCacheKey(pollID string) string {
	return "snapshot:" + pollID
}

// MemberInfo — результат поиска участника чата, только для отображения.
type MemberInfo struct {
	Username  string
	FirstName string
	LastName  string
}
