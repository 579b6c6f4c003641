package bot

import (
	"strconv"
	"strings"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/DelmMV/telegram-ballot-guard/internal/domain"
)

// parseMentions собирает ростер упоминаний из сущностей сообщения.
// Смещения сущностей Telegram заданы в кодовых единицах UTF-16.
func parseMentions(text string, entities []tgbotapi.MessageEntity) []domain.Mention {
	var out []domain.Mention
	units := utf16.Encode([]rune(text))
	seen := map[string]struct{}{}
	for _, e := range entities {
		switch e.Type {
		case "text_mention":
			// Пользователь без ника: личность известна сразу.
			if e.User == nil {
				continue
			}
			key := "id:" + strconv.FormatInt(e.User.ID, 10)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, domain.Mention{
				UserID:    e.User.ID,
				Username:  e.User.UserName,
				FirstName: e.User.FirstName,
				LastName:  e.User.LastName,
			})
		case "mention":
			username := entitySlice(units, e.Offset, e.Length)
			username = strings.TrimPrefix(username, "@")
			if username == "" {
				continue
			}
			key := "@" + strings.ToLower(username)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, domain.Mention{Username: username})
		}
	}
	return out
}

func entitySlice(units []uint16, offset, length int) string {
	if offset < 0 || length <= 0 || offset+length > len(units) {
		return ""
	}
	return string(utf16.Decode(units[offset : offset+length]))
}
