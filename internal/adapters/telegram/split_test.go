package telegram

import (
	"fmt"
	"strings"
	"testing"
)

// longRoster строит отчёт /status, заведомо не влезающий в одно сообщение:
// заголовок и сотни строк ростера вида "✓ @ник".
func longRoster(lines int) string {
	var b strings.Builder
	b.WriteString("«Едем на дачу в субботу?»\n")
	b.WriteString("Всего проголосовало: 500\n\nЖдём голосов:\n")
	for i := 0; i < lines; i++ {
		mark := "✓"
		if i%3 == 0 {
			mark = "—"
		}
		fmt.Fprintf(&b, "%s @участник_с_длинным_ником_%04d\n", mark, i)
	}
	return b.String()
}

func TestSplitMessageKeepsRosterLinesIntact(t *testing.T) {
	report := longRoster(400)
	whole := map[string]struct{}{}
	for _, line := range strings.Split(report, "\n") {
		whole[line] = struct{}{}
	}

	parts := SplitMessage(report)
	if len(parts) < 2 {
		t.Fatalf("длинный ростер должен разбиться, получили %d частей", len(parts))
	}
	for i, part := range parts {
		if length := len([]rune(part)); length > messageLimit {
			t.Fatalf("часть %d длиннее лимита: %d", i, length)
		}
		// Разрез проходит по границам строк: каждая строка части — целая
		// строка исходного отчёта, ни один ник не рвётся пополам.
		for _, line := range strings.Split(part, "\n") {
			if _, ok := whole[line]; !ok {
				t.Fatalf("часть %d порвала строку ростера: %q", i, line)
			}
		}
	}
	if !strings.HasPrefix(parts[0], "«Едем на дачу в субботу?»") {
		t.Fatal("заголовок отчёта должен остаться в первой части")
	}
}

func TestSplitMessageShortReport(t *testing.T) {
	report := "«Едем на дачу?»\nВсего проголосовало: 2\n\nДа — 2 (из них анонимно: 1)"
	parts := SplitMessage(report)
	if len(parts) != 1 {
		t.Fatalf("короткий отчёт не должен разбиваться, получили %d частей", len(parts))
	}
	if parts[0] != report {
		t.Fatalf("отчёт изменился: %q", parts[0])
	}
}

func TestSplitMessageEmpty(t *testing.T) {
	if parts := SplitMessage("   \n  "); len(parts) != 0 {
		t.Fatalf("пустой отчёт не должен давать частей, получили %d", len(parts))
	}
}
