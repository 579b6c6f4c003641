package ledger

// placeholderRange — ширина диапазона синтетических id на один вариант.
const placeholderRange = 1_000_000

// placeholderBase возвращает верхнюю границу диапазона меток варианта.
// Для варианта 0 это -1_000_000, для варианта 1 — -2_000_000 и так далее,
// поэтому метки разных вариантов не пересекаются.
func placeholderBase(optionIndex int) int64 {
	return -int64(placeholderRange) * int64(optionIndex+1)
}

// AllocatePlaceholders выделяет count новых синтетических id для варианта.
// Идёт строго вниз от минимальной уже выданной метки варианта, поэтому id
// никогда не переиспользуются, даже если голоса позже были отозваны.
func AllocatePlaceholders(optionIndex int, voterIDs []int64, count int) []int64 {
	if count <= 0 {
		return nil
	}
	base := placeholderBase(optionIndex)
	var lowest int64
	for _, id := range voterIDs {
		if id > base || id <= base-placeholderRange {
			continue
		}
		if lowest == 0 || id < lowest {
			lowest = id
		}
	}
	start := base - 1
	if lowest != 0 {
		start = lowest - 1
	}
	out := make([]int64, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, start-int64(i))
	}
	return out
}
