package state

// SeenSet — множество уже обработанных id новостей.
// Порядок добавления сохраняется, чтобы файл состояния оставался стабильным между запусками.
type SeenSet struct {
	ids   []string
	index map[string]struct{}
}

// NewSeenSet создаёт множество из списка id. Пустые и повторные id отбрасываются.
func NewSeenSet(ids ...string) *SeenSet {
	s := &SeenSet{index: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

// Has сообщает, встречался ли id раньше.
func (s *SeenSet) Has(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Add добавляет id и возвращает true, если он новый.
func (s *SeenSet) Add(id string) bool {
	if id == "" || s.Has(id) {
		return false
	}
	if s.index == nil {
		s.index = make(map[string]struct{})
	}
	s.index[id] = struct{}{}
	s.ids = append(s.ids, id)
	return true
}

// IDs возвращает копию id в порядке добавления.
func (s *SeenSet) IDs() []string {
	out := make([]string, len(s.ids))
	copy(out, s.ids)
	return out
}

func (s *SeenSet) Len() int {
	return len(s.ids)
}
