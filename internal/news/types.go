package news

// Item — запись новости в том виде, в каком её вернул API биржи.
// Схема не фиксирована: идентификатор, заголовок, дата и ссылка вычисляются.
type Item map[string]any

// NormalizedItem описывает новость после нормализации полей.
type NormalizedItem struct {
	ID        string `json:"id"`
	Headline  string `json:"headline"`
	Timestamp string `json:"timestamp"` // в формате источника
	DetailURL string `json:"detail_url"`
	Raw       Item   `json:"-"`
}

// FieldMap — извлечённые поля страницы новости: тайская метка → значение.
type FieldMap map[string]string

// Detail — результат разбора страницы новости.
type Detail struct {
	Fields FieldMap `json:"fields"`
	Text   string   `json:"-"`
}

// DigestEntry — новость, подготовленная к включению в дайджест.
type DigestEntry struct {
	Item    NormalizedItem `json:"item"`
	Fields  FieldMap       `json:"fields"`
	Summary string         `json:"summary,omitempty"`
	Err     error          `json:"-"` // ошибка загрузки или разбора страницы
}

// Digest — итоговое сообщение одного запуска.
type Digest struct {
	Subject     string   `json:"subject"`
	Body        string   `json:"body"`
	Attachments []string `json:"attachments,omitempty"`
}

// RunReport подводит итог одного запуска пайплайна.
type RunReport struct {
	RunID     string `json:"run_id"`
	Fetched   int    `json:"fetched"`
	Matched   int    `json:"matched"`
	New       int    `json:"new"`
	Notified  int    `json:"notified"`
	Committed int    `json:"committed"`
	Demo      bool   `json:"demo"`
	Delivered bool   `json:"delivered"`
	Subject   string `json:"subject,omitempty"`

	// FailedSinks — дополнительные каналы, не принявшие дайджест. Коммит они не отменяют.
	FailedSinks []string `json:"failed_sinks,omitempty"`
}
