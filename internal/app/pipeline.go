package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/maine/set_news_watcher/internal/config"
	"github.com/maine/set_news_watcher/internal/news"
	"github.com/maine/set_news_watcher/internal/normalize"
	"github.com/maine/set_news_watcher/internal/state"
)

var (
	// ErrNotConfigured возвращается, когда пайплайн запущен без обязательных зависимостей.
	ErrNotConfigured = errors.New("pipeline dependencies not configured")
	// ErrDelivery — основной канал доставки вернул ошибку; состояние не сохраняется.
	ErrDelivery = errors.New("delivery failed")
	// ErrNoSinks — тестовая отправка без настроенных каналов доставки.
	ErrNoSinks = errors.New("no delivery sinks configured")
)

// Clock определяет источник времени (удобно подменять в тестах).
type Clock func() time.Time

// Lister загружает список новостей за интервал дат.
type Lister interface {
	FetchNews(ctx context.Context, from, to time.Time) ([]news.Item, error)
}

// DetailFetcher загружает HTML страницы новости.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, url string) (string, error)
}

// Normalizer вычисляет id, заголовок, дату и ссылку новости.
type Normalizer interface {
	Normalize(items []news.Item) []news.NormalizedItem
}

// Filter отбирает новости по заголовку.
type Filter interface {
	Apply(items []news.NormalizedItem) []news.NormalizedItem
}

// Extractor достаёт поля отчёта из страницы новости.
type Extractor interface {
	Extract(html string) (news.Detail, error)
}

// Summarizer создаёт краткое резюме новости. Необязателен.
type Summarizer interface {
	Summarize(ctx context.Context, item news.NormalizedItem, text string) (string, error)
}

// Formatter собирает одно письмо из пачки новостей.
type Formatter interface {
	Compose(entries []news.DigestEntry, matched int, demo bool, now time.Time) news.Digest
}

// Sender доставляет дайджест в один канал.
type Sender interface {
	Name() string
	Send(ctx context.Context, digest news.Digest) error
}

// StateStore хранит множество уже обработанных id.
type StateStore interface {
	Load(ctx context.Context) (*state.SeenSet, error)
	Save(ctx context.Context, seen *state.SeenSet) error
}

// PipelineDeps перечисляет зависимости пайплайна.
type PipelineDeps struct {
	Lister     Lister
	Details    DetailFetcher
	Normalizer Normalizer
	Filter     Filter
	Extractor  Extractor
	Summarizer Summarizer
	Formatter  Formatter
	Senders    []Sender
	StateStore StateStore
	Clock      Clock
	Out        io.Writer
	Logger     zerolog.Logger

	Symbol       string
	LookbackDays int
	Config       config.Pipeline
}

// Pipeline инкапсулирует один запуск проверки новостей.
type Pipeline struct {
	lister     Lister
	details    DetailFetcher
	normalizer Normalizer
	filter     Filter
	extractor  Extractor
	summarizer Summarizer
	formatter  Formatter
	senders    []Sender
	stateStore StateStore
	clock      Clock
	out        io.Writer
	logger     zerolog.Logger

	symbol       string
	lookbackDays int
	cfg          config.Pipeline
}

// NewPipeline создаёт новый экземпляр пайплайна.
func NewPipeline(deps PipelineDeps) *Pipeline {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	out := deps.Out
	if out == nil {
		out = os.Stdout
	}

	return &Pipeline{
		lister:       deps.Lister,
		details:      deps.Details,
		normalizer:   deps.Normalizer,
		filter:       deps.Filter,
		extractor:    deps.Extractor,
		summarizer:   deps.Summarizer,
		formatter:    deps.Formatter,
		senders:      deps.Senders,
		stateStore:   deps.StateStore,
		clock:        clock,
		out:          out,
		logger:       deps.Logger,
		symbol:       deps.Symbol,
		lookbackDays: deps.LookbackDays,
		cfg:          deps.Config,
	}
}

// Run исполняет полный цикл: список → фильтр → новые → лимит → страницы → письмо → доставка → состояние.
// Состояние сохраняется только после успешной (или намеренно пропущенной) доставки.
func (p *Pipeline) Run(ctx context.Context) (news.RunReport, error) {
	report := news.RunReport{RunID: uuid.NewString()}
	if err := p.validateDeps(); err != nil {
		return report, err
	}
	logger := p.logger.With().Str("run_id", report.RunID).Str("symbol", p.symbol).Logger()

	seen, err := p.stateStore.Load(ctx)
	if err != nil {
		return report, fmt.Errorf("load state: %w", err)
	}

	now := p.clock()
	from := now.AddDate(0, 0, -p.lookbackDays)

	logger.Info().
		Str("from", from.Format("02/01/2006")).
		Str("to", now.Format("02/01/2006")).
		Int("seen", seen.Len()).
		Msg("Step 1: Fetching news list")
	raw, err := p.lister.FetchNews(ctx, from, now)
	if err != nil {
		return report, fmt.Errorf("fetch news: %w", err)
	}
	items := p.normalizer.Normalize(raw)
	report.Fetched = len(items)
	for _, item := range firstN(items, 3) {
		logger.Debug().Str("id", item.ID).Str("timestamp", item.Timestamp).Str("headline", item.Headline).Msg("sample item")
	}

	logger.Info().Msg("Step 2: Filtering by headline")
	matched := p.filter.Apply(items)
	report.Matched = len(matched)

	batch := newItems(matched, seen)
	if p.cfg.SortNewestFirst {
		sortNewestFirst(batch)
	}
	report.New = len(batch)
	logger.Info().Int("fetched", report.Fetched).Int("matched", report.Matched).Int("new", report.New).Msg("Step 3: Dedupe complete")

	if len(batch) == 0 && p.cfg.ForceSend && len(matched) > 0 {
		batch = []news.NormalizedItem{newest(matched)}
		report.Demo = true
		logger.Info().Str("id", batch[0].ID).Msg("no new items; force send uses the latest matching item as demo")
	}

	if len(batch) == 0 {
		logger.Info().Msg("no new news")
		return report, nil
	}

	notify := firstN(batch, p.cfg.MaxNewItems)
	report.Notified = len(notify)
	logger.Info().Int("notify", len(notify)).Int("cap", p.cfg.MaxNewItems).Msg("Step 4: Fetching details")

	entries := make([]news.DigestEntry, 0, len(notify))
	for _, item := range notify {
		entries = append(entries, p.buildEntry(ctx, logger, item))
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	logger.Info().Msg("Step 5: Composing digest")
	digest := p.formatter.Compose(entries, len(batch), report.Demo, now)
	report.Subject = digest.Subject

	logger.Info().Msg("Step 6: Delivering")
	delivered, failed, err := p.deliver(ctx, logger, digest)
	if err != nil {
		return report, err
	}
	report.Delivered = delivered
	report.FailedSinks = failed

	if report.Demo && p.cfg.DemoCommit != config.DemoCommitCommit {
		logger.Info().Msg("demo batch is not committed")
		return report, nil
	}

	added := 0
	for _, item := range batch {
		if seen.Add(item.ID) {
			added++
		}
	}
	if err := p.stateStore.Save(ctx, seen); err != nil {
		logger.Error().Err(err).Msg("save state failed after delivery; items may be sent again next run")
		return report, fmt.Errorf("save state: %w", err)
	}
	report.Committed = added
	logger.Info().Int("committed", added).Int("seen", seen.Len()).Msg("Step 7: State updated")

	return report, nil
}

// SendTest отправляет тестовое письмо во все каналы. Состояние и сайт биржи не трогаются.
func (p *Pipeline) SendTest(ctx context.Context, attachments []string) error {
	if len(p.senders) == 0 {
		return ErrNoSinks
	}
	digest := news.Digest{
		Subject:     fmt.Sprintf("SMTP TEST: SET watcher (%s)", p.symbol),
		Body:        "If you got this message, the delivery settings are working.",
		Attachments: attachments,
	}
	for _, sender := range p.senders {
		if err := sender.Send(ctx, digest); err != nil {
			return fmt.Errorf("%w via %s: %w", ErrDelivery, sender.Name(), err)
		}
		p.logger.Info().Str("sink", sender.Name()).Msg("test message sent")
	}
	return nil
}

// buildEntry загружает и разбирает страницу новости. Ошибки не прерывают запуск.
func (p *Pipeline) buildEntry(ctx context.Context, logger zerolog.Logger, item news.NormalizedItem) news.DigestEntry {
	entry := news.DigestEntry{Item: item, Fields: news.FieldMap{}}

	html, err := p.details.FetchDetail(ctx, item.DetailURL)
	if err != nil {
		logger.Warn().Err(err).Str("id", item.ID).Str("url", item.DetailURL).Msg("detail fetch failed")
		entry.Err = err
		return entry
	}

	detail, err := p.extractor.Extract(html)
	if err != nil {
		logger.Warn().Err(err).Str("id", item.ID).Msg("detail extraction failed")
		entry.Err = err
		return entry
	}
	entry.Fields = detail.Fields
	logger.Debug().Str("id", item.ID).Int("fields", len(detail.Fields)).Msg("detail extracted")

	if p.summarizer != nil {
		summary, err := p.summarizer.Summarize(ctx, item, detail.Text)
		if err != nil {
			logger.Warn().Err(err).Str("id", item.ID).Msg("summary skipped")
		} else {
			entry.Summary = summary
		}
	}
	return entry
}

// deliver возвращает true, если дайджест действительно ушёл хотя бы в один канал.
// Первый канал основной: его ошибка отменяет коммит. Ошибки остальных каналов
// попадают в failed и коммит не отменяют, чтобы письмо не ушло повторно.
func (p *Pipeline) deliver(ctx context.Context, logger zerolog.Logger, digest news.Digest) (bool, []string, error) {
	if p.cfg.DryRun {
		logger.Info().Msg("dry run: printing digest instead of sending")
		p.print(digest)
		return false, nil, nil
	}
	if len(p.senders) == 0 {
		logger.Info().Msg("no delivery configured: printing digest")
		p.print(digest)
		return false, nil, nil
	}

	primary := p.senders[0]
	if err := primary.Send(ctx, digest); err != nil {
		logger.Error().Err(err).Str("sink", primary.Name()).Msg("delivery failed; state not updated")
		return false, nil, fmt.Errorf("%w via %s: %w", ErrDelivery, primary.Name(), err)
	}
	logger.Info().Str("sink", primary.Name()).Msg("digest delivered")

	var failed []string
	for _, sender := range p.senders[1:] {
		if err := sender.Send(ctx, digest); err != nil {
			logger.Warn().Err(err).Str("sink", sender.Name()).Msg("secondary delivery failed; committing anyway")
			failed = append(failed, sender.Name())
			continue
		}
		logger.Info().Str("sink", sender.Name()).Msg("digest delivered")
	}
	return true, failed, nil
}

func (p *Pipeline) print(digest news.Digest) {
	fmt.Fprintf(p.out, "SUBJECT: %s\n\n%s\n", digest.Subject, digest.Body)
}

func (p *Pipeline) validateDeps() error {
	// summarizer опционален, senders может быть пустым (режим печати)
	switch {
	case p.lister == nil,
		p.details == nil,
		p.normalizer == nil,
		p.filter == nil,
		p.extractor == nil,
		p.formatter == nil,
		p.stateStore == nil,
		p.clock == nil:
		return ErrNotConfigured
	default:
		return nil
	}
}

// newItems оставляет новости, которых нет в seen, в исходном порядке.
// Повтор id внутри одного ответа тоже отбрасывается.
func newItems(items []news.NormalizedItem, seen *state.SeenSet) []news.NormalizedItem {
	batch := make([]news.NormalizedItem, 0, len(items))
	inBatch := make(map[string]struct{}, len(items))
	for _, item := range items {
		if seen.Has(item.ID) {
			continue
		}
		if _, dup := inBatch[item.ID]; dup {
			continue
		}
		inBatch[item.ID] = struct{}{}
		batch = append(batch, item)
	}
	return batch
}

// sortNewestFirst сортирует по убыванию времени, только если все даты разбираются.
func sortNewestFirst(items []news.NormalizedItem) {
	times := make(map[string]time.Time, len(items))
	for _, item := range items {
		ts, ok := normalize.ParseTimestamp(item.Timestamp)
		if !ok {
			return
		}
		times[item.ID] = ts
	}
	sort.SliceStable(items, func(i, j int) bool {
		return times[items[i].ID].After(times[items[j].ID])
	})
}

// newest возвращает самую свежую новость; если даты не разбираются, первую по порядку источника.
func newest(items []news.NormalizedItem) news.NormalizedItem {
	best := items[0]
	var bestTime time.Time
	found := false
	for _, item := range items {
		ts, ok := normalize.ParseTimestamp(item.Timestamp)
		if !ok {
			continue
		}
		if !found || ts.After(bestTime) {
			best, bestTime, found = item, ts, true
		}
	}
	return best
}

func firstN(items []news.NormalizedItem, n int) []news.NormalizedItem {
	if n < 0 || n >= len(items) {
		return items
	}
	return items[:n]
}
