package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/maine/set_news_watcher/internal/config"
	"github.com/maine/set_news_watcher/internal/filter"
	"github.com/maine/set_news_watcher/internal/formatter"
	"github.com/maine/set_news_watcher/internal/news"
	"github.com/maine/set_news_watcher/internal/normalize"
	"github.com/maine/set_news_watcher/internal/state"
)

const buyback = "รายงานผลการซื้อหุ้นคืน"

var fixedNow = time.Date(2024, 6, 20, 9, 0, 0, 0, time.UTC)

// mockLister - мок списка новостей
type mockLister struct {
	fetchFunc func(ctx context.Context, from, to time.Time) ([]news.Item, error)
	calls     int
}

func (m *mockLister) FetchNews(ctx context.Context, from, to time.Time) ([]news.Item, error) {
	m.calls++
	return m.fetchFunc(ctx, from, to)
}

type mockDetails struct {
	fetchFunc func(ctx context.Context, url string) (string, error)
	urls      []string
}

func (m *mockDetails) FetchDetail(ctx context.Context, url string) (string, error) {
	m.urls = append(m.urls, url)
	if m.fetchFunc != nil {
		return m.fetchFunc(ctx, url)
	}
	return "<p>ok</p>", nil
}

type mockExtractor struct {
	extractFunc func(html string) (news.Detail, error)
}

func (m *mockExtractor) Extract(html string) (news.Detail, error) {
	if m.extractFunc != nil {
		return m.extractFunc(html)
	}
	return news.Detail{Fields: news.FieldMap{"ชื่อบริษัท": "ธนาคารกสิกรไทย"}, Text: html}, nil
}

type mockSummarizer struct {
	summarizeFunc func(ctx context.Context, item news.NormalizedItem, text string) (string, error)
}

func (m *mockSummarizer) Summarize(ctx context.Context, item news.NormalizedItem, text string) (string, error) {
	return m.summarizeFunc(ctx, item, text)
}

type mockSender struct {
	name     string
	sendFunc func(ctx context.Context, digest news.Digest) error
	sent     []news.Digest
}

func (m *mockSender) Name() string { return m.name }

func (m *mockSender) Send(ctx context.Context, digest news.Digest) error {
	if m.sendFunc != nil {
		if err := m.sendFunc(ctx, digest); err != nil {
			return err
		}
	}
	m.sent = append(m.sent, digest)
	return nil
}

// memStore хранит состояние в памяти и считает сохранения.
type memStore struct {
	ids      []string
	saves    int
	saveErr  error
	loadFunc func() (*state.SeenSet, error)
}

func (m *memStore) Load(ctx context.Context) (*state.SeenSet, error) {
	if m.loadFunc != nil {
		return m.loadFunc()
	}
	return state.NewSeenSet(m.ids...), nil
}

func (m *memStore) Save(ctx context.Context, seen *state.SeenSet) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.ids = seen.IDs()
	return nil
}

func item(id, headline, ts string) news.Item {
	it := news.Item{"id": id, "headline": headline}
	if ts != "" {
		it["datetime"] = ts
	}
	return it
}

func staticList(items ...news.Item) *mockLister {
	return &mockLister{fetchFunc: func(context.Context, time.Time, time.Time) ([]news.Item, error) {
		return items, nil
	}}
}

type fixture struct {
	lister  *mockLister
	details *mockDetails
	extract *mockExtractor
	sender  *mockSender
	store   *memStore
	out     *bytes.Buffer
	cfg     config.Pipeline
	senders []Sender
	summary Summarizer
}

func newFixture(lister *mockLister) *fixture {
	sender := &mockSender{name: "mock"}
	return &fixture{
		lister:  lister,
		details: &mockDetails{},
		extract: &mockExtractor{},
		sender:  sender,
		store:   &memStore{},
		out:     &bytes.Buffer{},
		cfg: config.Pipeline{
			MaxNewItems: 5,
			DemoCommit:  config.DemoCommitSkip,
		},
		senders: []Sender{sender},
	}
}

func (f *fixture) pipeline() *Pipeline {
	return NewPipeline(PipelineDeps{
		Lister:       f.lister,
		Details:      f.details,
		Normalizer:   normalize.New("https://www.set.or.th", "KBANK", "th"),
		Filter:       filter.New(config.Filter{Text: buyback, Mode: "exact"}),
		Extractor:    f.extract,
		Summarizer:   f.summary,
		Formatter:    formatter.New("KBANK", []string{"ชื่อบริษัท", "ราคาสูงสุด"}),
		Senders:      f.senders,
		StateStore:   f.store,
		Clock:        func() time.Time { return fixedNow },
		Out:          f.out,
		Logger:       zerolog.Nop(),
		Symbol:       "KBANK",
		LookbackDays: 14,
		Config:       f.cfg,
	})
}

func TestPipeline_Run_Scenario(t *testing.T) {
	lister := staticList(
		item("1", buyback, "2024-06-14T17:32:00+07:00"),
		item("2", "งบการเงินไตรมาส 1", "2024-06-13T08:00:00+07:00"),
		item("3", buyback, "2024-06-12T17:00:00+07:00"),
	)
	var gotFrom, gotTo time.Time
	fetch := lister.fetchFunc
	lister.fetchFunc = func(ctx context.Context, from, to time.Time) ([]news.Item, error) {
		gotFrom, gotTo = from, to
		return fetch(ctx, from, to)
	}

	f := newFixture(lister)
	f.store.ids = []string{"3"}

	report, err := f.pipeline().Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, fixedNow.AddDate(0, 0, -14), gotFrom)
	require.Equal(t, fixedNow, gotTo)

	require.Equal(t, 3, report.Fetched)
	require.Equal(t, 2, report.Matched)
	require.Equal(t, 1, report.New)
	require.Equal(t, 1, report.Notified)
	require.Equal(t, 1, report.Committed)
	require.True(t, report.Delivered)
	require.False(t, report.Demo)
	require.NotEmpty(t, report.RunID)

	require.Len(t, f.sender.sent, 1)
	digest := f.sender.sent[0]
	require.Equal(t, "SET Alert (KBANK) 14/06/2024: 1 new item(s)", digest.Subject)
	require.Contains(t, digest.Body, "ชื่อบริษัท: ธนาคารกสิกรไทย")
	require.Contains(t, digest.Body, "ราคาสูงสุด: -")

	require.Equal(t, []string{"https://www.set.or.th/th/market/news-and-alert/newsdetails?id=1&symbol=KBANK"}, f.details.urls)
	require.Equal(t, []string{"3", "1"}, f.store.ids)
	require.Equal(t, 1, f.store.saves)
	require.Empty(t, f.out.String())
}

func TestPipeline_Run_Idempotent(t *testing.T) {
	f := newFixture(staticList(item("1", buyback, ""), item("2", buyback, "")))
	p := f.pipeline()

	_, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, f.sender.sent, 1)

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, f.sender.sent, 1, "second run must not send again")
	require.Equal(t, 0, report.New)
	require.Equal(t, 1, f.store.saves, "second run must not touch state")
}

func TestPipeline_Run_CapMarksWholeBatchSeen(t *testing.T) {
	var items []news.Item
	for i := 1; i <= 7; i++ {
		items = append(items, item(fmt.Sprintf("n-%d", i), buyback, ""))
	}
	lister := staticList(items...)
	f := newFixture(lister)
	p := f.pipeline()

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, report.New)
	require.Equal(t, 5, report.Notified)
	require.Equal(t, 7, report.Committed)
	require.Len(t, f.details.urls, 5)
	require.Len(t, f.store.ids, 7)

	digest := f.sender.sent[0]
	require.Contains(t, digest.Subject, ": 7 new item(s)")
	require.Contains(t, digest.Body, "[5] ")
	require.NotContains(t, digest.Body, "[6] ")
	require.Contains(t, digest.Body, "2 more matching item(s)")

	// capped-out items are never retried
	lister.fetchFunc = func(context.Context, time.Time, time.Time) ([]news.Item, error) {
		return append(items, item("n-8", buyback, "")), nil
	}
	report, err = p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.New)
	require.Len(t, f.sender.sent, 2)
	require.Contains(t, f.sender.sent[1].Body, "id=n-8")
	require.NotContains(t, f.sender.sent[1].Body, "id=n-6")
}

func TestPipeline_Run_DeliveryFailureKeepsState(t *testing.T) {
	f := newFixture(staticList(item("1", buyback, "")))
	f.sender.sendFunc = func(context.Context, news.Digest) error {
		return errors.New("smtp: 535 auth failed")
	}
	p := f.pipeline()

	_, err := p.Run(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDelivery))
	require.Equal(t, 0, f.store.saves)
	require.Empty(t, f.store.ids)

	// the same batch is retried on the next run
	f.sender.sendFunc = nil
	report, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Notified)
	require.Len(t, f.sender.sent, 1)
	require.Equal(t, []string{"1"}, f.store.ids)
}

func TestPipeline_Run_SecondarySinkFailureStillCommits(t *testing.T) {
	f := newFixture(staticList(item("1", buyback, "")))
	f.sender.name = "smtp"
	telegramCalls := 0
	failing := &mockSender{name: "telegram", sendFunc: func(context.Context, news.Digest) error {
		telegramCalls++
		return errors.New("telegram api status 429")
	}}
	f.senders = []Sender{f.sender, failing}
	p := f.pipeline()

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	require.True(t, report.Delivered)
	require.Equal(t, []string{"telegram"}, report.FailedSinks)
	require.Equal(t, 1, report.Committed)
	require.Equal(t, []string{"1"}, f.store.ids)

	// второй запуск не должен повторить письмо
	failing.sendFunc = nil
	report, err = p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, report.New)
	require.Len(t, f.sender.sent, 1)
	require.Empty(t, failing.sent)
	require.Equal(t, 1, telegramCalls)
}

func TestPipeline_Run_PrimarySinkFailureSkipsSecondary(t *testing.T) {
	f := newFixture(staticList(item("1", buyback, "")))
	f.sender.name = "smtp"
	f.sender.sendFunc = func(context.Context, news.Digest) error {
		return errors.New("smtp: 535 auth failed")
	}
	secondary := &mockSender{name: "telegram"}
	f.senders = []Sender{f.sender, secondary}

	_, err := f.pipeline().Run(context.Background())
	require.ErrorIs(t, err, ErrDelivery)
	require.Contains(t, err.Error(), "smtp")
	require.Empty(t, secondary.sent)
	require.Equal(t, 0, f.store.saves)
}

func TestPipeline_Run_FetchFailure(t *testing.T) {
	fetchErr := errors.New("access denied")
	f := newFixture(&mockLister{fetchFunc: func(context.Context, time.Time, time.Time) ([]news.Item, error) {
		return nil, fetchErr
	}})

	_, err := f.pipeline().Run(context.Background())
	require.ErrorIs(t, err, fetchErr)
	require.Empty(t, f.sender.sent)
	require.Equal(t, 0, f.store.saves)
}

func TestPipeline_Run_LoadFailure(t *testing.T) {
	f := newFixture(staticList(item("1", buyback, "")))
	f.store.loadFunc = func() (*state.SeenSet, error) { return nil, errors.New("permission denied") }

	_, err := f.pipeline().Run(context.Background())
	require.Error(t, err)
	require.Equal(t, 0, f.lister.calls)
}

func TestPipeline_Run_DryRunCommits(t *testing.T) {
	f := newFixture(staticList(item("1", buyback, "")))
	f.cfg.DryRun = true

	report, err := f.pipeline().Run(context.Background())
	require.NoError(t, err)
	require.Empty(t, f.sender.sent)
	require.False(t, report.Delivered)
	require.Contains(t, f.out.String(), "SUBJECT: SET Alert (KBANK)")
	require.Equal(t, []string{"1"}, f.store.ids)
}

func TestPipeline_Run_NoSinksPrintsAndCommits(t *testing.T) {
	f := newFixture(staticList(item("1", buyback, "")))
	f.senders = nil

	report, err := f.pipeline().Run(context.Background())
	require.NoError(t, err)
	require.False(t, report.Delivered)
	require.Contains(t, f.out.String(), "[1] "+buyback)
	require.Equal(t, []string{"1"}, f.store.ids)
}

func TestPipeline_Run_NothingNew(t *testing.T) {
	f := newFixture(staticList(item("1", "other", "")))

	report, err := f.pipeline().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, report.Matched)
	require.Empty(t, f.sender.sent)
	require.Empty(t, f.details.urls)
	require.Equal(t, 0, f.store.saves)
}

func TestPipeline_Run_DemoFallback(t *testing.T) {
	items := []news.Item{
		item("old", buyback, "2024-06-01T10:00:00+07:00"),
		item("latest", buyback, "2024-06-18T10:00:00+07:00"),
		item("mid", buyback, "2024-06-10T10:00:00+07:00"),
	}

	tests := []struct {
		name      string
		policy    string
		wantSaves int
	}{
		{name: "skip policy leaves state", policy: config.DemoCommitSkip, wantSaves: 0},
		{name: "commit policy saves state", policy: config.DemoCommitCommit, wantSaves: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(staticList(items...))
			f.store.ids = []string{"old", "latest", "mid"}
			f.cfg.ForceSend = true
			f.cfg.DemoCommit = tt.policy

			report, err := f.pipeline().Run(context.Background())
			require.NoError(t, err)
			require.True(t, report.Demo)
			require.Equal(t, 0, report.New)
			require.Equal(t, 1, report.Notified)
			require.Len(t, f.sender.sent, 1)
			require.Contains(t, f.sender.sent[0].Subject, "[DEMO]")
			require.Contains(t, f.sender.sent[0].Body, "id=latest")
			require.Equal(t, tt.wantSaves, f.store.saves)
			require.Equal(t, []string{"old", "latest", "mid"}, f.store.ids)
		})
	}
}

func TestPipeline_Run_ForceSendIgnoredWhenNewItemsExist(t *testing.T) {
	f := newFixture(staticList(item("1", buyback, "")))
	f.cfg.ForceSend = true

	report, err := f.pipeline().Run(context.Background())
	require.NoError(t, err)
	require.False(t, report.Demo)
	require.Equal(t, 1, report.Committed)
}

func TestPipeline_Run_DetailFailureDegrades(t *testing.T) {
	f := newFixture(staticList(item("1", buyback, ""), item("2", buyback, "")))
	f.details.fetchFunc = func(ctx context.Context, url string) (string, error) {
		if strings.Contains(url, "id=1") {
			return "", errors.New("fetch detail: unexpected status 500")
		}
		return "<p>ok</p>", nil
	}
	f.extract.extractFunc = func(html string) (news.Detail, error) {
		return news.Detail{Fields: news.FieldMap{"ราคาสูงสุด": "10.00"}}, nil
	}

	report, err := f.pipeline().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Committed)

	body := f.sender.sent[0].Body
	require.Contains(t, body, "Details unavailable: fetch detail: unexpected status 500")
	require.Contains(t, body, "ราคาสูงสุด: 10.00")
	require.Less(t, strings.Index(body, "id=1"), strings.Index(body, "id=2"))
}

func TestPipeline_Run_SummaryFailureOnlyDropsSummary(t *testing.T) {
	f := newFixture(staticList(item("1", buyback, ""), item("2", buyback, "")))
	f.summary = &mockSummarizer{summarizeFunc: func(ctx context.Context, it news.NormalizedItem, text string) (string, error) {
		if it.ID == "1" {
			return "", errors.New("quota")
		}
		return "สรุป", nil
	}}

	_, err := f.pipeline().Run(context.Background())
	require.NoError(t, err)
	body := f.sender.sent[0].Body
	require.Equal(t, 1, strings.Count(body, "Summary: สรุป"))
	require.NotContains(t, body, "Details unavailable")
}

func TestPipeline_Run_SortNewestFirst(t *testing.T) {
	list := staticList(
		item("a", buyback, "2024-06-10T10:00:00+07:00"),
		item("b", buyback, "2024-06-14T10:00:00+07:00"),
		item("c", buyback, "2024-06-12T10:00:00+07:00"),
	)
	f := newFixture(list)
	f.cfg.SortNewestFirst = true
	f.cfg.MaxNewItems = 2

	_, err := f.pipeline().Run(context.Background())
	require.NoError(t, err)
	require.Len(t, f.details.urls, 2)
	require.Contains(t, f.details.urls[0], "id=b")
	require.Contains(t, f.details.urls[1], "id=c")
	require.Equal(t, []string{"b", "c", "a"}, f.store.ids)
}

func TestPipeline_Run_SortKeepsOrderWithUnparseableDates(t *testing.T) {
	f := newFixture(staticList(
		item("a", buyback, "2024-06-10"),
		item("b", buyback, "yesterday"),
		item("c", buyback, "2024-06-12"),
	))
	f.cfg.SortNewestFirst = true

	_, err := f.pipeline().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, f.store.ids)
}

func TestPipeline_Run_DuplicateIDsInResponse(t *testing.T) {
	f := newFixture(staticList(item("1", buyback, ""), item("1", buyback, "")))

	report, err := f.pipeline().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.New)
	require.Equal(t, []string{"1"}, f.store.ids)
}

func TestPipeline_Run_SaveFailure(t *testing.T) {
	f := newFixture(staticList(item("1", buyback, "")))
	f.store.saveErr = errors.New("disk full")

	report, err := f.pipeline().Run(context.Background())
	require.Error(t, err)
	require.True(t, report.Delivered)
	require.Len(t, f.sender.sent, 1)
}

func TestPipeline_Run_NotConfigured(t *testing.T) {
	p := NewPipeline(PipelineDeps{})
	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestPipeline_SendTest(t *testing.T) {
	f := newFixture(staticList())
	p := f.pipeline()

	require.NoError(t, p.SendTest(context.Background(), []string{"report.pdf"}))
	require.Len(t, f.sender.sent, 1)
	require.Equal(t, "SMTP TEST: SET watcher (KBANK)", f.sender.sent[0].Subject)
	require.Equal(t, []string{"report.pdf"}, f.sender.sent[0].Attachments)
	require.Equal(t, 0, f.lister.calls)
	require.Equal(t, 0, f.store.saves)

	f.senders = nil
	require.ErrorIs(t, f.pipeline().SendTest(context.Background(), nil), ErrNoSinks)
}
