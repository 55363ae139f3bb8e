package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/maine/set_news_watcher/internal/config"
	"github.com/maine/set_news_watcher/internal/news"
)

const (
	userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	acceptLanguage = "th-TH,th;q=0.9,en-US;q=0.8,en;q=0.7"

	maxDetailBytes   = 5 << 20
	maxErrorSnippet  = 300
	maxDebugSnippet  = 2000
	searchPath       = "/api/set/news/search"
	requestDateStyle = "02/01/2006"
)

var (
	// ErrAccessDenied — сайт биржи ответил 403 на запрос списка новостей.
	ErrAccessDenied = errors.New("access denied by SET API")
	// ErrUnrecognizedResponse — в ответе нет массива новостей ни в одной известной форме.
	ErrUnrecognizedResponse = errors.New("unrecognized SET API response")
)

// responseShapes — пути к массиву новостей в ответе API, в порядке проверки.
// Пустой путь означает массив на верхнем уровне.
var responseShapes = [][]string{
	{},
	{"newsInfoList"},
	{"news"},
	{"items"},
	{"data"},
	{"results"},
	{"data", "newsInfoList"},
	{"data", "items"},
}

// SETClient загружает список новостей и страницы новостей с сайта SET.
type SETClient struct {
	cfg     config.Source
	client  *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewSETClient создаёт клиента с собственной cookie-сессией.
func NewSETClient(cfg config.Source, logger zerolog.Logger) (*SETClient, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &SETClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout, Jar: jar},
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With().Str("component", "set_client").Logger(),
	}, nil
}

func (c *SETClient) baseURL() string {
	return strings.TrimRight(c.cfg.BaseURL, "/")
}

func (c *SETClient) langPath() string {
	if c.cfg.Lang == "en" {
		return "en"
	}
	return "th"
}

// WarmURL — страница котировки, с которой сайт выдаёт cookie для API.
func (c *SETClient) WarmURL() string {
	return fmt.Sprintf("%s/%s/market/product/stock/quote/%s/news",
		c.baseURL(), c.langPath(), url.PathEscape(c.cfg.Symbol))
}

// SearchURL строит запрос к API поиска новостей за интервал дат.
func (c *SETClient) SearchURL(from, to time.Time) string {
	q := url.Values{}
	q.Set("symbol", c.cfg.Symbol)
	q.Set("fromDate", from.Format(requestDateStyle))
	q.Set("toDate", to.Format(requestDateStyle))
	q.Set("keyword", "")
	q.Set("lang", c.cfg.Lang)
	return c.baseURL() + searchPath + "?" + q.Encode()
}

// FetchNews реализует app.Lister. Ошибка прогрева сессии не фатальна.
func (c *SETClient) FetchNews(ctx context.Context, from, to time.Time) ([]news.Item, error) {
	warmURL := c.WarmURL()
	if err := c.warmUp(ctx, warmURL); err != nil {
		c.logger.Warn().Err(err).Str("url", warmURL).Msg("session warm-up failed")
	}

	req, err := c.newRequest(ctx, c.SearchURL(from, to))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Referer", warmURL)
	req.Header.Set("Origin", c.baseURL())
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch news list: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read news list: %w", err)
	}

	if resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: body: %s", ErrAccessDenied, snippet(body, maxErrorSnippet))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch news list: unexpected status %d", resp.StatusCode)
	}

	if c.cfg.DebugJSON {
		c.logger.Debug().Str("body", snippet(body, maxDebugSnippet)).Msg("news list response")
	}

	items, err := DecodeItems(body)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Int("items", len(items)).Msg("news list fetched")
	return items, nil
}

// FetchDetail реализует app.DetailFetcher.
func (c *SETClient) FetchDetail(ctx context.Context, detailURL string) (string, error) {
	req, err := c.newRequest(ctx, detailURL)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := c.do(ctx, req)
	if err != nil {
		return "", fmt.Errorf("fetch detail: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch detail: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDetailBytes))
	if err != nil {
		return "", fmt.Errorf("read detail: %w", err)
	}
	return string(body), nil
}

func (c *SETClient) warmUp(ctx context.Context, warmURL string) error {
	req, err := c.newRequest(ctx, warmURL)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *SETClient) newRequest(ctx context.Context, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", acceptLanguage)
	return req, nil
}

func (c *SETClient) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	return c.client.Do(req)
}

// DecodeItems достаёт массив новостей из ответа API, перебирая известные формы.
func DecodeItems(body []byte) ([]news.Item, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("decode news list: %w", err)
	}

	for _, path := range responseShapes {
		if items, ok := itemsAt(root, path); ok {
			return items, nil
		}
	}
	return nil, ErrUnrecognizedResponse
}

func itemsAt(root any, path []string) ([]news.Item, bool) {
	node := root
	for _, key := range path {
		obj, ok := node.(map[string]any)
		if !ok {
			return nil, false
		}
		if node, ok = obj[key]; !ok {
			return nil, false
		}
	}

	list, ok := node.([]any)
	if !ok {
		return nil, false
	}
	items := make([]news.Item, 0, len(list))
	for _, el := range list {
		obj, ok := el.(map[string]any)
		if !ok {
			return nil, false
		}
		items = append(items, news.Item(obj))
	}
	return items, true
}

func snippet(body []byte, limit int) string {
	s := strings.TrimSpace(string(body))
	if r := []rune(s); len(r) > limit {
		return string(r[:limit])
	}
	return s
}
