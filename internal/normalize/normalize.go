package normalize

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/maine/set_news_watcher/internal/news"
)

// NoHeadline подставляется, когда у записи нет заголовка.
const NoHeadline = "(no headline)"

// Порядок ключей важен: берётся первое непустое значение.
var (
	IDKeys       = []string{"id", "newsId", "news_id"}
	URLKeys      = []string{"url", "link", "detailUrl", "detailsUrl"}
	HeadlineKeys = []string{"headline", "title", "subject"}
	DatetimeKeys = []string{"datetime", "dateTime", "publishDate", "publish_date", "date"}
)

// Lookup возвращает первое непустое значение среди ключей keys в текстовом виде.
func Lookup(item news.Item, keys []string) (string, bool) {
	for _, key := range keys {
		raw, ok := item[key]
		if !ok || raw == nil {
			continue
		}
		v := strings.TrimSpace(stringify(raw))
		if v != "" {
			return v, true
		}
	}
	return "", false
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case fmt.Stringer:
		return val.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// ExtractID вычисляет стабильный идентификатор записи. Никогда не возвращает пустую строку.
func ExtractID(item news.Item) string {
	if v, ok := Lookup(item, IDKeys); ok {
		return v
	}
	if v, ok := Lookup(item, URLKeys); ok {
		return v
	}
	return fallbackID(item)
}

// fallbackID хэширует каноническую сериализацию записи.
// encoding/json сортирует ключи map, поэтому порядок полей не влияет на результат.
func fallbackID(item news.Item) string {
	data, err := json.Marshal(map[string]any(item))
	if err != nil {
		data = []byte(fmt.Sprintf("%v", map[string]any(item)))
	}
	h := sha1.Sum(data)
	return "sha1:" + hex.EncodeToString(h[:])
}

// ExtractHeadline возвращает заголовок или NoHeadline.
func ExtractHeadline(item news.Item) string {
	if v, ok := Lookup(item, HeadlineKeys); ok {
		return v
	}
	return NoHeadline
}

// ExtractDatetime возвращает дату публикации как есть; без даты пустая строка.
func ExtractDatetime(item news.Item) string {
	v, _ := Lookup(item, DatetimeKeys)
	return v
}

// Normalizer строит ссылки на страницу новости для конкретного символа и языка.
type Normalizer struct {
	baseURL string
	symbol  string
	lang    string
}

// New создаёт нормализатор.
func New(baseURL, symbol, lang string) *Normalizer {
	return &Normalizer{
		baseURL: strings.TrimRight(baseURL, "/"),
		symbol:  symbol,
		lang:    lang,
	}
}

// DetailURL возвращает ссылку из записи либо строит канонический адрес страницы новости.
func (n *Normalizer) DetailURL(item news.Item) string {
	if v, ok := Lookup(item, URLKeys); ok {
		return n.resolve(v)
	}
	return n.BuildDetailURL(ExtractID(item))
}

// BuildDetailURL строит адрес страницы новости по id.
func (n *Normalizer) BuildDetailURL(id string) string {
	langPath := "en"
	if n.lang == "th" {
		langPath = "th"
	}
	q := url.Values{}
	q.Set("id", id)
	q.Set("symbol", n.symbol)
	return fmt.Sprintf("%s/%s/market/news-and-alert/newsdetails?%s", n.baseURL, langPath, q.Encode())
}

func (n *Normalizer) resolve(href string) string {
	u, err := url.Parse(href)
	if err != nil || u.IsAbs() {
		return href
	}
	base, err := url.Parse(n.baseURL + "/")
	if err != nil {
		return href
	}
	return base.ResolveReference(u).String()
}

// Normalize превращает записи API в NormalizedItem, сохраняя порядок.
func (n *Normalizer) Normalize(items []news.Item) []news.NormalizedItem {
	out := make([]news.NormalizedItem, 0, len(items))
	for _, item := range items {
		out = append(out, news.NormalizedItem{
			ID:        ExtractID(item),
			Headline:  ExtractHeadline(item),
			Timestamp: ExtractDatetime(item),
			DetailURL: n.DetailURL(item),
			Raw:       item,
		})
	}
	return out
}
