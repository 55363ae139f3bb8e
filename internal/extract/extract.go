package extract

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/maine/set_news_watcher/internal/news"
)

// maxFlatValueRunes — значение длиннее этого в «плоском» тексте считается неоднозначным.
const maxFlatValueRunes = 200

// Labels — известные поля отчёта о выкупе акций, в порядке вывода в дайджесте.
var Labels = []string{
	"ชื่อบริษัท",
	"วันที่ซื้อหุ้นคืน",
	"จำนวนหุ้นที่ซื้อคืน",
	"ราคาเฉลี่ยต่อหุ้น",
	"ราคาสูงสุด",
	"ราคาต่ำสุด",
	"มูลค่ารวม",
	"จำนวนหุ้นที่ซื้อคืนสะสม",
	"สัดส่วนต่อหุ้นที่จำหน่ายได้แล้วทั้งหมด",
}

// StartMarkers — заголовки раздела, с которого начинаются поля отчёта.
var StartMarkers = []string{
	"รายละเอียดการซื้อหุ้นคืน",
	"รายงานผลการซื้อหุ้นคืน",
	"Details of Share Repurchase",
	"Report on the Result of Share Repurchase",
}

// EndMarkers — служебный текст в конце отчёта.
var EndMarkers = []string{
	"ขอรับรองว่า",
	"ลงลายมือชื่อ",
	"ผู้มีอำนาจรายงานสารสนเทศ",
	"hereby certify",
	"Authorized Persons to Disclose Information",
}

var (
	imageRe      = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	linkRe       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	listPrefixRe = regexp.MustCompile(`^(?:#{1,6}|>|[-*+]|\d+[.)])\s+`)
	emphasisRe   = regexp.MustCompile(`\*\*|__`)
	spacesRe     = regexp.MustCompile(`[\s\p{Zs}]+`)
	ruleRe       = regexp.MustCompile(`^(?:[-*_][\s]*){3,}$`)
)

// Document — текст страницы новости без разметки.
type Document struct {
	Lines []string // строки в исходном порядке; пусто, если структуры нет
	Text  string   // весь текст одной строкой
}

// Extractor извлекает поля из страницы новости.
type Extractor struct {
	labels       []string
	startMarkers []string
	endMarkers   []string
	labelRes     map[string]*regexp.Regexp
	converter    *md.Converter
}

// New создаёт экстрактор с известными метками и маркерами раздела.
func New(labels, startMarkers, endMarkers []string) *Extractor {
	e := &Extractor{
		labels:       labels,
		startMarkers: startMarkers,
		endMarkers:   endMarkers,
		labelRes:     make(map[string]*regexp.Regexp, len(labels)),
		converter:    newConverter(),
	}
	for _, label := range labels {
		e.labelRes[label] = regexp.MustCompile(regexp.QuoteMeta(label) + `[\s\p{Zs}]*:`)
	}
	return e
}

// NewDefault создаёт экстрактор для отчётов о выкупе акций.
func NewDefault() *Extractor {
	return New(Labels, StartMarkers, EndMarkers)
}

// Extract реализует app.Extractor. Пустой или частичный результат ошибкой не считается.
func (e *Extractor) Extract(html string) (news.Detail, error) {
	doc, err := e.Parse(html)
	if err != nil {
		return news.Detail{}, err
	}

	fields := FromLines(doc.Lines, e.startMarkers, e.endMarkers)
	if missing := e.missingLabels(fields); len(missing) > 0 && doc.Text != "" {
		flat := e.FromText(doc.Text)
		for _, label := range missing {
			if v, ok := flat[label]; ok {
				fields[label] = v
			}
		}
	}

	return news.Detail{Fields: fields, Text: doc.Text}, nil
}

func (e *Extractor) missingLabels(fields news.FieldMap) []string {
	var missing []string
	for _, label := range e.labels {
		if _, ok := fields[label]; !ok {
			missing = append(missing, label)
		}
	}
	return missing
}

// Parse убирает script/style и раскладывает страницу на строки и сплошной текст.
func (e *Extractor) Parse(html string) (Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Document{}, fmt.Errorf("parse html: %w", err)
	}
	doc.Find("script, style, noscript, template, iframe").Remove()

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}

	text := strings.TrimSpace(spacesRe.ReplaceAllString(body.Text(), " "))

	var lines []string
	for _, raw := range strings.Split(e.converter.Convert(body), "\n") {
		if line := cleanLine(raw); line != "" {
			lines = append(lines, line)
		}
	}

	return Document{Lines: lines, Text: text}, nil
}

func newConverter() *md.Converter {
	conv := md.NewConverter("", true, &md.Options{EscapeMode: "disabled"})
	conv.Remove("script", "style", "noscript", "template", "iframe")
	conv.AddRules(
		md.Rule{
			Filter: []string{"td", "th"},
			Replacement: func(content string, selec *goquery.Selection, opt *md.Options) *string {
				return md.String(strings.TrimSpace(content) + "\t")
			},
		},
		md.Rule{
			Filter: []string{"tr"},
			Replacement: func(content string, selec *goquery.Selection, opt *md.Options) *string {
				return md.String(joinCells(content) + "\n\n")
			},
		},
	)
	return conv
}

// joinCells склеивает ячейки строки таблицы. Строка из двух ячеек без двоеточия
// читается как «метка: значение».
func joinCells(content string) string {
	var cells []string
	for _, cell := range strings.Split(content, "\t") {
		if cell = strings.TrimSpace(cell); cell != "" {
			cells = append(cells, cell)
		}
	}
	if len(cells) == 2 && !strings.Contains(cells[0], ":") && !strings.Contains(cells[1], ":") {
		return cells[0] + ": " + cells[1]
	}
	return strings.Join(cells, " ")
}

func cleanLine(raw string) string {
	line := strings.TrimSpace(raw)
	if line == "" || ruleRe.MatchString(line) || strings.HasPrefix(line, "```") {
		return ""
	}
	line = imageRe.ReplaceAllString(line, "")
	line = linkRe.ReplaceAllString(line, "$1")
	line = listPrefixRe.ReplaceAllString(line, "")
	line = emphasisRe.ReplaceAllString(line, "")
	return strings.TrimSpace(spacesRe.ReplaceAllString(line, " "))
}

// FromLines разбирает строки вида «метка: значение» между маркерами начала и конца раздела.
// Сами строки-маркеры не разбираются.
// Без маркера начала разбор идёт с первой строки, без маркера конца до последней.
// Повторная метка перезаписывает предыдущее значение.
func FromLines(lines, startMarkers, endMarkers []string) news.FieldMap {
	fields := news.FieldMap{}

	from := indexOfMarker(lines, startMarkers, 0) + 1
	end := indexOfMarker(lines, endMarkers, from)
	if end < 0 {
		end = len(lines)
	}

	for _, line := range lines[from:end] {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		label := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if label == "" || value == "" {
			continue
		}
		fields[label] = value
	}
	return fields
}

func indexOfMarker(lines, markers []string, from int) int {
	for i := from; i < len(lines); i++ {
		for _, marker := range markers {
			if strings.Contains(lines[i], marker) {
				return i
			}
		}
	}
	return -1
}

type labelHit struct {
	label      string
	start      int
	valueStart int
}

// FromText ищет известные метки в сплошном тексте. Значение длится до следующей
// найденной метки или конца текста. Метка, встреченная больше одного раза,
// пустое или слишком длинное значение дают отсутствующее поле.
func (e *Extractor) FromText(text string) news.FieldMap {
	fields := news.FieldMap{}
	if idx := firstMarker(text, e.endMarkers); idx >= 0 {
		text = text[:idx]
	}

	var hits []labelHit
	for _, label := range e.labels {
		for _, loc := range e.labelRes[label].FindAllStringIndex(text, -1) {
			hits = append(hits, labelHit{label: label, start: loc[0], valueStart: loc[1]})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].start < hits[j].start })

	// метка, целиком лежащая внутри другой найденной метки, не считается
	kept := hits[:0]
	for _, h := range hits {
		if len(kept) > 0 && h.start < kept[len(kept)-1].valueStart {
			continue
		}
		kept = append(kept, h)
	}

	counts := make(map[string]int, len(kept))
	for _, h := range kept {
		counts[h.label]++
	}

	for i, h := range kept {
		if counts[h.label] != 1 {
			continue
		}
		end := len(text)
		if i+1 < len(kept) {
			end = kept[i+1].start
		}
		value := strings.TrimSpace(text[h.valueStart:end])
		if value == "" || utf8.RuneCountInString(value) > maxFlatValueRunes {
			continue
		}
		fields[h.label] = value
	}
	return fields
}

func firstMarker(text string, markers []string) int {
	first := -1
	for _, marker := range markers {
		if idx := strings.Index(text, marker); idx >= 0 && (first < 0 || idx < first) {
			first = idx
		}
	}
	return first
}
