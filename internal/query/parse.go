package query

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Filters are the structured constraints recovered from a natural
// language query. Zero values mean unconstrained.
type Filters struct {
	FileTypes  []string  `json:"file_types,omitempty"`
	Categories []string  `json:"categories,omitempty"`
	DateFrom   time.Time `json:"date_from,omitempty"`
	DateTo     time.Time `json:"date_to,omitempty"`
	MinSize    int64     `json:"min_size,omitempty"`
	MaxSize    int64     `json:"max_size,omitempty"`
}

func (f Filters) Empty() bool {
	return len(f.FileTypes) == 0 && len(f.Categories) == 0 &&
		f.DateFrom.IsZero() && f.DateTo.IsZero() &&
		f.MinSize == 0 && f.MaxSize == 0
}

var (
	sizeRe      = regexp.MustCompile(`(?i)\b(larger|bigger|greater|smaller|less)\s+than\s+(\d+)\s*(kb|mb|gb)\b`)
	sinceRe     = regexp.MustCompile(`(?i)\b(?:from|since|after)\s+(\d{1,2})/(\d{1,2})/(\d{2,4})\b`)
	monthRe     = regexp.MustCompile(`(?i)\bsince\s+(january|february|march|april|may|june|july|august|september|october|november|december)\b`)
	lastUnitRe  = regexp.MustCompile(`(?i)\b(?:from\s+|in\s+)?(?:the\s+)?last\s+(week|month|year)\b`)
	yesterdayRe = regexp.MustCompile(`(?i)\b(?:(?:from|since)\s+)?yesterday\b`)
	todayRe     = regexp.MustCompile(`(?i)\b(?:(?:from|since)\s+)?today\b`)
)

var fileTypePhrases = []struct {
	phrase   string
	fileType string
}{
	{"images", "image"},
	{"image", "image"},
	{"photos", "image"},
	{"photo", "image"},
	{"pictures", "image"},
	{"screenshots", "image"},
	{"pdfs", "document"},
	{"pdf", "document"},
	{"documents", "document"},
	{"document", "document"},
	{"docs", "document"},
	{"spreadsheets", "spreadsheet"},
	{"spreadsheet", "spreadsheet"},
	{"archives", "archive"},
	{"archive", "archive"},
	{"code", "code"},
	{"scripts", "code"},
	{"source files", "code"},
}

var categoryPhrases = []struct {
	phrase   string
	category string
}{
	{"invoices", "invoice"},
	{"invoice", "invoice"},
	{"reports", "report"},
	{"report", "report"},
	{"presentations", "presentation"},
	{"presentation", "presentation"},
	{"contracts", "contract"},
	{"contract", "contract"},
	{"receipts", "invoice"},
}

var monthIndex = map[string]time.Month{
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June, "july": time.July,
	"august": time.August, "september": time.September, "october": time.October,
	"november": time.November, "december": time.December,
}

// Parse recovers structured filters from free text and returns the
// residual keywords. Parsing never fails: anything that does not match
// a known phrase stays in the residual and degrades to keyword search.
func Parse(text string, now time.Time) (string, Filters) {
	var f Filters
	rest := text

	rest = sizeRe.ReplaceAllStringFunc(rest, func(m string) string {
		parts := sizeRe.FindStringSubmatch(m)
		n, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return ""
		}
		bytes := n * unitBytes(parts[3])
		switch strings.ToLower(parts[1]) {
		case "smaller", "less":
			f.MaxSize = bytes
		default:
			f.MinSize = bytes
		}
		return ""
	})

	rest = sinceRe.ReplaceAllStringFunc(rest, func(m string) string {
		parts := sinceRe.FindStringSubmatch(m)
		day, _ := strconv.Atoi(parts[1])
		month, _ := strconv.Atoi(parts[2])
		year, _ := strconv.Atoi(parts[3])
		if year < 100 {
			year += 2000
		}
		if month < 1 || month > 12 || day < 1 || day > 31 {
			return m
		}
		f.DateFrom = time.Date(year, time.Month(month), day, 0, 0, 0, 0, now.Location())
		return ""
	})

	rest = monthRe.ReplaceAllStringFunc(rest, func(m string) string {
		parts := monthRe.FindStringSubmatch(m)
		month := monthIndex[strings.ToLower(parts[1])]
		year := now.Year()
		if month > now.Month() {
			year--
		}
		f.DateFrom = time.Date(year, month, 1, 0, 0, 0, 0, now.Location())
		return ""
	})

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	rest = replaceMatch(rest, yesterdayRe, func() {
		f.DateFrom = today.AddDate(0, 0, -1)
		f.DateTo = today
	})
	rest = replaceMatch(rest, todayRe, func() {
		f.DateFrom = today
	})
	rest = lastUnitRe.ReplaceAllStringFunc(rest, func(m string) string {
		parts := lastUnitRe.FindStringSubmatch(m)
		switch strings.ToLower(parts[1]) {
		case "week":
			f.DateFrom = today.AddDate(0, 0, -7)
		case "month":
			f.DateFrom = today.AddDate(0, -1, 0)
		case "year":
			f.DateFrom = today.AddDate(-1, 0, 0)
		}
		return ""
	})

	for _, ft := range fileTypePhrases {
		rest = replacePhrase(rest, ft.phrase, func() {
			f.FileTypes = appendUnique(f.FileTypes, ft.fileType)
		})
	}
	for _, c := range categoryPhrases {
		rest = replacePhrase(rest, c.phrase, func() {
			f.Categories = appendUnique(f.Categories, c.category)
		})
	}

	return strings.Join(strings.Fields(rest), " "), f
}

// replacePhrase removes the first whole-word occurrence of phrase and
// fires the callback when it matched.
func replacePhrase(text, phrase string, hit func()) string {
	re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(phrase) + `\b`)
	return replaceMatch(text, re, hit)
}

func replaceMatch(text string, re *regexp.Regexp, hit func()) string {
	loc := re.FindStringIndex(text)
	if loc == nil {
		return text
	}
	hit()
	return text[:loc[0]] + text[loc[1]:]
}

func unitBytes(unit string) int64 {
	switch strings.ToLower(unit) {
	case "kb":
		return 1 << 10
	case "mb":
		return 1 << 20
	case "gb":
		return 1 << 30
	}
	return 1
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
