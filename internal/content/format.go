package content

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/yuin/goldmark"
)

// Options tune FormatForPlatform.
type Options struct {
	// Truncate cuts the body to the platform limit instead of leaving the
	// overflow for validation to reject.
	Truncate bool
	Hashtags []string
	Footer   string
}

// FormatForPlatform converts c into what p renders, using the built-in rules.
func FormatForPlatform(p Platform, c Content, opt Options) (Content, error) {
	return DefaultRules().Format(p, c, opt)
}

// Format converts the body (and every comment) into p's markup.
func (rs RuleSet) Format(p Platform, c Content, opt Options) (Content, error) {
	r, ok := rs[p]
	if !ok {
		return c, fmt.Errorf("%s: %w", p, ErrUnknownPlatform)
	}
	return formatUnit(r, c, opt)
}

func formatUnit(r Rules, c Content, opt Options) (Content, error) {
	out := c
	body, err := convert(c.Body, c.format(), r.Markup)
	if err != nil {
		return c, err
	}
	body = appendExtras(body, r.Markup, opt)

	limit := r.MaxChars
	if len(c.Media) > 0 && r.MaxCaptionChars > 0 {
		limit = r.MaxCaptionChars
	}
	if opt.Truncate && limit > 0 && VisibleLength(r.Markup, body) > limit {
		if r.Markup == MarkupHTML {
			// Cutting markup mid-tag breaks it; fall back to escaped plain text.
			plain, err := htmlToPlain(body)
			if err != nil {
				return c, err
			}
			body = html.EscapeString(truncateRunes(plain, limit))
		} else {
			body = truncateRunes(body, limit)
		}
	}
	out.Body = body
	out.Format = markupFormat(r.Markup)

	if len(c.Comments) > 0 {
		out.Comments = make([]Content, len(c.Comments))
		for i, cm := range c.Comments {
			// Extras belong to the primary unit only.
			f, err := formatUnit(r, cm, Options{Truncate: opt.Truncate})
			if err != nil {
				return c, err
			}
			out.Comments[i] = f
		}
	}
	return out, nil
}

func markupFormat(m Markup) Format {
	switch m {
	case MarkupHTML:
		return FormatHTML
	case MarkupMarkdown:
		return FormatMarkdown
	default:
		return FormatText
	}
}

func convert(body string, from Format, to Markup) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", nil
	}
	var err error
	src := body
	if from == FormatMarkdown {
		if to == MarkupMarkdown {
			return normalizeSpace(body), nil
		}
		if src, err = markdownToHTML(body); err != nil {
			return "", err
		}
		from = FormatHTML
	}

	switch {
	case from == FormatText && to == MarkupHTML:
		return normalizeSpace(html.EscapeString(src)), nil
	case from == FormatText:
		return normalizeSpace(src), nil
	case to == MarkupPlain:
		s, err := htmlToPlain(src)
		return normalizeSpace(s), err
	case to == MarkupHTML:
		s, err := htmlToTelegramHTML(src)
		return normalizeSpace(s), err
	default:
		s, err := md.NewConverter("", true, nil).ConvertString(src)
		return normalizeSpace(s), err
	}
}

func markdownToHTML(src string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("markdown: %w", err)
	}
	return buf.String(), nil
}

const blockSelector = "p, div, h1, h2, h3, h4, h5, h6, blockquote, pre, ul, ol"

func parseFragment(src string) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("html: %w", err)
	}
	doc.Find("br").ReplaceWithHtml("\n")
	return doc, nil
}

func htmlToPlain(src string) (string, error) {
	doc, err := parseFragment(src)
	if err != nil {
		return "", err
	}
	doc.Find("li").Each(func(_ int, s *goquery.Selection) {
		s.PrependHtml("• ")
		s.AppendHtml("\n")
	})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if text := strings.TrimSpace(s.Text()); href != "" && text != href {
			s.AppendHtml(" (" + html.EscapeString(href) + ")")
		}
	})
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n\n")
	})
	return doc.Find("body").Text(), nil
}

// Telegram's HTML parse mode accepts only a handful of inline tags.
var telegramTags = map[string]bool{
	"b": true, "strong": true, "i": true, "em": true, "u": true, "ins": true,
	"s": true, "strike": true, "del": true, "a": true, "code": true, "pre": true,
	"blockquote": true, "tg-spoiler": true,
}

func htmlToTelegramHTML(src string) (string, error) {
	doc, err := parseFragment(src)
	if err != nil {
		return "", err
	}
	doc.Find("li").Each(func(_ int, s *goquery.Selection) {
		s.PrependHtml("• ")
		s.AppendHtml("\n")
	})
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n\n")
	})
	body := doc.Find("body")
	// Unwrap innermost first so nested disallowed tags are handled.
	all := body.Find("*")
	for i := all.Length() - 1; i >= 0; i-- {
		s := all.Eq(i)
		if !telegramTags[goquery.NodeName(s)] {
			s.ReplaceWithSelection(s.Contents())
			continue
		}
		var drop []string
		for _, a := range s.Nodes[0].Attr {
			if a.Key != "href" {
				drop = append(drop, a.Key)
			}
		}
		for _, k := range drop {
			s.RemoveAttr(k)
		}
	}
	return body.Html()
}

var (
	reSpaceRuns   = regexp.MustCompile(`[ \t]+\n`)
	reBlankLines  = regexp.MustCompile(`\n{3,}`)
	reLeadingPara = regexp.MustCompile(`^\s+`)
)

func normalizeSpace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = reSpaceRuns.ReplaceAllString(s, "\n")
	s = reBlankLines.ReplaceAllString(s, "\n\n")
	s = reLeadingPara.ReplaceAllString(s, "")
	return strings.TrimRight(s, " \t\n")
}

func appendExtras(body string, m Markup, opt Options) string {
	var tags []string
	for _, h := range opt.Hashtags {
		h = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(h), "#"))
		if h != "" {
			tags = append(tags, "#"+h)
		}
	}
	extras := make([]string, 0, 2)
	if len(tags) > 0 {
		extras = append(extras, strings.Join(tags, " "))
	}
	if f := strings.TrimSpace(opt.Footer); f != "" {
		if m == MarkupHTML {
			f = html.EscapeString(f)
		}
		extras = append(extras, f)
	}
	if len(extras) == 0 {
		return body
	}
	if body == "" {
		return strings.Join(extras, "\n\n")
	}
	return body + "\n\n" + strings.Join(extras, "\n\n")
}

// VisibleLength counts what a reader sees: runes of the text with markup
// tags removed for HTML platforms.
func VisibleLength(m Markup, body string) int {
	if m == MarkupHTML {
		if plain, err := htmlToPlain(body); err == nil {
			return utf8.RuneCountInString(strings.TrimSpace(plain))
		}
	}
	return utf8.RuneCountInString(body)
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	cut := strings.TrimRight(string(r[:limit-1]), " \n\t")
	return cut + "…"
}
