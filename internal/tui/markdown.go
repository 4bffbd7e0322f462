package tui

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/alecthomas/chroma"
	"github.com/alecthomas/chroma/formatters"
	"github.com/alecthomas/chroma/lexers"
	"github.com/alecthomas/chroma/styles"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	mdCodeBlockRe = regexp.MustCompile(`(?s)<pre><code(?: class="language-([a-zA-Z0-9+-]+)")?>(.*?)</code></pre>`)
	mdInlineRe    = regexp.MustCompile(`<code>([^<]+)</code>`)
	mdHeadingRe   = regexp.MustCompile(`<h([1-6]) id="[^"]*">(.*?)</h[1-6]>`)
	mdStrongRe    = regexp.MustCompile(`<strong>(.*?)</strong>`)
	mdEmRe        = regexp.MustCompile(`<em>(.*?)</em>`)
	mdLinkRe      = regexp.MustCompile(`<a href="([^"]*)">(.*?)</a>`)
	mdQuoteRe     = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	mdListRe      = regexp.MustCompile(`(?s)<(ul|ol)>(.*?)</(?:ul|ol)>`)
	mdItemRe      = regexp.MustCompile(`<li>(.*?)</li>`)
	mdTagRe       = regexp.MustCompile(`<[^>]+>`)
	mdBlankRunRe  = regexp.MustCompile(`\n{3,}`)
)

// MarkdownRenderer converts assistant markdown into styled terminal text.
// Goldmark produces HTML, the HTML is rewritten into lipgloss-styled runs,
// and fenced code goes through chroma.
type MarkdownRenderer struct {
	md          goldmark.Markdown
	formatter   chroma.Formatter
	chromaStyle *chroma.Style
	theme       Theme
}

func NewMarkdownRenderer(theme Theme) *MarkdownRenderer {
	md := goldmark.New(
		goldmark.WithParserOptions(
			parser.WithAutoHeadingID(),
		),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
			html.WithXHTML(),
		),
		goldmark.WithExtensions(
			extension.GFM,
			extension.Strikethrough,
			extension.TaskList,
		),
	)

	styleName := "dracula"
	if theme.Name == ThemePorcelain {
		styleName = "friendly"
	}
	// terminal256 emits escape codes for every token; no-color output needs
	// the pass-through formatter.
	formatter := formatters.Get("terminal256")
	if theme.Name == ThemeNoColor {
		formatter = formatters.NoOp
	}
	return &MarkdownRenderer{
		md:          md,
		formatter:   formatter,
		chromaStyle: styles.Get(styleName),
		theme:       theme,
	}
}

// Render converts markdown to terminal output. On any conversion failure the
// raw content is returned so the message is never lost.
func (r *MarkdownRenderer) Render(content string, width int) string {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(content), &buf); err != nil {
		return content
	}
	out := r.restyle(buf.String(), width)
	if width > 0 {
		out = wordwrap.String(out, width)
	}
	return out
}

func (r *MarkdownRenderer) restyle(htmlText string, width int) string {
	out := htmlText

	// Code blocks are lifted out first and restored at the end so the
	// highlighted output is not mangled by the tag sweep below.
	var blocks []string
	out = mdCodeBlockRe.ReplaceAllStringFunc(out, func(m string) string {
		sub := mdCodeBlockRe.FindStringSubmatch(m)
		if len(sub) < 3 {
			return m
		}
		code := decodeEntities(sub[2])
		boxWidth := width - 8
		if boxWidth < 20 {
			boxWidth = 20
		}
		styled := lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(r.theme.Border).
			Padding(0, 2).
			Width(boxWidth).
			Render(r.Highlight(code, sub[1]))
		blocks = append(blocks, styled)
		return fmt.Sprintf("\n{{OWLIN_CODE_%d}}\n", len(blocks)-1)
	})

	out = mdInlineRe.ReplaceAllStringFunc(out, func(m string) string {
		sub := mdInlineRe.FindStringSubmatch(m)
		if len(sub) < 2 {
			return m
		}
		return lipgloss.NewStyle().
			Foreground(r.theme.Accent2).
			Render(decodeEntities(sub[1]))
	})

	out = mdHeadingRe.ReplaceAllStringFunc(out, func(m string) string {
		sub := mdHeadingRe.FindStringSubmatch(m)
		if len(sub) < 3 {
			return m
		}
		style := lipgloss.NewStyle().Bold(true).Foreground(r.theme.Accent)
		if sub[1] == "1" {
			style = style.BorderStyle(lipgloss.NormalBorder()).
				BorderBottom(true).
				BorderForeground(r.theme.Border).
				Width(width - 4)
		}
		return style.Render(sub[2]) + "\n"
	})

	out = mdStrongRe.ReplaceAllStringFunc(out, func(m string) string {
		sub := mdStrongRe.FindStringSubmatch(m)
		if len(sub) < 2 {
			return m
		}
		return lipgloss.NewStyle().Bold(true).Foreground(r.theme.TextPrimary).Render(sub[1])
	})

	out = mdEmRe.ReplaceAllStringFunc(out, func(m string) string {
		sub := mdEmRe.FindStringSubmatch(m)
		if len(sub) < 2 {
			return m
		}
		return lipgloss.NewStyle().Italic(true).Render(sub[1])
	})

	out = mdLinkRe.ReplaceAllStringFunc(out, func(m string) string {
		sub := mdLinkRe.FindStringSubmatch(m)
		if len(sub) < 3 {
			return m
		}
		return lipgloss.NewStyle().
			Foreground(r.theme.Accent).
			Underline(true).
			Render(fmt.Sprintf("%s (%s)", sub[2], sub[1]))
	})

	out = mdQuoteRe.ReplaceAllStringFunc(out, func(m string) string {
		sub := mdQuoteRe.FindStringSubmatch(m)
		if len(sub) < 2 {
			return m
		}
		quoted := mdTagRe.ReplaceAllString(strings.TrimSpace(sub[1]), "")
		return lipgloss.NewStyle().
			Foreground(r.theme.TextMuted).
			BorderStyle(lipgloss.NormalBorder()).
			BorderLeft(true).
			BorderForeground(r.theme.Accent).
			PaddingLeft(1).
			Width(width-4).
			Render(quoted) + "\n"
	})

	out = mdListRe.ReplaceAllStringFunc(out, func(m string) string {
		sub := mdListRe.FindStringSubmatch(m)
		if len(sub) < 3 {
			return m
		}
		ordered := sub[1] == "ol"
		items := mdItemRe.FindAllStringSubmatch(sub[2], -1)
		var b strings.Builder
		for i, item := range items {
			if len(item) < 2 {
				continue
			}
			bullet := "  "
			if ordered {
				bullet = fmt.Sprintf("  %d. ", i+1)
			}
			b.WriteString(lipgloss.NewStyle().Foreground(r.theme.Accent).Render(bullet))
			b.WriteString(mdTagRe.ReplaceAllString(item[1], ""))
			b.WriteString("\n")
		}
		return b.String()
	})

	out = strings.NewReplacer(
		"<p>", "",
		"</p>", "\n",
		"<br>", "\n",
		"<br/>", "\n",
		"<br />", "\n",
	).Replace(out)

	for i, block := range blocks {
		out = strings.ReplaceAll(out, fmt.Sprintf("{{OWLIN_CODE_%d}}", i), block)
	}

	out = mdTagRe.ReplaceAllString(out, "")
	out = decodeEntities(out)
	out = mdBlankRunRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// Highlight renders a code snippet with chroma. Unknown languages fall back
// to content analysis, then to plain text.
func (r *MarkdownRenderer) Highlight(code, lang string) string {
	var lexer chroma.Lexer
	if lang != "" {
		lexer = lexers.Get(lang)
	}
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	it, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}
	var buf bytes.Buffer
	if err := r.formatter.Format(&buf, r.chromaStyle, it); err != nil {
		return code
	}
	return strings.TrimRight(buf.String(), "\n")
}

var entityReplacer = strings.NewReplacer(
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&#x27;", "'",
	"&#x60;", "`",
	"&nbsp;", " ",
	"&hellip;", "...",
)

func decodeEntities(s string) string {
	return entityReplacer.Replace(s)
}
