// Copyright 2026 The Helpdesk Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// The parser configuration never changes and a goldmark parser is safe
// to share, so it is initialized once and reused.
var (
	markdownParser     goldmark.Markdown
	markdownParserOnce sync.Once
)

func getMarkdownParser() goldmark.Markdown {
	markdownParserOnce.Do(func() {
		markdownParser = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
		)
	})
	return markdownParser
}

// RenderMarkdown renders a message body as styled terminal text,
// word-wrapped to width. Soft line breaks within paragraphs become
// spaces so hard-wrapped source reflows at any terminal width; fenced
// code blocks keep their formatting and get Chroma highlighting.
func RenderMarkdown(input string, width int) string {
	if strings.TrimSpace(input) == "" {
		return ""
	}
	source := []byte(input)
	document := getMarkdownParser().Parser().Parse(text.NewReader(source))

	// Force the color profile: this output always targets a terminal
	// (the bubbletea viewport), and auto-detection produces uncolored
	// output when stdout is not a TTY, as in tests.
	lipRenderer := lipgloss.NewRenderer(os.Stderr, termenv.WithProfile(termenv.ANSI256))
	lipRenderer.SetColorProfile(termenv.ANSI256)

	renderer := &markdownRenderer{
		source:      source,
		width:       width,
		lipRenderer: lipRenderer,
	}
	ast.Walk(document, renderer.walk)
	return strings.TrimRight(renderer.output.String(), "\n")
}

// markdownRenderer walks a goldmark AST with accumulate-then-wrap
// semantics: inline fragments collect in a buffer and word-wrap as a
// unit when their containing block closes. Goldmark's own renderer
// interface streams node by node, which fights terminal wrapping.
type markdownRenderer struct {
	source []byte
	width  int

	output strings.Builder
	inline strings.Builder

	// Prefix applied to every emitted line (blockquote bars, list
	// indents), plus the one-shot bullet that replaces it on the
	// first line of a list item.
	prefixStack   []prefixLevel
	linePrefix    string
	prefixWidth   int
	pendingBullet string

	// Counters rather than booleans so nested emphasis unwinds
	// correctly.
	boldCount   int
	italicCount int
	strikeCount int

	listStack []listLevel

	lipRenderer *lipgloss.Renderer
}

type prefixLevel struct {
	text  string
	width int
}

type listLevel struct {
	ordered bool
	counter int
}

func (r *markdownRenderer) newStyle() lipgloss.Style {
	return r.lipRenderer.NewStyle()
}

func (r *markdownRenderer) contentWidth() int {
	width := r.width - r.prefixWidth
	if width < 10 {
		width = 10
	}
	return width
}

func (r *markdownRenderer) pushPrefix(text string, width int) {
	r.prefixStack = append(r.prefixStack, prefixLevel{text: text, width: width})
	r.linePrefix += text
	r.prefixWidth += width
}

func (r *markdownRenderer) popPrefix() {
	if len(r.prefixStack) == 0 {
		return
	}
	top := r.prefixStack[len(r.prefixStack)-1]
	r.prefixStack = r.prefixStack[:len(r.prefixStack)-1]
	r.linePrefix = r.linePrefix[:len(r.linePrefix)-len(top.text)]
	r.prefixWidth -= top.width
}

// flushInline word-wraps the accumulated inline content, applies line
// prefixes, and writes it to the output followed by a newline.
func (r *markdownRenderer) flushInline() {
	content := r.inline.String()
	r.inline.Reset()
	if content == "" {
		return
	}
	wrapped := ansi.Wrap(content, r.contentWidth(), " ,.;-+|")
	for i, line := range strings.Split(wrapped, "\n") {
		if i == 0 && r.pendingBullet != "" {
			r.output.WriteString(r.pendingBullet)
			r.pendingBullet = ""
		} else {
			r.output.WriteString(r.linePrefix)
		}
		r.output.WriteString(line)
		r.output.WriteString("\n")
	}
}

func (r *markdownRenderer) styledText(content string) string {
	style := r.newStyle()
	if r.boldCount > 0 {
		style = style.Bold(true)
	}
	if r.italicCount > 0 {
		style = style.Italic(true)
	}
	if r.strikeCount > 0 {
		style = style.Strikethrough(true)
	}
	return style.Render(content)
}

// highlightCode returns Chroma-highlighted code, or faint plain text
// when the language is unknown or highlighting fails.
func (r *markdownRenderer) highlightCode(code, language string) string {
	if language != "" {
		var buffer strings.Builder
		if err := quick.Highlight(&buffer, code, language, "terminal256", "monokai"); err == nil {
			return buffer.String()
		}
	}
	return r.newStyle().Faint(true).Render(code)
}

func (r *markdownRenderer) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch typed := node.(type) {

	case *ast.Paragraph, *ast.TextBlock:
		if !entering {
			r.flushInline()
			if _, isParagraph := node.(*ast.Paragraph); isParagraph && node.NextSibling() != nil {
				r.output.WriteString(r.linePrefix + "\n")
			}
		}

	case *ast.Heading:
		if !entering {
			heading := r.inline.String()
			r.inline.Reset()
			r.output.WriteString(r.linePrefix)
			r.output.WriteString(r.newStyle().Bold(true).Underline(true).Render(heading))
			r.output.WriteString("\n")
			if node.NextSibling() != nil {
				r.output.WriteString(r.linePrefix + "\n")
			}
		}

	case *ast.Text:
		if entering {
			r.inline.WriteString(r.styledText(string(typed.Segment.Value(r.source))))
			if typed.SoftLineBreak() {
				r.inline.WriteString(" ")
			}
			if typed.HardLineBreak() {
				r.inline.WriteString("\n")
			}
		}

	case *ast.Emphasis:
		if typed.Level >= 2 {
			if entering {
				r.boldCount++
			} else {
				r.boldCount--
			}
		} else {
			if entering {
				r.italicCount++
			} else {
				r.italicCount--
			}
		}

	case *extast.Strikethrough:
		if entering {
			r.strikeCount++
		} else {
			r.strikeCount--
		}

	case *ast.CodeSpan:
		if entering {
			var code strings.Builder
			for child := node.FirstChild(); child != nil; child = child.NextSibling() {
				if textNode, ok := child.(*ast.Text); ok {
					code.Write(textNode.Segment.Value(r.source))
				}
			}
			r.inline.WriteString(r.newStyle().Foreground(lipgloss.Color("215")).Render(code.String()))
			return ast.WalkSkipChildren, nil
		}

	case *ast.Link:
		if entering {
			label := string(typed.Text(r.source))
			url := string(typed.Destination)
			r.inline.WriteString(r.newStyle().Underline(true).Render(label))
			if label != url {
				r.inline.WriteString(r.newStyle().Faint(true).Render(" (" + url + ")"))
			}
			return ast.WalkSkipChildren, nil
		}

	case *ast.AutoLink:
		if entering {
			r.inline.WriteString(r.newStyle().Underline(true).Render(string(typed.URL(r.source))))
		}

	case *ast.FencedCodeBlock, *ast.CodeBlock:
		if entering {
			var code strings.Builder
			lines := node.Lines()
			for i := range lines.Len() {
				segment := lines.At(i)
				code.Write(segment.Value(r.source))
			}
			language := ""
			if fenced, ok := node.(*ast.FencedCodeBlock); ok && fenced.Info != nil {
				language = string(fenced.Info.Segment.Value(r.source))
			}
			highlighted := strings.TrimRight(r.highlightCode(code.String(), language), "\n")
			for _, line := range strings.Split(highlighted, "\n") {
				r.output.WriteString(r.linePrefix + "  " + line + "\n")
			}
			if node.NextSibling() != nil {
				r.output.WriteString(r.linePrefix + "\n")
			}
			return ast.WalkSkipChildren, nil
		}

	case *ast.Blockquote:
		bar := r.newStyle().Faint(true).Render("│ ")
		if entering {
			r.pushPrefix(bar, 2)
		} else {
			r.popPrefix()
		}

	case *ast.List:
		if entering {
			r.listStack = append(r.listStack, listLevel{
				ordered: typed.IsOrdered(),
				counter: typed.Start,
			})
		} else {
			r.listStack = r.listStack[:len(r.listStack)-1]
			if len(r.listStack) == 0 && node.NextSibling() != nil {
				r.output.WriteString(r.linePrefix + "\n")
			}
		}

	case *ast.ListItem:
		if entering {
			level := &r.listStack[len(r.listStack)-1]
			var bullet string
			if level.ordered {
				bullet = fmt.Sprintf("%d. ", level.counter)
				level.counter++
			} else {
				bullet = "• "
			}
			r.pendingBullet = r.linePrefix + bullet
			r.pushPrefix(strings.Repeat(" ", len(bullet)), len(bullet))
		} else {
			r.popPrefix()
		}

	case *ast.ThematicBreak:
		if entering {
			r.output.WriteString(r.linePrefix)
			r.output.WriteString(r.newStyle().Faint(true).Render(strings.Repeat("─", r.contentWidth())))
			r.output.WriteString("\n")
		}
	}

	return ast.WalkContinue, nil
}
