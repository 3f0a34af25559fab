// Package selection turns what the user selected into the text that goes
// into a QR code. Browser selections arrive as plain text or as an HTML
// fragment; the CLI can also read a file, including PDFs.
package selection

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrEmpty is returned when a selection contains no text.
var ErrEmpty = errors.New("selection is empty")

// maxInput caps how much of an HTML fragment or text file is read.
const maxInput = 1 << 20

// FromText trims a plain-text selection.
func FromText(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrEmpty
	}
	return s, nil
}

// blockElements start a new line in the extracted text.
var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Pre: true, atom.Blockquote: true, atom.Section: true, atom.Article: true,
	atom.Header: true, atom.Footer: true, atom.Ul: true, atom.Ol: true, atom.Table: true,
}

// FromHTML extracts visible text from an HTML fragment the way a browser's
// selection.toString() would: script and style bodies are dropped, block
// elements break lines, and runs of whitespace collapse.
func FromHTML(r io.Reader) (string, error) {
	z := html.NewTokenizer(io.LimitReader(r, maxInput))

	var lines []string
	var cur strings.Builder
	skip := 0

	flush := func() {
		if line := strings.Join(strings.Fields(cur.String()), " "); line != "" {
			lines = append(lines, line)
		}
		cur.Reset()
	}

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", fmt.Errorf("parsing html: %w", err)
			}
			flush()
			return FromText(strings.Join(lines, "\n"))

		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if a == atom.Script || a == atom.Style || a == atom.Noscript {
				if tt == html.StartTagToken {
					skip++
				}
				continue
			}
			if blockElements[a] {
				flush()
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if a == atom.Script || a == atom.Style || a == atom.Noscript {
				if skip > 0 {
					skip--
				}
				continue
			}
			if blockElements[a] {
				flush()
			}

		case html.TextToken:
			if skip == 0 {
				cur.Write(z.Text())
				cur.WriteByte(' ')
			}
		}
	}
}

// FromPDF extracts the plain text of every page.
func FromPDF(r io.ReaderAt, size int64) (string, error) {
	doc, err := pdf.NewReader(r, size)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	text, err := doc.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, text); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}

	var lines []string
	for _, line := range strings.Split(buf.String(), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return FromText(strings.Join(lines, "\n"))
}

// FromFile reads path and picks the extractor from its extension: .pdf,
// .html/.htm, or plain text for anything else.
func FromFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		info, err := f.Stat()
		if err != nil {
			return "", err
		}
		return FromPDF(f, info.Size())
	case ".html", ".htm":
		return FromHTML(f)
	default:
		data, err := io.ReadAll(io.LimitReader(f, maxInput))
		if err != nil {
			return "", err
		}
		return FromText(string(data))
	}
}
