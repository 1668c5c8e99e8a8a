// File: internal/mail/message.go
package mail

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	netmail "net/mail"
	"strings"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	// ErrNoBreadcrumb is returned when a notification carries fewer than two links.
	ErrNoBreadcrumb = errors.New("notification has no breadcrumb link")
	// ErrNoHTMLBody is returned when a message has no text/html part.
	ErrNoHTMLBody = errors.New("message has no HTML body")
)

// Notification is one reviewer-comment notification.
type Notification struct {
	// ID is the Message-ID header, or the file name when the header is absent.
	ID       string
	Path     string
	Subject  string
	Received time.Time
	// PageURL and PageTitle come from the breadcrumb link pointing at the commented page.
	PageURL   string
	PageTitle string
	// CommentText is the reviewer's comment as plain text.
	CommentText string
	// CommentMarkdown keeps the comment's formatting (lists, emphasis) for prompting.
	CommentMarkdown string
}

// Content is what ExtractContent pulls out of a notification's HTML body.
type Content struct {
	Link     string
	Label    string
	Comment  string
	Markdown string
}

const (
	commentCellStyle = "padding: 16px"
	headerCellMax    = 100
)

var skipMarkers = []string{"Status:", "(Modified)", "UTC"}

// ParseMessage reads an RFC 5322 message and extracts the notification fields.
// A missing comment is not an error; a missing breadcrumb is.
func ParseMessage(r io.Reader) (*Notification, error) {
	msg, err := netmail.ReadMessage(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	n := &Notification{
		ID:      strings.Trim(msg.Header.Get("Message-Id"), "<> "),
		Subject: decodeHeader(msg.Header.Get("Subject")),
	}
	if d, err := msg.Header.Date(); err == nil {
		n.Received = d
	}

	body, err := htmlBody(msg.Header.Get("Content-Type"), msg.Header.Get("Content-Transfer-Encoding"), msg.Body)
	if err != nil {
		return nil, err
	}
	c, err := ExtractContent(body)
	if err != nil {
		return nil, err
	}
	n.PageURL = c.Link
	n.PageTitle = c.Label
	n.CommentText = c.Comment
	n.CommentMarkdown = c.Markdown
	return n, nil
}

func decodeHeader(v string) string {
	dec := new(mime.WordDecoder)
	if s, err := dec.DecodeHeader(v); err == nil {
		return s
	}
	return v
}

// htmlBody walks a (possibly multipart) body and returns the first text/html part, decoded.
func htmlBody(contentType, encoding string, body io.Reader) (string, error) {
	if contentType == "" {
		contentType = "text/plain"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("bad content type %q: %w", contentType, err)
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		mr := multipart.NewReader(body, params["boundary"])
		for {
			part, err := mr.NextRawPart()
			if errors.Is(err, io.EOF) {
				return "", ErrNoHTMLBody
			}
			if err != nil {
				return "", fmt.Errorf("failed to read multipart body: %w", err)
			}
			s, err := htmlBody(part.Header.Get("Content-Type"), part.Header.Get("Content-Transfer-Encoding"), part)
			if err == nil {
				return s, nil
			}
			if !errors.Is(err, ErrNoHTMLBody) {
				return "", err
			}
		}
	}
	if mediaType != "text/html" {
		return "", ErrNoHTMLBody
	}

	var r io.Reader = body
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		r = quotedprintable.NewReader(body)
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, body)
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to decode HTML body: %w", err)
	}
	return string(b), nil
}

// ExtractContent pulls the breadcrumb link (the second anchor) and the comment text out of
// a notification body.
func ExtractContent(body string) (*Content, error) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML body: %w", err)
	}

	anchors := findAll(doc, atom.A)
	if len(anchors) < 2 {
		return nil, ErrNoBreadcrumb
	}
	c := &Content{
		Link:  attr(anchors[1], "href"),
		Label: strings.TrimSpace(textOf(anchors[1])),
	}

	for _, td := range findAll(doc, atom.Td) {
		if !strings.Contains(attr(td, "style"), commentCellStyle) {
			continue
		}
		if text := textOf(td); strings.Contains(text, "Status:") && len(text) < headerCellMax {
			continue
		}
		paras := findAll(td, atom.P)
		if len(paras) == 0 {
			continue
		}

		var texts, kept []string
		for _, p := range paras {
			t := strings.TrimSpace(textOf(p))
			if containsAny(t, skipMarkers) {
				continue
			}
			texts = append(texts, t)
			kept = append(kept, renderNode(p))
		}
		c.Comment = strings.Join(texts, " ")
		c.Markdown = toMarkdown(strings.Join(kept, "\n"))
		break
	}
	return c, nil
}

func findAll(n *html.Node, a atom.Atom) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == a {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func renderNode(n *html.Node) string {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return ""
	}
	return buf.String()
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

var (
	sanitizer   = bluemonday.UGCPolicy()
	mdConverter = converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
)

// toMarkdown sanitizes comment HTML and renders it as Markdown. Conversion failures fall
// back to an empty string; the plain text is always available.
func toMarkdown(fragment string) string {
	if strings.TrimSpace(fragment) == "" {
		return ""
	}
	md, err := mdConverter.ConvertString(sanitizer.Sanitize(fragment))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(md)
}
