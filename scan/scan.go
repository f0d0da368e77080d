// Package scan finds blob references in structured records.
//
// Records of a known shape are only searched in fields that carry images:
// markdown image syntax in text bodies, mention lists and avatar or thumbnail
// fields. Anything else falls back to a pattern match over the whole record.
// Extraction is best effort; a missed or spurious reference only changes which
// derivatives are produced ahead of time.
package scan

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/meigma/srcset/blobid"
)

// Record is one of Post, Blog, About or Generic.
type Record interface {
	record()
}

// Post is a message with a markdown body and mentions.
type Post struct {
	Text     string
	Mentions []string
}

// Blog is a long-form entry with a thumbnail and markdown summary.
type Blog struct {
	Thumbnail string
	Summary   string
	Text      string
}

// About describes a profile; Image is its avatar.
type About struct {
	Image string
}

// Generic is any record of unrecognised shape.
type Generic struct {
	Raw []byte
}

func (Post) record()    {}
func (Blog) record()    {}
func (About) record()   {}
func (Generic) record() {}

// Enqueuer receives candidate references.
type Enqueuer interface {
	Enqueue(ref string) bool
}

// envelope accepts a full message, a message value, or bare content.
type envelope struct {
	Value *struct {
		Content json.RawMessage `json:"content"`
	} `json:"value"`
	Content json.RawMessage `json:"content"`
}

type content struct {
	Type      string            `json:"type"`
	Text      string            `json:"text"`
	Mentions  []json.RawMessage `json:"mentions"`
	Thumbnail json.RawMessage   `json:"thumbnail"`
	Summary   string            `json:"summary"`
	Image     json.RawMessage   `json:"image"`
}

// Classify decodes raw into the most specific Record it matches.
func Classify(raw []byte) Record {
	generic := Generic{Raw: raw}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return generic
	}
	body := json.RawMessage(raw)
	switch {
	case env.Value != nil && len(env.Value.Content) > 0:
		body = env.Value.Content
	case len(env.Content) > 0:
		body = env.Content
	}

	var c content
	if err := json.Unmarshal(body, &c); err != nil {
		// Encrypted content is a string, not an object.
		return generic
	}
	switch c.Type {
	case "post":
		return Post{Text: c.Text, Mentions: links(c.Mentions...)}
	case "blog":
		return Blog{Thumbnail: first(links(c.Thumbnail)), Summary: c.Summary, Text: c.Text}
	case "about":
		return About{Image: first(links(c.Image))}
	}
	return generic
}

// Refs returns the candidate references in rec, in discovery order.
func Refs(rec Record) []string {
	switch r := rec.(type) {
	case Post:
		return append(MarkdownImages(r.Text), r.Mentions...)
	case Blog:
		refs := nonEmpty(r.Thumbnail)
		refs = append(refs, MarkdownImages(r.Summary)...)
		return append(refs, MarkdownImages(r.Text)...)
	case About:
		return nonEmpty(r.Image)
	case Generic:
		return blobid.Pattern.FindAllString(string(r.Raw), -1)
	}
	return nil
}

// Scan classifies raw and forwards its references to q.
// It returns how many references q accepted.
func Scan(raw []byte, q Enqueuer) int {
	n := 0
	for _, ref := range Refs(Classify(raw)) {
		if q.Enqueue(ref) {
			n++
		}
	}
	return n
}

var markdown = goldmark.New()

// MarkdownImages returns the destinations of markdown images in src that look
// like blob references. Query strings are dropped and percent-encoding is
// undone.
func MarkdownImages(src string) []string {
	if !strings.Contains(src, "![") {
		return nil
	}
	source := []byte(src)
	doc := markdown.Parser().Parse(text.NewReader(source))

	var refs []string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if img, ok := n.(*ast.Image); ok {
			if ref := normalise(string(img.Destination)); ref != "" {
				refs = append(refs, ref)
			}
		}
		return ast.WalkContinue, nil
	})
	return refs
}

func normalise(dest string) string {
	dest = strings.TrimSpace(dest)
	if i := strings.IndexByte(dest, '?'); i >= 0 {
		dest = dest[:i]
	}
	if blobid.Valid(dest) {
		return dest
	}
	if unescaped, err := url.PathUnescape(dest); err == nil && blobid.Valid(unescaped) {
		return unescaped
	}
	return ""
}

// links extracts link strings from values that are either a string or an
// object with a "link" field.
func links(values ...json.RawMessage) []string {
	var out []string
	for _, v := range values {
		if len(v) == 0 {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			if s != "" {
				out = append(out, s)
			}
			continue
		}
		var obj struct {
			Link string `json:"link"`
		}
		if err := json.Unmarshal(v, &obj); err == nil && obj.Link != "" {
			out = append(out, obj.Link)
		}
	}
	return out
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}
