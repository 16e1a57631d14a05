package cmsync

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Transformer turns a RemotePost into the LocalDocument written to disk.
// It holds no mutable state and performs no I/O.
type Transformer struct {
	postsDir          string
	assetsDir         string
	base              *url.URL
	bodyFormat        string
	deriveDescription bool
	descriptionLength int
}

// NewTransformer builds a Transformer from cfg. Relative image sources are
// resolved against cfg.AssetBaseURL, or cfg.APIURL when that is unset.
func NewTransformer(cfg Config) *Transformer {
	cfg.setDefaults()
	t := &Transformer{
		postsDir:          cfg.PostsDir,
		assetsDir:         cfg.AssetsDir,
		bodyFormat:        cfg.BodyFormat,
		deriveDescription: cfg.DeriveDescription,
		descriptionLength: cfg.DescriptionLength,
	}
	base := cfg.AssetBaseURL
	if base == "" {
		base = cfg.APIURL
	}
	if u, err := url.Parse(base); err == nil && u.IsAbs() {
		t.base = u
	}
	return t
}

// Transform renders post. The same post always yields the same FilePath and
// byte-identical Content.
func (t *Transformer) Transform(post RemotePost) (*LocalDocument, error) {
	slug, err := postSlug(post)
	if err != nil {
		return nil, err
	}
	date, err := datePart(post.PublishedAt)
	if err != nil {
		return nil, err
	}

	body, refs, err := RewriteImages(post.Body, slug, t.assetsDir, t.base)
	if err != nil {
		return nil, fmt.Errorf("%w: post %q body: %w", ErrMalformedPost, post.ID, err)
	}
	if t.bodyFormat == BodyMarkdown {
		md, err := htmltomarkdown.ConvertString(body)
		if err != nil {
			return nil, fmt.Errorf("%w: post %q markdown conversion: %w", ErrMalformedPost, post.ID, err)
		}
		body = md + "\n"
	}

	description := post.Description
	if description == "" && t.deriveDescription {
		description = Excerpt(post.Body, t.descriptionLength)
	}

	fm := FrontMatter{
		Title:       post.Title,
		Date:        post.PublishedAt,
		Tags:        []string(post.Tags),
		Categories:  []string(post.Categories),
		Description: description,
	}
	content := append(fm.Render(), body...)

	return &LocalDocument{
		FilePath:    path.Join(t.postsDir, date+"-"+slug+".md"),
		Slug:        slug,
		FrontMatter: fm,
		Body:        body,
		Content:     content,
		Images:      refs,
	}, nil
}

// RewriteImages returns body with every mirrorable <img> src pointed at
// /<assetsDir>/<slug>/<filename>, plus one reference per distinct local
// path. Everything outside those src attributes is copied through byte for
// byte. Sources that are empty, data: URIs, not resolvable to an http(s)
// URL, or without a file name are left as they are.
func RewriteImages(body, slug, assetsDir string, base *url.URL) (string, []ImageReference, error) {
	z := html.NewTokenizer(strings.NewReader(body))
	var out bytes.Buffer
	var refs []ImageReference
	seen := make(map[string]bool)

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if errors.Is(z.Err(), io.EOF) {
				return out.String(), refs, nil
			}
			return "", nil, z.Err()
		case html.StartTagToken, html.SelfClosingTagToken:
			// Token lower-cases names inside the tokenizer buffer, so keep
			// a copy of the raw bytes first.
			raw := append([]byte(nil), z.Raw()...)
			tok := z.Token()
			if tok.DataAtom != atom.Img {
				out.Write(raw)
				continue
			}
			ref, ok := rewriteSrc(&tok, slug, assetsDir, base)
			if !ok {
				out.Write(raw)
				continue
			}
			out.WriteString(tok.String())
			if !seen[ref.LocalAssetPath] {
				seen[ref.LocalAssetPath] = true
				refs = append(refs, ref)
			}
		default:
			out.Write(z.Raw())
		}
	}
}

func rewriteSrc(tok *html.Token, slug, assetsDir string, base *url.URL) (ImageReference, bool) {
	for i, attr := range tok.Attr {
		if attr.Namespace != "" || attr.Key != "src" {
			continue
		}
		ref, ok := imageReference(attr.Val, slug, assetsDir, base)
		if !ok {
			return ImageReference{}, false
		}
		tok.Attr[i].Val = ref.SiteSrc
		return ref, true
	}
	return ImageReference{}, false
}

// imageReference derives the local asset location for src. The query string
// and fragment never reach the file name or the download URL.
func imageReference(src, slug, assetsDir string, base *url.URL) (ImageReference, bool) {
	src = strings.TrimSpace(src)
	if src == "" || strings.HasPrefix(strings.ToLower(src), "data:") {
		return ImageReference{}, false
	}
	u, err := url.Parse(src)
	if err != nil {
		return ImageReference{}, false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ImageReference{}, false
	}
	name := path.Base(u.Path)
	if name == "." || name == ".." || name == "/" || name == "" {
		return ImageReference{}, false
	}

	remote := *u
	remote.RawQuery = ""
	remote.ForceQuery = false
	remote.Fragment = ""
	remote.RawFragment = ""

	local := path.Join(assetsDir, slug, name)
	return ImageReference{
		OriginalSrc:    src,
		RemoteURL:      remote.String(),
		LocalAssetPath: local,
		SiteSrc:        "/" + path.Join(assetsDir, slug, url.PathEscape(name)),
	}, true
}

// Excerpt returns the whitespace-collapsed text of the first non-empty
// paragraph in body (or of the whole body when it has none), cut to limit
// runes.
func Excerpt(body string, limit int) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return ""
	}
	var text string
	doc.Find("p").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text = strings.Join(strings.Fields(s.Text()), " ")
		return text == ""
	})
	if text == "" {
		text = strings.Join(strings.Fields(doc.Text()), " ")
	}
	if limit > 0 && utf8.RuneCountInString(text) > limit {
		r := []rune(text)
		text = strings.TrimSpace(string(r[:limit])) + "…"
	}
	return text
}
