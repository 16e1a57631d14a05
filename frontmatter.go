package cmsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/adrg/frontmatter"
)

// FrontMatter is the metadata block at the top of every synced document.
type FrontMatter struct {
	Title       string   `yaml:"title" json:"title"`
	Date        string   `yaml:"date" json:"date"`
	Tags        []string `yaml:"tags" json:"tags"`
	Categories  []string `yaml:"categories" json:"categories"`
	Description string   `yaml:"description" json:"description"`
}

var quoteEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`)

// Render serializes the block in its fixed field order, followed by the
// closing delimiter and one blank line. The output for a given value never
// changes between runs, which is what makes byte comparison of whole
// documents meaningful.
func (fm FrontMatter) Render() []byte {
	var b bytes.Buffer
	b.WriteString("---\n")
	fmt.Fprintf(&b, "title: %s\n", quoteYAML(fm.Title))
	fmt.Fprintf(&b, "date: %s\n", fm.Date)
	fmt.Fprintf(&b, "tags: %s\n", jsonList(fm.Tags))
	fmt.Fprintf(&b, "categories: %s\n", jsonList(fm.Categories))
	fmt.Fprintf(&b, "description: %s\n", quoteYAML(fm.Description))
	b.WriteString("---\n\n")
	return b.Bytes()
}

func quoteYAML(s string) string {
	return `"` + quoteEscaper.Replace(s) + `"`
}

// jsonList encodes a string list as a JSON array without HTML escaping, so
// "C&C" stays readable. A nil list renders as [].
func jsonList(items []string) string {
	if items == nil {
		items = []string{}
	}
	var b bytes.Buffer
	enc := json.NewEncoder(&b)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(items); err != nil {
		return "[]"
	}
	return strings.TrimRight(b.String(), "\n")
}

// ReadDocument parses a document written by the pipeline, returning its
// front matter and body.
func ReadDocument(path string) (FrontMatter, []byte, error) {
	var fm FrontMatter
	f, err := os.Open(path)
	if err != nil {
		return fm, nil, ioErr("open document", err)
	}
	defer f.Close()
	body, err := frontmatter.Parse(f, &fm)
	if err != nil {
		return fm, nil, fmt.Errorf("parse front matter of %s: %w", path, err)
	}
	return fm, bytes.TrimLeft(body, "\r\n"), nil
}

// DocumentInfo describes a document found on disk.
type DocumentInfo struct {
	Path        string      `json:"path"`
	FrontMatter FrontMatter `json:"front_matter"`
}

// ListDocuments reads the front matter of every .md file directly under dir,
// sorted by file name. Files that fail to parse are skipped and reported in
// the returned error alongside the documents that did parse.
func ListDocuments(dir string) ([]DocumentInfo, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.md"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	docs := make([]DocumentInfo, 0, len(matches))
	var errs []error
	for _, m := range matches {
		fm, _, err := ReadDocument(m)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		docs = append(docs, DocumentInfo{Path: m, FrontMatter: fm})
	}
	return docs, errors.Join(errs...)
}
