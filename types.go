package cmsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RemotePost is one entry of the CMS listing response. It is a read-only
// snapshot; the pipeline never writes back to the CMS.
type RemotePost struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	PublishedAt string `json:"publishedAt"`
	Tags        Labels `json:"tags"`
	Categories  Labels `json:"categories"`
	Description string `json:"description"`
}

// Listing is the collection endpoint payload.
type Listing struct {
	Contents   []RemotePost `json:"contents"`
	TotalCount int          `json:"totalCount"`
	Offset     int          `json:"offset"`
	Limit      int          `json:"limit"`
}

// Labels is an ordered list of tag or category names. The CMS sends either
// plain strings or reference objects; objects collapse to their name, or id
// when the name is blank.
type Labels []string

func (l *Labels) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("labels: %w", err)
	}
	out := make(Labels, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var ref struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(item, &ref); err != nil {
			return fmt.Errorf("labels: unsupported element %s", item)
		}
		if ref.Name != "" {
			out = append(out, ref.Name)
		} else {
			out = append(out, ref.ID)
		}
	}
	*l = out
	return nil
}

// ImageReference links an <img> in a post body to its local mirror.
type ImageReference struct {
	// OriginalSrc is the src attribute exactly as it appeared in the body.
	OriginalSrc string
	// RemoteURL is OriginalSrc resolved to an absolute, fetchable URL.
	RemoteURL string
	// LocalAssetPath is relative to the source root, e.g. assets/my-post/a.png.
	LocalAssetPath string
	// SiteSrc is the rewritten src, e.g. /assets/my-post/a.png.
	SiteSrc string
}

// LocalDocument is the rendered file for one post.
type LocalDocument struct {
	// FilePath is relative to the source root, e.g. posts/2025-04-28-my-post.md.
	FilePath    string
	Slug        string
	FrontMatter FrontMatter
	Body        string
	Content     []byte
	Images      []ImageReference
}

// PostStatus is the outcome of syncing one post.
type PostStatus string

const (
	StatusSaved     PostStatus = "saved"
	StatusUnchanged PostStatus = "unchanged"
	StatusFailed    PostStatus = "failed"
)

// PostResult records what happened to one post during a run.
type PostResult struct {
	PostID   string
	Title    string
	FilePath string
	Status   PostStatus
	Assets   []Asset
	Err      error
}

// Asset is a mirrored remote resource.
type Asset struct {
	RemoteURL string
	LocalPath string
	Bytes     int64
	Width     int
	Height    int
	Format    string
}

// Summary aggregates a run.
type Summary struct {
	RunID      int64
	StartedAt  time.Time
	FinishedAt time.Time
	Posts      []PostResult
}

// Count returns how many posts ended with status s.
func (s *Summary) Count(status PostStatus) int {
	n := 0
	for _, p := range s.Posts {
		if p.Status == status {
			n++
		}
	}
	return n
}

// AssetsMirrored returns the number of assets downloaded during the run.
func (s *Summary) AssetsMirrored() int {
	n := 0
	for _, p := range s.Posts {
		n += len(p.Assets)
	}
	return n
}

// Err joins the errors of all failed posts, or returns nil.
func (s *Summary) Err() error {
	var errs []error
	for _, p := range s.Posts {
		if p.Err != nil {
			errs = append(errs, fmt.Errorf("post %s: %w", p.PostID, p.Err))
		}
	}
	return errors.Join(errs...)
}

// Report is the JSON view of a Summary returned by the webhook server and
// the MCP tool.
type Report struct {
	RunID     int64        `json:"run_id,omitempty"`
	Saved     int          `json:"saved"`
	Unchanged int          `json:"unchanged"`
	Failed    int          `json:"failed"`
	Assets    int          `json:"assets"`
	Posts     []PostReport `json:"posts"`
	Error     string       `json:"error,omitempty"`
}

// PostReport is the JSON view of a PostResult.
type PostReport struct {
	ID     string `json:"id"`
	File   string `json:"file,omitempty"`
	Status string `json:"status"`
	Assets int    `json:"assets,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Report converts the summary for JSON output. runErr, when non-nil, is the
// error that aborted the run.
func (s *Summary) Report(runErr error) Report {
	r := Report{
		RunID:     s.RunID,
		Saved:     s.Count(StatusSaved),
		Unchanged: s.Count(StatusUnchanged),
		Failed:    s.Count(StatusFailed),
		Assets:    s.AssetsMirrored(),
		Posts:     make([]PostReport, 0, len(s.Posts)),
	}
	for _, p := range s.Posts {
		pr := PostReport{ID: p.PostID, File: p.FilePath, Status: string(p.Status), Assets: len(p.Assets)}
		if p.Err != nil {
			pr.Error = p.Err.Error()
		}
		r.Posts = append(r.Posts, pr)
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	return r
}
