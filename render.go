package cmsync

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/a-h/templ"
	"github.com/labstack/echo/v4"
)

// Render writes a templ component as an HTTP 200 HTML response.
func Render(c echo.Context, cmp templ.Component) error {
	return RenderStatus(c, http.StatusOK, cmp)
}

// RenderStatus writes a templ component with a specific HTTP status code.
func RenderStatus(c echo.Context, code int, cmp templ.Component) error {
	c.Response().Header().Set(echo.HeaderContentType, echo.MIMETextHTMLCharsetUTF8)
	c.Response().WriteHeader(code)
	return cmp.Render(c.Request().Context(), c.Response().Writer)
}

// StatusPage lists recent sync runs.
func StatusPage(runs []RunRecord, ledger bool) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, `<!doctype html><html lang="en"><head><meta charset="utf-8"><title>cmsync</title></head><body><h1>cmsync</h1>`); err != nil {
			return err
		}
		switch {
		case !ledger:
			if _, err := io.WriteString(w, `<p>No ledger configured; set state_path to keep run history.</p>`); err != nil {
				return err
			}
		case len(runs) == 0:
			if _, err := io.WriteString(w, `<p>No runs yet.</p>`); err != nil {
				return err
			}
		default:
			if _, err := io.WriteString(w, `<table><thead><tr><th>#</th><th>Started</th><th>Finished</th><th>Outcome</th><th>Saved</th><th>Unchanged</th><th>Failed</th><th>Assets</th><th>Error</th></tr></thead><tbody>`); err != nil {
				return err
			}
			for _, r := range runs {
				_, err := fmt.Fprintf(w, `<tr class="%s"><td>%d</td><td>%s</td><td>%s</td><td>%s</td><td>%d</td><td>%d</td><td>%d</td><td>%d</td><td>%s</td></tr>`,
					templ.EscapeString(r.Outcome), r.ID,
					templ.EscapeString(r.StartedAt), templ.EscapeString(r.FinishedAt), templ.EscapeString(r.Outcome),
					r.Saved, r.Unchanged, r.Failed, r.Assets, templ.EscapeString(r.Error))
				if err != nil {
					return err
				}
			}
			if _, err := io.WriteString(w, `</tbody></table>`); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, `</body></html>`)
		return err
	})
}
