package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/spf13/cobra"

	"github.com/eringen/cmsync/scaffold"
)

// scaffoldData holds the variables passed to every scaffold template.
type scaffoldData struct {
	SiteName  string
	APIURL    string
	SourceDir string
}

func newInitCmd() *cobra.Command {
	var apiURL string
	cmd := &cobra.Command{
		Use:   "init <dir>",
		Short: "Write a starter cmsync.yml and .env.example into dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.OutOrStdout(), args[0], apiURL)
		},
	}
	cmd.Flags().StringVar(&apiURL, "api-url", "https://your-service.microcms.io/api/v1/blogs", "CMS collection endpoint")
	return cmd
}

func runInit(out io.Writer, dir, apiURL string) error {
	data := scaffoldData{
		SiteName:  toTitle(filepath.Base(filepath.Clean(dir))),
		APIURL:    apiURL,
		SourceDir: "source",
	}

	const root = "templates"
	err := fs.WalkDir(scaffold.Templates, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		outPath := strings.TrimSuffix(filepath.Join(dir, rel), ".tmpl")
		if filepath.Base(outPath) == "dotenv" {
			outPath = filepath.Join(filepath.Dir(outPath), ".env.example")
		}
		if d.IsDir() {
			return os.MkdirAll(outPath, 0o755)
		}

		// Never clobber a configuration the user already edited.
		if _, err := os.Stat(outPath); err == nil {
			fmt.Fprintf(out, "  skipped %s (exists)\n", outPath)
			return nil
		}

		content, err := scaffold.Templates.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		tmpl, err := template.New(filepath.Base(path)).Parse(string(content))
		if err != nil {
			return fmt.Errorf("parse template %s: %w", path, err)
		}
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", outPath, err)
		}
		defer f.Close()
		if err := tmpl.Execute(f, data); err != nil {
			return fmt.Errorf("execute template %s: %w", path, err)
		}
		fmt.Fprintf(out, "  created %s\n", outPath)
		return nil
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintf(out, "  cp %s %s\n", filepath.Join(dir, ".env.example"), filepath.Join(dir, ".env"))
	fmt.Fprintln(out, "  set MICROCMS_API_KEY in .env")
	fmt.Fprintf(out, "  cmsync sync --config %s\n", filepath.Join(dir, "cmsync.yml"))
	return nil
}

// toTitle converts a hyphenated name to a title-case string.
// e.g. "my-blog" -> "My Blog"
func toTitle(s string) string {
	parts := strings.Split(s, "-")
	for i, p := range parts {
		if len(p) > 0 {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, " ")
}
