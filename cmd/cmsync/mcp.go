package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/eringen/cmsync"
)

type syncPostsArgs struct {
	Source string `json:"source"` // optional source directory override
}

type listDocumentsArgs struct {
	Source string `json:"source"`
}

// mcpTools serves the MCP tool calls. Sync calls are serialized.
type mcpTools struct {
	syncer *cmsync.Syncer
	cfg    cmsync.Config
	mu     sync.Mutex
}

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve sync_posts and list_documents as MCP tools over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer log.Sync()

			t := &mcpTools{syncer: cmsync.New(cfg, cmsync.WithLogger(log)), cfg: cfg}
			return server.ServeStdio(t.server())
		},
	}
}

func (t *mcpTools) server() *server.MCPServer {
	s := server.NewMCPServer("cmsync", version, server.WithToolCapabilities(false))

	s.AddTool(mcp.NewTool("sync_posts",
		mcp.WithDescription("Fetch posts from the CMS and write them into the static-site source tree. Returns the run report as JSON."),
		mcp.WithString("source", mcp.Description("Source directory; defaults to the configured source_dir")),
	), mcp.NewTypedToolHandler(t.syncPosts))

	s.AddTool(mcp.NewTool("list_documents",
		mcp.WithDescription("List the synced documents with their front matter as JSON."),
		mcp.WithString("source", mcp.Description("Source directory; defaults to the configured source_dir")),
	), mcp.NewTypedToolHandler(t.listDocuments))

	return s
}

func (t *mcpTools) sourceDir(override string) string {
	if override != "" {
		return override
	}
	return t.cfg.SourceDir
}

func (t *mcpTools) syncPosts(ctx context.Context, _ mcp.CallToolRequest, args syncPostsArgs) (*mcp.CallToolResult, error) {
	if !t.mu.TryLock() {
		return mcp.NewToolResultError("a sync is already running"), nil
	}
	defer t.mu.Unlock()

	sum, err := t.syncer.Run(ctx, t.sourceDir(args.Source))
	if sum == nil {
		sum = &cmsync.Summary{}
	}
	out, jerr := json.Marshal(sum.Report(err))
	if jerr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal report: %v", jerr)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(string(out)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (t *mcpTools) listDocuments(_ context.Context, _ mcp.CallToolRequest, args listDocumentsArgs) (*mcp.CallToolResult, error) {
	dir := filepath.Join(t.sourceDir(args.Source), filepath.FromSlash(t.cfg.PostsDir))
	docs, err := cmsync.ListDocuments(dir)
	if err != nil && len(docs) == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list documents: %v", err)), nil
	}
	out, jerr := json.Marshal(docs)
	if jerr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal documents: %v", jerr)), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}
