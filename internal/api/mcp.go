package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/docqa/internal/index"
	"github.com/kalambet/docqa/internal/pipeline"
)

// NewMCPServer exposes the document QA service as MCP tools and resources.
func NewMCPServer(svc Service, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"docqa",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("docqa answers questions about uploaded documents using retrieval-augmented generation."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask_documents",
			mcp.WithDescription("Ask a question about the indexed documents. Returns an answer with the chunk ids it was based on."),
			mcp.WithString("query", mcp.Description("The question"), mcp.Required()),
			mcp.WithString("conversation_id", mcp.Description("Conversation to continue; omit to start a new one")),
		),
		mcpAsk(svc),
	)

	s.AddTool(
		mcp.NewTool("search_documents",
			mcp.WithDescription("Semantic search over the indexed documents without generating an answer."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpSearch(svc),
	)

	s.AddTool(
		mcp.NewTool("add_document",
			mcp.WithDescription("Index a text or markdown document."),
			mcp.WithString("filename", mcp.Description("File name; its extension selects the format (.txt, .md, .html)"), mcp.Required()),
			mcp.WithString("content", mcp.Description("The document text"), mcp.Required()),
		),
		mcpAddDocument(svc),
	)

	s.AddTool(
		mcp.NewTool("clear_index",
			mcp.WithDescription("Remove every indexed document and all conversations."),
		),
		mcpClear(svc),
	)

	s.AddResource(
		mcp.NewResource(
			"docqa://documents",
			"Indexed Documents",
			mcp.WithResourceDescription("Documents currently in the index with their chunk counts"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceDocuments(svc),
	)

	return s
}

func mcpAsk(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		convID := req.GetString("conversation_id", "")

		ans, err := svc.Chat(ctx, convID, query)
		if err != nil {
			return mcpServiceError(err), nil
		}
		return mcpJSON(ans)
	}
}

func mcpSearch(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > maxSearchResults {
			limit = maxSearchResults
		}

		results, err := svc.Search(ctx, query, limit)
		if err != nil {
			return mcpServiceError(err), nil
		}
		hits := make([]searchHit, len(results))
		for i, res := range results {
			hits[i] = searchHit{
				ChunkID:    res.Chunk.ID,
				DocumentID: res.Chunk.DocumentID,
				Source:     res.Chunk.Source,
				Page:       res.Chunk.Page,
				Chunk:      res.Chunk.Ordinal,
				Text:       res.Chunk.Text,
				Score:      res.Score,
			}
		}
		return mcpJSON(hits)
	}
}

func mcpAddDocument(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		filename, err := req.RequireString("filename")
		if err != nil {
			return mcpError("filename is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}

		res, err := svc.Upload(ctx, filename, []byte(content))
		if err != nil {
			return mcpServiceError(err), nil
		}
		return mcpText(res.Message + " (document " + res.DocumentID + ")"), nil
	}
}

func mcpClear(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := svc.Clear(); err != nil {
			return mcpServiceError(err), nil
		}
		return mcpText("Index and conversations cleared"), nil
	}
}

func mcpResourceDocuments(svc Service) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		docs := svc.Documents()
		if docs == nil {
			docs = []index.DocumentInfo{}
		}
		b, err := json.Marshal(docs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal documents: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpServiceError(err error) *mcp.CallToolResult {
	return mcpError(fmt.Sprintf("%s: %v", pipeline.KindOf(err), err))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
