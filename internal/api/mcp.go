package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/qrpanel/internal/config"
	"github.com/kalambet/qrpanel/internal/pipeline"
	"github.com/kalambet/qrpanel/internal/qr"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Generator Generator
	Settings  SettingsStore
	Store     ResultStore
}

// NewMCPServer creates an MCP server exposing QR generation to agents.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"qrpanel",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("qrpanel turns text into QR codes and shows them in the browser panel."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("generate_qr",
			mcp.WithDescription("Generate a QR code for a piece of text and show it in the panel for the given origin."),
			mcp.WithString("text", mcp.Description("Text to encode"), mcp.Required()),
			mcp.WithString("origin", mcp.Description("Panel to present in (default: default)")),
		),
		mcpGenerateQR(deps),
	)

	s.AddTool(
		mcp.NewTool("test_custom_endpoint",
			mcp.WithDescription("Try a custom QR endpoint once without saving it. Omitted fields use the saved settings."),
			mcp.WithString("url", mcp.Description("Endpoint template containing {TEXT}")),
			mcp.WithString("headers", mcp.Description("JSON object of extra request headers")),
			mcp.WithNumber("timeout_ms", mcp.Description("Request timeout in milliseconds")),
			mcp.WithString("text", mcp.Description("Sample text (default: test)")),
		),
		mcpTestCustom(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"qr://last",
			"Last QR Code",
			mcp.WithResourceDescription("The most recently generated QR image"),
			mcp.WithMIMEType("image/png"),
		),
		mcpResourceLast(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"qr://resolutions",
			"Recent Resolutions",
			mcp.WithResourceDescription("Last 10 resolutions with the source that produced each image"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceResolutions(deps),
	)

	return s
}

func mcpGenerateQR(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		origin := req.GetString("origin", "")

		gen, err := deps.Generator.Generate(ctx, pipeline.Trigger{Text: text, Origin: origin, Via: pipeline.ViaMCP})
		if errors.Is(err, qr.ErrEmptyText) {
			return mcpError("text is required"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("generation failed: %v", err)), nil
		}

		res := gen.Result
		summary := fmt.Sprintf("QR code for %q from %s", res.Request.Text, res.Source)
		if res.Degraded {
			summary += " (degraded placeholder, every source failed)"
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{Type: "text", Text: summary},
				mcp.NewImageContent(base64.StdEncoding.EncodeToString(res.Image.Data), res.Image.ContentType),
			},
		}, nil
	}
}

func mcpTestCustom(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s := deps.Settings.Snapshot()
		s.URL = req.GetString("url", s.URL)
		s.Headers = req.GetString("headers", s.Headers)
		s.TimeoutMs = req.GetInt("timeout_ms", s.TimeoutMs)
		if s.TimeoutMs == 0 {
			s.TimeoutMs = config.DefaultTimeoutMs
		}

		img, err := deps.Generator.TestCustom(ctx, s, req.GetString("text", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("custom endpoint failed (%s): %v", qr.FailureKind(err), err)), nil
		}
		return mcpText(fmt.Sprintf("Custom endpoint OK: %d bytes of %s", len(img.Data), img.ContentType)), nil
	}
}

func mcpResourceLast(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		last, err := deps.Store.LastResult()
		if err != nil {
			return nil, fmt.Errorf("failed to get last result: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.BlobResourceContents{
				URI:      req.Params.URI,
				MIMEType: last.ContentType,
				Blob:     base64.StdEncoding.EncodeToString(last.Image),
			},
		}, nil
	}
}

func mcpResourceResolutions(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		rows, err := deps.Store.ListResolutions(10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list resolutions: %w", err)
		}

		type resolutionSummary struct {
			ID        string `json:"id"`
			CreatedAt string `json:"created_at"`
			Text      string `json:"text"`
			Source    string `json:"source"`
			Degraded  bool   `json:"degraded"`
		}

		summaries := make([]resolutionSummary, len(rows))
		for i, row := range rows {
			summaries[i] = resolutionSummary{
				ID:        row.ID,
				CreatedAt: row.CreatedAt.Format(time.RFC3339),
				Text:      truncateRunes(row.Text, 200),
				Source:    row.Source,
				Degraded:  row.Degraded,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal resolutions: %w", err)
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

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
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
