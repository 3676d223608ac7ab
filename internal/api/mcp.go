package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/llamabatch/internal/cache"
	"github.com/kalambet/llamabatch/internal/engine"
)

// NewMCPServer creates an MCP server exposing cache management and
// generation as tools.
func NewMCPServer(deps Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"llamabatch",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("llamabatch: local GGUF model cache and llama.cpp inference."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("pull_model",
			mcp.WithDescription("Download a GGUF model file from the hub into the local cache."),
			mcp.WithString("model_id", mcp.Description("Repository id, e.g. TheBloke/Llama-2-7B-Chat-GGUF"), mcp.Required()),
			mcp.WithString("filename", mcp.Description("File within the repository; the first .gguf file when omitted")),
			mcp.WithBoolean("force", mcp.Description("Redownload even if already cached")),
		),
		mcpPullModel(deps),
	)

	s.AddTool(
		mcp.NewTool("list_models",
			mcp.WithDescription("List cached model repositories and their sizes."),
		),
		mcpListModels(deps),
	)

	s.AddTool(
		mcp.NewTool("cache_usage",
			mcp.WithDescription("Report total cache disk usage, largest repositories first."),
		),
		mcpCacheUsage(deps),
	)

	s.AddTool(
		mcp.NewTool("remove_model",
			mcp.WithDescription("Remove a cached model repository, or everything with \"all\"."),
			mcp.WithString("model_id", mcp.Description("Repository id, or \"all\""), mcp.Required()),
		),
		mcpRemoveModel(deps),
	)

	s.AddTool(
		mcp.NewTool("generate",
			mcp.WithDescription("Run a prompt through a local model and return the generated text."),
			mcp.WithString("model", mcp.Description("Repository id or local gguf path"), mcp.Required()),
			mcp.WithString("prompt", mcp.Description("Prompt text"), mcp.Required()),
			mcp.WithNumber("max_tokens", mcp.Description("Maximum tokens to generate")),
			mcp.WithNumber("temperature", mcp.Description("Sampling temperature")),
		),
		mcpGenerate(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"cache://usage",
			"Cache Usage",
			mcp.WithResourceDescription("Cached repositories with sizes as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceUsage(deps),
	)

	return s
}

func mcpPullModel(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		modelID, err := req.RequireString("model_id")
		if err != nil {
			return mcpError("model_id is required"), nil
		}
		filename := req.GetString("filename", "")
		force := req.GetBool("force", false)

		if filename == "" {
			files, err := deps.Hub.ListFiles(ctx, modelID, ".gguf")
			if err != nil {
				return mcpError(fmt.Sprintf("listing files: %v", err)), nil
			}
			if len(files) == 0 {
				return mcpError(fmt.Sprintf("no gguf files in %s", modelID)), nil
			}
			filename = files[0]
		}

		ref, err := cache.ParseRef(modelID, filename)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		path, err := deps.Cache.Ensure(ctx, ref, cache.EnsureOptions{Force: force})
		if err != nil {
			return mcpError(fmt.Sprintf("pull failed: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Pulled %s to %s", ref, path)), nil
	}
}

func mcpListModels(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entries, err := deps.Cache.List()
		if err != nil {
			return mcpError(fmt.Sprintf("listing cache: %v", err)), nil
		}
		if len(entries) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(entries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal entries: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCacheUsage(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		report, err := deps.Cache.Usage()
		if err != nil {
			return mcpError(fmt.Sprintf("computing usage: %v", err)), nil
		}

		b, err := json.Marshal(report)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal report: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRemoveModel(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		modelID, err := req.RequireString("model_id")
		if err != nil {
			return mcpError("model_id is required"), nil
		}

		if modelID == "all" {
			if err := deps.Cache.RemoveAll(); err != nil {
				return mcpError(fmt.Sprintf("clearing cache: %v", err)), nil
			}
			return mcpText("Removed all cached models"), nil
		}

		if err := deps.Cache.Remove(modelID); err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				return mcpError(fmt.Sprintf("model %s is not cached", modelID)), nil
			}
			return mcpError(fmt.Sprintf("removing %s: %v", modelID, err)), nil
		}
		return mcpText(fmt.Sprintf("Removed %s", modelID)), nil
	}
}

func mcpGenerate(deps Deps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		model, err := req.RequireString("model")
		if err != nil {
			return mcpError("model is required"), nil
		}
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}

		art := cache.ParseArtifact(model, "model.gguf")
		modelPath := art.LocalPath
		if art.IsRemote() {
			path, err := deps.Cache.Ensure(ctx, art.Remote, cache.EnsureOptions{})
			if err != nil {
				return mcpError(fmt.Sprintf("resolving model: %v", err)), nil
			}
			modelPath = path
		}

		result, err := deps.Engine.Run(ctx, engine.Request{
			ModelPath:   modelPath,
			Prompt:      prompt,
			MaxTokens:   req.GetInt("max_tokens", engine.DefaultMaxTokens),
			Temperature: float32(req.GetFloat("temperature", float64(engine.DefaultTemperature))),
			TopK:        engine.DefaultTopK,
			TopP:        engine.DefaultTopP,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("inference failed: %v", err)), nil
		}

		return mcpText(result.Text), nil
	}
}

func mcpResourceUsage(deps Deps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		report, err := deps.Cache.Usage()
		if err != nil {
			return nil, fmt.Errorf("computing usage: %w", err)
		}

		b, err := json.Marshal(report)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal report: %w", err)
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
