// Package mcpserver exposes an fm.Module as Model Context Protocol tools so
// MCP clients can use the on-device model.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	fm "github.com/blacktop/go-fmbridge"
)

const schemaURIPrefix = "schema://"

// New creates an MCP server with the generation tools and one JSON Schema
// resource per structured output type.
func New(m *fm.Module, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"fmbridge",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("On-device Apple Foundation Models: availability, text and structured generation."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("check_availability",
			mcp.WithDescription("Report whether the on-device Foundation Models language model can run, and why not."),
		),
		mcpCheckAvailability(m),
	)
	s.AddTool(
		mcp.NewTool("generate_text",
			mcp.WithDescription("Generate text with the on-device model."),
			mcp.WithString("prompt", mcp.Description("The prompt"), mcp.Required()),
			mcp.WithString("instructions", mcp.Description("Optional system instructions")),
			mcp.WithNumber("temperature", mcp.Description("Sampling temperature between 0 and 1")),
		),
		mcpGenerateText(m),
	)
	s.AddTool(
		mcp.NewTool("generate_structured",
			mcp.WithDescription("Generate a JSON record of a fixed shape with the on-device model."),
			mcp.WithString("prompt", mcp.Description("The prompt"), mcp.Required()),
			mcp.WithString("schema_type",
				mcp.Description("Shape of the record"),
				mcp.Required(),
				mcp.Enum(fm.SchemaTypes()...),
			),
			mcp.WithString("instructions", mcp.Description("Optional system instructions")),
		),
		mcpGenerateStructured(m),
	)

	for _, name := range fm.SchemaTypes() {
		schema, _ := fm.LookupSchema(name)
		s.AddResource(
			mcp.NewResource(
				schemaURIPrefix+name,
				name,
				mcp.WithResourceDescription(fmt.Sprintf("JSON Schema of the %s output type", name)),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceSchema(schema),
		)
	}

	return s
}

func mcpCheckAvailability(m *fm.Module) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(m.CheckAvailability(ctx))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal availability: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGenerateText(m *fm.Module) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}

		r := fm.Request{
			Prompt:       prompt,
			Instructions: req.GetString("instructions", ""),
		}
		if temp := req.GetFloat("temperature", -1); temp >= 0 {
			r.Options = fm.WithTemperature(float32(temp))
		}

		resp := m.GenerateText(ctx, r)
		if resp.Error != "" {
			return mcpError(resp.Error), nil
		}
		return mcpText(resp.Content), nil
	}
}

func mcpGenerateStructured(m *fm.Module) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		prompt, err := req.RequireString("prompt")
		if err != nil {
			return mcpError("prompt is required"), nil
		}

		resp := m.GenerateStructuredData(ctx, fm.Request{
			Prompt:       prompt,
			Instructions: req.GetString("instructions", ""),
			SchemaType:   req.GetString("schema_type", ""),
		})
		if resp.Error != "" {
			return mcpError(resp.Error), nil
		}

		b, err := json.MarshalIndent(resp.Data, "", "  ")
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal %s: %v", resp.SchemaType, err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceSchema(schema *fm.Schema) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := schema.MarshalJSONSchema()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s schema: %w", schema.Name, err)
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
