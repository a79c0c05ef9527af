package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	golsp "github.com/sourcegraph/go-lsp"

	"github.com/yourusername/lsmcp/internal/lsmcperr"
	"github.com/yourusername/lsmcp/internal/lsp"
)

const diagnosticsFirstWait = 2 * time.Second

// Register adds the six lsp_* tools of spec §6 to mcpServer.
func (d *Dispatcher) Register(mcpServer *server.MCPServer) {
	mcpServer.AddTool(gotoDefinitionTool(), d.handleGotoDefinition)
	mcpServer.AddTool(findReferencesTool(), d.handleFindReferences)
	mcpServer.AddTool(hoverTool(), d.handleHover)
	mcpServer.AddTool(documentSymbolsTool(), d.handleDocumentSymbols)
	mcpServer.AddTool(diagnosticsTool(), d.handleDiagnostics)
	mcpServer.AddTool(workspaceSymbolsTool(), d.handleWorkspaceSymbols)
}

func fileArg() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "Absolute path to the file",
	}
}

func lineArg() map[string]any {
	return map[string]any{
		"type":        "number",
		"description": "Zero-indexed line number",
	}
}

func characterArg() map[string]any {
	return map[string]any{
		"type":        "number",
		"description": "Zero-indexed character offset within the line",
	}
}

func gotoDefinitionTool() mcp.Tool {
	return mcp.Tool{
		Name:        "lsp_goto_definition",
		Description: "Find where a symbol at a file position is defined.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"file":      fileArg(),
				"line":      lineArg(),
				"character": characterArg(),
			},
			Required: []string{"file", "line", "character"},
		},
	}
}

func findReferencesTool() mcp.Tool {
	return mcp.Tool{
		Name:        "lsp_find_references",
		Description: "Find every reference to the symbol at a file position.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"file":               fileArg(),
				"line":               lineArg(),
				"character":          characterArg(),
				"includeDeclaration": map[string]any{"type": "boolean", "description": "Include the declaration itself (default true)"},
			},
			Required: []string{"file", "line", "character"},
		},
	}
}

func hoverTool() mcp.Tool {
	return mcp.Tool{
		Name:        "lsp_hover",
		Description: "Show hover information (type, documentation) for the symbol at a file position.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"file":      fileArg(),
				"line":      lineArg(),
				"character": characterArg(),
			},
			Required: []string{"file", "line", "character"},
		},
	}
}

func documentSymbolsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "lsp_document_symbols",
		Description: "List every symbol declared in a file, as an indented tree.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"file": fileArg()},
			Required:   []string{"file"},
		},
	}
}

func diagnosticsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "lsp_diagnostics",
		Description: "Get compiler/linter diagnostics (errors, warnings, hints) for a file.",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{"file": fileArg()},
			Required:   []string{"file"},
		},
	}
}

func workspaceSymbolsTool() mcp.Tool {
	return mcp.Tool{
		Name:        "lsp_workspace_symbols",
		Description: "Search for symbols by name across an entire language's workspace.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"query":    map[string]any{"type": "string", "description": "Non-empty search query"},
				"language": map[string]any{"type": "string", "description": "Language id to search (e.g. go, typescript, python, rust)"},
			},
			Required: []string{"query", "language"},
		},
	}
}

// --- argument extraction -----------------------------------------------

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%w: %q is required", lsmcperr.ErrInvalidArgument, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q must be a string", lsmcperr.ErrInvalidArgument, key)
	}
	return s, nil
}

func intArg(args map[string]any, key string) (int, error) {
	v, ok := args[key]
	if !ok {
		return 0, fmt.Errorf("%w: %q is required", lsmcperr.ErrInvalidArgument, key)
	}
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("%w: %q must be a number", lsmcperr.ErrInvalidArgument, key)
	}
}

func boolArg(args map[string]any, key string, def bool) bool {
	v, ok := args[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

func nonNegative(name string, n int) error {
	if n < 0 {
		return fmt.Errorf("%w: %s must be >= 0, got %d", lsmcperr.ErrInvalidArgument, name, n)
	}
	return nil
}

// --- handlers ------------------------------------------------------------

func (d *Dispatcher) handleGotoDefinition(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.Params.Arguments
	file, err := stringArg(args, "file")
	if err != nil {
		return errorResult(err), nil
	}
	line, err := intArg(args, "line")
	if err != nil {
		return errorResult(err), nil
	}
	character, err := intArg(args, "character")
	if err != nil {
		return errorResult(err), nil
	}
	if err := nonNegative("line", line); err != nil {
		return errorResult(err), nil
	}
	if err := nonNegative("character", character); err != nil {
		return errorResult(err), nil
	}

	p, err := d.prepare(ctx, file)
	if err != nil {
		return errorResult(err), nil
	}

	params := golsp.TextDocumentPositionParams{
		TextDocument: golsp.TextDocumentIdentifier{URI: golsp.DocumentURI(p.uri)},
		Position:     golsp.Position{Line: line, Character: character},
	}
	raw, err := p.client.Request(ctx, "textDocument/definition", params)
	if err != nil {
		return errorResult(classifyLSPError(p.client, err)), nil
	}

	locs, err := lsp.NormalizeLocations(raw)
	if err != nil {
		return errorResult(fmt.Errorf("%w: %v", lsmcperr.ErrInvalidArgument, err)), nil
	}
	return textResult(formatLocations(locs)), nil
}

func (d *Dispatcher) handleFindReferences(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.Params.Arguments
	file, err := stringArg(args, "file")
	if err != nil {
		return errorResult(err), nil
	}
	line, err := intArg(args, "line")
	if err != nil {
		return errorResult(err), nil
	}
	character, err := intArg(args, "character")
	if err != nil {
		return errorResult(err), nil
	}
	if err := nonNegative("line", line); err != nil {
		return errorResult(err), nil
	}
	if err := nonNegative("character", character); err != nil {
		return errorResult(err), nil
	}
	includeDeclaration := boolArg(args, "includeDeclaration", true)

	p, err := d.prepare(ctx, file)
	if err != nil {
		return errorResult(err), nil
	}

	params := golsp.ReferenceParams{
		TextDocumentPositionParams: golsp.TextDocumentPositionParams{
			TextDocument: golsp.TextDocumentIdentifier{URI: golsp.DocumentURI(p.uri)},
			Position:     golsp.Position{Line: line, Character: character},
		},
		Context: golsp.ReferenceContext{IncludeDeclaration: includeDeclaration},
	}
	raw, err := p.client.Request(ctx, "textDocument/references", params)
	if err != nil {
		return errorResult(classifyLSPError(p.client, err)), nil
	}

	locs, err := lsp.NormalizeLocations(raw)
	if err != nil {
		return errorResult(fmt.Errorf("%w: %v", lsmcperr.ErrInvalidArgument, err)), nil
	}
	return textResult(formatLocations(locs)), nil
}

func (d *Dispatcher) handleHover(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.Params.Arguments
	file, err := stringArg(args, "file")
	if err != nil {
		return errorResult(err), nil
	}
	line, err := intArg(args, "line")
	if err != nil {
		return errorResult(err), nil
	}
	character, err := intArg(args, "character")
	if err != nil {
		return errorResult(err), nil
	}
	if err := nonNegative("line", line); err != nil {
		return errorResult(err), nil
	}
	if err := nonNegative("character", character); err != nil {
		return errorResult(err), nil
	}

	p, err := d.prepare(ctx, file)
	if err != nil {
		return errorResult(err), nil
	}

	params := golsp.TextDocumentPositionParams{
		TextDocument: golsp.TextDocumentIdentifier{URI: golsp.DocumentURI(p.uri)},
		Position:     golsp.Position{Line: line, Character: character},
	}
	raw, err := p.client.Request(ctx, "textDocument/hover", params)
	if err != nil {
		return errorResult(classifyLSPError(p.client, err)), nil
	}

	return textResult(lsp.NormalizeHover(raw)), nil
}

func (d *Dispatcher) handleDocumentSymbols(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.Params.Arguments
	file, err := stringArg(args, "file")
	if err != nil {
		return errorResult(err), nil
	}

	p, err := d.prepare(ctx, file)
	if err != nil {
		return errorResult(err), nil
	}

	params := golsp.DocumentSymbolParams{
		TextDocument: golsp.TextDocumentIdentifier{URI: golsp.DocumentURI(p.uri)},
	}
	raw, err := p.client.Request(ctx, "textDocument/documentSymbol", params)
	if err != nil {
		return errorResult(classifyLSPError(p.client, err)), nil
	}

	symbols, err := lsp.NormalizeDocumentSymbols(raw)
	if err != nil {
		return errorResult(fmt.Errorf("%w: %v", lsmcperr.ErrInvalidArgument, err)), nil
	}
	return textResult(formatDocumentSymbols(symbols)), nil
}

func (d *Dispatcher) handleDiagnostics(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.Params.Arguments
	file, err := stringArg(args, "file")
	if err != nil {
		return errorResult(err), nil
	}

	p, err := d.prepare(ctx, file)
	if err != nil {
		return errorResult(err), nil
	}

	diags, err := p.client.Diagnostics(ctx, p.uri, diagnosticsFirstWait)
	if err != nil {
		if errors.Is(err, lsmcperr.ErrTimeout) {
			return textResult("Found 0 diagnostics (no publishDiagnostics received within 2s)."), nil
		}
		return errorResult(classifyLSPError(p.client, err)), nil
	}

	return textResult(formatDiagnostics(lsp.NormalizeDiagnostics(diags))), nil
}

func (d *Dispatcher) handleWorkspaceSymbols(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.Params.Arguments
	query, err := stringArg(args, "query")
	if err != nil {
		return errorResult(err), nil
	}
	if strings.TrimSpace(query) == "" {
		return errorResult(fmt.Errorf("%w: query must not be empty", lsmcperr.ErrInvalidArgument)), nil
	}
	language, err := stringArg(args, "language")
	if err != nil {
		return errorResult(err), nil
	}

	client, err := d.manager.ClientForLanguage(ctx, language)
	if err != nil {
		return errorResult(err), nil
	}

	if !client.HasCapability("workspaceSymbolProvider") {
		return textResult("Found 0 symbols (server does not support workspace/symbol)."), nil
	}

	params := golsp.WorkspaceSymbolParams{Query: query}
	raw, err := client.Request(ctx, "workspace/symbol", params)
	if err != nil {
		return errorResult(classifyLSPError(client, err)), nil
	}

	symbols, err := lsp.NormalizeWorkspaceSymbols(raw)
	if err != nil {
		return errorResult(fmt.Errorf("%w: %v", lsmcperr.ErrInvalidArgument, err)), nil
	}
	return textResult(formatWorkspaceSymbols(symbols)), nil
}

// --- error/result shaping --------------------------------------------------

// classifyLSPError renders spec §4.4's failure semantics: timeout and
// death get their own user-facing messages rather than the raw LSP error.
func classifyLSPError(c *lsp.Client, err error) error {
	switch {
	case errors.Is(err, lsmcperr.ErrTimeout):
		return fmt.Errorf("LSP request timed out after 30s")
	case errors.Is(err, lsmcperr.ErrLspDied):
		return fmt.Errorf("LSP for %s exited", c.LanguageID)
	default:
		return err
	}
}

func errorResult(err error) *mcp.CallToolResult {
	msg := err.Error()
	if errors.Is(err, lsmcperr.ErrInvalidArgument) {
		msg = fmt.Sprintf("InvalidArgument: %s", strings.TrimPrefix(msg, lsmcperr.ErrInvalidArgument.Error()+": "))
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: msg}},
	}
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}
}

func formatLocations(locs []lsp.NormalizedLocation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d location(s)\n", len(locs))
	for _, l := range locs {
		fmt.Fprintf(&b, "%s:%d:%d\n", l.URI, l.Start.Line, l.Start.Character)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatDocumentSymbols(symbols []lsp.NormalizedSymbol) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d symbol(s)\n", len(symbols))
	for _, s := range symbols {
		indent := strings.Repeat("  ", s.Depth)
		fmt.Fprintf(&b, "%s%s %s [%d:%d-%d:%d]\n", indent, s.Kind, s.Name,
			s.Range.Start.Line, s.Range.Start.Character, s.Range.End.Line, s.Range.End.Character)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatDiagnostics(diags []lsp.NormalizedDiagnostic) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d diagnostic(s)\n", len(diags))
	for _, d := range diags {
		fmt.Fprintf(&b, "%s [%d:%d] %s (%s)\n", d.Severity, d.Range.Start.Line, d.Range.Start.Character, d.Message, d.Source)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatWorkspaceSymbols(symbols []lsp.NormalizedWorkspaceSymbol) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d symbol(s)\n", len(symbols))
	for _, s := range symbols {
		fmt.Fprintf(&b, "%s %s %s:%d:%d\n", s.Kind, s.Name, s.URI, s.Pos.Line, s.Pos.Character)
	}
	return strings.TrimRight(b.String(), "\n")
}
