package dispatcher

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/yourusername/lsmcp/internal/lsp"
)

// --- minimal Content-Length frame helpers for the stub server side -------

type frameEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Content-Length: %d\r\n\r\n%s", len(body), body)
	return err
}

func readFrame(r *bufio.Reader) (frameEnvelope, error) {
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return frameEnvelope{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if name, value, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			length, _ = strconv.Atoi(strings.TrimSpace(value))
		}
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return frameEnvelope{}, err
	}
	var env frameEnvelope
	if err := json.Unmarshal(buf, &env); err != nil {
		return frameEnvelope{}, err
	}
	return env, nil
}

// --- test harness ----------------------------------------------------------

// stubServer drives the "server side" of a Client under test: it answers
// one LSP request with a canned result and otherwise drops what it reads
// (didOpen notifications need no reply).
type stubServer struct {
	r *bufio.Reader
	w io.Writer
}

func (s *stubServer) answer(method string, result any) (frameEnvelope, error) {
	for {
		env, err := readFrame(s.r)
		if err != nil {
			return frameEnvelope{}, err
		}
		if env.Method != method {
			continue
		}
		raw, _ := json.Marshal(result)
		return env, writeFrame(s.w, map[string]any{"jsonrpc": "2.0", "id": json.RawMessage(env.ID), "result": json.RawMessage(raw)})
	}
}

func (s *stubServer) pushDiagnostics(uri string, diags []map[string]any) error {
	return writeFrame(s.w, map[string]any{
		"jsonrpc": "2.0",
		"method":  "textDocument/publishDiagnostics",
		"params":  map[string]any{"uri": uri, "diagnostics": diags},
	})
}

func newTestDispatcher(t *testing.T, capabilities string) (*Dispatcher, *stubServer, string) {
	t.Helper()
	root := t.TempDir()
	file := filepath.Join(root, "main.go")
	if err := os.WriteFile(file, []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write test file: %v", err)
	}

	clientStdinR, clientStdinW := io.Pipe()
	serverStdoutR, serverStdoutW := io.Pipe()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	client := lsp.NewTestClient("test-client", "go", root, clientStdinW, serverStdoutR, json.RawMessage(capabilities), log)

	server := &stubServer{r: bufio.NewReader(clientStdinR), w: serverStdoutW}

	d := &Dispatcher{manager: fakeProvider{client: client}, root: root}
	return d, server, file
}

type fakeProvider struct {
	client *lsp.Client
	err    error
}

func (f fakeProvider) ClientFor(ctx context.Context, path string) (*lsp.Client, error) {
	return f.client, f.err
}

func (f fakeProvider) ClientForLanguage(ctx context.Context, languageID string) (*lsp.Client, error) {
	return f.client, f.err
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("result has no content")
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", res.Content[0])
	}
	return tc.Text
}

// --- tests -------------------------------------------------------------

func TestHandleGotoDefinitionFormatsLocations(t *testing.T) {
	d, server, file := newTestDispatcher(t, `{}`)
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.answer("textDocument/definition", []map[string]any{
			{
				"uri": "file:///root/module/other.go",
				"range": map[string]any{
					"start": map[string]any{"line": 4, "character": 2},
					"end":   map[string]any{"line": 4, "character": 10},
				},
			},
		})
	}()

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"file": file, "line": float64(1), "character": float64(0)}

	res, err := d.handleGotoDefinition(context.Background(), req)
	<-done
	if err != nil {
		t.Fatalf("handleGotoDefinition: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected error result: %s", textOf(t, res))
	}
	text := textOf(t, res)
	if !strings.Contains(text, "file:///root/module/other.go:4:2") {
		t.Errorf("unexpected output: %s", text)
	}
}

func TestHandleHoverNoInformation(t *testing.T) {
	d, server, file := newTestDispatcher(t, `{}`)
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.answer("textDocument/hover", nil)
	}()

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"file": file, "line": float64(0), "character": float64(0)}

	res, err := d.handleHover(context.Background(), req)
	<-done
	if err != nil {
		t.Fatalf("handleHover: %v", err)
	}
	if text := textOf(t, res); text != "No hover information." {
		t.Errorf("expected no-hover sentinel, got %q", text)
	}
}

func TestHandleDiagnosticsUsesCachedPublish(t *testing.T) {
	d, server, file := newTestDispatcher(t, `{}`)

	uri := lsp.FileURI(file)
	published := make(chan struct{})
	go func() {
		defer close(published)
		_ = server.pushDiagnostics(uri, []map[string]any{
			{"severity": 1, "message": "unused import", "source": "gopls",
				"range": map[string]any{"start": map[string]any{"line": 2, "character": 0}, "end": map[string]any{"line": 2, "character": 5}}},
		})
	}()
	<-published
	// handleDiagnostics sends didOpen first; it is a notification (no id),
	// so read and drop it.
	go func() { _, _ = readFrame(server.r) }()

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"file": file}

	res, err := d.handleDiagnostics(context.Background(), req)
	if err != nil {
		t.Fatalf("handleDiagnostics: %v", err)
	}
	text := textOf(t, res)
	if !strings.Contains(text, "error") || !strings.Contains(text, "unused import") || !strings.Contains(text, "gopls") {
		t.Errorf("unexpected diagnostics output: %s", text)
	}
}

func TestHandleWorkspaceSymbolsCapabilityGating(t *testing.T) {
	d, _, _ := newTestDispatcher(t, `{}`)

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"query": "Foo", "language": "go"}

	res, err := d.handleWorkspaceSymbols(context.Background(), req)
	if err != nil {
		t.Fatalf("handleWorkspaceSymbols: %v", err)
	}
	text := textOf(t, res)
	if !strings.Contains(text, "Found 0 symbols") {
		t.Errorf("expected capability-gated empty result, got %q", text)
	}
}

func TestHandleWorkspaceSymbolsSuccess(t *testing.T) {
	d, server, _ := newTestDispatcher(t, `{"workspaceSymbolProvider": true}`)
	done := make(chan struct{})
	go func() {
		defer close(done)
		server.answer("workspace/symbol", []map[string]any{
			{
				"name": "Foo",
				"kind": 12,
				"location": map[string]any{
					"uri":   "file:///root/module/foo.go",
					"range": map[string]any{"start": map[string]any{"line": 9, "character": 1}, "end": map[string]any{"line": 9, "character": 4}},
				},
			},
		})
	}()

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"query": "Foo", "language": "go"}

	res, err := d.handleWorkspaceSymbols(context.Background(), req)
	<-done
	if err != nil {
		t.Fatalf("handleWorkspaceSymbols: %v", err)
	}
	text := textOf(t, res)
	if !strings.Contains(text, "Function Foo file:///root/module/foo.go:9:1") {
		t.Errorf("unexpected output: %s", text)
	}
}

func TestHandleGotoDefinitionMissingFileIsInvalidArgument(t *testing.T) {
	d, _, _ := newTestDispatcher(t, `{}`)

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"line": float64(0), "character": float64(0)}

	res, err := d.handleGotoDefinition(context.Background(), req)
	if err != nil {
		t.Fatalf("handleGotoDefinition: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected an error result for a missing file argument")
	}
	if !strings.HasPrefix(textOf(t, res), "InvalidArgument:") {
		t.Errorf("expected InvalidArgument-prefixed message, got %q", textOf(t, res))
	}
}

func TestHandleGotoDefinitionRejectsFileOutsideRoot(t *testing.T) {
	d, _, _ := newTestDispatcher(t, `{}`)
	outside := filepath.Join(t.TempDir(), "elsewhere.go")
	if err := os.WriteFile(outside, []byte("package main\n"), 0o644); err != nil {
		t.Fatalf("write outside file: %v", err)
	}

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"file": outside, "line": float64(0), "character": float64(0)}

	res, err := d.handleGotoDefinition(context.Background(), req)
	if err != nil {
		t.Fatalf("handleGotoDefinition: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected an error result for a file outside the workspace root")
	}
}

func TestHandleWorkspaceSymbolsRejectsEmptyQuery(t *testing.T) {
	d, _, _ := newTestDispatcher(t, `{}`)

	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{"query": "   ", "language": "go"}

	res, err := d.handleWorkspaceSymbols(context.Background(), req)
	if err != nil {
		t.Fatalf("handleWorkspaceSymbols: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected an error result for an empty query")
	}
}
