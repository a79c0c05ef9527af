// Package lsp implements the JSON-RPC framing, correlation, and lifecycle
// engine for one spawned language server (Client) and the per-workspace
// registry that lazily spawns one Client per language (Manager).
package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	golsp "github.com/sourcegraph/go-lsp"
	"github.com/yourusername/lsmcp/internal/lsmcperr"
)

const requestTimeout = 30 * time.Second

// pendingCall is the one-shot completion slot of spec §3 ("pending"):
// exactly one reader goroutine fulfils it, exactly once, per spec §8
// property 3.
type pendingCall struct {
	resultCh chan callResult
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Client is one running language server plus its framing/correlation
// state. Grounded on the teacher's hand-rolled stdio protocol
// (internal/tool/lsp.go: writeLSPMessage/readLSPMessage/lspMessage) and on
// the examples pack's dedicated LSP clients (cloudposse-atmos
// pkg/lsp/client, isaacphi/mcp-language-server internal/lsp), generalized
// to a long-lived, multiply-requested client instead of a one-shot
// request/shutdown cycle.
type Client struct {
	ID            string
	LanguageID    string
	WorkspaceRoot string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	log    *slog.Logger

	writeMu sync.Mutex

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	diagMu      sync.RWMutex
	diagnostics map[string][]golsp.Diagnostic
	diagWaiters map[string][]chan struct{}

	openMu   sync.Mutex
	openDocs map[string]bool

	handshakeDone chan struct{}
	handshakeErr  error

	capsMu    sync.Mutex
	capsRaw   json.RawMessage
	capsOnce  sync.Once
	capsMap   map[string]any

	stateMu sync.Mutex
	state   State

	deadOnce sync.Once
	deadErr  error
}

// Spawn starts the language server's child process and begins its reader
// loop. The handshake (initialize/initialized) runs in the background;
// callers that need it complete should call WaitReady.
func Spawn(ctx context.Context, languageID, workspaceRoot, executable string, args []string, env map[string]string, log *slog.Logger) (*Client, error) {
	cmd := exec.Command(executable, args...)
	cmd.Dir = workspaceRoot
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", lsmcperr.ErrLspSpawnFailed, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", lsmcperr.ErrLspSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", lsmcperr.ErrLspSpawnFailed, err)
	}

	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	log = log.With("client_id", id, "language", languageID)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", lsmcperr.ErrLspSpawnFailed, executable, err)
	}

	c := newClient(id, languageID, workspaceRoot, stdin, cmd, log)

	go c.drainStderr(stderr)
	go c.readLoop(bufio.NewReaderSize(stdout, 1<<20))

	c.setState(StateInitializing)
	go c.handshake(context.WithoutCancel(ctx))

	return c, nil
}

// newClient builds the correlation/lifecycle state shared by a real spawned
// client and a test harness driving the same protocol over an in-process
// pipe. cmd may be nil, in which case Pid and the process-kill path of
// Shutdown become no-ops — the caller (a test) owns process-equivalent
// teardown instead.
func newClient(id, languageID, workspaceRoot string, stdin io.WriteCloser, cmd *exec.Cmd, log *slog.Logger) *Client {
	return &Client{
		ID:            id,
		LanguageID:    languageID,
		WorkspaceRoot: workspaceRoot,
		cmd:           cmd,
		stdin:         stdin,
		log:           log,
		pending:       make(map[string]*pendingCall),
		diagnostics:   make(map[string][]golsp.Diagnostic),
		diagWaiters:   make(map[string][]chan struct{}),
		openDocs:      make(map[string]bool),
		handshakeDone: make(chan struct{}),
		state:         StateSpawning,
	}
}

// NewTestClient builds a Client already in StateReady, wired to
// stdin/stdout pipes without spawning a process or performing the wire
// handshake, for packages outside internal/lsp that need to drive a
// Client from an in-memory stub server (e.g. internal/dispatcher's
// tests). capabilities is the raw `capabilities` object the client
// reports via HasCapability.
func NewTestClient(id, languageID, workspaceRoot string, stdin io.WriteCloser, stdout io.Reader, capabilities json.RawMessage, log *slog.Logger) *Client {
	c := newClient(id, languageID, workspaceRoot, stdin, nil, log)
	c.capsRaw = capabilities
	close(c.handshakeDone)
	c.setState(StateReady)
	go c.readLoop(bufio.NewReader(stdout))
	return c
}

func (c *Client) drainStderr(r io.ReadCloser) {
	defer r.Close()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.log.Debug("lsp stderr", "data", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// State returns the client's current lifecycle state.
func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// handshake performs the §4.2 initialize/initialized dance. It never
// returns an error directly — callers observe it via WaitReady — because
// it runs detached from the Spawn caller's context so teardown and
// in-flight handshakes don't race on the same cancellation.
func (c *Client) handshake(ctx context.Context) {
	initCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	params := map[string]any{
		"processId": os.Getpid(),
		"rootUri":   FileURI(c.WorkspaceRoot),
		"capabilities": map[string]any{},
		"clientInfo": map[string]any{
			"name":    "lsmcp",
			"version": "0.1.0",
		},
	}

	result, err := c.sendRequest(initCtx, "initialize", params)
	if err != nil {
		c.failHandshake(fmt.Errorf("%w: %v", lsmcperr.ErrLspHandshakeFailed, err))
		return
	}

	var envelope struct {
		Capabilities json.RawMessage `json:"capabilities"`
	}
	if err := json.Unmarshal(result, &envelope); err != nil {
		c.failHandshake(fmt.Errorf("%w: malformed initialize result: %v", lsmcperr.ErrLspHandshakeFailed, err))
		return
	}
	c.capsMu.Lock()
	c.capsRaw = envelope.Capabilities
	c.capsMu.Unlock()

	if err := c.sendNotification("initialized", map[string]any{}); err != nil {
		c.failHandshake(fmt.Errorf("%w: %v", lsmcperr.ErrLspHandshakeFailed, err))
		return
	}

	c.setState(StateReady)
	close(c.handshakeDone)
	c.log.Info("lsp client ready")
}

func (c *Client) failHandshake(err error) {
	c.handshakeErr = err
	close(c.handshakeDone)
	c.log.Error("lsp handshake failed", "error", err)
	_ = c.killNow()
}

// WaitReady blocks until the handshake completes, fails, or ctx is done.
func (c *Client) WaitReady(ctx context.Context) error {
	select {
	case <-c.handshakeDone:
		return c.handshakeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HasCapability reports whether the server's ServerCapabilities contains a
// truthy value at the given top-level key (e.g. "workspaceSymbolProvider").
// Used by the workspace_symbols tool for capability gating (spec §4.4,
// §8 property 8).
func (c *Client) HasCapability(name string) bool {
	c.capsOnce.Do(func() {
		c.capsMu.Lock()
		raw := c.capsRaw
		c.capsMu.Unlock()
		m := map[string]any{}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &m)
		}
		c.capsMap = m
	})
	v, ok := c.capsMap[name]
	if !ok || v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true // a non-bool, non-nil value (e.g. an options object) is truthy
}

// Request issues an LSP request and returns its raw JSON result, blocking
// on the handshake first if it has not yet completed (spec §4.5: tool
// calls arriving in Initializing block on the handshake future).
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.State() >= StateDying {
		return nil, lsmcperr.ErrLspDied
	}
	if err := c.WaitReady(ctx); err != nil {
		if c.handshakeErr != nil {
			return nil, c.handshakeErr
		}
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	result, err := c.sendRequest(reqCtx, method, params)
	if err != nil && reqCtx.Err() != nil && ctx.Err() == nil {
		return nil, lsmcperr.ErrTimeout
	}
	return result, err
}

// Notify sends a fire-and-forget notification.
func (c *Client) Notify(method string, params any) error {
	return c.sendNotification(method, params)
}

func (c *Client) sendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	key := fmt.Sprintf("%d", id)

	slot := &pendingCall{resultCh: make(chan callResult, 1)}
	c.pendingMu.Lock()
	c.pending[key] = slot
	c.pendingMu.Unlock()

	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, key)
		c.pendingMu.Unlock()
	}

	idRaw := json.RawMessage(key)
	frame := rpcEnvelope{JSONRPC: "2.0", ID: &idRaw, Method: method, Params: marshalParams(params)}

	c.writeMu.Lock()
	err := writeFrame(c.stdin, frame)
	c.writeMu.Unlock()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("write request %s: %w", method, err)
	}

	select {
	case res := <-slot.resultCh:
		return res.result, res.err
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

func (c *Client) sendNotification(method string, params any) error {
	frame := rpcEnvelope{JSONRPC: "2.0", Method: method, Params: marshalParams(params)}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.stdin, frame)
}

func marshalParams(params any) json.RawMessage {
	if params == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return raw
}

// OpenDocument announces textDocument/didOpen exactly once per URI for the
// lifetime of the client (spec §4.2, §8 property 5). Disk content is
// authoritative; there is no didChange/didClose.
func (c *Client) OpenDocument(ctx context.Context, path, uri string) error {
	c.openMu.Lock()
	defer c.openMu.Unlock()

	if c.openDocs[uri] {
		return nil
	}
	if err := c.WaitReady(ctx); err != nil {
		return err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	params := golsp.DidOpenTextDocumentParams{
		TextDocument: golsp.TextDocumentItem{
			URI:        golsp.DocumentURI(uri),
			LanguageID: c.LanguageID,
			Version:    1,
			Text:       string(content),
		},
	}
	if err := c.sendNotification("textDocument/didOpen", params); err != nil {
		return err
	}
	c.openDocs[uri] = true
	return nil
}

// Diagnostics returns the cached diagnostics for uri, waiting up to
// timeout for the first publishDiagnostics notification if none have
// arrived yet (spec §4.4 diagnostics tool).
func (c *Client) Diagnostics(ctx context.Context, uri string, timeout time.Duration) ([]golsp.Diagnostic, error) {
	c.diagMu.RLock()
	if diags, ok := c.diagnostics[uri]; ok {
		c.diagMu.RUnlock()
		return diags, nil
	}
	ready := make(chan struct{})
	c.diagMu.RUnlock()

	c.diagMu.Lock()
	// Re-check under the write lock in case publishDiagnostics landed
	// between the RUnlock above and here.
	if diags, ok := c.diagnostics[uri]; ok {
		c.diagMu.Unlock()
		return diags, nil
	}
	c.diagWaiters[uri] = append(c.diagWaiters[uri], ready)
	c.diagMu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ready:
		c.diagMu.RLock()
		defer c.diagMu.RUnlock()
		return c.diagnostics[uri], nil
	case <-timer.C:
		return nil, lsmcperr.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) storeDiagnostics(uri string, diags []golsp.Diagnostic) {
	c.diagMu.Lock()
	c.diagnostics[uri] = diags
	waiters := c.diagWaiters[uri]
	delete(c.diagWaiters, uri)
	c.diagMu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// readLoop is the single reader task described in spec §4.2. It owns
// demultiplexing every frame into a pending response, a notification
// handler, or a method-not-found reply to an unsolicited server request.
func (c *Client) readLoop(r *bufio.Reader) {
	for {
		raw, err := readFrame(r)
		if err != nil {
			c.markDead(fmt.Errorf("%w: %v", lsmcperr.ErrLspDied, err))
			return
		}

		var env rpcEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Debug("dropping unparseable frame", "error", err)
			continue
		}

		switch {
		case env.isResponse():
			c.completeResponse(&env)
		case env.isNotification():
			c.handleNotification(&env)
		case env.isServerRequest():
			reply := methodNotFoundResponse(env.ID)
			c.writeMu.Lock()
			_ = writeFrame(c.stdin, reply)
			c.writeMu.Unlock()
		default:
			c.log.Debug("dropping frame of unknown shape")
		}
	}
}

func (c *Client) completeResponse(env *rpcEnvelope) {
	key := idString(env.ID)
	c.pendingMu.Lock()
	slot, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.log.Debug("response for unknown id", "id", key)
		return
	}

	if env.Error != nil {
		slot.resultCh <- callResult{err: env.Error}
		return
	}
	slot.resultCh <- callResult{result: env.Result}
}

func (c *Client) handleNotification(env *rpcEnvelope) {
	switch env.Method {
	case "textDocument/publishDiagnostics":
		var params golsp.PublishDiagnosticsParams
		if err := json.Unmarshal(env.Params, &params); err != nil {
			c.log.Debug("malformed publishDiagnostics", "error", err)
			return
		}
		c.storeDiagnostics(string(params.URI), params.Diagnostics)
	case "window/logMessage", "window/showMessage", "$/progress", "$/cancelRequest":
		c.log.Debug("lsp notification", "method", env.Method)
	default:
		// Unrecognized notifications are silently ignored per spec §4.2.
	}
}

// markDead transitions the client to Dead and completes every pending
// slot with ErrLspDied exactly once (spec §8 property 3).
func (c *Client) markDead(err error) {
	c.deadOnce.Do(func() {
		c.setState(StateDead)
		c.deadErr = err
		c.log.Warn("lsp client died", "error", err)

		c.pendingMu.Lock()
		pending := c.pending
		c.pending = make(map[string]*pendingCall)
		c.pendingMu.Unlock()
		for _, slot := range pending {
			slot.resultCh <- callResult{err: lsmcperr.ErrLspDied}
		}

		select {
		case <-c.handshakeDone:
		default:
			c.handshakeErr = lsmcperr.ErrLspDied
			close(c.handshakeDone)
		}
	})
}

// Shutdown performs the §4.2/§4.3 graceful teardown: shutdown request,
// exit notification, bounded join, force-kill on expiry.
func (c *Client) Shutdown(ctx context.Context) error {
	if c.State() >= StateDying {
		return nil
	}
	c.setState(StateDying)

	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	_, _ = c.sendRequest(shutdownCtx, "shutdown", nil)
	cancel()
	_ = c.sendNotification("exit", nil)
	_ = c.stdin.Close()

	if c.cmd == nil {
		c.markDead(lsmcperr.ErrLspDied)
		return nil
	}

	waitDone := make(chan struct{})
	go func() {
		_ = c.cmd.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-ctx.Done():
		_ = c.killNow()
		<-waitDone
	}

	c.markDead(lsmcperr.ErrLspDied)
	return nil
}

func (c *Client) killNow() error {
	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}

// Pid returns the spawned child's process id, for shutdown-quiescence
// checks (spec §8 property 9).
func (c *Client) Pid() int {
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}
