// Package dispatcher implements the six MCP tools of spec §6 on top of
// internal/lsp's Manager, performing the common per-file preamble
// (absolute-path validation, language detection, document open) before
// handing off to each tool's LSP request.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/yourusername/lsmcp/internal/lsmcperr"
	"github.com/yourusername/lsmcp/internal/lsp"
	"github.com/yourusername/lsmcp/internal/workspace"
)

// clientProvider is the narrow slice of *lsp.Manager the dispatcher
// actually needs, so tests can substitute a fake that skips real process
// spawning.
type clientProvider interface {
	ClientFor(ctx context.Context, path string) (*lsp.Client, error)
	ClientForLanguage(ctx context.Context, languageID string) (*lsp.Client, error)
}

// Dispatcher wires the LSP manager to the tool surface.
type Dispatcher struct {
	manager clientProvider
	root    string
}

// New constructs a Dispatcher rooted at root.
func New(manager *lsp.Manager, root string) *Dispatcher {
	return &Dispatcher{manager: manager, root: root}
}

// prepared is the result of the common per-file preamble of spec §4.4: an
// open document on a ready client.
type prepared struct {
	client *lsp.Client
	path   string
	uri    string
}

// prepare validates the file argument, obtains the client for its
// language (spawning on first use), and ensures the document is open on
// that client before any per-document request is issued.
func (d *Dispatcher) prepare(ctx context.Context, fileArg string) (*prepared, error) {
	if fileArg == "" {
		return nil, fmt.Errorf("%w: file is required", lsmcperr.ErrInvalidArgument)
	}
	if !filepath.IsAbs(fileArg) {
		return nil, fmt.Errorf("%w: file must be an absolute path, got %q", lsmcperr.ErrInvalidArgument, fileArg)
	}
	if !workspace.Contains(d.root, fileArg) {
		return nil, fmt.Errorf("%w: file %q is outside the workspace root", lsmcperr.ErrInvalidArgument, fileArg)
	}
	if info, err := os.Stat(fileArg); err != nil || info.IsDir() {
		return nil, fmt.Errorf("%w: file %q does not exist", lsmcperr.ErrInvalidArgument, fileArg)
	}

	client, err := d.manager.ClientFor(ctx, fileArg)
	if err != nil {
		return nil, err
	}

	uri := lsp.FileURI(fileArg)
	if err := client.OpenDocument(ctx, fileArg, uri); err != nil {
		return nil, fmt.Errorf("open document %s: %w", fileArg, err)
	}

	return &prepared{client: client, path: fileArg, uri: uri}, nil
}
