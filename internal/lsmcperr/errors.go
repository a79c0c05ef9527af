// Package lsmcperr declares the error taxonomy shared by the configuration
// resolver, the LSP client/manager, and the MCP tool dispatcher.
package lsmcperr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error classes a caller needs to branch on
// (e.g. to decide whether a client should be re-spawned). Kinds are
// sentinel errors rather than a closed enum so call sites can wrap them
// with fmt.Errorf("%w: ...") and callers still errors.Is against the kind.
var (
	ErrUnsupportedExtension = errors.New("unsupported extension")
	ErrLspNotInstalled      = errors.New("lsp not installed")
	ErrLspSpawnFailed       = errors.New("lsp spawn failed")
	ErrLspHandshakeFailed   = errors.New("lsp handshake failed")
	ErrLspDied              = errors.New("lsp died")
	ErrTimeout              = errors.New("timeout")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrMalformedConfig      = errors.New("malformed config")
)

// Hint derives the §4.1 install remediation string for a source kind. The
// registry's [source] command is authoritative when present; sourceType
// only drives the generic fallback phrasing.
func Hint(sourceType, packageName, command string) string {
	if command != "" {
		return fmt.Sprintf("run `%s`", command)
	}
	switch sourceType {
	case "Npm":
		return fmt.Sprintf("run `npm install -g %s`", packageName)
	case "Cargo":
		return fmt.Sprintf("run `cargo install %s`", packageName)
	case "Pip":
		return fmt.Sprintf("run `pip install %s`", packageName)
	case "GithubRelease":
		return fmt.Sprintf("download a release of %s from its GitHub releases page", packageName)
	default:
		return fmt.Sprintf("install %s and ensure it is on PATH", packageName)
	}
}

// NotInstalled builds the ErrLspNotInstalled-wrapped error for a package
// resolution failure, carrying the install hint in its message.
func NotInstalled(languages []string, packageName, sourceType, command string) error {
	return fmt.Errorf("%w: no binary for language(s) %q (package %q) — %s",
		ErrLspNotInstalled, languages, packageName, Hint(sourceType, packageName, command))
}
