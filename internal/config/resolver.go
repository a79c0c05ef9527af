package config

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/yourusername/lsmcp/internal/lsmcperr"
	"github.com/yourusername/lsmcp/internal/lsp"
)

// Resolver implements lsp.Resolver: it maps a file path to the command
// that should spawn its language's server, applying spec §4.1's
// three-tier precedence (user config > embedded registry > builtins) and
// then the binary search order (lsmcp install dir > mason install dir >
// PATH > bin.primary/additional verbatim).
type Resolver struct {
	packages        map[string]LspPackage // by package name, after [lsp.<package>] merge
	extToLanguage   map[string]string     // file extension -> language id
	defaultPackages map[string]string     // language id -> package name
	overrides       map[string]string     // language id -> package name, from [language_overrides]
	homeDir         string
}

// NewResolver builds a Resolver from the merged registry and any user
// overrides. Per spec §4.1's lookup step 1, the extension and default
// package indexes are derived from the union of all three tiers — a user
// config that defines a wholly new [lsp.<package>] for a language/
// extension the registry doesn't already know (e.g. a new .zig entry)
// must still resolve by file path, so these indexes are built from
// merged, not from reg alone.
func NewResolver(reg Registry, userPackages map[string]LspPackage, languageOverrides map[string]string, homeDir string) *Resolver {
	merged := make(Registry, len(reg))
	for name, pkg := range reg {
		merged[name] = pkg
	}
	for name, pkg := range userPackages {
		merged[name] = mergePackage(merged[name], pkg, name)
	}

	return &Resolver{
		packages:        merged,
		extToLanguage:   merged.ExtensionLanguages(),
		defaultPackages: merged.DefaultPackages(),
		overrides:       languageOverrides,
		homeDir:         homeDir,
	}
}

// mergePackage layers a user-supplied [lsp.<package>] override over a
// registry entry: zero-valued fields in the override fall back to the
// base. A user entry for a package absent from the registry is used
// as-is (a fully user-defined server).
func mergePackage(base, override LspPackage, name string) LspPackage {
	out := base
	out.Name = name
	if len(override.Languages) > 0 {
		out.Languages = override.Languages
	}
	if len(override.FileExtensions) > 0 {
		out.FileExtensions = override.FileExtensions
	}
	if override.Source.Type != "" {
		out.Source = override.Source
	}
	if override.Bin.Primary != "" {
		out.Bin = override.Bin
	}
	if override.Env != nil {
		out.Env = override.Env
	}
	if override.Initialization != nil {
		out.Initialization = override.Initialization
	}
	out.Disabled = override.Disabled || base.Disabled
	return out
}

// Resolve implements lsp.Resolver.
func (r *Resolver) Resolve(path string) (lsp.ResolvedCommand, error) {
	ext := strings.ToLower(filepath.Ext(path))
	lang, ok := r.extToLanguage[ext]
	if !ok {
		return lsp.ResolvedCommand{}, lsmcperr.ErrUnsupportedExtension
	}
	return r.ResolveLanguage(lang)
}

// ResolveLanguage implements lsp.Resolver for workspace_symbols, which
// names a language directly rather than a file.
func (r *Resolver) ResolveLanguage(languageID string) (lsp.ResolvedCommand, error) {
	pkgName := r.overrides[languageID]
	if pkgName == "" {
		pkgName = r.defaultPackages[languageID]
	}
	if pkgName == "" {
		return lsp.ResolvedCommand{}, lsmcperr.ErrUnsupportedExtension
	}

	pkg, ok := r.packages[pkgName]
	if !ok || pkg.Disabled {
		return lsp.ResolvedCommand{}, lsmcperr.ErrUnsupportedExtension
	}

	command, err := r.findBinary(pkg)
	if err != nil {
		return lsp.ResolvedCommand{}, err
	}

	return lsp.ResolvedCommand{
		LanguageID: languageID,
		Command:    command,
		Args:       pkg.Bin.LspArgs,
		Env:        pkg.Env,
	}, nil
}

// findBinary applies the fixed search order of spec §4.1 to bin.primary
// and then each bin.additional name in turn: a per-server managed install
// directory, the Neovim Mason install directory shared with editor
// tooling, PATH, and finally the name taken literally (it may already be
// an absolute path).
func (r *Resolver) findBinary(pkg LspPackage) (string, error) {
	names := append([]string{pkg.Bin.Primary}, pkg.Bin.Additional...)
	for _, name := range names {
		if name == "" {
			continue
		}
		if path, ok := r.searchOne(pkg.Name, name); ok {
			return path, nil
		}
	}
	return "", lsmcperr.NotInstalled(pkg.Languages, pkg.Name, string(pkg.Source.Type), pkg.Source.Command)
}

func (r *Resolver) searchOne(packageName, binName string) (string, bool) {
	candidates := []string{
		filepath.Join(r.homeDir, ".local", "share", "lsmcp", "servers", packageName, binName),
		filepath.Join(r.homeDir, ".local", "share", "nvim", "mason", "bin", binName),
	}
	for _, candidate := range candidates {
		if isExecutable(candidate) {
			return candidate, true
		}
	}
	if path, err := exec.LookPath(binName); err == nil {
		return path, true
	}
	if isExecutable(binName) {
		return binName, true
	}
	return "", false
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
