package config

import (
	"embed"
	"fmt"
	"sort"

	"github.com/pelletier/go-toml/v2"
)

//go:embed registry/*.toml
var registryFS embed.FS

// builtins is the lowest tier of spec §4.1's three-tier precedence: the
// four packages lsmcp supports out of the box, with no registry or user
// configuration present at all. Each also establishes itself as the
// default package for the language(s) it serves.
var builtins = map[string]LspPackage{
	"gopls": {
		Description:    "Official Go language server",
		Homepage:       "https://pkg.go.dev/golang.org/x/tools/gopls",
		Licenses:       []string{"BSD-3-Clause"},
		Languages:      []string{"go"},
		FileExtensions: []string{".go"},
		Source:         Source{Type: SourceExternal, Command: "go install golang.org/x/tools/gopls@latest"},
		Bin:            Bin{Primary: "gopls"},
	},
	"typescript-language-server": {
		Description:    "TypeScript/JavaScript language server",
		Homepage:       "https://github.com/typescript-language-server/typescript-language-server",
		Licenses:       []string{"Apache-2.0"},
		Languages:      []string{"typescript"},
		FileExtensions: []string{".ts", ".tsx", ".js", ".jsx", ".mjs", ".cjs"},
		Source:         Source{Type: SourceNpm, Command: "npm install -g typescript-language-server typescript"},
		Bin:            Bin{Primary: "typescript-language-server", LspArgs: []string{"--stdio"}},
	},
	"pyright": {
		Description:    "Static type checker and language server for Python",
		Homepage:       "https://github.com/microsoft/pyright",
		Licenses:       []string{"MIT"},
		Languages:      []string{"python"},
		FileExtensions: []string{".py", ".pyi"},
		Source:         Source{Type: SourceNpm, Command: "npm install -g pyright"},
		Bin:            Bin{Primary: "pyright-langserver", LspArgs: []string{"--stdio"}},
	},
	"rust-analyzer": {
		Description:    "Official Rust language server",
		Homepage:       "https://rust-analyzer.github.io",
		Licenses:       []string{"MIT", "Apache-2.0"},
		Languages:      []string{"rust"},
		FileExtensions: []string{".rs"},
		Source:         Source{Type: SourceCargo, Command: "rustup component add rust-analyzer"},
		Bin:            Bin{Primary: "rust-analyzer"},
	},
}

// Registry is the merged built-in + embedded-registry package set, keyed
// by package name. It is the middle and bottom tiers of the precedence
// stack; NewResolver layers the top tier ([lsp.<package>] and
// [language_overrides], as read by LoadUserConfig) on top of it.
type Registry map[string]LspPackage

// LoadRegistry builds the default Registry: every embedded registry/*.toml
// table plus the four builtins. An embedded package with the same name as
// a builtin overrides it, matching spec §4.1 ("embedded registry TOML"
// sits above "built-in defaults").
func LoadRegistry() (Registry, error) {
	reg := make(Registry, len(builtins))
	for name, pkg := range builtins {
		pkg.Name = name
		reg[name] = pkg
	}

	entries, err := registryFS.ReadDir("registry")
	if err != nil {
		return nil, fmt.Errorf("read embedded registry: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		data, err := registryFS.ReadFile("registry/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		var table map[string]LspPackage
		if err := toml.Unmarshal(data, &table); err != nil {
			return nil, fmt.Errorf("parse %s: %w", entry.Name(), err)
		}
		for name, pkg := range table {
			pkg.Name = name
			reg[name] = pkg
		}
	}

	return reg, nil
}

// DefaultPackages returns, for each language any package in reg serves,
// the name of the package that should handle it absent a
// [language_overrides] entry. Ties (two packages claiming the same
// language) go to the package whose name sorts first, which is irrelevant
// for the shipped registry since no two packages currently share a
// language.
func (reg Registry) DefaultPackages() map[string]string {
	defaults := make(map[string]string)
	names := make([]string, 0, len(reg))
	for name := range reg {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, lang := range reg[name].Languages {
			if _, taken := defaults[lang]; !taken {
				defaults[lang] = name
			}
		}
	}
	return defaults
}

// conventionalExtensionLanguage disambiguates file extensions that have an
// unambiguous language even inside a package that serves several (e.g.
// clangd's languages=["c","cpp"]): a .cpp file is never C. Extensions
// genuinely shared between a package's languages (.h, for either C or
// C++) are intentionally absent here and fall through to
// languageForExtension's first-defined-wins default, matching spec's
// documented behavior for that ambiguity.
var conventionalExtensionLanguage = map[string]string{
	".c":   "c",
	".cc":  "cpp",
	".cpp": "cpp",
	".cxx": "cpp",
	".c++": "cpp",
	".hh":  "cpp",
	".hpp": "cpp",
	".hxx": "cpp",
	".h++": "cpp",
}

// languageForExtension picks the language a package's extension maps to:
// the conventional hint when it names one of the package's own languages,
// else the package's first-defined language.
func languageForExtension(ext string, languages []string) string {
	if hint, ok := conventionalExtensionLanguage[ext]; ok {
		for _, lang := range languages {
			if lang == hint {
				return hint
			}
		}
	}
	return languages[0]
}

// ExtensionLanguages returns the file-extension to language-id index
// derived from every package's FileExtensions/Languages pairing. A
// package serving several languages (clangd: c, cpp) maps each extension
// to the language it unambiguously names rather than collapsing every
// extension onto the package's first language.
func (reg Registry) ExtensionLanguages() map[string]string {
	byExt := make(map[string]string)
	names := make([]string, 0, len(reg))
	for name := range reg {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pkg := reg[name]
		if len(pkg.Languages) == 0 {
			continue
		}
		for _, ext := range pkg.FileExtensions {
			byExt[ext] = languageForExtension(ext, pkg.Languages)
		}
	}
	return byExt
}
