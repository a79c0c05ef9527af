package config

// SourceType identifies how an LSP server's package is normally obtained,
// used only to render an install hint when no binary is found on disk
// (spec §4.1, §7).
type SourceType string

const (
	SourceExternal      SourceType = "External"
	SourceNpm           SourceType = "Npm"
	SourceCargo         SourceType = "Cargo"
	SourcePip           SourceType = "Pip"
	SourceGithubRelease SourceType = "GithubRelease"
)

// Source names how a package is obtained and the literal command a user
// would run to obtain it, per the registry TOML schema of spec §6.
type Source struct {
	Type    SourceType `toml:"type" mapstructure:"type"`
	Command string     `toml:"command" mapstructure:"command"`
}

// Bin names the server's executable, any alternate binary names worth
// trying (some distros package a server under a different name than its
// upstream release), and the fixed arguments it is always launched with
// (e.g. typescript-language-server's "--stdio").
type Bin struct {
	Primary    string   `toml:"primary" mapstructure:"primary"`
	Additional []string `toml:"additional,omitempty" mapstructure:"additional"`
	LspArgs    []string `toml:"lsp_args,omitempty" mapstructure:"lsp_args"`
}

// LspPackage is one entry of the package registry, keyed by package name
// (spec §6's registry TOML schema): "name, description, homepage,
// licenses[], languages[], file_extensions[], [source], [bin]". A package
// may serve more than one language (clangd serves both c and cpp).
type LspPackage struct {
	Name           string            `toml:"-"`
	Description    string            `toml:"description,omitempty" mapstructure:"description"`
	Homepage       string            `toml:"homepage,omitempty" mapstructure:"homepage"`
	Licenses       []string          `toml:"licenses,omitempty" mapstructure:"licenses"`
	Languages      []string          `toml:"languages" mapstructure:"languages"`
	FileExtensions []string          `toml:"file_extensions" mapstructure:"file_extensions"`
	Source         Source            `toml:"source" mapstructure:"source"`
	Bin            Bin               `toml:"bin" mapstructure:"bin"`
	Env            map[string]string `toml:"env,omitempty" mapstructure:"env"`
	Initialization map[string]any    `toml:"initialization,omitempty" mapstructure:"initialization"`
	Disabled       bool              `toml:"disabled,omitempty" mapstructure:"disabled"`
}
