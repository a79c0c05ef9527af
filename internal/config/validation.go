package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// Validate checks a UserConfig against the merged registry it will be
// layered onto, catching the mistakes `lsmcp config check` exists to
// surface: an unknown [settings] log_level, a [language_overrides] entry
// naming a package that neither the registry nor [lsp.<package>]
// defines, or an [lsp.<package>] entry with neither an inherited nor an
// explicit binary name.
func (c UserConfig) Validate(reg Registry) error {
	var errors ValidationErrors

	switch strings.ToLower(c.Settings.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		errors = append(errors, ValidationError{
			Field:   "settings.log_level",
			Message: fmt.Sprintf("unknown level %q, expected debug|info|warn|error", c.Settings.LogLevel),
		})
	}

	for lang, pkgName := range c.LanguageOverrides {
		if _, inRegistry := reg[pkgName]; !inRegistry {
			if _, inUser := c.LSP[pkgName]; !inUser {
				errors = append(errors, ValidationError{
					Field:   "language_overrides",
					Message: fmt.Sprintf("language %q points at unknown package %q", lang, pkgName),
				})
			}
		}
	}

	for name, pkg := range c.LSP {
		if pkg.Disabled {
			continue
		}
		base, inRegistry := reg[name]
		if pkg.Bin.Primary == "" && (!inRegistry || base.Bin.Primary == "") {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("lsp.%s.bin.primary", name),
				Message: "must be set; no registry entry to inherit a binary name from",
			})
		}
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}
