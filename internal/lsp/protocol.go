package lsp

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	golsp "github.com/sourcegraph/go-lsp"
)

// NormalizedLocation is the dispatcher-facing shape every definition and
// reference result is reduced to, regardless of whether the server replied
// with a single Location, a Location array, or LocationLink array (the
// three shapes textDocument/definition may legally return per the LSP
// spec). See spec §4.4 and §9 (exhaustive normalization at the boundary).
type NormalizedLocation struct {
	URI   string
	Start golsp.Position
	End   golsp.Position
}

// locationLink is the newer definition-result shape (capability
// LocationLink support) that sourcegraph/go-lsp's structures predate;
// the fields we need overlap with Location's but are nested under
// "target*" keys.
type locationLink struct {
	TargetURI            string       `json:"targetUri"`
	TargetRange          golsp.Range  `json:"targetRange"`
	TargetSelectionRange *golsp.Range `json:"targetSelectionRange,omitempty"`
}

// NormalizeLocations turns a textDocument/definition or textDocument/references
// raw JSON result into a flat list. A `null` result normalizes to an empty list.
func NormalizeLocations(raw json.RawMessage) ([]NormalizedLocation, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	trimmed := strings.TrimSpace(string(raw))

	// A bare object is a single Location (definition results only use
	// LocationLink inside arrays, never bare).
	if strings.HasPrefix(trimmed, "{") {
		var single golsp.Location
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, fmt.Errorf("malformed Location result: %w", err)
		}
		return []NormalizedLocation{{URI: string(single.URI), Start: single.Range.Start, End: single.Range.End}}, nil
	}

	var probe []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("unrecognized location result shape: %s", truncate(raw, 200))
	}
	if len(probe) == 0 {
		return nil, nil
	}

	_, isLink := probe[0]["targetUri"]
	if isLink {
		var links []locationLink
		if err := json.Unmarshal(raw, &links); err != nil {
			return nil, fmt.Errorf("malformed LocationLink[] result: %w", err)
		}
		out := make([]NormalizedLocation, 0, len(links))
		for _, l := range links {
			out = append(out, NormalizedLocation{URI: l.TargetURI, Start: l.TargetRange.Start, End: l.TargetRange.End})
		}
		return out, nil
	}

	var locs []golsp.Location
	if err := json.Unmarshal(raw, &locs); err != nil {
		return nil, fmt.Errorf("malformed Location[] result: %w", err)
	}
	out := make([]NormalizedLocation, 0, len(locs))
	for _, l := range locs {
		out = append(out, NormalizedLocation{URI: string(l.URI), Start: l.Range.Start, End: l.Range.End})
	}
	return out, nil
}

// NormalizeHover extracts the markdown text from a textDocument/hover
// result. `contents` is polymorphic: a bare markdown string, a
// MarkedString object ({language,value}), a MarkupContent object
// ({kind,value}), or an array of any mix of the above.
func NormalizeHover(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "No hover information."
	}

	var envelope struct {
		Contents json.RawMessage `json:"contents"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || len(envelope.Contents) == 0 {
		return "No hover information."
	}

	parts := hoverContentParts(envelope.Contents)
	if len(parts) == 0 {
		return "No hover information."
	}
	return strings.Join(parts, "\n\n")
}

func hoverContentParts(raw json.RawMessage) []string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return []string{s}
		}
		return nil
	case '[':
		var items []json.RawMessage
		if json.Unmarshal(raw, &items) != nil {
			return nil
		}
		var parts []string
		for _, item := range items {
			parts = append(parts, hoverContentParts(item)...)
		}
		return parts
	case '{':
		var obj struct {
			Value    string `json:"value"`
			Kind     string `json:"kind"`     // MarkupContent
			Language string `json:"language"` // MarkedString
		}
		if json.Unmarshal(raw, &obj) == nil && obj.Value != "" {
			return []string{obj.Value}
		}
		return nil
	default:
		return nil
	}
}

// HierarchicalDocumentSymbol is the tree-shaped textDocument/documentSymbol
// result (protocol version ≥3.10). sourcegraph/go-lsp predates this shape
// and only models the flat SymbolInformation[] form, so it is modeled here.
type HierarchicalDocumentSymbol struct {
	Name           string                       `json:"name"`
	Detail         string                       `json:"detail,omitempty"`
	Kind           int                          `json:"kind"`
	Range          golsp.Range                  `json:"range"`
	SelectionRange golsp.Range                  `json:"selectionRange"`
	Children       []HierarchicalDocumentSymbol `json:"children,omitempty"`
}

// NormalizedSymbol is a single rendered row of a symbols listing, flat or
// hierarchical, at a given indent depth.
type NormalizedSymbol struct {
	Name  string
	Kind  string
	Range golsp.Range
	Depth int
}

// NormalizeDocumentSymbols accepts either DocumentSymbol[] (hierarchical)
// or SymbolInformation[] (flat) and renders a depth-annotated flat list in
// pre-order, preserving the tree's structure as indentation.
func NormalizeDocumentSymbols(raw json.RawMessage) ([]NormalizedSymbol, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var probe []map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("unrecognized document symbol result shape: %s", truncate(raw, 200))
	}
	if len(probe) == 0 {
		return nil, nil
	}

	// DocumentSymbol carries "range"/"selectionRange"; SymbolInformation
	// carries "location" instead. Use key presence on the first element to
	// pick the shape, rather than risking a lossy field-overlap decode.
	_, isHierarchical := probe[0]["range"]

	if isHierarchical {
		var hier []HierarchicalDocumentSymbol
		if err := json.Unmarshal(raw, &hier); err != nil {
			return nil, fmt.Errorf("malformed DocumentSymbol[] result: %w", err)
		}
		var out []NormalizedSymbol
		var walk func(syms []HierarchicalDocumentSymbol, depth int)
		walk = func(syms []HierarchicalDocumentSymbol, depth int) {
			for _, s := range syms {
				out = append(out, NormalizedSymbol{Name: s.Name, Kind: SymbolKindName(s.Kind), Range: s.Range, Depth: depth})
				walk(s.Children, depth+1)
			}
		}
		walk(hier, 0)
		return out, nil
	}

	var flat []golsp.SymbolInformation
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("malformed SymbolInformation[] result: %w", err)
	}
	out := make([]NormalizedSymbol, 0, len(flat))
	for _, s := range flat {
		out = append(out, NormalizedSymbol{Name: s.Name, Kind: SymbolKindName(int(s.Kind)), Range: s.Location.Range, Depth: 0})
	}
	return out, nil
}

// NormalizedWorkspaceSymbol is one row of a workspace/symbol result.
type NormalizedWorkspaceSymbol struct {
	Name string
	Kind string
	URI  string
	Pos  golsp.Position
}

// NormalizeWorkspaceSymbols decodes a workspace/symbol SymbolInformation[]
// result (workspace symbols are never hierarchical per the LSP spec).
func NormalizeWorkspaceSymbols(raw json.RawMessage) ([]NormalizedWorkspaceSymbol, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var flat []golsp.SymbolInformation
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, fmt.Errorf("unrecognized workspace symbol result shape: %s", truncate(raw, 200))
	}
	out := make([]NormalizedWorkspaceSymbol, 0, len(flat))
	for _, s := range flat {
		out = append(out, NormalizedWorkspaceSymbol{
			Name: s.Name,
			Kind: SymbolKindName(int(s.Kind)),
			URI:  string(s.Location.URI),
			Pos:  s.Location.Range.Start,
		})
	}
	return out, nil
}

// NormalizedDiagnostic is one row of a published-diagnostics set.
type NormalizedDiagnostic struct {
	Severity string
	Range    golsp.Range
	Message  string
	Source   string
}

// NormalizeDiagnostics converts the cached golsp.Diagnostic slice for a
// document into the dispatcher's display rows.
func NormalizeDiagnostics(diags []golsp.Diagnostic) []NormalizedDiagnostic {
	out := make([]NormalizedDiagnostic, 0, len(diags))
	for _, d := range diags {
		out = append(out, NormalizedDiagnostic{
			Severity: severityName(d.Severity),
			Range:    d.Range,
			Message:  d.Message,
			Source:   d.Source,
		})
	}
	return out
}

func severityName(s golsp.DiagnosticSeverity) string {
	switch s {
	case golsp.Error:
		return "error"
	case golsp.Warning:
		return "warning"
	case golsp.Information:
		return "information"
	case golsp.Hint:
		return "hint"
	default:
		return "unknown"
	}
}

// symbolKindNames mirrors the LSP SymbolKind enum (1-indexed); absent from
// sourcegraph/go-lsp's public API, so kept local per spec's "render as an
// indented tree by symbol kind name" requirement (§4.4).
var symbolKindNames = map[int]string{
	1: "File", 2: "Module", 3: "Namespace", 4: "Package", 5: "Class",
	6: "Method", 7: "Property", 8: "Field", 9: "Constructor", 10: "Enum",
	11: "Interface", 12: "Function", 13: "Variable", 14: "Constant", 15: "String",
	16: "Number", 17: "Boolean", 18: "Array", 19: "Object", 20: "Key",
	21: "Null", 22: "EnumMember", 23: "Struct", 24: "Event", 25: "Operator",
	26: "TypeParameter",
}

// SymbolKindName maps an LSP SymbolKind integer to its display name.
func SymbolKindName(kind int) string {
	if name, ok := symbolKindNames[kind]; ok {
		return name
	}
	return "Symbol"
}

// FileURI converts an absolute filesystem path to a file:// URI.
func FileURI(path string) string {
	if !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err == nil {
			path = abs
		}
	}
	return "file://" + filepath.ToSlash(path)
}

// PathFromFileURI strips the file:// scheme from a URI, best-effort.
func PathFromFileURI(uri string) string {
	return strings.TrimPrefix(uri, "file://")
}

func truncate(raw json.RawMessage, n int) string {
	s := string(raw)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
