package document

import "strings"

// Backend selects which external typesetting executable is invoked.
type Backend string

const (
	BackendPDFLaTeX Backend = "pdflatex"
	BackendXeLaTeX  Backend = "xelatex"
	BackendLuaLaTeX Backend = "lualatex"
	// BackendAuto resolves to a concrete backend before the compile stage
	// based on document content.
	BackendAuto Backend = "auto"
)

// Executable returns the binary name for a concrete backend. BackendAuto has
// no executable and must be resolved first.
func (b Backend) Executable() string {
	return string(b)
}

// Concrete reports whether the backend names a real executable.
func (b Backend) Concrete() bool {
	return b == BackendPDFLaTeX || b == BackendXeLaTeX || b == BackendLuaLaTeX
}

// unicodePackages force a unicode-capable engine when loaded.
var unicodePackages = map[string]bool{
	"fontspec":     true,
	"unicode-math": true,
	"polyglossia":  true,
}

// luaPackages require the lua engine.
var luaPackages = map[string]bool{
	"luacode":    true,
	"luatexbase": true,
}

// ResolveAuto picks a concrete backend for auto-detect mode by inspecting the
// packages the document loads. Plain documents get pdflatex.
func ResolveAuto(packages []string) Backend {
	for _, p := range packages {
		if luaPackages[strings.ToLower(p)] {
			return BackendLuaLaTeX
		}
	}
	for _, p := range packages {
		if unicodePackages[strings.ToLower(p)] {
			return BackendXeLaTeX
		}
	}
	return BackendPDFLaTeX
}
