package recovery

import (
	"fmt"
	"regexp"

	"git.home.luguber.info/inful/texbuild/internal/document"
)

// commandPackages maps well-known commands to the package that provides
// them, for undefined-control-sequence recovery.
var commandPackages = map[string]string{
	"includegraphics": "graphicx",
	"toprule":         "booktabs",
	"midrule":         "booktabs",
	"bottomrule":      "booktabs",
	"url":             "url",
	"href":            "hyperref",
	"SI":              "siunitx",
	"num":             "siunitx",
	"textcolor":       "xcolor",
	"definecolor":     "xcolor",
	"mathbb":          "amssymb",
	"text":            "amsmath",
	"lstlisting":      "listings",
	"citep":           "natbib",
	"citet":           "natbib",
}

// DefaultRules returns the built-in rule set in priority order. Specific,
// cheap rules come first; backend switches come last since they discard
// all prior compile work.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:    "missing-package-file",
			Matcher: regexp.MustCompile(`File \x60?([^']+)\.(sty|cls)' not found`),
			Propose: func(match []string, _ Context) *Fix {
				return &Fix{
					Kind:        FixInstallPackages,
					Description: fmt.Sprintf("install missing package %q", match[1]),
					Packages:    []string{match[1]},
				}
			},
		},
		{
			Name:    "package-error",
			Matcher: regexp.MustCompile(`Package ([a-zA-Z0-9]+) Error`),
			Propose: func(match []string, _ Context) *Fix {
				return &Fix{
					Kind:        FixInstallPackages,
					Description: fmt.Sprintf("reinstall package %q", match[1]),
					Packages:    []string{match[1]},
				}
			},
		},
		{
			Name:    "undefined-control-sequence",
			Matcher: regexp.MustCompile(`Undefined control sequence.*\\([a-zA-Z]+)`),
			Propose: func(match []string, _ Context) *Fix {
				pkg, ok := commandPackages[match[1]]
				if !ok {
					return nil
				}
				return &Fix{
					Kind:        FixPatchSource,
					Description: fmt.Sprintf(`load package %q providing \%s`, pkg, match[1]),
					Patch: &TextPatch{
						InsertBefore: `\begin{document}`,
						ReplaceWith:  fmt.Sprintf("\\usepackage{%s}\n", pkg),
					},
				}
			},
		},
		{
			Name:    "missing-begin-document",
			Matcher: regexp.MustCompile(`Missing \\begin\{document\}`),
			Propose: func(_ []string, _ Context) *Fix {
				return &Fix{
					Kind:        FixPatchSource,
					Description: `insert missing \begin{document}`,
					Patch: &TextPatch{
						InsertBefore: `\end{document}`,
						ReplaceWith:  "\\begin{document}\n",
					},
				}
			},
		},
		{
			Name:    "unicode-character",
			Matcher: regexp.MustCompile(`Unicode character|inputenc Error`),
			Propose: func(_ []string, ctx Context) *Fix {
				if ctx.Backend == document.BackendXeLaTeX || ctx.Backend == document.BackendLuaLaTeX {
					return nil
				}
				return &Fix{
					Kind:        FixSwitchBackend,
					Description: "switch to a Unicode-native backend",
					Backend:     document.BackendXeLaTeX,
				}
			},
		},
		{
			Name:    "fontspec-requires-modern-engine",
			Matcher: regexp.MustCompile(`fontspec.*(?:XeTeX|LuaTeX)|Font \S+ not found`),
			Propose: func(_ []string, ctx Context) *Fix {
				if ctx.Backend != document.BackendPDFLaTeX {
					return nil
				}
				return &Fix{
					Kind:        FixSwitchBackend,
					Description: "switch backend for fontspec support",
					Backend:     document.BackendLuaLaTeX,
				}
			},
		},
	}
}
