package document

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"git.home.luguber.info/inful/texbuild/internal/hashing"
)

var (
	includeDirective = regexp.MustCompile(`\\(?:input|include)\{([^}]+)\}`)
	packageDirective = regexp.MustCompile(`\\usepackage(?:\[[^\]]*\])?\{([^}]+)\}`)
	bibDirective     = regexp.MustCompile(`\\bibliography\{([^}]+)\}`)
)

// ScanResult is what the preprocess stage learns from walking the source
// tree.
type ScanResult struct {
	// Packages are the declared package names, in declaration order.
	Packages []string
	// BibFiles are bibliography databases referenced by the document.
	BibFiles []string
	// NeedsBibliography is set when a bibliography pass will be required.
	NeedsBibliography bool
	// NeedsIndex is set when an index pass will be required.
	NeedsIndex bool
}

// DeclaredPackages lists the package names a single file's content declares,
// in declaration order. The normalize stage uses this on the root file before
// the full closure is known.
func DeclaredPackages(content string) []string {
	var packages []string
	for _, m := range packageDirective.FindAllStringSubmatch(content, -1) {
		for _, name := range strings.Split(m[1], ",") {
			if name = strings.TrimSpace(name); name != "" {
				packages = append(packages, name)
			}
		}
	}
	return packages
}

// Scan walks the file-inclusion graph starting at the document root, hashing
// every reachable file into d.DepHashes and collecting package and
// bibliography declarations. A missing include is an error: the cache key
// must cover the full closure or invalidation breaks.
func Scan(d *Document) (*ScanResult, error) {
	res := &ScanResult{}
	visited := make(map[string]bool)

	var walk func(rel string) error
	walk = func(rel string) error {
		if visited[rel] {
			return nil
		}
		visited[rel] = true

		abs := filepath.Join(d.SourceDir, rel)
		data, err := os.ReadFile(abs) // #nosec G304 - paths come from the scanned tree
		if err != nil {
			return fmt.Errorf("read include %s: %w", rel, err)
		}
		d.DepHashes[rel] = hashing.Bytes(data)
		content := string(data)

		res.Packages = append(res.Packages, DeclaredPackages(content)...)

		for _, m := range bibDirective.FindAllStringSubmatch(content, -1) {
			for _, name := range strings.Split(m[1], ",") {
				name = strings.TrimSpace(name)
				if name == "" {
					continue
				}
				if !strings.HasSuffix(name, ".bib") {
					name += ".bib"
				}
				res.BibFiles = append(res.BibFiles, name)
				// Bibliography databases are dependencies too when present.
				if bibData, err := os.ReadFile(filepath.Join(d.SourceDir, name)); err == nil { // #nosec G304
					d.DepHashes[name] = hashing.Bytes(bibData)
				}
			}
		}

		if strings.Contains(content, `\makeindex`) || strings.Contains(content, `\printindex`) {
			res.NeedsIndex = true
		}

		for _, m := range includeDirective.FindAllStringSubmatch(content, -1) {
			name := strings.TrimSpace(m[1])
			if !strings.HasSuffix(name, ".tex") {
				name += ".tex"
			}
			if err := walk(name); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(filepath.Base(d.RootPath)); err != nil {
		return nil, err
	}

	res.NeedsBibliography = len(res.BibFiles) > 0
	return res, nil
}
