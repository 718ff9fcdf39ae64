package document

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}
	return dir
}

const mainDoc = `\documentclass{article}
\usepackage{amsmath, graphicx}
\bibliography{refs}
\begin{document}
\input{chapter1}
\makeindex
\end{document}
`

func TestNewDocument(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"main.tex":     mainDoc,
		"chapter1.tex": "Hello.\n",
		"refs.bib":     "@book{knuth84,}\n",
	})

	doc, err := New(filepath.Join(dir, "main.tex"), BackendPDFLaTeX)
	require.NoError(t, err)
	assert.Equal(t, "main", doc.Name())
	assert.Equal(t, dir, doc.SourceDir)
	assert.NotEmpty(t, doc.RootHash)
	assert.Contains(t, doc.DepHashes, "main.tex")
}

func TestNewRejectsDirectory(t *testing.T) {
	_, err := New(t.TempDir(), BackendPDFLaTeX)
	assert.Error(t, err)
}

func TestScanBuildsClosure(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"main.tex":     mainDoc,
		"chapter1.tex": "\\input{section1}\n",
		"section1.tex": "Deep include.\n",
		"refs.bib":     "@book{knuth84,}\n",
	})

	doc, err := New(filepath.Join(dir, "main.tex"), BackendPDFLaTeX)
	require.NoError(t, err)

	res, err := Scan(doc)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"main.tex", "chapter1.tex", "section1.tex", "refs.bib"}, doc.Dependencies())
	assert.Equal(t, []string{"amsmath", "graphicx"}, res.Packages)
	assert.Equal(t, []string{"refs.bib"}, res.BibFiles)
	assert.True(t, res.NeedsBibliography)
	assert.True(t, res.NeedsIndex)
}

func TestScanMissingIncludeFails(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"main.tex": "\\documentclass{article}\\begin{document}\\input{ghost}\\end{document}",
	})
	doc, err := New(filepath.Join(dir, "main.tex"), BackendPDFLaTeX)
	require.NoError(t, err)

	_, err = Scan(doc)
	assert.Error(t, err)
}

func TestClosureHashChangesWithDependency(t *testing.T) {
	dir := writeTree(t, map[string]string{
		"main.tex":     "\\documentclass{article}\\begin{document}\\input{chapter1}\\end{document}",
		"chapter1.tex": "one\n",
	})
	doc, err := New(filepath.Join(dir, "main.tex"), BackendPDFLaTeX)
	require.NoError(t, err)
	_, err = Scan(doc)
	require.NoError(t, err)
	first := doc.ClosureHash()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "chapter1.tex"), []byte("two\n"), 0o600))
	doc2, err := New(filepath.Join(dir, "main.tex"), BackendPDFLaTeX)
	require.NoError(t, err)
	_, err = Scan(doc2)
	require.NoError(t, err)

	assert.NotEqual(t, first, doc2.ClosureHash())
}

func TestResolveAuto(t *testing.T) {
	assert.Equal(t, BackendPDFLaTeX, ResolveAuto([]string{"amsmath"}))
	assert.Equal(t, BackendXeLaTeX, ResolveAuto([]string{"amsmath", "fontspec"}))
	assert.Equal(t, BackendLuaLaTeX, ResolveAuto([]string{"fontspec", "luacode"}))
}

func TestNormalizeContent(t *testing.T) {
	got, err := NormalizeContent([]byte("a\r\nb\rc\n"))
	require.NoError(t, err)
	assert.Equal(t, "a\nb\nc\n", got)

	// UTF-8 BOM stripped.
	got, err = NormalizeContent([]byte{0xEF, 0xBB, 0xBF, 'x'})
	require.NoError(t, err)
	assert.Equal(t, "x", got)

	// UTF-16LE with BOM transcoded.
	utf16 := []byte{0xFF, 0xFE, 'h', 0, 'i', 0}
	got, err = NormalizeContent(utf16)
	require.NoError(t, err)
	assert.Equal(t, "hi", got)
}

func TestValidateStructure(t *testing.T) {
	assert.Empty(t, ValidateStructure("\\documentclass{article}\\begin{document}x\\end{document}"))

	problems := ValidateStructure("plain text {")
	assert.Len(t, problems, 4)
}
