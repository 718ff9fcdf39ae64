package receipt

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/texbuild/internal/hashing"
)

func sampleChain() []StageLink {
	return []StageLink{
		{Stage: "normalize", InputHash: "a", OutputHash: "b"},
		{Stage: "preprocess", InputHash: "b", OutputHash: "c"},
		{Stage: "compile", InputHash: "c", OutputHash: "d"},
		{Stage: "postprocess", InputHash: "d", OutputHash: "e"},
		{Stage: "optimize", InputHash: "e", OutputHash: "f"},
	}
}

func TestReceiptRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.pdf.receipt.json")
	r := Build("roothash", "pdflatex", sampleChain(), "finalhash")
	require.NoError(t, r.Write(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, r.RootHash, loaded.RootHash)
	assert.Equal(t, r.Backend, loaded.Backend)
	assert.Equal(t, r.Chain, loaded.Chain)
	assert.Equal(t, r.FinalArtifactHash, loaded.FinalArtifactHash)
	assert.True(t, r.Timestamp.Equal(loaded.Timestamp))
}

func TestReceiptsIdenticalExceptTimestamp(t *testing.T) {
	a := Build("root", "xelatex", sampleChain(), "final")
	b := Build("root", "xelatex", sampleChain(), "final")
	b.Timestamp = a.Timestamp.Add(time.Hour)

	// Zeroing the timestamp must make the serialized forms byte-identical.
	a.Timestamp = time.Time{}
	b.Timestamp = time.Time{}
	aJSON, err := json.Marshal(a)
	require.NoError(t, err)
	bJSON, err := json.Marshal(b)
	require.NoError(t, err)
	assert.Equal(t, aJSON, bJSON)
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "doc.pdf")
	content := []byte("%PDF-1.5 fake")
	require.NoError(t, os.WriteFile(artifact, content, 0o644))

	r := Build("root", "pdflatex", sampleChain(), hashing.Bytes(content))
	assert.NoError(t, r.Verify(artifact))

	require.NoError(t, os.WriteFile(artifact, []byte("tampered"), 0o644))
	assert.Error(t, r.Verify(artifact))
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
