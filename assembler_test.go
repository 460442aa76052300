package devtools

import (
	"os"
	"path"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssemblePublishesCompleteBundle(t *testing.T) {
	m := testManifest()
	root, build := writeGameRoot(t, m)
	info := testBuildInfo(1700000000)

	a := NewAssembler(root, m)
	require.NoError(t, a.Assemble(build, info))

	dist := a.OutDir()
	html, err := os.ReadFile(path.Join(dist, "index.html"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(html), "space_looter.js?v=1700000000"))
	assert.Equal(t, 1, strings.Count(string(html), "space_looter_bg.wasm?v=1700000000"))

	for _, name := range []string{"space_looter.js", "space_looter_bg.wasm", BuildInfoFile, "serve.py", "serve.js"} {
		_, err := os.Stat(path.Join(dist, name))
		assert.NoError(t, err, name)
	}
	_, err = os.Stat(path.Join(dist, "assets", "audio", "theme.ogg"))
	assert.NoError(t, err)

	// No staging leftovers after a successful publish.
	entries, err := os.ReadDir(path.Dir(dist))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".staging-"), e.Name())
	}
}

func TestAssembleManifestMatchesDisk(t *testing.T) {
	m := testManifest()
	root, build := writeGameRoot(t, m)
	info := testBuildInfo(1700000000)

	a := NewAssembler(root, m)
	require.NoError(t, a.Assemble(build, info))

	got, err := ReadBuildInfo(path.Join(a.OutDir(), BuildInfoFile))
	require.NoError(t, err)

	jsHash, jsSize, err := fileDigest(path.Join(a.OutDir(), m.BindingsFile()))
	require.NoError(t, err)
	wasmHash, wasmSize, err := fileDigest(path.Join(a.OutDir(), m.BinaryFile()))
	require.NoError(t, err)

	assert.Equal(t, jsHash, got.JSFileHash)
	assert.Equal(t, jsSize, got.JSFileSize)
	assert.Equal(t, wasmHash, got.WasmFileHash)
	assert.Equal(t, wasmSize, got.WasmFileSize)
	assert.Equal(t, int64(len("export default function init() {}")), got.JSFileSize)
}

func TestAssembleIsIdempotentForUnchangedInputs(t *testing.T) {
	m := testManifest()
	root, build := writeGameRoot(t, m)
	a := NewAssembler(root, m)

	require.NoError(t, a.Assemble(build, testBuildInfo(1700000000)))
	first, err := ReadBuildInfo(path.Join(a.OutDir(), BuildInfoFile))
	require.NoError(t, err)

	require.NoError(t, a.Assemble(build, testBuildInfo(1700000123)))
	second, err := ReadBuildInfo(path.Join(a.OutDir(), BuildInfoFile))
	require.NoError(t, err)

	assert.Equal(t, first.JSFileHash, second.JSFileHash)
	assert.Equal(t, first.WasmFileHash, second.WasmFileHash)
	assert.NotEqual(t, first.CacheBreaker, second.CacheBreaker)
}

func TestAssembleFailureLeavesPublishedBundleUntouched(t *testing.T) {
	m := testManifest()
	root, build := writeGameRoot(t, m)
	a := NewAssembler(root, m)

	require.NoError(t, a.Assemble(build, testBuildInfo(1700000000)))
	before, err := os.ReadFile(path.Join(a.OutDir(), BuildInfoFile))
	require.NoError(t, err)

	// Binary module vanishes mid-run: the bindings script gets staged, the
	// binary copy fails, and the previous bundle must survive unchanged.
	require.NoError(t, os.Remove(build.BinaryPath))
	err = a.Assemble(build, testBuildInfo(1700000999))
	require.Error(t, err)
	var asmErr *AssemblyError
	require.ErrorAs(t, err, &asmErr)
	assert.Equal(t, "space_looter_bg.wasm", asmErr.Path)

	after, err := os.ReadFile(path.Join(a.OutDir(), BuildInfoFile))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// The failed staging dir must not linger either.
	entries, err := os.ReadDir(path.Dir(a.OutDir()))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".staging-"), e.Name())
	}
}

func TestAssembleRespectsExcludeGlobs(t *testing.T) {
	m := testManifest()
	m.Web.Exclude = []string{"assets/**/*.aseprite"}
	root, build := writeGameRoot(t, m)
	require.NoError(t, os.WriteFile(path.Join(root, m.Web.AssetsDir, "audio", "theme.aseprite"), []byte("raw"), 0640))

	a := NewAssembler(root, m)
	require.NoError(t, a.Assemble(build, testBuildInfo(1700000000)))

	_, err := os.Stat(path.Join(a.OutDir(), "assets", "audio", "theme.ogg"))
	assert.NoError(t, err)
	_, err = os.Stat(path.Join(a.OutDir(), "assets", "audio", "theme.aseprite"))
	assert.True(t, os.IsNotExist(err))
}

func TestAssembleWithoutCacheBusting(t *testing.T) {
	m := testManifest()
	m.CacheBust = false
	root, build := writeGameRoot(t, m)

	a := NewAssembler(root, m)
	require.NoError(t, a.Assemble(build, testBuildInfo(1700000000)))

	html, err := os.ReadFile(path.Join(a.OutDir(), "index.html"))
	require.NoError(t, err)
	assert.NotContains(t, string(html), "?v=")
}

func TestRewriteEntryHTML(t *testing.T) {
	refs := []string{"space_looter.js", "space_looter_bg.wasm"}

	out, err := RewriteEntryHTML([]byte(testEntryHTML), refs, "1700000000")
	require.NoError(t, err)
	require.NoError(t, VerifyRewrite(out, refs, "1700000000"))

	t.Run("missing reference", func(t *testing.T) {
		_, err := RewriteEntryHTML([]byte("<html></html>"), refs, "1700000000")
		var asmErr *AssemblyError
		require.ErrorAs(t, err, &asmErr)
		assert.Equal(t, "space_looter.js", asmErr.Path)
	})

	t.Run("already tokenized", func(t *testing.T) {
		_, err := RewriteEntryHTML([]byte(`<script src="space_looter.js?v=1"></script> space_looter_bg.wasm`), refs, "2")
		require.Error(t, err)
		assert.ErrorContains(t, err, "already carries a cache token")
	})
}

func TestVerifyRewriteCatchesBareReference(t *testing.T) {
	refs := []string{"space_looter.js"}
	html := []byte(`<script src="space_looter.js?v=7"></script><a href="space_looter.js">raw</a>`)
	err := VerifyRewrite(html, refs, "7")
	require.Error(t, err)
	assert.ErrorContains(t, err, "un-rewritten reference")

	err = VerifyRewrite([]byte("nothing here"), refs, "7")
	assert.ErrorContains(t, err, "expected token 7 missing")
}

func TestCleanStaging(t *testing.T) {
	m := testManifest()
	root, _ := writeGameRoot(t, m)
	a := NewAssembler(root, m)
	require.NoError(t, os.MkdirAll(path.Join(root, ".staging-12345"), 0750))
	require.NoError(t, os.MkdirAll(path.Join(root, "dist.retired-.staging-99"), 0750))

	require.NoError(t, a.CleanStaging())

	_, err := os.Stat(path.Join(root, ".staging-12345"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path.Join(root, "dist.retired-.staging-99"))
	assert.True(t, os.IsNotExist(err))
}
