package devtools

import (
	"net/http"
	"net/http/httptest"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	m := testManifest()
	_, a := publishedBundle(t, m)
	srv, err := NewServer(a.OutDir(), m.Name, 0)
	require.NoError(t, err)
	return srv
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

// The binary module needs a cross-origin isolated context, so the two
// isolation headers have to be on every response.
func TestServerSetsIsolationHeadersOnEveryResponse(t *testing.T) {
	h := testServer(t).Handler()
	for _, target := range []string{"/", "/space_looter.js", "/space_looter_bg.wasm", "/build-info.json", "/nope.txt"} {
		rec := get(t, h, target)
		assert.Equal(t, "same-origin", rec.Header().Get("Cross-Origin-Opener-Policy"), target)
		assert.Equal(t, "require-corp", rec.Header().Get("Cross-Origin-Embedder-Policy"), target)
	}
}

func TestServerServesBundleFiles(t *testing.T) {
	h := testServer(t).Handler()

	rec := get(t, h, "/")
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-type"), "text/html")
	assert.Contains(t, rec.Body.String(), "space_looter.js?v=1700000000")
	assert.Equal(t, "no-store", rec.Header().Get("Cache-control"))

	rec = get(t, h, "/space_looter_bg.wasm")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/wasm", rec.Header().Get("Content-type"))

	rec = get(t, h, "/assets/audio/theme.ogg")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "ogg-bytes", rec.Body.String())
}

func TestServerIgnoresCacheBusterQuery(t *testing.T) {
	h := testServer(t).Handler()
	rec := get(t, h, "/space_looter.js?v=1700000000")
	assert.Equal(t, 200, rec.Code)
}

func TestServerRejectsMissingAndEscapingPaths(t *testing.T) {
	h := testServer(t).Handler()
	assert.Equal(t, 404, get(t, h, "/missing.js").Code)
	assert.Equal(t, 404, get(t, h, "/"+path.Join("..", "deploy.v1.json")).Code)
}
