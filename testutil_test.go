package devtools

import (
	"context"
	"os"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRunner scripts external tool invocations so nothing ever shells out in
// tests. Handlers are matched by command prefix, first match wins.
type fakeRunner struct {
	cmds     []string
	handlers []fakeHandler
}

type fakeHandler struct {
	prefix string
	out    string
	err    error
	fn     func(cmdStr string) error
}

func (r *fakeRunner) Run(_ context.Context, _ string, _ []string, cmdStr string) ([]byte, []byte, error) {
	r.cmds = append(r.cmds, cmdStr)
	for i := range r.handlers {
		h := &r.handlers[i]
		if strings.HasPrefix(cmdStr, h.prefix) {
			if h.fn != nil {
				if err := h.fn(cmdStr); err != nil {
					return nil, nil, err
				}
			}
			return []byte(h.out), nil, h.err
		}
	}
	return nil, nil, nil
}

func (r *fakeRunner) ran(prefix string) int {
	n := 0
	for _, c := range r.cmds {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

type fakeProvider struct {
	handle   *ToolchainHandle
	err      error
	lastSpec ToolchainSpec
}

func (p *fakeProvider) Ensure(_ context.Context, spec ToolchainSpec) (*ToolchainHandle, error) {
	p.lastSpec = spec
	if p.err != nil {
		return nil, p.err
	}
	return p.handle, nil
}

func testManifest() *DeployManifestV1 {
	m := &DeployManifestV1{
		Name: "Space Looter",
		Toolchain: ToolchainConfig{
			Channel: "1.75.0",
		},
		Packager:  PackagerConfig{Version: "0.2.92"},
		CacheBust: true,
	}
	m.applyDefaults()
	return m
}

const testEntryHTML = `<!DOCTYPE html>
<html>
<head>
<link rel="preload" href="space_looter_bg.wasm" as="fetch" type="application/wasm">
</head>
<body>
<script type="module">
import init from './space_looter.js';
init();
</script>
</body>
</html>
`

// writeGameRoot lays out a source tree the assembler can run against,
// including the packager output the builder would normally produce.
func writeGameRoot(t *testing.T, m *DeployManifestV1) (string, *BuildOutput) {
	t.Helper()
	root := t.TempDir()

	webDir := path.Join(root, m.Web.Root)
	require.NoError(t, os.MkdirAll(webDir, 0750))
	require.NoError(t, os.WriteFile(path.Join(webDir, m.Web.Entry), []byte(testEntryHTML), 0640))

	assetsDir := path.Join(root, m.Web.AssetsDir, "audio")
	require.NoError(t, os.MkdirAll(assetsDir, 0750))
	require.NoError(t, os.WriteFile(path.Join(assetsDir, "theme.ogg"), []byte("ogg-bytes"), 0640))

	pkgDir := path.Join(root, m.CrateRoot, "target", "pkg")
	require.NoError(t, os.MkdirAll(pkgDir, 0750))
	out := &BuildOutput{
		BindingsPath: path.Join(pkgDir, m.BindingsFile()),
		BinaryPath:   path.Join(pkgDir, m.BinaryFile()),
	}
	require.NoError(t, os.WriteFile(out.BindingsPath, []byte("export default function init() {}"), 0640))
	require.NoError(t, os.WriteFile(out.BinaryPath, []byte("\x00asm\x01\x00\x00\x00wasm-bytes"), 0640))
	return root, out
}

func testBuildInfo(at int64) *BuildInfo {
	return NewBuildInfo(time.Unix(at, 0), &ToolchainHandle{
		RustcVersion:   "1.75.0",
		BindgenVersion: "0.2.92",
		Target:         "wasm32-unknown-unknown",
	})
}
