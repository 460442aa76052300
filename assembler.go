package devtools

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gookit/color"
	"golang.org/x/exp/slices"
)

// Assembler turns a build output into the published bundle. Everything is
// staged into a temp dir next to the publish path and renamed into place at
// the end, so an interrupted or failed run never leaves a half-written
// bundle where a deploy could pick it up.
type Assembler struct {
	root     string
	manifest *DeployManifestV1

	// DevServerPort is baked into the generated serve.py/serve.js.
	DevServerPort int
}

func NewAssembler(root string, manifest *DeployManifestV1) *Assembler {
	return &Assembler{
		root:          root,
		manifest:      manifest,
		DevServerPort: 8080,
	}
}

// OutDir is the published bundle path.
func (a *Assembler) OutDir() string {
	return path.Join(a.root, a.manifest.OutDir)
}

// Assemble stages the bundle, fills in the hash and size fields of info, and
// publishes atomically. On error the previously published bundle, if any, is
// left exactly as it was.
func (a *Assembler) Assemble(build *BuildOutput, info *BuildInfo) (err error) {
	outDir := a.OutDir()
	parent := path.Dir(outDir)
	if err := os.MkdirAll(parent, 0750); err != nil {
		return &AssemblyError{Path: parent, Reason: "creating output parent", Err: err}
	}
	staging, err := os.MkdirTemp(parent, ".staging-")
	if err != nil {
		return &AssemblyError{Path: parent, Reason: "creating staging dir", Err: err}
	}
	defer func() {
		if err != nil {
			os.RemoveAll(staging)
		}
	}()

	if err = a.stageEntry(staging, info.CacheBreaker); err != nil {
		return err
	}
	if err = a.stageBuildOutput(staging, build, info); err != nil {
		return err
	}
	if err = a.stageAssets(staging); err != nil {
		return err
	}
	if err = a.stageDevServers(staging); err != nil {
		return err
	}

	infoData, err := info.Marshal()
	if err != nil {
		return &AssemblyError{Path: BuildInfoFile, Reason: "encoding build info", Err: err}
	}
	if err = os.WriteFile(path.Join(staging, BuildInfoFile), infoData, 0640); err != nil {
		return &AssemblyError{Path: BuildInfoFile, Reason: "writing build info", Err: err}
	}

	if err = a.publish(staging, outDir); err != nil {
		return err
	}
	return nil
}

// stageEntry copies the entry HTML, appending the cache-busting token to
// every bindings/binary reference when enabled, and refuses to publish if
// any reference ends up without exactly its token.
func (a *Assembler) stageEntry(staging, token string) error {
	src := path.Join(a.root, a.manifest.Web.Root, a.manifest.Web.Entry)
	html, err := os.ReadFile(src) // #nosec G304
	if err != nil {
		return &AssemblyError{Path: src, Reason: "reading entry HTML", Err: err}
	}
	refs := []string{a.manifest.BindingsFile(), a.manifest.BinaryFile()}
	if a.manifest.CacheBust {
		html, err = RewriteEntryHTML(html, refs, token)
		if err != nil {
			return err
		}
		// Correctness gate, not a log line: stale cache headers must never
		// ship silently.
		if err := VerifyRewrite(html, refs, token); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path.Join(staging, "index.html"), html, 0640); err != nil {
		return &AssemblyError{Path: "index.html", Reason: "writing entry HTML", Err: err}
	}
	return nil
}

// RewriteEntryHTML appends ?v=<token> to each occurrence of the given
// resource references.
func RewriteEntryHTML(html []byte, refs []string, token string) ([]byte, error) {
	for _, ref := range refs {
		if !bytes.Contains(html, []byte(ref)) {
			return nil, &AssemblyError{Path: ref, Reason: "entry HTML has no reference to rewrite"}
		}
		if bytes.Contains(html, []byte(ref+"?v=")) {
			return nil, &AssemblyError{Path: ref, Reason: "entry HTML already carries a cache token"}
		}
		html = bytes.ReplaceAll(html, []byte(ref), []byte(ref+"?v="+token))
	}
	return html, nil
}

// VerifyRewrite asserts that every reference carries the token exactly once
// and that no bare reference survived the rewrite.
func VerifyRewrite(html []byte, refs []string, token string) error {
	for _, ref := range refs {
		tokenized := ref + "?v=" + token
		withToken := bytes.Count(html, []byte(tokenized))
		bare := bytes.Count(html, []byte(ref))
		if withToken == 0 {
			return &AssemblyError{Path: ref, Reason: fmt.Sprintf("expected token %s missing from entry HTML", token)}
		}
		if bare != withToken {
			return &AssemblyError{Path: ref, Reason: "un-rewritten reference left in entry HTML"}
		}
	}
	return nil
}

func (a *Assembler) stageBuildOutput(staging string, build *BuildOutput, info *BuildInfo) error {
	jsDst := path.Join(staging, a.manifest.BindingsFile())
	if err := copyFile(build.BindingsPath, jsDst); err != nil {
		return &AssemblyError{Path: a.manifest.BindingsFile(), Reason: "copying bindings script", Err: err}
	}
	hash, size, err := fileDigest(jsDst)
	if err != nil {
		return &AssemblyError{Path: a.manifest.BindingsFile(), Reason: "hashing bindings script", Err: err}
	}
	info.JSFileHash, info.JSFileSize = hash, size

	wasmDst := path.Join(staging, a.manifest.BinaryFile())
	if err := copyFile(build.BinaryPath, wasmDst); err != nil {
		return &AssemblyError{Path: a.manifest.BinaryFile(), Reason: "copying binary module", Err: err}
	}
	hash, size, err = fileDigest(wasmDst)
	if err != nil {
		return &AssemblyError{Path: a.manifest.BinaryFile(), Reason: "hashing binary module", Err: err}
	}
	info.WasmFileHash, info.WasmFileSize = hash, size

	if build.TypesPath != "" {
		name := path.Base(build.TypesPath)
		if err := copyFile(build.TypesPath, path.Join(staging, name)); err != nil {
			return &AssemblyError{Path: name, Reason: "copying type declarations", Err: err}
		}
	}
	return nil
}

// stageAssets copies the asset tree verbatim, plus any extra files living
// next to the entry HTML. Exclude globs from the manifest are matched
// against bundle-relative paths.
func (a *Assembler) stageAssets(staging string) error {
	assetsSrc := path.Join(a.root, a.manifest.Web.AssetsDir)
	if _, err := os.Stat(assetsSrc); err != nil {
		if os.IsNotExist(err) {
			color.Printf("<yellow>no asset directory at %s, skipping</>\n", assetsSrc)
		} else {
			return &AssemblyError{Path: assetsSrc, Reason: "reading asset dir", Err: err}
		}
	} else {
		if err := a.copyTree(assetsSrc, path.Join(staging, "assets"), "assets"); err != nil {
			return err
		}
	}

	webSrc := path.Join(a.root, a.manifest.Web.Root)
	entries, err := os.ReadDir(webSrc)
	if err != nil {
		return &AssemblyError{Path: webSrc, Reason: "reading web dir", Err: err}
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == a.manifest.Web.Entry {
			continue
		}
		if a.excluded(e.Name()) {
			continue
		}
		if err := copyFile(path.Join(webSrc, e.Name()), path.Join(staging, e.Name())); err != nil {
			return &AssemblyError{Path: e.Name(), Reason: "copying web file", Err: err}
		}
	}
	return nil
}

func (a *Assembler) copyTree(src, dst, relBase string) error {
	var files []string
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return &AssemblyError{Path: src, Reason: "walking asset tree", Err: err}
	}
	slices.Sort(files)
	for _, p := range files {
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return &AssemblyError{Path: p, Reason: "resolving asset path", Err: err}
		}
		rel = filepath.ToSlash(rel)
		if a.excluded(path.Join(relBase, rel)) {
			continue
		}
		target := path.Join(dst, rel)
		if err := os.MkdirAll(path.Dir(target), 0750); err != nil {
			return &AssemblyError{Path: target, Reason: "creating asset dir", Err: err}
		}
		if err := copyFile(p, target); err != nil {
			return &AssemblyError{Path: rel, Reason: "copying asset", Err: err}
		}
	}
	return nil
}

func (a *Assembler) excluded(rel string) bool {
	for _, pattern := range a.manifest.Web.Exclude {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
	}
	return false
}

func (a *Assembler) stageDevServers(staging string) error {
	for _, name := range DevServerFiles {
		data, err := RenderDevServer(name, a.manifest.Name, a.DevServerPort)
		if err != nil {
			return &AssemblyError{Path: name, Reason: "rendering dev server", Err: err}
		}
		if err := os.WriteFile(path.Join(staging, name), data, 0750); err != nil { // #nosec G306
			return &AssemblyError{Path: name, Reason: "writing dev server", Err: err}
		}
	}
	return nil
}

// publish swaps the staged bundle into place. The previous bundle is moved
// aside first and only removed once the new one is live.
func (a *Assembler) publish(staging, outDir string) error {
	retired := ""
	if _, err := os.Stat(outDir); err == nil {
		retired = outDir + ".retired-" + path.Base(staging)
		if err := os.Rename(outDir, retired); err != nil {
			return &AssemblyError{Path: outDir, Reason: "retiring previous bundle", Err: err}
		}
	} else if !os.IsNotExist(err) {
		return &AssemblyError{Path: outDir, Reason: "checking output dir", Err: err}
	}
	if err := os.Rename(staging, outDir); err != nil {
		if retired != "" {
			if restoreErr := os.Rename(retired, outDir); restoreErr != nil {
				return &AssemblyError{Path: outDir, Reason: "publish failed and previous bundle could not be restored", Err: restoreErr}
			}
		}
		return &AssemblyError{Path: outDir, Reason: "publishing bundle", Err: err}
	}
	if retired != "" {
		if err := os.RemoveAll(retired); err != nil {
			color.Printf("<yellow>could not remove retired bundle %s</>: %s\n", retired, err.Error())
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	s, err := os.Open(src) // #nosec G304
	if err != nil {
		return err
	}
	defer s.Close()
	d, err := os.Create(dst) // #nosec G304
	if err != nil {
		return err
	}
	if _, err := io.Copy(d, s); err != nil {
		d.Close()
		return err
	}
	return d.Close()
}

// CleanStaging removes leftover staging and retired dirs from interrupted
// runs.
func (a *Assembler) CleanStaging() error {
	parent := path.Dir(a.OutDir())
	entries, err := os.ReadDir(parent)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".staging-") || strings.Contains(e.Name(), ".retired-") {
			if err := os.RemoveAll(path.Join(parent, e.Name())); err != nil {
				return fmt.Errorf("remove %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}
