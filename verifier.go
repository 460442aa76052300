package devtools

import (
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/gookit/color"
)

// Verifier asserts a published bundle is actually deployable. It never
// repairs anything: a missing artifact means the build stage has to run
// again.
type Verifier struct {
	manifest *DeployManifestV1
	dir      string
}

type VerifyReport struct {
	BundleDir   string
	Checked     []string
	Info        *BuildInfo
	HashesMatch bool
	AssetFiles  int
	AssetBytes  int64
}

func NewVerifier(root string, manifest *DeployManifestV1) *Verifier {
	return &Verifier{
		manifest: manifest,
		dir:      path.Join(root, manifest.OutDir),
	}
}

func (v *Verifier) Verify() (*VerifyReport, error) {
	report := &VerifyReport{BundleDir: v.dir}

	required := []string{
		"index.html",
		v.manifest.BindingsFile(),
		v.manifest.BinaryFile(),
	}
	for _, name := range required {
		info, err := os.Stat(path.Join(v.dir, name))
		if err != nil || info.Size() == 0 {
			return nil, &MissingArtifactError{File: name}
		}
		report.Checked = append(report.Checked, name)
	}

	// Everything below is informational, never fatal.
	infoPath := path.Join(v.dir, BuildInfoFile)
	if info, err := ReadBuildInfo(infoPath); err == nil {
		report.Info = info
		report.HashesMatch = v.hashesMatch(info)
	} else if !os.IsNotExist(err) {
		color.Printf("<yellow>could not read %s</>: %s\n", BuildInfoFile, err.Error())
	}

	assetsDir := path.Join(v.dir, "assets")
	if _, err := os.Stat(assetsDir); err == nil {
		_ = filepath.WalkDir(assetsDir, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if fi, err := d.Info(); err == nil {
				report.AssetFiles++
				report.AssetBytes += fi.Size()
			}
			return nil
		})
	}

	return report, nil
}

func (v *Verifier) hashesMatch(info *BuildInfo) bool {
	jsHash, jsSize, err := fileDigest(path.Join(v.dir, v.manifest.BindingsFile()))
	if err != nil || jsHash != info.JSFileHash || jsSize != info.JSFileSize {
		return false
	}
	wasmHash, wasmSize, err := fileDigest(path.Join(v.dir, v.manifest.BinaryFile()))
	if err != nil || wasmHash != info.WasmFileHash || wasmSize != info.WasmFileSize {
		return false
	}
	return true
}
