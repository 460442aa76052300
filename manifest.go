package devtools

import (
	"encoding/json"
	"fmt"
	"os"
	"path"

	"github.com/stoewer/go-strcase"
)

type ToolchainConfig struct {
	Channel string `json:"channel"`
	Target  string `json:"target"`
}

type PackagerConfig struct {
	Version    string `json:"version"`
	Typescript bool   `json:"typescript"`
}

type WebConfig struct {
	Root       string   `json:"root"`
	Entry      string   `json:"entry"`
	AssetsDir  string   `json:"assets"`
	Exclude    []string `json:"exclude"`
	WatchPaths []string `json:"watchPaths"`
}

type DeployManifestV1 struct {
	Name      string          `json:"name"`
	CrateRoot string          `json:"crateRoot"`
	OutDir    string          `json:"outDir"`
	Toolchain ToolchainConfig `json:"toolchain"`
	Packager  PackagerConfig  `json:"packager"`
	Web       WebConfig       `json:"web"`
	CacheBust bool            `json:"cacheBust"`
	Optimize  bool            `json:"optimize"`
}

// {
//   "name": "Space Looter",
//   "crateRoot": ".",
//   "outDir": "dist",
//   "toolchain": {"channel": "1.75.0", "target": "wasm32-unknown-unknown"},
//   "packager": {"version": "0.2.92"},
//   "web": {
//     "root": "web",
//     "assets": "assets",
//     "watchPaths": ["src", "web", "assets"]
//   },
//   "cacheBust": true,
//   "optimize": true
// }

func LoadManifest(root string) (*DeployManifestV1, error) {
	f, err := os.Open(path.Join(root, "deploy.v1.json"))
	if err != nil {
		if os.IsNotExist(err) {
			f, err = os.Open(path.Join(root, "deploy.json"))
			if err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}
	defer f.Close()
	manifest := &DeployManifestV1{}
	if err := json.NewDecoder(f).Decode(manifest); err != nil {
		return nil, err
	}
	if err := manifest.validate(); err != nil {
		return nil, err
	}
	manifest.applyDefaults()
	return manifest, nil
}

func (m *DeployManifestV1) validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest: name is required")
	}
	if m.Toolchain.Channel == "" {
		return fmt.Errorf("manifest: toolchain.channel is required")
	}
	return nil
}

func (m *DeployManifestV1) applyDefaults() {
	if m.CrateRoot == "" {
		m.CrateRoot = "."
	}
	if m.OutDir == "" {
		m.OutDir = "dist"
	}
	if m.Toolchain.Target == "" {
		m.Toolchain.Target = "wasm32-unknown-unknown"
	}
	if m.Web.Root == "" {
		m.Web.Root = "web"
	}
	if m.Web.Entry == "" {
		m.Web.Entry = "index.html"
	}
	if m.Web.AssetsDir == "" {
		m.Web.AssetsDir = "assets"
	}
	if len(m.Web.WatchPaths) == 0 {
		m.Web.WatchPaths = []string{"src", m.Web.Root, m.Web.AssetsDir}
	}
}

// ArtifactBase is the stem the packager emits files under: "Space Looter"
// becomes space_looter.js and space_looter_bg.wasm.
func (m *DeployManifestV1) ArtifactBase() string {
	return strcase.SnakeCase(m.Name)
}

func (m *DeployManifestV1) BindingsFile() string {
	return m.ArtifactBase() + ".js"
}

func (m *DeployManifestV1) BinaryFile() string {
	return m.ArtifactBase() + "_bg.wasm"
}
