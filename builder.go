package devtools

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/gookit/color"
)

// BuildOutput is what a successful packager run leaves in the package out
// dir. Exactly two primary files, plus type declarations when requested.
type BuildOutput struct {
	BindingsPath string
	BinaryPath   string
	TypesPath    string
	Optimized    bool
}

type Builder struct {
	root     string
	manifest *DeployManifestV1
	runner   Runner
	env      []string

	// CheckBindings compiles the generated bindings script in a v8 isolate
	// after packaging. "wasm-bindgen exited 0" is not proof the script
	// parses.
	CheckBindings bool
}

func NewBuilder(root string, manifest *DeployManifestV1, runner Runner) *Builder {
	return &Builder{
		root:     root,
		manifest: manifest,
		runner:   runner,
	}
}

// SetEnv forwards extra environment (offline mode, log verbosity) to every
// tool the builder invokes.
func (b *Builder) SetEnv(env []string) {
	b.env = env
}

// PackageDir is the wasm-bindgen working directory, cleared on every run so
// stale artifacts can never leak into a bundle.
func (b *Builder) PackageDir() string {
	return path.Join(b.root, b.manifest.CrateRoot, "target", "pkg")
}

func (b *Builder) Build(ctx context.Context) (*BuildOutput, error) {
	crateDir := path.Join(b.root, b.manifest.CrateRoot)
	base := b.manifest.ArtifactBase()

	if err := b.clean(); err != nil {
		return nil, &BuildError{Step: "clean", Reason: "clearing package dir", Err: err}
	}

	color.Printf("Compiling <cyan>%s</> for %s\n", b.manifest.Name, b.manifest.Toolchain.Target)
	compileCmd := fmt.Sprintf("cargo build --release --target %s", b.manifest.Toolchain.Target)
	if _, errbuf, err := b.runner.Run(ctx, crateDir, b.env, compileCmd); err != nil {
		return nil, &BuildError{Step: "compile", Reason: "cargo build failed", Stderr: string(errbuf), Err: err}
	}

	rawWasm := path.Join(crateDir, "target", b.manifest.Toolchain.Target, "release", base+".wasm")
	if err := requireNonEmpty(rawWasm); err != nil {
		return nil, &BuildError{Step: "compile", Reason: err.Error()}
	}

	pkgDir := b.PackageDir()
	if err := os.MkdirAll(pkgDir, 0750); err != nil {
		return nil, &BuildError{Step: "package", Reason: "creating package dir", Err: err}
	}
	tsFlag := "--no-typescript"
	if b.manifest.Packager.Typescript {
		tsFlag = "--typescript"
	}
	packageCmd := fmt.Sprintf("wasm-bindgen --target web %s --out-dir %s --out-name %s %s", tsFlag, pkgDir, base, rawWasm)
	if _, errbuf, err := b.runner.Run(ctx, crateDir, b.env, packageCmd); err != nil {
		return nil, &BuildError{Step: "package", Reason: "wasm-bindgen failed", Stderr: string(errbuf), Err: err}
	}

	out := &BuildOutput{
		BindingsPath: path.Join(pkgDir, b.manifest.BindingsFile()),
		BinaryPath:   path.Join(pkgDir, b.manifest.BinaryFile()),
	}
	// The tool exiting 0 is not treated as proof of success.
	if err := requireNonEmpty(out.BindingsPath); err != nil {
		return nil, &BuildError{Step: "package", Reason: err.Error()}
	}
	if err := requireNonEmpty(out.BinaryPath); err != nil {
		return nil, &BuildError{Step: "package", Reason: err.Error()}
	}
	if b.manifest.Packager.Typescript {
		out.TypesPath = path.Join(pkgDir, base+".d.ts")
		if err := requireNonEmpty(out.TypesPath); err != nil {
			return nil, &BuildError{Step: "package", Reason: err.Error()}
		}
	}

	if b.manifest.Optimize {
		out.Optimized = b.optimize(ctx, out.BinaryPath)
	}

	if b.CheckBindings {
		src, err := os.ReadFile(out.BindingsPath) // #nosec G304
		if err != nil {
			return nil, &BuildError{Step: "check", Reason: "reading bindings script", Err: err}
		}
		if err := checkBindingsSyntax(b.manifest.BindingsFile(), src); err != nil {
			return nil, &BuildError{Step: "check", Reason: "bindings script does not compile", Err: err}
		}
	}

	return out, nil
}

// optimize runs wasm-opt when available. Size optimization is best-effort:
// a missing optimizer degrades to a warning, never a failed build.
func (b *Builder) optimize(ctx context.Context, binaryPath string) bool {
	if _, _, err := b.runner.Run(ctx, "", b.env, "wasm-opt --version"); err != nil {
		color.Printf("<yellow>wasm-opt not available, shipping unoptimized binary</>\n")
		return false
	}
	optimizeCmd := fmt.Sprintf("wasm-opt -Oz -o %s %s", binaryPath, binaryPath)
	if _, _, err := b.runner.Run(ctx, "", b.env, optimizeCmd); err != nil {
		color.Printf("<yellow>wasm-opt failed, shipping unoptimized binary</>: %s\n", err.Error())
		return false
	}
	return true
}

func (b *Builder) clean() error {
	pkgDir := b.PackageDir()
	if _, err := os.Stat(pkgDir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	files, err := os.ReadDir(pkgDir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if err := os.RemoveAll(path.Join(pkgDir, f.Name())); err != nil {
			return fmt.Errorf("remove package path: %w", err)
		}
	}
	return nil
}

func requireNonEmpty(p string) error {
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("expected output %s is missing", path.Base(p))
		}
		return err
	}
	if info.Size() == 0 {
		return fmt.Errorf("expected output %s is empty", path.Base(p))
	}
	return nil
}
