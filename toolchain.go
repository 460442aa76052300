package devtools

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/gookit/color"
	"golang.org/x/mod/semver"
)

// ToolchainSpec is what a build requires from the host environment.
type ToolchainSpec struct {
	Channel         string // compiler version, e.g. "1.75.0"
	Target          string // e.g. "wasm32-unknown-unknown"
	PackagerVersion string // wasm-bindgen-cli version, empty means any
	Clean           bool   // reinstall even when already satisfied
	Offline         bool   // fail instead of fetching installers
	LogLevel        string // forwarded to rustup via RUSTUP_LOG
}

// ToolchainHandle records what Ensure actually observed after provisioning.
type ToolchainHandle struct {
	RustcVersion   string
	BindgenVersion string
	Target         string
}

// ToolchainProvider mutates host-wide state, so the pipeline only ever talks
// to it through this interface. Ensure must be safe to call repeatedly.
type ToolchainProvider interface {
	Ensure(ctx context.Context, spec ToolchainSpec) (*ToolchainHandle, error)
}

var (
	rustcVersionRe   = regexp.MustCompile(`rustc (\d+\.\d+\.\d+)`)
	bindgenVersionRe = regexp.MustCompile(`wasm-bindgen (\d+\.\d+\.\d+)`)
)

const installAttempts = 3

type rustupProvider struct {
	runner  Runner
	backoff func(attempt int) time.Duration
}

// NewRustupProvider returns the rustup-backed ToolchainProvider used outside
// of tests.
func NewRustupProvider(runner Runner) ToolchainProvider {
	return &rustupProvider{
		runner: runner,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * 2 * time.Second
		},
	}
}

func (p *rustupProvider) Ensure(ctx context.Context, spec ToolchainSpec) (*ToolchainHandle, error) {
	env := []string{}
	if spec.LogLevel != "" {
		env = append(env, "RUSTUP_LOG="+spec.LogLevel)
	}
	if spec.Offline {
		env = append(env, "CARGO_NET_OFFLINE=true")
	}

	rustcVersion, err := p.ensureCompiler(ctx, spec, env)
	if err != nil {
		return nil, err
	}
	if err := p.ensureTarget(ctx, spec, env); err != nil {
		return nil, err
	}
	bindgenVersion, err := p.ensurePackager(ctx, spec, env)
	if err != nil {
		return nil, err
	}

	return &ToolchainHandle{
		RustcVersion:   rustcVersion,
		BindgenVersion: bindgenVersion,
		Target:         spec.Target,
	}, nil
}

func (p *rustupProvider) ensureCompiler(ctx context.Context, spec ToolchainSpec, env []string) (string, error) {
	have, _ := p.rustcVersion(ctx, env)
	satisfied := have != "" && semver.Compare("v"+have, "v"+spec.Channel) >= 0
	if satisfied && !spec.Clean {
		return have, nil
	}
	if spec.Offline {
		return "", &ProvisioningError{Component: "rustc", Reason: fmt.Sprintf("version %s required but offline mode forbids installing", spec.Channel)}
	}
	color.Printf("Installing toolchain <cyan>%s</>\n", spec.Channel)
	if err := p.install(ctx, env, fmt.Sprintf("rustup toolchain install %s --profile minimal", spec.Channel)); err != nil {
		return "", &ProvisioningError{Component: "rustc", Reason: "toolchain install failed", Err: err}
	}
	have, err := p.rustcVersion(ctx, env)
	if err != nil {
		return "", err
	}
	if semver.Compare("v"+have, "v"+spec.Channel) < 0 {
		return "", &ProvisioningError{Component: "rustc", Reason: fmt.Sprintf("installed %s but %s is required", have, spec.Channel)}
	}
	return have, nil
}

func (p *rustupProvider) ensureTarget(ctx context.Context, spec ToolchainSpec, env []string) error {
	if !spec.Clean {
		out, _, err := p.runner.Run(ctx, "", env, "rustup target list --installed")
		if err == nil && containsLine(out, spec.Target) {
			return nil
		}
	}
	if spec.Offline {
		return &ProvisioningError{Component: spec.Target, Reason: "target not installed and offline mode forbids installing"}
	}
	color.Printf("Adding target <cyan>%s</>\n", spec.Target)
	if err := p.install(ctx, env, "rustup target add "+spec.Target); err != nil {
		return &ProvisioningError{Component: spec.Target, Reason: "target add failed", Err: err}
	}
	return nil
}

func (p *rustupProvider) ensurePackager(ctx context.Context, spec ToolchainSpec, env []string) (string, error) {
	have, _ := p.bindgenVersion(ctx, env)
	satisfied := have != "" && (spec.PackagerVersion == "" || have == spec.PackagerVersion)
	if satisfied && !spec.Clean {
		return have, nil
	}
	if spec.Offline {
		return "", &ProvisioningError{Component: "wasm-bindgen", Reason: "packager not installed and offline mode forbids installing"}
	}
	installCmd := "cargo install wasm-bindgen-cli"
	if spec.PackagerVersion != "" {
		installCmd += " --version " + spec.PackagerVersion
	}
	if spec.Clean {
		installCmd += " --force"
	}
	color.Printf("Installing packager <cyan>wasm-bindgen-cli %s</>\n", spec.PackagerVersion)
	if err := p.install(ctx, env, installCmd); err != nil {
		return "", &ProvisioningError{Component: "wasm-bindgen", Reason: "packager install failed", Err: err}
	}
	have, err := p.bindgenVersion(ctx, env)
	if err != nil {
		return "", err
	}
	if spec.PackagerVersion != "" && have != spec.PackagerVersion {
		return "", &ProvisioningError{Component: "wasm-bindgen", Reason: fmt.Sprintf("installed %s but %s is required", have, spec.PackagerVersion)}
	}
	return have, nil
}

func (p *rustupProvider) rustcVersion(ctx context.Context, env []string) (string, error) {
	out, _, err := p.runner.Run(ctx, "", env, "rustc --version")
	if err != nil {
		return "", &ProvisioningError{Component: "rustc", Reason: "version check failed", Err: err}
	}
	m := rustcVersionRe.FindSubmatch(out)
	if m == nil {
		return "", &ProvisioningError{Component: "rustc", Reason: fmt.Sprintf("unparseable version output %q", out)}
	}
	return string(m[1]), nil
}

func (p *rustupProvider) bindgenVersion(ctx context.Context, env []string) (string, error) {
	out, _, err := p.runner.Run(ctx, "", env, "wasm-bindgen --version")
	if err != nil {
		return "", &ProvisioningError{Component: "wasm-bindgen", Reason: "version check failed", Err: err}
	}
	m := bindgenVersionRe.FindSubmatch(out)
	if m == nil {
		return "", &ProvisioningError{Component: "wasm-bindgen", Reason: fmt.Sprintf("unparseable version output %q", out)}
	}
	return string(m[1]), nil
}

// install retries network-dependent fetches with backoff. The original
// scripts had no retry policy at all, which made flaky registry fetches fail
// the whole deploy.
func (p *rustupProvider) install(ctx context.Context, env []string, cmdStr string) error {
	var err error
	for attempt := 1; attempt <= installAttempts; attempt++ {
		if _, _, err = p.runner.Run(ctx, "", env, cmdStr); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt < installAttempts {
			color.Printf("<yellow>retrying</> %s (attempt %d of %d)\n", cmdStr, attempt+1, installAttempts)
			time.Sleep(p.backoff(attempt))
		}
	}
	return err
}

func containsLine(out []byte, want string) bool {
	for _, line := range regexp.MustCompile(`\r?\n`).Split(string(out), -1) {
		if line == want {
			return true
		}
	}
	return false
}
