package devtools

import (
	"context"
	"fmt"
	"time"

	"github.com/gookit/color"
)

type State int

const (
	Uninitialized State = iota
	Provisioned
	Built
	Assembled
	Verified
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Provisioned:
		return "provisioned"
	case Built:
		return "built"
	case Assembled:
		return "assembled"
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Pipeline runs the four stages strictly in order. No stage starts before
// the previous one confirmed its postcondition, no stage retries, and any
// failure is terminal for the run: the supported recovery path is a fresh
// run from Uninitialized.
type Pipeline struct {
	root     string
	manifest *DeployManifestV1
	provider ToolchainProvider
	runner   Runner
	state    State

	Clean         bool
	Offline       bool
	LogLevel      string
	CheckBindings bool
	DevServerPort int

	now func() time.Time
}

func NewPipeline(root string, manifest *DeployManifestV1, provider ToolchainProvider, runner Runner) *Pipeline {
	return &Pipeline{
		root:          root,
		manifest:      manifest,
		provider:      provider,
		runner:        runner,
		state:         Uninitialized,
		DevServerPort: 8080,
		now:           time.Now,
	}
}

func (p *Pipeline) State() State {
	return p.state
}

func (p *Pipeline) Run(ctx context.Context) (*VerifyReport, error) {
	p.state = Uninitialized

	handle, err := p.provider.Ensure(ctx, ToolchainSpec{
		Channel:         p.manifest.Toolchain.Channel,
		Target:          p.manifest.Toolchain.Target,
		PackagerVersion: p.manifest.Packager.Version,
		Clean:           p.Clean,
		Offline:         p.Offline,
		LogLevel:        p.LogLevel,
	})
	if err != nil {
		return nil, p.fail("provision", err)
	}
	p.state = Provisioned
	color.Printf("Toolchain ready: rustc <cyan>%s</>, wasm-bindgen <cyan>%s</>\n", handle.RustcVersion, handle.BindgenVersion)

	builder := NewBuilder(p.root, p.manifest, p.runner)
	builder.CheckBindings = p.CheckBindings
	builder.SetEnv(p.buildEnv())
	build, err := builder.Build(ctx)
	if err != nil {
		return nil, p.fail("build", err)
	}
	p.state = Built

	info := NewBuildInfo(p.now(), handle)
	assembler := NewAssembler(p.root, p.manifest)
	assembler.DevServerPort = p.DevServerPort
	if err := assembler.Assemble(build, info); err != nil {
		return nil, p.fail("assemble", err)
	}
	p.state = Assembled
	color.Printf("Bundle published to <cyan>%s</>\n", assembler.OutDir())

	report, err := NewVerifier(p.root, p.manifest).Verify()
	if err != nil {
		return nil, p.fail("verify", err)
	}
	p.state = Verified
	return report, nil
}

func (p *Pipeline) fail(stage string, err error) error {
	p.state = Failed
	return fmt.Errorf("%s stage failed: %w", stage, err)
}

func (p *Pipeline) buildEnv() []string {
	env := []string{}
	if p.Offline {
		env = append(env, "CARGO_NET_OFFLINE=true")
	}
	if p.LogLevel != "" {
		env = append(env, "CARGO_LOG="+p.LogLevel)
	}
	return env
}
