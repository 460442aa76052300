package devtools

import "fmt"

// ProvisioningError means the toolchain could not be installed or verified.
type ProvisioningError struct {
	Component string
	Reason    string
	Err       error
}

func (e *ProvisioningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provisioning %s: %s: %s", e.Component, e.Reason, e.Err)
	}
	return fmt.Sprintf("provisioning %s: %s", e.Component, e.Reason)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// BuildError means the packager invocation failed or its output is incomplete.
type BuildError struct {
	Step   string
	Reason string
	Stderr string
	Err    error
}

func (e *BuildError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("build %s: %s: %s", e.Step, e.Reason, e.Err)
	}
	return fmt.Sprintf("build %s: %s", e.Step, e.Reason)
}

func (e *BuildError) Unwrap() error { return e.Err }

// AssemblyError means a copy, rewrite, hash, or post-rewrite verification
// step failed. Nothing is published when one of these is returned.
type AssemblyError struct {
	Path   string
	Reason string
	Err    error
}

func (e *AssemblyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("assemble %s: %s: %s", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("assemble %s: %s", e.Path, e.Reason)
}

func (e *AssemblyError) Unwrap() error { return e.Err }

// MissingArtifactError names the required bundle file the verifier could not
// find.
type MissingArtifactError struct {
	File string
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("missing required artifact %s: re-run the build stage", e.File)
}
