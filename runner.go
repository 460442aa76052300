package devtools

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/gookit/color"
)

// Runner abstracts external tool invocations so the pipeline core never
// shells out directly. The exec implementation is the only place a real
// process is started.
type Runner interface {
	Run(ctx context.Context, dir string, env []string, cmdStr string) ([]byte, []byte, error)
}

type execRunner struct {
	timeout time.Duration
	quiet   bool
}

// NewRunner returns a Runner that executes commands with the given timeout.
// A zero timeout means ten minutes, enough for a cold cargo build.
func NewRunner(timeout time.Duration) Runner {
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &execRunner{timeout: timeout}
}

func (r *execRunner) Run(ctx context.Context, dir string, env []string, cmdStr string) ([]byte, []byte, error) {
	color.Printf("Running cmd <gray>%s</>\n", cmdStr)
	startTime := time.Now()
	args := strings.Fields(cmdStr)
	ctx, cancelFn := context.WithTimeout(ctx, r.timeout)
	defer cancelFn()
	cmd := exec.CommandContext(ctx, args[0], args[1:]...) // #nosec G204

	outbuf := &bytes.Buffer{}
	errbuf := &bytes.Buffer{}

	if r.quiet {
		cmd.Stdout = outbuf
		cmd.Stderr = errbuf
	} else {
		cmd.Stdout = io.MultiWriter(os.Stdout, outbuf)
		cmd.Stderr = io.MultiWriter(os.Stderr, errbuf)
	}
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	err := cmd.Run()
	if err == nil {
		color.Printf("Running cmd <gray>%s</> finished in %s\n", cmdStr, time.Since(startTime))
	} else {
		color.Printf("<red>%s failed</>: %s\n", cmdStr, err.Error())
	}

	return outbuf.Bytes(), errbuf.Bytes(), err
}
