package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/erikgeiser/promptkit/confirmation"
	"github.com/gookit/color"
	"github.com/radovskyb/watcher"
	devtools "github.com/spacelooter/spacelooter-devtools"
)

const version = "0.4.2"

const debounceDurationMS = 500

func printHelp() {
	fmt.Println("usage: slt [command]")
	fmt.Println("")
	fmt.Println("deploy -root <game root>               Provision, build, assemble and verify the web bundle")
	fmt.Println("build -root <game root>                Provision the toolchain and build the wasm package")
	fmt.Println("verify -root <game root>               Verify the published bundle is deployable")
	fmt.Println("serve -root <game root> -port <port>   Serve the published bundle locally")
	fmt.Println("run -root <game root> -port <port>     Watch sources, redeploy on change and serve")
	fmt.Println("clean -root <game root>                Remove the published bundle and build leftovers")
	fmt.Println("version                                Shows version installed")
	fmt.Println("")
}

func main() {
	cli := newSlt()
	if err := cli.exec(); err != nil {
		color.Printf("<red>error</>: %s\n", err.Error())
		os.Exit(1)
	}
}

type notifier struct {
	out      func()
	notified bool
	lock     sync.Mutex
}

func (n *notifier) notify() {
	n.lock.Lock()
	defer n.lock.Unlock()
	if !n.notified {
		n.notified = true
		go func() {
			time.Sleep(debounceDurationMS * time.Millisecond)
			n.out()
			n.lock.Lock()
			n.notified = false
			defer n.lock.Unlock()
		}()
	}
}

type slt struct {
	logLevel string
	offline  bool
}

func newSlt() *slt {
	return &slt{
		logLevel: os.Getenv("SLT_TOOLCHAIN_LOG"),
		offline:  os.Getenv("SLT_OFFLINE") == "1",
	}
}

func (s *slt) exec() error {
	if len(os.Args) == 1 {
		printHelp()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("Version is %s\n", version)
		return nil
	case "deploy":
		return s.deploy()
	case "build":
		return s.build()
	case "verify":
		return s.verify()
	case "serve":
		return s.serve()
	case "run":
		return s.run()
	case "clean":
		return s.clean()
	default:
		fmt.Printf("Unrecognized command: %s\n\n", os.Args[1])
		printHelp()
		os.Exit(1)
	}
	return nil
}

func (s *slt) newPipeline(root string, clean, check bool) (*devtools.Pipeline, *devtools.DeployManifestV1, error) {
	manifest, err := devtools.LoadManifest(root)
	if err != nil {
		return nil, nil, err
	}
	runner := devtools.NewRunner(0)
	pipeline := devtools.NewPipeline(root, manifest, devtools.NewRustupProvider(runner), runner)
	pipeline.Clean = clean
	pipeline.Offline = s.offline
	pipeline.LogLevel = s.logLevel
	pipeline.CheckBindings = check
	return pipeline, manifest, nil
}

func (s *slt) deploy() error {
	deployCmd := flag.NewFlagSet("deploy", flag.ExitOnError)
	root := deployCmd.String("root", "", "game root")
	clean := deployCmd.Bool("clean", false, "reinstall the toolchain even when satisfied")
	check := deployCmd.Bool("check", true, "compile-check the generated bindings script")
	if err := deployCmd.Parse(os.Args[2:]); err != nil {
		return err
	}
	gameRoot, err := requireRoot(*root)
	if err != nil {
		return err
	}

	pipeline, manifest, err := s.newPipeline(gameRoot, *clean, *check)
	if err != nil {
		return err
	}
	color.Printf("Deploying <cyan>%s</>\n", manifest.Name)
	report, err := pipeline.Run(context.Background())
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func (s *slt) build() error {
	buildCmd := flag.NewFlagSet("build", flag.ExitOnError)
	root := buildCmd.String("root", "", "game root")
	clean := buildCmd.Bool("clean", false, "reinstall the toolchain even when satisfied")
	if err := buildCmd.Parse(os.Args[2:]); err != nil {
		return err
	}
	gameRoot, err := requireRoot(*root)
	if err != nil {
		return err
	}

	manifest, err := devtools.LoadManifest(gameRoot)
	if err != nil {
		return err
	}
	runner := devtools.NewRunner(0)
	provider := devtools.NewRustupProvider(runner)
	handle, err := provider.Ensure(context.Background(), devtools.ToolchainSpec{
		Channel:         manifest.Toolchain.Channel,
		Target:          manifest.Toolchain.Target,
		PackagerVersion: manifest.Packager.Version,
		Clean:           *clean,
		Offline:         s.offline,
		LogLevel:        s.logLevel,
	})
	if err != nil {
		return err
	}
	color.Printf("Toolchain ready: rustc <cyan>%s</>, wasm-bindgen <cyan>%s</>\n", handle.RustcVersion, handle.BindgenVersion)
	builder := devtools.NewBuilder(gameRoot, manifest, runner)
	out, err := builder.Build(context.Background())
	if err != nil {
		return err
	}
	color.Printf("Built <cyan>%s</> and <cyan>%s</>\n", path.Base(out.BindingsPath), path.Base(out.BinaryPath))
	return nil
}

func (s *slt) verify() error {
	verifyCmd := flag.NewFlagSet("verify", flag.ExitOnError)
	root := verifyCmd.String("root", "", "game root")
	if err := verifyCmd.Parse(os.Args[2:]); err != nil {
		return err
	}
	gameRoot, err := requireRoot(*root)
	if err != nil {
		return err
	}

	manifest, err := devtools.LoadManifest(gameRoot)
	if err != nil {
		return err
	}
	report, err := devtools.NewVerifier(gameRoot, manifest).Verify()
	if err != nil {
		return err
	}
	printReport(report)
	return nil
}

func (s *slt) serve() error {
	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	root := serveCmd.String("root", "", "game root")
	port := serveCmd.Int("port", 8080, "port for server")
	if err := serveCmd.Parse(os.Args[2:]); err != nil {
		return err
	}
	gameRoot, err := requireRoot(*root)
	if err != nil {
		return err
	}

	manifest, err := devtools.LoadManifest(gameRoot)
	if err != nil {
		return err
	}
	if _, err := devtools.NewVerifier(gameRoot, manifest).Verify(); err != nil {
		return err
	}
	server, err := devtools.NewServer(path.Join(gameRoot, manifest.OutDir), manifest.Name, *port)
	if err != nil {
		return err
	}
	color.Printf("Serving <cyan>%s</> on :%d\n", manifest.Name, *port)
	return server.Serve()
}

func (s *slt) run() error {
	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	root := runCmd.String("root", "", "game root")
	port := runCmd.Int("port", 8080, "port for server")
	if err := runCmd.Parse(os.Args[2:]); err != nil {
		return err
	}
	gameRoot, err := requireRoot(*root)
	if err != nil {
		return err
	}

	pipeline, manifest, err := s.newPipeline(gameRoot, false, false)
	if err != nil {
		return err
	}
	server, err := devtools.NewServer(path.Join(gameRoot, manifest.OutDir), manifest.Name, *port)
	if err != nil {
		return err
	}

	redeploy := make(chan struct{}, 10)
	changed := &notifier{out: func() {
		redeploy <- struct{}{}
	}}

	w := watcher.New()
	w.SetMaxEvents(1)
	w.FilterOps(watcher.Write, watcher.Create, watcher.Remove, watcher.Rename)
	for _, p := range manifest.Web.WatchPaths {
		if err := w.AddRecursive(path.Join(gameRoot, p)); err != nil {
			return err
		}
	}

	go func() {
		for {
			select {
			case <-w.Event:
				changed.notify()
			case err := <-w.Error:
				log.Println("watch error:", err)
			case <-w.Closed:
				return
			}
		}
	}()
	go func() {
		if err := w.Start(100 * time.Millisecond); err != nil {
			log.Fatal(err)
		}
	}()

	go func() {
		if _, err := pipeline.Run(context.Background()); err != nil {
			log.Println("error during deploy:", err)
			server.BuildError("", err.Error())
		} else {
			server.Reload()
		}
		for range redeploy {
			if _, err := pipeline.Run(context.Background()); err != nil {
				log.Println("error during redeploy:", err)
				server.BuildError("", err.Error())
				continue
			}
			log.Printf("bundle reloaded due to change\n")
			server.Reload()
		}
	}()

	color.Printf("Ready on :%d ✏️✏️✏️\n", *port)
	return server.Serve()
}

func (s *slt) clean() error {
	cleanCmd := flag.NewFlagSet("clean", flag.ExitOnError)
	root := cleanCmd.String("root", "", "game root")
	yes := cleanCmd.Bool("y", false, "skip confirmation")
	if err := cleanCmd.Parse(os.Args[2:]); err != nil {
		return err
	}
	gameRoot, err := requireRoot(*root)
	if err != nil {
		return err
	}

	manifest, err := devtools.LoadManifest(gameRoot)
	if err != nil {
		return err
	}
	if !*yes {
		input := confirmation.New(fmt.Sprintf("Remove the published bundle at %s?", path.Join(gameRoot, manifest.OutDir)), confirmation.No)
		ok, err := input.RunPrompt()
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("clean aborted")
			return nil
		}
	}

	assembler := devtools.NewAssembler(gameRoot, manifest)
	if err := os.RemoveAll(assembler.OutDir()); err != nil {
		return err
	}
	if err := assembler.CleanStaging(); err != nil {
		return err
	}
	builder := devtools.NewBuilder(gameRoot, manifest, devtools.NewRunner(0))
	if err := os.RemoveAll(builder.PackageDir()); err != nil {
		return err
	}
	color.Printf("Cleaned <cyan>%s</>\n", manifest.Name)
	return nil
}

func requireRoot(root string) (string, error) {
	if root == "" {
		fmt.Println("Requires -root <game root>")
		os.Exit(1)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func printReport(report *devtools.VerifyReport) {
	color.Printf("<green>Bundle verified</>: %s\n", report.BundleDir)
	fmt.Printf("  artifacts: %s\n", strings.Join(report.Checked, ", "))
	if report.Info != nil {
		fmt.Printf("  built %s with rustc %s / wasm-bindgen %s\n", report.Info.BuildDate, report.Info.ToolchainVersion, report.Info.PackagerVersion)
		fmt.Printf("  js %d bytes, wasm %d bytes, cache breaker %s\n", report.Info.JSFileSize, report.Info.WasmFileSize, report.Info.CacheBreaker)
		if report.HashesMatch {
			fmt.Printf("  recorded hashes match the files on disk\n")
		} else {
			color.Printf("  <yellow>recorded hashes do not match the files on disk</>\n")
		}
	}
	if report.AssetFiles > 0 {
		fmt.Printf("  assets: %d files, %d bytes\n", report.AssetFiles, report.AssetBytes)
	}
}
