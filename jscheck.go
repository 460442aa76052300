package devtools

import (
	"fmt"

	"rogchap.com/v8go"
)

// checkBindingsSyntax compiles (without running) the generated glue script in
// a throwaway v8 isolate. wasm-bindgen output references browser globals, so
// execution would fail here, but a parse is enough to catch a truncated or
// corrupted emit.
func checkBindingsSyntax(name string, src []byte) error {
	iso := v8go.NewIsolate()
	defer iso.Dispose()
	if _, err := iso.CompileUnboundScript(string(src), name, v8go.CompileOptions{}); err != nil {
		return fmt.Errorf("compiling %s: %w", name, err)
	}
	return nil
}
