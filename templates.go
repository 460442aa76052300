package devtools

import (
	"bytes"
	"embed"
	"text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var devServerTemplates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// DevServerFiles lists the generated local servers shipped inside a bundle.
var DevServerFiles = []string{"serve.py", "serve.js"}

type devServerData struct {
	Name string
	Port int
}

// RenderDevServer instantiates one of the bundled server templates. name is
// the target file name, e.g. "serve.py".
func RenderDevServer(name, gameName string, port int) ([]byte, error) {
	var buf bytes.Buffer
	if err := devServerTemplates.ExecuteTemplate(&buf, name+".tmpl", devServerData{Name: gameName, Port: port}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
