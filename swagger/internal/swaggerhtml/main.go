// Command swaggerhtml wraps a generated swagger.json in a self-contained
// Swagger UI page.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"os"

	"github.com/spf13/pflag"
)

var page = template.Must(template.New("swagger").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>{{.Title}}</title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    window.onload = function() {
      SwaggerUIBundle({ spec: {{.Spec}}, dom_id: '#swagger-ui', deepLinking: true });
    };
  </script>
</body>
</html>
`))

func main() {
	specPath := pflag.String("spec", "", "path to swagger.json")
	outPath := pflag.String("out", "", "path to the generated HTML page")
	title := pflag.String("title", "checkoutd API reference", "page title")
	pflag.Parse()
	if *specPath == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "swaggerhtml: --spec and --out are required")
		os.Exit(2)
	}
	spec, err := os.ReadFile(*specPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "swaggerhtml: %v\n", err)
		os.Exit(1)
	}
	var out bytes.Buffer
	if err := render(&out, *title, spec); err != nil {
		fmt.Fprintf(os.Stderr, "swaggerhtml: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*outPath, out.Bytes(), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "swaggerhtml: %v\n", err)
		os.Exit(1)
	}
}

// render writes the viewer page for spec, which must be a JSON document.
func render(w io.Writer, title string, spec []byte) error {
	var doc any
	if err := json.Unmarshal(spec, &doc); err != nil {
		return fmt.Errorf("parse spec: %w", err)
	}
	return page.Execute(w, struct {
		Title string
		Spec  any
	}{Title: title, Spec: doc})
}
