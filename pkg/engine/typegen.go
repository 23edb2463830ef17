package engine

import (
	"bytes"
	"context"
	"fmt"
	"go/format"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"unicode"

	"github.com/openfroyo/envgraph/pkg/telemetry"
)

// TypeGenSpec is the processed form of @generateTypes.
type TypeGenSpec struct {
	Lang    string
	Path    string
	Package string
}

type typeGenField struct {
	Name        string
	Key         string
	GoType      string
	Description string
	Sensitive   bool
	Required    bool
}

var typeGenTemplate = template.Must(template.New("types").Parse(`// Code generated by envgraph. DO NOT EDIT.

package {{ .Package }}

// Config holds every configuration item.
type Config struct {
{{- range .Fields }}
	{{- if .Description }}
	// {{ .Description }}
	{{- end }}
	{{ .Name }} {{ .GoType }} ` + "`" + `env:"{{ .Key }}{{ if .Required }},required{{ end }}"{{ if .Sensitive }} sensitive:"true"{{ end }}` + "`" + `
{{- end }}
}

// Keys lists the item keys in declaration order.
var Keys = []string{
{{- range .Fields }}
	{{ printf "%q" .Key }},
{{- end }}
}
`))

// writeTypes renders a Go struct for every item and writes it relative to
// the directory of source id.
func (g *Graph) writeTypes(ctx context.Context, id SourceID, spec *TypeGenSpec) error {
	logger := telemetry.FromContext(ctx)

	src, err := g.renderTypes(spec)
	if err != nil {
		return err
	}

	p := spec.Path
	if !filepath.IsAbs(p) {
		p = filepath.Join(g.opts.WorkDir, filepath.FromSlash(g.sourceDir(id)), filepath.FromSlash(p))
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", p, err)
	}
	if err := os.WriteFile(p, src, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}

	logger.WithField("path", p).Info("Generated types")
	return nil
}

func (g *Graph) renderTypes(spec *TypeGenSpec) ([]byte, error) {
	var fields []typeGenField
	used := make(map[string]bool)
	for _, it := range g.Items() {
		if isBuiltinKey(it.Key) {
			continue
		}
		name := goFieldName(it.Key)
		for base, n := name, 2; used[name]; n++ {
			name = fmt.Sprintf("%s%d", base, n)
		}
		used[name] = true
		fields = append(fields, typeGenField{
			Name:        name,
			Key:         it.Key,
			GoType:      goTypeFor(it.TypeName()),
			Description: strings.Join(strings.Fields(it.Description()), " "),
			Sensitive:   it.IsSensitive(),
			Required:    it.IsRequired(),
		})
	}

	var buf bytes.Buffer
	err := typeGenTemplate.Execute(&buf, struct {
		Package string
		Fields  []typeGenField
	}{spec.Package, fields})
	if err != nil {
		return nil, fmt.Errorf("failed to render types: %w", err)
	}

	out, err := format.Source(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to format generated types: %w", err)
	}
	return out, nil
}

func goTypeFor(typeName string) string {
	switch typeName {
	case "number", "port":
		return "float64"
	case "boolean":
		return "bool"
	default:
		return "string"
	}
}

// goFieldName converts an item key such as DB_HOST_URL to DBHostURL style
// camel case. Names that would start with a digit get an X prefix.
func goFieldName(key string) string {
	var sb strings.Builder
	for _, part := range strings.FieldsFunc(key, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		lower := strings.ToLower(part)
		if commonInitialisms[strings.ToUpper(part)] {
			sb.WriteString(strings.ToUpper(part))
			continue
		}
		runes := []rune(lower)
		runes[0] = unicode.ToUpper(runes[0])
		sb.WriteString(string(runes))
	}
	name := sb.String()
	if name == "" {
		return "X"
	}
	if unicode.IsDigit(rune(name[0])) {
		return "X" + name
	}
	return name
}

var commonInitialisms = map[string]bool{
	"API": true, "CI": true, "CPU": true, "DB": true, "DNS": true, "HTTP": true,
	"HTTPS": true, "ID": true, "IP": true, "JSON": true, "SQL": true, "SSH": true,
	"TCP": true, "TLS": true, "TTL": true, "UI": true, "URI": true, "URL": true,
}
