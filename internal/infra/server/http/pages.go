package httpserver

import (
	"fmt"
	"html/template"
	"net/http"

	"gopkg.in/yaml.v3"
)

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>{{.Title}}</title>
</head>
<body class="report">
<pre>{{.Topics}}</pre>
</body>
</html>
`))

type indexPage struct {
	Title  string
	Topics string
}

// index renders every topic, sorted by name, as YAML.
func (s *httpServer) index(w http.ResponseWriter, r *http.Request) {
	dump, err := yaml.Marshal(s.registry.Snapshot())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("render topics: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := indexTemplate.Execute(w, indexPage{Title: "InMeMBro", Topics: string(dump)}); err != nil {
		s.logger.Printf("render index: %v", err)
	}
}

func (s *httpServer) about(w http.ResponseWriter, _ *http.Request) {
	meta := s.config.Snapshot().Meta
	writeText(w, http.StatusOK, fmt.Sprintf("%s %s %s\n", meta.OpMode, meta.Name, meta.Version))
}
