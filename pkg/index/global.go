package index

import (
	"encoding/json"
	"fmt"
	"html"
	"sort"
	"strings"
)

// GlobalHTML renders the top-level listing of every project directory the
// replica currently serves.
func GlobalHTML(projects []string) []byte {
	sorted := append([]string{}, projects...)
	sort.Strings(sorted)

	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n  <head>\n")
	fmt.Fprintf(&b, "    <meta name=\"pypi:repository-version\" content=%q>\n",
		RepositoryVersion)
	b.WriteString("    <title>Simple Index</title>\n")
	b.WriteString("  </head>\n  <body>\n")
	for _, project := range sorted {
		escaped := html.EscapeString(project)
		fmt.Fprintf(&b, "    <a href=\"%s/\">%s</a><br/>\n", escaped, escaped)
	}
	b.WriteString("  </body>\n</html>\n")
	return []byte(b.String())
}

type jsonGlobalProject struct {
	Name string `json:"name"`
}

type jsonGlobal struct {
	Meta     jsonMeta            `json:"meta"`
	Projects []jsonGlobalProject `json:"projects"`
}

// GlobalJSON renders the PEP 691 form of the global listing at the given
// serial.
func GlobalJSON(projects []string, serial int64) ([]byte, error) {
	sorted := append([]string{}, projects...)
	sort.Strings(sorted)

	global := jsonGlobal{
		Meta:     jsonMeta{APIVersion: RepositoryVersion, LastSerial: serial},
		Projects: []jsonGlobalProject{},
	}
	for _, project := range sorted {
		global.Projects = append(global.Projects, jsonGlobalProject{Name: project})
	}
	return json.Marshal(global)
}
