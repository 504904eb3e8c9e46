package export

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var caseTemplate = template.Must(template.New("case_report.html").Funcs(template.FuncMap{
	"date":    func(t time.Time) string { return t.UTC().Format("Jan 2, 2006") },
	"stamp":   func(t time.Time) string { return t.UTC().Format("Jan 2, 2006 15:04 MST") },
	"dateptr": formatDatePtr,
	"money":   formatCents,
	"title":   titleCase,
}).ParseFS(templateFS, "templates/case_report.html"))

// RenderCaseHTML renders the case report page.
func RenderCaseHTML(r Report) (string, error) {
	var buf bytes.Buffer
	if err := caseTemplate.Execute(&buf, r); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func formatDatePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("Jan 2, 2006")
}

func formatCents(cents int64) string {
	dollars := fmt.Sprintf("%d", cents/100)
	var b strings.Builder
	for i, r := range dollars {
		if i > 0 && (len(dollars)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return fmt.Sprintf("$%s.%02d", b.String(), cents%100)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
