package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.txt
var templateFS embed.FS

var (
	assessmentTagRegex      = regexp.MustCompile(`(?i)</?\s*assessment\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// maxFieldRunes bounds any single user-supplied field in a prompt.
const maxFieldRunes = 200

// PromptVariant selects the report style.
type PromptVariant string

const (
	// PromptExecutive is a short briefing.
	PromptExecutive PromptVariant = "executive"
	// PromptDetailed is the full consultant report.
	PromptDetailed PromptVariant = "detailed"
)

var validVariants = map[PromptVariant]bool{
	PromptExecutive: true,
	PromptDetailed:  true,
}

var (
	loadOnce        sync.Once
	loadErr         error
	reportTemplates map[PromptVariant]*template.Template
)

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

// CategoryLine is one category score in a report prompt.
type CategoryLine struct {
	Title string
	Score int
}

// ReportData holds template data for report prompts.
type ReportData struct {
	Company         string
	Industry        string
	CompanySize     string
	JobTitle        string
	TotalScore      int
	Grade           string
	IndustryAverage int
	Gap             int
	Percentile      int
	Categories      []CategoryLine
}

// load parses the embedded templates once.
func load() error {
	loadOnce.Do(func() {
		reportTemplates = make(map[PromptVariant]*template.Template)
		for _, v := range []PromptVariant{PromptExecutive, PromptDetailed} {
			file := "templates/report_" + string(v) + ".txt"
			content, err := templateFS.ReadFile(file)
			if err != nil {
				loadErr = errors.New("failed to read prompt file " + file + ": " + err.Error())
				return
			}
			tmpl, err := template.New("report").Parse(string(content))
			if err != nil {
				loadErr = errors.New("failed to parse prompt template " + file + ": " + err.Error())
				return
			}
			reportTemplates[v] = tmpl
		}
	})
	return loadErr
}

// BuildReportPrompt renders the report prompt for variant. Free-text fields
// are sanitized before rendering.
func BuildReportPrompt(variant PromptVariant, data ReportData) (string, error) {
	if err := load(); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	tmpl, ok := reportTemplates[variant]
	if !ok {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}

	data.Company = sanitizeField(data.Company)
	data.Industry = sanitizeField(data.Industry)
	data.CompanySize = sanitizeField(data.CompanySize)
	data.JobTitle = sanitizeField(data.JobTitle)

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// sanitizeField strips prompt delimiters and newlines from user input.
func sanitizeField(s string) string {
	s = assessmentTagRegex.ReplaceAllString(s, "")
	s = systemInstructionsRegex.ReplaceAllString(s, "")
	s = strings.Join(strings.Fields(s), " ")

	if s == "" {
		return "[not provided]"
	}
	if utf8.RuneCountInString(s) > maxFieldRunes {
		s = string([]rune(s)[:maxFieldRunes]) + "..."
	}
	return s
}
