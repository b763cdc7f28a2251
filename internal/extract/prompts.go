package extract

import (
	_ "embed"
	"text/template"
)

//go:embed prompts/extract.md
var extractPromptRaw string

// ExtractTemplate is the prompt sent to every provider. Parsed once at
// package init.
var ExtractTemplate = template.Must(template.New("extract").Parse(extractPromptRaw))

// promptData is the input of ExtractTemplate.
type promptData struct {
	URL        string
	Title      string
	Site       string
	Structured []string
	Content    string
}
