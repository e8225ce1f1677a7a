package embedding

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/kpath-enterprise/kpath/pkg/models"
)

// abbreviations maps common shorthand in queries to expanded forms so
// the bag-of-features picks up both spellings.
var abbreviations = map[string]string{
	"auth": "auth authentication authorization",
	"db":   "db database",
	"k8s":  "k8s kubernetes",
	"ml":   "ml machine learning",
	"api":  "api interface endpoint",
	"msg":  "msg message messaging",
	"doc":  "doc document",
	"img":  "img image",
	"cfg":  "cfg config configuration",
	"repo": "repo repository",
}

// ComposeServiceText builds the text embedded for a service. The name
// is repeated three times to triple its weight relative to the
// description and capability text.
func ComposeServiceText(svc *models.Service) string {
	parts := []string{svc.Name, svc.Name, svc.Name, svc.Description}

	for _, c := range svc.Capabilities {
		parts = append(parts, c.Description)
	}
	for _, ind := range svc.Industries {
		parts = append(parts, ind.Domain)
	}
	for _, tag := range svc.Tags {
		if s, ok := tag.(string); ok {
			parts = append(parts, s)
		}
	}

	return strings.Join(parts, " ")
}

// ComposeToolText builds the text embedded for a tool: name, purpose,
// parent service, schema property names and example-call labels.
func ComposeToolText(tool *models.Tool) string {
	parts := []string{
		"Tool: " + tool.ToolName,
		"Purpose: " + tool.Description,
	}
	if tool.ServiceName != "" {
		parts = append(parts, "Service: "+tool.ServiceName)
	}
	if inputs := models.SchemaPropertyNames(tool.InputSchema); len(inputs) > 0 {
		parts = append(parts, "Inputs: "+strings.Join(inputs, ", "))
	}
	if outputs := models.SchemaPropertyNames(tool.OutputSchema); len(outputs) > 0 {
		parts = append(parts, "Outputs: "+strings.Join(outputs, ", "))
	}
	if labels := tool.ExampleCallLabels(); len(labels) > 0 {
		parts = append(parts, strings.Join(labels, " "))
	}

	return strings.Join(parts, " ")
}

// ComposeCapabilityText builds the text line ranked in capability mode.
func ComposeCapabilityText(c *models.Capability) string {
	return c.Name + ": " + c.Description
}

// ComposeWorkflowText synthesizes a description for a mined invocation
// pattern so it can be ranked against a query embedding.
func ComposeWorkflowText(w *models.WorkflowTriple) string {
	var b strings.Builder
	b.WriteString(w.InitiatorName)
	b.WriteString(" calls ")
	b.WriteString(w.TargetName)
	b.WriteString(" using ")
	b.WriteString(w.ToolName)
	return b.String()
}

// NormalizeQuery trims surrounding whitespace from the raw user query.
func NormalizeQuery(query string) string {
	return strings.TrimSpace(query)
}

// ExpandQuery replaces known abbreviations with their expanded forms.
// Unknown tokens pass through untouched.
func ExpandQuery(query string) string {
	fields := strings.Fields(NormalizeQuery(query))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if expanded, ok := abbreviations[strings.ToLower(f)]; ok {
			out = append(out, expanded)
		} else {
			out = append(out, f)
		}
	}
	return strings.Join(out, " ")
}

// QueryHash returns the SHA-256 hex digest of the lowercased, trimmed
// query. Feedback rows are keyed by this hash.
func QueryHash(query string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(NormalizeQuery(query))))
	return hex.EncodeToString(sum[:])
}
