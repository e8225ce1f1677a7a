package embedding

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kpath-enterprise/kpath/pkg/models"
)

func testService() *models.Service {
	return &models.Service{
		ID:          1,
		Name:        "EmailService",
		Description: "Send and manage email communications",
		Capabilities: []*models.Capability{
			{Name: "SendEmail", Description: "Send an email to one or more recipients"},
		},
		Industries: []*models.ServiceIndustry{{Domain: "Communication"}},
		Tags:       models.JSONList{"email", "notifications"},
	}
}

func TestComposeServiceText_TriplesName(t *testing.T) {
	text := ComposeServiceText(testService())

	assert.Equal(t, 3, strings.Count(text, "EmailService"))
	assert.Contains(t, text, "Send and manage email communications")
	assert.Contains(t, text, "Send an email to one or more recipients")
	assert.Contains(t, text, "Communication")
	assert.Contains(t, text, "notifications")
}

func TestComposeServiceText_Deterministic(t *testing.T) {
	svc := testService()
	assert.Equal(t, ComposeServiceText(svc), ComposeServiceText(svc))
}

func TestComposeToolText(t *testing.T) {
	tool := &models.Tool{
		ToolName:    "send_email",
		Description: "Send an email message",
		ServiceName: "EmailService",
		InputSchema: models.JSONMap{
			"type": "object",
			"properties": map[string]interface{}{
				"to":      map[string]interface{}{"type": "string"},
				"subject": map[string]interface{}{"type": "string"},
				"body":    map[string]interface{}{"type": "string"},
			},
		},
		OutputSchema: models.JSONMap{
			"type": "object",
			"properties": map[string]interface{}{
				"message_id": map[string]interface{}{"type": "string"},
			},
		},
		ExampleCalls: models.JSONList{
			map[string]interface{}{"label": "welcome email", "input": map[string]interface{}{}},
		},
	}

	text := ComposeToolText(tool)
	assert.Contains(t, text, "Tool: send_email")
	assert.Contains(t, text, "Purpose: Send an email message")
	assert.Contains(t, text, "Service: EmailService")
	// Schema property names are sorted for determinism.
	assert.Contains(t, text, "Inputs: body, subject, to")
	assert.Contains(t, text, "Outputs: message_id")
	assert.Contains(t, text, "welcome email")
}

func TestExpandQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"known abbreviation", "auth service", "auth authentication authorization service"},
		{"no abbreviation", "send notifications", "send notifications"},
		{"case insensitive", "Auth flow", "auth authentication authorization flow"},
		{"whitespace trimmed", "  db backup  ", "db database backup"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpandQuery(tt.query))
		})
	}
}

func TestQueryHash_Normalizes(t *testing.T) {
	assert.Equal(t, QueryHash("Send Email"), QueryHash("  send email "))
	assert.NotEqual(t, QueryHash("send email"), QueryHash("send sms"))
	assert.Len(t, QueryHash("anything"), 64)
}

func TestComposeWorkflowText(t *testing.T) {
	text := ComposeWorkflowText(&models.WorkflowTriple{
		InitiatorName: "OrderService",
		TargetName:    "EmailService",
		ToolName:      "send_email",
	})
	assert.Equal(t, "OrderService calls EmailService using send_email", text)
}
