package models

import "time"

// Feedback types accepted on the feedback endpoint.
const (
	FeedbackTypeClick       = "click"
	FeedbackTypeSelect      = "select"
	FeedbackTypeRelevant    = "relevant"
	FeedbackTypeNotRelevant = "not_relevant"
)

// ValidFeedbackType reports whether t is one of the accepted feedback types.
func ValidFeedbackType(t string) bool {
	switch t {
	case FeedbackTypeClick, FeedbackTypeSelect, FeedbackTypeRelevant, FeedbackTypeNotRelevant:
		return true
	}
	return false
}

// FeedbackEvent records that a principal selected a service at a given
// rank for a query. Append-only; never mutated.
type FeedbackEvent struct {
	ID                int64     `db:"id" json:"id"`
	Query             string    `db:"query" json:"query"`
	QueryHash         string    `db:"query_hash" json:"query_hash"`
	SelectedServiceID int64     `db:"selected_service_id" json:"selected_service_id"`
	Rank              int       `db:"rank" json:"rank"`
	ClickThrough      bool      `db:"click_through" json:"click_through"`
	UserID            int64     `db:"user_id" json:"user_id"`
	UserSatisfaction  *float64  `db:"user_satisfaction" json:"user_satisfaction,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// FeedbackAggregate summarizes feedback for one service over a window.
type FeedbackAggregate struct {
	ServiceID       int64      `db:"service_id" json:"service_id"`
	Impressions     int64      `db:"impressions" json:"impressions"`
	Clicks          int64      `db:"clicks" json:"clicks"`
	LastInteraction *time.Time `db:"last_interaction" json:"last_interaction,omitempty"`
}

// SearchQueryLog is an append-only observation of one search call.
type SearchQueryLog struct {
	ID          int64     `db:"id" json:"id"`
	Query       string    `db:"query" json:"query"`
	UserID      int64     `db:"user_id" json:"user_id"`
	SearchMode  string    `db:"search_mode" json:"search_mode"`
	ResultCount int       `db:"result_count" json:"result_count"`
	ElapsedMs   float64   `db:"elapsed_ms" json:"elapsed_ms"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// APIRequestLog is an append-only observation of one API call. The rate
// limiter counts these rows over the trailing hour.
type APIRequestLog struct {
	ID        int64     `db:"id" json:"id"`
	KeyID     int64     `db:"key_id" json:"key_id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	Endpoint  string    `db:"endpoint" json:"endpoint"`
	Method    string    `db:"method" json:"method"`
	Status    int       `db:"status" json:"status"`
	ElapsedMs float64   `db:"elapsed_ms" json:"elapsed_ms"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// InvocationLog records one service invoking another through a tool.
// Workflow-mode search mines these for repeated successful patterns.
type InvocationLog struct {
	ID               int64     `db:"id" json:"id"`
	InitiatorService int64     `db:"initiator_service_id" json:"initiator_service_id"`
	TargetService    int64     `db:"target_service_id" json:"target_service_id"`
	ToolID           int64     `db:"tool_id" json:"tool_id"`
	Success          bool      `db:"success" json:"success"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// WorkflowTriple is an aggregated invocation pattern: initiator calls
// target through a tool, with the number of successful invocations.
type WorkflowTriple struct {
	InitiatorID     int64  `db:"initiator_service_id" json:"initiator_id"`
	InitiatorName   string `db:"initiator_name" json:"initiator_name"`
	TargetID        int64  `db:"target_service_id" json:"target_id"`
	TargetName      string `db:"target_name" json:"target_name"`
	ToolID          int64  `db:"tool_id" json:"tool_id"`
	ToolName        string `db:"tool_name" json:"tool_name"`
	InvocationCount int64  `db:"invocation_count" json:"invocation_count"`
}
