package protocol

import (
	"encoding/json"
	"strings"
)

// Client → server message types.
const (
	TypeResearchRequest = "research_request"
	TypeChatMessage     = "chat_message"
)

// Server → client message types.
const (
	TypeResearchUpdate   = "research_update"
	TypeResearchComplete = "research_complete"
	TypeResearchError    = "research_error"
)

// Report types accepted by the research engine.
const (
	ReportTypeResearchReport      = "research_report"
	ReportTypeLiteratureReview    = "literature_review"
	ReportTypeResourceCompilation = "resource_compilation"
)

// Chat senders.
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
	SenderSystem    = "system"
)

// ValidReportType reports whether s is one of the accepted report types.
func ValidReportType(s string) bool {
	switch s {
	case ReportTypeResearchReport, ReportTypeLiteratureReview, ReportTypeResourceCompilation:
		return true
	}
	return false
}

// DecodeError describes a malformed inbound message. The orchestrator turns it
// into a research_error frame or an HTTP 400; it is never fatal to the
// connection.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "invalid message: " + e.Reason
}

// ClientMessage is the decoded form of an inbound wire message.
type ClientMessage struct {
	Type       string `json:"type"`
	Query      string `json:"query,omitempty"`
	ReportType string `json:"report_type,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Decode parses and validates an inbound wire message.
// The report type defaults to research_report when omitted.
func Decode(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &DecodeError{Reason: "malformed JSON"}
	}

	switch msg.Type {
	case TypeResearchRequest:
		msg.Query = strings.TrimSpace(msg.Query)
		if msg.Query == "" {
			return nil, &DecodeError{Reason: "missing required field 'query'"}
		}
		if msg.ReportType == "" {
			msg.ReportType = ReportTypeResearchReport
		}
		if !ValidReportType(msg.ReportType) {
			return nil, &DecodeError{Reason: "unsupported report_type '" + msg.ReportType + "'"}
		}
		return &msg, nil

	case TypeChatMessage:
		msg.Message = strings.TrimSpace(msg.Message)
		if msg.Message == "" {
			return nil, &DecodeError{Reason: "missing required field 'message'"}
		}
		return &msg, nil

	case "":
		return nil, &DecodeError{Reason: "missing required field 'type'"}

	default:
		return nil, &DecodeError{Reason: "unknown message type '" + msg.Type + "'"}
	}
}
