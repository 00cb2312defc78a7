package protocol

import (
	"encoding/json"

	"github.com/ycmlab/academic-researcher/internal/engine"
)

// researchUpdate is a non-terminal progress frame.
type researchUpdate struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// researchComplete is the terminal success frame.
type researchComplete struct {
	Type  string       `json:"type"`
	JobID string       `json:"job_id"`
	Data  CompleteData `json:"data"`
}

// researchError is the terminal failure frame. JobID is empty for errors that
// are not tied to a job (e.g. decode failures).
type researchError struct {
	Type    string `json:"type"`
	JobID   string `json:"job_id,omitempty"`
	Message string `json:"message"`
}

// chatTurn is a chat frame in either direction.
type chatTurn struct {
	Type    string `json:"type"`
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

// CompleteData is the payload of a research_complete frame. The same shape is
// returned by the synchronous HTTP path.
type CompleteData struct {
	Report          string          `json:"report"`
	Sources         []engine.Source `json:"sources"`
	SavedToVectorDB bool            `json:"saved_to_vector_db"`
}

// CompletePayload builds the terminal payload from a report.
func CompletePayload(r *engine.Report) CompleteData {
	sources := r.Sources
	if sources == nil {
		sources = []engine.Source{}
	}
	return CompleteData{
		Report:          r.Text,
		Sources:         sources,
		SavedToVectorDB: r.Persisted,
	}
}

// The encode helpers marshal fixed struct shapes; marshalling cannot fail for
// these, so they return the frame bytes directly.

// EncodeResearchUpdate encodes a non-terminal progress frame.
func EncodeResearchUpdate(jobID, message string) []byte {
	b, _ := json.Marshal(researchUpdate{
		Type:    TypeResearchUpdate,
		JobID:   jobID,
		Status:  "in_progress",
		Message: message,
	})
	return b
}

// EncodeResearchComplete encodes the terminal success frame.
func EncodeResearchComplete(jobID string, r *engine.Report) []byte {
	b, _ := json.Marshal(researchComplete{
		Type:  TypeResearchComplete,
		JobID: jobID,
		Data:  CompletePayload(r),
	})
	return b
}

// EncodeResearchError encodes the terminal failure frame.
func EncodeResearchError(jobID, message string) []byte {
	b, _ := json.Marshal(researchError{
		Type:    TypeResearchError,
		JobID:   jobID,
		Message: message,
	})
	return b
}

// EncodeChatMessage encodes an outbound chat frame.
func EncodeChatMessage(sender, message string) []byte {
	b, _ := json.Marshal(chatTurn{
		Type:    TypeChatMessage,
		Sender:  sender,
		Message: message,
	})
	return b
}
