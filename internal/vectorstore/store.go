package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ycmlab/academic-researcher/internal/engine"
)

// maxEmbedChars bounds the text sent to the embedding API. Reports can be
// long; the head of the report is enough for similarity retrieval.
const maxEmbedChars = 8000

// Store pushes a finished report into the vector database.
type Store interface {
	StoreReport(ctx context.Context, jobID, query, reportType string, report *engine.Report) error
}

// ChromaStore writes reports to a Chroma-compatible REST collection.
type ChromaStore struct {
	baseURL    string
	collection string
	embeddings *EmbeddingClient
	httpClient *http.Client
}

// NewChromaStore creates a vector store client.
func NewChromaStore(baseURL, collection string, embeddings *EmbeddingClient) *ChromaStore {
	return &ChromaStore{
		baseURL:    baseURL,
		collection: collection,
		embeddings: embeddings,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// chromaAddRequest is the collection add payload.
type chromaAddRequest struct {
	IDs        []string            `json:"ids"`
	Embeddings [][]float32         `json:"embeddings"`
	Documents  []string            `json:"documents"`
	Metadatas  []map[string]string `json:"metadatas"`
}

// StoreReport embeds the report text and adds one document to the collection,
// keyed by job ID so re-submitting the same research overwrites rather than
// duplicates.
func (s *ChromaStore) StoreReport(ctx context.Context, jobID, query, reportType string, report *engine.Report) error {
	text := report.Text
	if len(text) > maxEmbedChars {
		text = text[:maxEmbedChars]
	}

	embedding, err := s.embeddings.GetEmbedding(ctx, text)
	if err != nil {
		return fmt.Errorf("failed to embed report: %w", err)
	}

	payload, err := json.Marshal(chromaAddRequest{
		IDs:        []string{jobID},
		Embeddings: [][]float32{embedding},
		Documents:  []string{report.Text},
		Metadatas: []map[string]string{{
			"query":       query,
			"report_type": reportType,
			"sources":     fmt.Sprintf("%d", len(report.Sources)),
		}},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal add request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/collections/%s/add", s.baseURL, s.collection)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create add request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call vector store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("vector store returned status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}
