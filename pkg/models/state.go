package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Well-known WorkflowState metadata keys.
const (
	MetaResearchPlan       = "research_plan"
	MetaReviewInstructions = "review_instructions"
	MetaReviewAction       = "review_action"
	MetaQualityScore       = "quality_score"
	MetaGateRoute          = "gate_route"
)

// WorkflowState is the accumulated payload threaded through the pipeline.
// It is persisted whole inside every checkpoint.
type WorkflowState struct {
	Messages     []Message      `json:"messages"`
	Sources      []Source       `json:"sources"`
	Claims       []Claim        `json:"claims"`
	Citations    []Citation     `json:"citations"`
	Artifacts    []Artifact     `json:"artifacts"`
	CurrentNode  Stage          `json:"current_node,omitempty"`
	Errors       []string       `json:"errors"`
	Metadata     map[string]any `json:"metadata"`
	Revisions    int            `json:"revisions"`
	ReviewRounds int            `json:"review_rounds"`
}

type Message struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

type Source struct {
	ID      string  `json:"id"`
	Origin  string  `json:"origin"`
	Title   string  `json:"title,omitempty"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type Claim struct {
	ID        string   `json:"id"`
	Text      string   `json:"text"`
	SourceIDs []string `json:"source_ids"`
	Verified  bool     `json:"verified"`
}

type Citation struct {
	ClaimID  string `json:"claim_id"`
	SourceID string `json:"source_id"`
	Quote    string `json:"quote,omitempty"`
}

type ArtifactType string

const (
	ArtifactDraft         ArtifactType = "draft"
	ArtifactVisualization ArtifactType = "visualization"
	ArtifactReport        ArtifactType = "report"
)

type Artifact struct {
	ID        string       `json:"id"`
	Type      ArtifactType `json:"type"`
	Ref       string       `json:"ref,omitempty"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
}

// StateSlice is the partial update a stage produces. Messages and Artifacts
// are appended; Sources, Claims and Citations replace the current value when
// non-nil; Metadata is merged key by key.
type StateSlice struct {
	Messages  []Message      `json:"messages,omitempty"`
	Sources   []Source       `json:"sources,omitempty"`
	Claims    []Claim        `json:"claims,omitempty"`
	Citations []Citation     `json:"citations,omitempty"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewWorkflowState returns the state a job starts with.
func NewWorkflowState(query string) WorkflowState {
	return WorkflowState{
		Messages:  []Message{{Role: "user", Content: query, At: time.Now().UTC()}},
		Sources:   []Source{},
		Claims:    []Claim{},
		Citations: []Citation{},
		Artifacts: []Artifact{},
		Errors:    []string{},
		Metadata:  map[string]any{},
	}
}

// Merge applies a stage's output to the state.
func (s *WorkflowState) Merge(slice StateSlice) {
	s.Messages = append(s.Messages, slice.Messages...)
	s.Artifacts = append(s.Artifacts, slice.Artifacts...)
	if slice.Sources != nil {
		s.Sources = slice.Sources
	}
	if slice.Claims != nil {
		s.Claims = slice.Claims
	}
	if slice.Citations != nil {
		s.Citations = slice.Citations
	}
	if len(slice.Metadata) > 0 && s.Metadata == nil {
		s.Metadata = make(map[string]any, len(slice.Metadata))
	}
	for k, v := range slice.Metadata {
		s.Metadata[k] = v
	}
}

// LatestArtifact returns the most recent artifact of type t.
func (s *WorkflowState) LatestArtifact(t ArtifactType) (Artifact, bool) {
	for i := len(s.Artifacts) - 1; i >= 0; i-- {
		if s.Artifacts[i].Type == t {
			return s.Artifacts[i], true
		}
	}
	return Artifact{}, false
}

// MetaString returns a metadata value as a string, or "" when absent.
func (s *WorkflowState) MetaString(key string) string {
	if v, ok := s.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// EncodeState serializes a state for a checkpoint body.
func EncodeState(s WorkflowState) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode workflow state: %w", err)
	}
	return b, nil
}

// DecodeState parses a checkpoint body. Nil collections are normalised to
// empty ones so that a decoded state compares equal to a fresh one.
func DecodeState(b []byte) (WorkflowState, error) {
	var s WorkflowState
	if len(b) == 0 {
		return s, fmt.Errorf("decode workflow state: empty body")
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("decode workflow state: %w", err)
	}
	if s.Messages == nil {
		s.Messages = []Message{}
	}
	if s.Sources == nil {
		s.Sources = []Source{}
	}
	if s.Claims == nil {
		s.Claims = []Claim{}
	}
	if s.Citations == nil {
		s.Citations = []Citation{}
	}
	if s.Artifacts == nil {
		s.Artifacts = []Artifact{}
	}
	if s.Errors == nil {
		s.Errors = []string{}
	}
	if s.Metadata == nil {
		s.Metadata = map[string]any{}
	}
	return s, nil
}
