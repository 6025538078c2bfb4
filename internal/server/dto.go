package server

import (
	"mvpforge/internal/domain"
	"mvpforge/internal/sanitize"
)

// Request payloads

type CreateBuildRequest struct {
	IdeaID      string                 `json:"idea_id" minLength:"1" doc:"Keys repository naming and namespace titling"`
	IdeaSummary string                 `json:"idea_summary,omitempty"`
	Branding    domain.Branding        `json:"branding,omitempty"`
	Plan        string                 `json:"plan,omitempty"`
	Messages    []domain.Message       `json:"messages,omitempty"`
	TargetFiles *[]domain.FileSpec     `json:"target_files,omitempty" doc:"Omit to ask the planner; an empty list is rejected"`
	Files       []domain.GeneratedFile `json:"files,omitempty" doc:"Pre-generated files; skips planning and generation"`
}

func (r CreateBuildRequest) payload() domain.BuildPayload {
	p := domain.BuildPayload{
		IdeaID:      r.IdeaID,
		IdeaSummary: r.IdeaSummary,
		Branding:    r.Branding,
		Plan:        r.Plan,
		Messages:    r.Messages,
		Files:       r.Files,
	}
	if r.TargetFiles != nil {
		p.TargetFiles = append([]domain.FileSpec{}, (*r.TargetFiles)...)
	}
	return p
}

type SanitizeRequest struct {
	ProjectName string                 `json:"project_name" minLength:"1"`
	Branding    domain.Branding        `json:"branding,omitempty"`
	Files       []domain.GeneratedFile `json:"files"`
}

// Response payloads

type BuildResponse struct {
	domain.Build
}

type paginatedBuilds struct {
	Items      []BuildResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	BuildID string         `json:"build_id,omitempty"`
	ActorID string         `json:"actor_id"`
	Payload map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type FilesResponse struct {
	BuildID     string                 `json:"build_id"`
	Fingerprint string                 `json:"fingerprint"`
	ArchivedAt  string                 `json:"archived_at"`
	Files       []domain.GeneratedFile `json:"files"`
}

type SanitizeResponse struct {
	Fingerprint string                 `json:"fingerprint"`
	Files       []domain.GeneratedFile `json:"files"`
	Report      sanitize.Report        `json:"report"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Permissions []string `json:"permissions"`
	Source      string   `json:"source"`
}

type StatusResponse struct {
	Builds map[string]int `json:"builds"`
}
