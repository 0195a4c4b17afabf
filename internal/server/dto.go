package server

import (
	"joatu/internal/domain"
	"joatu/internal/engine"
	"joatu/internal/search"
)

// Request payloads

type CreateCategoryRequest struct {
	ID         string            `json:"id,omitempty"`
	Identifier string            `json:"identifier"`
	Names      map[string]string `json:"names"`
}

type CreateRecordRequest struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty" doc:"Rich text (HTML)"`
	Locale      string   `json:"locale,omitempty"`
	CreatorName string   `json:"creator_name,omitempty"`
	TargetType  string   `json:"target_type,omitempty"`
	TargetID    string   `json:"target_id,omitempty"`
	Urgency     string   `json:"urgency,omitempty" enum:"low,normal,high,critical"`
	CategoryIDs []string `json:"category_ids,omitempty"`
}

func (r CreateRecordRequest) options(creatorID string) engine.RecordCreateOptions {
	return engine.RecordCreateOptions{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Locale:      r.Locale,
		CreatorID:   creatorID,
		CreatorName: r.CreatorName,
		TargetType:  r.TargetType,
		TargetID:    r.TargetID,
		Urgency:     r.Urgency,
		CategoryIDs: r.CategoryIDs,
	}
}

type TranslateRecordRequest struct {
	Locale      string `json:"locale"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

type RetagRecordRequest struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

type CreateResponseLinkRequest struct {
	Source   domain.Ref `json:"source"`
	Response domain.Ref `json:"response"`
}

type CreateAgreementRequest struct {
	ID        string `json:"id,omitempty"`
	OfferID   string `json:"offer_id"`
	RequestID string `json:"request_id"`
	Terms     string `json:"terms,omitempty"`
	Value     string `json:"value,omitempty"`
}

type DevLoginRequest struct {
	PersonID string `json:"person_id"`
}

// Response payloads

type RecordList = search.Page

type RespondResponse struct {
	Record domain.Record       `json:"record"`
	Link   domain.ResponseLink `json:"link"`
}

type WhoAmIResponse struct {
	PersonID string `json:"person_id"`
	Source   string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type LocalesResponse struct {
	Default   string   `json:"default"`
	Available []string `json:"available"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}
