package domain

import "fmt"

// Kind tags a marketplace record as an offer or a request.
type Kind string

const (
	KindOffer   Kind = "offer"
	KindRequest Kind = "request"
)

// Counterpart returns the opposite kind: offers answer requests and vice versa.
func (k Kind) Counterpart() Kind {
	if k == KindOffer {
		return KindRequest
	}
	return KindOffer
}

func (k Kind) Valid() bool {
	return k == KindOffer || k == KindRequest
}

// ParseKind accepts the singular, plural and capitalized spellings used by API clients.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "offer", "offers", "Offer":
		return KindOffer, nil
	case "request", "requests", "Request":
		return KindRequest, nil
	}
	return "", fmt.Errorf("invalid kind %q", s)
}

// Ref points at one offer or request.
type Ref struct {
	Kind Kind   `json:"kind" enum:"offer,request"`
	ID   string `json:"id"`
}

func (r Ref) String() string { return string(r.Kind) + ":" + r.ID }

func (r Ref) IsZero() bool { return r.Kind == "" && r.ID == "" }

func OfferRef(id string) Ref   { return Ref{Kind: KindOffer, ID: id} }
func RequestRef(id string) Ref { return Ref{Kind: KindRequest, ID: id} }

// Record is the shared shape of offers and requests.
type Record struct {
	ID          string   `json:"id"`
	Kind        Kind     `json:"kind" enum:"offer,request"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	CreatorID   string   `json:"creator_id"`
	Status      Status   `json:"status" enum:"open,matched,closed"`
	TargetType  string   `json:"target_type,omitempty"`
	TargetID    string   `json:"target_id,omitempty"`
	Urgency     string   `json:"urgency,omitempty"`
	Locale      string   `json:"locale"`
	CategoryIDs []string `json:"category_ids"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

func (r Record) Ref() Ref { return Ref{Kind: r.Kind, ID: r.ID} }

// SharesCategory reports whether the two records have at least one category in common.
func (r Record) SharesCategory(other Record) bool {
	set := make(map[string]struct{}, len(r.CategoryIDs))
	for _, id := range r.CategoryIDs {
		set[id] = struct{}{}
	}
	for _, id := range other.CategoryIDs {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

type Category struct {
	ID         string            `json:"id"`
	Identifier string            `json:"identifier"`
	Name       string            `json:"name"`
	Names      map[string]string `json:"names,omitempty"`
	CreatedAt  string            `json:"created_at" format:"date-time"`
}

// ResponseLink is an immutable edge from a source record to the record created in response.
type ResponseLink struct {
	ID        string `json:"id"`
	Source    Ref    `json:"source"`
	Response  Ref    `json:"response"`
	CreatorID string `json:"creator_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Agreement struct {
	ID        string          `json:"id"`
	OfferID   string          `json:"offer_id"`
	RequestID string          `json:"request_id"`
	Terms     string          `json:"terms,omitempty"`
	Value     string          `json:"value,omitempty"`
	Status    AgreementStatus `json:"status" enum:"pending,accepted,rejected"`
	CreatedAt string          `json:"created_at" format:"date-time"`
	UpdatedAt string          `json:"updated_at" format:"date-time"`
}

// Person is the identity behind every record, link and agreement.
type Person struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	PersonID  string `json:"person_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
