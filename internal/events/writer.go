package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Event types appended by the engine. The notification relay reads them back
// from the events table.
const (
	OfferCreated         = "offer.created"
	RequestCreated       = "request.created"
	MatchFound           = "match.found"
	ResponseLinkCreated  = "response_link.created"
	RecordMatched        = "record.matched"
	RecordClosed         = "record.closed"
	RecordRetagged       = "record.retagged"
	AgreementCreated     = "agreement.created"
	AgreementAccepted    = "agreement.accepted"
	AgreementRejected    = "agreement.rejected"
	CategoryCreated      = "category.created"
	RecipientsPayloadKey = "recipients"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// WithRecipients stores the people a notification should reach alongside the payload.
func (p EventPayload) WithRecipients(ids ...string) EventPayload {
	if p == nil {
		p = EventPayload{}
	}
	set := map[string]struct{}{}
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	p[RecipientsPayloadKey] = out
	return p
}

// Append writes the event inside tx so it commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

// Recipients extracts the recipient list from a stored payload.
func Recipients(payloadJSON string) []string {
	if payloadJSON == "" {
		return nil
	}
	var body struct {
		Recipients []string `json:"recipients"`
	}
	if err := json.Unmarshal([]byte(payloadJSON), &body); err != nil {
		return nil
	}
	return body.Recipients
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
