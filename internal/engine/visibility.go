package engine

import (
	"context"

	"joatu/internal/domain"
)

// Rules checked by CanRespond, in evaluation order.
const (
	RuleAnonymous        = "anonymous"
	RuleOwnRecord        = "own_record"
	RuleAlreadyResponded = "already_responded"
	RuleAgreementExists  = "agreement_exists"
	RuleRespondsToActor  = "responds_to_actor"
)

// Decision explains whether the respond action is available. Rule is the
// first failing rule; Failed lists every failing rule.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Rule    string   `json:"rule,omitempty"`
	Failed  []string `json:"failed,omitempty"`
}

// CanRespond decides whether actorID may respond to ref. It only reads the
// response link and agreement edges plus creator identities.
//
// The already_responded rule looks at links where ref is the source and the
// response was created by the actor. The responds_to_actor rule looks at
// links where ref is the response and the source was created by the actor.
// The two are kept separate: neither implies the other.
func (e Engine) CanRespond(ctx context.Context, actorID string, ref domain.Ref) (Decision, error) {
	rec, err := e.Repo.GetRecord(ctx, nil, ref, nil)
	if err != nil {
		return Decision{}, err
	}
	var failed []string
	if actorID == "" {
		return Decision{Rule: RuleAnonymous, Failed: []string{RuleAnonymous}}, nil
	}
	if rec.CreatorID == actorID {
		failed = append(failed, RuleOwnRecord)
	}

	ok, err := e.hasRespondedTo(ctx, actorID, ref)
	if err != nil {
		return Decision{}, err
	}
	if ok {
		failed = append(failed, RuleAlreadyResponded)
	}

	ok, err = e.hasAgreementOn(ctx, actorID, ref)
	if err != nil {
		return Decision{}, err
	}
	if ok {
		failed = append(failed, RuleAgreementExists)
	}

	ok, err = e.respondsToActor(ctx, actorID, ref)
	if err != nil {
		return Decision{}, err
	}
	if ok {
		failed = append(failed, RuleRespondsToActor)
	}

	if len(failed) == 0 {
		return Decision{Allowed: true}, nil
	}
	return Decision{Rule: failed[0], Failed: failed}, nil
}

func (e Engine) hasRespondedTo(ctx context.Context, actorID string, ref domain.Ref) (bool, error) {
	links, err := e.Repo.ResponseLinksAsSource(ctx, ref)
	if err != nil {
		return false, err
	}
	for _, l := range links {
		if l.Response.Kind != ref.Kind.Counterpart() {
			continue
		}
		creator, err := e.Repo.CreatorOf(ctx, nil, l.Response)
		if err != nil {
			return false, err
		}
		if creator == actorID {
			return true, nil
		}
	}
	return false, nil
}

func (e Engine) hasAgreementOn(ctx context.Context, actorID string, ref domain.Ref) (bool, error) {
	agreements, err := e.Repo.AgreementsFor(ctx, ref)
	if err != nil {
		return false, err
	}
	for _, a := range agreements {
		participants, err := e.Participants(ctx, a)
		if err != nil {
			return false, err
		}
		for _, p := range participants {
			if p == actorID {
				return true, nil
			}
		}
	}
	return false, nil
}

func (e Engine) respondsToActor(ctx context.Context, actorID string, ref domain.Ref) (bool, error) {
	links, err := e.Repo.ResponseLinksAsResponse(ctx, ref)
	if err != nil {
		return false, err
	}
	for _, l := range links {
		creator, err := e.Repo.CreatorOf(ctx, nil, l.Source)
		if err != nil {
			return false, err
		}
		if creator == actorID {
			return true, nil
		}
	}
	return false, nil
}
