package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	assert.NoError(t, StatusOpen.Transition(StatusMatched))
	assert.NoError(t, StatusOpen.Transition(StatusClosed))
	assert.NoError(t, StatusMatched.Transition(StatusMatched))
	assert.NoError(t, StatusMatched.Transition(StatusClosed))

	err := StatusClosed.Transition(StatusOpen)
	var conflict *StateConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "closed", conflict.From)
	assert.Error(t, StatusClosed.Transition(StatusMatched))
	assert.Error(t, StatusMatched.Transition(StatusOpen))
}

func TestAgreementTransitions(t *testing.T) {
	noop, err := AgreementPending.Transition(AgreementAccepted)
	require.NoError(t, err)
	assert.False(t, noop)

	noop, err = AgreementAccepted.Transition(AgreementAccepted)
	require.NoError(t, err)
	assert.True(t, noop)

	_, err = AgreementRejected.Transition(AgreementAccepted)
	assert.Error(t, err)
	_, err = AgreementAccepted.Transition(AgreementPending)
	assert.Error(t, err)
}

func TestKindCounterpart(t *testing.T) {
	assert.Equal(t, KindRequest, KindOffer.Counterpart())
	assert.Equal(t, KindOffer, KindRequest.Counterpart())

	k, err := ParseKind("requests")
	require.NoError(t, err)
	assert.Equal(t, KindRequest, k)
	_, err = ParseKind("thing")
	assert.Error(t, err)
}

func TestValidationErrorsAs(t *testing.T) {
	var errs ValidationErrors
	assert.NoError(t, errs.Err())
	errs = append(errs, NewValidationError("source", "must be open or matched to create a response"))
	err := errs.Err()
	var ve *ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "source: must be open or matched to create a response", ve.Error())
}

func TestNotFoundIs(t *testing.T) {
	err := error(&NotFoundError{Entity: "offer", ID: "x"})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSharesCategory(t *testing.T) {
	a := Record{CategoryIDs: []string{"tools", "bikes"}}
	b := Record{CategoryIDs: []string{"food", "bikes"}}
	c := Record{CategoryIDs: []string{"food"}}
	assert.True(t, a.SharesCategory(b))
	assert.False(t, a.SharesCategory(c))
	assert.False(t, Record{}.SharesCategory(a))
}
