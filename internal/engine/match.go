package engine

import (
	"context"

	"github.com/sirupsen/logrus"

	"joatu/internal/domain"
)

// Match returns the counterpart records that share at least one category
// with ref and belong to someone else. A record without categories matches
// nothing. Closed candidates are dropped unless matching.exclude_closed is off.
func (e Engine) Match(ctx context.Context, ref domain.Ref, locale string) ([]domain.Record, error) {
	rec, err := e.GetRecord(ctx, ref, locale)
	if err != nil {
		return nil, err
	}
	out, err := e.Repo.MatchCandidates(ctx, nil, rec, e.excludeClosed(), e.Locales(locale))
	if err != nil {
		return nil, err
	}
	e.Metrics.MatchComputed(string(rec.Kind), len(out))
	e.logger().WithFields(logrus.Fields{"source": ref.String(), "candidates": len(out)}).Debug("match computed")
	return out, nil
}
