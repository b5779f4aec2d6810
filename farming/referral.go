/*
referral.go - First-contact onboarding and the referral bonus

PURPOSE:
  Creates a user record on first contact, links it to an optional
  referrer, and credits the referrer exactly once.

FLOW:
  1. Record exists      -> return it unchanged (resume a pending credit)
  2. Record missing     -> create with the starting grant, ReferredBy set
                           when the referrer resolves and is not the user
  3. ReferredBy set     -> referrer: ReferralCount+1, Balance+ReferralBonus
                           referred: ReferralCredited = true

EXACTLY-ONCE:
  Store.Create is unique per id, so only one onboarding call ever reaches
  step 3 for a fresh record. The referrer write is guarded by the
  referrer's CreditedReferees list, so resuming step 3 after a crash (or
  a lost ReferralCredited write) never pays twice.

REFERRER RESOLUTION:
  The reference is tried as a referral code first, then as a user id
  (bot start links embed the id). A miss is not an error.

SEE ALSO:
  - service.go: mutate loop used for both record writes
*/
package farming

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// referralNamespace seeds name-based referral codes.
var referralNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://t.me/proofcoin_bot"))

// DeriveReferralCode returns the deterministic referral code for id.
func DeriveReferralCode(id string) string {
	u := uuid.NewSHA1(referralNamespace, []byte(id))
	return strings.ReplaceAll(u.String(), "-", "")[:16]
}

// ReferralLink returns <ReferralBase>?start=<id>.
func (s *Service) ReferralLink(id string) string {
	return s.Economy.ReferralBase + "?start=" + url.QueryEscape(id)
}

// Onboard creates the record for id on first contact. Calling it again
// for the same id returns the stored record and never re-awards a bonus.
func (s *Service) Onboard(ctx context.Context, id, displayName, referrerRef string) (OnboardResult, error) {
	id = strings.TrimSpace(id)
	displayName = strings.TrimSpace(displayName)
	if id == "" {
		return OnboardResult{}, &InvalidInputError{Field: "user_id", Reason: "must not be empty"}
	}
	if displayName == "" {
		return OnboardResult{}, &InvalidInputError{Field: "display_name", Reason: "must not be empty"}
	}

	existing, err := s.Store.Get(ctx, id)
	switch {
	case err == nil:
		return s.settleReferral(ctx, existing, false)
	case !errors.Is(err, ErrNotFound):
		return OnboardResult{}, s.classify("onboard", id, err)
	}

	referrer, err := s.resolveReferrer(ctx, id, referrerRef)
	if err != nil {
		return OnboardResult{}, err
	}

	rec := &UserRecord{
		ID:           id,
		DisplayName:  displayName,
		Balance:      s.Economy.StartingGrant,
		ReferralCode: DeriveReferralCode(id),
		CreatedAt:    s.now(),
	}
	if referrer != nil {
		rec.ReferredBy = referrer.ID
	}

	if err := s.Store.Create(ctx, rec); err != nil {
		if !errors.Is(err, ErrAlreadyExists) {
			return OnboardResult{}, s.classify("onboard", id, err)
		}
		// Lost a creation race; the winner owns the referral credit.
		existing, gerr := s.Store.Get(ctx, id)
		if gerr != nil {
			return OnboardResult{}, s.classify("onboard", id, gerr)
		}
		return s.settleReferral(ctx, existing, false)
	}

	s.Logger.WithFields(logrus.Fields{
		"user_id":     id,
		"referred_by": rec.ReferredBy,
	}).Info("User onboarded")

	return s.settleReferral(ctx, rec, true)
}

func (s *Service) resolveReferrer(ctx context.Context, selfID, ref string) (*UserRecord, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}
	rec, err := s.Store.GetByReferralCode(ctx, ref)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, s.classify("resolve_referrer", selfID, err)
		}
		rec, err = s.Store.Get(ctx, ref)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, nil
			}
			return nil, s.classify("resolve_referrer", selfID, err)
		}
	}
	if rec.ID == selfID {
		return nil, nil
	}
	return rec, nil
}

// settleReferral finishes step 3 for rec if it is still owed.
func (s *Service) settleReferral(ctx context.Context, rec *UserRecord, created bool) (OnboardResult, error) {
	result := OnboardResult{
		Record:       rec,
		ReferralLink: s.ReferralLink(rec.ID),
		Created:      created,
	}
	if rec.ReferredBy == "" || rec.ReferralCredited {
		return result, nil
	}

	applied, err := s.creditReferrer(ctx, rec.ReferredBy, rec.ID)
	if err != nil {
		return result, err
	}
	if applied {
		result.CreditedReferrer = rec.ReferredBy
		result.Bonus = s.Economy.ReferralBonus
	}

	updated, err := s.mutate(ctx, "referral_flag", rec.ID, func(r *UserRecord) error {
		if r.ReferralCredited {
			return errNoChange
		}
		r.ReferralCredited = true
		return nil
	})
	if err != nil {
		// The referrer guard already holds; the flag is retried on next contact.
		s.Logger.WithError(err).WithField("user_id", rec.ID).Warn("Failed to flag referral as credited")
		return result, nil
	}
	result.Record = updated
	return result, nil
}

// creditReferrer applies the bonus for refereeID unless already applied.
func (s *Service) creditReferrer(ctx context.Context, referrerID, refereeID string) (bool, error) {
	var applied bool
	_, err := s.mutate(ctx, "referral_bonus", referrerID, func(r *UserRecord) error {
		applied = false
		if r.HasCreditedReferee(refereeID) {
			return errNoChange
		}
		r.CreditedReferees = append(r.CreditedReferees, refereeID)
		r.ReferralCount++
		r.Balance += s.Economy.ReferralBonus
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied {
		s.Logger.WithFields(logrus.Fields{
			"referrer_id": referrerID,
			"referee_id":  refereeID,
			"bonus":       s.Economy.ReferralBonus,
		}).Info("Referral bonus credited")
	}
	return applied, nil
}

// ListReferrals returns the referral link, count and referred users for id.
func (s *Service) ListReferrals(ctx context.Context, id string) (ReferralInfo, error) {
	rec, err := s.Store.Get(ctx, id)
	if err != nil {
		return ReferralInfo{}, s.classify("list_referrals", id, err)
	}
	referred, err := s.Store.ListReferredBy(ctx, id)
	if err != nil {
		return ReferralInfo{}, s.classify("list_referrals", id, err)
	}
	summaries := make([]ReferralSummary, 0, len(referred))
	for _, r := range referred {
		summaries = append(summaries, ReferralSummary{
			UserID:      r.ID,
			DisplayName: r.DisplayName,
			Balance:     r.Balance,
		})
	}
	return ReferralInfo{
		ReferralLink:  s.ReferralLink(rec.ID),
		ReferralCode:  rec.ReferralCode,
		ReferralCount: rec.ReferralCount,
		Referred:      summaries,
	}, nil
}
