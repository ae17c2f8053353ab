package loyalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunSweep dispatches a named sweep job. Unknown names are a configuration
// error so schedulers fail loudly instead of silently doing nothing.
func (service *Service) RunSweep(ctx context.Context, jobName string) (SweepResult, error) {
	switch jobName {
	case JobRedemptionExpiry:
		return service.RunRedemptionExpiry(ctx)
	case JobInactivityExpiry:
		return service.RunInactivityExpiry(ctx)
	}
	return SweepResult{}, fmt.Errorf("%w: unknown sweep job %q", ErrConfiguration, jobName)
}

// RunRedemptionExpiry expires ISSUED/APPLIED redemptions whose expiry has
// passed. Whether the debited points flow back is governed per shop by the
// RestoreExpiredRedemptions setting. At most one run holds the job lock at a
// time; contention surfaces as ErrLockHeld.
func (service *Service) RunRedemptionExpiry(ctx context.Context) (SweepResult, error) {
	release, err := service.acquireJobLock(ctx, JobRedemptionExpiry)
	if err != nil {
		return SweepResult{}, err
	}
	defer release()

	now := service.nowFn()
	expired, err := service.store.ListExpiredRedemptions(ctx, now, defaultSweepBatchSize)
	if err != nil {
		return SweepResult{}, err
	}

	result := SweepResult{}
	for _, redemption := range expired {
		settings, err := service.settings.ShopSettings(ctx, redemption.Shop)
		if err != nil {
			return result, err
		}
		restore := settings.RestoreExpiredRedemptions
		err = service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			expiredRedemption := redemption
			expiredRedemption.Status = RedemptionExpired
			if restore {
				expiredRedemption.RestoredAt = &now
				expiredRedemption.RestoreReason = "expired unused"
			}
			if err := txStore.TransitionRedemption(ctx, expiredRedemption, []RedemptionStatus{RedemptionIssued, RedemptionApplied}); err != nil {
				return err
			}
			if !restore {
				return nil
			}
			entry := LedgerEntry{
				EntryID:     uuid.NewString(),
				Shop:        redemption.Shop,
				CustomerID:  redemption.CustomerID,
				Type:        EntryAdjust,
				Delta:       redemption.Points,
				Source:      SourceExpiry,
				SourceID:    redemption.RedemptionID,
				Description: fmt.Sprintf("Restored %d points from expired code %s", redemption.Points, redemption.Code),
				CreatedAt:   now,
			}
			if err := txStore.AppendLedgerEntry(ctx, entry); err != nil {
				return err
			}
			_, err := txStore.ApplyBalanceDelta(ctx, redemption.Shop, redemption.CustomerID, BalanceDelta{Delta: redemption.Points, IncRedeemed: -redemption.Points}, now)
			return err
		})
		if errors.Is(err, ErrRedemptionClosed) || errors.Is(err, ErrDuplicateEntry) {
			// Raced a consume or a previous sweep; already settled.
			continue
		}
		if err != nil {
			return result, err
		}
		result.ExpiredCount++
		if restore {
			result.PointsRestored += redemption.Points
		}
		service.logOperation(ctx, OperationLog{
			Operation:  operationRedemptionExpiry,
			Shop:       redemption.Shop,
			CustomerID: redemption.CustomerID,
			Points:     redemption.Points,
			Code:       redemption.Code,
		})
	}
	return result, nil
}

// RunInactivityExpiry zeroes balances whose last activity predates the shop's
// inactivity window. Eligibility is re-checked inside the transaction so a
// concurrent earn or redeem racing the sweep wins. The EXPIRE entry's source
// id is per-customer-per-day, making a same-day re-run a no-op.
func (service *Service) RunInactivityExpiry(ctx context.Context) (SweepResult, error) {
	release, err := service.acquireJobLock(ctx, JobInactivityExpiry)
	if err != nil {
		return SweepResult{}, err
	}
	defer release()

	result := SweepResult{}
	now := service.nowFn()
	shops, err := service.store.ListShopsWithBalances(ctx)
	if err != nil {
		return result, err
	}
	for _, shop := range shops {
		settings, err := service.settings.ShopSettings(ctx, shop)
		if err != nil {
			return result, err
		}
		if settings.PointsExpireInactivityDays <= 0 {
			continue
		}
		cutoff := now.AddDate(0, 0, -int(settings.PointsExpireInactivityDays))
		stale, err := service.store.ListInactiveBalances(ctx, shop, cutoff, defaultSweepBatchSize)
		if err != nil {
			return result, err
		}
		for _, aggregate := range stale {
			expired, err := service.expireInactiveBalance(ctx, aggregate, cutoff, now)
			if err != nil {
				return result, err
			}
			if expired {
				result.ExpiredCount++
			}
		}
	}
	return result, nil
}

func (service *Service) expireInactiveBalance(ctx context.Context, aggregate BalanceAggregate, cutoff time.Time, now time.Time) (bool, error) {
	expired := false
	err := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		current, err := txStore.GetBalance(ctx, aggregate.Shop, aggregate.CustomerID)
		if err != nil {
			return err
		}
		if current.Balance <= 0 || current.LastActivityAt.After(cutoff) {
			return nil
		}
		entry := LedgerEntry{
			EntryID:     uuid.NewString(),
			Shop:        current.Shop,
			CustomerID:  current.CustomerID,
			Type:        EntryExpire,
			Delta:       -current.Balance,
			Source:      SourceExpiry,
			SourceID:    current.CustomerID + ":" + now.Format(inactivityExpiryDayFormat),
			Description: fmt.Sprintf("Expired %d points after inactivity", current.Balance),
			CreatedAt:   now,
		}
		if err := txStore.AppendLedgerEntry(ctx, entry); err != nil {
			return err
		}
		if err := txStore.MarkBalanceExpired(ctx, current.Shop, current.CustomerID, current.Balance, now); err != nil {
			return err
		}
		expired = true
		return nil
	})
	if errors.Is(err, ErrDuplicateEntry) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if expired {
		service.logOperation(ctx, OperationLog{
			Operation:  operationInactivityExpiry,
			Shop:       aggregate.Shop,
			CustomerID: aggregate.CustomerID,
			Points:     aggregate.Balance,
		})
	}
	return expired, nil
}

func (service *Service) acquireJobLock(ctx context.Context, jobName string) (func(), error) {
	if service.locker == nil {
		return func() {}, nil
	}
	if err := service.locker.Acquire(ctx, jobName, defaultSweepLockTTL); err != nil {
		return nil, err
	}
	return func() {
		// Release is best-effort; the TTL reclaims a lock we fail to drop.
		_ = service.locker.Release(ctx, jobName)
	}, nil
}
