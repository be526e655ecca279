package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/genfity/fulfillment/internal/domain"
	"github.com/genfity/fulfillment/internal/repositories"
)

const defaultActivationLease = 2 * time.Minute

// SubscriptionActivatorDeps bundles collaborators required to construct the activator.
type SubscriptionActivatorDeps struct {
	Ledger repositories.LedgerStore
	// Provisioner is optional; without one activation only updates the ledger.
	Provisioner   Provisioner
	LeaseDuration time.Duration
	Clock         func() time.Time
	IDGenerator   func() string
	Events        FulfillmentEventPublisher
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type subscriptionActivator struct {
	ledger      repositories.LedgerStore
	provisioner Provisioner
	lease       time.Duration
	serviceRuntime
}

var _ SubscriptionActivator = (*subscriptionActivator)(nil)

// activationClaim is held between the claim and commit transactions of one attempt.
type activationClaim struct {
	key        domain.FulfillmentKey
	attemptID  string
	customerID string
	lineItemID string
	duration   domain.PackageDuration
	expiresAt  time.Time
}

// NewSubscriptionActivator constructs the messaging-service activator.
func NewSubscriptionActivator(deps SubscriptionActivatorDeps) (SubscriptionActivator, error) {
	if deps.Ledger == nil {
		return nil, errors.New("subscription activator: ledger store is required")
	}
	lease := deps.LeaseDuration
	if lease <= 0 {
		lease = defaultActivationLease
	}
	return &subscriptionActivator{
		ledger:         deps.Ledger,
		provisioner:    deps.Provisioner,
		lease:          lease,
		serviceRuntime: newServiceRuntime(deps.Clock, deps.IDGenerator, deps.Events, deps.Logger),
	}, nil
}

func (s *subscriptionActivator) Activate(ctx context.Context, cmd ActivateCommand) (domain.Subscription, error) {
	transactionID := strings.TrimSpace(cmd.TransactionID)
	if transactionID == "" {
		return domain.Subscription{}, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}
	actor := normalizeActor(cmd.ActorID)

	claim, err := s.claim(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ErrAlreadyActivated) {
			s.logger(ctx, "fulfillment.activation.duplicate", map[string]any{
				"transaction": transactionID,
				"error":       err.Error(),
			})
		}
		return domain.Subscription{}, err
	}

	if s.provisioner != nil {
		req := ProvisionRequest{
			TransactionID: transactionID,
			CustomerID:    claim.customerID,
			PackageID:     claim.key.CatalogItemID,
			AttemptID:     claim.attemptID,
			Duration:      claim.duration,
			ExpiresAt:     claim.expiresAt,
		}
		if err := s.provisioner.Provision(ctx, req); err != nil {
			return domain.Subscription{}, s.handleProvisionError(ctx, claim, actor, err)
		}
	}

	sub, err := s.commit(ctx, claim, actor)
	if err != nil {
		s.logger(ctx, "fulfillment.activation.commit.failed", map[string]any{
			"transaction": transactionID,
			"attempt":     claim.attemptID,
			"error":       err.Error(),
		})
		return domain.Subscription{}, err
	}
	return sub, nil
}

func (s *subscriptionActivator) FailActivation(ctx context.Context, cmd FailActivationCommand) (FailActivationResult, error) {
	transactionID := strings.TrimSpace(cmd.TransactionID)
	if transactionID == "" {
		return FailActivationResult{}, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}
	reason := strings.TrimSpace(cmd.Reason)
	if reason == "" {
		reason = "marked failed by operator"
	}
	return s.recordFailure(ctx, transactionID, "", normalizeActor(cmd.ActorID), reason)
}

func singleMessagingItem(snap *ledgerSnapshot) (int, error) {
	indexes := snap.messagingItems()
	if len(indexes) != 1 {
		return -1, fmt.Errorf("%w: transaction %s has %d messaging-service line items", ErrInvalidState, snap.txn.ID, len(indexes))
	}
	return indexes[0], nil
}

// nextExpiry extends an unexpired subscription from its current expiry and starts a fresh one otherwise.
func nextExpiry(existing domain.Subscription, found bool, duration domain.PackageDuration, now time.Time) time.Time {
	base := now
	if found && existing.ActiveAt(now) {
		base = existing.ExpiredAt
	}
	return duration.AddTo(base)
}

// claim takes the activation record for this attempt. A delivered record, a live lease held by
// another attempt, or a migrated legacy activation newer than the transaction all mean the
// subscription was already granted.
func (s *subscriptionActivator) claim(ctx context.Context, transactionID string) (activationClaim, error) {
	var claim activationClaim
	err := s.ledger.RunInTx(ctx, func(ctx context.Context, tx repositories.LedgerTx) error {
		now := s.now()
		snap, err := loadSnapshot(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		idx, err := singleMessagingItem(snap)
		if err != nil {
			return err
		}
		item := snap.items[idx]
		if !item.Duration.Valid() {
			return fmt.Errorf("%w: line item %s has no package duration", ErrInvalidState, item.ID)
		}
		if snap.payment.Status != domain.PaymentStatusPaid {
			return fmt.Errorf("%w: transaction %s payment is %s", ErrPaymentNotConfirmed, transactionID, snap.payment.Status)
		}

		key := domain.FulfillmentKey{TransactionID: transactionID, CatalogItemID: item.CatalogItemID}
		record, found, err := lookupFulfillment(ctx, tx, key)
		if err != nil {
			return err
		}
		if found {
			switch {
			case record.Status == domain.FulfillmentStatusDelivered:
				return fmt.Errorf("%w: transaction %s", ErrAlreadyActivated, transactionID)
			case record.Status == domain.FulfillmentStatusFailed:
				return fmt.Errorf("%w: activation for %s failed and needs manual remediation", ErrInvalidState, transactionID)
			case record.LeaseActive(now):
				return fmt.Errorf("%w: transaction %s", ErrActivationInProgress, transactionID)
			}
		}
		if snap.txn.Status.IsTerminal() {
			return fmt.Errorf("%w: transaction %s is %s", ErrInvalidState, transactionID, snap.txn.Status)
		}

		previous, err := tx.FulfillmentsForPackage(ctx, snap.txn.CustomerID, item.CatalogItemID, snap.txn.CreatedAt)
		if err != nil {
			return err
		}
		// Any other activation of the package recorded since this transaction was placed already
		// covers it, whether migrated or from a later transaction.
		for _, other := range previous {
			if other.Key() == key {
				continue
			}
			return fmt.Errorf("%w: activation %s covers transaction %s", ErrAlreadyActivated, other.Key(), transactionID)
		}

		subKey := domain.SubscriptionKey{CustomerID: snap.txn.CustomerID, PackageID: item.CatalogItemID}
		existing, subFound, err := lookupSubscription(ctx, tx, subKey)
		if err != nil {
			return err
		}

		attemptID := attemptIDPrefix + s.newID()
		if !found {
			record = domain.FulfillmentRecord{
				TransactionID: transactionID,
				CatalogItemID: item.CatalogItemID,
				LineItemID:    item.ID,
				CustomerID:    snap.txn.CustomerID,
				Kind:          item.Kind,
				CreatedAt:     now,
			}
		}
		record.Status = domain.FulfillmentStatusInProgress
		record.AttemptID = attemptID
		record.LeaseUntil = valuePtr(now.Add(s.lease))
		record.UpdatedAt = now

		if found {
			err = tx.PutFulfillment(ctx, record)
		} else {
			err = tx.CreateFulfillment(ctx, record)
		}
		if err != nil {
			return err
		}
		if item.Status == domain.LineItemStatusPending {
			snap.setItemStatus(idx, domain.LineItemStatusInProgress, now)
			if err := tx.PutLineItem(ctx, snap.items[idx]); err != nil {
				return err
			}
		}

		claim = activationClaim{
			key:        key,
			attemptID:  attemptID,
			customerID: snap.txn.CustomerID,
			lineItemID: item.ID,
			duration:   item.Duration,
			expiresAt:  nextExpiry(existing, subFound, item.Duration, now),
		}
		return nil
	})
	if err != nil {
		if repositories.IsConflict(err) {
			return activationClaim{}, fmt.Errorf("%w: concurrent activation for %s", ErrActivationInProgress, transactionID)
		}
		return activationClaim{}, mapRepositoryError(err)
	}
	return claim, nil
}

func (s *subscriptionActivator) commit(ctx context.Context, claim activationClaim, actor string) (domain.Subscription, error) {
	var (
		sub    domain.Subscription
		events []FulfillmentEvent
	)
	transactionID := claim.key.TransactionID
	err := s.ledger.RunInTx(ctx, func(ctx context.Context, tx repositories.LedgerTx) error {
		events = nil
		now := s.now()
		snap, err := loadSnapshot(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		idx, err := singleMessagingItem(snap)
		if err != nil {
			return err
		}
		record, err := tx.Fulfillment(ctx, claim.key)
		if err != nil {
			return fmt.Errorf("activation record %s: %w", claim.key, mapRepositoryError(err))
		}
		switch {
		case record.Status == domain.FulfillmentStatusDelivered:
			return fmt.Errorf("%w: transaction %s", ErrAlreadyActivated, transactionID)
		case record.Status == domain.FulfillmentStatusFailed:
			return fmt.Errorf("%w: activation for %s was marked failed", ErrInvalidState, transactionID)
		case record.AttemptID != claim.attemptID:
			return fmt.Errorf("%w: attempt %s superseded for %s", ErrAlreadyActivated, claim.attemptID, transactionID)
		}

		subKey := domain.SubscriptionKey{CustomerID: snap.txn.CustomerID, PackageID: claim.key.CatalogItemID}
		existing, found, err := lookupSubscription(ctx, tx, subKey)
		if err != nil {
			return err
		}

		next := existing
		if !found {
			next = domain.Subscription{
				CustomerID: subKey.CustomerID,
				PackageID:  subKey.PackageID,
				CreatedAt:  now,
			}
		}
		next.ExpiredAt = nextExpiry(existing, found, snap.items[idx].Duration, now)
		next.LastTransactionID = transactionID
		next.ActivatedAt = now
		next.UpdatedAt = now

		record.Status = domain.FulfillmentStatusDelivered
		record.CompletedAt = valuePtr(now)
		record.CompletedBy = actor
		record.LeaseUntil = nil
		record.UpdatedAt = now

		snap.setItemStatus(idx, domain.LineItemStatusSuccess, now)
		settled := snap.settle(now)

		if err := tx.PutSubscription(ctx, next); err != nil {
			return err
		}
		if err := tx.PutFulfillment(ctx, record); err != nil {
			return err
		}
		if err := tx.PutLineItem(ctx, snap.items[idx]); err != nil {
			return err
		}
		if err := snap.writeTransactionIfChanged(ctx, tx, settled); err != nil {
			return err
		}

		metadata := map[string]any{
			"packageId": subKey.PackageID,
			"duration":  string(snap.items[idx].Duration),
			"expiredAt": next.ExpiredAt.Format(time.RFC3339),
			"extended":  found && existing.ActiveAt(now),
		}
		if found {
			metadata["previousExpiredAt"] = existing.ExpiredAt.Format(time.RFC3339)
		}
		events = append(events, FulfillmentEvent{
			Type:          EventSubscriptionActivated,
			TransactionID: transactionID,
			LineItemID:    snap.items[idx].ID,
			CustomerID:    snap.txn.CustomerID,
			CurrentStatus: string(domain.LineItemStatusSuccess),
			ActorID:       actor,
			OccurredAt:    now,
			Metadata:      metadata,
		})
		events = append(events, statusChangedEvent(snap, settled, actor, now)...)
		sub = next
		return nil
	})
	if err != nil {
		return domain.Subscription{}, mapRepositoryError(err)
	}

	s.logger(ctx, "fulfillment.activation.completed", map[string]any{
		"transaction": transactionID,
		"customer":    sub.CustomerID,
		"package":     sub.PackageID,
		"expiredAt":   sub.ExpiredAt.Format(time.RFC3339),
		"actor":       actor,
	})
	s.publish(ctx, events...)
	return sub, nil
}

func (s *subscriptionActivator) handleProvisionError(ctx context.Context, claim activationClaim, actor string, provisionErr error) error {
	transactionID := claim.key.TransactionID
	if IsRetryable(provisionErr) || errors.Is(provisionErr, context.Canceled) {
		s.release(context.WithoutCancel(ctx), claim)
		s.logger(ctx, "fulfillment.activation.provision.retryable", map[string]any{
			"transaction": transactionID,
			"attempt":     claim.attemptID,
			"error":       provisionErr.Error(),
		})
		return fmt.Errorf("%w: provisioning %s: %v", ErrTransient, transactionID, provisionErr)
	}

	if _, err := s.recordFailure(ctx, transactionID, claim.attemptID, actor, provisionErr.Error()); err != nil {
		s.logger(ctx, "fulfillment.activation.failure.record_failed", map[string]any{
			"transaction": transactionID,
			"attempt":     claim.attemptID,
			"error":       err.Error(),
		})
		return err
	}
	return fmt.Errorf("%w: transaction %s: %v", ErrActivationFailed, transactionID, provisionErr)
}

// release hands the claim back so a retry does not wait for the lease to lapse.
func (s *subscriptionActivator) release(ctx context.Context, claim activationClaim) {
	err := s.ledger.RunInTx(ctx, func(ctx context.Context, tx repositories.LedgerTx) error {
		record, found, err := lookupFulfillment(ctx, tx, claim.key)
		if err != nil {
			return err
		}
		if !found || record.AttemptID != claim.attemptID || record.Status != domain.FulfillmentStatusInProgress {
			return nil
		}
		record.Status = domain.FulfillmentStatusPending
		record.AttemptID = ""
		record.LeaseUntil = nil
		record.UpdatedAt = s.now()
		return tx.PutFulfillment(ctx, record)
	})
	if err != nil {
		s.logger(ctx, "fulfillment.activation.release.failed", map[string]any{
			"transaction": claim.key.TransactionID,
			"attempt":     claim.attemptID,
			"error":       err.Error(),
		})
	}
}

// recordFailure marks the messaging record and line item failed and aggregates the parent.
// A non-empty attemptID restricts the write to the attempt that still owns the claim.
func (s *subscriptionActivator) recordFailure(ctx context.Context, transactionID, attemptID, actor, reason string) (FailActivationResult, error) {
	var (
		result FailActivationResult
		events []FulfillmentEvent
	)
	err := s.ledger.RunInTx(ctx, func(ctx context.Context, tx repositories.LedgerTx) error {
		result = FailActivationResult{}
		events = nil
		now := s.now()
		snap, err := loadSnapshot(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		idx, err := singleMessagingItem(snap)
		if err != nil {
			return err
		}
		item := snap.items[idx]
		key := domain.FulfillmentKey{TransactionID: transactionID, CatalogItemID: item.CatalogItemID}
		record, found, err := lookupFulfillment(ctx, tx, key)
		if err != nil {
			return err
		}

		if found {
			switch {
			case record.Status == domain.FulfillmentStatusDelivered:
				return fmt.Errorf("%w: subscription for %s already activated", ErrInvalidState, transactionID)
			case record.Status == domain.FulfillmentStatusFailed:
				result = FailActivationResult{Record: record, TransactionStatus: snap.txn.Status, AlreadyFailed: true}
				return nil
			case attemptID != "" && record.AttemptID != attemptID:
				return fmt.Errorf("%w: attempt %s superseded for %s", ErrAlreadyActivated, attemptID, transactionID)
			}
		}
		if snap.txn.Status.IsTerminal() {
			return fmt.Errorf("%w: transaction %s is %s", ErrInvalidState, transactionID, snap.txn.Status)
		}

		if !found {
			record = domain.FulfillmentRecord{
				TransactionID: transactionID,
				CatalogItemID: item.CatalogItemID,
				LineItemID:    item.ID,
				CustomerID:    snap.txn.CustomerID,
				Kind:          item.Kind,
				CreatedAt:     now,
			}
		}
		record.Status = domain.FulfillmentStatusFailed
		record.FailureReason = reason
		record.CompletedBy = actor
		record.LeaseUntil = nil
		record.UpdatedAt = now

		snap.setItemStatus(idx, domain.LineItemStatusFailed, now)
		settled := snap.settle(now)

		if found {
			err = tx.PutFulfillment(ctx, record)
		} else {
			err = tx.CreateFulfillment(ctx, record)
		}
		if err != nil {
			return err
		}
		if err := tx.PutLineItem(ctx, snap.items[idx]); err != nil {
			return err
		}
		if err := snap.writeTransactionIfChanged(ctx, tx, settled); err != nil {
			return err
		}

		result = FailActivationResult{Record: record, TransactionStatus: settled.Status}
		events = append(events, FulfillmentEvent{
			Type:          EventSubscriptionFailed,
			TransactionID: transactionID,
			LineItemID:    item.ID,
			CustomerID:    snap.txn.CustomerID,
			CurrentStatus: string(domain.LineItemStatusFailed),
			ActorID:       actor,
			OccurredAt:    now,
			Metadata: map[string]any{
				"packageId": item.CatalogItemID,
				"reason":    reason,
			},
		})
		events = append(events, statusChangedEvent(snap, settled, actor, now)...)
		return nil
	})
	if err != nil {
		return FailActivationResult{}, mapRepositoryError(err)
	}
	if result.AlreadyFailed {
		return result, nil
	}

	s.logger(ctx, "fulfillment.activation.failed", map[string]any{
		"transaction": transactionID,
		"status":      string(result.TransactionStatus),
		"reason":      reason,
		"actor":       actor,
	})
	s.publish(ctx, events...)
	return result, nil
}
