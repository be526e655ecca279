package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	domain "github.com/genfity/fulfillment/internal/domain"
	"github.com/genfity/fulfillment/internal/repositories"
)

var legacyDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006",
}

// SubscriptionImporterDeps bundles collaborators required to construct the importer.
type SubscriptionImporterDeps struct {
	Ledger repositories.LedgerStore
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type subscriptionImporter struct {
	ledger repositories.LedgerStore
	serviceRuntime
}

var _ SubscriptionImporter = (*subscriptionImporter)(nil)

// NewSubscriptionImporter constructs the adapter that folds legacy subscription rows into the ledger.
func NewSubscriptionImporter(deps SubscriptionImporterDeps) (SubscriptionImporter, error) {
	if deps.Ledger == nil {
		return nil, errors.New("subscription importer: ledger store is required")
	}
	return &subscriptionImporter{
		ledger:         deps.Ledger,
		serviceRuntime: newServiceRuntime(deps.Clock, nil, nil, deps.Logger),
	}, nil
}

// ParseLegacyDate parses the date formats found in exported legacy subscription rows. Values
// without a zone are read as UTC.
func ParseLegacyDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("date is empty")
	}
	for _, layout := range legacyDateLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", value)
}

type legacyEntry struct {
	key         domain.SubscriptionKey
	expiredAt   time.Time
	activatedAt time.Time
}

// Import merges rows by (user, service) keeping the latest expiry, then writes each subscription
// in its own store transaction. Existing subscriptions are only ever extended.
func (s *subscriptionImporter) Import(ctx context.Context, records []LegacySubscription) (ImportResult, error) {
	var result ImportResult
	now := s.now()

	merged := make(map[domain.SubscriptionKey]legacyEntry, len(records))
	for _, row := range records {
		key := domain.SubscriptionKey{CustomerID: strings.TrimSpace(row.UserID), PackageID: strings.TrimSpace(row.ServiceID)}
		if key.CustomerID == "" || key.PackageID == "" {
			result.Failures = append(result.Failures, ImportFailure{UserID: row.UserID, ServiceID: row.ServiceID, Err: fmt.Errorf("%w: userId and serviceId are required", ErrInvalidInput)})
			continue
		}
		expiredAt, err := ParseLegacyDate(row.ExpireDate)
		if err != nil {
			result.Failures = append(result.Failures, ImportFailure{UserID: row.UserID, ServiceID: row.ServiceID, Err: fmt.Errorf("%w: expireDate: %v", ErrInvalidInput, err)})
			continue
		}
		activatedAt := now
		if strings.TrimSpace(row.ActivatedAt) != "" {
			if parsed, err := ParseLegacyDate(row.ActivatedAt); err == nil {
				activatedAt = parsed
			}
		}
		entry, ok := merged[key]
		if !ok || expiredAt.After(entry.expiredAt) {
			merged[key] = legacyEntry{key: key, expiredAt: expiredAt, activatedAt: activatedAt}
		}
	}

	keys := make([]domain.SubscriptionKey, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		outcome, err := s.importOne(ctx, merged[key], now)
		if err != nil {
			result.Failures = append(result.Failures, ImportFailure{UserID: key.CustomerID, ServiceID: key.PackageID, Err: mapRepositoryError(err)})
			continue
		}
		switch outcome {
		case importCreated:
			result.Imported++
		case importExtended:
			result.Extended++
		default:
			result.Skipped++
		}
	}

	s.logger(ctx, "fulfillment.import.completed", map[string]any{
		"imported": result.Imported,
		"extended": result.Extended,
		"skipped":  result.Skipped,
		"failures": len(result.Failures),
	})
	return result, nil
}

type importOutcome int

const (
	importSkipped importOutcome = iota
	importCreated
	importExtended
)

func (s *subscriptionImporter) importOne(ctx context.Context, entry legacyEntry, now time.Time) (importOutcome, error) {
	var outcome importOutcome
	err := s.ledger.RunInTx(ctx, func(ctx context.Context, tx repositories.LedgerTx) error {
		outcome = importSkipped
		existing, found, err := lookupSubscription(ctx, tx, entry.key)
		if err != nil {
			return err
		}
		recordKey := domain.LegacyFulfillmentKey(entry.key.CustomerID, entry.key.PackageID)
		_, recordFound, err := lookupFulfillment(ctx, tx, recordKey)
		if err != nil {
			return err
		}

		if !recordFound {
			record := domain.FulfillmentRecord{
				TransactionID: recordKey.TransactionID,
				CatalogItemID: recordKey.CatalogItemID,
				CustomerID:    entry.key.CustomerID,
				Kind:          domain.LineItemKindWhatsAppService,
				Status:        domain.FulfillmentStatusDelivered,
				CompletedAt:   valuePtr(entry.activatedAt),
				CompletedBy:   "legacy-import",
				CreatedAt:     entry.activatedAt,
				UpdatedAt:     now,
			}
			if err := tx.CreateFulfillment(ctx, record); err != nil {
				return err
			}
		}

		if found && !entry.expiredAt.After(existing.ExpiredAt) {
			return nil
		}
		next := existing
		if !found {
			next = domain.Subscription{
				CustomerID:  entry.key.CustomerID,
				PackageID:   entry.key.PackageID,
				ActivatedAt: entry.activatedAt,
				CreatedAt:   now,
			}
			outcome = importCreated
		} else {
			outcome = importExtended
		}
		next.ExpiredAt = entry.expiredAt
		next.UpdatedAt = now
		return tx.PutSubscription(ctx, next)
	})
	return outcome, err
}
