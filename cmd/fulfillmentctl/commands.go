package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/genfity/fulfillment/internal/services"
)

type sweepOutput struct {
	Expired  int             `json:"expired"`
	Scanned  int             `json:"scanned"`
	Failures []failureOutput `json:"failures,omitempty"`
}

type failureOutput struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func newSweepCommand(a *app) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire transactions whose payment grace window has passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var now time.Time
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				now = parsed
			}
			result, err := a.container.Services.Sweeper.SweepExpired(cmd.Context(), now)
			if err != nil {
				return err
			}
			out := sweepOutput{Expired: result.Expired, Scanned: result.Scanned}
			for _, failure := range result.Failures {
				out.Failures = append(out.Failures, failureOutput{ID: failure.TransactionID, Error: failure.Err.Error()})
			}
			return a.printJSON(out)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate the grace window as of this RFC3339 time instead of now")
	return cmd
}

type recomputeOutput struct {
	TransactionID string `json:"transaction_id"`
	Previous      string `json:"previous,omitempty"`
	Status        string `json:"status,omitempty"`
	Changed       bool   `json:"changed"`
	Error         string `json:"error,omitempty"`
}

func newRecomputeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "recompute TRANSACTION_ID...",
		Short: "Recompute parent transaction statuses from their children",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outputs := make([]recomputeOutput, 0, len(args))
			failed := 0
			for _, id := range args {
				result, err := a.container.Services.Aggregator.Recompute(cmd.Context(), id)
				if err != nil {
					failed++
					outputs = append(outputs, recomputeOutput{TransactionID: id, Error: err.Error()})
					continue
				}
				outputs = append(outputs, recomputeOutput{
					TransactionID: result.TransactionID,
					Previous:      string(result.Previous),
					Status:        string(result.Status),
					Changed:       result.Changed,
				})
			}
			if err := a.printJSON(outputs); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("recompute failed for %d of %d transactions", failed, len(args))
			}
			return nil
		},
	}
}

type importOutput struct {
	Imported int             `json:"imported"`
	Extended int             `json:"extended"`
	Skipped  int             `json:"skipped"`
	Failures []failureOutput `json:"failures,omitempty"`
}

func newImportSubscriptionsCommand(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import-subscriptions",
		Short: "Merge legacy subscription rows into the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := readLegacySubscriptions(file)
			if err != nil {
				return err
			}
			result, err := a.container.Services.Importer.Import(cmd.Context(), records)
			if err != nil {
				return err
			}
			out := importOutput{Imported: result.Imported, Extended: result.Extended, Skipped: result.Skipped}
			for _, failure := range result.Failures {
				out.Failures = append(out.Failures, failureOutput{
					ID:    failure.UserID + "/" + failure.ServiceID,
					Error: failure.Err.Error(),
				})
			}
			return a.printJSON(out)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON array or JSON-lines export of legacy subscriptions")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// readLegacySubscriptions accepts a JSON array or one JSON object per line.
func readLegacySubscriptions(path string) ([]services.LegacySubscription, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("legacy export is empty")
	}
	if trimmed[0] == '[' {
		var records []services.LegacySubscription
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return records, nil
	}

	var records []services.LegacySubscription
	reader := bufio.NewReader(bytes.NewReader(trimmed))
	for line := 1; ; line++ {
		chunk, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(chunk)) > 0 {
			var record services.LegacySubscription
			if decodeErr := json.Unmarshal(chunk, &record); decodeErr != nil {
				return nil, fmt.Errorf("decode %s line %d: %w", path, line, decodeErr)
			}
			records = append(records, record)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}
	return records, nil
}
