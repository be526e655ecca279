package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/genfity/fulfillment/internal/di"
	domain "github.com/genfity/fulfillment/internal/domain"
	"github.com/genfity/fulfillment/internal/platform/config"
	"github.com/genfity/fulfillment/internal/services"
)

func newTestApp(t *testing.T) (*app, *bytes.Buffer) {
	t.Helper()
	cfg := config.Config{
		Ledger:  config.LedgerConfig{Driver: config.LedgerDriverMemory},
		Queue:   config.QueueConfig{Inline: true},
		Sweeper: config.SweeperConfig{GraceWindow: 24 * time.Hour},
	}
	container, err := di.NewContainer(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Close(context.Background()) })

	out := &bytes.Buffer{}
	return &app{out: out, container: container}, out
}

func run(t *testing.T, a *app, args ...string) error {
	t.Helper()
	root := newRootCommand(a)
	root.SetArgs(args)
	root.SetOut(a.out)
	return root.ExecuteContext(context.Background())
}

func placeUnpaid(t *testing.T, a *app) string {
	t.Helper()
	view, err := a.container.Services.Orders.PlaceOrder(context.Background(), services.PlaceOrderCommand{
		CustomerID: "cust_1",
		Currency:   "IDR",
		Items: []services.PlaceOrderItem{{
			Kind:          domain.LineItemKindProduct,
			CatalogItemID: "prod_p",
			Quantity:      1,
			UnitPrice:     decimal.NewFromInt(1000),
		}},
	})
	require.NoError(t, err)
	return view.Transaction.ID
}

func TestSweepCommandExpiresPastGraceWindow(t *testing.T) {
	a, out := newTestApp(t)
	id := placeUnpaid(t, a)

	at := time.Now().UTC().Add(25 * time.Hour).Format(time.RFC3339)
	require.NoError(t, run(t, a, "sweep", "--at", at))

	var result sweepOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &result))
	require.Equal(t, 1, result.Expired)

	view, err := a.container.Services.Orders.GetTransaction(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.TransactionStatusExpired, view.Transaction.Status)
}

func TestSweepCommandRejectsBadTime(t *testing.T) {
	a, _ := newTestApp(t)
	require.Error(t, run(t, a, "sweep", "--at", "tomorrow"))
}

func TestRecomputeCommandReportsEachTransaction(t *testing.T) {
	a, out := newTestApp(t)
	id := placeUnpaid(t, a)

	err := run(t, a, "recompute", id, "txn_missing")
	require.Error(t, err)

	var results []recomputeOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &results))
	require.Len(t, results, 2)
	require.Equal(t, id, results[0].TransactionID)
	require.Empty(t, results[0].Error)
	require.Equal(t, "txn_missing", results[1].TransactionID)
	require.NotEmpty(t, results[1].Error)
}

func TestImportSubscriptionsCommand(t *testing.T) {
	cases := map[string]string{
		"array":      `[{"userId":"cust_1","serviceId":"wa_basic","expireDate":"2030-01-01"},{"userId":"cust_2","serviceId":"wa_pro","expireDate":"2030-02-01"}]`,
		"json lines": "{\"userId\":\"cust_1\",\"serviceId\":\"wa_basic\",\"expireDate\":\"2030-01-01\"}\n\n{\"userId\":\"cust_2\",\"serviceId\":\"wa_pro\",\"expireDate\":\"2030-02-01\"}\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			a, out := newTestApp(t)
			path := filepath.Join(t.TempDir(), "legacy.json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

			require.NoError(t, run(t, a, "import-subscriptions", "--file", path))

			var result importOutput
			require.NoError(t, json.Unmarshal(out.Bytes(), &result))
			require.Equal(t, 2, result.Imported)
			require.Empty(t, result.Failures)
		})
	}
}

func TestImportSubscriptionsRequiresFile(t *testing.T) {
	a, _ := newTestApp(t)
	require.Error(t, run(t, a, "import-subscriptions"))
}

func TestReadLegacySubscriptionsRejectsBadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"userId\":\"cust_1\"}\nnot json\n"), 0o600))
	_, err := readLegacySubscriptions(path)
	require.ErrorContains(t, err, "line 2")
}
