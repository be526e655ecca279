//go:build integration

package firestore

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/ory/dockertest/v3"

	pconfig "github.com/genfity/fulfillment/internal/platform/config"
	pfirestore "github.com/genfity/fulfillment/internal/platform/firestore"
	"github.com/genfity/fulfillment/internal/repositories"
	"github.com/genfity/fulfillment/internal/repositories/ledgertest"
)

const (
	emulatorRepository = "gcr.io/google.com/cloudsdktool/cloud-sdk"
	emulatorTag        = "emulators"
)

func TestLedgerContractOnEmulator(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	endpoint := startEmulator(t)

	ledgertest.Run(t, func(t *testing.T) repositories.LedgerStore {
		// A fresh project per subtest isolates the collections.
		provider := pfirestore.NewProvider(pconfig.FirestoreConfig{
			ProjectID:    "ledger-" + ulid.Make().String(),
			EmulatorHost: endpoint,
		})
		ledger, err := NewLedger(provider)
		if err != nil {
			t.Fatalf("new ledger: %v", err)
		}
		t.Cleanup(func() { _ = ledger.Close(context.Background()) })
		return ledger
	})
}

func startEmulator(t *testing.T) string {
	t.Helper()
	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker daemon not reachable: %v", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository:   emulatorRepository,
		Tag:          emulatorTag,
		Cmd:          []string{"gcloud", "beta", "emulators", "firestore", "start", "--host-port=0.0.0.0:8080", "--quiet"},
		ExposedPorts: []string{"8080/tcp"},
	})
	if err != nil {
		t.Fatalf("start firestore emulator: %v", err)
	}
	t.Cleanup(func() { _ = pool.Purge(resource) })
	_ = resource.Expire(300)

	endpoint := fmt.Sprintf("127.0.0.1:%s", resource.GetPort("8080/tcp"))
	pool.MaxWait = 90 * time.Second
	if err := pool.Retry(func() error {
		conn, err := net.DialTimeout("tcp", endpoint, time.Second)
		if err != nil {
			return err
		}
		return conn.Close()
	}); err != nil {
		t.Fatalf("firestore emulator not ready: %v", err)
	}
	return endpoint
}
