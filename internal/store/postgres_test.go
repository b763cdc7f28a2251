package store

import (
	"context"
	"os"
	"testing"

	"github.com/amishk599/harvester/internal/model"
)

func TestPostgres_JobStoreContract(t *testing.T) {
	url := os.Getenv("HARVESTER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("HARVESTER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	runJobStoreContract(t, func(t *testing.T) model.JobStore {
		pool, err := ConnectPostgres(ctx, url, 10)
		if err != nil {
			t.Fatalf("ConnectPostgres: %v", err)
		}
		t.Cleanup(pool.Close)
		s, err := NewPostgresStore(ctx, pool)
		if err != nil {
			t.Fatalf("NewPostgresStore: %v", err)
		}
		if _, err := pool.Exec(ctx, "TRUNCATE harvester_jobs"); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}
