package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/livesync/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	start := history.NewEvent(history.EventSubscribe)
	start.SubscriptionID = "projects_1_abc"
	start.Collection = "projects"
	if err := sink.Send(ctx, start); err != nil {
		t.Fatalf("Failed to send subscribe event: %v", err)
	}
	// duplicate ids are ignored
	if err := sink.Send(ctx, start); err != nil {
		t.Fatalf("Failed to resend subscribe event: %v", err)
	}

	stop := history.NewEvent(history.EventUnsubscribe)
	stop.SubscriptionID = start.SubscriptionID
	stop.Collection = "projects"
	if err := sink.Send(ctx, stop); err != nil {
		t.Fatalf("Failed to send unsubscribe event: %v", err)
	}

	var count int
	err = sink.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM subscription_history WHERE subscription_id = $1", start.SubscriptionID).Scan(&count)
	if err != nil {
		t.Fatalf("Failed to query subscription_history: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 events in history, got %d", count)
	}
}
