// Command oz-monitor-migrate applies the relational schema the Tenant
// Repository View (C2) reads from (spec.md §6: tenant_monitors,
// tenant_networks, tenant_triggers, trigger_scripts). Adapted from the
// teacher's warren-migrate tool: same --dry-run/flag-driven CLI shape and
// step-by-step log.Println narration, swapped from a bbolt
// bucket-to-bucket copy onto a pgx schema-apply run since there is no
// bbolt-backed state left in this domain to migrate.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	databaseURL = flag.String("database-url", "", "Postgres connection string (required)")
	dryRun      = flag.Bool("dry-run", false, "Print the statements that would run without applying them")
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS tenant_networks (
		id SERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		network_id TEXT NOT NULL,
		name TEXT NOT NULL,
		blockchain TEXT NOT NULL,
		configuration JSONB NOT NULL DEFAULT '{}',
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS tenant_monitors (
		id SERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		monitor_id TEXT NOT NULL,
		network_id INTEGER NOT NULL REFERENCES tenant_networks(id),
		name TEXT NOT NULL,
		configuration JSONB NOT NULL DEFAULT '{}',
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS tenant_triggers (
		id SERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		trigger_id TEXT NOT NULL,
		monitor_id INTEGER NOT NULL REFERENCES tenant_monitors(id),
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		configuration JSONB NOT NULL DEFAULT '{}',
		is_active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS trigger_scripts (
		name TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		content TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT true,
		PRIMARY KEY (name, tenant_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tenant_networks_tenant ON tenant_networks (tenant_id) WHERE is_active`,
	`CREATE INDEX IF NOT EXISTS idx_tenant_monitors_tenant ON tenant_monitors (tenant_id) WHERE is_active`,
	`CREATE INDEX IF NOT EXISTS idx_tenant_triggers_tenant ON tenant_triggers (tenant_id) WHERE is_active`,
	`CREATE INDEX IF NOT EXISTS idx_tenant_triggers_monitor ON tenant_triggers (monitor_id)`,
}

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("OZ Monitor Schema Migration Tool")
	log.Println("================================")

	if *databaseURL == "" {
		log.Fatal("--database-url is required")
	}

	log.Printf("Dry run: %v", *dryRun)

	if *dryRun {
		log.Println("\n[DRY RUN] Would apply the following statements:")
		for i, stmt := range statements {
			log.Printf("%d. %s", i+1, stmt)
		}
		log.Println("\nDry run completed. No changes made.")
		return
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *databaseURL)
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer pool.Close()

	if err := applySchema(ctx, pool); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	log.Println("\n✓ Schema migration completed successfully!")
}

func applySchema(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
		log.Printf("✓ applied statement %d/%d", i+1, len(statements))
	}
	return nil
}
