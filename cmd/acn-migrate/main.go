// Command acn-migrate copies a node's embedded bolt database into Postgres
// so an existing deployment can switch backends. The Postgres schema is
// bootstrapped on connect; rows land as the same JSON documents both
// backends store, so a migrated node boots with ACN_DATABASE_URL set and
// nothing else changed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/acnlabs/acn/pkg/storage"
)

var (
	dataDir     = flag.String("data-dir", "./acn-data", "Node data directory holding acn.db")
	databaseURL = flag.String("database-url", "", "Target Postgres URL (default: ACN_DATABASE_URL)")
	dryRun      = flag.Bool("dry-run", false, "Count what would be migrated without writing")
)

// keyedBuckets map id→document; appendBuckets are sequence tables.
var (
	keyedBuckets  = []string{"agents", "subnets", "tasks", "participations", "dlq"}
	appendBuckets = []string{"activities", "audit_events"}
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags)
	log.Println("ACN Storage Migration Tool - bolt → Postgres")
	log.Println("=============================================")

	target := *databaseURL
	if target == "" {
		target = os.Getenv("ACN_DATABASE_URL")
	}
	if target == "" && !*dryRun {
		log.Fatal("A target database is required: pass --database-url or set ACN_DATABASE_URL")
	}

	dbPath := filepath.Join(*dataDir, "acn.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		log.Fatalf("Database not found at %s", dbPath)
	}

	log.Printf("Source: %s", dbPath)
	log.Printf("Dry run: %v", *dryRun)

	// The node must be stopped; a read-only open fails fast if it is not.
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		log.Fatalf("Failed to open source database (is the node stopped?): %v", err)
	}
	defer db.Close()

	counts, total, err := countRows(db)
	if err != nil {
		log.Fatalf("Failed to inspect source database: %v", err)
	}

	log.Println()
	for _, name := range append(append([]string{}, keyedBuckets...), appendBuckets...) {
		log.Printf("  %-15s %d row(s)", name, counts[name])
	}
	log.Printf("Found %d row(s) to migrate", total)

	if *dryRun {
		log.Println("\nDry run completed. No changes made.")
		log.Println("Run without --dry-run to perform the migration.")
		return
	}
	if total == 0 {
		log.Println("\n✓ Nothing to migrate")
		return
	}

	// Connecting bootstraps the schema.
	log.Println("\nConnecting to Postgres...")
	pg, err := storage.NewPostgresStore(target)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer pg.Close()
	log.Println("✓ Connected, schema ensured")

	migrated, skipped, err := copyRows(db, pg, total)
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	log.Printf("\n✓ Migration completed: %d row(s) copied, %d skipped", migrated, skipped)
	log.Println("The bolt database is untouched; keep it until the Postgres node is verified.")
	log.Println("Start the node with ACN_DATABASE_URL set to switch backends.")
}

func countRows(db *bolt.DB) (map[string]int, int, error) {
	counts := make(map[string]int)
	total := 0
	err := db.View(func(tx *bolt.Tx) error {
		for _, name := range append(append([]string{}, keyedBuckets...), appendBuckets...) {
			b := tx.Bucket([]byte(name))
			if b == nil {
				continue
			}
			n := b.Stats().KeyN
			counts[name] = n
			total += n
		}
		return nil
	})
	return counts, total, err
}

func copyRows(db *bolt.DB, pg *storage.PostgresStore, total int) (int, int, error) {
	ctx := context.Background()
	pool := pg.Pool()
	migrated, skipped := 0, 0

	copyBucket := func(tx *bolt.Tx, name string, keyed bool) error {
		b := tx.Bucket([]byte(name))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			if !json.Valid(v) {
				log.Printf("⚠ Warning: skipping invalid JSON in %s for key %s", name, k)
				skipped++
				return nil
			}

			var err error
			if keyed {
				sql := fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES ($1, $2)
					ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`, name)
				_, err = pool.Exec(ctx, sql, string(k), v)
			} else {
				_, err = pool.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (doc) VALUES ($1)`, name), v)
			}
			if err != nil {
				return fmt.Errorf("failed to copy %s/%s: %w", name, k, err)
			}

			migrated++
			if migrated%100 == 0 {
				log.Printf("  Migrated %d/%d...", migrated, total)
			}
			return nil
		})
	}

	err := db.View(func(tx *bolt.Tx) error {
		for _, name := range keyedBuckets {
			log.Printf("Migrating %s...", name)
			if err := copyBucket(tx, name, true); err != nil {
				return err
			}
		}
		for _, name := range appendBuckets {
			log.Printf("Migrating %s...", name)
			if err := copyBucket(tx, name, false); err != nil {
				return err
			}
		}
		return nil
	})
	return migrated, skipped, err
}
