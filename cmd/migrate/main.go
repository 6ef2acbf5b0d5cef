package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	migrate "github.com/rubenv/sql-migrate"

	"github.com/ignite/mailflow/internal/repository/postgres"
)

func main() {
	down := flag.Bool("down", false, "roll back instead of applying")
	limit := flag.Int("max", 0, "apply at most this many migrations, 0 for all")
	status := flag.Bool("status", false, "list applied migrations and exit")
	flag.Parse()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := postgres.Open(context.Background(), dsn, 2)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()
	log.Println("Connected to database")

	if *status {
		migrate.SetTable("schema_migrations")
		records, err := migrate.GetMigrationRecords(db, "postgres")
		if err != nil {
			log.Fatalf("read migration records: %v", err)
		}
		for _, r := range records {
			fmt.Printf("  %s  applied %s\n", r.Id, r.AppliedAt.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("Total: %d applied\n", len(records))
		return
	}

	dir := migrate.Up
	if *down {
		dir = migrate.Down
		if *limit == 0 {
			*limit = 1
		}
	}
	n, err := postgres.Migrate(db, dir, *limit)
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Printf("Done: %d migrations applied", n)
}
