package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "modernc.org/sqlite"
)

// verify_schema checks that a signal-engine database carries every
// table the migrations create. Point it at a db file with DB_PATH.
//
//	go run ./scripts/verify_schema.go

var expectedTables = []string{
	"sessions",
	"strategy_instances",
	"signals",
	"orders",
	"fills",
	"positions",
	"ticks",
	"users",
	"venue_credentials",
}

func main() {
	dbPath := os.Getenv("DB_PATH")
	if dbPath == "" {
		dbPath = "./data/signal_engine.db"
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	missing := 0
	for _, table := range expectedTables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		switch {
		case err == sql.ErrNoRows:
			fmt.Printf("❌ %s MISSING\n", table)
			missing++
		case err != nil:
			log.Fatalf("query sqlite_master: %v", err)
		default:
			fmt.Printf("✓ %s\n", table)
		}
	}
	if missing > 0 {
		log.Fatalf("%d of %d tables missing, run the engine once to apply migrations", missing, len(expectedTables))
	}
	fmt.Printf("All %d tables present.\n", len(expectedTables))
}
