// Package main is a diagnostic tool for testing database connectivity and
// inspecting live audit data. It connects to the database, counts rows in the
// engine's four tables, and prints a summary to stdout. The binary exits with
// a non-zero code on any failure so it can be embedded in health checks or
// CI/CD pipeline steps to gate deployments on a reachable, migrated database.
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/lib/pq"
)

func main() {
	dbPassword := os.Getenv("DATABASE_PASSWORD")
	if dbPassword == "" {
		dbPassword = "audit"
	}

	connStr := fmt.Sprintf("host=localhost port=5432 user=audit password=%s dbname=clinistock_audit sslmode=disable", dbPassword)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer db.Close()

	tables := []string{"audit_records", "stock_movements", "suspicious_flags", "backup_jobs"}
	for _, table := range tables {
		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&count); err != nil {
			log.Fatalf("Query failed for %s: %v", table, err)
		}
		fmt.Printf("%s: %d rows\n", table, count)
	}

	// An active backup job blocks new triggers, worth surfacing here.
	var activeJobs int
	if err := db.QueryRow("SELECT COUNT(*) FROM backup_jobs WHERE status IN ('initiated', 'running')").Scan(&activeJobs); err != nil {
		log.Fatalf("Query failed for active jobs: %v", err)
	}
	if activeJobs > 0 {
		fmt.Printf("WARNING: %d backup job(s) currently active\n", activeJobs)
	} else {
		fmt.Println("No active backup jobs")
	}
}
