// magnet-report renders an archived cooldown cycle as a PDF or CSV artifact.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/coldloop/magnetd/internal/report"
	"github.com/coldloop/magnetd/internal/telemetry"
)

func main() {
	dbPath := flag.String("db", "magnetd.db", "SQLite archive path")
	cycleID := flag.String("cycle", "", "cycle ID (default: most recent cycle)")
	output := flag.String("o", "cycle-report.pdf", "output file")
	format := flag.String("format", "pdf", "output format: pdf or csv")
	list := flag.Bool("list", false, "list archived cycles and exit")
	flag.Parse()

	db, err := telemetry.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open archive at %s: %v", *dbPath, err)
	}
	defer db.Close()

	if *list {
		listCycles(db)
		return
	}

	id := *cycleID
	if id == "" {
		id, err = db.LatestCycleID()
		if err != nil {
			log.Fatalf("Failed to find latest cycle: %v", err)
		}
		if id == "" {
			log.Fatal("Archive is empty")
		}
	}

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("Failed to create %s: %v", *output, err)
	}
	defer f.Close()

	switch *format {
	case "pdf":
		err = report.GeneratePDF(f, db, id)
	case "csv":
		err = report.ExportCSV(f, db, id)
	default:
		log.Fatalf("Unknown format %q: want pdf or csv", *format)
	}
	if err != nil {
		os.Remove(*output)
		log.Fatalf("Failed to generate report: %v", err)
	}
	fmt.Printf("Wrote %s report for cycle %s to %s\n", *format, id, *output)
}

func listCycles(db *telemetry.Store) {
	cycles, err := db.ListCycles()
	if err != nil {
		log.Fatalf("Failed to list cycles: %v", err)
	}
	if len(cycles) == 0 {
		fmt.Println("No cycles archived.")
		return
	}
	for _, c := range cycles {
		state := c.FinalState
		if c.FinishedAt == nil {
			state = "(running)"
		}
		fmt.Printf("%s  %-10s  %-11s  started %s\n",
			c.ID, c.Trigger, state, c.StartedAt.Format("2006-01-02 15:04:05"))
	}
}
