// Package main provides a tool to export a device's journeys to KML format.
// KML (Keyhole Markup Language) files can be viewed in Google Earth, Google Maps, and
// other mapping applications. Journeys with a current map-matched route are
// drawn along it; the others follow their recorded points.
package main

import (
	"context"
	"encoding/xml"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"notecard_fleet/internal/app"
	"notecard_fleet/internal/config"
	"notecard_fleet/internal/history"
	"notecard_fleet/internal/logging"
	"notecard_fleet/internal/mergequery"
	"notecard_fleet/internal/storage"
)

func main() {
	cfg, err := config.Load(config.PathFromArgs(os.Args[1:]))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	fs := flag.NewFlagSet("kmlexport", flag.ExitOnError)
	fs.String("config", "", "YAML configuration file")
	cfg.RegisterFlags(fs)
	key := fs.String("key", "", "Serial number or hardware id")
	start := fs.Int64("start", 0, "Earliest journey start, milliseconds")
	end := fs.Int64("end", 0, "Latest journey start, milliseconds")
	limit := fs.Int("limit", 50, "Most recent journeys to export")
	status := fs.String("status", "", "Only journeys with this status")
	output := fs.String("output", "", "Output KML file (default: stdout)")
	showStats := fs.Bool("stats", false, "Show telemetry row counts per device instead (requires -clickhouse)")
	verbose := fs.Bool("v", false, "Verbose output")
	_ = fs.Parse(os.Args[1:])

	closer, err := logging.Setup(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx := context.Background()

	a, err := app.Open(ctx, cfg, logrus.StandardLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening storage: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	// Show stats mode.
	if *showStats {
		if err := showTelemetryStats(ctx, a.DB); err != nil {
			fmt.Fprintf(os.Stderr, "Error reading stats: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *key == "" {
		fmt.Fprintln(os.Stderr, "-key is required")
		os.Exit(2)
	}

	q := history.JourneyQuery{Window: history.Window{
		Key:   *key,
		Start: *start,
		End:   *end,
		Limit: *limit,
		Order: mergequery.Descending,
	}}
	if *status != "" {
		q.Status = storage.AttrFilter{Present: true, Value: *status}
	}

	list, err := a.History.Journeys(ctx, q)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error querying journeys: %v\n", err)
		os.Exit(1)
	}

	if len(list.Items) == 0 {
		fmt.Fprintf(os.Stderr, "No journeys found matching criteria\n")
		os.Exit(0)
	}

	details := make([]*history.JourneyDetail, 0, len(list.Items))
	for _, id := range journeyIDs(list.Items) {
		d, err := a.History.Journey(ctx, *key, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading journey %d: %v\n", id, err)
			os.Exit(1)
		}
		details = append(details, d)
	}

	if *verbose {
		fmt.Fprintf(os.Stderr, "Exporting %d journeys for %s to KML\n", len(details), list.SerialNumber)
	}

	// Generate KML.
	kml := generateKML(list.SerialNumber, details, time.Now())

	// Marshal to XML.
	xmlData, err := xml.MarshalIndent(kml, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating KML: %v\n", err)
		os.Exit(1)
	}

	// Add XML header.
	xmlOutput := xml.Header + string(xmlData)

	// Write output.
	if *output != "" {
		if err := os.WriteFile(*output, []byte(xmlOutput), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing file: %v\n", err)
			os.Exit(1)
		}
		if *verbose {
			fmt.Fprintf(os.Stderr, "Wrote %s\n", *output)
		}
	} else {
		fmt.Println(xmlOutput)
	}
}

// showTelemetryStats displays the telemetry row count of every device.
func showTelemetryStats(ctx context.Context, db *storage.DB) error {
	if db.CH == nil {
		return fmt.Errorf("telemetry stats need the ClickHouse store")
	}

	counts, err := db.CH.CountByDevice(ctx)
	if err != nil {
		return err
	}

	devices := make([]string, 0, len(counts))
	var total uint64
	for d, n := range counts {
		devices = append(devices, d)
		total += n
	}
	sort.Slice(devices, func(i, j int) bool { return counts[devices[i]] > counts[devices[j]] })

	fmt.Println("Telemetry Statistics")
	fmt.Println("────────────────────")
	fmt.Printf("Devices:             %d\n", len(devices))
	fmt.Printf("Total readings:      %d\n", total)

	fmt.Println("\nReadings per device:")
	fmt.Printf("%-30s %10s\n", "Device", "Count")
	for _, d := range devices {
		fmt.Printf("%-30s %10d\n", d, counts[d])
	}
	return nil
}
