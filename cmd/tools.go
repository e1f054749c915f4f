package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/kass/go-geo-points/pkg/config"
	"github.com/kass/go-geo-points/pkg/geo"
	"github.com/kass/go-geo-points/pkg/models"
)

var headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BE9FD")).Padding(0, 1)

func runSeed(cmd *cobra.Command, _ []string) error {
	if userID <= 0 {
		return errors.New("--user must be positive")
	}
	center, err := geo.NewLocation(seedLat, seedLon)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	if a.cfg.Storage.Driver == config.DriverMemory {
		a.log.WarnContext(cmd.Context(), "Seeding the memory driver, data is lost when the command exits")
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	start := time.Now()
	var points, messages int
	for i := range numPoints {
		loc := geo.RandomAround(r, center, spreadKm)
		p, err := a.store.CreatePoint(cmd.Context(), userID, models.PointInput{
			Name:       fmt.Sprintf("Seed %d", i+1),
			Coordinate: models.CoordinateInput{Latitude: &loc.Lat, Longitude: &loc.Lon},
		})
		if err != nil {
			return fmt.Errorf("failed to create point %d: %w", i+1, err)
		}
		points++

		for j := range numMessages {
			_, err := a.store.CreateMessage(cmd.Context(), userID, models.MessageInput{
				PointID: p.ID,
				Text:    fmt.Sprintf("Note %d on %s", j+1, p.DisplayName()),
			})
			if err != nil {
				return fmt.Errorf("failed to create message on point %d: %w", p.ID, err)
			}
			messages++
		}
	}

	fmt.Printf("Created %d points and %d messages for user %d in %v\n", points, messages, userID, time.Since(start))
	fmt.Printf("Index now holds %d points\n", a.store.IndexedCount())
	return nil
}

func runSearch(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	q := models.SearchQuery{
		Center:   models.Location{Lat: centerLat, Lon: centerLon},
		RadiusKm: searchRadius,
		Page:     page,
		PageSize: pageSize,
	}

	if onMessages {
		result, err := a.engine.SearchMessages(cmd.Context(), q)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(result)
		}
		rows := make([][]string, 0, len(result.Items))
		for _, hit := range result.Items {
			rows = append(rows, []string{
				strconv.FormatInt(hit.Message.ID, 10),
				hit.Point.Name,
				formatKm(hit.DistanceKm),
				hit.Message.Text,
			})
		}
		printTable([]string{"ID", "Point", "Distance", "Text"}, rows)
		fmt.Printf("Page %d, %d of %d messages\n", result.Page, len(result.Items), result.Count)
		return nil
	}

	result, err := a.engine.SearchPoints(cmd.Context(), q)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(result)
	}
	printTable(pointHeaders, pointRows(result.Items))
	fmt.Printf("Page %d, %d of %d points\n", result.Page, len(result.Items), result.Count)
	return nil
}

func runNearest(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	hits, err := a.engine.NearestPoints(cmd.Context(), models.Location{Lat: centerLat, Lon: centerLon}, numNeighbors)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(hits)
	}
	printTable(pointHeaders, pointRows(hits))
	return nil
}

func runToken(_ *cobra.Command, _ []string) error {
	cfg := config.MustLoad(v, configFile)
	a := &app{cfg: cfg}
	tokens, err := a.tokens()
	if err != nil {
		return err
	}

	token, claims, err := tokens.Issue(userID)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", time.Unix(claims.ExpiresAt, 0).UTC().Format(time.RFC3339))
	return nil
}

func runReindex(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	n, err := a.store.Rebuild(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Rebuilt index with %d points in %v\n", n, time.Since(start))

	sizes := a.index.PartitionSizes()
	rows := make([][]string, 0, len(sizes))
	for i, size := range sizes {
		rows = append(rows, []string{strconv.Itoa(i), strconv.Itoa(size)})
	}
	printTable([]string{"Partition", "Points"}, rows)

	if a.pg != nil {
		stats, err := a.pg.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Database: %d points, %d messages, tables %s, indexes %s\n",
			stats.Points, stats.Messages, stats.TableSize, stats.IndexSize)
	}

	if snapshotFile != "" {
		if err := a.index.SaveToFile(snapshotFile); err != nil {
			return err
		}
		fmt.Printf("Index snapshot saved to %s\n", snapshotFile)
	}
	return nil
}

var pointHeaders = []string{"ID", "Name", "Latitude", "Longitude", "Distance"}

func pointRows(hits []models.PointHit) [][]string {
	rows := make([][]string, 0, len(hits))
	for _, hit := range hits {
		rows = append(rows, []string{
			strconv.FormatInt(hit.Point.ID, 10),
			hit.Point.DisplayName(),
			strconv.FormatFloat(geo.Round(hit.Point.Location.Lat, 6), 'f', -1, 64),
			strconv.FormatFloat(geo.Round(hit.Point.Location.Lon, 6), 'f', -1, 64),
			formatKm(hit.DistanceKm),
		})
	}
	return rows
}

func formatKm(d float64) string {
	return strconv.FormatFloat(geo.Round(d, 2), 'f', 2, 64) + " km"
}

func printTable(headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4"))).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return lipgloss.NewStyle().Padding(0, 1)
		}).
		Headers(headers...).
		Rows(rows...)
	fmt.Println(t)
}

func printJSON(data any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}
