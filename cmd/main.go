package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kass/go-geo-points/pkg/config"
)

var (
	configFile string
	v          = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "geopoints",
	Short: "Geographic points and messages with proximity search",
	Long: `geopoints stores named geographic points and the messages users leave on them,
and answers "what is near here" searches from an in-memory R-tree index.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create random points and messages for a user",
	RunE:  runSeed,
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search points or messages around a coordinate",
	RunE:  runSearch,
}

var nearestCmd = &cobra.Command{
	Use:   "nearest",
	Short: "List the points closest to a coordinate",
	RunE:  runNearest,
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a bearer token for a user id",
	RunE:  runToken,
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the spatial index from the store and report on it",
	RunE:  runReindex,
}

var (
	userID       int64
	numPoints    int
	numMessages  int
	seedLat      float64
	seedLon      float64
	centerLat    float64
	centerLon    float64
	spreadKm     float64
	searchRadius float64
	page         int
	pageSize     int
	numNeighbors int
	asJSON       bool
	onMessages   bool
	snapshotFile string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("env", "", "Environment: local, development or production")
	rootCmd.PersistentFlags().String("storage", "", "Storage driver: memory or postgres")
	bindFlag("env", rootCmd.PersistentFlags().Lookup("env"))
	bindFlag("storage.driver", rootCmd.PersistentFlags().Lookup("storage"))

	serveCmd.Flags().String("addr", "", "HTTP listen address")
	bindFlag("http.addr", serveCmd.Flags().Lookup("addr"))

	seedCmd.Flags().Int64VarP(&userID, "user", "u", 0, "Owner of the seeded points")
	seedCmd.Flags().IntVarP(&numPoints, "points", "p", 100, "Number of points to create")
	seedCmd.Flags().IntVarP(&numMessages, "messages", "m", 2, "Messages per point")
	seedCmd.Flags().Float64Var(&seedLat, "lat", 52.370216, "Latitude of the seeding area center")
	seedCmd.Flags().Float64Var(&seedLon, "lon", 4.895168, "Longitude of the seeding area center")
	seedCmd.Flags().Float64VarP(&spreadKm, "spread", "s", 25, "Seeding area radius in km")
	_ = seedCmd.MarkFlagRequired("user")

	for _, cmd := range []*cobra.Command{searchCmd, nearestCmd} {
		cmd.Flags().Float64Var(&centerLat, "lat", 0, "Latitude of the query center")
		cmd.Flags().Float64Var(&centerLon, "lon", 0, "Longitude of the query center")
		cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
		_ = cmd.MarkFlagRequired("lat")
		_ = cmd.MarkFlagRequired("lon")
	}
	searchCmd.Flags().Float64VarP(&searchRadius, "radius", "r", 10, "Search radius in km")
	searchCmd.Flags().IntVar(&page, "page", 1, "Page number")
	searchCmd.Flags().IntVar(&pageSize, "page-size", 0, "Page size (0 uses search.page_size)")
	searchCmd.Flags().BoolVar(&onMessages, "messages", false, "Search messages instead of points")
	nearestCmd.Flags().IntVarP(&numNeighbors, "neighbors", "n", 10, "Number of points to return")

	tokenCmd.Flags().Int64VarP(&userID, "user", "u", 0, "User id carried by the token")
	_ = tokenCmd.MarkFlagRequired("user")

	reindexCmd.Flags().StringVarP(&snapshotFile, "snapshot", "f", "", "Also write the rebuilt index to this gob file")

	rootCmd.AddCommand(serveCmd, seedCmd, searchCmd, nearestCmd, tokenCmd, reindexCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
