package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scoutfs/scoutd/pkg/log"
	"github.com/scoutfs/scoutd/pkg/metrics"
	"github.com/scoutfs/scoutd/pkg/scoutd"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "scoutd",
	Short:   "scoutd runs a ScoutFS volume's leader-side transactional storage server",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("scoutd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.Flags().String("device", "", "Path to the block device or image backing the volume (required)")
	rootCmd.Flags().String("db", "./scoutd.db", "Path to the item-tree store")
	rootCmd.Flags().Uint64("fsid", 0, "Filesystem identifier stamped in the super block (required)")
	rootCmd.Flags().Uint64("fs-version", 1, "Filesystem format version clients must match on GREETING")
	rootCmd.Flags().String("bind", "127.0.0.1:9977", "Address the RPC server listens on")
	rootCmd.Flags().String("metrics-bind", "127.0.0.1:9978", "Address the metrics/health HTTP server listens on")
	rootCmd.Flags().Duration("recovery-timeout", 30*time.Second, "Window mounted clients from the prior generation have to complete recovery before fencing")
	rootCmd.Flags().Int("majority-threshold", 1, "Quorum-eligible mount count the cluster must stay above for a farewell to proceed immediately")
	rootCmd.Flags().Uint64("max-data-zones", 0, "Upper bound on data_alloc_zone_blocks zone count; 0 disables the check")
	rootCmd.MarkFlagRequired("device")
	rootCmd.MarkFlagRequired("fsid")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runServe(cmd *cobra.Command, args []string) error {
	device, _ := cmd.Flags().GetString("device")
	dbPath, _ := cmd.Flags().GetString("db")
	fsid, _ := cmd.Flags().GetUint64("fsid")
	fsVersion, _ := cmd.Flags().GetUint64("fs-version")
	bind, _ := cmd.Flags().GetString("bind")
	metricsBind, _ := cmd.Flags().GetString("metrics-bind")
	recoveryTimeout, _ := cmd.Flags().GetDuration("recovery-timeout")
	majorityThreshold, _ := cmd.Flags().GetInt("majority-threshold")
	maxDataZones, _ := cmd.Flags().GetUint64("max-data-zones")

	s, err := scoutd.New(scoutd.Config{
		DevicePath:        device,
		DBPath:            dbPath,
		FSID:              fsid,
		Version:           fsVersion,
		BindAddr:          bind,
		RecoveryTimeout:   recoveryTimeout,
		MajorityThreshold: majorityThreshold,
		MaxDataZones:      maxDataZones,
	})
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	if err := s.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	metrics.SetVersion(Version)

	go func() {
		http.Handle("/metrics", metrics.Handler())
		http.Handle("/health", metrics.HealthHandler())
		http.Handle("/ready", metrics.ReadyHandler())
		http.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsBind, nil); err != nil {
			log.Logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Logger.Info().Str("addr", metricsBind).Msg("metrics and health endpoints listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Logger.Info().Msg("shutting down")

	if err := s.Stop(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Logger.Info().Msg("shutdown complete")
	return nil
}
