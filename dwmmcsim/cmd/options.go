package cmd

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// A flag that is not set on the command line falls back to its environment
// variable, and then to the flag default.

func stringOption(cmd *cobra.Command, flag, env string) string {
	v, _ := cmd.Flags().GetString(flag)
	if cmd.Flags().Changed(flag) {
		return v
	}

	if s, ok := os.LookupEnv(env); ok {
		return s
	}

	return v
}

func intOption(cmd *cobra.Command, flag, env string) int {
	v, _ := cmd.Flags().GetInt(flag)
	if cmd.Flags().Changed(flag) {
		return v
	}

	if s, ok := os.LookupEnv(env); ok {
		n, err := strconv.Atoi(s)
		if err != nil {
			log.Fatalf("Invalid %s %q: %v", env, s, err)
		}

		return n
	}

	return v
}

func uintOption(cmd *cobra.Command, flag, env string) uint64 {
	s := stringOption(cmd, flag, env)

	n, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		log.Fatalf("Invalid %s %q: %v", flag, s, err)
	}

	return n
}

func boolOption(cmd *cobra.Command, flag, env string) bool {
	v, _ := cmd.Flags().GetBool(flag)
	if cmd.Flags().Changed(flag) {
		return v
	}

	if s, ok := os.LookupEnv(env); ok {
		b, err := strconv.ParseBool(s)
		if err != nil {
			log.Fatalf("Invalid %s %q: %v", env, s, err)
		}

		return b
	}

	return v
}

func durationOption(cmd *cobra.Command, flag, env string) time.Duration {
	v, _ := cmd.Flags().GetDuration(flag)
	if cmd.Flags().Changed(flag) {
		return v
	}

	if s, ok := os.LookupEnv(env); ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			log.Fatalf("Invalid %s %q: %v", env, s, err)
		}

		return d
	}

	return v
}

func addBenchFlags(cmd *cobra.Command) {
	cmd.Flags().String("bus-hz", "200000000",
		"CIU source clock in Hz [DWMMC_BUS_HZ]")
	cmd.Flags().String("clock", "50000000",
		"Card clock in Hz [DWMMC_CLOCK]")
	cmd.Flags().Int("width", 4, "Bus width, 1, 4 or 8 [DWMMC_WIDTH]")
	cmd.Flags().Bool("pio", false,
		"Move data through the FIFO instead of DMA [DWMMC_PIO]")
	cmd.Flags().Int("ring", 128,
		"Number of DMA descriptors [DWMMC_RING_CAPACITY]")
	cmd.Flags().Int("fifo-depth", 32,
		"FIFO depth of the modeled hardware in words [DWMMC_FIFO_DEPTH]")
	cmd.Flags().String("trace", "none",
		"Trace backend: none, json, sqlite or clickhouse [DWMMC_TRACE]")
	cmd.Flags().String("db", "",
		"SQLite file name without extension [DWMMC_DB]")
	cmd.Flags().String("clickhouse", "localhost:9000",
		"ClickHouse native address [DWMMC_CLICKHOUSE_ADDR]")
	cmd.Flags().String("clickhouse-db", "default",
		"ClickHouse database [DWMMC_CLICKHOUSE_DB]")
}

func benchConfigFromFlags(cmd *cobra.Command) benchConfig {
	return benchConfig{
		BusHz:        uint32(uintOption(cmd, "bus-hz", "DWMMC_BUS_HZ")),
		ClockHz:      uint32(uintOption(cmd, "clock", "DWMMC_CLOCK")),
		BusWidth:     intOption(cmd, "width", "DWMMC_WIDTH"),
		PIO:          boolOption(cmd, "pio", "DWMMC_PIO"),
		RingCapacity: intOption(cmd, "ring", "DWMMC_RING_CAPACITY"),
		FIFODepth:    uint32(intOption(cmd, "fifo-depth", "DWMMC_FIFO_DEPTH")),
		Trace: traceConfig{
			Backend:      stringOption(cmd, "trace", "DWMMC_TRACE"),
			DBPath:       stringOption(cmd, "db", "DWMMC_DB"),
			ClickHouse:   stringOption(cmd, "clickhouse", "DWMMC_CLICKHOUSE_ADDR"),
			ClickHouseDB: stringOption(cmd, "clickhouse-db", "DWMMC_CLICKHOUSE_DB"),
			Username:     os.Getenv("DWMMC_CLICKHOUSE_USER"),
			Password:     os.Getenv("DWMMC_CLICKHOUSE_PASSWORD"),
		},
	}
}
