package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/browser"
	"github.com/sarchlab/dwmmc/monitoring"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Serve the monitoring dashboard while a workload runs.",
	Long: "`monitor --open` starts the monitoring server, opens it in a " +
		"browser and keeps a write and read-back workload running until " +
		"interrupted or until --duration elapses.",
	Run: func(cmd *cobra.Command, _ []string) {
		cfg := benchConfigFromFlags(cmd)
		port := intOption(cmd, "port", "DWMMC_MONITOR_PORT")
		open := boolOption(cmd, "open", "DWMMC_MONITOR_OPEN")
		duration := durationOption(cmd, "duration", "DWMMC_DURATION")
		w := workload{
			Transfers: intOption(cmd, "transfers", "DWMMC_TRANSFERS"),
			Blocks:    uint32(intOption(cmd, "blocks", "DWMMC_BLOCKS")),
			FailEvery: intOption(cmd, "fail-every", "DWMMC_FAIL_EVERY"),
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		if duration > 0 {
			ctx, cancel = context.WithTimeout(ctx, duration)
			defer cancel()
		}

		if err := monitorWorkload(ctx, cfg, w, port, open); err != nil {
			log.Fatalf("Error running workload: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	addBenchFlags(monitorCmd)
	monitorCmd.Flags().Int("port", 0,
		"Port of the monitoring server, 0 for any [DWMMC_MONITOR_PORT]")
	monitorCmd.Flags().Bool("open", false,
		"Open the dashboard in a browser [DWMMC_MONITOR_OPEN]")
	monitorCmd.Flags().Duration("duration", 0,
		"Stop after this long, 0 to run until interrupted [DWMMC_DURATION]")
	monitorCmd.Flags().Int("transfers", 1000,
		"Write and read-back pairs per round [DWMMC_TRANSFERS]")
	monitorCmd.Flags().Int("blocks", 8, "Blocks per request [DWMMC_BLOCKS]")
	monitorCmd.Flags().Int("fail-every", 0,
		"Inject a data CRC error into every n-th write [DWMMC_FAIL_EVERY]")
}

func monitorWorkload(
	ctx context.Context,
	cfg benchConfig,
	w workload,
	port int,
	open bool,
) error {
	b := newBench(cfg)
	if err := b.attachTrace(cfg.Trace); err != nil {
		return err
	}

	m := monitoring.NewMonitor().WithPortNumber(port)
	m.RegisterRegistry(b.registry)
	url := m.StartServer()

	if open {
		if err := browser.OpenURL(url); err != nil {
			log.Printf("Cannot open browser: %v", err)
		}
	}

	if err := b.start(ctx); err != nil {
		b.stop()
		return err
	}
	defer b.stop()

	for round := 1; ctx.Err() == nil; round++ {
		bar := m.CreateProgressBar(fmt.Sprintf("round %d", round), uint64(w.Transfers))

		sum, err := b.run(ctx, w, bar)
		if err != nil {
			return err
		}

		m.CompleteProgressBar(bar)
		log.Printf("Round %d: %d requests, %d failed, %d mismatches in %v",
			round, sum.Requests, sum.Failed, sum.Mismatches,
			sum.Elapsed.Round(time.Millisecond))
	}

	return nil
}
