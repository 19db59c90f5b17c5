package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Write blocks to the card and read them back.",
	Long: "`run --transfers 100 --blocks 8` writes a pattern into 8 blocks, " +
		"reads it back and checks it, 100 times, then prints a summary.",
	Run: func(cmd *cobra.Command, _ []string) {
		cfg := benchConfigFromFlags(cmd)
		w := workload{
			Transfers: intOption(cmd, "transfers", "DWMMC_TRANSFERS"),
			Blocks:    uint32(intOption(cmd, "blocks", "DWMMC_BLOCKS")),
			FailEvery: intOption(cmd, "fail-every", "DWMMC_FAIL_EVERY"),
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		defer cancel()

		sum, err := runWorkload(ctx, cfg, w)
		if err != nil {
			log.Fatalf("Error running workload: %v", err)
		}

		sum.print(os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	addBenchFlags(runCmd)
	runCmd.Flags().Int("transfers", 100,
		"Number of write and read-back pairs [DWMMC_TRANSFERS]")
	runCmd.Flags().Int("blocks", 8, "Blocks per request [DWMMC_BLOCKS]")
	runCmd.Flags().Int("fail-every", 0,
		"Inject a data CRC error into every n-th write [DWMMC_FAIL_EVERY]")
}

func runWorkload(ctx context.Context, cfg benchConfig, w workload) (summary, error) {
	b := newBench(cfg)
	if err := b.attachTrace(cfg.Trace); err != nil {
		return summary{}, err
	}

	if err := b.start(ctx); err != nil {
		b.stop()
		return summary{}, err
	}
	defer b.stop()

	return b.run(ctx, w, nil)
}
