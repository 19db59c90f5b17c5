package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/sarchlab/dwmmc/host"
	"github.com/sarchlab/dwmmc/tuning"
	"github.com/spf13/cobra"
)

var tuneCmd = &cobra.Command{
	Use:   "tune",
	Short: "Calibrate the sampling phase.",
	Long: "`tune --pass-map 0x3c` makes the card read the tuning block " +
		"intact only at the phases set in the map, runs a calibration and " +
		"prints the committed phase.",
	Run: func(cmd *cobra.Command, _ []string) {
		cfg := benchConfigFromFlags(cmd)
		cfg.Timing = parseTiming(stringOption(cmd, "timing", "DWMMC_TIMING"))
		cfg.Tuning = tuning.DefaultConfig()
		cfg.Tuning.Phases = intOption(cmd, "phases", "DWMMC_TUNING_PHASES")
		cfg.Tuning.MaxRounds = intOption(cmd, "rounds", "DWMMC_TUNING_ROUNDS")
		cfg.Tuning.DriveLevels = intOption(cmd, "drive-levels",
			"DWMMC_DRIVE_LEVELS")

		passMap := tuning.Map(uintOption(cmd, "pass-map", "DWMMC_PASS_MAP"))

		res, err := runTuning(context.Background(), cfg, passMap)
		if err != nil {
			log.Fatalf("Error tuning: %v", err)
		}

		fmt.Fprintf(os.Stdout, "Phase %d, map %v, %d round(s)\n",
			res.Phase, res.Map, res.Rounds)
	},
}

func init() {
	rootCmd.AddCommand(tuneCmd)
	addBenchFlags(tuneCmd)
	tuneCmd.Flags().String("pass-map", "0x3c",
		"Phases that read the tuning block intact [DWMMC_PASS_MAP]")
	tuneCmd.Flags().Int("phases", 8,
		"8 for coarse or 16 for fine tuning [DWMMC_TUNING_PHASES]")
	tuneCmd.Flags().Int("rounds", 6,
		"Maximum number of sweeps [DWMMC_TUNING_ROUNDS]")
	tuneCmd.Flags().Int("drive-levels", 0,
		"Drive strength levels to step through [DWMMC_DRIVE_LEVELS]")
	tuneCmd.Flags().String("timing", "sdr104",
		"Bus timing: legacy, hs, sdr104, ddr50, hs200 or hs400 [DWMMC_TIMING]")
}

var timings = map[string]host.Timing{
	"legacy": host.TimingLegacy,
	"hs":     host.TimingHS,
	"sdr104": host.TimingUHSSDR104,
	"ddr50":  host.TimingUHSDDR50,
	"hs200":  host.TimingHS200,
	"hs400":  host.TimingHS400,
}

func parseTiming(s string) host.Timing {
	t, ok := timings[strings.ToLower(s)]
	if !ok {
		log.Fatalf("Unknown timing %q", s)
	}

	return t
}

func runTuning(
	ctx context.Context,
	cfg benchConfig,
	passMap tuning.Map,
) (tuning.Result, error) {
	b := newBench(cfg)
	if err := b.attachTrace(cfg.Trace); err != nil {
		return tuning.Result{}, err
	}

	if err := b.start(ctx); err != nil {
		b.stop()
		return tuning.Result{}, err
	}
	defer b.stop()

	b.dev.SetPassMap(b.dev.DriveStrength(), passMap)

	return b.ctrl.ExecuteTuning(ctx, 0)
}
