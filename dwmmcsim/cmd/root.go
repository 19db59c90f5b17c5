// Package cmd provides the command-line interface of dwmmcsim.
package cmd

import (
	"errors"
	"io/fs"
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/tebeka/atexit"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dwmmcsim",
	Short: "dwmmcsim runs workloads against a modeled DW MMC host controller.",
	Long: `dwmmcsim runs workloads against a modeled DW MMC host controller. ` +
		`It can stream blocks to and from the card, calibrate the sampling ` +
		`phase, serve a monitoring dashboard and summarize recorded traces. ` +
		`Options not given as flags are read from DWMMC_* environment ` +
		`variables, which may be set in a .env file.`,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		envFile, _ := cmd.Flags().GetString("env")
		loadEnv(envFile)
	},
}

func init() {
	rootCmd.PersistentFlags().String("env", ".env",
		"File to load DWMMC_* variables from")
}

func loadEnv(filename string) {
	err := godotenv.Load(filename)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("Error loading %s: %v", filename, err)
	}
}

// Execute adds all child commands to the root command and sets flags
// appropriately. Exit handlers, such as the flushing of recorded data, run
// before the program exits.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		atexit.Exit(1)
	}

	atexit.Exit(0)
}
