package cmd

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/sarchlab/dwmmc/datarecording"
	"github.com/sarchlab/dwmmc/tracing"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report [file.sqlite3]",
	Short: "Summarize a recorded trace.",
	Long: "`report trace.sqlite3` prints how the recording was made and, " +
		"for each kind of task, how many ran and how long they took.",
	Args: cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		r := datarecording.NewReader(args[0])
		defer r.Close()

		if err := report(context.Background(), r, os.Stdout); err != nil {
			log.Fatalf("Error reading %s: %v", args[0], err)
		}
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)
}

type taskStats struct {
	Kind, What string
	Count      int
	Total, Max float64
	Steps      int
}

func report(ctx context.Context, r datarecording.DataReader, out io.Writer) error {
	tables := r.ListTables()
	if !slices.Contains(tables, tracing.TaskTable) {
		return fmt.Errorf("no %s table, tables are %v", tracing.TaskTable, tables)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	if slices.Contains(tables, datarecording.ExecTable) {
		r.MapTable(datarecording.ExecTable, datarecording.ExecInfo{})

		rows, _, err := r.Query(ctx, datarecording.ExecTable,
			datarecording.QueryParams{})
		if err != nil {
			return err
		}

		for _, row := range rows {
			info := row.(*datarecording.ExecInfo)
			fmt.Fprintf(tw, "%s\t%s\n", info.Property, info.Value)
		}
		fmt.Fprintln(tw)
	}

	stats, err := collectTaskStats(ctx, r)
	if err != nil {
		return err
	}

	fmt.Fprintln(tw, "Kind\tWhat\tCount\tAverage (s)\tMax (s)\tSteps")
	for _, s := range stats {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.6f\t%.6f\t%d\n",
			s.Kind, s.What, s.Count, s.Total/float64(s.Count), s.Max, s.Steps)
	}

	return tw.Flush()
}

func collectTaskStats(
	ctx context.Context,
	r datarecording.DataReader,
) ([]*taskStats, error) {
	r.MapTable(tracing.TaskTable, tracing.TaskEntry{})
	r.MapTable(tracing.StepTable, tracing.StepEntry{})

	tasks, _, err := r.Query(ctx, tracing.TaskTable, datarecording.QueryParams{
		OrderBy: "StartTime",
	})
	if err != nil {
		return nil, err
	}

	steps, _, err := r.Query(ctx, tracing.StepTable, datarecording.QueryParams{})
	if err != nil {
		return nil, err
	}

	stepsOf := make(map[string]int)
	for _, row := range steps {
		stepsOf[row.(*tracing.StepEntry).TaskID]++
	}

	byName := make(map[string]*taskStats)
	var stats []*taskStats

	for _, row := range tasks {
		t := row.(*tracing.TaskEntry)
		key := t.Kind + "/" + t.What

		s, ok := byName[key]
		if !ok {
			s = &taskStats{Kind: t.Kind, What: t.What}
			byName[key] = s
			stats = append(stats, s)
		}

		d := t.EndTime - t.StartTime
		s.Count++
		s.Total += d
		s.Max = max(s.Max, d)
		s.Steps += stepsOf[t.ID]
	}

	slices.SortFunc(stats, func(a, b *taskStats) int {
		if c := cmp.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}

		return cmp.Compare(a.What, b.What)
	})

	return stats, nil
}
