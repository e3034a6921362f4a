// README: workshopctl subcommands.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"workshop/internal/app"
	"workshop/internal/config"
	"workshop/internal/logging"
	"workshop/internal/modules/booking"
	"workshop/internal/modules/stats"
	"workshop/internal/modules/workorder"
	"workshop/internal/types"
)

func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logging.Init(verbose || cfg.Log.Verbose, cfg.Log.Dir); err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, app.Options{})
}

var (
	ok   = color.New(color.FgGreen).SprintFunc()
	warn = color.New(color.FgYellow).SprintFunc()
	bad  = color.New(color.FgRed).SprintFunc()
	bold = color.New(color.Bold).SprintFunc()
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded schema to the configured database",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		fmt.Printf("%s schema applied (%s)\n", ok("✓"), a.Config.DB.Driver)
		return nil
	},
}

var recomputeCmd = &cobra.Command{
	Use:   "recompute [order-id...]",
	Short: "Recompute stored lead-time figures from the event ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		batch, _ := cmd.Flags().GetInt("batch")
		if !all && len(args) == 0 {
			return fmt.Errorf("pass order ids or --all")
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		req := workorder.RecomputeRequest{All: all, BatchSize: batch}
		for _, id := range args {
			req.OrderIDs = append(req.OrderIDs, types.ID(id))
		}
		res, err := a.WorkOrder.Recompute(cmd.Context(), req)
		fmt.Printf("%s recomputed %d, skipped %d, batches %d\n", ok("✓"), res.Recomputed, res.Skipped, res.Batches)
		for _, e := range res.Errors {
			fmt.Printf("  %s %s: %s\n", bad("✗"), e.OrderID, e.Message)
		}
		return err
	},
}

var availabilityCmd = &cobra.Command{
	Use:   "availability",
	Short: "Show which stalls are free for a window",
	RunE: func(cmd *cobra.Command, args []string) error {
		dateRaw, _ := cmd.Flags().GetString("date")
		startRaw, _ := cmd.Flags().GetString("start")
		hoursRaw, _ := cmd.Flags().GetFloat64("hours")

		d, err := types.ParseDate(dateRaw)
		if err != nil {
			return err
		}
		start, err := types.ParseTimeOfDay(startRaw)
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		dur := time.Duration(hoursRaw * float64(time.Hour))
		res, err := a.Booking.CheckAvailability(cmd.Context(), booking.WindowRequest{Date: d, Start: start, Duration: &dur})
		if err != nil {
			return err
		}
		for _, st := range res {
			mark := ok("free")
			if !st.IsAvailable {
				mark = bad("busy")
			}
			fmt.Printf("%-8s %-20s %s\n", bold(st.Code), st.Name, mark)
			for _, c := range st.Conflicts {
				fmt.Printf("         %s-%s %s %s\n", c.Start, c.End, warn(string(c.State)), c.CustomerName)
			}
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print lead-time and utilization statistics for a date range",
	RunE: func(cmd *cobra.Command, args []string) error {
		fromRaw, _ := cmd.Flags().GetString("from")
		toRaw, _ := cmd.Flags().GetString("to")
		groupRaw, _ := cmd.Flags().GetString("group-by")

		from, err := types.ParseDate(fromRaw)
		if err != nil {
			return err
		}
		to := from
		if toRaw != "" {
			if to, err = types.ParseDate(toRaw); err != nil {
				return err
			}
		}
		g, err := stats.ParseGroupBy(groupRaw)
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		rep, err := a.Stats.GetStatistics(cmd.Context(), stats.Query{From: from, To: to, GroupBy: g})
		if err != nil {
			return err
		}
		printReport(rep.Rounded())
		return nil
	},
}

var rosterCmd = &cobra.Command{
	Use:   "roster",
	Short: "List stalls and their mechanics",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		roster, err := a.Booking.Roster(cmd.Context())
		if err != nil {
			return err
		}
		for _, st := range roster.Stalls {
			state := ok("active")
			if !st.Active {
				state = warn("inactive")
			}
			names := make([]string, 0, len(st.Mechanics))
			for _, m := range st.Mechanics {
				names = append(names, m.Name)
			}
			fmt.Printf("%-8s %-20s %-10s %s\n", bold(st.Code), st.Name, state, strings.Join(names, ", "))
		}
		return nil
	},
}

var stallsCmd = &cobra.Command{
	Use:   "stalls",
	Short: "Show stall occupancy and the next free time per stall",
	RunE: func(cmd *cobra.Command, args []string) error {
		dateRaw, _ := cmd.Flags().GetString("date")
		var date types.Date
		if dateRaw != "" {
			d, err := types.ParseDate(dateRaw)
			if err != nil {
				return err
			}
			date = d
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		board, err := a.Stats.StallBoard(cmd.Context(), date)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s: %d of %d occupied\n", bold("Stalls"), board.Date, board.Occupied, board.TotalStalls)
		for _, st := range board.Stalls {
			next := bad("full")
			if st.NextAvailable != nil {
				next = ok(st.NextAvailable.String())
			}
			current := "-"
			if c := st.Current; c != nil {
				current = fmt.Sprintf("%s %s %.0f%%", c.ID, c.DisplayStage, c.ProgressPercent)
				if c.OpenStop != nil {
					current += " " + warn(string(*c.OpenStop))
				}
			}
			fmt.Printf("%-8s %-20s next %-6s %s\n", bold(st.Code), st.Name, next, current)
		}
		return nil
	},
}

func printReport(rep stats.Report) {
	s := rep.Summary
	fmt.Printf("%s %s .. %s (group by %s)\n", bold("Statistics"), rep.From, rep.To, rep.GroupBy)
	fmt.Printf("  orders      %d total, %d in progress, %d completed, %d cancelled\n", s.TotalOrders, s.InProgress, s.Completed, s.Cancelled)
	fmt.Printf("  lead time   avg %.2fh net, %.2fh elapsed, %.2fh stopped\n", s.AvgNetLeadTimeHours, s.AvgTotalElapsedHours, s.AvgJobStopHours)
	fmt.Printf("  bookings    %d, utilization %.2f%%\n", s.TotalBookings, s.UtilizationPercent)
	if s.PeakHour != nil {
		fmt.Printf("  peak hour   %02d:00\n", *s.PeakHour)
	}
	if s.SkippedOrders > 0 {
		fmt.Fprintf(os.Stderr, "%s %d orders skipped (corrupt ledger)\n", warn("!"), s.SkippedOrders)
	}
	for _, p := range rep.Trend {
		label := p.Name
		switch {
		case p.Date != nil:
			label = p.Date.String()
		case p.Hour != nil:
			label = fmt.Sprintf("%02d:00", *p.Hour)
		case label == "":
			label = string(p.ResourceID)
		}
		fmt.Printf("  %-12s started %-3d completed %-3d active %6.2fh stops %6.2fh util %6.2f%%\n",
			label, p.OrdersStarted, p.OrdersCompleted, p.ActiveHours, p.JobStopHours, p.UtilizationPercent)
	}
}

func init() {
	recomputeCmd.Flags().Bool("all", false, "recompute every stored order")
	recomputeCmd.Flags().Int("batch", 0, "orders per batch (defaults to config)")
	availabilityCmd.Flags().String("date", "", "date (YYYY-MM-DD)")
	availabilityCmd.Flags().String("start", "", "start time (HH:MM)")
	availabilityCmd.Flags().Float64("hours", 1, "window length in hours")
	_ = availabilityCmd.MarkFlagRequired("date")
	_ = availabilityCmd.MarkFlagRequired("start")
	statsCmd.Flags().String("from", "", "first day (YYYY-MM-DD)")
	statsCmd.Flags().String("to", "", "last day (YYYY-MM-DD), defaults to --from")
	statsCmd.Flags().String("group-by", "day", "day, hour, stall or mechanic")
	_ = statsCmd.MarkFlagRequired("from")
	stallsCmd.Flags().String("date", "", "day (YYYY-MM-DD), defaults to today")
}
