package cli

import (
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"servicedeck/internal/aggregate"
	"servicedeck/internal/systemd"
)

func newStatusCmd(e *env) *cobra.Command {
	var (
		units  []string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status [key]",
		Short: "Show the status of configured services (and ad-hoc units)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			var rows []aggregate.Status
			switch {
			case len(args) == 1:
				st, err := s.core.Aggregator.StatusForKey(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				rows = []aggregate.Status{st}
			case len(units) > 0:
				rows = s.core.Aggregator.MergedStatus(cmd.Context(), units)
			default:
				rows = s.core.Aggregator.StatusForAll(cmd.Context())
			}
			if asJSON {
				return printJSON(e.stdout(), rows)
			}
			renderStatus(e, rows)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&units, "units", nil, "also report these systemd units (comma separated)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func renderStatus(e *env, rows []aggregate.Status) {
	now := time.Now()
	out := make([][]string, 0, len(rows))
	for _, st := range rows {
		out = append(out, []string{
			st.Key,
			st.Name,
			string(st.Status),
			st.Adapter,
			humanize.RelTime(st.CheckedAt, now, "ago", "from now"),
			detailsLine(st.Details, 60),
		})
	}
	renderTable(e.stdout(), []string{"KEY", "NAME", "STATUS", "ADAPTER", "CHECKED", "DETAILS"}, out, 2)
}

func newServicesCmd(e *env) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "services",
		Short: "List configured services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			infos := s.core.Aggregator.Services()
			if asJSON {
				return printJSON(e.stdout(), infos)
			}
			rows := make([][]string, 0, len(infos))
			for _, si := range infos {
				rows = append(rows, []string{si.Key, si.Name, si.Adapter, detailsLine(si.Metadata, 60)})
			}
			renderTable(e.stdout(), []string{"KEY", "NAME", "ADAPTER", "METADATA"}, rows, -1)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newUnitsCmd(e *env) *cobra.Command {
	var (
		custom bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "units",
		Short: "List systemd service units",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			units, err := s.core.Discovery.ListUnits(cmd.Context())
			if err != nil {
				return err
			}
			if custom {
				units = customUnits(units)
			}
			if asJSON {
				return printJSON(e.stdout(), units)
			}
			rows := make([][]string, 0, len(units))
			for _, u := range units {
				rows = append(rows, []string{u.Name, u.Active, u.Sub, u.Description})
			}
			renderTable(e.stdout(), []string{"UNIT", "ACTIVE", "SUB", "DESCRIPTION"}, rows, -1)
			return nil
		},
	}
	cmd.Flags().BoolVar(&custom, "custom", false, "hide units that ship with the OS")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func customUnits(units []systemd.Unit) []systemd.Unit {
	out := units[:0:0]
	for _, u := range units {
		if !u.Typical {
			out = append(out, u)
		}
	}
	return out
}

func newJournalCmd(e *env) *cobra.Command {
	var q systemd.JournalQuery
	cmd := &cobra.Command{
		Use:   "journal <unit>",
		Short: "Print recent journal entries of a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := s.core.Discovery.Journal(cmd.Context(), args[0], q)
			if err != nil {
				return err
			}
			w := e.stdout()
			for _, je := range entries {
				line := strings.Join([]string{dimStyle.Render(je.Timestamp), je.Identifier + ":", je.Message}, " ")
				if je.Priority == "err" || je.Priority == "crit" || je.Priority == "alert" || je.Priority == "emerg" {
					line = errorStyle.Render(line)
				}
				_, _ = w.Write([]byte(line + "\n"))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&q.Lines, "lines", "n", 0, "number of entries (default from journal.default_lines)")
	cmd.Flags().StringVar(&q.Since, "since", "", `journalctl --since value, e.g. "1 hour ago"`)
	return cmd
}
