package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jwalitptl/chairqueue/internal/cache"
	"github.com/jwalitptl/chairqueue/internal/model"
	"github.com/jwalitptl/chairqueue/internal/view"
)

var tabsDoctor int64

var tabsCmd = &cobra.Command{
	Use:   "tabs",
	Short: "Fetch one snapshot and print the tab summary",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.close()

		patients, err := a.adapter.QueryPatients(cmd.Context(), model.PatientFilter{Statuses: model.ActiveStatuses})
		if err != nil {
			return err
		}
		doctors, err := a.adapter.QueryDoctors(cmd.Context())
		if err != nil {
			return err
		}
		c := cache.New()
		c.ReplaceAll(patients, doctors)

		opts := view.Options{DoctorID: cfg.Queue.DoctorFilter()}
		if tabsDoctor > 0 {
			opts.DoctorID = &tabsDoctor
		}
		return printTabs(cmd.OutOrStdout(), view.Build(c.All(), c.Doctors(), opts))
	},
}

func init() {
	tabsCmd.Flags().Int64Var(&tabsDoctor, "doctor", 0, "show only this doctor's tab among doctor tabs")
}

func printTabs(w io.Writer, v *view.View) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TAB\tKEY\tCOUNT\tIN OFFICE")
	for _, t := range v.Tabs {
		office := ""
		if t.Key.Kind == view.KindDoctor {
			office = fmt.Sprintf("%t", t.InOffice)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", t.Title, t.Key, t.Count, office)
	}
	return tw.Flush()
}
