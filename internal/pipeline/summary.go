package pipeline

import (
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// RenderSummary formats the per-stage row counts of a run as a table.
func RenderSummary(s *Summary) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Stage", "Rows", "Source", "Took", "File"})

	for _, st := range s.Stages {
		source := "computed"
		if st.Cached {
			source = "cache"
		}
		tw.AppendRow(table.Row{st.Stage, strconv.Itoa(st.Rows), source, st.Took.Round(time.Millisecond).String(), st.File})
	}
	tw.AppendFooter(table.Row{"clusters", strconv.Itoa(s.ClustersBefore) + " -> " + strconv.Itoa(s.ClustersAfter), "", "", ""})

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight, AlignHeader: text.AlignLeft, AlignFooter: text.AlignRight},
	})
	return tw.Render()
}
