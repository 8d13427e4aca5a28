package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
)

// WriteJSON encodes the snapshot as indented JSON.
func WriteJSON(w io.Writer, snap Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// WriteText renders the snapshot as an aligned table, one metric per line.
func WriteText(w io.Writer, snap Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVALUE\tCOUNT\tMIN\tMAX\tMEAN")
	for _, n := range snap.Names() {
		if v, ok := snap.Counters[n]; ok {
			fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\t-\n", n, humanize.Comma(v))
			continue
		}
		s := snap.Summaries[n]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.1f\n", n, humanize.Comma(s.Sum), humanize.Comma(s.Count), humanize.Comma(s.Min), humanize.Comma(s.Max), s.Mean())
	}
	return tw.Flush()
}
