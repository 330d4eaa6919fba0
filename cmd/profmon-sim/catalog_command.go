package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"profmon-sim-go/internal/catalog"
)

func newCatalogCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List the simulated cameras and their geometry",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cat, err := ctx.loadCatalog()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderCatalog(cat))
			for _, err := range cat.Rejected() {
				fmt.Fprintf(out, "rejected: %v\n", err)
			}
			return nil
		},
	}
}

func renderCatalog(cat *catalog.Catalog) string {
	headers := []string{"Device", "Element", "Output", "ROI", "Bits", "Cal (um/px)", "Center"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight}
	rows := make([][]string, 0, cat.Len())
	for _, device := range cat.Devices() {
		g, _ := cat.Lookup(device)
		rows = append(rows, []string{
			g.DeviceName,
			g.ElementName,
			g.ImageOutputID,
			fmt.Sprintf("%dx%d", g.ROIWidth, g.ROIHeight),
			strconv.Itoa(g.BitDepth),
			strconv.FormatFloat(g.Calibration*1e6, 'f', 2, 64),
			fmt.Sprintf("%.0f,%.0f", g.CenterX, g.CenterY),
		})
	}
	return renderTable(headers, rows, aligns)
}
