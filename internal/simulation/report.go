// report.go - Tabular and chart output for simulation results
package simulation

import (
	"fmt"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/olekukonko/tablewriter"

	"trustedsetup/internal/ceremony"
)

// WriteTable renders one row per result
func WriteTable(w io.Writer, results []*Result) error {
	table := tablewriter.NewWriter(w)
	table.Header("agents", "rounds", "mode", "stalled", "accepted", "contributors", "stale", "mean latency", "rounds/s", "phase", "chain")
	for _, r := range results {
		verdict := "ok"
		if r.ChainErr != nil {
			verdict = r.ChainErr.Error()
		}
		row := []string{
			strconv.Itoa(r.Agents),
			strconv.Itoa(r.Rounds),
			string(r.Mode),
			strconv.Itoa(r.Stalled),
			strconv.Itoa(r.Accepted),
			strconv.Itoa(r.Contributors),
			strconv.Itoa(r.Rejections[ceremony.CodeStaleRound]),
			r.MeanLatency().String(),
			fmt.Sprintf("%.2f", r.Throughput()),
			r.Phase.String(),
			verdict,
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}
	return table.Render()
}

// WriteLatencyChart writes an HTML page with one latency series per result
func WriteLatencyChart(w io.Writer, results []*Result) error {
	longest := 0
	for _, r := range results {
		longest = max(longest, len(r.Latencies))
	}
	xs := make([]string, longest)
	for i := range xs {
		xs[i] = strconv.Itoa(i + 1)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Round latency", Subtitle: "milliseconds between accepted rounds"}),
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "ceremony simulation", Width: "1200px", Height: "600px"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "round"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "ms"}),
	)
	line.SetXAxis(xs)
	for _, r := range results {
		items := make([]opts.LineData, len(r.Latencies))
		for i, d := range r.Latencies {
			items[i] = opts.LineData{Value: float64(d.Microseconds()) / 1000}
		}
		line.AddSeries(fmt.Sprintf("A=%d R=%d %s", r.Agents, r.Rounds, r.Mode), items)
	}

	page := components.NewPage()
	page.AddCharts(line)
	return page.Render(w)
}
