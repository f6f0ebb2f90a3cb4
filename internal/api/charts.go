package api

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/telemetry.report/internal/telemetry"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// handleRunsChart renders one line per metric of run value against run
// number, with the running best as a dashed companion series.
func (s *Server) handleRunsChart(w http.ResponseWriter, r *http.Request) {
	perf := s.analytics.Performance()
	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.PageTitle = "Performance runs"

	for _, metric := range perf.Metrics() {
		runs := perf.History(metric)
		x := make([]int, len(runs))
		values := make([]opts.LineData, len(runs))
		best := make([]opts.LineData, len(runs))
		var b float64
		for i, run := range runs {
			x[i] = i + 1
			if i == 0 || run.Value < b {
				b = run.Value
			}
			values[i] = opts.LineData{Value: run.Value, Name: run.End.Format("15:04:05")}
			best[i] = opts.LineData{Value: b}
		}

		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "420px", AssetsHost: echartsAssetsPrefix}),
			charts.WithTitleOpts(opts.Title{Title: metric, Subtitle: fmt.Sprintf("%d runs", len(runs))}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
			charts.WithXAxisOpts(opts.XAxis{Name: "run", NameLocation: "middle", NameGap: 25}),
			charts.WithYAxisOpts(opts.YAxis{Name: "seconds", Scale: opts.Bool(true)}),
		)
		line.SetXAxis(x).
			AddSeries("value", values, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"})).
			AddSeries("best", best, charts.WithLineStyleOpts(opts.LineStyle{Type: "dashed"}))
		page.AddCharts(line)
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleRunsPlot renders a PNG scatter of one metric's run history.
func (s *Server) handleRunsPlot(w http.ResponseWriter, r *http.Request) {
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		s.writeJSONError(w, http.StatusBadRequest, "missing 'metric' parameter")
		return
	}
	runs := s.analytics.Performance().History(metric)
	if len(runs) == 0 {
		s.writeJSONError(w, http.StatusNotFound, fmt.Sprintf("no runs for metric %q", metric))
		return
	}

	p, err := runsPlot(metric, runs)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = wt.WriteTo(w)
}

func runsPlot(metric string, runs []telemetry.PerformanceRun) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = metric
	p.X.Label.Text = "run"
	p.Y.Label.Text = runs[0].Unit
	p.Add(plotter.NewGrid())

	pts := make(plotter.XYs, len(runs))
	for i, run := range runs {
		pts[i].X = float64(i + 1)
		pts[i].Y = run.Value
	}
	line, scatter, err := plotter.NewLinePoints(pts)
	if err != nil {
		return nil, fmt.Errorf("plot %s: %w", metric, err)
	}
	line.Width = vg.Points(1)
	line.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	scatter.Color = line.Color
	p.Add(line, scatter)
	return p, nil
}
