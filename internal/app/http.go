package app

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wparse/pkg/sinkcoord"
	"wparse/pkg/stat"
	"wparse/pkg/types"
)

// terminalMonitorSink serializes monitor totals as DataRecords and sends
// them to the configured monitor infra sink.
type terminalMonitorSink struct {
	terminal sinkcoord.SinkTerminal
}

func (s *terminalMonitorSink) SendBatch(records []stat.MonitorRecord) error {
	units := make([]sinkcoord.SinkUnit, 0, len(records))
	for _, r := range records {
		rec := &types.DataRecord{}
		rec.Append(types.NewField("stage", types.Chars(r.Stage)))
		rec.Append(types.NewField("collector", types.Chars(r.Collector)))
		rec.Append(types.NewField("dim", types.Chars(r.Dim)))
		rec.Append(types.NewField("total", types.Digit(r.Total)))
		rec.Append(types.NewField("success", types.Digit(r.Success)))
		rec.Append(types.NewField("speed", types.Float(r.Speed)))
		rec.Append(types.NewField("rate", types.Float(r.Rate)))
		units = append(units, sinkcoord.SinkUnit{Record: rec})
	}
	return s.terminal.SendBatch(units)
}

// startHTTP exposes /healthz and /metrics when an address is configured.
func (a *App) startHTTP() {
	if a.opts.HTTPAddr == "" {
		return
	}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"version": a.cfg.Version,
			"sources": len(a.sources),
			"rules":   len(a.rules),
		})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	a.httpSrv = &http.Server{Addr: a.opts.HTTPAddr, Handler: r}
	go func() {
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.WithError(err).Error("http listener failed")
		}
	}()
}

func (a *App) shutdownHTTP() {
	if a.httpSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	a.httpSrv.Shutdown(ctx)
}
