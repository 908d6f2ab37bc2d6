package timeseries

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"

	"autotrader/config"
	"autotrader/internal/market"
)

const (
	measurementIndicators = "indicators"
	measurementSignals    = "signals"
)

// InfluxRecorder writes indicator sets and signals to InfluxDB. Writes are
// batched and asynchronous; failures are logged and never block a tick.
type InfluxRecorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	done     chan struct{}
	logger   zerolog.Logger
}

// NewInfluxRecorder connects to InfluxDB and checks its health
func NewInfluxRecorder(ctx context.Context, cfg config.InfluxConfig, logger zerolog.Logger) (*InfluxRecorder, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to influxdb: %w", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("influxdb not healthy: %+v", health)
	}

	r := &InfluxRecorder{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		done:     make(chan struct{}),
		logger:   logger.With().Str("component", "influx").Logger(),
	}
	go r.drainErrors()
	return r, nil
}

func (r *InfluxRecorder) drainErrors() {
	defer close(r.done)
	for err := range r.writeAPI.Errors() {
		r.logger.Warn().Err(err).Msg("InfluxDB write failed")
	}
}

// RecordIndicators queues an indicator set
func (r *InfluxRecorder) RecordIndicators(set *market.IndicatorSet) {
	if p := IndicatorPoint(set); p != nil {
		r.writeAPI.WritePoint(p)
	}
}

// RecordSignal queues a signal
func (r *InfluxRecorder) RecordSignal(sig *market.Signal) {
	if p := SignalPoint(sig); p != nil {
		r.writeAPI.WritePoint(p)
	}
}

// HealthCheck pings the server
func (r *InfluxRecorder) HealthCheck(ctx context.Context) error {
	ok, err := r.client.Ping(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("influxdb ping failed")
	}
	return nil
}

// Close flushes pending points and closes the client
func (r *InfluxRecorder) Close() {
	r.writeAPI.Flush()
	r.client.Close()
	<-r.done
}

// IndicatorPoint converts a set to a point. Absent indicators are omitted;
// a set without any value yields nil.
func IndicatorPoint(set *market.IndicatorSet) *write.Point {
	if set == nil {
		return nil
	}
	fields := make(map[string]interface{})
	for _, name := range []string{
		"close",
		market.IndicatorRSI,
		market.IndicatorMACDLine,
		market.IndicatorMACDSignal,
		market.IndicatorMACDHistogram,
		market.IndicatorBollingerUpper,
		market.IndicatorBollingerMiddle,
		market.IndicatorBollingerLower,
		market.IndicatorEMA9,
		market.IndicatorEMA21,
		market.IndicatorEMA50,
		market.IndicatorEMA200,
		market.IndicatorATR,
		market.IndicatorStochK,
		market.IndicatorStochD,
		market.IndicatorVolumeRatio,
	} {
		if name == "close" {
			if set.Close != nil {
				fields[name] = *set.Close
			}
			continue
		}
		if v, ok := set.Field(name); ok {
			fields[name] = v
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return influxdb2.NewPoint(
		measurementIndicators,
		map[string]string{"symbol": set.Symbol, "timeframe": set.Timeframe},
		fields,
		set.ComputedAt,
	)
}

// SignalPoint converts a signal to a point
func SignalPoint(sig *market.Signal) *write.Point {
	if sig == nil {
		return nil
	}
	return influxdb2.NewPoint(
		measurementSignals,
		map[string]string{
			"symbol":    sig.Symbol,
			"timeframe": sig.Timeframe,
			"direction": string(sig.Direction),
		},
		map[string]interface{}{
			"strength":    string(sig.Strength),
			"confidence":  sig.Confidence,
			"bias":        string(sig.BiasDirection),
			"mtf_confirm": sig.MultiTimeframeConfirmed,
		},
		sig.GeneratedAt,
	)
}
