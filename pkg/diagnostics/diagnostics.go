// Package diagnostics exposes the engine's fixed set of monotonic counters
// through an OpenTelemetry meter, backed by a manual reader so that a
// synchronous Snapshot() is possible without running a push exporter.
package diagnostics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Snapshot is the plain-struct view of every counter at a point in time.
type Snapshot struct {
	HeartbeatsReceived uint64
	HeartbeatsRelayed  uint64
	DuplicateSeq       uint64
	InvalidPoW         uint64
	InvalidSig         uint64
	NewPeersAdded      uint64
	LeaveMessages      uint64
}

const meterName = "beacon.engine"

// Diagnostics owns the counters and the manual reader used to read them
// back synchronously.
type Diagnostics struct {
	reader *sdkmetric.ManualReader

	heartbeatsReceived metric.Int64Counter
	heartbeatsRelayed  metric.Int64Counter
	duplicateSeq       metric.Int64Counter
	invalidPoW         metric.Int64Counter
	invalidSig         metric.Int64Counter
	newPeersAdded      metric.Int64Counter
	leaveMessages      metric.Int64Counter
}

// New builds a Diagnostics instance with its own private MeterProvider —
// the engine does not need a global provider since nothing outside this
// package reads these instruments except through Snapshot.
func New() (*Diagnostics, error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := provider.Meter(meterName)

	d := &Diagnostics{reader: reader}

	var err error
	if d.heartbeatsReceived, err = meter.Int64Counter("heartbeats_received"); err != nil {
		return nil, fmt.Errorf("create heartbeats_received counter: %w", err)
	}
	if d.heartbeatsRelayed, err = meter.Int64Counter("heartbeats_relayed"); err != nil {
		return nil, fmt.Errorf("create heartbeats_relayed counter: %w", err)
	}
	if d.duplicateSeq, err = meter.Int64Counter("duplicate_seq"); err != nil {
		return nil, fmt.Errorf("create duplicate_seq counter: %w", err)
	}
	if d.invalidPoW, err = meter.Int64Counter("invalid_pow"); err != nil {
		return nil, fmt.Errorf("create invalid_pow counter: %w", err)
	}
	if d.invalidSig, err = meter.Int64Counter("invalid_sig"); err != nil {
		return nil, fmt.Errorf("create invalid_sig counter: %w", err)
	}
	if d.newPeersAdded, err = meter.Int64Counter("new_peers_added"); err != nil {
		return nil, fmt.Errorf("create new_peers_added counter: %w", err)
	}
	if d.leaveMessages, err = meter.Int64Counter("leave_messages"); err != nil {
		return nil, fmt.Errorf("create leave_messages counter: %w", err)
	}

	return d, nil
}

func (d *Diagnostics) IncHeartbeatsReceived(ctx context.Context) { d.heartbeatsReceived.Add(ctx, 1) }
func (d *Diagnostics) IncHeartbeatsRelayed(ctx context.Context)  { d.heartbeatsRelayed.Add(ctx, 1) }
func (d *Diagnostics) IncDuplicateSeq(ctx context.Context)       { d.duplicateSeq.Add(ctx, 1) }
func (d *Diagnostics) IncInvalidPoW(ctx context.Context)         { d.invalidPoW.Add(ctx, 1) }
func (d *Diagnostics) IncInvalidSig(ctx context.Context)         { d.invalidSig.Add(ctx, 1) }
func (d *Diagnostics) IncNewPeersAdded(ctx context.Context)      { d.newPeersAdded.Add(ctx, 1) }
func (d *Diagnostics) IncLeaveMessages(ctx context.Context)      { d.leaveMessages.Add(ctx, 1) }

// Snapshot collects the current instrument values and folds them into a
// plain struct.
func (d *Diagnostics) Snapshot(ctx context.Context) (Snapshot, error) {
	var rm metricdata.ResourceMetrics
	if err := d.reader.Collect(ctx, &rm); err != nil {
		return Snapshot{}, fmt.Errorf("collect metrics: %w", err)
	}

	var snap Snapshot
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) == 0 {
				continue
			}
			total := sum.DataPoints[0].Value
			switch m.Name {
			case "heartbeats_received":
				snap.HeartbeatsReceived = uint64(total)
			case "heartbeats_relayed":
				snap.HeartbeatsRelayed = uint64(total)
			case "duplicate_seq":
				snap.DuplicateSeq = uint64(total)
			case "invalid_pow":
				snap.InvalidPoW = uint64(total)
			case "invalid_sig":
				snap.InvalidSig = uint64(total)
			case "new_peers_added":
				snap.NewPeersAdded = uint64(total)
			case "leave_messages":
				snap.LeaveMessages = uint64(total)
			}
		}
	}
	return snap, nil
}
