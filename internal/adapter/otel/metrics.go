// Package otel holds the OpenTelemetry instruments for the mediation core.
package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "toolgate"

// Metrics holds all Toolgate metric instruments.
type Metrics struct {
	ToolCalls          metric.Int64Counter
	ApprovalsRequested metric.Int64Counter
	ApprovalsResolved  metric.Int64Counter
	RunsCompleted      metric.Int64Counter
	RunDuration        metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.ToolCalls, err = meter.Int64Counter("toolgate.toolcalls",
		metric.WithDescription("Number of mediated tool calls by decision and status"))
	if err != nil {
		return nil, err
	}

	m.ApprovalsRequested, err = meter.Int64Counter("toolgate.approvals.requested",
		metric.WithDescription("Number of approval requests published"))
	if err != nil {
		return nil, err
	}

	m.ApprovalsResolved, err = meter.Int64Counter("toolgate.approvals.resolved",
		metric.WithDescription("Number of approvals resolved by decision"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("toolgate.runs.completed",
		metric.WithDescription("Number of runs finished by status"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("toolgate.run.duration_seconds",
		metric.WithDescription("Run duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
