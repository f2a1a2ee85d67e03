package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all control-plane metric instruments.
type Metrics struct {
	ToolCalls         metric.Int64Counter
	ToolDuration      metric.Float64Histogram
	CapabilityDenials metric.Int64Counter
	Decisions         metric.Int64Counter
	LoopIterations    metric.Int64Histogram
	Escalations       metric.Int64Counter
	BudgetUtilization metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.ToolCalls, err = meter.Int64Counter("helm.tool.calls",
		metric.WithDescription("Tool calls routed through the registry"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolDuration, err = meter.Float64Histogram("helm.tool.duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.CapabilityDenials, err = meter.Int64Counter("helm.capability.denials",
		metric.WithDescription("Tool calls rejected by capability enforcement"),
	)
	if err != nil {
		return nil, err
	}

	m.Decisions, err = meter.Int64Counter("helm.decisions",
		metric.WithDescription("Coordinator decisions by type"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopIterations, err = meter.Int64Histogram("helm.loop.iterations",
		metric.WithDescription("Iterations consumed per goal run"),
	)
	if err != nil {
		return nil, err
	}

	m.Escalations, err = meter.Int64Counter("helm.escalations",
		metric.WithDescription("Escalations raised to a human"),
	)
	if err != nil {
		return nil, err
	}

	m.BudgetUtilization, err = meter.Float64Histogram("helm.budget.utilization",
		metric.WithDescription("Budget utilization percent observed at check time"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
