package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all specforge metrics instruments.
type Metrics struct {
	BuildDuration       metric.Float64Histogram
	StageDuration       metric.Float64Histogram
	BuildsTotal         metric.Int64Counter
	ActiveBuilds        metric.Int64UpDownCounter
	RouteCostTokens     metric.Int64Histogram
	CacheHits           metric.Int64Counter
	CacheMisses         metric.Int64Counter
	BudgetRejects       metric.Int64Counter
	RuleFindings        metric.Int64Counter
	Downgrades          metric.Int64Counter
	RetriesScheduled    metric.Int64Counter
	InterpreterDuration metric.Float64Histogram
	FixerFaults         metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.BuildDuration, err = meter.Float64Histogram("specforge.build.duration",
		metric.WithDescription("Full pipeline duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StageDuration, err = meter.Float64Histogram("specforge.stage.duration",
		metric.WithDescription("Per-stage duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BuildsTotal, err = meter.Int64Counter("specforge.builds",
		metric.WithDescription("Builds finished, by status"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveBuilds, err = meter.Int64UpDownCounter("specforge.builds.active",
		metric.WithDescription("Builds currently executing"),
	)
	if err != nil {
		return nil, err
	}

	m.RouteCostTokens, err = meter.Int64Histogram("specforge.route.cost_tokens",
		metric.WithDescription("Estimated token cost per routed context"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheHits, err = meter.Int64Counter("specforge.cache.hits",
		metric.WithDescription("Artifact cache hits"),
	)
	if err != nil {
		return nil, err
	}

	m.CacheMisses, err = meter.Int64Counter("specforge.cache.misses",
		metric.WithDescription("Artifact cache misses"),
	)
	if err != nil {
		return nil, err
	}

	m.BudgetRejects, err = meter.Int64Counter("specforge.budget.rejects",
		metric.WithDescription("Routes aborted on a budget threshold"),
	)
	if err != nil {
		return nil, err
	}

	m.RuleFindings, err = meter.Int64Counter("specforge.rules.findings",
		metric.WithDescription("Rule findings, by severity"),
	)
	if err != nil {
		return nil, err
	}

	m.Downgrades, err = meter.Int64Counter("specforge.rules.downgrades",
		metric.WithDescription("Auto-fixes applied by the rule engine"),
	)
	if err != nil {
		return nil, err
	}

	m.RetriesScheduled, err = meter.Int64Counter("specforge.retry.scheduled",
		metric.WithDescription("Transient stage failures scheduled for retry"),
	)
	if err != nil {
		return nil, err
	}

	m.InterpreterDuration, err = meter.Float64Histogram("specforge.interpreter.duration",
		metric.WithDescription("Intent interpreter call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.FixerFaults, err = meter.Int64Counter("specforge.fixer.faults",
		metric.WithDescription("WASM fixer faults recorded"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
