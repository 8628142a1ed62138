package deploy

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("confgraph.deploy")

var (
	transactionTotal    metric.Int64Counter
	transactionDuration metric.Float64Histogram
	servicesValidated   metric.Int64Histogram
	sweptTotal          metric.Int64Counter
	lockTimeouts        metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		transactionTotal, err = meter.Int64Counter(
			"deploy_transaction_total",
			metric.WithDescription("Deployment transactions by operation and outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		transactionDuration, err = meter.Float64Histogram(
			"deploy_transaction_duration_seconds",
			metric.WithDescription("Duration of deployment transactions in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		servicesValidated, err = meter.Int64Histogram(
			"deploy_services_validated",
			metric.WithDescription("Services revalidated per transaction"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		sweptTotal, err = meter.Int64Counter(
			"deploy_swept_total",
			metric.WithDescription("Artifacts removed by tidy out"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		lockTimeouts, err = meter.Int64Counter(
			"deploy_lock_timeouts_total",
			metric.WithDescription("Transactions rejected because the deployment lock was busy"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordTransaction(ctx context.Context, op string, duration time.Duration, res *Result, err error) {
	if initMetrics() != nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("status", status),
	)
	transactionTotal.Add(ctx, 1, attrs)
	transactionDuration.Record(ctx, duration.Seconds(), attrs)
	if res != nil {
		servicesValidated.Record(ctx, int64(len(res.Services)), metric.WithAttributes(attribute.String("op", op)))
		if len(res.Swept) > 0 {
			sweptTotal.Add(ctx, int64(len(res.Swept)))
		}
	}
}

func recordLockTimeout(ctx context.Context, op string) {
	if initMetrics() != nil {
		return
	}
	lockTimeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
