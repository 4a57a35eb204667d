package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// CatalogProductsCompiled counts compiled price maps by outcome.
	CatalogProductsCompiled *prometheus.CounterVec
	// RuleFailuresTotal counts rule actions that failed and were skipped.
	RuleFailuresTotal *prometheus.CounterVec
	// CatalogChunkDuration records sweep chunk latency in milliseconds.
	CatalogChunkDuration prometheus.Histogram
	// DiscountEvaluationsTotal counts cart evaluations by whether any rule applied.
	DiscountEvaluationsTotal *prometheus.CounterVec
	// TaxFallbacksTotal counts tax lookups that failed open to zero tax.
	TaxFallbacksTotal *prometheus.CounterVec
	// QuoteTotal counts checkout quotes by outcome.
	QuoteTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		CatalogProductsCompiled = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_products_compiled_total",
			Help:      "Count of compiled product price maps by outcome.",
		}, []string{"result"})
		RuleFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_failures_total",
			Help:      "Count of rule actions skipped because they failed.",
		}, []string{"kind"})
		CatalogChunkDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "catalog_compile_chunk_duration_ms",
			Help:      "Latency of one catalog compile chunk in milliseconds.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		})
		DiscountEvaluationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discount_evaluations_total",
			Help:      "Count of cart discount evaluations.",
		}, []string{"result"})
		TaxFallbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tax_fallbacks_total",
			Help:      "Count of tax lookups that resolved to zero tax.",
		}, []string{"reason"})
		QuoteTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkout_quote_total",
			Help:      "Count of checkout quotes by outcome.",
		}, []string{"result"})

		mustRegisterCollector(reg, CatalogProductsCompiled, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CatalogProductsCompiled = v
			}
		})
		mustRegisterCollector(reg, RuleFailuresTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				RuleFailuresTotal = v
			}
		})
		mustRegisterCollector(reg, CatalogChunkDuration, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Histogram); ok {
				CatalogChunkDuration = v
			}
		})
		mustRegisterCollector(reg, DiscountEvaluationsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				DiscountEvaluationsTotal = v
			}
		})
		mustRegisterCollector(reg, TaxFallbacksTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				TaxFallbacksTotal = v
			}
		})
		mustRegisterCollector(reg, QuoteTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				QuoteTotal = v
			}
		})
	})
}

// IncRuleFailure records a skipped rule action when metrics are registered.
func IncRuleFailure(kind string) {
	if RuleFailuresTotal != nil {
		RuleFailuresTotal.WithLabelValues(kind).Inc()
	}
}

// IncTaxFallback records a zero-tax fallback when metrics are registered.
func IncTaxFallback(reason string) {
	if TaxFallbacksTotal != nil {
		TaxFallbacksTotal.WithLabelValues(reason).Inc()
	}
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
