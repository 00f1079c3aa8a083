// Package botmetrics exposes manager state to Prometheus.
//
// Collector is a snapshot-driven prometheus.Collector: run and error counts
// live in the bots themselves, so scrapes read them through the manager
// instead of double-booking them in vectors. EventObserver is the
// complementary live half, counting bus deliveries as they happen.
package botmetrics
