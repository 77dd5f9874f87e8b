package main

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromExporter collects metrics in Prometheus format from a relay server.
type PromExporter struct {
	address   string
	timeout   time.Duration
	namespace string

	scraper *Scraper

	up               *prometheus.Desc
	version          *prometheus.Desc
	incomingTotal    *prometheus.Desc
	relayedTotal     *prometheus.Desc
	droppedTotal     *prometheus.Desc
	failedDeliveries *prometheus.Desc
	commandsTotal    *prometheus.Desc
	malloced         *prometheus.Desc
}

// NewPromExporter returns an initialized Prometheus exporter.
func NewPromExporter(server, namespace string, timeout time.Duration, scraper *Scraper) *PromExporter {
	return &PromExporter{
		address:   server,
		timeout:   timeout,
		namespace: namespace,
		scraper:   scraper,
		up: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "up"),
			"If the relay instance is reachable.",
			nil,
			nil,
		),
		version: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "version"),
			"The version of this relay instance.",
			nil,
			nil,
		),
		incomingTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "incoming_messages_total"),
			"Total number of inbound channel messages seen.",
			nil,
			nil,
		),
		relayedTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "relayed_messages_total"),
			"Total number of relayed copies delivered.",
			nil,
			nil,
		),
		droppedTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "dropped_messages_total"),
			"Total number of messages dropped due to routing failures.",
			nil,
			nil,
		),
		failedDeliveries: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "failed_deliveries_total"),
			"Total number of relayed copies which could not be posted.",
			nil,
			nil,
		),
		commandsTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "commands_total"),
			"Total number of slash commands handled.",
			nil,
			nil,
		),
		malloced: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "malloced_bytes"),
			"Number of bytes of memory allocated and in use.",
			nil,
			nil,
		),
	}
}

// Describe describes all the metrics exported by the relay exporter. It
// implements prometheus.Collector.
func (e *PromExporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.up
	ch <- e.version
	ch <- e.incomingTotal
	ch <- e.relayedTotal
	ch <- e.droppedTotal
	ch <- e.failedDeliveries
	ch <- e.commandsTotal
	ch <- e.malloced
}

// Collect fetches statistics from the configured relay instance, and
// delivers them as Prometheus metrics. It implements prometheus.Collector.
func (e *PromExporter) Collect(ch chan<- prometheus.Metric) {
	up := float64(1)
	if stats, err := e.scraper.Scrape(); err != nil {
		log.Println("Failed to fetch or parse response", err)
		up = 0
	} else {
		if err := e.parseStats(ch, stats); err != nil {
			up = 0
		}
	}

	ch <- prometheus.MustNewConstMetric(e.up, prometheus.GaugeValue, up)
}

func (e *PromExporter) parseStats(ch chan<- prometheus.Metric, stats map[string]interface{}) error {
	err := firstError(
		e.parseAndUpdate(ch, e.version, prometheus.GaugeValue, stats, "Version"),
		e.parseAndUpdate(ch, e.incomingTotal, prometheus.CounterValue, stats, "IncomingMessagesTotal"),
		e.parseAndUpdate(ch, e.relayedTotal, prometheus.CounterValue, stats, "RelayedMessagesTotal"),
		e.parseAndUpdate(ch, e.droppedTotal, prometheus.CounterValue, stats, "DroppedMessagesTotal"),
		e.parseAndUpdate(ch, e.failedDeliveries, prometheus.CounterValue, stats, "FailedDeliveriesTotal"),
		e.parseAndUpdate(ch, e.commandsTotal, prometheus.CounterValue, stats, "CommandsTotal"),
		e.parseAndUpdate(ch, e.malloced, prometheus.GaugeValue, stats, "memstats.Alloc"),
	)

	return err
}

func (e *PromExporter) parseAndUpdate(ch chan<- prometheus.Metric, desc *prometheus.Desc, valueType prometheus.ValueType,
	stats map[string]interface{}, key string) error {
	if v, err := parseMetric(stats, key); err == nil {
		ch <- prometheus.MustNewConstMetric(desc, valueType, v)
		return nil
	} else {
		return err
	}
}

func firstError(errs ...error) error {
	for _, v := range errs {
		if v != nil {
			return v
		}
	}
	return nil
}
