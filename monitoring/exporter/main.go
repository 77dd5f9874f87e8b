// Standalone exporter of relay runtime stats to Prometheus: scrapes the
// relay's expvar endpoint and re-publishes the values in Prometheus format.
package main

import (
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/version"
)

type promHTTPLogger struct{}

func (l promHTTPLogger) Println(v ...interface{}) {
	log.Println(v...)
}

func main() {
	log.Printf("Relay metrics exporter.")

	var (
		relayAddr = flag.String("relay_addr", "http://localhost:6060/debug/vars", "Address of the relay instance to scrape.")
		listenAt  = flag.String("listen_at", ":6222", "Host name and port to listen for incoming requests on.")

		promNamespace   = flag.String("prom_namespace", "relay", "Prometheus namespace for metrics '<namespace>_...'")
		promMetricsPath = flag.String("prom_metrics_path", "/metrics", "Path under which to expose metrics for Prometheus scrapes.")
		promTimeout     = flag.Int("prom_timeout", 15, "Relay connection timeout in seconds in response to Prometheus scrapes.")
	)
	flag.Parse()

	if *promMetricsPath == "/" {
		log.Fatal("Serving metrics from / is not supported")
	}

	// Index page at web root.
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>Relay Exporter</title></head><body>
<h1>Relay Exporter</h1>
<p>Prometheus exporter path: <a href='` + *promMetricsPath + `'>Metrics</a></p>
<h2>Build</h2>
<pre>` + version.Info() + ` ` + version.BuildContext() + `</pre>
</body></html>`))
	})

	scraper := Scraper{address: *relayAddr}
	promExporter := NewPromExporter(*relayAddr, *promNamespace, time.Duration(*promTimeout)*time.Second, &scraper)
	registry := prometheus.NewRegistry()
	registry.MustRegister(promExporter)
	http.Handle(*promMetricsPath,
		promhttp.InstrumentMetricHandler(
			registry,
			promhttp.HandlerFor(
				registry,
				promhttp.HandlerOpts{
					ErrorLog: &promHTTPLogger{},
					Timeout:  time.Duration(*promTimeout) * time.Second,
				},
			),
		),
	)

	log.Println("Reading relay expvar from", *relayAddr)
	log.Printf("Serving metrics at %s", *listenAt)
	log.Fatalln(http.ListenAndServe(*listenAt, nil))
}
