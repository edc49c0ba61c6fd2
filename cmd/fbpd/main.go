// Command fbpd is the host-side daemon: it opens a UART, runs the full
// Framer/DataLink/Transport stack over it, serves port 0 RPCs, bridges
// two PubSub trees across a PubSubPort, and mirrors the local PubSub
// tree into Redis. It is the direct generalization of the teacher's
// cmd/bluetooth-service/main.go, which wired USOCK, a single Service,
// and Redis together the same way.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/librescoot/fitterbap-go/internal/config"
	"github.com/librescoot/fitterbap-go/internal/metrics"
	"github.com/librescoot/fitterbap-go/pkg/datalink"
	"github.com/librescoot/fitterbap-go/pkg/eventmanager"
	"github.com/librescoot/fitterbap-go/pkg/fbptime"
	"github.com/librescoot/fitterbap-go/pkg/logport"
	"github.com/librescoot/fitterbap-go/pkg/port0"
	"github.com/librescoot/fitterbap-go/pkg/pubsub"
	"github.com/librescoot/fitterbap-go/pkg/pubsubport"
	"github.com/librescoot/fitterbap-go/pkg/redis"
	"github.com/librescoot/fitterbap-go/pkg/redisbridge"
	"github.com/librescoot/fitterbap-go/pkg/serialll"
	"github.com/librescoot/fitterbap-go/pkg/transport"
	"github.com/librescoot/fitterbap-go/pkg/waveport"
)

func main() {
	fs := flag.NewFlagSet("fbpd", flag.ExitOnError)
	configPath := fs.String("config", "", "Optional YAML configuration file")
	defaults := config.Defaults()
	cfgFlags := config.Register(fs, defaults)
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(*configPath, *cfgFlags, fs)
	if err != nil {
		log.Fatalf("fbpd: loading configuration: %v", err)
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("Starting fbpd")
	log.Printf("Serial device: %s", cfg.SerialDevice)
	log.Printf("Baud rate: %d", cfg.BaudRate)
	log.Printf("Redis address: %s", cfg.RedisAddr)

	reg := prometheus.NewRegistry()
	met := metrics.New("fitterbap", reg)
	go serveMetrics(cfg.MetricsAddr, reg)

	redisClient, err := redis.New(cfg.RedisAddr, cfg.RedisPass, cfg.RedisDB)
	if err != nil {
		log.Fatalf("fbpd: connecting to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Printf("Connected to Redis")

	ll, err := serialll.Open(serialll.Config{Device: cfg.SerialDevice, BaudRate: cfg.BaudRate}, nil)
	if err != nil {
		log.Fatalf("fbpd: opening serial device: %v", err)
	}
	defer ll.Close()

	clock := fbptime.SystemCounter{}
	em := eventmanager.New(clock, nil)
	go driveEventManager(em)

	dl := datalink.New(datalink.Config{
		TxWindowMax:  cfg.TxWindowMax,
		RxWindowSize: cfg.RxWindow,
		TxRingSize:   cfg.TxRingSize,
	}, ll, em)
	ll.Attach(dl)

	tr := transport.New(dl, nil)

	p0, err := port0.New(tr, dl, clock, nil)
	if err != nil {
		log.Fatalf("fbpd: registering port 0: %v", err)
	}

	ps := pubsub.New(pubsub.Config{Logger: log.Default()})
	ps.OnPublish(func() { met.PubSubPublishTotal.Inc() })
	go processPubSubForever(ps, met)

	psPort, err := pubsubport.New(tr, ps, 1, pubsubport.Downstream, nil)
	if err != nil {
		log.Fatalf("fbpd: registering pubsub port: %v", err)
	}

	lp, err := logport.New(tr, uint8(cfg.LogPortID), "remote", nil)
	if err != nil {
		log.Fatalf("fbpd: registering log port: %v", err)
	}

	wp, err := waveport.New(tr, uint8(cfg.WavePortID), 256, nil)
	if err != nil {
		log.Fatalf("fbpd: registering wave port: %v", err)
	}
	go drainWaveformSamples(wp)

	bridge := redisbridge.New(redisClient, ps, cfg.TopicPrefix, cfg.TopicPrefix, nil)
	bridge.Start()
	defer bridge.Stop()

	ps.AddOwnedTopic(cfg.TopicPrefix)

	dl.Connect()
	lp.Printf("fbpd starting, topic prefix %q", cfg.TopicPrefix)
	go watchLinkHealth(p0, psPort)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("Shutting down...")
}

// processPubSubForever drains PubSub's queue on a fixed tick, the Go
// analogue of the event-manager-driven "call Process() periodically"
// loop spec.md assumes a host runs around PubSub.
func processPubSubForever(ps *pubsub.PubSub, met *metrics.Metrics) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		ps.Process()
		met.PubSubPending.Set(float64(ps.Pending()))
	}
}

// driveEventManager fires due timers — the Data Link's per-slot
// retransmit timers foremost among them (spec.md §4.2) — on a fixed
// tick, the same "call Process() periodically" shape as
// processPubSubForever.
func driveEventManager(em *eventmanager.Manager) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		em.Process(em.Timestamp())
	}
}

// watchLinkHealth periodically pings the peer's port 0 and reports
// which side is currently the authoritative PubSub source, the same
// kind of liveness check the teacher's service ran implicitly by
// reacting to every NRF52 reply.
func watchLinkHealth(p0 *port0.Port0, psPort *pubsubport.PubSubPort) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if _, err := p0.Status(time.Second); err != nil {
			log.Printf("fbpd: port0 status check failed: %v", err)
			continue
		}
		log.Printf("fbpd: link healthy, local PubSub is source: %v", psPort.IsSource())
	}
}

func drainWaveformSamples(wp *waveport.WavePort) {
	for range wp.Samples() {
		// A real deployment forwards these to a plotting sink; fbpd
		// itself only needs to keep the channel drained.
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Printf("Serving metrics on %s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("fbpd: metrics server stopped: %v", err)
	}
}
