// bayeux-echo is a small CLI that connects to a Bayeux server, subscribes
// to a channel, prints every delivery, and optionally publishes a numbered
// "ping" message on a publish channel on an interval.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/quangdang212/bayeux-go/bayeux"
	"github.com/quangdang212/bayeux-go/logging"
	"github.com/quangdang212/bayeux-go/metrics"
	"github.com/quangdang212/bayeux-go/reachability"
	"github.com/quangdang212/bayeux-go/retry"
	"github.com/quangdang212/bayeux-go/transport"
)

var (
	uri          = flag.String("uri", "", "Bayeux WebSocket URI (or BAYEUX_URI env)")
	subChannel   = flag.String("sub", "/echo", "Channel to subscribe to")
	pubChannel   = flag.String("pub", "", "Channel to publish on (disabled if empty)")
	pubInterval  = flag.Duration("pub-interval", 5*time.Second, "Interval between publishes")
	httpAddr     = flag.String("http", ":8090", "HTTP address for the /metrics endpoint")
	baseInterval = flag.Duration("base-interval", time.Second, "Retry backoff before the first server advice is known")
	verbose      = flag.Bool("verbose", false, "Debug-level logging")
)

type echoPayload struct {
	Message string `json:"message"`
	Seq     int    `json:"seq"`
}

func main() {
	flag.Parse()

	target := *uri
	if target == "" {
		target = os.Getenv("BAYEUX_URI")
	}
	if target == "" {
		log.Fatal("no -uri given and BAYEUX_URI is unset")
	}

	level := logrus.InfoLevel
	if *verbose {
		level = logrus.DebugLevel
	}
	base := logrus.New()
	base.SetLevel(level)
	logger := logging.New(base)

	m := metrics.NewClientMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	oracle := reachability.New(reachability.Config{
		Check: func(ctx context.Context) bool {
			d := net.Dialer{Timeout: 3 * time.Second}
			conn, err := d.DialContext(ctx, "tcp", "8.8.8.8:443")
			if err != nil {
				return false
			}
			conn.Close()
			return true
		},
		PollInterval: 10 * time.Second,
	})
	defer oracle.Stop()

	session := bayeux.NewSession(target, transport.NewWS(transport.DefaultWSConfig()), logger, m, *baseInterval, oracle)

	go serveMetrics(m, logger)

	// AutoRetry first waits, with no deadline, for the oracle to report
	// the network up. Connect itself dials and handshakes in an unbounded
	// internal loop until it succeeds or ctx is done, so the 5 attempts
	// only come into play if Connect returns an error.
	connectErr := retry.AutoRetry(ctx, oracle, session.Connect, 5, 2*time.Second)
	if connectErr != nil {
		log.Fatalf("connect: %v", connectErr)
	}
	log.Printf("connected, clientId=%s", session.ClientID())

	_, err := bayeux.Subscribe[echoPayload](ctx, session, *subChannel, func(p echoPayload) {
		log.Printf("[%s] #%d %s", *subChannel, p.Seq, p.Message)
	})
	if err != nil {
		log.Fatalf("subscribe: %v", err)
	}
	log.Printf("subscribed to %s", *subChannel)

	if *pubChannel != "" {
		go publishLoop(ctx, session)
	}

	log.Println("running, press Ctrl+C to stop")
	<-sigCh
	log.Println("shutting down")

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := session.Close(closeCtx, transport.CloseNormal, "client shutdown"); err != nil {
		log.Printf("close: %v", err)
	}
}

func publishLoop(ctx context.Context, session *bayeux.Session) {
	ticker := time.NewTicker(*pubInterval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq++
			bayeux.Publish(session, *pubChannel, echoPayload{Message: "ping", Seq: seq})
		}
	}
}

func serveMetrics(m *metrics.ClientMetrics, logger logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(*httpAddr, mux); err != nil {
		logger.WithField("at", "http").Error(err.Error())
	}
}
