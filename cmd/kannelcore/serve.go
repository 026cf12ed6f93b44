package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kienpl96/kannel/conn"
	"github.com/kienpl96/kannel/eventqueue"
	"github.com/kienpl96/kannel/fdmux"
	"github.com/kienpl96/kannel/metrics"
	"github.com/kienpl96/kannel/timerset"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type serveConfig struct {
	listenAddr   string
	metricsAddr  string
	idleTimeout  time.Duration
	outputBufMax uint32
	verbose      bool
}

// idleTimeoutEvent is produced by the timer set the moment a client's
// idle timer elapses and consumed by the single eventLoop goroutine,
// which tears the connection down (spec.md §4.1's "decouple expiry from
// the action it triggers" contract put to work).
type idleTimeoutEvent struct {
	client *clientConn
}

func (e *idleTimeoutEvent) Clone() eventqueue.Event { return &idleTimeoutEvent{client: e.client} }
func (e *idleTimeoutEvent) Destroy()                {}

type clientConn struct {
	c           *conn.Connection
	timer       *timerset.Timer
	idleTimeout time.Duration
}

func newServeCmd() *cobra.Command {
	cfg := &serveConfig{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept TCP connections and echo lines back, closing idle clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cfg)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&cfg.listenAddr, "listen", ":7001", "TCP address to accept connections on")
	flags.StringVar(&cfg.metricsAddr, "metrics-listen", ":9090", "address to serve /metrics on")
	flags.DurationVar(&cfg.idleTimeout, "idle-timeout", 30*time.Second, "idle duration after which a client is disconnected")
	flags.Uint32Var(&cfg.outputBufMax, "output-buffering-threshold", 0, "output_buffering_threshold passed to every accepted connection")
	flags.BoolVarP(&cfg.verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func newLogger(verbose bool) *logrus.Logger {
	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	return log
}

func runServe(cfg *serveConfig) error {
	log := newLogger(cfg.verbose)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	httpSrv := &http.Server{Addr: cfg.metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server exited")
		}
	}()

	queue := eventqueue.New(log)
	defer queue.Close()

	ts := timerset.New(queue, timerset.WithLogger(log), timerset.WithMetrics(collector))
	defer ts.Close()

	mux, err := fdmux.Open(log)
	if err != nil {
		return fmt.Errorf("kannelcore: open fdmux: %w", err)
	}
	defer mux.Close()

	ln, err := net.Listen("tcp", cfg.listenAddr)
	if err != nil {
		return fmt.Errorf("kannelcore: listen: %w", err)
	}
	defer ln.Close()
	log.WithField("addr", ln.Addr().String()).Info("kannelcore: listening")

	var wg sync.WaitGroup
	wg.Add(2)
	go acceptLoop(ln, mux, ts, queue, collector, cfg, log, &wg)
	go eventLoop(queue, log, &wg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	log.Info("kannelcore: shutting down")
	ln.Close()
	queue.Close()
	httpSrv.Close()
	wg.Wait()
	return nil
}

func acceptLoop(ln net.Listener, mux *fdmux.Multiplexer, ts *timerset.TimerSet, queue *eventqueue.Queue,
	collector *metrics.Collector, cfg *serveConfig, log logrus.FieldLogger, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		nc, err := ln.Accept()
		if err != nil {
			log.WithError(err).Info("kannelcore: accept loop exiting")
			return
		}
		handleAccepted(nc, mux, ts, cfg, log, collector)
	}
}

func handleAccepted(nc net.Conn, mux *fdmux.Multiplexer, ts *timerset.TimerSet, cfg *serveConfig,
	log logrus.FieldLogger, collector *metrics.Collector) {
	c, err := conn.FromNetConn(nc, conn.Options{
		OutputBufferingThreshold: cfg.outputBufMax,
		Logger:                   log,
		Metrics:                  collector,
	})
	if err != nil {
		log.WithError(err).Warn("kannelcore: wrap accepted connection")
		return
	}

	cc := &clientConn{c: c, timer: ts.NewTimer(), idleTimeout: cfg.idleTimeout}
	cc.timer.Start(cc.idleTimeout, &idleTimeoutEvent{client: cc})

	status := c.Register(mux, func(cn *conn.Connection, _ interface{}) {
		onReadable(cn, cc)
	}, nil)
	if status == conn.Error {
		log.Warn("kannelcore: register accepted connection failed")
		cc.timer.Destroy()
		c.Destroy()
	}
}

// onReadable echoes every complete line back to the client and restarts
// its idle timer, reusing the template installed by the initial Start
// (spec.md §4.1's interval-only restart path).
func onReadable(c *conn.Connection, cc *clientConn) {
	for {
		line, ok := c.ReadLine()
		if !ok {
			break
		}
		c.Write(line)
		c.Write([]byte("\n"))
		cc.timer.Start(cc.idleTimeout, nil)
	}

	if c.Eof() || c.ReadError() != nil {
		// onReadable runs inside the fdmux dispatch callback, and
		// Unregister waits for that callback to return, so the teardown
		// runs on its own goroutine.
		go func() {
			c.Unregister()
			cc.timer.Stop()
			cc.timer.Destroy()
			c.Destroy()
		}()
	}
}

func eventLoop(queue *eventqueue.Queue, log logrus.FieldLogger, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		ev, ok := queue.Consume()
		if !ok {
			return
		}
		switch e := ev.(type) {
		case *idleTimeoutEvent:
			log.Debug("kannelcore: idle timeout, closing connection")
			e.client.c.Unregister()
			e.client.timer.Destroy()
			e.client.c.Destroy()
		}
		ev.Destroy()
	}
}
