// Command tswrite reads raw MPEG transport stream packets from stdin (or
// M2TS records with -m2ts) and writes them to a sink at the original
// program's pace, using PCR-locked or constant-rate timing.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tswrite/tswrite/internal/config"
	"github.com/tswrite/tswrite/internal/health"
	"github.com/tswrite/tswrite/internal/m2ts"
	"github.com/tswrite/tswrite/internal/metrics"
	"github.com/tswrite/tswrite/internal/supervisor"
	"github.com/tswrite/tswrite/internal/tspcr"
	"github.com/tswrite/tswrite/internal/tswriter"
)

func main() {
	// "tswrite supervise <config.json>" runs this binary as a restart-on-crash
	// wrapper around other tswrite instances instead of writing packets itself;
	// its flag set is incompatible with run()'s so it's dispatched before any
	// flag.Parse happens.
	if len(os.Args) > 1 && os.Args[1] == "supervise" {
		if err := runSupervise(os.Args[2:]); err != nil {
			log.Printf("tswrite: %v", err)
			os.Exit(1)
		}
		return
	}
	if err := run(); err != nil {
		log.Printf("tswrite: %v", err)
		os.Exit(1)
	}
}

// runSupervise loads a supervisor.Config from the given path and runs it
// until its children exit or the process receives SIGINT/SIGTERM.
func runSupervise(args []string) error {
	fs := flag.NewFlagSet("supervise", flag.ExitOnError)
	configPath := fs.String("config", "", "path to supervisor JSON config")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" && fs.NArg() > 0 {
		*configPath = fs.Arg(0)
	}
	if *configPath == "" {
		return fmt.Errorf("supervise: -config or a positional config path is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	return supervisor.Run(ctx, *configPath)
}

func run() error {
	cfg := config.Load()
	def := tswriter.DefaultConfig()

	sinkKind := flag.String("sink", cfg.SinkKind, "sink kind: stdout|file|tcp|udp")
	addr := flag.String("addr", cfg.SinkAddr, "host:port for tcp/udp sinks")
	file := flag.String("file", cfg.SinkPath, "output path for file sink")
	mcastIF := flag.String("mcast-if", cfg.MulticastIF, "local IP to send udp multicast from")
	mcastTTL := flag.Int("mcast-ttl", cfg.MulticastTTL, "udp multicast TTL")
	commandAddr := flag.String("command-addr", cfg.CommandAddr, "optional tcp address to accept single-byte playback commands on")
	metricsAddr := flag.String("metrics-addr", cfg.MetricsAddr, "optional host:port to serve /metrics on")
	useM2TS := flag.Bool("m2ts", false, "read 192-byte M2TS records (BE timestamp || TS packet) instead of raw TS")
	m2tsWindow := flag.Int("m2ts-window", m2ts.DefaultWindow, "M2TS reorder window size")

	circBufSize := flag.Int("circ-buf-size", def.CircBufSize, "ring buffer item count")
	packetsPerItem := flag.Int("packets-per-item", def.PacketsPerItem, "TS packets batched per ring item")
	maxNoWait := flag.Int("maxnowait", def.MaxNoWait, "burst cap; -1 disables")
	waitForUs := flag.Int64("waitfor-us", def.WaitForUs, "forced pause (us) once maxnowait is hit")
	byteRate := flag.Float64("byterate", def.ByteRate, "plain-mode byte rate (bytes/sec)")
	usePCRs := flag.Bool("use-pcrs", def.UsePCRs, "lock pacing to PCR instead of byterate")
	primeSize := flag.Int("prime-size", def.PrimeSize, "items consumed to (re)prime the PCR credit pool")
	primeSpeedup := flag.Float64("prime-speedup", def.PrimeSpeedup, "percent speedup applied while priming")
	pcrScale := flag.Float64("pcr-scale", def.PCRScale, "scale factor applied to incoming PCR values")
	parentWaitMs := flag.Int("parent-wait-ms", def.ParentWaitMs, "producer poll interval (ms) while ring is full")
	childWaitMs := flag.Int("child-wait-ms", def.ChildWaitMs, "consumer poll interval (ms) while ring is empty")
	parentGiveUpAfter := flag.Int("parent-give-up-after", def.ParentGiveUpAfter, "producer polls before giving up on a full ring")
	inspect := flag.Bool("inspect", false, "splice a PCR/PSI diagnostic inspector onto the sink's output")

	flag.Parse()

	pacing := tswriter.PacingConfig{
		CircBufSize:       *circBufSize,
		PacketsPerItem:    *packetsPerItem,
		MaxNoWait:         *maxNoWait,
		WaitForUs:         *waitForUs,
		ByteRate:          *byteRate,
		UsePCRs:           *usePCRs,
		PrimeSize:         *primeSize,
		PrimeSpeedup:      *primeSpeedup,
		PCRScale:          *pcrScale,
		ParentWaitMs:      *parentWaitMs,
		ChildWaitMs:       *childWaitMs,
		ParentGiveUpAfter: *parentGiveUpAfter,
	}
	if err := pacing.Validate(); err != nil {
		return err
	}

	kind, err := parseSinkKind(*sinkKind)
	if err != nil {
		return err
	}
	opts := tswriter.OpenOptions{
		Kind:         kind,
		Path:         *file,
		Addr:         *addr,
		MulticastIF:  *mcastIF,
		MulticastTTL: *mcastTTL,
		Inspect:      *inspect,
	}

	reg := metrics.NewRegistry()
	w, err := tswriter.NewWriter(pacing, opts, reg)
	if err != nil {
		return fmt.Errorf("open writer: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	preflightCheck(ctx, kind, *addr)

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, reg)
	}
	if *commandAddr != "" {
		go serveCommands(ctx, *commandAddr, w)
	}

	w.StartBuffering(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	in := bufio.NewReaderSize(os.Stdin, 256*1024)
	ingestErr := ingest(ctx, in, w, *useM2TS, *m2tsWindow)
	if ingestErr != nil && ingestErr != context.Canceled {
		return fmt.Errorf("ingest: %w", ingestErr)
	}

	if err := w.WriteEOF(ctx); err != nil {
		return fmt.Errorf("write eof: %w", err)
	}
	return nil
}

// ingest reads packets from r (raw TS or M2TS) and hands each to w. Any
// -inspect diagnostics happen downstream of this, spliced onto the sink's
// actual output (spec.md §4.6), not on what's merely read here.
func ingest(ctx context.Context, r io.Reader, w *tswriter.TsWriter, useM2TS bool, window int) error {
	sink := func(pkt []byte) error {
		pid, hasPCR, pcr, ok := tspcr.ParsePacket(pkt)
		if !ok {
			return tswriter.ErrInvalidPacket
		}
		return w.WritePacket(ctx, pkt, pid, hasPCR, pcr)
	}

	if useM2TS {
		ro := m2ts.New(window, sink)
		return ro.ReadAll(r)
	}

	pkt := make([]byte, tswriter.TSPacketSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if _, err := io.ReadFull(r, pkt); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := sink(pkt); err != nil {
			return err
		}
	}
}

func parseSinkKind(s string) (tswriter.SinkKind, error) {
	switch s {
	case "stdout":
		return tswriter.SinkStdout, nil
	case "file":
		return tswriter.SinkFile, nil
	case "tcp":
		return tswriter.SinkTCP, nil
	case "udp":
		return tswriter.SinkUDP, nil
	default:
		return 0, fmt.Errorf("unknown -sink %q", s)
	}
}

// preflightCheck runs an advisory reachability check on a tcp/udp sink
// address before the pacer starts sending to it. Neither check is fatal;
// failures are only logged, matching the non-fatal-UDP philosophy already
// used in the pacer. For a tcp sink, NewWriter has already dialed the
// address before this runs, so a tcp receiver that is not listening makes
// NewWriter fail before the check is reached.
func preflightCheck(ctx context.Context, kind tswriter.SinkKind, addr string) {
	if addr == "" {
		return
	}
	switch kind {
	case tswriter.SinkTCP:
		if err := health.CheckTCPReachable(ctx, addr); err != nil {
			log.Printf("tswrite: preflight: %v", err)
		}
	case tswriter.SinkUDP:
		if err := health.CheckUDPResolvable(addr); err != nil {
			log.Printf("tswrite: preflight: %v", err)
		}
	}
}

// serveMetrics runs the /metrics and /healthz HTTP listeners until the
// process exits. It logs and returns on a listener error rather than
// killing ingest.
func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := health.CheckMetricsEndpoint(r.Context(), "http://"+addr+"/metrics"); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	log.Printf("tswrite: metrics listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Printf("tswrite: metrics listener: %v", err)
	}
}

// serveCommands accepts command connections on addr, each served on its own
// goroutine, and feeds every byte it reads into the writer's command
// channel, per spec.md §4.5. A dropped connection (or CommandQuit) ends that
// connection's loop; the listener keeps accepting new ones until ctx is done.
func serveCommands(ctx context.Context, addr string, w *tswriter.TsWriter) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Printf("tswrite: command listener: %v", err)
		return
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	log.Printf("tswrite: commands listening on %s", addr)
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			ch := w.Commands()
			var buf [1]byte
			for {
				// spec.md §4.3: skip reading a new command byte this round
				// while the previous one is still unacknowledged, rather
				// than overwriting it before the pacer ever observes it.
				for ch.HasUnacknowledgedChange() {
					select {
					case <-ctx.Done():
						return
					case <-time.After(commandAckPollInterval):
					}
				}
				n, err := c.Read(buf[:])
				if err != nil || n == 0 {
					log.Printf("tswrite: command connection closed (%v), treating as quit", err)
					ch.FeedQuit()
					return
				}
				if ch.FeedByte(buf[0]) == tswriter.CommandQuit {
					return
				}
			}
		}(conn)
	}
}

// commandAckPollInterval is how often serveCommands rechecks whether the
// previous command has been acknowledged before reading the next byte.
const commandAckPollInterval = 5 * time.Millisecond
