package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	debugpkg "runtime/debug"
	pprof "runtime/pprof"
	"strconv"
	"strings"
	"syscall"
	"time"
)

var (
	buildVersion = "dev"
	buildTime    = "unknown"
)

const (
	poolDialTimeout       = 10 * time.Second
	poolHealthySessionFor = 2 * time.Minute
)

func main() {
	// Top-level panic handler: ensure any unexpected panic is captured to
	// panic.log with a stack trace so operators can inspect it.
	defer func() {
		if r := recover(); r != nil {
			path := "panic.log"
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
				defer f.Close()
				ts := time.Now().UTC().Format(time.RFC3339)
				fmt.Fprintf(f, "[%s] panic: %v\nbuild_version=%s build_time=%s\n%s\n\n",
					ts, r, buildVersion, buildTime, debugpkg.Stack())
			}
			logger.Stop()
			panic(r)
		}
	}()

	configFlag := flag.String("config", "", "path to config.toml (default data/config/config.toml)")
	secretsFlag := flag.String("secrets", "", "path to secrets.toml")
	poolFlag := flag.String("pool", "", "override pool job negotiation address (host:port)")
	rpcURLFlag := flag.String("rpc-url", "", "override RPC URL")
	rpcCookieFlag := flag.String("rpc-cookie", "", "override RPC cookie path")
	zmqFlag := flag.String("zmq", "", "override ZMQ block notification address")
	statusAddrFlag := flag.String("status", "", "override status HTTP listen address (e.g. :8081)")
	dataDirFlag := flag.String("data-dir", "", "override data directory")
	networkFlag := flag.String("network", "", "bitcoin network: mainnet, testnet, signet, regtest")
	shortHashFlag := flag.String("short-hash", "", "override negotiation.short_hash_mode (off, siphash)")
	rewriteConfigFlag := flag.Bool("rewrite-config", false, "rewrite config on startup")
	profileFlag := flag.Bool("profile", false, "60s CPU profile")
	var debugFlag *bool
	flag.Func("debug", "enable debug logging (true/false)", boolFlagSetter(&debugFlag))
	var stdoutFlag *bool
	flag.Func("stdout", "mirror logs to stdout (true/false)", boolFlagSetter(&stdoutFlag))
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = filepath.Join(defaultDataDir, "config", "config.toml")
	}
	cfg, err := loadConfig(cfgPath, *secretsFlag)
	if err != nil {
		fatal("config", err, "path", cfgPath)
	}
	if err := applyRuntimeOverrides(&cfg, runtimeOverrides{
		poolAddr:      *poolFlag,
		rpcURL:        *rpcURLFlag,
		rpcCookiePath: *rpcCookieFlag,
		zmqBlockAddr:  *zmqFlag,
		statusAddr:    *statusAddrFlag,
		dataDir:       *dataDirFlag,
		network:       *networkFlag,
		shortHashMode: *shortHashFlag,
		debug:         debugFlag,
		stdout:        stdoutFlag,
	}); err != nil {
		fatal("config", err)
	}
	if err := validateConfig(cfg); err != nil {
		fatal("config", err)
	}
	configureLogging(cfg)
	defer logger.Stop()

	if *rewriteConfigFlag {
		if err := rewriteConfigFile(cfgPath, cfg); err != nil {
			logger.Warn("rewrite config file", "path", cfgPath, "error", err)
		}
	}
	writeProxyExamples(cfg.DataDir)

	if *profileFlag {
		startCPUProfile()
	}

	if err := resolveRPCCredentials(&cfg); err != nil {
		fatal("rpc auth", err)
	}
	params, err := chainParamsForNetwork(cfg.Network)
	if err != nil {
		fatal("network", err)
	}
	extras, err := commitExtrasPolicyForConfig(cfg)
	if err != nil {
		fatal("config", err)
	}

	logger.Info("starting job negotiation proxy", "component", "startup", "kind", "lifecycle",
		"version", buildVersion, "pool", cfg.PoolAddr, "status_addr", cfg.StatusAddr)
	logger.Info("startup config summary", "component", "startup", "kind", "config",
		"network", cfg.Network,
		"rpc_url", cfg.RPCURL,
		"zmq_block_addr", cfg.ZMQBlockAddr,
		"template_refresh", cfg.TemplateRefresh,
		"max_commit_retries", cfg.MaxCommitRetries,
		"commit_retry_delay", cfg.CommitRetryDelay,
		"round_timeout", cfg.RoundTimeout,
		"short_hash_mode", cfg.ShortHashMode,
		"journal", cfg.JournalEnabled)

	metrics := newProxyMetrics()

	rpc, err := newNodeRPC(cfg, metrics)
	if err != nil {
		fatal("rpc client", err, "url", cfg.RPCURL)
	}
	defer rpc.Close()

	var journal *negotiationJournal
	if cfg.JournalEnabled {
		path := journalPath(cfg.DataDir)
		journal, err = openNegotiationJournal(path)
		if err != nil {
			logger.Warn("open negotiation journal; continuing without it", "component", "startup", "path", path, "error", err)
			journal = nil
		}
	}
	defer journal.Close()

	feed := newTemplateFeed(rpc, cfg, params, metrics)
	if cfg.ZMQBlockAddr != "" {
		logger.Info("block updates via zmq + polling", "component", "startup", "kind", "template_feed", "zmq_block_addr", cfg.ZMQBlockAddr)
	} else {
		logger.Info("block updates via polling", "component", "startup", "kind", "template_feed", "interval", cfg.TemplateRefresh)
	}
	feed.Start(ctx)

	status := newStatusServer(cfg, feed, journal, metrics)
	var statusHTTPServer *http.Server
	if cfg.StatusAddr != "" {
		statusHTTPServer = &http.Server{
			Addr:              cfg.StatusAddr,
			Handler:           status.handler(),
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
		go func() {
			logger.Info("status listening (http)", "component", "http", "kind", "listen", "addr", cfg.StatusAddr)
			if err := statusHTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fatal("status server error", err)
			}
		}()
	}

	runPoolSessions(ctx, cfg, extras, feed, journal, metrics, status)

	if statusHTTPServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := statusHTTPServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status http shutdown error", "component", "http", "kind", "shutdown", "error", err)
		}
		cancel()
	}
	feed.Wait()
	logger.Info("shutdown complete", "component", "startup", "kind", "lifecycle")
}

// runPoolSessions keeps one pool session alive until ctx ends. Every session
// gets a fresh negotiator; request ids and commit history are per connection.
func runPoolSessions(ctx context.Context, cfg Config, extras commitExtrasPolicy, feed *templateFeed, journal *negotiationJournal, metrics *proxyMetrics, status *statusServer) {
	log := logger.component("pool")
	tracker := newReconnectTracker(poolReconnectMinDelay, poolReconnectMaxDelay, poolReconnectWindow)
	dialer := net.Dialer{Timeout: poolDialTimeout, KeepAlive: 30 * time.Second}

	for ctx.Err() == nil {
		started := time.Now()
		err := runPoolSession(ctx, cfg, dialer, extras, feed, journal, metrics, status)
		if ctx.Err() != nil {
			return
		}
		if time.Since(started) >= poolHealthySessionFor {
			tracker.calm()
		}
		delay := tracker.next(time.Now())
		metrics.RecordPoolReconnect()
		log.Warn("pool session ended; reconnecting", "error", err, "after", humanDuration(time.Since(started)), "delay", delay)
		if sleepContext(ctx, delay) != nil {
			return
		}
	}
}

func runPoolSession(ctx context.Context, cfg Config, dialer net.Dialer, extras commitExtrasPolicy, feed *templateFeed, journal *negotiationJournal, metrics *proxyMetrics, status *statusServer) error {
	conn, err := dialer.DialContext(ctx, "tcp", cfg.PoolAddr)
	if err != nil {
		return fmt.Errorf("dial pool: %w", err)
	}
	disableTCPNagle(conn)

	env := newNegotiatorEnvelope(newJobNegotiator(jobNegotiatorOptions{
		Extras:            extras,
		MaxCommitRetries:  cfg.MaxCommitRetries,
		CommitHistorySize: cfg.CommitHistorySize,
		CommitHistoryTTL:  cfg.CommitHistoryTTL,
	}))
	session := newPoolSession(cfg, conn, env, feed, journal, metrics)
	status.sessionStarted(env, session.transport.Mode())
	err = session.run(ctx)
	_ = conn.Close()
	status.sessionEnded(err)
	return err
}

func boolFlagSetter(dst **bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst = &b
		return nil
	}
}

// startCPUProfile captures a 60-second CPU profile to default.pgo.
func startCPUProfile() {
	f, err := os.Create("default.pgo")
	if err != nil {
		logger.Warn("profile open failed", "component", "startup", "kind", "profile", "error", err)
		return
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		logger.Warn("profile start failed", "component", "startup", "kind", "profile", "error", err)
		_ = f.Close()
		return
	}
	logger.Info("cpu profiling started", "component", "startup", "kind", "profile", "duration", "60s", "path", "default.pgo")
	go func() {
		time.Sleep(60 * time.Second)
		pprof.StopCPUProfile()
		_ = f.Close()
		logger.Info("cpu profiling finished", "component", "startup", "kind", "profile", "path", "default.pgo")
	}()
}

func disableTCPNagle(conn net.Conn) {
	if tcp := findTCPConn(conn); tcp != nil {
		if err := tcp.SetNoDelay(true); err != nil {
			logger.Debug("set tcp no-delay failed (ignored)", "error", err)
		}
	}
}

func findTCPConn(conn net.Conn) *net.TCPConn {
	type netConnGetter interface {
		NetConn() net.Conn
	}

	for i := 0; i < 4 && conn != nil; i++ {
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			return tcpConn
		}
		getter, ok := conn.(netConnGetter)
		if !ok {
			return nil
		}
		next := getter.NetConn()
		if next == nil || next == conn {
			return nil
		}
		conn = next
	}
	return nil
}
