// Command helix runs the Helix BitTorrent tracker described in spec.md:
// the announce/scrape HTTP frontend, the NAT checker, the timeout
// scanner, the checkpoint codec, the control surface, the external
// blacklist poller, and the load ranker, wired into one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"

	"github.com/bittorrent/helix/blacklist"
	"github.com/bittorrent/helix/checkpoint"
	"github.com/bittorrent/helix/control"
	httpfrontend "github.com/bittorrent/helix/frontend/http"
	"github.com/bittorrent/helix/middleware"
	"github.com/bittorrent/helix/natcheck"
	"github.com/bittorrent/helix/pkg/log"
	"github.com/bittorrent/helix/pkg/stop"
	"github.com/bittorrent/helix/stats"
	"github.com/bittorrent/helix/swarm"
	"github.com/bittorrent/helix/timeoutscanner"
)

var logger = log.NewLogger("main")

type options struct {
	daemon         bool
	verbose        bool
	username       string
	groupname      string
	pidfile        string
	logfile        string
	checkpointMins int
	configfile     string

	// controlVars seeds the initial values of the spec.md §9 control
	// variables from the command line. registerControlVariables binds the
	// registry to these fields, except for variables whose live value is
	// owned by another component (the control server, the auth checker,
	// the swarm table); those components copy their seed from here.
	controlVars controlVars
}

// controlVars holds the spec.md §9 control-variable values as addressable
// fields. enforceDBBlacklist, maxHandoutsPerInterval and the mysql* fields
// are registered with control.Registry directly; the others only seed the
// components that registerControlVariables binds instead.
type controlVars struct {
	controlOnlyFromLocalhost bool
	enforceAuthToken         bool
	enforceDBBlacklist       bool
	secretAuthToken          string
	swarmEnforceDNAOnly      bool
	swarmDefaultDNAOnly      bool
	swarmDNAOnlyPrefix       string
	maxHandoutsPerInterval   int
	mysqlDB                  string
	mysqlHost                string
	mysqlUser                string
	mysqlPassword            string
	mysqlPort                int
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:   "helix <port>",
		Short: "Helix BitTorrent tracker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.ParseUint(args[0], 10, 16)
			if err != nil {
				return fmt.Errorf("invalid port %q: %w", args[0], err)
			}
			return run(uint16(port), opts)
		},
		SilenceUsage: true,
	}

	root.Flags().BoolVar(&opts.daemon, "daemon", false, "daemonize after startup")
	root.Flags().BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
	root.Flags().StringVar(&opts.username, "username", "", "drop privileges to this user after binding")
	root.Flags().StringVar(&opts.groupname, "groupname", "", "drop privileges to this group after binding")
	root.Flags().StringVar(&opts.pidfile, "pidfile", "", "write the process id to this file")
	root.Flags().StringVar(&opts.logfile, "logfile", "", "append logs to this file instead of stderr")
	root.Flags().IntVar(&opts.checkpointMins, "checkpoint-time", 5, "minutes between checkpoint writes")
	root.Flags().StringVar(&opts.configfile, "configfile", "", "path to a control-variable config file (spec.md §4.6)")

	cv := &opts.controlVars
	root.Flags().BoolVar(&cv.controlOnlyFromLocalhost, "control-only-from-localhost", true, "restrict mutating /control requests to IPv4 loopback")
	root.Flags().BoolVar(&cv.enforceAuthToken, "enforce-auth-token", false, "require a valid auth token on every announce")
	root.Flags().BoolVar(&cv.enforceDBBlacklist, "enforce-db-blacklist", true, "reject announces whose tid is in the external blacklist")
	root.Flags().StringVar(&cv.secretAuthToken, "secret-auth-token", "sekret", "shared secret for announce auth enforcement")
	root.Flags().BoolVar(&cv.swarmEnforceDNAOnly, "swarm-enforce-dna-only", false, "reject peer_ids without the DNA-only prefix in DNA_ONLY swarms")
	root.Flags().BoolVar(&cv.swarmDefaultDNAOnly, "swarm-default-dna-only", false, "seed newly created swarms as DNA_ONLY")
	root.Flags().StringVar(&cv.swarmDNAOnlyPrefix, "swarm-dna-only-prefix", swarm.DefaultDNAOnlyPrefix, "required peer_id prefix under DNA-only enforcement")
	root.Flags().IntVar(&cv.maxHandoutsPerInterval, "max-handouts-per-interval", 50, "base of the per-category handout ratio cap (max_handouts_per_interval)")
	root.Flags().StringVar(&cv.mysqlDB, "mysql-db", "", "database name for the external blacklist poller")
	root.Flags().StringVar(&cv.mysqlHost, "mysql-host", "", "host for the external blacklist poller; empty disables it")
	root.Flags().StringVar(&cv.mysqlUser, "mysql-user", "", "user for the external blacklist poller")
	root.Flags().StringVar(&cv.mysqlPassword, "mysql-password", "", "password for the external blacklist poller")
	root.Flags().IntVar(&cv.mysqlPort, "mysql-port", 5432, "port for the external blacklist poller")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(port uint16, opts *options) error {
	if opts.verbose {
		log.SetLevel(zerolog.DebugLevel)
	}
	if opts.logfile != "" {
		if err := log.Reopen(opts.logfile); err != nil {
			return fmt.Errorf("opening logfile: %w", err)
		}
	}
	if opts.pidfile != "" {
		if err := os.WriteFile(opts.pidfile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
			return fmt.Errorf("writing pidfile: %w", err)
		}
	}

	cv := &opts.controlVars
	table := swarm.NewTable(cv.swarmDefaultDNAOnly)
	*table.EnforceDNAOnly() = cv.swarmEnforceDNAOnly
	*table.DNAOnlyPrefix() = cv.swarmDNAOnlyPrefix

	checkpointPath := "tracker_checkpoint"
	if err := checkpoint.Load(checkpointPath, table, cv.swarmDefaultDNAOnly); err != nil {
		logger.Error().Err(err).Msg("failed to load checkpoint; starting with an empty table")
	}

	sampler := stats.NewCPUSampler()
	go sampler.Run()

	ranker := stats.NewRanker(table, sampler, stats.DefaultRankInterval)
	go ranker.Run()

	scanner := timeoutscanner.New(table, 1800*time.Second)
	go scanner.Run()

	checker := natcheck.New(natcheck.DefaultMaxChecking, natcheck.DefaultTimeout, middleware.NatCheckCallback())

	bgCtx := context.Background()

	var bl *blacklist.Poller
	if cv.mysqlHost != "" {
		dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s", cv.mysqlUser, cv.mysqlPassword, cv.mysqlHost, cv.mysqlPort, cv.mysqlDB)
		pool, err := pgxpool.New(bgCtx, dsn)
		if err != nil {
			return fmt.Errorf("connecting blacklist database: %w", err)
		}
		bl = blacklist.New(pool, blacklist.DefaultInterval)
		go bl.Run(bgCtx)
	}

	cfg := middleware.Config{
		AnnounceInterval:      1800 * time.Second,
		MinAnnounceInterval:   900 * time.Second,
		IntervalRandom:        300 * time.Second,
		NumWantDefault:        50,
		MaxHandoutPerInterval: &cv.maxHandoutsPerInterval,
		Strategy:              swarm.SequentialHandout,
		EnforceBlacklist:      &cv.enforceDBBlacklist,
		Blacklist:             blacklistSource(bl),
		Auth:                  &middleware.AuthChecker{Enforce: cv.enforceAuthToken, Secret: cv.secretAuthToken},
	}
	logic := middleware.NewLogic(table, checker, cfg, nil, nil)

	reg := control.New()
	controlServer := control.NewServer(reg, table)
	controlServer.LoopbackOnly = cv.controlOnlyFromLocalhost
	registerControlVariables(reg, table, cv, cfg.Auth, controlServer)
	if opts.configfile != "" {
		if err := reg.ReadFile(opts.configfile); err != nil {
			return fmt.Errorf("reading configfile: %w", err)
		}
	}

	announceServer := httpfrontend.NewServer(logic, table)
	announceServer.CPU = sampler
	announceServer.NAT = checker

	httpSrv := &fasthttp.Server{Handler: announceServer.Handler}
	controlSrv := &fasthttp.Server{Handler: controlHandler(controlServer)}

	addr := fmt.Sprintf(":%d", port)
	go func() {
		if err := httpSrv.ListenAndServe(addr); err != nil {
			logger.Error().Err(err).Msg("announce server stopped")
		}
	}()
	go func() {
		if err := controlSrv.ListenAndServe(":1394"); err != nil {
			logger.Error().Err(err).Msg("control server stopped")
		}
	}()

	checkpointTicker := time.NewTicker(time.Duration(opts.checkpointMins) * time.Minute)
	defer checkpointTicker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	logger.Info().Uint16("port", port).Msg("helix tracker started")

	for {
		select {
		case <-checkpointTicker.C:
			if err := checkpoint.Save(checkpointPath, table.Snapshot()); err != nil {
				logger.Error().Err(err).Msg("checkpoint save failed")
			}
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				if err := log.Reopen(opts.logfile); err != nil {
					logger.Error().Err(err).Msg("failed to reopen log file")
				}
			default:
				return shutdown(httpSrv, controlSrv, scanner, sampler, ranker, checker, logic, bl, table, checkpointPath)
			}
		}
	}
}

func shutdown(httpSrv, controlSrv *fasthttp.Server, scanner *timeoutscanner.Scanner, sampler *stats.CPUSampler, ranker *stats.Ranker, checker *natcheck.Checker, logic *middleware.Logic, bl *blacklist.Poller, table *swarm.Table, checkpointPath string) error {
	logger.Info().Msg("shutting down")

	g := stop.NewGroup()
	g.Add(scanner)
	g.Add(sampler)
	g.Add(ranker)
	g.Add(checker)
	g.Add(logic)
	if bl != nil {
		bl.Stop()
	}
	_ = g.Stop().Wait()

	_ = httpSrv.Shutdown()
	_ = controlSrv.Shutdown()

	return checkpoint.Save(checkpointPath, table.Snapshot())
}

func controlHandler(s *control.Server) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())
		switch {
		case path == "/control":
			s.HandleControl(ctx)
		case path == "/control/set":
			s.HandleControlSet(ctx)
		case path == "/control/blacklist":
			s.HandleBlacklist(ctx)
		default:
			if hex, ok := control.ParseFlagsPath(path); ok {
				s.HandleFlags(ctx, hex)
				return
			}
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
}

// blacklistSource returns bl as a middleware.BlacklistSource, or a true nil
// interface when bl is nil — a bare `cfg.Blacklist = bl` would instead
// produce a non-nil interface wrapping a nil *blacklist.Poller, defeating
// blacklistHook's `h.source == nil` guard.
func blacklistSource(bl *blacklist.Poller) middleware.BlacklistSource {
	if bl == nil {
		return nil
	}
	return bl
}

// registerControlVariables binds every control variable of spec.md §9 to
// the registry, using table for the per-swarm DNA-only defaults/
// enforcement, auth for the announce auth-token pair, and ctl so
// control_only_from_localhost governs the control server's own gate.
func registerControlVariables(reg *control.Registry, table *swarm.Table, cv *controlVars, auth *middleware.AuthChecker, ctl *control.Server) {
	reg.AddBool("control_only_from_localhost", &ctl.LoopbackOnly)
	reg.AddBool("enforce_auth_token", &auth.Enforce)
	reg.AddBool("enforce_db_blacklist", &cv.enforceDBBlacklist)
	reg.AddString("secret_auth_token", &auth.Secret)
	reg.AddBool("swarm_enforce_dna_only", table.EnforceDNAOnly())
	reg.AddBool("swarm_default_dna_only", table.DNAOnlyDefault())
	reg.AddString("swarm_dna_only_prefix", table.DNAOnlyPrefix())
	reg.AddInt("max_handouts_per_interval", &cv.maxHandoutsPerInterval)
	reg.AddString("mysql_db", &cv.mysqlDB)
	reg.AddString("mysql_host", &cv.mysqlHost)
	reg.AddString("mysql_user", &cv.mysqlUser)
	reg.AddString("mysql_password", &cv.mysqlPassword)
	reg.AddInt("mysql_port", &cv.mysqlPort)
}
