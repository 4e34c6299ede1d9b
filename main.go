package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"chatty/store"
)

// Version is the server version reported by the CLI and the admin API.
var Version = "1.0.0"

func usage(progname string) {
	fmt.Fprintf(os.Stderr, "usage: %s -f <config-path>\n", progname)
	fmt.Fprintf(os.Stderr, "       %s <version|check|audit> [args]\n", progname)
}

func main() {
	os.Exit(run())
}

// run carries the whole serve lifecycle so deferred closes execute before
// the process exits with a status code.
func run() int {
	// Check for CLI subcommands before parsing flags.
	if len(os.Args) > 1 && !strings.HasPrefix(os.Args[1], "-") {
		if RunCLI(os.Args[1:]) {
			return 0
		}
		usage(os.Args[0])
		return 1
	}

	confPath := flag.String("f", "", "configuration file path")
	testUser := flag.String("test-user", "", "name for a virtual echo bot client (empty to disable)")
	flag.Parse()
	if *confPath == "" {
		usage(os.Args[0])
		return 1
	}

	cfg, err := loadConfig(*confPath)
	if err != nil {
		log.Printf("[server] %v", err)
		return 1
	}

	// A peer vanishing mid-write must surface as EPIPE, not kill the
	// process.
	signal.Ignore(syscall.SIGPIPE)

	// Stats dump file, created/truncated at startup when configured.
	var statsFile *os.File
	if cfg.StatFileName != "" {
		statsFile, err = os.Create(cfg.StatFileName)
		if err != nil {
			log.Printf("[server] stats file: %v", err)
			return 1
		}
		defer statsFile.Close()
	}

	// Optional audit store.
	var auditStore *store.Store
	var audit auditFunc
	if cfg.AuditDBName != "" {
		auditStore, err = store.New(cfg.AuditDBName)
		if err != nil {
			log.Printf("[store] %v", err)
			return 1
		}
		defer auditStore.Close()
		audit = func(op Op, sender, receiver string, outcome Op) {
			if err := auditStore.InsertAudit(op.String(), sender, receiver, outcome.String()); err != nil {
				log.Printf("[audit] insert: %v", err)
			}
		}
	}

	srv, err := NewServer(cfg, audit)
	if err != nil {
		log.Printf("[server] %v", err)
		return 1
	}
	if err := srv.Start(); err != nil {
		log.Printf("[server] %v", err)
		return 1
	}

	// Auxiliary actors: admin API, metrics logger, optional test bot, and
	// the periodic SQLite optimizer. All stop when ctx is canceled.
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	if cfg.ApiAddr != "" {
		api := NewAPIServer(srv, auditStore)
		g.Go(func() error {
			api.Run(gctx, cfg.ApiAddr)
			return nil
		})
		log.Printf("[api] listening on %s", cfg.ApiAddr)
	}
	if cfg.MetricsInterval > 0 {
		g.Go(func() error {
			RunMetrics(gctx, srv, time.Duration(cfg.MetricsInterval)*time.Second)
			return nil
		})
	}
	if *testUser != "" {
		name := *testUser
		g.Go(func() error {
			RunTestBot(gctx, cfg.UnixPath, name)
			return nil
		})
	}
	if auditStore != nil {
		g.Go(func() error {
			ticker := time.NewTicker(1 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := auditStore.Optimize(); err != nil {
						log.Printf("[store] optimize: %v", err)
					}
				}
			}
		})
	}

	code := runSignalLoop(srv, statsFile, auditStore)

	cancel()
	if err := g.Wait(); err != nil {
		log.Printf("[server] auxiliary actor: %v", err)
	}
	return code
}

// runSignalLoop is the signal-handling actor: it blocks until a shutdown
// trigger (SIGINT/SIGTERM/SIGQUIT, external SIGUSR2, or an internal fatal
// error) and dumps statistics on SIGUSR1. It runs the one teardown path and
// returns the process exit code.
func runSignalLoop(srv *Server, statsFile *os.File, auditStore *store.Store) int {
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh,
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT,
		syscall.SIGUSR1, syscall.SIGUSR2)

	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				dumpStats(srv, statsFile, auditStore)
			case syscall.SIGUSR2:
				log.Printf("[signal] SIGUSR2, shutting down after error")
				srv.Shutdown()
				return 1
			default:
				log.Printf("[signal] %v, shutting down", sig)
				srv.Shutdown()
				return 0
			}
		case err := <-srv.fatalCh:
			log.Printf("[signal] fatal: %v", err)
			srv.Shutdown()
			return 1
		}
	}
}

// dumpStats appends one line to the stats file and, when auditing is on,
// records a snapshot row.
func dumpStats(srv *Server, statsFile *os.File, auditStore *store.Store) {
	if statsFile != nil {
		if err := srv.st.writeLine(statsFile); err != nil {
			log.Printf("[signal] stats dump: %v", err)
		}
	}
	if auditStore != nil {
		c := srv.st.snapshot()
		err := auditStore.InsertStatsSnapshot(store.StatsSnapshot{
			NUsers:            c.NUsers,
			NOnline:           c.NOnline,
			NDelivered:        c.NDelivered,
			NNotDelivered:     c.NNotDelivered,
			NFileDelivered:    c.NFileDelivered,
			NFileNotDelivered: c.NFileNotDelivered,
			NErrors:           c.NErrors,
			NGroups:           c.NGroups,
		})
		if err != nil {
			log.Printf("[signal] stats snapshot: %v", err)
		}
	}
}
