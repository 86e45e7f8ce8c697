package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gwnet/aresolve"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type options struct {
	logLevel uint32
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "aresolve-proxy <config> [<config>..]",
		Short: "TCP forward proxy with asynchronous, cached name resolution",
		Long: `TCP forward proxy with asynchronous, cached name resolution.

Accepts TCP connections on one or more listeners, resolves each
listener's configured upstream host through a worker-pool resolver with
a bucketed, TTL-expiring cache, and splices the accepted connection to
the resolved upstream.
`,
		Example: `  aresolve-proxy config.toml`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return start(opt, args)
		},
		SilenceUsage: true,
	}

	cmd.Flags().Uint32VarP(&opt.logLevel, "log-level", "l", 4, "log level; 0=None .. 6=Trace")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func start(opt options, args []string) error {
	if opt.logLevel > 6 {
		return fmt.Errorf("invalid log level: %d", opt.logLevel)
	}
	aresolve.Log.SetLevel(logrus.Level(opt.logLevel))

	cfg, err := loadConfig(args...)
	if err != nil {
		return err
	}

	var annotator *aresolve.ASNAnnotator
	if cfg.Resolver.ASNDatabase != "" {
		annotator, err = aresolve.OpenASNAnnotator(cfg.Resolver.ASNDatabase)
		if err != nil {
			return fmt.Errorf("opening asn database: %w", err)
		}
		defer annotator.Close()
	}

	rctx, err := aresolve.NewCtx(aresolve.Config{
		NumWorkers:       cfg.Resolver.Workers,
		CacheBuckets:     cfg.Resolver.CacheBuckets,
		CacheExpiry:      cacheExpiry(cfg.Resolver),
		PreferIPv6:       cfg.Resolver.PreferIPv6,
		DedupInFlight:    cfg.Resolver.DedupInFlight,
		PrefetchTrigger:  secondsToDuration(cfg.Resolver.PrefetchTrigger),
		PrefetchEligible: secondsToDuration(cfg.Resolver.PrefetchEligible),
		ASNAnnotator:     annotator,
	})
	if err != nil {
		return fmt.Errorf("starting resolver context: %w", err)
	}
	defer rctx.Close()

	var listeners []*net.TCPListener
	for id, l := range cfg.Listeners {
		addr, err := net.ResolveTCPAddr("tcp", l.Address)
		if err != nil {
			return fmt.Errorf("listener %q: %w", id, err)
		}
		ln, err := net.ListenTCP("tcp", addr)
		if err != nil {
			return fmt.Errorf("listener %q: %w", id, err)
		}
		listeners = append(listeners, ln)

		p, err := newProxy(rctx, l.Target)
		if err != nil {
			return fmt.Errorf("listener %q: %w", id, err)
		}
		go func(id string, ln *net.TCPListener, p *proxy) {
			aresolve.Log.WithFields(map[string]interface{}{
				"id": id, "addr": l.Address, "target": l.Target,
			}).Info("listener started")
			if err := p.serve(ln); err != nil {
				aresolve.Log.WithError(err).WithField("id", id).Error("listener stopped")
			}
		}(id, ln, p)
	}

	if cfg.DNSStub.Address != "" {
		stub := newDNSStub(cfg.DNSStub.Address, rctx)
		go func() {
			if err := stub.ListenAndServe(); err != nil {
				aresolve.Log.WithError(err).Error("dns stub listener stopped")
			}
		}()
		defer stub.Shutdown()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	aresolve.Log.Info("stopping")
	for _, ln := range listeners {
		ln.Close()
	}
	return nil
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}
