package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/austinhartzheim/trixy/listener"
	"github.com/austinhartzheim/trixy/socks4"
	"github.com/austinhartzheim/trixy/socks5"
	"github.com/austinhartzheim/trixy/status"
	"github.com/austinhartzheim/trixy/tlsadapter"
	"github.com/austinhartzheim/trixy/trixylog"
)

var help = `
  Usage: trixyd [--help]

  Options:

    --listen, Address to accept proxy connections on (default 127.0.0.1:1080).

    --proto, Front-end protocol to speak on the listener: "socks4", "socks5",
    or "forward" (default "socks5").

    --forward-to, Destination address used when --proto=forward.

    --no-socks4a, Disable SOCKS4a hostname resolution (SOCKS4 CONNECT
    requests using a literal IPv4 address still work).

    --tls-cert, --tls-key, Serve the listener over TLS using this
    certificate and key. The certificate is hot-reloaded when either file
    changes on disk.

    --tls-strict, Restrict the TLS listener to modern cipher suites only.

    --status, Address to serve the "/varz" JSON status endpoint on. Empty
    disables it (default disabled).

    --log-level, One of panic, fatal, error, warning, info, debug, trace
    (default info).

  Signals:
    SIGINT and SIGTERM trigger a graceful shutdown of the listener.

`

func sigHandler(ctx context.Context, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case s := <-sig:
			log.Printf("%s received; shutting down", s)
		case <-ctx.Done():
		}
		signal.Stop(sig)
		cancel()
		return
	}
}

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:1080", "")
	proto := flag.String("proto", "socks5", "")
	forwardTo := flag.String("forward-to", "", "")
	no4a := flag.Bool("no-socks4a", false, "")
	tlsCert := flag.String("tls-cert", "", "")
	tlsKey := flag.String("tls-key", "", "")
	tlsStrict := flag.Bool("tls-strict", false, "")
	statusAddr := flag.String("status", "", "")
	logLevel := flag.String("log-level", "info", "")
	flag.Usage = func() { fmt.Print(help) }
	flag.Parse()

	level, err := trixylog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid --log-level: %s", err)
	}
	logger := trixylog.New("trixyd", level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sigHandler(ctx, cancel)

	var frontEnd listener.FrontEnd
	switch *proto {
	case "socks4":
		s := socks4.New()
		s.Allow4a = !*no4a
		frontEnd = s.FrontEnd
	case "socks5":
		frontEnd = socks5.New().FrontEnd
	case "forward":
		if *forwardTo == "" {
			log.Fatal("--forward-to is required when --proto=forward")
		}
		frontEnd = listener.PassThroughFrontEnd("tcp", *forwardTo)
	default:
		log.Fatalf("unknown --proto %q", *proto)
	}

	var l *listener.Listener
	if *tlsCert != "" || *tlsKey != "" {
		if *tlsCert == "" || *tlsKey == "" {
			log.Fatal("--tls-cert and --tls-key must be given together")
		}
		watcher, err := tlsadapter.NewCertWatcher(logger, *tlsCert, *tlsKey)
		if err != nil {
			log.Fatal(err)
		}
		defer watcher.Close()

		cfg, err := tlsadapter.Config(*tlsCert, *tlsKey, *tlsStrict)
		if err != nil {
			log.Fatal(err)
		}
		cfg.GetCertificate = watcher.GetCertificate
		// crypto/tls consults GetCertificate only when Certificates is empty
		// or the client sends SNI; clear the static copy so every handshake
		// sees the reloaded certificate.
		cfg.Certificates = nil

		l, err = listener.NewTLS(logger, *listenAddr, frontEnd, cfg)
		if err != nil {
			log.Fatal(err)
		}
		logger.ILogf("TLS certificate hot-reload enabled for %s / %s", *tlsCert, *tlsKey)
	} else {
		var err error
		l, err = listener.New(logger, *listenAddr, frontEnd)
		if err != nil {
			log.Fatal(err)
		}
	}

	if *statusAddr != "" {
		sources := []status.Source{{Name: "listener", Stats: &l.Stats}}
		chains := func() []status.Source {
			snapshots := l.Chains()
			out := make([]status.Source, len(snapshots))
			for i, c := range snapshots {
				out[i] = status.Source{Name: c.Name, Stats: c.Stats}
			}
			return out
		}
		go func() {
			h := status.Handler(logger, level >= trixylog.LevelDebug, sources, chains)
			if err := http.ListenAndServe(*statusAddr, h); err != nil {
				logger.WLogf("status endpoint exited: %s", err)
			}
		}()
		logger.ILogf("status endpoint listening on %s", *statusAddr)
	}

	// Serve blocks in Accept without watching ctx, so a signal-driven
	// cancel closes the listener to unblock it.
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	logger.ILogf("listening on %s (%s)", l.Addr(), *proto)
	if err := l.Serve(ctx); err != nil {
		logger.ELogf("listener exited: %s", err)
	}
	l.Close()
}
