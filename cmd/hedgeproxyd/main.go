// Command hedgeproxyd is the transparent TCP forwarding proxy: it
// accepts redirected client connections, recovers their original
// destination, peeks a ClientHello for SNI, races the configured
// upstream pool for a working tunnel, and splices client to upstream.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hedgeproxy/internal/clienthello"
	"hedgeproxy/internal/config"
	"hedgeproxy/internal/destination"
	"hedgeproxy/internal/dispatch"
	"hedgeproxy/internal/logging"
	"hedgeproxy/internal/monitor"
	"hedgeproxy/internal/splice"
	"hedgeproxy/internal/statusapi"
	"hedgeproxy/internal/upstream"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "hedgeproxyd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Parse(args)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	list := upstream.NewList(cfg.Upstreams)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}
	logger.Info("listening",
		zap.String("addr", cfg.ListenAddr), zap.Int("upstreams", list.Len()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prober := monitor.New(list, monitor.Options{Interval: cfg.ProbeInterval}, logger)
	go prober.Run(ctx)

	var statusSrv *statusServer
	if cfg.StatusAddr != "" {
		statusSrv = newStatusServer(cfg.StatusAddr, list)
		go statusSrv.run(logger)
	}

	var wg sync.WaitGroup
	go acceptLoop(ctx, ln, list, cfg, logger, &wg)

	waitForShutdown(logger)

	cancel()
	ln.Close()
	if statusSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer shutdownCancel()
		statusSrv.shutdown(shutdownCtx)
	}
	wg.Wait()
	logger.Info("shutdown complete")
	return nil
}

func waitForShutdown(logger *zap.Logger) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info("shutting down")
}

func acceptLoop(ctx context.Context, ln net.Listener, list *upstream.List, cfg *config.Config, logger *zap.Logger, wg *sync.WaitGroup) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("accept error", zap.Error(err))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			handleClient(ctx, conn, list, cfg, logger)
		}()
	}
}

// handleClient drives one client through the state machine in
// spec.md §4.4: NewClient -> NewClient' -> NewClientWithData ->
// ConnectedClient | AllDown -> Closed.
func handleClient(ctx context.Context, client net.Conn, list *upstream.List, cfg *config.Config, logger *zap.Logger) {
	id := uuid.New().String()
	log := logger.With(zap.String("conn", id), zap.String("src", client.RemoteAddr().String()))
	defer client.Close()

	dest, err := resolveDestination(client)
	if err != nil {
		log.Warn("no original destination", zap.Error(err))
		return
	}
	log = log.With(zap.String("dest", dest.String()))

	prefix, allowParallel, err := peekHello(client, &dest, cfg.Fingerprint, log)
	if err != nil {
		log.Warn("hello peek failed", zap.Error(err))
		return
	}

	// spec.md §9's wait_response asymmetry: WaitResponse tracks
	// allowParallel directly, since effectiveParallel already
	// collapses to a single serial attempt when it's false, and a lone
	// attempt only needs to wait for the handshake to flush, not for
	// the upstream's acknowledgement.
	policy := dispatch.Policy{MaxParallel: cfg.MaxParallel, WaitResponse: allowParallel}

	result, err := dispatch.Race(ctx, list, dest, prefix, policy)
	if err != nil {
		var allDown *dispatch.AllDownError
		if errors.As(err, &allDown) {
			log.Warn("all upstreams failed", zap.Int("attempts", len(allDown.Attempts)))
		} else {
			log.Warn("dispatch error", zap.Error(err))
		}
		return
	}
	log = log.With(zap.String("upstream", result.Up.Tag))
	log.Info("connected")

	stats, err := splice.Copy(client, result.Conn, result.Up, splice.Options{Keepalive: cfg.Keepalive, Logger: log})
	if err != nil {
		log.Warn("splice error", zap.Error(err), zap.Int64("tx", stats.Tx), zap.Int64("rx", stats.Rx))
		return
	}
	log.Info("closed", zap.Int64("tx", stats.Tx), zap.Int64("rx", stats.Rx))
}

// resolveDestination recovers the pre-redirect destination, per
// spec.md §4.1: the socket's own family first, then the other one.
func resolveDestination(client net.Conn) (upstream.Destination, error) {
	addr, err := destination.Original(client)
	if err != nil {
		return upstream.Destination{}, err
	}
	return upstream.Destination{Host: addr.IP.String(), Port: addr.Port}, nil
}

// peekHello runs the bounded hello read and defensive parse, mutating
// dest to the SNI hostname on a successful parse (spec.md §4.2's
// "Effect on state"). It returns the prefix to replay (nil if no bytes
// arrived) and whether hedging is safe.
func peekHello(client net.Conn, dest *upstream.Destination, fingerprint bool, log *zap.Logger) ([]byte, bool, error) {
	prefix, err := clienthello.Peek(client)
	if err != nil {
		return nil, false, err
	}
	if len(prefix) == 0 {
		return nil, false, nil
	}

	res, err := clienthello.Parse(prefix)
	if err != nil {
		log.Debug("clienthello parse failed, hedging disabled", zap.Error(err))
		return prefix, false, nil
	}

	if res.ServerName != "" {
		dest.Host = res.ServerName
	}
	fields := []zap.Field{zap.Bool("early_data", res.EarlyData)}
	if fingerprint {
		fields = append(fields, zap.Strings("alpn", res.ALPN), zap.Int("cipher_count", res.CipherCount))
	}
	log.Debug("clienthello parsed", fields...)
	return prefix, true, nil
}
