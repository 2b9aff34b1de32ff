// Command binder runs the binder on an ephemeral port and prints where it
// listens:
//
//	BINDER_ADDRESS <host>
//	BINDER_PORT <port>
//
// Export both lines into the environment of servers and clients. With
// -etcd the address is also announced in etcd, and servers or clients
// started with BINDER_ETCD_ENDPOINTS find it there.
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
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"binder-rpc/binder"
	"binder-rpc/config"
	"binder-rpc/discovery"
	"binder-rpc/logging"
)

func main() {
	var host, adminAddr, healthAddr, etcd, level string
	var ttl int64
	flag.StringVar(&host, "host", "", "Identifier to advertise (default: hostname)")
	flag.StringVar(&adminAddr, "admin", "", "Serve the JSON-RPC admin API on this address, e.g. 127.0.0.1:8081")
	flag.StringVar(&healthAddr, "health", "", "Serve the gRPC health service on this address, e.g. 127.0.0.1:8082")
	flag.StringVar(&etcd, "etcd", os.Getenv(config.EnvEtcdEndpoints), "Comma separated etcd endpoints to announce the binder in")
	flag.StringVar(&level, "log-level", os.Getenv(config.EnvLogLevel), "debug, info, warn or error")
	flag.Int64Var(&ttl, "ttl", discovery.DefaultTTL, "etcd announce lease TTL in seconds")
	flag.Parse()

	logger, err := logging.New(level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	if err := run(logger, host, adminAddr, healthAddr, etcd, ttl); err != nil {
		logger.Error("binder failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, host, adminAddr, healthAddr, etcd string, ttl int64) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := binder.Listen(ctx, host, binder.WithLogger(logger))
	if err != nil {
		return err
	}
	fmt.Printf("BINDER_ADDRESS %s\n", b.Addr().Identifier)
	fmt.Printf("BINDER_PORT %d\n", b.Addr().Port)

	if adminAddr != "" {
		h, err := binder.AdminHandler(b)
		if err != nil {
			return err
		}
		srv := &http.Server{Addr: adminAddr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
		logger.Info("admin API listening", zap.String("addr", adminAddr))
	}

	if healthAddr != "" {
		ln, err := net.Listen("tcp", healthAddr)
		if err != nil {
			return err
		}
		gs := grpc.NewServer()
		healthpb.RegisterHealthServer(gs, b.Health())
		go gs.Serve(ln)
		defer gs.Stop()
		logger.Info("health service listening", zap.Stringer("addr", ln.Addr()))
	}

	if etcd != "" {
		reg, err := discovery.NewEtcdRegistry(strings.Split(etcd, ","), logger)
		if err != nil {
			return err
		}
		defer reg.Close()
		if err := reg.Announce(ctx, b.Addr(), ttl); err != nil {
			return fmt.Errorf("announce: %w", err)
		}
		defer func() {
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := reg.Withdraw(wctx, b.Addr()); err != nil {
				logger.Warn("withdraw failed", zap.Error(err))
			}
		}()
	}

	err = b.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("interrupted")
		return nil
	}
	return err
}
