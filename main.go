// Command showsync runs the real-time show-control sync broker.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"showsync/broker/internal/config"
	grpcadmin "showsync/broker/internal/grpc"
	"showsync/broker/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	logging.ReplaceGlobals(logger)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("broker stopped with error", logging.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// run serves until ctx is cancelled, then drains listeners and background loops.
func run(ctx context.Context, cfg *config.Config, logger *logging.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := a.start(runCtx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("broker listening",
			logging.String("url", listenerURL(cfg.Address, cfg.TLSEnabled())),
			logging.String("websocket", websocketURL(cfg.Address, cfg.TLSEnabled())),
			logging.String("server_id", cfg.ServerID),
			logging.String("stage", string(cfg.Stage)),
		)
		var serveErr error
		if cfg.TLSEnabled() {
			serveErr = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			serveErr = server.ListenAndServe()
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", serveErr)
		}
	}()

	//1.- The admin gRPC listener is optional and shares the process lifetime.
	var stopGRPC func()
	if cfg.GRPC.Address != "" {
		listener, err := net.Listen("tcp", cfg.GRPC.Address)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcServer := grpcadmin.NewServer(a.adminService(), cfg.GRPC.SharedSecret, logger)
		stopGRPC = grpcServer.GracefulStop
		go func() {
			logger.Info("admin gRPC listening", logging.String("addr", listener.Addr().String()))
			if err := grpcServer.Serve(listener); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-errCh:
	}

	//2.- Stop accepting work first, then close live sockets so disconnect cleanup runs.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", logging.Error(err))
	}
	if stopGRPC != nil {
		stopGRPC()
	}
	cancel()
	return runErr
}
