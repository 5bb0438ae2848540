package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"banking-gateway/internal/config"
	"banking-gateway/internal/factory"
	"banking-gateway/internal/handler"
	"banking-gateway/internal/util"
)

func main() {
	// Initialize factory (which loads config and initializes all clients)
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()
	router := setupRouter(f)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	var background sync.WaitGroup
	if cfg.Cleanup.Enabled {
		background.Add(1)
		go func() {
			defer background.Done()
			if err := f.Scheduler().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				util.Error("Cleanup scheduler stopped", util.ErrorField(err))
			}
		}()
	}

	var servers []*http.Server
	if cfg.Server.EnableTLS && cfg.IsProduction() && cfg.Server.AutoCert {
		servers = startProductionServersWithAutoCert(f, router)
	} else {
		servers = []*http.Server{startServer(f, router)}
	}

	<-ctx.Done()
	util.Info("Received shutdown signal")
	shutdown(servers)
	background.Wait()
}

// setupRouter creates the HTTP router with all handlers using Chi
func setupRouter(f *factory.Factory) http.Handler {
	cfg := f.Config()
	services := f.ServiceFactory()
	sessions := handler.NewSessionHandler(services.RefreshTokenService())

	return handler.NewRouter(handler.RouterConfig{
		RequireHTTPS:          cfg.Server.EnableTLS,
		TrustPrincipalHeaders: cfg.Server.TrustPrincipalHeaders,
		RequestTimeout:        cfg.Server.WriteTimeout,
		HealthCheck:           f.HealthCheck,
	}, sessions, services.RateLimitService(), util.Get())
}

func newServer(cfg *config.Config, addr string, router http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func startProductionServersWithAutoCert(f *factory.Factory, router http.Handler) []*http.Server {
	cfg := f.Config()
	autoCertManager := f.TLSManager().GetAutocertManager()
	if autoCertManager == nil {
		util.Fatal("AutoCert manager is not available in production")
	}

	// HTTP server for ACME challenge and redirect only
	httpServer := &http.Server{
		Addr:              ":80",
		Handler:           autoCertManager.HTTPHandler(nil),
		ReadHeaderTimeout: 10 * time.Second,
	}

	httpsServer := newServer(cfg, ":443", router)
	httpsServer.TLSConfig = f.TLSManager().GetTLSConfig()

	go func() {
		util.Info("Starting HTTP redirect server on port 80")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Error("HTTP redirect server failed", util.ErrorField(err))
		}
	}()

	go func() {
		util.Info("Starting HTTPS server with AutoCert on port 443",
			util.String("domain", cfg.Server.Domain),
		)
		if err := httpsServer.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Fatal("HTTPS AutoCert server failed", util.ErrorField(err))
		}
	}()

	return []*http.Server{httpsServer, httpServer}
}

func startServer(f *factory.Factory, router http.Handler) *http.Server {
	cfg := f.Config()

	addr := cfg.GetServerAddress()
	if cfg.Server.EnableTLS {
		addr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	}
	server := newServer(cfg, addr, router)

	if cfg.Server.EnableTLS {
		server.TLSConfig = f.TLSManager().GetTLSConfig()
		util.Info("Starting HTTPS server",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.TLSPort),
			util.Bool("auto_cert", cfg.Server.AutoCert),
		)
	} else {
		util.Warn("Starting HTTP server - TLS is disabled",
			util.String("environment", cfg.Environment),
			util.Int("port", cfg.Server.Port),
		)
	}

	go func() {
		var err error
		if cfg.Server.EnableTLS {
			// Certificates come from TLSConfig.GetCertificate.
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.Fatal("Server failed to start", util.ErrorField(err))
		}
	}()

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
		util.String("address", server.Addr),
	)
	return server
}

func shutdown(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully",
				util.String("address", srv.Addr),
				util.ErrorField(err))
		} else {
			util.Info("Server shutdown completed", util.String("address", srv.Addr))
		}
	}
}
