// Command mongo-mcp-http starts the MongoDB MCP server over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"mongo-mcp/internal/auth"
	"mongo-mcp/internal/config"
	"mongo-mcp/internal/mcp"
	"mongo-mcp/internal/mongodb"
	"mongo-mcp/internal/server"
	"mongo-mcp/internal/tools"
)

const serverVersion = "0.1.0"

func main() {
	configPath := flag.String("config", os.Getenv("MCP_CONFIG"), "optional YAML config file")
	printToken := flag.Bool("print-client-token", false, "mint a long-lived client token and exit (requires jwt_secret)")
	flag.Parse()

	log := logrus.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("configuration error")
	}
	configureLogging(log, cfg)

	verifier := buildVerifier(cfg, log)

	if *printToken {
		jv, ok := verifier.(*auth.JWTVerifier)
		if !ok {
			log.Fatal("-print-client-token requires jwt_secret (set MCP_JWT_SECRET)")
		}
		token, err := jv.Generate("mongo-client", 365*24*time.Hour)
		if err != nil {
			log.WithError(err).Fatal("minting client token")
		}
		fmt.Println(token)
		return
	}

	manager := mongodb.NewManager(mongodb.Config{
		URI:             cfg.MongoURI,
		Database:        cfg.Database,
		ConnectAttempts: cfg.ConnectAttempts,
		ConnectBackoff:  cfg.ConnectBackoff,
	}, log)

	registry := mcp.NewRegistry()
	if err := tools.Register(registry, mongodb.NewStore(manager)); err != nil {
		log.WithError(err).Fatal("registering tools")
	}

	dispatcher := mcp.NewDispatcher(registry, mcp.DispatcherConfig{
		ServerName:     "mongo-mcp",
		ServerVersion:  serverVersion,
		RequestTimeout: cfg.RequestTimeout,
		CacheTTL:       cfg.CacheTTL,
	}, log)

	srv := server.New(dispatcher, verifier, log)

	// Bind before serving so an occupied port fails fast at startup.
	listener, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		log.WithError(err).WithField("addr", cfg.Addr()).Fatal("bind failed")
	}

	httpServer := &http.Server{
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()
	log.WithFields(logrus.Fields{
		"addr":     cfg.Addr(),
		"database": cfg.Database,
	}).Info("mongo-mcp server started")

	select {
	case err := <-errCh:
		log.WithError(err).Fatal("server error")
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown incomplete")
	}
	if err := manager.Close(shutdownCtx); err != nil {
		log.WithError(err).Warn("closing store connection")
	}
}

func buildVerifier(cfg *config.Config, log *logrus.Logger) auth.Verifier {
	switch {
	case cfg.JWTSecret != "":
		log.Info("JWT authentication enabled")
		return auth.NewJWTVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer, cfg.JWTAudience)
	case cfg.AuthToken != "":
		log.Info("static token authentication enabled")
		return auth.NewStaticVerifier(cfg.AuthToken)
	}
	log.Warn("MCP_TOKEN and MCP_JWT_SECRET not set; endpoints will be open")
	return nil
}

func configureLogging(log *logrus.Logger, cfg *config.Config) {
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
}
