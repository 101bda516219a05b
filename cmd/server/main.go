package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/facebookgo/clock"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"

	"github.com/garyjia/doc-approval/internal/config"
	"github.com/garyjia/doc-approval/internal/container"
	httpapi "github.com/garyjia/doc-approval/internal/interfaces/http"
	"github.com/garyjia/doc-approval/pkg/utils"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the config file")
	issueToken := flag.String("issue-token", "", "print a bearer token for this actor and exit")
	roles := flag.String("roles", "", "comma separated roles for -issue-token")
	flag.Parse()

	// .env is optional; real environment variables still win
	if err := gotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		os.Exit(1)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	containerCfg := cfg.ToContainerConfig()
	tokens, err := httpapi.NewTokenManager(httpapi.AuthConfig{
		Secret:   containerCfg.Auth.Secret,
		Issuer:   containerCfg.Auth.Issuer,
		Audience: containerCfg.Auth.Audience,
		TokenTTL: containerCfg.Auth.TokenTTL,
	}, clock.New())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create token manager: %v\n", err)
		os.Exit(1)
	}

	if *issueToken != "" {
		token, err := tokens.Issue(*issueToken, splitRoles(*roles)...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	// Initialize logger
	logger, err := utils.NewLogger(utils.LoggerConfig{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting document approval service",
		zap.String("storage", cfg.Storage.Driver),
		zap.Int("port", cfg.Server.Port))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := container.NewContainer(containerCfg, logger)
	if err != nil {
		logger.Fatal("Failed to create container", zap.Error(err))
	}
	if err := c.Start(ctx); err != nil {
		logger.Fatal("Failed to start container", zap.Error(err))
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Error("Container shutdown error", zap.Error(err))
		}
	}()

	services := c.Services()
	server := httpapi.NewServer(httpapi.ServerConfig{
		Host:         containerCfg.Server.Host,
		Port:         containerCfg.Server.Port,
		ReadTimeout:  containerCfg.Server.ReadTimeout,
		WriteTimeout: containerCfg.Server.WriteTimeout,
	}, httpapi.Services{
		Approvals: services.Approval,
		Queries:   services.Query,
		Audit:     services.Audit,
		Health:    c,
	}, tokens, c.NamedLogger("http"))

	// Start blocks until the signal context is done or the listener fails
	if err := server.Start(ctx); err != nil {
		logger.Error("HTTP server exited with error", zap.Error(err))
	}

	logger.Info("Server exited")
}

func splitRoles(s string) []string {
	var roles []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}
