package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openviber/openviber/internal/channels"
	"github.com/openviber/openviber/internal/channels/dingtalk"
	"github.com/openviber/openviber/internal/channels/discord"
	"github.com/openviber/openviber/internal/channels/feishu"
	"github.com/openviber/openviber/internal/channels/telegram"
	"github.com/openviber/openviber/internal/channels/web"
	"github.com/openviber/openviber/internal/channels/wechat"
	"github.com/openviber/openviber/internal/channels/wecom"
	"github.com/openviber/openviber/internal/gateway"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the gateway server (HTTP/SSE + daemon websocket endpoint)",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	setupLogging()
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state := gateway.NewState()
	server := gateway.NewServer(gateway.Options{
		Addr:           cfg.Gateway.Addr(),
		BasePath:       cfg.Gateway.BasePath,
		AuthToken:      cfg.Gateway.Token,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,
	}, state, slog.Default())

	// Channel webhooks share the gateway listener under /webhooks.
	router := channels.NewWebhookRouter("/webhooks")
	manager := channels.NewManager(server, router)

	reg := channels.NewRegistry()
	for _, factory := range []*channels.Factory{
		dingtalk.Factory(),
		discord.Factory(),
		feishu.Factory(),
		telegram.Factory(),
		web.Factory(),
		wechat.Factory(),
		wecom.Factory(),
	} {
		if err := reg.Register(factory); err != nil {
			slog.Error("channel registration failed", "channel", factory.ID, "error", err)
			os.Exit(1)
		}
	}
	if err := manager.BuildFromRegistry(reg, cfg.ChannelConfigs()); err != nil {
		slog.Error("channel construction failed", "error", err)
		os.Exit(1)
	}

	mux := server.BuildMux()
	mux.Handle("/webhooks/", router)
	if ch, ok := manager.GetChannel("web"); ok {
		webCh := ch.(*web.Channel)
		mux.HandleFunc("/web/stream/", func(w http.ResponseWriter, r *http.Request) {
			conversationID := strings.TrimPrefix(r.URL.Path, "/web/stream/")
			webCh.ServeStream(w, r, conversationID)
		})
	}

	if err := manager.StartAll(ctx); err != nil {
		slog.Error("channel startup failed", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })

	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if stopErr := manager.StopAll(stopCtx); stopErr != nil {
		slog.Warn("channel shutdown incomplete", "error", stopErr)
	}

	if err != nil && ctx.Err() == nil {
		slog.Error("gateway exited", "error", err)
		os.Exit(1)
	}
	slog.Info("gateway.stopped")
}
