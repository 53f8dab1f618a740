package main

import (
	"chat-sync/domain/chat"
	"chat-sync/errors"
	"chat-sync/infrastructure/httpapi"
	"chat-sync/infrastructure/websocket"
	"chat-sync/observability"
	"chat-sync/presence"
	"chat-sync/projection"
	"chat-sync/session"
	"context"
	goerrors "errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run keeps one user session in sync with the server and logs what it sees.
// A dropped socket is dialed again by the transport and the session then
// fetches everything, so only a signal or a fatal error ends it.
func run() error {
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)
	user := chat.User{ID: chat.UserID(config.UserID), Name: config.UserName, Address: chat.Address(config.UserAddress)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := httpapi.NewClient(config.ServerURL, user, config.RequestTimeout)
	if err := api.RegisterUser(ctx); err != nil && !goerrors.Is(err, errors.ErrUserAlreadyExists) {
		return fmt.Errorf("registration failed: %w", err)
	}

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	wsURL := "ws" + strings.TrimPrefix(strings.TrimSuffix(config.ServerURL, "/"), "http") + "/ws"
	transport, err := websocket.Dial(ctx, log, metrics, wsURL, user.Address, websocket.Options{
		WriteWait:      config.WriteWait,
		MaxMessageSize: config.MaxMessageSize,
		ReconnectMin:   config.ReconnectMin,
		ReconnectMax:   config.ReconnectMax,
	})
	if err != nil {
		return err
	}
	defer func() { _ = transport.Close() }()

	s := session.NewSession(log, metrics, user, transport, api, api)
	s.OnChange(func(view session.View) {
		log.Info("Conversations",
			"count", len(view.Conversations),
			"unread", lo.SumBy(view.Conversations, func(c projection.ConversationView) int { return c.UnreadCount }),
			"open", view.Open,
			"messages", len(view.Messages))
	})
	s.OnNavigateAway(func(id chat.ConversationID) {
		log.Info("Open conversation was deleted", "conversation", id)
	})
	presenceSubscription := s.OnPresence(func(delta presence.Delta) {
		log.Info("Presence", "added", delta.Added, "removed", delta.Removed, "online", len(delta.Members))
	})
	defer presenceSubscription.Release()

	errCh := make(chan error, 2)
	go func() { errCh <- transport.Run(ctx) }()
	go func() { errCh <- s.Run(ctx) }()

	if err = s.Start(ctx); err != nil {
		return fmt.Errorf("session failed to start: %w", err)
	}
	if config.OpenConversation != "" {
		if err = s.OpenConversation(ctx, chat.ConversationID(config.OpenConversation)); err != nil {
			return fmt.Errorf("opening %s failed: %w", config.OpenConversation, err)
		}
	}
	log.Info("Session started", "user", user.ID)

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err = <-errCh:
		if err != nil {
			_ = s.Close()
			return fmt.Errorf("session interrupted: %w", err)
		}
	}
	return s.Close()
}
