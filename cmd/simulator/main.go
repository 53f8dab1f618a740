package main

import (
	"chat-sync/domain/chat"
	"chat-sync/observability"
	"chat-sync/repositories"
	"chat-sync/runtime"
	"chat-sync/runtime/workers"
	"chat-sync/services"
	"chat-sync/session"
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
)

type Config struct {
	LogLevel       string        `env:"LOG_LEVEL,default=INFO"`
	BadgerFilepath string        `env:"BADGER_FILEPATH"`
	Settle         time.Duration `env:"SETTLE,default=100ms"`
	PublishTimeout time.Duration `env:"PUBLISH_TIMEOUT,default=2s"`
	BufferSize     int           `env:"CONNECTION_BUFFER_SIZE,default=64"`
	Colours        bool          `env:"COLOURS,default=true"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run plays two users through a conversation lifecycle in one process
// and logs the views each session converges to.
func run() error {
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	options := badger.DefaultOptions(config.BadgerFilepath).WithLoggingLevel(badger.ERROR)
	if config.BadgerFilepath == "" {
		options = options.WithInMemory(true)
	}
	db, err := badger.Open(options)
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() { _ = db.Close() }()

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	hub := runtime.NewRegistry(log, metrics)
	service := services.NewConversationService(log,
		repositories.NewUserRepository(db),
		repositories.NewConversationRepository(db),
		repositories.NewMessageRepository(db, log, nil),
		runtime.NewNotifier(log, metrics, hub, config.PublishTimeout),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := chat.User{ID: "alice", Name: "Alice", Address: "alice@example.com"}
	bob := chat.User{ID: "bob", Name: "Bob", Address: "bob@example.com"}
	supervisor := workers.NewSupervisor(log, time.Second)
	sessions := make(map[chat.UserID]*session.Session)
	for _, user := range []chat.User{alice, bob} {
		if err = service.RegisterUser(ctx, user); err != nil {
			return err
		}
		connection := runtime.NewConnection(log, metrics, hub, user.Address, config.BufferSize)
		s := session.NewSession(log, metrics, user, connection, service, service)
		s.OnChange(report(log, user))
		s.OnNavigateAway(func(id chat.ConversationID) {
			log.Info("Navigated away", "user", user.ID, "conversation", id)
		})
		supervisor.Add(connection, s)
		sessions[user.ID] = s
	}
	go supervisor.Run(ctx)
	defer supervisor.Stop()

	settle := func(step string) {
		time.Sleep(config.Settle)
		header := fmt.Sprintf("  ====== %s ======", step)
		if config.Colours {
			header = color.New(color.BgBlack, color.FgGreen).Render(header)
		}
		fmt.Println(header)
		log.Info("Step done", "step", step, "online", hub.Members())
	}

	for _, s := range sessions {
		if err = s.Start(ctx); err != nil {
			return err
		}
	}
	settle("sessions started")

	conversation, err := service.CreateConversation(ctx, chat.CreateConversationCommand{Creator: alice, OtherID: bob.ID})
	if err != nil {
		return err
	}
	settle("conversation created")

	if _, err = service.PostMessage(ctx, chat.PostMessageCommand{
		ConversationID: conversation.ID, Sender: alice, Body: "Hi Bob, are you there?",
	}); err != nil {
		return err
	}
	settle("message sent")

	if err = sessions[bob.ID].OpenConversation(ctx, conversation.ID); err != nil {
		return err
	}
	settle("conversation opened")

	if err = service.DeleteConversation(ctx, conversation.ID, alice); err != nil {
		return err
	}
	settle("conversation deleted")

	for _, s := range sessions {
		_ = s.Close()
	}
	return nil
}

func report(log *slog.Logger, user chat.User) func(session.View) {
	return func(view session.View) {
		for _, c := range view.Conversations {
			log.Info("View", "user", user.ID, "title", c.Title, "preview", c.Preview,
				"unread", c.UnreadCount, "seen", c.HasSeen)
		}
		if view.Open != "" {
			log.Info("Open", "user", user.ID, "conversation", view.Open, "messages", len(view.Messages))
		}
	}
}
