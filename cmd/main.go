package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"SocialChat/server/internal/appMiddleware"
	"SocialChat/server/internal/broker"
	"SocialChat/server/internal/config"
	"SocialChat/server/internal/consumer"
	"SocialChat/server/internal/db"
	"SocialChat/server/internal/fanout"
	"SocialChat/server/internal/handlers"
	"SocialChat/server/internal/notify"
	"SocialChat/server/internal/registry"
	"SocialChat/server/internal/services"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.Migrate(cfg.Postgres.DSN); err != nil {
		log.Fatalf("Failed to migrate database: %s\n", err)
	}

	pool, err := db.Connect(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to database: %s\n", err)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer redisClient.Close()

	clock := clockwork.NewRealClock()

	store := services.NewChatStore(pool, clock)

	sessionRegistry := registry.NewRegistry(registry.NewRedisBackplane(redisClient))
	go func() {
		if err := sessionRegistry.Run(ctx); err != nil {
			log.Printf("Backplane subscription stopped: %v", err)
		}
	}()

	brokerClient := broker.NewAsynqClient(cfg.Redis.Addr)
	defer brokerClient.Close()

	publisher := fanout.NewPublisher(sessionRegistry)
	escalator := notify.NewEscalator(store, brokerClient, cfg.App.BaseURL)

	worker := broker.NewServer(cfg.Redis.Addr, cfg.Broker.Concurrency, map[string]int{
		broker.QueueChat:  cfg.Broker.ChatQueueWeight,
		broker.QueueEmail: cfg.Broker.EmailQueueWeight,
	})
	consumer.NewConsumer(store, publisher, escalator).RegisterHandlers(worker)

	go func() {
		if err := worker.Run(ctx); err != nil {
			log.Fatalf("Failed to start broker worker: %s\n", err)
		}
	}()

	chatHandler := handlers.NewChatHandler(store, brokerClient, sessionRegistry, clock, cfg.JWT.Secret)

	r := chi.NewRouter()

	r.Use(appMiddleware.CorsMiddleware)

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(appMiddleware.AuthMiddleware(cfg.JWT.Secret))

		r.Get("/api/chats/{user_id}", chatHandler.GetChats)
		r.Get("/api/chats/messages/{chat_id}", chatHandler.GetChatMessages)
		r.Post("/api/chats/messages-read/{chat_id}", chatHandler.MarkMessagesAsRead)
		r.Get("/api/chats/unread-count", chatHandler.GetUnreadCount)
		r.Post("/api/chats/start-chat", chatHandler.StartChat)
		r.Post("/api/chats/send-message", chatHandler.SendMessage)
		r.Put("/api/chats/set-chat-name", chatHandler.SetChatName)
		r.Delete("/api/chats/messages/{chat_id}/{message_id}", chatHandler.DeleteMessage)
	})

	r.Get("/ws", chatHandler.WebSocket)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("Server started on %s\n", cfg.Server.Addr())

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %s\n", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Stopping the server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server shutdown error: %s\n", err)
	}
	log.Println("Server has been successfully stopped")
}
