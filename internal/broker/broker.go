// Package broker wraps the asynq task queue that delivers chat commands to
// the persistence consumer and email commands to the email collaborator.
// Delivery is at-least-once; handlers are expected to be idempotent.
package broker

import (
	"context"
	"log"

	"github.com/hibiken/asynq"
)

const (
	QueueChat  = "chat"
	QueueEmail = "email"

	TaskStartChat   = "chat:start"
	TaskSendMessage = "chat:send_message"
	TaskSetChatName = "chat:set_name"
	TaskSendEmail   = "notify:send_email"
)

// Client enqueues tasks. Satisfied by AsynqClient; faked in tests.
type Client interface {
	Enqueue(ctx context.Context, taskType string, payload []byte, opts ...asynq.Option) (string, error)
	Close() error
}

type AsynqClient struct {
	client *asynq.Client
}

var _ Client = (*AsynqClient)(nil)

func NewAsynqClient(redisAddr string) *AsynqClient {
	return &AsynqClient{
		client: asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr}),
	}
}

func (c *AsynqClient) Enqueue(ctx context.Context, taskType string, payload []byte, opts ...asynq.Option) (string, error) {
	info, err := c.client.EnqueueContext(ctx, asynq.NewTask(taskType, payload), opts...)
	if err != nil {
		return "", err
	}
	return info.ID, nil
}

func (c *AsynqClient) Close() error {
	return c.client.Close()
}

// Server runs the background workers for the chat and email queues.
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

func NewServer(redisAddr string, concurrency int, queues map[string]int) *Server {
	if concurrency <= 0 {
		concurrency = 10
	}
	if len(queues) == 0 {
		queues = map[string]int{QueueChat: 6, QueueEmail: 3}
	}

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: redisAddr}, asynq.Config{
		Concurrency: concurrency,
		Queues:      queues,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Printf("Task %s failed: %v", task.Type(), err)
		}),
	})

	return &Server{
		server: srv,
		mux:    asynq.NewServeMux(),
	}
}

func (s *Server) Handle(taskType string, handler asynq.HandlerFunc) {
	s.mux.HandleFunc(taskType, handler)
}

// Run starts the workers and blocks until the context is canceled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if err := s.server.Start(s.mux); err != nil {
		return err
	}
	<-ctx.Done()
	s.server.Shutdown()
	return nil
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}
