package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"permit_server/server/chat/api"
	"permit_server/server/chat/realtime"
	"permit_server/server/chat/repository"
	"permit_server/server/chat/repository/memory"
	"permit_server/server/chat/repository/postgres"
	"permit_server/server/chat/service"
	commonauth "permit_server/server/common/auth"
	"permit_server/server/common/infra/backoffice"
	"permit_server/server/common/infra/cache"
	"permit_server/server/common/infra/db"
	"permit_server/server/common/infra/mq"
	"permit_server/server/common/infra/object"
	commonlog "permit_server/server/common/log"
)

type Server struct {
	HTTPServer  *http.Server
	Hub         *realtime.Hub
	Sweeper     *service.ExpirySweeper
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	MQConn      *amqp.Connection
	MQPublisher *mq.Publisher

	stopBackground context.CancelFunc
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := &Server{}
	checks := map[string]repository.Pinger{}
	fail := func(err error) (*Server, error) {
		s.closeClients()
		return nil, err
	}

	var (
		messageStore repository.MessageStore
		noteStore    repository.NotificationStore
	)
	switch cfg.StoreDriver {
	case StorePostgres:
		pool, err := db.NewPool(ctx, cfg.PostgresDSN, int32(cfg.PostgresMaxConns))
		if err != nil {
			return fail(fmt.Errorf("connect postgres: %w", err))
		}
		s.Pool = pool
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			return fail(fmt.Errorf("ensure schema: %w", err))
		}
		messages := postgres.NewMessageRepository(pool)
		messageStore = messages
		noteStore = postgres.NewNotificationRepository(pool)
		checks["postgres"] = messages
	default:
		messageStore = memory.NewMessageStore()
		noteStore = memory.NewNotificationStore()
		commonlog.Warnf("event=server_init action=store status=memory reason=store_driver_memory")
	}

	hub := realtime.NewHub()
	s.Hub = hub
	if cfg.RedisEnabled {
		client := cache.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		s.Redis = client
		if err := cache.Ping(ctx, client); err != nil {
			return fail(fmt.Errorf("ping redis: %w", err))
		}
		hub.UseRedis(client)
		checks["redis"] = pingFunc(func(ctx context.Context) error { return cache.Ping(ctx, client) })
	}

	var (
		upstream  service.OrderFinder
		directory service.IdentityDirectory
	)
	if len(cfg.BackofficeEndpoints) > 0 {
		client := backoffice.NewClient(backoffice.Options{
			Timeout:          cfg.BackofficeTimeout,
			FailThreshold:    cfg.BackofficeFailures,
			EndpointCooldown: cfg.BackofficeCooldown,
			ServiceToken:     cfg.BackofficeServiceToken,
		}, cfg.BackofficeEndpoints...)
		bo := service.NewBackofficeDirectory(client)
		upstream, directory = bo, bo
	} else {
		commonlog.Warnf("event=server_init action=backoffice status=disabled reason=no_endpoints")
	}
	orders := service.NewCachedOrderFinder(upstream, cfg.OrderCacheTTL)

	var mailer service.EmailSender = service.LogMailer{}
	if cfg.UseMQ {
		conn, err := mq.NewConnection(cfg.LavinMQURL)
		if err != nil {
			return fail(fmt.Errorf("initialize lavinmq: %w", err))
		}
		s.MQConn = conn
		publisher, err := mq.NewPublisher(conn, cfg.MQExchange)
		if err != nil {
			return fail(fmt.Errorf("initialize amqp publisher: %w", err))
		}
		s.MQPublisher = publisher
		mailer = service.NewQueueMailer(publisher)
	}

	var links service.LinkSigner
	if cfg.MinioEnabled {
		client, err := object.NewClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
		if err != nil {
			return fail(fmt.Errorf("initialize minio: %w", err))
		}
		if err := object.EnsureBucket(ctx, client, cfg.MinioBucket); err != nil {
			return fail(fmt.Errorf("ensure bucket %s: %w", cfg.MinioBucket, err))
		}
		links = service.NewAttachmentLinks(client, cfg.MinioBucket, cfg.AttachmentURLTTL)
	}

	messages := service.NewMessageService(messageStore, orders)
	notifications := service.NewNotificationService(noteStore, hub, mailer, directory, service.NotificationOptions{BaseURL: cfg.BaseURL})
	if links != nil {
		notifications.UseLinkSigner(links)
	}
	broadcast := service.NewBroadcastService(messages, notifications, hub, orders)
	if s.MQPublisher != nil {
		broadcast.UseEventPublisher(s.MQPublisher)
	}
	if s.Redis != nil {
		broadcast.UseDeduper(service.NewRedisDeduper(s.Redis, cfg.SendDedupeTTL))
	}

	sweeper, err := service.NewExpirySweeper(notifications, cfg.CleanupCron)
	if err != nil {
		return fail(err)
	}
	s.Sweeper = sweeper

	auth := commonauth.NewService(cfg.JWTSecret, cfg.JWTTTLMinutes)
	coordinator := realtime.NewCoordinator(hub, auth, realtime.Options{
		MaxRoomsPerConn: cfg.Realtime.MaxRoomsPerConn,
		EventsPerSecond: cfg.Realtime.EventsPerSecond,
		EventBurst:      cfg.Realtime.EventBurst,
		PersistMarkRead: cfg.Realtime.MarkReadPersists,
	})
	coordinator.UseReadMarker(broadcast)
	coordinator.UseOrderAccess(messages)

	h := api.NewHandler(api.Deps{
		Messages:      messages,
		Notifications: notifications,
		Broadcast:     broadcast,
		Coordinator:   coordinator,
		Auth:          auth,
		Links:         links,
		WS: realtime.WSOptions{
			SendBuffer:     cfg.Realtime.SendBuffer,
			WriteWait:      cfg.Realtime.WriteWait,
			PongWait:       cfg.Realtime.PongWait,
			MaxMessageSize: int64(cfg.Realtime.MaxMessageSize),
			AllowedOrigins: cfg.Realtime.AllowedOrigins,
		},
		Checks: checks,
	})
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	h.RegisterRoutes(r)

	s.HTTPServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Start launches the background workers: the cross-instance relay and the
// expiry sweeper.
func (s *Server) Start() error {
	bg, cancel := context.WithCancel(context.Background())
	s.stopBackground = cancel
	if s.Redis != nil {
		if err := s.Hub.StartRedisSubscriber(bg); err != nil {
			cancel()
			return fmt.Errorf("start redis subscriber: %w", err)
		}
	}
	s.Sweeper.Start(bg)
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.HTTPServer.Shutdown(ctx)
	s.Hub.CloseAll()
	if s.Sweeper != nil {
		s.Sweeper.Stop()
	}
	s.Hub.StopRedisSubscriber()
	if s.stopBackground != nil {
		s.stopBackground()
	}
	s.closeClients()
	return err
}

func (s *Server) closeClients() {
	if s.MQPublisher != nil {
		s.MQPublisher.Close()
	}
	if s.MQConn != nil {
		_ = s.MQConn.Close()
	}
	if s.Redis != nil {
		_ = s.Redis.Close()
	}
	if s.Pool != nil {
		s.Pool.Close()
	}
}
