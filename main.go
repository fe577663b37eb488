package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/stormpaths/simple-kanban-sub001/access"
	"github.com/stormpaths/simple-kanban-sub001/api"
	"github.com/stormpaths/simple-kanban-sub001/channel"
	"github.com/stormpaths/simple-kanban-sub001/domain"
	"github.com/stormpaths/simple-kanban-sub001/mutation"
	"github.com/stormpaths/simple-kanban-sub001/storage"
	"github.com/stormpaths/simple-kanban-sub001/stream"
)

func envString(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Fatalf("invalid %s: %q", name, v)
	}
	return n
}

func envDur(name string, def time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Fatalf("invalid %s: %q", name, v)
	}
	return d
}

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.New()
	logger.SetLevel(log.GetLevel())

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing storage config")
	}
	store, err := storage.New(connStr, storage.Tables{
		Boards:      envString("BOARDS_TABLE", "boards"),
		Columns:     envString("COLUMNS_TABLE", "columns"),
		Tasks:       envString("TASKS_TABLE", "tasks"),
		Groups:      envString("GROUPS_TABLE", "groups"),
		Memberships: envString("MEMBERSHIPS_TABLE", "memberships"),
		Comments:    envString("COMMENTS_TABLE", "comments"),
		Users:       envString("USERS_TABLE", "users"),
		EventSpool:  envString("EVENT_SPOOL_QUEUE", "event-spool"),
	})
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	// Without Redis the instance still works, but events reach only its own
	// viewers. Multi-instance deployments must configure it.
	var rc *redis.Client
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		redisOpts, err := redis.ParseURL(redisConn)
		if err != nil {
			parts := strings.Split(redisConn, ",")
			redisOpts = &redis.Options{Addr: parts[0]}
			for _, p := range parts[1:] {
				kv := strings.SplitN(p, "=", 2)
				if len(kv) != 2 {
					continue
				}
				switch strings.ToLower(kv[0]) {
				case "password":
					redisOpts.Password = kv[1]
				case "ssl":
					if strings.ToLower(kv[1]) == "true" {
						redisOpts.TLSConfig = &tls.Config{}
					}
				}
			}
		}
		rc = redis.NewClient(redisOpts)
	} else {
		log.Warn("REDIS_CONNECTION_STRING not set, running with local-only event fan-out")
	}

	var auth *api.Auth
	if os.Getenv("AUTH0_TEST_MODE") == "1" {
		secret := os.Getenv("TEST_JWT_SECRET")
		if secret == "" {
			log.Fatal("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
		}
		auth = api.NewAuth(nil, api.AuthConfig{TestSecret: []byte(secret)})
	} else {
		jwtAudience := os.Getenv("AUTH0_AUDIENCE")
		authDomain := os.Getenv("AUTH0_DOMAIN")
		if jwtAudience == "" || authDomain == "" {
			log.Fatal("missing Auth0 config")
		}
		jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", authDomain)
		jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		auth = api.NewAuth(jwks, api.AuthConfig{Audience: jwtAudience, Issuer: "https://" + authDomain + "/"})
	}

	hub := channel.NewHub(
		envDur("PUBLISH_TIMEOUT", 250*time.Millisecond),
		envDur("CHANNEL_GRACE_PERIOD", 5*time.Second),
		logger,
	)
	relay := stream.NewRelay(hub, rc, store, stream.DefaultRetryPolicy, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go relay.Run(ctx)
	go relay.DrainSpool(ctx, envDur("SPOOL_DRAIN_INTERVAL", 5*time.Second))

	resolver := access.NewResolver(store)
	coordinator := mutation.NewCoordinator(store, resolver, relay, domain.DefaultOrdering, logger)

	var deduper api.Deduper
	if rc != nil {
		deduper = api.NewRedisDeduper(rc, envDur("DEDUPER_TTL", 24*time.Hour))
	}

	e := echo.New()
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.Register(e, store, coordinator, resolver, auth, deduper, hub, logger)
	stream.Register(e, hub, auth, resolver, stream.ConnConfig{
		HeartbeatInterval: envDur("HEARTBEAT_INTERVAL", 45*time.Second),
		AuthTimeout:       envDur("AUTH_TIMEOUT", 10*time.Second),
		WriteTimeout:      envDur("WRITE_TIMEOUT", 10*time.Second),
		SubscriberBuffer:  envInt("SUBSCRIBER_BUFFER", 32),
	}, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	e.Logger.Fatal(e.Start(listenAddr))
}
