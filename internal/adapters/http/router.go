package http

import (
	"context"
	"os"
	"time"

	"github.com/dkeye/Plaza/internal/adapters/signal"
	"github.com/dkeye/Plaza/internal/app/orch"
	"github.com/dkeye/Plaza/internal/config"
	"github.com/dkeye/Plaza/internal/metrics"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const clientTokenKey = "ct"

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

// ClientTokenMiddleware gives every browser a stable anonymous token kept
// in the signed session cookie. It only tags logs; admission never trusts it.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := sessions.Default(c)
		token, _ := sess.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			sess.Set(clientTokenKey, token)
			if err := sess.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "OPTIONS"},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cfg
}

// Deps are the runtime pieces the routes read from.
type Deps struct {
	Orch    *orch.Orchestrator
	Metrics *metrics.Metrics
	Host    *metrics.Sampler
	Started time.Time
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	secret := cfg.Secret
	if secret == "" {
		secret = uuid.NewString()
		log.Warn().Str("module", "adapters.http").Msg("no cookie secret configured, client tokens reset on restart")
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("PlazaSessions", store))
	r.Use(ClientTokenMiddleware())

	started := deps.Started
	if started.IsZero() {
		started = time.Now()
	}
	h := &handlers{orch: deps.Orch, host: deps.Host, started: started}

	r.GET("/", h.health)
	r.GET("/health", h.health)
	r.GET("/metrics", h.metrics)
	r.GET("/metrics/prometheus", gin.WrapH(promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{})))
	r.GET("/presence/:spaceId", h.presence)

	if cfg.StaticPath != "" {
		if st, err := os.Stat(cfg.StaticPath); err == nil && st.IsDir() {
			r.Static("/static", cfg.StaticPath)
			log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("serving static files")
		}
	}

	ctrl := signal.NewSignalWSController(deps.Orch, signal.Config{
		ReadLimit:      cfg.ReadLimit,
		PingPeriod:     cfg.PingPeriod,
		AllowedOrigins: cfg.AllowedOrigins,
	}, deps.Metrics)
	limiter := NewConnectLimiter(rate.Limit(cfg.ConnectRate), cfg.ConnectBurst)

	api := r.Group("/api")
	api.GET("/ws", limiter.Middleware(deps.Metrics), func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Msg("ws endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Int("origins", len(cfg.AllowedOrigins)).Msg("router setup")
	return r
}
