package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/avaserve/internal/health"
	"github.com/vyrodovalexey/avaserve/internal/observability"
	"github.com/vyrodovalexey/avaserve/internal/reload"
	"github.com/vyrodovalexey/avaserve/internal/router"
	"github.com/vyrodovalexey/avaserve/internal/scheduler"
)

// Admin endpoint paths.
const (
	HealthPath   = "/healthz"
	ReadyPath    = "/readyz"
	MetricsPath  = "/metrics"
	ReloadPath   = "/-/reload"
	StatusPath   = "/-/status"
	RoutesPath   = "/-/routes"
	SchedulePath = "/-/schedule"
)

// TableSource exposes the live route table.
type TableSource interface {
	Current() *router.Table
}

// Reloader rebuilds the route table on demand.
type Reloader interface {
	Reload(ctx context.Context, sources ...string) (uint64, error)
	Status() reload.Status
}

// ScheduleSource lists the scheduled tasks.
type ScheduleSource interface {
	Entries() []scheduler.Entry
}

// AdminTargets are the components operated through the admin listener.
// Endpoints whose target is nil are not registered. Without a Health
// checker, readiness only waits for the first route table.
type AdminTargets struct {
	Routes   TableSource
	Reloader Reloader
	Schedule ScheduleSource
	Health   *health.Checker
}

// RouteView is the admin representation of a rule.
type RouteView struct {
	ID       string              `json:"id"`
	Pattern  string              `json:"pattern,omitempty"`
	Methods  []string            `json:"methods,omitempty"`
	Host     string              `json:"host,omitempty"`
	Priority int                 `json:"priority"`
	Handler  string              `json:"handler"`
	Stages   []router.StageSpec  `json:"stages,omitempty"`
	Cache    *router.CachePolicy `json:"cache,omitempty"`
	Schedule *router.Schedule    `json:"schedule,omitempty"`
	Key      string              `json:"key"`
}

func newRouteView(r *router.Rule) RouteView {
	v := RouteView{
		ID:       r.ID,
		Methods:  r.Methods,
		Host:     r.Host,
		Priority: r.Priority,
		Handler:  r.Handler,
		Stages:   r.Stages,
		Cache:    r.Cache,
		Schedule: r.Schedule,
		Key:      r.Key,
	}
	if !r.IsTask() {
		v.Pattern = r.Pattern.String()
	}
	return v
}

// NewAdmin creates the admin server.
func NewAdmin(cfg Config, targets AdminTargets, opts ...Option) *Server {
	o := newOptions(opts)
	s := newServer("admin", cfg, o.logger)
	if targets.Health == nil {
		targets.Health = health.NewChecker("")
		if targets.Routes != nil {
			routes := targets.Routes
			targets.Health.Register("routes", health.GenerationCheck(func() uint64 {
				return routes.Current().Generation()
			}))
		}
	}
	a := &admin{targets: targets, logger: s.logger}

	s.engine.Use(RequestID(), Recovery(s.logger))

	s.engine.GET(HealthPath, a.health)
	s.engine.GET(ReadyPath, a.ready)
	if o.metrics != nil {
		s.engine.GET(MetricsPath, gin.WrapH(o.metrics.Handler()))
	} else {
		s.engine.GET(MetricsPath, gin.WrapH(promhttp.Handler()))
	}
	if targets.Reloader != nil {
		s.engine.POST(ReloadPath, a.reload)
		s.engine.GET(StatusPath, a.status)
	}
	if targets.Routes != nil {
		s.engine.GET(RoutesPath, a.routes)
	}
	if targets.Schedule != nil {
		s.engine.GET(SchedulePath, a.schedule)
	}
	return s
}

type admin struct {
	targets AdminTargets
	logger  observability.Logger
}

func (a *admin) health(c *gin.Context) {
	c.JSON(http.StatusOK, a.targets.Health.Liveness())
}

// ready reports unready while a critical check fails.
func (a *admin) ready(c *gin.Context) {
	report := a.targets.Health.Readiness(c.Request.Context())
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (a *admin) reload(c *gin.Context) {
	start := time.Now()
	gen, err := a.targets.Reloader.Reload(c.Request.Context())
	if err != nil {
		a.logger.WithContext(c.Request.Context()).Warn("reload requested through admin failed",
			observability.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":      "reload failed",
			"message":    err.Error(),
			"generation": a.targets.Reloader.Status().Generation,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"generation": gen,
		"duration":   time.Since(start).String(),
	})
}

func (a *admin) status(c *gin.Context) {
	c.JSON(http.StatusOK, a.targets.Reloader.Status())
}

func (a *admin) routes(c *gin.Context) {
	table := a.targets.Routes.Current()
	rules := table.Rules()
	tasks := table.Tasks()

	out := struct {
		Generation uint64      `json:"generation"`
		Rules      []RouteView `json:"rules"`
		Tasks      []RouteView `json:"tasks"`
	}{
		Generation: table.Generation(),
		Rules:      make([]RouteView, 0, len(rules)),
		Tasks:      make([]RouteView, 0, len(tasks)),
	}
	for _, r := range rules {
		out.Rules = append(out.Rules, newRouteView(r))
	}
	for _, r := range tasks {
		out.Tasks = append(out.Tasks, newRouteView(r))
	}
	c.JSON(http.StatusOK, out)
}

func (a *admin) schedule(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": a.targets.Schedule.Entries()})
}
