package main

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatty/store"
)

// APIServer provides read-only HTTP endpoints for health checking, runtime
// state, and metrics. It runs on a separate TCP port from the unix-socket
// protocol and never mutates server state.
type APIServer struct {
	srv   *Server
	store *store.Store // nil when auditing is disabled
	echo  *echo.Echo
}

// NewAPIServer constructs an APIServer and registers all routes.
func NewAPIServer(srv *Server, st *store.Store) *APIServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[api] %s %s %d", v.Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	a := &APIServer{srv: srv, store: st, echo: e}
	a.registerRoutes()
	return a
}

func (a *APIServer) registerRoutes() {
	a.echo.GET("/health", a.handleHealth)
	a.echo.GET("/api/version", a.handleVersion)
	a.echo.GET("/api/stats", a.handleStats)
	a.echo.GET("/api/users", a.handleUsers)
	a.echo.GET("/api/groups", a.handleGroups)
	a.echo.GET("/api/audit", a.handleAudit)

	reg := prometheus.NewRegistry()
	reg.MustRegister(newStatsCollector(a.srv))
	a.echo.GET("/metrics", echo.WrapHandler(
		promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
}

// Run starts the Echo HTTP server on addr and blocks until ctx is canceled.
func (a *APIServer) Run(ctx context.Context, addr string) {
	go func() {
		if err := a.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Printf("[api] server error: %v", err)
		}
	}()
	<-ctx.Done()
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.echo.Shutdown(shutCtx); err != nil {
		log.Printf("[api] shutdown: %v", err)
	}
}

func (a *APIServer) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (a *APIServer) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"version": Version})
}

func (a *APIServer) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, a.srv.st.snapshot())
}

// UserInfo is a brief snapshot of a registered user.
type UserInfo struct {
	Nickname string `json:"nickname"`
	Status   string `json:"status"`
	History  int    `json:"history"`
}

func (a *APIServer) handleUsers(c echo.Context) error {
	users := a.srv.reg.users.Snapshot()
	out := make([]UserInfo, 0, len(users))
	for _, u := range users {
		nick, status, hist := u.snapshot()
		out = append(out, UserInfo{Nickname: nick, Status: status.String(), History: hist})
	}
	return c.JSON(http.StatusOK, out)
}

// GroupInfo is a brief snapshot of a group.
type GroupInfo struct {
	Name     string `json:"name"`
	Creator  string `json:"creator"`
	Members  int    `json:"members"`
	Deleting bool   `json:"deleting"`
}

func (a *APIServer) handleGroups(c echo.Context) error {
	groups := a.srv.reg.groups.Snapshot()
	out := make([]GroupInfo, 0, len(groups))
	for _, g := range groups {
		name, creator, n, deleting := g.snapshot()
		out = append(out, GroupInfo{Name: name, Creator: creator, Members: n, Deleting: deleting})
	}
	return c.JSON(http.StatusOK, out)
}

func (a *APIServer) handleAudit(c echo.Context) error {
	if a.store == nil {
		return echo.NewHTTPError(http.StatusNotFound, "auditing disabled")
	}
	n := 50
	if q := c.QueryParam("n"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid n")
		}
		n = v
	}
	entries, err := a.store.RecentAudit(n)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}
