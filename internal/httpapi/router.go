// Package httpapi serves the ledger over a gin JSON API.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Erio-Harrison/defi-tools/internal/identity"
	"github.com/Erio-Harrison/defi-tools/internal/lifecycle"
	"github.com/Erio-Harrison/defi-tools/internal/observability"
	"github.com/Erio-Harrison/defi-tools/internal/scheduler"
)

// KeeperStats reports the state of the rebalance keeper.
type KeeperStats interface {
	Stats() scheduler.Stats
}

// Deps are the collaborators of the router. Keeper may be nil.
type Deps struct {
	Service *lifecycle.Service
	Issuer  *identity.Issuer
	Keeper  KeeperStats
	Log     *zap.Logger
	Version string
}

// NewRouter builds the gin engine with the ledger API and the open
// /health, /metrics and /status endpoints.
func NewRouter(d Deps) *gin.Engine {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	started := time.Now()

	engine := gin.New()
	engine.Use(gin.Recovery(), RequestID(), AccessLog(d.Log), Metrics())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/metrics", gin.WrapH(observability.Handler()))
	engine.GET("/status", func(c *gin.Context) {
		status := gin.H{
			"version":        d.Version,
			"uptime_seconds": int64(time.Since(started).Seconds()),
		}
		if d.Keeper != nil {
			status["keeper"] = d.Keeper.Stats()
		}
		ok(c, http.StatusOK, status)
	})

	ledger := &LedgerHandler{Service: d.Service}
	ledger.Register(engine.Group("/api/v1"), RequireCaller(d.Issuer))

	engine.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, "route not found")
	})
	return engine
}
