package httpapi

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Erio-Harrison/defi-tools/internal/domain"
	"github.com/Erio-Harrison/defi-tools/internal/lifecycle"
)

// LedgerHandler exposes lifecycle.Service over HTTP. Reads are public;
// mutations act as the bearer token's subject.
type LedgerHandler struct {
	Service *lifecycle.Service
}

// Register mounts the ledger routes under group. auth guards the mutations.
func (h *LedgerHandler) Register(group *gin.RouterGroup, auth gin.HandlerFunc) {
	group.GET("/profiles/:owner", h.getProfile)
	group.GET("/profiles/:owner/strategies", h.listStrategies)
	group.GET("/profiles/:owner/strategies/:id", h.getStrategy)
	group.GET("/profiles/:owner/activity", h.activity)
	group.GET("/profiles/:owner/strategies/:id/activity", h.strategyActivity)

	authed := group.Group("", auth)
	authed.POST("/profiles", h.createProfile)
	authed.POST("/profiles/:owner/pause", h.setPaused(true))
	authed.POST("/profiles/:owner/resume", h.setPaused(false))
	authed.POST("/profiles/:owner/strategies", h.createStrategy)
	authed.POST("/profiles/:owner/strategies/:id/deposit", h.deposit)
	authed.POST("/profiles/:owner/strategies/:id/withdraw", h.withdraw)
	authed.POST("/profiles/:owner/strategies/:id/execute", h.execute)
	authed.POST("/profiles/:owner/strategies/:id/rebalance", h.rebalance)
}

func (h *LedgerHandler) createProfile(c *gin.Context) {
	var req createProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "risk_level is required")
		return
	}
	level, err := req.riskLevel()
	if errors.Is(err, domain.ErrInvalidRiskLevel) {
		failErr(c, err, nil)
		return
	}
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	p, err := h.Service.CreateProfile(c.Request.Context(), caller(c), level)
	if err != nil {
		failErr(c, err, nil)
		return
	}
	ok(c, http.StatusCreated, toProfileDTO(p))
}

func (h *LedgerHandler) getProfile(c *gin.Context) {
	p, err := h.Service.GetProfile(c.Request.Context(), c.Param("owner"))
	if err != nil {
		failErr(c, err, nil)
		return
	}
	ok(c, http.StatusOK, toProfileDTO(p))
}

func (h *LedgerHandler) setPaused(paused bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := h.Service.SetPaused(c.Request.Context(), caller(c), c.Param("owner"), paused)
		if err != nil {
			failErr(c, err, nil)
			return
		}
		ok(c, http.StatusOK, toProfileDTO(p))
	}
}

func (h *LedgerHandler) createStrategy(c *gin.Context) {
	var req createStrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid strategy body: "+err.Error())
		return
	}
	st, err := h.Service.CreateStrategy(c.Request.Context(), caller(c), c.Param("owner"), req.params())
	if err != nil {
		failErr(c, err, nil)
		return
	}
	ok(c, http.StatusCreated, toStrategyDTO(st))
}

func (h *LedgerHandler) listStrategies(c *gin.Context) {
	list, err := h.Service.ListStrategies(c.Request.Context(), c.Param("owner"))
	if err != nil {
		failErr(c, err, nil)
		return
	}
	ok(c, http.StatusOK, toStrategyDTOs(list))
}

func (h *LedgerHandler) getStrategy(c *gin.Context) {
	id, good := strategyID(c)
	if !good {
		return
	}
	st, err := h.Service.GetStrategy(c.Request.Context(), c.Param("owner"), id)
	if err != nil {
		failErr(c, err, nil)
		return
	}
	ok(c, http.StatusOK, toStrategyDTO(st))
}

func (h *LedgerHandler) deposit(c *gin.Context) {
	h.moveFunds(c, h.Service.DepositFunds)
}

func (h *LedgerHandler) withdraw(c *gin.Context) {
	h.moveFunds(c, h.Service.WithdrawFunds)
}

type fundsOp func(ctx context.Context, caller, owner string, strategyID, amount uint64) (*domain.UserProfile, error)

func (h *LedgerHandler) moveFunds(c *gin.Context, op fundsOp) {
	id, good := strategyID(c)
	if !good {
		return
	}
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "amount is required")
		return
	}
	amount, err := parseLamports(req.Amount)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	p, err := op(c.Request.Context(), caller(c), c.Param("owner"), id, amount)
	if err != nil {
		failErr(c, err, nil)
		return
	}
	ok(c, http.StatusOK, toProfileDTO(p))
}

func (h *LedgerHandler) execute(c *gin.Context) {
	h.transition(c, h.Service.ExecuteStrategy)
}

func (h *LedgerHandler) rebalance(c *gin.Context) {
	h.transition(c, h.Service.RebalancePositions)
}

type transitionOp func(ctx context.Context, caller, owner string, strategyID uint64) (*domain.StrategyConfig, error)

func (h *LedgerHandler) transition(c *gin.Context, op transitionOp) {
	id, good := strategyID(c)
	if !good {
		return
	}
	st, err := op(c.Request.Context(), caller(c), c.Param("owner"), id)
	if err != nil {
		// an adapter failure still carries the committed strategy
		var data any
		if st != nil {
			data = toStrategyDTO(st)
		}
		failErr(c, err, data)
		return
	}
	ok(c, http.StatusOK, toStrategyDTO(st))
}

func (h *LedgerHandler) activity(c *gin.Context) {
	start, err := queryInt64(c, "start", 0)
	if err != nil {
		fail(c, http.StatusBadRequest, "start must be unix seconds")
		return
	}
	end, err := queryInt64(c, "end", math.MaxInt64)
	if err != nil {
		fail(c, http.StatusBadRequest, "end must be unix seconds")
		return
	}
	if start > end {
		fail(c, http.StatusBadRequest, "start is after end")
		return
	}
	events, err := h.Service.Activity(c.Request.Context(), c.Param("owner"), start, end)
	if err != nil {
		failErr(c, err, nil)
		return
	}
	ok(c, http.StatusOK, toActivityDTOs(events))
}

func (h *LedgerHandler) strategyActivity(c *gin.Context) {
	id, good := strategyID(c)
	if !good {
		return
	}
	events, err := h.Service.StrategyActivity(c.Request.Context(), c.Param("owner"), id)
	if err != nil {
		failErr(c, err, nil)
		return
	}
	ok(c, http.StatusOK, toActivityDTOs(events))
}

// strategyID parses the :id path parameter, writing the error reply itself.
func strategyID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		failErr(c, domain.ErrInvalidStrategyID, nil)
		return 0, false
	}
	return id, true
}

func queryInt64(c *gin.Context, key string, def int64) (int64, error) {
	v, present := c.GetQuery(key)
	if !present || v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}
