package livehttp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"zkpredator/internal/bite"
	"zkpredator/internal/decision"
	"zkpredator/internal/events"
	"zkpredator/internal/logger"
	"zkpredator/internal/payment"
	"zkpredator/internal/pkg/symbol"
	"zkpredator/internal/screen"

	"github.com/gin-gonic/gin"
)

const (
	demoConfidence  = 0.5
	defaultPageSize = 50
	maxPageSize     = 500
	sseKeepAlive    = 15 * time.Second
)

// EventSource 是 /events 推送的数据来源，events.Hub 实现了它。
type EventSource interface {
	Subscribe() (<-chan events.Event, func())
}

// StatusInfo 是 /status 与 /capabilities 的静态部分。
type StatusInfo struct {
	AgentName     string
	Goal          string
	Network       string
	DefaultSymbol string
	ServeMock     bool
	Weights       map[string]float64
	Descriptions  map[string]string
}

// Router 暴露 /api/zk 下的触发、审计、钱包与意图释放接口。
type Router struct {
	Gate     RoundRunner
	Ledger   AuditSource
	Wallet   payment.Client
	Intents  IntentLister
	Releaser IntentReleaser
	Rounds   RoundLister
	Events   EventSource
	Info     StatusInfo

	startedAt time.Time
}

func NewRouter(gate RoundRunner, ledger AuditSource, wallet payment.Client, intents IntentLister, releaser IntentReleaser, rounds RoundLister, info StatusInfo) *Router {
	if strings.TrimSpace(info.AgentName) == "" {
		info.AgentName = "ZK Alpha Predator"
	}
	if strings.TrimSpace(info.DefaultSymbol) == "" {
		info.DefaultSymbol = "BTC/USDT"
	}
	return &Router{
		Gate:      gate,
		Ledger:    ledger,
		Wallet:    wallet,
		Intents:   intents,
		Releaser:  releaser,
		Rounds:    rounds,
		Info:      info,
		startedAt: time.Now(),
	}
}

// Register 将 /api/zk 路由挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/status", r.handleStatus)
	group.GET("/capabilities", r.handleCapabilities)
	if r.Gate != nil {
		group.POST("/trigger", r.handleTrigger)
	}
	if r.Ledger != nil {
		group.GET("/audit", r.handleAudit)
	}
	if r.Wallet != nil {
		group.GET("/wallet", r.handleWallet)
	}
	if r.Intents != nil {
		group.GET("/intents", r.handleIntents)
	}
	if r.Releaser != nil {
		group.POST("/intents/:id/release", r.handleRelease)
	}
	if r.Rounds != nil {
		group.GET("/rounds", r.handleRounds)
	}
	if r.Events != nil {
		group.GET("/events", r.handleEvents)
	}
}

func (r *Router) handleTrigger(c *gin.Context) {
	var req TriggerRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
	}
	raw := strings.TrimSpace(req.Symbol)
	if raw == "" {
		raw = r.Info.DefaultSymbol
	}
	sym := symbol.Normalize(raw)
	forceDemo := req.ForceDemo == nil || *req.ForceDemo
	var opts []decision.RunOption
	if forceDemo {
		opts = append(opts, decision.WithScreener(screen.Static(demoConfidence)))
	}
	logger.Infof("[api] trigger ip=%s symbol=%s force_demo=%v", c.ClientIP(), sym, forceDemo)
	out, err := r.Gate.Run(c.Request.Context(), sym, opts...)
	if err != nil {
		logger.Errorf("[api] trigger failed symbol=%s trace=%s err=%v", sym, out.TraceID, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "outcome": out})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (r *Router) handleAudit(c *gin.Context) {
	sum := r.Ledger.Summary()
	purchases := sum.RecentPurchases
	if parseBool(c.Query("all")) {
		purchases = r.Ledger.Expenses()
	}
	c.JSON(http.StatusOK, gin.H{
		"total_spend":    sum.TotalSpend,
		"purchase_count": sum.PurchaseCount,
		"purchases":      purchases,
		"ceiling":        r.Ledger.Ceiling(),
	})
}

func (r *Router) handleWallet(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	asset := strings.TrimSpace(c.DefaultQuery("asset", payment.DefaultAsset))
	resp := gin.H{
		"address":   r.Wallet.Address(),
		"mode":      r.Wallet.Mode(),
		"mock_mode": r.Wallet.Mode() == payment.ModeMock,
		"asset":     asset,
	}
	bal, err := r.Wallet.Balance(ctx, asset)
	if err != nil {
		logger.Warnf("[api] wallet balance failed ip=%s err=%v", c.ClientIP(), err)
		resp["balance_error"] = err.Error()
	} else {
		resp["balance"] = bal
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleStatus(c *gin.Context) {
	resp := gin.H{
		"agent":          r.Info.AgentName,
		"status":         "online",
		"payment_system": "x402",
		"wallet_network": r.Info.Network,
		"uptime_seconds": int64(time.Since(r.startedAt).Seconds()),
		"analysts":       r.analysts(),
	}
	if r.Wallet != nil {
		resp["mode"] = r.Wallet.Mode()
	}
	if r.Releaser != nil {
		resp["bite_status"] = "active"
		resp["release_metrics"] = r.Releaser.Metrics()
	}
	if r.Gate != nil {
		p := r.Gate.Policy()
		resp["policy"] = gin.H{
			"lower_bound":       p.LowerBound,
			"upper_bound":       p.UpperBound,
			"execute_threshold": p.ExecuteThreshold,
			"release_condition": p.ReleaseCondition,
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (r *Router) handleCapabilities(c *gin.Context) {
	workers := make([]gin.H, 0)
	for _, a := range r.analysts() {
		workers = append(workers, gin.H{
			"name":        a.Name,
			"description": a.Description,
			"functions":   []string{"get_" + a.Name + "_analysis"},
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"agent":   r.Info.AgentName,
		"goal":    r.Info.Goal,
		"workers": workers,
		"integrations": gin.H{
			"payments":   "x402",
			"encryption": "BITE",
			"network":    r.Info.Network,
		},
	})
}

func (r *Router) analysts() []AnalystInfo {
	if r.Gate == nil {
		return nil
	}
	source := "remote"
	if r.Info.ServeMock {
		source = "mock"
	}
	resources := r.Gate.Resources()
	out := make([]AnalystInfo, 0, len(resources))
	for _, name := range resources {
		out = append(out, AnalystInfo{
			Name:        name,
			Description: r.Info.Descriptions[name],
			Weight:      r.Info.Weights[name],
			Status:      "ready",
			DataSource:  source,
		})
	}
	return out
}

func (r *Router) handleIntents(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	items, err := r.Intents.List(ctx)
	if err != nil {
		logger.Errorf("[api] intents list failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		filtered := items[:0]
		for _, it := range items {
			if strings.EqualFold(it.Status, status) {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	c.JSON(http.StatusOK, gin.H{"intents": items, "count": len(items)})
}

func (r *Router) handleRelease(c *gin.Context) {
	ref := strings.TrimSpace(c.Param("id"))
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	res, err := r.Releaser.TryRelease(c.Request.Context(), ref, req.Metrics)
	if err != nil {
		if errors.Is(err, bite.ErrIntentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "intent not found"})
			return
		}
		logger.Warnf("[api] release failed ip=%s ref=%s err=%v", c.ClientIP(), ref, err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (r *Router) handleRounds(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	rounds, err := r.Rounds.ListRounds(ctx, querySymbol(c), limit)
	if err != nil {
		logger.Errorf("[api] rounds list failed ip=%s err=%v", c.ClientIP(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rounds": rounds, "count": len(rounds)})
}

func parseBool(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && v
}

// querySymbol 归一化 ?symbol=，空值表示不过滤。
func querySymbol(c *gin.Context) string {
	raw := strings.TrimSpace(c.Query("symbol"))
	if raw == "" {
		return ""
	}
	return symbol.Normalize(raw)
}

// handleEvents 以 SSE 推送实时事件，直到客户端断开。
func (r *Router) handleEvents(c *gin.Context) {
	feed, cancel := r.Events.Subscribe()
	defer cancel()
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	logger.Debugf("[api] events subscriber ip=%s", c.ClientIP())
	c.SSEvent("ready", gin.H{"started_at": r.startedAt.UTC()})
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case evt, ok := <-feed:
			if !ok {
				return false
			}
			c.SSEvent(string(evt.Type), evt)
			return true
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"ts": time.Now().Unix()})
			return true
		}
	})
}
