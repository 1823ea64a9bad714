package analyst

import (
	"net/http"
	"strings"

	"zkpredator/internal/logger"
	"zkpredator/internal/x402"

	"github.com/gin-gonic/gin"
)

// Service 以 HTTP 402 方式出售分析报告。
// 请求未携带 X-Payment-Token 时返回条款；携带后直接返回报告，不校验凭证真伪。
type Service struct {
	Catalog *Catalog
	// Address 是收款地址，通常为本进程支付客户端的地址。
	Address string
}

func NewService(catalog *Catalog, address string) *Service {
	return &Service{Catalog: catalog, Address: strings.TrimSpace(address)}
}

// Register 在 group 下挂载 GET /:type。
func (s *Service) Register(group *gin.RouterGroup) {
	if s == nil || group == nil {
		return
	}
	group.GET("", s.handleIndex)
	group.GET("/:type", s.handleReport)
}

func (s *Service) handleIndex(c *gin.Context) {
	snap := s.Catalog.Snapshot()
	items := make([]gin.H, 0, len(snap.Offers))
	for _, name := range s.Catalog.Types() {
		o := snap.Offers[name]
		items = append(items, gin.H{"type": name, "price": o.Amount().String(), "asset": o.Asset})
	}
	c.JSON(http.StatusOK, gin.H{"version": snap.Version, "analysts": items})
}

func (s *Service) handleReport(c *gin.Context) {
	name := c.Param("type")
	offer, ok := s.Catalog.Offer(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Analyst not found"})
		return
	}
	token := strings.TrimSpace(c.GetHeader(x402.HeaderPaymentToken))
	if token == "" {
		x402.Terms{
			Destination: s.Address,
			Amount:      offer.Amount(),
			Asset:       offer.Asset,
			Resource:    offer.Type,
		}.Write(c.Writer.Header())
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":   "Payment Required",
			"message": displayName(offer.Type) + " Analysis is locked. Price: " + offer.Amount().String() + " " + offer.Asset,
		})
		return
	}
	logger.Infof("analyst %s unlocked by token %s", offer.Type, token)
	c.JSON(http.StatusOK, offer.Report)
}

func displayName(t string) string {
	if t == "" {
		return t
	}
	return strings.ToUpper(t[:1]) + t[1:]
}
