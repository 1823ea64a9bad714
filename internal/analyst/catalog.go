// Package analyst 提供模拟的付费分析师网络：价目表、402 应答与报告结构校验。
package analyst

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"zkpredator/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Offer 描述单个分析师的报价与报告。
type Offer struct {
	Type   string         `mapstructure:"type" yaml:"type"`
	Price  string         `mapstructure:"price" yaml:"price"`
	Asset  string         `mapstructure:"asset" yaml:"asset"`
	Report map[string]any `mapstructure:"report" yaml:"report"`
	Schema map[string]any `mapstructure:"schema" yaml:"schema"`

	amount         decimal.Decimal
	schemaCompiled *jsonschema.Schema
}

// Amount 返回解析后的价格。
func (o Offer) Amount() decimal.Decimal {
	return o.amount
}

// FileConfig 映射价目表文件的 analysts 段。
type FileConfig struct {
	Analysts map[string]Offer `mapstructure:"analysts" yaml:"analysts"`
}

type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Offers   map[string]Offer
}

// Catalog 管理分析师价目表；从文件加载时监听变更并热更新。
type Catalog struct {
	path string
	v    *viper.Viper

	mu       sync.RWMutex
	snapshot Snapshot
}

// reportSchema 是所有报告共享的最低要求：score ∈ [0,1]。
var reportSchema = map[string]any{
	"type":     "object",
	"required": []any{"score"},
	"properties": map[string]any{
		"score": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
	},
}

// DefaultOffers 是内置的三位分析师。
func DefaultOffers() map[string]Offer {
	return map[string]Offer{
		"technical": {
			Price: "0.10",
			Report: map[string]any{
				"analyst":    "TechWizard_AI",
				"type":       "Technical",
				"score":      0.85,
				"indicators": map[string]any{"RSI": 65, "MACD": "Bullish Cross"},
				"insight":    "Strong momentum breakout confirmed on 4H timeframe.",
			},
		},
		"sentiment": {
			Price: "0.20",
			Report: map[string]any{
				"analyst": "NewsReader_Bot",
				"type":    "Sentiment",
				"score":   0.60,
				"sources": []any{"Twitter", "Bloomberg"},
				"insight": "Retail sentiment is mixed, but institutional mentions are rising.",
			},
		},
		"onchain": {
			Price: "0.50",
			Report: map[string]any{
				"analyst": "WhaleWatcher_v9",
				"type":    "On-Chain",
				"score":   0.92,
				"metrics": map[string]any{"exchange_outflow": "High", "whale_accumulation": "Detected"},
				"insight": "Significant withdrawal of BTC from exchanges in the last hour. Whales are accumulating.",
			},
		},
	}
}

// NewCatalog 用给定报价构造内存价目表。
func NewCatalog(offers map[string]Offer) (*Catalog, error) {
	c := &Catalog{}
	if err := c.install(offers, "builtin"); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadCatalog 读取价目表文件并监听更新；path 为空时使用内置价目表。
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return NewCatalog(DefaultOffers())
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read analyst catalog failed: %w", err)
	}
	c := &Catalog{path: path, v: v}
	if err := c.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := c.reload(); err != nil {
			logger.Errorf("analyst catalog reload failed: %v", err)
		}
	})
	v.WatchConfig()
	return c, nil
}

func (c *Catalog) reload() error {
	cfg, err := readCatalogFile(c.path)
	if err != nil {
		return err
	}
	return c.install(cfg.Analysts, filepath.Base(c.path))
}

func (c *Catalog) install(raw map[string]Offer, source string) error {
	offers := make(map[string]Offer, len(raw))
	for name, offer := range raw {
		norm, err := normalizeOffer(name, offer)
		if err != nil {
			return err
		}
		offers[norm.Type] = norm
	}
	if len(offers) == 0 {
		return fmt.Errorf("analyst catalog %s 为空", source)
	}
	c.mu.Lock()
	c.snapshot = Snapshot{
		Version:  c.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Offers:   offers,
	}
	c.mu.Unlock()
	logger.Infof("Analyst catalog loaded %d offers from %s", len(offers), source)
	return nil
}

func normalizeOffer(name string, o Offer) (Offer, error) {
	o.Type = strings.ToLower(strings.TrimSpace(o.Type))
	if o.Type == "" {
		o.Type = strings.ToLower(strings.TrimSpace(name))
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(o.Price))
	if err != nil || !amount.IsPositive() {
		return Offer{}, fmt.Errorf("analyst %s price 无效: %q", o.Type, o.Price)
	}
	o.amount = amount
	o.Asset = strings.ToLower(strings.TrimSpace(o.Asset))
	if o.Asset == "" {
		o.Asset = "usdc"
	}
	schema := o.Schema
	if len(schema) == 0 {
		schema = reportSchema
	}
	compiled, err := compileSchema(o.Type, schema)
	if err != nil {
		return Offer{}, fmt.Errorf("analyst %s schema compile failed: %w", o.Type, err)
	}
	o.schemaCompiled = compiled
	if o.Report != nil {
		raw, err := json.Marshal(o.Report)
		if err != nil {
			return Offer{}, err
		}
		if err := validateAgainst(compiled, raw); err != nil {
			return Offer{}, fmt.Errorf("analyst %s canned report 不满足 schema: %w", o.Type, err)
		}
	}
	return o, nil
}

// Snapshot 返回当前价目表副本。
func (c *Catalog) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	dst := Snapshot{Version: c.snapshot.Version, LoadedAt: c.snapshot.LoadedAt, Offers: make(map[string]Offer, len(c.snapshot.Offers))}
	for k, v := range c.snapshot.Offers {
		dst.Offers[k] = v
	}
	return dst
}

func (c *Catalog) Offer(name string) (Offer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.snapshot.Offers[strings.ToLower(strings.TrimSpace(name))]
	return o, ok
}

// Types 返回排序后的分析师类型。
func (c *Catalog) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.snapshot.Offers))
	for name := range c.snapshot.Offers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ValidateReport 按分析师的 schema 校验报告；未知类型按通用 schema 处理。
func (c *Catalog) ValidateReport(resource string, raw []byte) error {
	schema := defaultCompiled()
	if o, ok := c.Offer(resource); ok && o.schemaCompiled != nil {
		schema = o.schemaCompiled
	}
	return validateAgainst(schema, raw)
}

var (
	defaultSchemaOnce sync.Once
	defaultSchema     *jsonschema.Schema
)

func defaultCompiled() *jsonschema.Schema {
	defaultSchemaOnce.Do(func() {
		s, err := compileSchema("default", reportSchema)
		if err != nil {
			panic(err)
		}
		defaultSchema = s
	})
	return defaultSchema
}

func compileSchema(name string, data map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	url := name + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

func validateAgainst(schema *jsonschema.Schema, raw []byte) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("report is not valid json: %w", err)
	}
	return schema.Validate(doc)
}

func readCatalogFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read analyst catalog failed: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse analyst catalog failed: %w", err)
	}
	return cfg, nil
}
