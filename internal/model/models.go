package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// FetchMode 表示站点的抓取方式。
type FetchMode string

const (
	// FetchModeStatic 直接 HTTP 请求，不执行页面脚本。
	FetchModeStatic FetchMode = "static"
	// FetchModeRendered 无头浏览器渲染后再取 DOM。
	FetchModeRendered FetchMode = "rendered"
)

// SiteProfile 表示一个待采集的目录站点配置。
//
// 由站点注册表（sites.json）提供，单次运行内只读。
// Selectors 将逻辑字段名（brand/model/price/...）映射为 CSS 选择器；
// 特殊键 "card" 指定商品卡片容器，"next_page" 指定翻页入口。
// 选择器缺失的字段走启发式探测。
type SiteProfile struct {
	Name      string            `json:"name"`      // 站点标识（入库时的 site_source）
	URL       string            `json:"url"`       // 目录入口 URL
	Mode      FetchMode         `json:"mode"`      // 抓取方式: static / rendered
	Selectors map[string]string `json:"selectors"` // 字段 -> CSS 选择器

	RequiresAuth bool   `json:"requires_auth"` // 是否需要登录
	LoginURL     string `json:"login_url"`     // 登录页（为空则使用目录 URL）
	LoginMarker  string `json:"login_marker"`  // 登录成功标记选择器（可选）

	MaxPages  int    `json:"max_pages"`  // 翻页上限（0 表示使用默认值）
	PageParam string `json:"page_param"` // 页码 URL 参数名（默认 "page"）
	Active    bool   `json:"active"`     // 是否参与调度
}

// CardSelector 返回商品卡片容器的配置选择器，可能为空。
func (s *SiteProfile) CardSelector() string { return s.Selectors["card"] }

// NextPageSelector 返回翻页入口的配置选择器，可能为空。
func (s *SiteProfile) NextPageSelector() string { return s.Selectors["next_page"] }

// FieldSelector 返回某个逻辑字段的配置选择器，可能为空。
func (s *SiteProfile) FieldSelector(field string) string { return s.Selectors[field] }

// Credentials 站点登录凭据。仅在一次站点 pass 内持有，绝不入库。
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Empty 判断凭据是否缺失。
func (c Credentials) Empty() bool {
	return strings.TrimSpace(c.Username) == "" && strings.TrimSpace(c.Password) == ""
}

// Product 表示从目录页提取并入库的商品记录。
//
// DedupKey 是去重标识的哈希（唯一索引），入库统一走 Upsert：
// 已存在的记录只更新可变字段和 UpdatedAt，CreatedAt 不变。
type Product struct {
	ID        uint      `gorm:"primaryKey"` // 内部 ID
	CreatedAt time.Time // 首次入库时间
	UpdatedAt time.Time // 最近更新时间

	DedupKey string `gorm:"type:varchar(64);uniqueIndex;not null"` // 去重标识哈希

	Brand        string // 品牌
	Model        string `gorm:"not null"` // 型号/名称（必填）
	Finish       string // 外观/饰面
	Specs        string // 特性描述（自由文本）
	Price        string // 价格原文（不解析币种）
	URL          string // 商品详情页链接
	ImageURL     string // 主图链接
	Availability string // 库存状态原文

	SiteSource  string    `gorm:"type:varchar(191);index;not null"` // 来源站点
	CollectedAt time.Time // 本次采集时间
}

// Valid 校验记录是否可入库：model 与 site_source 缺一不可。
func (p *Product) Valid() bool {
	return strings.TrimSpace(p.Model) != "" && strings.TrimSpace(p.SiteSource) != ""
}

// IdentityKey 计算去重标识的哈希。
//
// 优先 (站点, 商品 URL)；URL 缺失时退化为 (站点, 型号, 外观)。
func (p *Product) IdentityKey() string {
	var raw string
	if strings.TrimSpace(p.URL) != "" {
		raw = p.SiteSource + "\x00" + p.URL
	} else {
		raw = p.SiteSource + "\x00" + p.Model + "\x00" + p.Finish
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// PassOutcome 单个站点 pass 的结果分类。
type PassOutcome string

const (
	PassSuccess PassOutcome = "success" // 所有页面均成功
	PassPartial PassOutcome = "partial" // 部分页面成功
	PassFailed  PassOutcome = "failed"  // 登录失败或第一页抓取失败
)

// SitePassResult 记录单个站点 pass 的结果，pass 结束后不再修改。
type SitePassResult struct {
	Site             string      `json:"site"`
	URL              string      `json:"url"`
	Outcome          PassOutcome `json:"outcome"`
	PagesFetched     int         `json:"pages_fetched"`
	RecordsExtracted int         `json:"records_extracted"`
	RecordsPersisted int         `json:"records_persisted"`
	Errors           []string    `json:"errors,omitempty"`
	StartedAt        time.Time   `json:"started_at"`
	FinishedAt       time.Time   `json:"finished_at"`
}

// RunReport 汇总一次完整运行的结果。
type RunReport struct {
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Sites      []SitePassResult `json:"sites"`
}

// TotalExtracted 返回本次运行提取的记录总数。
func (r *RunReport) TotalExtracted() int {
	total := 0
	for _, s := range r.Sites {
		total += s.RecordsExtracted
	}
	return total
}

// TotalPersisted 返回本次运行入库的记录总数。
func (r *RunReport) TotalPersisted() int {
	total := 0
	for _, s := range r.Sites {
		total += s.RecordsPersisted
	}
	return total
}

// Succeeded 返回结果为 success 的站点数。
func (r *RunReport) Succeeded() int {
	n := 0
	for _, s := range r.Sites {
		if s.Outcome == PassSuccess {
			n++
		}
	}
	return n
}

// Failed 返回结果为 failed 的站点数。
func (r *RunReport) Failed() int {
	n := 0
	for _, s := range r.Sites {
		if s.Outcome == PassFailed {
			n++
		}
	}
	return n
}
