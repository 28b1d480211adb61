package crawler

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/guireclegagne-dev/ecommerce-scraper/internal/model"
)

// FieldResult 单个字段的解析结果。
//
// 没有命中时 Found 为 false、Value 为空串，这不是错误：
// 缺字段的卡片照常入库，只是对应列为空。
type FieldResult struct {
	Value  string
	Found  bool
	Source string // "configured" 或 "heuristic"
}

// 各逻辑字段的启发式候选选择器，按优先级排列，首个命中生效。
var fieldHeuristics = map[string][]string{
	"brand": {
		`[itemprop="brand"]`,
		`.brand`,
		`.manufacturer`,
		`[class*="brand"]`,
	},
	"model": {
		`[itemprop="name"]`,
		`.product-title`,
		`.product-name`,
		`.title`,
		`h1`, `h2`, `h3`,
		`a[title]`,
	},
	"finish": {
		`.finish`,
		`.variant`,
		`[class*="finish"]`,
		`[class*="variant"]`,
		`[class*="color"]`,
	},
	"specs": {
		`[itemprop="description"]`,
		`.specs`,
		`[class*="spec"]`,
		`.features li`,
		`.description`,
	},
	"price": {
		`[itemprop="price"]`,
		`.price`,
		`[class*="price"]`,
		`.amount`,
	},
	"availability": {
		`[itemprop="availability"]`,
		`.availability`,
		`.stock`,
		`[class*="stock"]`,
		`[class*="avail"]`,
	},
	"url": {
		`a[href]`,
	},
	"image": {
		`img`,
	},
}

// 取整段拼接而不是首个命中的字段
var multiValuedFields = map[string]bool{
	"specs": true,
}

// 商品卡片容器的启发式候选选择器。
var cardCandidates = []string{
	`.product-miniature`,
	`.ajax_block_product`,
	`.thumbnail-container`,
	`[class*="product-card"]`,
	`[class*="product-item"]`,
	`.product`,
	`[class*="product"]`,
	`[class*="listing-item"]`,
	`[class*="search-result"]`,
}

// 翻页入口的启发式候选选择器。
var nextPageCandidates = []string{
	`a[rel="next"]`,
	`.pagination .next a`,
	`.next a`,
	`a.next`,
	`li.next a`,
	`.pagination a[aria-label*="ext"]`,
}

// Resolver 按站点配置解析页面：先用配置选择器，缺失或不命中时
// 回退到启发式候选列表。
type Resolver struct {
	site *model.SiteProfile
}

// NewResolver 创建站点的选择器解析器。
func NewResolver(site *model.SiteProfile) *Resolver {
	return &Resolver{site: site}
}

// Cards 返回页面上的商品卡片集合与使用的选择器。
//
// 配置选择器优先；不命中时依次尝试启发式候选；仍不命中时
// 退回出现频率最高的重复 class（至少 5 次且带链接）。
func (r *Resolver) Cards(doc *goquery.Document) (*goquery.Selection, string) {
	if sel := r.site.CardSelector(); sel != "" {
		if cards := doc.Find(sel); cards.Length() > 0 {
			return cards, sel
		}
	}

	for _, sel := range cardCandidates {
		if cards := doc.Find(sel); cards.Length() >= 2 {
			return cards, sel
		}
	}

	if sel := mostFrequentClass(doc); sel != "" {
		return doc.Find(sel), sel
	}

	return doc.Find("__none__"), ""
}

// mostFrequentClass 找出页面上重复次数最多的 class。
//
// 只统计 div/li/article 的首个 class，要求出现至少 5 次且
// 元素内带链接，避免把导航或页脚当成商品列表。
func mostFrequentClass(doc *goquery.Document) string {
	counts := make(map[string]int)
	doc.Find("div, li, article").Each(func(_ int, s *goquery.Selection) {
		class, ok := s.Attr("class")
		if !ok {
			return
		}
		first := strings.Fields(class)
		if len(first) == 0 {
			return
		}
		if s.Find("a[href]").Length() == 0 {
			return
		}
		counts[first[0]]++
	})

	best := ""
	bestCount := 0
	for class, count := range counts {
		if count > bestCount {
			best, bestCount = class, count
		}
	}
	if bestCount < 5 {
		return ""
	}
	return "." + best
}

// Field 在一张卡片内解析一个逻辑字段。
//
// 配置选择器只要命中元素就定案，哪怕取出来是空值——启发式
// 回退只发生在配置选择器完全不命中（或未配置）时。
func (r *Resolver) Field(card *goquery.Selection, field string) FieldResult {
	if sel := r.site.FieldSelector(field); sel != "" {
		if matches := card.Find(sel); matches.Length() > 0 {
			return FieldResult{Value: fieldValue(matches, field), Found: true, Source: "configured"}
		}
	}

	for _, sel := range fieldHeuristics[field] {
		matches := card.Find(sel)
		if matches.Length() == 0 {
			continue
		}
		if value := fieldValue(matches, field); value != "" {
			return FieldResult{Value: value, Found: true, Source: "heuristic"}
		}
	}

	return FieldResult{}
}

// fieldValue 从命中的元素集合取值：url 取 href，image 取 src，
// 其余取文本；多值字段拼接全部命中。
func fieldValue(matches *goquery.Selection, field string) string {
	switch field {
	case "url":
		href, _ := matches.First().Attr("href")
		return strings.TrimSpace(href)
	case "image":
		img := matches.First()
		if src, ok := img.Attr("src"); ok && strings.TrimSpace(src) != "" {
			return strings.TrimSpace(src)
		}
		// 懒加载图片把真实地址放在 data-src
		src, _ := img.Attr("data-src")
		return strings.TrimSpace(src)
	}

	if multiValuedFields[field] {
		var parts []string
		matches.Each(func(_ int, s *goquery.Selection) {
			if text := CollapseWhitespace(s.Text()); text != "" {
				parts = append(parts, text)
			}
		})
		return strings.Join(parts, "; ")
	}

	return CollapseWhitespace(matches.First().Text())
}

// NextPageURL 返回翻页入口的链接（未绝对化）。
func (r *Resolver) NextPageURL(doc *goquery.Document) (string, bool) {
	if sel := r.site.NextPageSelector(); sel != "" {
		if href, ok := doc.Find(sel).First().Attr("href"); ok && strings.TrimSpace(href) != "" {
			return strings.TrimSpace(href), true
		}
	}

	for _, sel := range nextPageCandidates {
		if href, ok := doc.Find(sel).First().Attr("href"); ok && strings.TrimSpace(href) != "" {
			return strings.TrimSpace(href), true
		}
	}

	return "", false
}
