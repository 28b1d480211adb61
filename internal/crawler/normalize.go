package crawler

import (
	"net/url"
	"strings"
	"unicode"
)

// CollapseWhitespace 把连续空白（含换行、不间断空格）压成单个空格并去掉首尾。
func CollapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) || r == ' ' {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// AbsoluteURL 把相对链接解析为基于页面地址的绝对链接。
// 解析失败时原样返回。
func AbsoluteURL(pageURL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

var (
	inStockHints = []string{
		"en stock", "in stock", "available", "disponible", "verfügbar",
	}
	outOfStockHints = []string{
		"rupture", "out of stock", "épuisé", "indisponible", "sold out", "unavailable",
	}
)

// NormalizeAvailability 把库存状态原文归一为 "In stock" / "Out of stock"。
// 识别不了的文本原样保留。
func NormalizeAvailability(raw string) string {
	text := CollapseWhitespace(raw)
	lower := strings.ToLower(text)
	// 先匹配缺货关键词，"currently unavailable" 一类文本也常含 "available"
	if containsAny(lower, outOfStockHints) {
		return "Out of stock"
	}
	if containsAny(lower, inStockHints) {
		return "In stock"
	}
	return text
}

// BrandFromTitle 从商品标题猜品牌：取首个长度大于 2 的字母开头词。
// 卡片没有品牌元素时的兜底。
func BrandFromTitle(title string) string {
	for _, word := range strings.Fields(CollapseWhitespace(title)) {
		trimmed := strings.Trim(word, ".,:;-–")
		if len(trimmed) > 2 && unicode.IsLetter([]rune(trimmed)[0]) {
			return trimmed
		}
	}
	return ""
}
