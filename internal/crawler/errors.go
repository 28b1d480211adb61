package crawler

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// FetchKind 抓取错误的分类。
type FetchKind int

const (
	// FetchTransient 瞬时失败（超时、网络、非 2xx），可重试。
	FetchTransient FetchKind = iota
	// FetchFatal 不可恢复失败（浏览器崩溃、页面无法创建）。
	FetchFatal
)

// FetchError 页面抓取失败。
type FetchError struct {
	Kind FetchKind
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	kind := "transient"
	if e.Kind == FetchFatal {
		kind = "fatal"
	}
	return fmt.Sprintf("fetch %s (%s): %v", e.URL, kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// AuthKind 登录错误的分类。
type AuthKind int

const (
	// AuthInvalidCredentials 凭据被站点拒绝。
	AuthInvalidCredentials AuthKind = iota
	// AuthChallengeDetected 命中验证码/反爬拦截页。
	AuthChallengeDetected
)

// AuthError 站点登录失败。
type AuthError struct {
	Kind AuthKind
	Site string
	Err  error
}

func (e *AuthError) Error() string {
	kind := "invalid_credentials"
	if e.Kind == AuthChallengeDetected {
		kind = "challenge_detected"
	}
	return fmt.Sprintf("auth %s (%s): %v", e.Site, kind, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsTransientFetch 判断是否为可重试的抓取错误。
func IsTransientFetch(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind == FetchTransient
	}
	return false
}

// 页面检测关键词
var blockedHints = []string{
	"cloudflare",
	"attention required",
	"verify you are human",
	"access denied",
	"captcha",
	"temporarily unavailable",
}

// containsAny 检查文本是否包含任意一个关键词
func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// looksBlocked 判断页面文本是否为反爬拦截页。
func looksBlocked(bodyText string) bool {
	return bodyText != "" && containsAny(strings.ToLower(bodyText), blockedHints)
}

// classifyFetchError 将底层错误归类为 FetchError。
//
// context 超时与网络类错误视为瞬时；其余按调用方给定的缺省分类。
func classifyFetchError(url string, err error, fallback FetchKind) *FetchError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: FetchTransient, URL: url, Err: err}
	}

	msg := strings.ToLower(err.Error())
	transientKeywords := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"no such host",
		"temporary failure",
		"eof",
	}
	if containsAny(msg, transientKeywords) {
		return &FetchError{Kind: FetchTransient, URL: url, Err: err}
	}

	return &FetchError{Kind: fallback, URL: url, Err: err}
}
