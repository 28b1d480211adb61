package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"

	"github.com/guireclegagne-dev/ecommerce-scraper/internal/model"
	"github.com/guireclegagne-dev/ecommerce-scraper/internal/pkg/metrics"
)

// 登录表单字段的启发式候选选择器，按优先级排列。
var (
	loginUserCandidates = []string{
		`input[name="email"]`,
		`input[type="email"]`,
		`input[name="username"]`,
		`input[name="login"]`,
		`input[id*="user"]`,
		`input[id*="email"]`,
		`input[id*="login"]`,
	}
	loginPassCandidates = []string{
		`input[type="password"]`,
		`input[name="password"]`,
		`input[id*="pass"]`,
	}
	loginSubmitCandidates = []string{
		`button[type="submit"]`,
		`input[type="submit"]`,
		`button[name="submit"]`,
		`form button`,
	}
)

// Session 一次已登录的站点会话。
//
// 底层是一个浏览器页面，登录态（cookie、storage）随页面存活。
// 同一站点 pass 的所有翻页复用这个页面；Close 在 pass 的每条
// 退出路径上都会被调用（defer）。
type Session struct {
	page   *rod.Page
	site   string
	logger *slog.Logger
	closed bool
}

// OpenSession 登录站点并返回会话。
//
// 流程：打开登录页，定位用户名/密码/提交控件（优先配置选择器，
// 否则走启发式候选列表），填入凭据并提交，然后验证登录标记。
// 凭据只存在于本函数的参数里，不进入 Session。
func OpenSession(ctx context.Context, browser *rod.Browser, site *model.SiteProfile, creds model.Credentials, timeout time.Duration, logger *slog.Logger) (*Session, error) {
	if creds.Empty() {
		metrics.AuthFailuresTotal.WithLabelValues(site.Name, "invalid_credentials").Inc()
		return nil, &AuthError{Kind: AuthInvalidCredentials, Site: site.Name, Err: fmt.Errorf("no credentials configured")}
	}

	loginURL := site.LoginURL
	if loginURL == "" {
		loginURL = site.URL
	}

	page, err := newStealthPage(ctx, browser, logger)
	if err != nil {
		return nil, &FetchError{Kind: FetchFatal, URL: loginURL, Err: err}
	}

	session := &Session{page: page, site: site.Name, logger: logger}

	if err := navigateWithTimeout(ctx, page, loginURL, timeout); err != nil {
		session.Close()
		return nil, classifyFetchError(loginURL, err, FetchTransient)
	}

	if blocked, _ := pageLooksBlocked(page); blocked {
		session.Close()
		metrics.AuthFailuresTotal.WithLabelValues(site.Name, "challenge").Inc()
		return nil, &AuthError{Kind: AuthChallengeDetected, Site: site.Name, Err: fmt.Errorf("challenge page at login url")}
	}

	userField, userSel, err := findLoginElement(page, site.FieldSelector("login_user"), loginUserCandidates)
	if err != nil {
		session.Close()
		metrics.AuthFailuresTotal.WithLabelValues(site.Name, "invalid_credentials").Inc()
		return nil, &AuthError{Kind: AuthInvalidCredentials, Site: site.Name, Err: fmt.Errorf("username field not found: %w", err)}
	}
	passField, passSel, err := findLoginElement(page, site.FieldSelector("login_pass"), loginPassCandidates)
	if err != nil {
		session.Close()
		metrics.AuthFailuresTotal.WithLabelValues(site.Name, "invalid_credentials").Inc()
		return nil, &AuthError{Kind: AuthInvalidCredentials, Site: site.Name, Err: fmt.Errorf("password field not found: %w", err)}
	}

	logger.Debug("login form detected",
		slog.String("site", site.Name),
		slog.String("user_selector", userSel),
		slog.String("pass_selector", passSel))

	if err := userField.Input(creds.Username); err != nil {
		session.Close()
		return nil, &AuthError{Kind: AuthInvalidCredentials, Site: site.Name, Err: fmt.Errorf("fill username: %w", err)}
	}
	if err := passField.Input(creds.Password); err != nil {
		session.Close()
		return nil, &AuthError{Kind: AuthInvalidCredentials, Site: site.Name, Err: fmt.Errorf("fill password: %w", err)}
	}

	if submit, _, err := findLoginElement(page, site.FieldSelector("login_submit"), loginSubmitCandidates); err == nil {
		if err := submit.Click("left", 1); err != nil {
			session.Close()
			return nil, &AuthError{Kind: AuthInvalidCredentials, Site: site.Name, Err: fmt.Errorf("submit login: %w", err)}
		}
	} else {
		// 没有可点的提交按钮时直接在密码框回车
		if err := passField.Type('\r'); err != nil {
			session.Close()
			return nil, &AuthError{Kind: AuthInvalidCredentials, Site: site.Name, Err: fmt.Errorf("submit login: %w", err)}
		}
	}

	_ = page.Timeout(timeout).WaitLoad()

	if err := session.verify(site, loginURL, passSel, timeout); err != nil {
		session.Close()
		return nil, err
	}

	logger.Info("login succeeded", slog.String("site", site.Name))
	return session, nil
}

// verify 确认登录是否成功。
//
// 优先检查配置的登录标记；没有配置时，密码框消失或 URL 离开
// 登录页即视为成功。拦截页归类为 challenge。
func (s *Session) verify(site *model.SiteProfile, loginURL string, passSel string, timeout time.Duration) error {
	if blocked, _ := pageLooksBlocked(s.page); blocked {
		metrics.AuthFailuresTotal.WithLabelValues(site.Name, "challenge").Inc()
		return &AuthError{Kind: AuthChallengeDetected, Site: site.Name, Err: fmt.Errorf("challenge page after submit")}
	}

	if site.LoginMarker != "" {
		if _, err := s.page.Timeout(timeout).Element(site.LoginMarker); err != nil {
			metrics.AuthFailuresTotal.WithLabelValues(site.Name, "invalid_credentials").Inc()
			return &AuthError{Kind: AuthInvalidCredentials, Site: site.Name, Err: fmt.Errorf("login marker %q not found", site.LoginMarker)}
		}
		return nil
	}

	// 无标记配置：密码框还在且 URL 未变则认为登录被拒绝
	hasPass, _, _ := s.page.Has(passSel)
	info, err := s.page.Info()
	if err == nil && info.URL != loginURL {
		return nil
	}
	if !hasPass {
		return nil
	}

	metrics.AuthFailuresTotal.WithLabelValues(site.Name, "invalid_credentials").Inc()
	return &AuthError{Kind: AuthInvalidCredentials, Site: site.Name, Err: fmt.Errorf("still on login form after submit")}
}

// Page 返回会话页面，供渲染抓取器复用。
func (s *Session) Page() *rod.Page { return s.page }

// Close 关闭会话页面。可重复调用。
func (s *Session) Close() {
	if s == nil || s.closed {
		return
	}
	s.closed = true
	if err := s.page.Close(); err != nil {
		s.logger.Warn("close session page failed",
			slog.String("site", s.site),
			slog.String("error", err.Error()))
	}
}

// findLoginElement 先试配置选择器，再按启发式候选列表找第一个命中。
func findLoginElement(page *rod.Page, configured string, candidates []string) (*rod.Element, string, error) {
	if configured != "" {
		has, el, err := page.Has(configured)
		if err == nil && has {
			return el, configured, nil
		}
		return nil, "", fmt.Errorf("configured selector %q not present", configured)
	}

	for _, sel := range candidates {
		has, el, err := page.Has(sel)
		if err != nil {
			continue
		}
		if has {
			return el, sel, nil
		}
	}
	return nil, "", fmt.Errorf("no candidate selector matched")
}

// pageLooksBlocked 基于页面文本判断反爬拦截。
func pageLooksBlocked(page *rod.Page) (bool, error) {
	body, err := page.Timeout(3 * time.Second).Element("body")
	if err != nil {
		return false, err
	}
	text, err := body.Text()
	if err != nil {
		return false, err
	}
	return looksBlocked(text), nil
}
