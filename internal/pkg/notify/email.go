package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/guireclegagne-dev/ecommerce-scraper/internal/config"
	"github.com/guireclegagne-dev/ecommerce-scraper/internal/model"

	"gopkg.in/gomail.v2"
)

// EmailNotifier 通过邮件发送运行报告。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		logger: logger,
	}
}

// SendReport 发送运行报告邮件。配置不完整时跳过而不是报错。
func (n *EmailNotifier) SendReport(ctx context.Context, report *model.RunReport) error {
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		n.logger.Warn("email config missing, skip report notification")
		return nil
	}
	if strings.TrimSpace(n.cfg.ToEmail) == "" {
		n.logger.Warn("email recipient empty, skip report notification")
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", n.cfg.ToEmail)
	m.SetHeader("Subject", fmt.Sprintf("[CatalogScout] 采集报告 %s", report.StartedAt.Format("2006-01-02 15:04")))

	m.SetBody("text/html", n.buildHTMLBody(report))

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)

	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send report email: %w", err)
	}

	n.logger.Info("report email sent",
		slog.String("to", n.cfg.ToEmail),
		slog.Int("sites", len(report.Sites)))
	return nil
}

func (n *EmailNotifier) buildHTMLBody(report *model.RunReport) string {
	var rows strings.Builder
	for _, s := range report.Sites {
		color := "#22c55e"
		switch s.Outcome {
		case model.PassPartial:
			color = "#f59e0b"
		case model.PassFailed:
			color = "#ef4444"
		}
		errText := ""
		if len(s.Errors) > 0 {
			errText = s.Errors[0]
			if len(s.Errors) > 1 {
				errText = fmt.Sprintf("%s (+%d more)", errText, len(s.Errors)-1)
			}
		}
		fmt.Fprintf(&rows, `<tr>
  <td>%s</td>
  <td style="color:%s;font-weight:bold;">%s</td>
  <td>%d</td><td>%d</td><td>%d</td>
  <td style="color:#6b7280;">%s</td>
</tr>`, s.Site, color, s.Outcome, s.PagesFetched, s.RecordsExtracted, s.RecordsPersisted, errText)
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 680px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { background: #0f172a; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; }
  table { width: 100%%; border-collapse: collapse; font-size: 13px; }
  th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid #e5e7eb; }
  .footer { margin-top: 20px; font-size: 12px; color: #6b7280; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">[CatalogScout] 采集报告</div>
    <div class="content">
      <p>开始 %s，结束 %s。成功 %d / 失败 %d，提取 %d 条，入库 %d 条。</p>
      <table>
        <tr><th>站点</th><th>结果</th><th>页数</th><th>提取</th><th>入库</th><th>错误</th></tr>
        %s
      </table>
      <div class="footer">此邮件由 CatalogScout 自动发送。</div>
    </div>
  </div>
</body>
</html>`,
		report.StartedAt.Format("2006-01-02 15:04:05"),
		report.FinishedAt.Format("2006-01-02 15:04:05"),
		report.Succeeded(), report.Failed(),
		report.TotalExtracted(), report.TotalPersisted(),
		rows.String())
}
