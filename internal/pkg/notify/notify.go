package notify

import (
	"context"

	"github.com/guireclegagne-dev/ecommerce-scraper/internal/model"
)

// Notifier 定义运行报告通知接口。
type Notifier interface {
	// SendReport 发送一次运行的汇总报告。
	SendReport(ctx context.Context, report *model.RunReport) error
}
