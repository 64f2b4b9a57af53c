// Package notify posts trade events to a Feishu group webhook.
// Sends are fire-and-forget; a failed notification never blocks or fails
// the trading path.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"okx-swap-agent/internal/config"
	"okx-swap-agent/pkg/types"
)

const sendTimeout = 30 * time.Second

// Notifier posts rich-text messages to a Feishu webhook.
type Notifier struct {
	http    *resty.Client
	url     string
	enabled bool
	logger  *slog.Logger
}

// New builds a notifier. A disabled notifier swallows every call.
func New(cfg config.NotifierConfig, logger *slog.Logger) *Notifier {
	return &Notifier{
		http:    resty.New().SetTimeout(sendTimeout),
		url:     cfg.WebhookURL,
		enabled: cfg.Enabled && cfg.WebhookURL != "",
		logger:  logger.With("component", "notify"),
	}
}

type postLine []postTag

type postTag struct {
	Tag  string `json:"tag"`
	Text string `json:"text"`
}

type feishuMessage struct {
	MsgType string `json:"msg_type"`
	Content struct {
		Post struct {
			ZhCn struct {
				Title   string     `json:"title"`
				Content []postLine `json:"content"`
			} `json:"zh_cn"`
		} `json:"post"`
	} `json:"content"`
}

// Send posts a titled message with one paragraph per line, asynchronously.
func (n *Notifier) Send(title string, lines ...string) {
	if !n.enabled {
		return
	}

	msg := feishuMessage{MsgType: "post"}
	msg.Content.Post.ZhCn.Title = title
	for _, line := range lines {
		msg.Content.Post.ZhCn.Content = append(msg.Content.Post.ZhCn.Content,
			postLine{{Tag: "text", Text: line}})
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		resp, err := n.http.R().SetContext(ctx).SetBody(msg).Post(n.url)
		if err != nil {
			n.logger.Warn("webhook send failed", "title", title, "error", err)
			return
		}
		if resp.StatusCode() != http.StatusOK {
			n.logger.Warn("webhook rejected", "title", title, "status", resp.StatusCode())
		}
	}()
}

// NotifyOpen announces a filled open.
func (n *Notifier) NotifyOpen(symbol string, side types.PosSide, size, price float64, confidence int, reason string) {
	n.Send("开仓通知",
		fmt.Sprintf("合约: %s", symbol),
		fmt.Sprintf("方向: %s  数量: %.1f张  价格: %.2f", side, size, price),
		fmt.Sprintf("置信度: %d", confidence),
		"理由: "+reason,
	)
}

// NotifyAdjust announces a TP/SL adjustment.
func (n *Notifier) NotifyAdjust(symbol string, side types.PosSide, plan *types.AdjustPlan, reason string) {
	lines := []string{fmt.Sprintf("合约: %s  方向: %s", symbol, side)}
	if plan != nil {
		for _, l := range plan.TakeProfit {
			lines = append(lines, fmt.Sprintf("止盈: %.2f x %s", l.Price, sizeStr(l.Size)))
		}
		for _, l := range plan.StopLoss {
			lines = append(lines, fmt.Sprintf("止损: %.2f x %s", l.Price, sizeStr(l.Size)))
		}
	}
	lines = append(lines, "理由: "+reason)
	n.Send("调整止盈止损", lines...)
}

// NotifyClose announces an active close.
func (n *Notifier) NotifyClose(symbol string, side types.PosSide, reason string) {
	n.Send("平仓通知",
		fmt.Sprintf("合约: %s  方向: %s", symbol, side),
		"理由: "+reason,
	)
}

// NotifyClosed announces a position the exchange reports as closed.
func (n *Notifier) NotifyClosed(c types.ClosedPosition) {
	n.Send("持仓已平",
		fmt.Sprintf("合约: %s  方向: %s  数量: %.1f张", c.Symbol, c.PosSide, c.Size),
		fmt.Sprintf("开仓: %.2f  平仓: %.2f", c.EntryPx, c.ExitPx),
		fmt.Sprintf("盈亏: %.2f USDT (%.2f%%)  持仓时长: %s",
			c.RealizedPnl, c.PnlRatio*100, c.HoldDuration().Round(time.Minute)),
	)
}

func sizeStr(size *float64) string {
	if size == nil {
		return "全部"
	}
	return fmt.Sprintf("%.1f", *size)
}
