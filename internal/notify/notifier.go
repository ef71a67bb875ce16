// Package notify pushes trade and incident messages to Telegram and listens
// for operator commands. Sends are fire and forget: a Telegram outage must
// never slow the trading tick.
package notify

import (
	"fmt"
	"log"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ronniedreams/nifty-options-agent/internal/config"
	"github.com/ronniedreams/nifty-options-agent/internal/models"
	"github.com/ronniedreams/nifty-options-agent/internal/positions"
)

// Sender is the slice of the Telegram API the notifier uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier formats and sends the bot's Telegram messages.
type Notifier struct {
	cfg    config.TelegramConfig
	tag    string // instance prefix, e.g. [EC2]
	sender Sender
	logger *log.Logger

	// sync delivers in the caller's goroutine; tests only.
	sync bool
}

// New connects to the Telegram API. A disabled config returns a no-op
// notifier rather than an error.
func New(cfg config.TelegramConfig, instanceName string, logger *log.Logger) (*Notifier, error) {
	if logger == nil {
		logger = log.Default()
	}
	n := &Notifier{cfg: cfg, tag: instanceTag(instanceName), logger: logger}
	if !cfg.Enabled {
		return n, nil
	}
	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	logger.Printf("[notify] telegram connected as @%s", api.Self.UserName)
	n.sender = api
	return n, nil
}

// NewWithSender injects a sender, for tests and dry runs.
func NewWithSender(cfg config.TelegramConfig, instanceName string, sender Sender, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.Default()
	}
	return &Notifier{cfg: cfg, tag: instanceTag(instanceName), sender: sender, logger: logger, sync: true}
}

func instanceTag(name string) string {
	if name == "" {
		return ""
	}
	return "[" + strings.ToUpper(name) + "] "
}

func (n *Notifier) send(text string) {
	if !n.cfg.Enabled || n.sender == nil {
		return
	}
	msg := tgbotapi.NewMessage(n.cfg.ChatID, n.tag+text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true
	deliver := func() {
		if _, err := n.sender.Send(msg); err != nil {
			n.logger.Printf("[notify] telegram send: %v", err)
		}
	}
	if n.sync {
		deliver()
		return
	}
	go deliver()
}

// Startup announces the bot coming online.
func (n *Notifier) Startup(mode string, tracked int) {
	n.send(fmt.Sprintf("🟢 *Bot online* (%s)\nTracking %d option symbols.", mode, tracked))
}

// Shutdown announces the bot going offline.
func (n *Notifier) Shutdown(reason string) {
	n.send(fmt.Sprintf("🔴 *Bot offline*\n%s", reason))
}

// TradeEntry reports an entry fill.
func (n *Notifier) TradeEntry(p *models.Position) {
	if !n.cfg.NotifyOnTradeEntry {
		return
	}
	n.send(fmt.Sprintf(`📉 *SHORT %s*
Entry: %.2f
SL: %.2f
Qty: %d
Risk: ₹%.0f`,
		p.Symbol, p.EntryPrice, p.SLPrice, p.Quantity, p.ActualR))
}

// TradeExit reports a position close.
func (n *Notifier) TradeExit(p *models.Position) {
	if !n.cfg.NotifyOnTradeExit {
		return
	}
	emoji := "✅"
	if p.RealizedPnL < 0 {
		emoji = "❌"
	}
	n.send(fmt.Sprintf(`%s *CLOSED %s* (%s)
Entry: %.2f → Exit: %.2f
PnL: ₹%.0f (%.2fR)`,
		emoji, p.Symbol, p.ExitReason, p.EntryPrice, p.ExitPrice, p.RealizedPnL, p.RealizedR))
}

// DailyExit reports the daily target or stop latch firing.
func (n *Notifier) DailyExit(reason string, totalR float64) {
	if !n.cfg.NotifyOnDailyTarget {
		return
	}
	emoji := "🎯"
	if reason == models.ExitReasonDailyStop {
		emoji = "🛑"
	}
	n.send(fmt.Sprintf("%s *DAILY EXIT* at %.2fR (%s)\nFlattening all positions, done for the day.", emoji, totalR, reason))
}

// DailySummary sends the end-of-session report.
func (n *Notifier) DailySummary(sum positions.Summary) {
	n.send(fmt.Sprintf(`📊 *Daily Summary*
Closed trades: %d
Total PnL: ₹%.0f
Realized R: %.2f
Time: %s`,
		sum.ClosedCount, sum.TotalPnL, sum.CumulativeR, sum.Timestamp.Format("15:04:05")))
}

// BestStrikeChange reports a selection switch for one option type.
func (n *Notifier) BestStrikeChange(optType models.OptionType, symbol string, entry, slPoints float64) {
	if !n.cfg.NotifyOnBestStrikeChange {
		return
	}
	n.send(fmt.Sprintf("🔀 *Best %s*: %s\nEntry %.2f, SL %.2f pts", optType, symbol, entry, slPoints))
}

// SwingDetected reports a live swing confirmation.
func (n *Notifier) SwingDetected(sw models.Swing) {
	n.send(fmt.Sprintf("〽️ Swing %s %s at %.2f (%s)",
		sw.Type, sw.Symbol, sw.Price, sw.Timestamp.Format("15:04")))
}

// Error reports an operational incident.
func (n *Notifier) Error(format string, args ...interface{}) {
	if !n.cfg.NotifyOnError {
		return
	}
	n.send("⚠️ " + fmt.Sprintf(format, args...))
}

// Alert matches the AlertFunc signature used across the bot; it routes
// through the error channel.
func (n *Notifier) Alert(format string, args ...interface{}) {
	n.Error(format, args...)
}

// Heartbeat sends the periodic session snapshot.
func (n *Notifier) Heartbeat(sum positions.Summary, activeFeed string, at time.Time) {
	n.send(fmt.Sprintf("💓 %s | open %d (CE %d / PE %d) | %.2fR realized, %.2fR open | feed %s",
		at.Format("15:04"), sum.OpenCount, sum.OpenCE, sum.OpenPE,
		sum.CumulativeR, sum.UnrealizedR, activeFeed))
}
