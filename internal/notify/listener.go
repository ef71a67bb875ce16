package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ronniedreams/nifty-options-agent/internal/config"
	"github.com/ronniedreams/nifty-options-agent/internal/state"
)

// updatesAPI is the slice of the Telegram API the listener uses.
type updatesAPI interface {
	GetUpdates(cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// StatusFunc renders the /status reply.
type StatusFunc func() string

// Listener polls Telegram for operator commands and translates them into
// sentinel files the orchestrator tick picks up. Only the configured chat
// is honored; anything else is ignored without a reply.
type Listener struct {
	cfg       config.TelegramConfig
	api       updatesAPI
	sentinels *state.Sentinels
	status    StatusFunc
	logger    *log.Logger

	pollTimeout int // seconds, long-poll
}

// NewListener connects a command listener. Disabled config returns nil.
func NewListener(cfg config.TelegramConfig, sentinels *state.Sentinels, status StatusFunc, logger *log.Logger) (*Listener, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram listener: %w", err)
	}
	return newListener(cfg, api, sentinels, status, logger), nil
}

func newListener(cfg config.TelegramConfig, api updatesAPI, sentinels *state.Sentinels, status StatusFunc, logger *log.Logger) *Listener {
	if logger == nil {
		logger = log.Default()
	}
	return &Listener{
		cfg:         cfg,
		api:         api,
		sentinels:   sentinels,
		status:      status,
		logger:      logger,
		pollTimeout: 30,
	}
}

// Run polls until ctx is cancelled. Commands queued while the bot was down
// are flushed on startup so a stale /kill cannot fire a fresh session.
func (l *Listener) Run(ctx context.Context) error {
	offset := l.flushBacklog()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		updates, err := l.api.GetUpdates(tgbotapi.UpdateConfig{Offset: offset, Timeout: l.pollTimeout})
		if err != nil {
			l.logger.Printf("[notify] getUpdates: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			l.handleUpdate(u)
		}
	}
}

// flushBacklog discards updates that arrived while the bot was offline and
// returns the next offset to poll from.
func (l *Listener) flushBacklog() int {
	updates, err := l.api.GetUpdates(tgbotapi.UpdateConfig{Offset: 0, Timeout: 0})
	if err != nil || len(updates) == 0 {
		return 0
	}
	last := updates[len(updates)-1].UpdateID
	l.logger.Printf("[notify] flushed %d stale telegram updates", len(updates))
	return last + 1
}

func (l *Listener) handleUpdate(u tgbotapi.Update) {
	msg := u.Message
	if msg == nil || !msg.IsCommand() {
		return
	}
	if msg.Chat.ID != l.cfg.ChatID {
		l.logger.Printf("[notify] ignoring command from unknown chat %d", msg.Chat.ID)
		return
	}
	switch msg.Command() {
	case "kill":
		if err := l.sentinels.RequestKill("telegram /kill"); err != nil {
			l.reply("❌ kill switch failed: " + err.Error())
			return
		}
		l.reply("🛑 Kill switch set. Shutting down on next tick; open positions stay with their broker SLs.")
	case "pause":
		if err := l.sentinels.RequestPause("telegram /pause"); err != nil {
			l.reply("❌ pause failed: " + err.Error())
			return
		}
		l.reply("⏸ Paused. No new entries; open positions still managed.")
	case "resume":
		if err := l.sentinels.ClearPause(); err != nil {
			l.reply("❌ resume failed: " + err.Error())
			return
		}
		l.reply("▶️ Resumed. New entries allowed.")
	case "status":
		if l.status != nil {
			l.reply(l.status())
		}
	case "menu", "help":
		l.reply(`Commands:
/status - session snapshot
/pause - stop new entries
/resume - allow entries again
/kill - stop the bot, positions keep their broker SLs`)
	default:
		l.reply("Unknown command. /menu lists what I understand.")
	}
}

func (l *Listener) reply(text string) {
	msg := tgbotapi.NewMessage(l.cfg.ChatID, text)
	if _, err := l.api.Send(msg); err != nil {
		l.logger.Printf("[notify] reply: %v", err)
	}
}
