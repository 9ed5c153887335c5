package gateway

import (
	"context"
	"fmt"
	"log"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rahul/dbagent/internal/agent"
)

// TelegramGateway maps each Telegram chat to an exploration thread.
type TelegramGateway struct {
	Bot   *tgbotapi.BotAPI
	Brain agent.Brain
}

func NewTelegramGateway(token string, brain agent.Brain) (*TelegramGateway, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	log.Printf("Authorized on account %s", bot.Self.UserName)

	return &TelegramGateway{
		Bot:   bot,
		Brain: brain,
	}, nil
}

func (tg *TelegramGateway) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := tg.Bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			tg.Bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			go tg.handle(ctx, update.Message)
		}
	}
}

func (tg *TelegramGateway) handle(ctx context.Context, m *tgbotapi.Message) {
	user := ""
	if m.From != nil {
		user = m.From.UserName
	}
	log.Printf("[%s] %s", user, m.Text)

	chatID := strconv.FormatInt(m.Chat.ID, 10)
	text := m.Text
	if text == "/start" {
		text = agent.CommandTables
	}

	tg.Bot.Send(tgbotapi.NewChatAction(m.Chat.ID, tgbotapi.ChatTyping))
	response, err := tg.Brain.Think(ctx, chatID, text)
	if err != nil {
		log.Printf("Error thinking: %v", err)
		if response == "" {
			response = "I could not explore the database right now."
		}
	}

	if _, err := tg.Bot.Send(tgbotapi.NewMessage(m.Chat.ID, response)); err != nil {
		log.Printf("Error sending reply to %s: %v", chatID, err)
	}
}

func (tg *TelegramGateway) Send(chatID string, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid chat ID: %s", chatID)
	}

	_, err = tg.Bot.Send(tgbotapi.NewMessage(id, text))
	return err
}

func (tg *TelegramGateway) Stop() error {
	tg.Bot.StopReceivingUpdates()
	return nil
}
