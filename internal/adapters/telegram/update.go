// Package telegram decodes bot webhook updates into ledger deliveries.
// It never calls the Telegram API.
package telegram

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/okian/coinledger/internal/domain/account"
	"github.com/okian/coinledger/internal/domain/model"
)

// ErrMalformedUpdate is returned for bodies that are not Telegram updates.
var ErrMalformedUpdate = errors.New("malformed telegram update")

// commands maps bot commands onto delivery kinds.
var commands = map[string]model.Kind{
	"start": model.KindStart,
	"daily": model.KindClaimDaily,
	"task":  model.KindClaimTask,
	"buy":   model.KindPurchase,
}

// premiumProbe reads the is_premium flag, which the bot API types predate.
type premiumProbe struct {
	Message *struct {
		From *struct {
			IsPremium bool `json:"is_premium"`
		} `json:"from"`
	} `json:"message"`
}

// Decode parses a webhook body. ok is false for well-formed updates the
// ledger has no use for (non-command messages, bots, unknown commands).
func Decode(body []byte, now time.Time) (d model.Delivery, ok bool, err error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return d, false, fmt.Errorf("%w: %w", ErrMalformedUpdate, err)
	}
	if update.UpdateID == 0 {
		return d, false, fmt.Errorf("%w: missing update_id", ErrMalformedUpdate)
	}

	msg := update.Message
	if msg == nil || msg.From == nil || msg.From.IsBot || !msg.IsCommand() {
		return d, false, nil
	}
	kind, known := commands[strings.ToLower(msg.Command())]
	if !known {
		return d, false, nil
	}

	var probe premiumProbe
	_ = json.Unmarshal(body, &probe)
	premium := probe.Message != nil && probe.Message.From != nil && probe.Message.From.IsPremium

	return model.Delivery{
		ID:         strconv.Itoa(update.UpdateID),
		Kind:       kind,
		Profile:    profile(msg.From, premium),
		Argument:   strings.TrimSpace(msg.CommandArguments()),
		ReceivedAt: now,
	}, true, nil
}

func profile(u *tgbotapi.User, premium bool) account.Profile {
	return account.Profile{
		ID:           strconv.FormatInt(u.ID, 10),
		DisplayName:  strings.TrimSpace(u.FirstName + " " + u.LastName),
		Handle:       u.UserName,
		LanguageCode: u.LanguageCode,
		Privileged:   premium,
	}
}
