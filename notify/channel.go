package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"stock_scanner/apperrors"
	"stock_scanner/logging"
)

const (
	DefaultTelegramAPIBase = "https://api.telegram.org"
	telegramSendTimeout    = 30 * time.Second
)

// Channel delivers one formatted message. Errors are either
// *apperrors.HTTPError for an answered request or a transport error.
type Channel interface {
	Name() string
	Send(ctx context.Context, text string) error
}

// TelegramChannel posts to the Bot API sendMessage method with HTML parse
// mode.
type TelegramChannel struct {
	client  *http.Client
	apiBase string
	token   string
	chatID  string
}

func NewTelegramChannel(client *http.Client, apiBase, token, chatID string) (*TelegramChannel, error) {
	if token == "" {
		return nil, &apperrors.ConfigurationError{Field: "TELEGRAM_BOT_TOKEN", Msg: "required for the telegram channel"}
	}
	if chatID == "" {
		return nil, &apperrors.ConfigurationError{Field: "TELEGRAM_CHAT_ID", Msg: "required for the telegram channel"}
	}
	if apiBase == "" {
		apiBase = DefaultTelegramAPIBase
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &TelegramChannel{
		client:  client,
		apiBase: strings.TrimRight(apiBase, "/"),
		token:   token,
		chatID:  chatID,
	}, nil
}

func (c *TelegramChannel) Name() string { return "telegram" }

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (c *TelegramChannel) Send(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]any{
		"chat_id":                  c.chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return errors.Wrap(err, "encode telegram payload")
	}
	return c.call(ctx, "sendMessage", payload)
}

// Verify checks the token with getMe. A token the Bot API refuses is
// reported as a ConfigurationError; transport failures come back unchanged.
func (c *TelegramChannel) Verify(ctx context.Context) error {
	err := c.call(ctx, "getMe", nil)
	var httpErr *apperrors.HTTPError
	if errors.As(err, &httpErr) && httpErr.Terminal() {
		return &apperrors.ConfigurationError{Field: "TELEGRAM_BOT_TOKEN", Msg: "rejected by telegram: " + httpErr.Error()}
	}
	return err
}

func (c *TelegramChannel) call(ctx context.Context, method string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, telegramSendTimeout)
	defer cancel()

	httpMethod := http.MethodGet
	var body io.Reader
	if payload != nil {
		httpMethod = http.MethodPost
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, c.apiBase+"/bot"+c.token+"/"+method, body)
	if err != nil {
		return errors.Wrap(err, "build telegram request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of the error.
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return errors.Wrapf(err, "telegram %s", method)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var tr telegramResponse
	_ = json.Unmarshal(raw, &tr)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && tr.OK {
		return nil
	}

	status := resp.StatusCode
	if status < 300 {
		// 200 with ok=false
		status = http.StatusBadRequest
	}
	httpErr := &apperrors.HTTPError{
		StatusCode: status,
		URL:        "telegram " + method,
		Message:    tr.Description,
	}
	if tr.Parameters != nil && tr.Parameters.RetryAfter > 0 {
		httpErr.RetryAfter = time.Duration(tr.Parameters.RetryAfter) * time.Second
	}
	return httpErr
}

// LogChannel writes messages to the application log. It stands in for a
// chat channel in development.
type LogChannel struct{}

func (LogChannel) Name() string { return "log" }

func (LogChannel) Send(_ context.Context, text string) error {
	logging.Get().Infow("notification", "channel", "log", "text", text)
	return nil
}
