package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Embed colours by level.
var discordColors = map[Level]int{
	LevelInfo:    0x3498db,
	LevelSuccess: 0x2ecc71,
	LevelWarning: 0xf39c12,
	LevelError:   0xe74c3c,
}

// DefaultFooter is shown under every embed.
const DefaultFooter = "quota-scraper"

type discordPayload struct {
	Username string         `json:"username,omitempty"`
	Embeds   []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color"`
	Timestamp   string              `json:"timestamp"`
	Footer      discordFooter       `json:"footer"`
	Fields      []discordEmbedField `json:"fields,omitempty"`
}

type discordFooter struct {
	Text string `json:"text"`
}

type discordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// Discord posts messages as embeds to a Discord webhook.
type Discord struct {
	webhookURL string
	username   string
	footer     string
	httpClient *http.Client
}

// NewDiscord creates a webhook notifier. An empty URL yields a Nop notifier
// so that callers can wire it unconditionally.
func NewDiscord(webhookURL string) Notifier {
	if webhookURL == "" {
		return Nop{}
	}
	return &Discord{
		webhookURL: webhookURL,
		footer:     DefaultFooter,
		httpClient: &http.Client{Timeout: DefaultSendTimeout},
	}
}

// Notify implements Notifier.
func (d *Discord) Notify(ctx context.Context, msg Message) error {
	timestamp := msg.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	color, ok := discordColors[msg.Level]
	if !ok {
		color = discordColors[LevelInfo]
	}

	embed := discordEmbed{
		Title:       msg.Title,
		Description: msg.Description,
		Color:       color,
		Timestamp:   timestamp.UTC().Format(time.RFC3339),
		Footer:      discordFooter{Text: d.footer},
	}
	for _, f := range msg.Fields {
		embed.Fields = append(embed.Fields, discordEmbedField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}

	body, err := json.Marshal(discordPayload{Username: d.username, Embeds: []discordEmbed{embed}})
	if err != nil {
		return fmt.Errorf("encode discord payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send discord notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("discord webhook returned %s: %s", resp.Status, snippet)
	}
	return nil
}
