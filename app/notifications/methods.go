package notifications

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"

	"github.com/ocistack/stevedore/app/store"
)

// methodTimeout bounds one delivery attempt over HTTP.
const methodTimeout = 10 * time.Second

// Payload is the rendered event handed to a delivery method.
type Payload struct {
	Event      string                 `json:"event"`
	Namespace  string                 `json:"namespace"`
	Repository string                 `json:"repository"`
	Level      string                 `json:"level"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

func (p Payload) summary() string {
	return fmt.Sprintf("%s on %s/%s", p.Event, p.Namespace, p.Repository)
}

// Method delivers one payload to one receiver kind.
type Method interface {
	Name() string
	Validate(config json.RawMessage) error
	Perform(ctx context.Context, config json.RawMessage, payload Payload) error
}

// httpClient is shared by every HTTP-posting method.
var httpClient = &http.Client{Timeout: methodTimeout}

func postJSON(ctx context.Context, postURL string, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "failed to marshal delivery payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(raw))
	if err != nil {
		return errors.Wrap(err, "failed to make delivery request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to deliver")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return errors.Errorf("receiver rejected delivery with status %d", resp.StatusCode)
	}
	return nil
}

// InternalMethod lands events on the in-app activity feed. The embedded
// deployment has no separate feed store, entries go to the structured log and
// count as delivered.
type InternalMethod struct {
	L log.L
}

func (m *InternalMethod) Name() string { return "quay_notification" }

func (m *InternalMethod) Validate(json.RawMessage) error { return nil }

func (m *InternalMethod) Perform(_ context.Context, _ json.RawMessage, payload Payload) error {
	m.L.Logf("[INFO] notification %s: %s", payload.Level, payload.summary())
	return nil
}

// WebhookMethod posts the payload, optionally transformed through a JSON
// template, to a receiver URL. Hostnames on the blacklist are rejected at
// validation and again at delivery, a registration must not become a probe
// into the deployment's network.
type WebhookMethod struct {
	// Blacklist extends the built-in localhost set with deployment-specific
	// hostnames.
	Blacklist []string
}

type webhookConfig struct {
	URL      string                 `json:"url"`
	Template map[string]interface{} `json:"template,omitempty"`
}

func (m *WebhookMethod) Name() string { return "webhook" }

func (m *WebhookMethod) Validate(config json.RawMessage) error {
	var cfg webhookConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return store.ErrInvalidNotificationMethod
	}
	return m.checkURL(cfg.URL)
}

func (m *WebhookMethod) checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return store.ErrInvalidNotificationMethod
	}
	host := strings.ToLower(u.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return store.ErrInvalidNotificationMethod
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return store.ErrInvalidNotificationMethod
	}
	for _, blocked := range m.Blacklist {
		if host == strings.ToLower(blocked) {
			return store.ErrInvalidNotificationMethod
		}
	}
	return nil
}

func (m *WebhookMethod) Perform(ctx context.Context, config json.RawMessage, payload Payload) error {
	var cfg webhookConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return store.ErrInvalidNotificationMethod
	}
	if err := m.checkURL(cfg.URL); err != nil {
		return err
	}
	var body interface{} = payload
	if cfg.Template != nil {
		body = applyTemplate(cfg.Template, payload)
	}
	return postJSON(ctx, cfg.URL, body)
}

// applyTemplate substitutes {event}, {namespace}, {repository} and {level}
// tokens in the template's string values, other values pass through.
func applyTemplate(template map[string]interface{}, payload Payload) map[string]interface{} {
	replacer := strings.NewReplacer(
		"{event}", payload.Event,
		"{namespace}", payload.Namespace,
		"{repository}", payload.Repository,
		"{level}", payload.Level,
	)
	result := make(map[string]interface{}, len(template))
	for key, value := range template {
		switch v := value.(type) {
		case string:
			result[key] = replacer.Replace(v)
		case map[string]interface{}:
			result[key] = applyTemplate(v, payload)
		default:
			result[key] = value
		}
	}
	return result
}

// SlackMethod posts an attachment-shaped message to a Slack incoming webhook.
type SlackMethod struct{}

type slackConfig struct {
	URL string `json:"url"`
}

func (m *SlackMethod) Name() string { return "slack" }

func (m *SlackMethod) Validate(config json.RawMessage) error {
	var cfg slackConfig
	if err := json.Unmarshal(config, &cfg); err != nil || cfg.URL == "" {
		return store.ErrInvalidNotificationMethod
	}
	return nil
}

func (m *SlackMethod) Perform(ctx context.Context, config json.RawMessage, payload Payload) error {
	var cfg slackConfig
	if err := json.Unmarshal(config, &cfg); err != nil || cfg.URL == "" {
		return store.ErrInvalidNotificationMethod
	}
	colors := map[string]string{"success": "good", "warning": "warning", "error": "danger"}
	body := map[string]interface{}{
		"text": payload.summary(),
		"attachments": []map[string]interface{}{{
			"color":    colors[payload.Level],
			"fallback": payload.summary(),
			"fields": []map[string]interface{}{
				{"title": "Repository", "value": payload.Namespace + "/" + payload.Repository, "short": true},
				{"title": "Event", "value": payload.Event, "short": true},
			},
		}},
	}
	return postJSON(ctx, cfg.URL, body)
}

// FlowdockMethod posts to a Flowdock flow inbox.
type FlowdockMethod struct{}

type flowdockConfig struct {
	FlowAPIToken string `json:"flow_api_token"`
}

func (m *FlowdockMethod) Name() string { return "flowdock" }

func (m *FlowdockMethod) Validate(config json.RawMessage) error {
	var cfg flowdockConfig
	if err := json.Unmarshal(config, &cfg); err != nil || cfg.FlowAPIToken == "" {
		return store.ErrInvalidNotificationMethod
	}
	return nil
}

func (m *FlowdockMethod) Perform(ctx context.Context, config json.RawMessage, payload Payload) error {
	var cfg flowdockConfig
	if err := json.Unmarshal(config, &cfg); err != nil || cfg.FlowAPIToken == "" {
		return store.ErrInvalidNotificationMethod
	}
	body := map[string]interface{}{
		"source":       "Registry",
		"from_address": "notifications@" + payload.Namespace,
		"subject":      payload.summary(),
		"content":      payload.summary(),
		"tags":         []string{"#" + payload.Event},
	}
	return postJSON(ctx, "https://api.flowdock.com/v1/messages/team_inbox/"+cfg.FlowAPIToken, body)
}

// HipchatMethod posts a room notification.
type HipchatMethod struct{}

type hipchatConfig struct {
	NotificationToken string `json:"notification_token"`
	RoomID            string `json:"room_id"`
}

func (m *HipchatMethod) Name() string { return "hipchat" }

func (m *HipchatMethod) Validate(config json.RawMessage) error {
	var cfg hipchatConfig
	if err := json.Unmarshal(config, &cfg); err != nil || cfg.NotificationToken == "" || cfg.RoomID == "" {
		return store.ErrInvalidNotificationMethod
	}
	return nil
}

func (m *HipchatMethod) Perform(ctx context.Context, config json.RawMessage, payload Payload) error {
	var cfg hipchatConfig
	if err := json.Unmarshal(config, &cfg); err != nil || cfg.NotificationToken == "" || cfg.RoomID == "" {
		return store.ErrInvalidNotificationMethod
	}
	colors := map[string]string{"success": "green", "warning": "yellow", "error": "red"}
	color := colors[payload.Level]
	if color == "" {
		color = "gray"
	}
	body := map[string]interface{}{
		"color":          color,
		"message":        payload.summary(),
		"notify":         false,
		"message_format": "text",
	}
	return postJSON(ctx,
		"https://api.hipchat.com/v2/room/"+url.PathEscape(cfg.RoomID)+"/notification?auth_token="+url.QueryEscape(cfg.NotificationToken),
		body)
}

// EmailSettings configure the outbound SMTP relay shared by every email
// registration.
type EmailSettings struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	RequireTLS bool
}

// EmailMethod sends a plain-text summary over SMTP.
type EmailMethod struct {
	Settings EmailSettings
}

type emailConfig struct {
	Email string `json:"email"`
}

func (m *EmailMethod) Name() string { return "email" }

func (m *EmailMethod) Validate(config json.RawMessage) error {
	var cfg emailConfig
	if err := json.Unmarshal(config, &cfg); err != nil || !strings.Contains(cfg.Email, "@") {
		return store.ErrInvalidNotificationMethod
	}
	return nil
}

func (m *EmailMethod) Perform(_ context.Context, config json.RawMessage, payload Payload) error {
	var cfg emailConfig
	if err := json.Unmarshal(config, &cfg); err != nil || cfg.Email == "" {
		return store.ErrInvalidNotificationMethod
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		m.Settings.From, cfg.Email, payload.summary(), payload.summary())
	addr := fmt.Sprintf("%s:%d", m.Settings.Host, m.Settings.Port)

	var auth smtp.Auth
	if m.Settings.Username != "" {
		auth = smtp.PlainAuth("", m.Settings.Username, m.Settings.Password, m.Settings.Host)
	}

	if !m.Settings.RequireTLS {
		return errors.Wrap(smtp.SendMail(addr, auth, m.Settings.From, []string{cfg.Email}, []byte(msg)),
			"failed to send notification email")
	}
	return m.sendTLS(addr, auth, cfg.Email, []byte(msg))
}

// sendTLS refuses to fall back to plaintext when the relay offers no TLS.
func (m *EmailMethod) sendTLS(addr string, auth smtp.Auth, to string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: m.Settings.Host, MinVersion: tls.VersionTLS12})
	if err != nil {
		return errors.Wrap(err, "failed to open TLS connection to SMTP relay")
	}
	client, err := smtp.NewClient(conn, m.Settings.Host)
	if err != nil {
		_ = conn.Close()
		return errors.Wrap(err, "failed to talk to SMTP relay")
	}
	defer func() { _ = client.Close() }()

	if auth != nil {
		if err = client.Auth(auth); err != nil {
			return errors.Wrap(err, "failed to authenticate to SMTP relay")
		}
	}
	if err = client.Mail(m.Settings.From); err != nil {
		return err
	}
	if err = client.Rcpt(to); err != nil {
		return err
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err = w.Write(msg); err != nil {
		return err
	}
	if err = w.Close(); err != nil {
		return err
	}
	return client.Quit()
}
