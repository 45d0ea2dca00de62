// Package config loads the per-user YAML config and overlays channel
// credentials from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk shape of ~/.openviber/config.yaml.
type Config struct {
	Gateway  GatewayConfig  `yaml:"gateway" json:"gateway"`
	Daemon   DaemonConfig   `yaml:"daemon" json:"daemon"`
	Channels ChannelsConfig `yaml:"channels" json:"channels"`
	Tracing  TracingConfig  `yaml:"tracing" json:"tracing"`
}

// GatewayConfig configures the gateway listener.
type GatewayConfig struct {
	Host           string   `yaml:"host" json:"host"`
	Port           int      `yaml:"port" json:"port"`
	BasePath       string   `yaml:"basePath" json:"basePath,omitempty"`
	Token          string   `yaml:"token" json:"token,omitempty"`
	AllowedOrigins []string `yaml:"allowedOrigins" json:"allowedOrigins,omitempty"`
}

// Addr returns the host:port listen address.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}

// DaemonConfig configures the worker daemon.
type DaemonConfig struct {
	GatewayURL   string   `yaml:"gatewayUrl" json:"gatewayUrl"`
	WebURL       string   `yaml:"webUrl" json:"webUrl,omitempty"` // HTTP base for remote config pull
	Token        string   `yaml:"token" json:"token,omitempty"`
	NodeID       string   `yaml:"nodeId" json:"nodeId,omitempty"`
	Name         string   `yaml:"name" json:"name,omitempty"`
	HeartbeatSec int      `yaml:"heartbeatSec" json:"heartbeatSec,omitempty"`
	AgentCommand []string `yaml:"agentCommand" json:"agentCommand,omitempty"`
	Capabilities []string `yaml:"capabilities" json:"capabilities,omitempty"`
}

// TracingConfig configures the optional OTLP trace exporter.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Endpoint    string `yaml:"endpoint" json:"endpoint,omitempty"`
	ServiceName string `yaml:"serviceName" json:"serviceName,omitempty"`
	Insecure    bool   `yaml:"insecure" json:"insecure,omitempty"`
}

// ChannelsConfig holds one optional block per channel. A channel runs
// only when its required fields are present; missing credentials
// disable it silently.
type ChannelsConfig struct {
	DingTalk DingTalkConfig `yaml:"dingtalk" json:"dingtalk"`
	WeCom    WeComConfig    `yaml:"wecom" json:"wecom"`
	WeChat   WeChatConfig   `yaml:"wechat" json:"wechat"`
	Discord  DiscordConfig  `yaml:"discord" json:"discord"`
	Feishu   FeishuConfig   `yaml:"feishu" json:"feishu"`
	Telegram TelegramConfig `yaml:"telegram" json:"telegram"`
	Web      WebConfig      `yaml:"web" json:"web"`
}

type DingTalkConfig struct {
	AppKey    string `yaml:"appKey" json:"appKey"`
	AppSecret string `yaml:"appSecret" json:"appSecret"`
	RobotCode string `yaml:"robotCode" json:"robotCode,omitempty"`
}

type WeComConfig struct {
	CorpID  string `yaml:"corpId" json:"corpId"`
	AgentID string `yaml:"agentId" json:"agentId"`
	Secret  string `yaml:"secret" json:"secret"`
	Token   string `yaml:"token" json:"token"`
	AESKey  string `yaml:"aesKey" json:"aesKey"`
}

type WeChatConfig struct {
	APIKey    string `yaml:"apiKey" json:"apiKey"`
	ProxyURL  string `yaml:"proxyUrl" json:"proxyUrl"`
	AccountID string `yaml:"accountId" json:"accountId,omitempty"`
}

type DiscordConfig struct {
	BotToken        string   `yaml:"botToken" json:"botToken"`
	AppID           string   `yaml:"appId" json:"appId,omitempty"`
	AllowGuildIDs   []string `yaml:"allowGuildIds" json:"allowGuildIds,omitempty"`
	AllowChannelIDs []string `yaml:"allowChannelIds" json:"allowChannelIds,omitempty"`
	AllowUserIDs    []string `yaml:"allowUserIds" json:"allowUserIds,omitempty"`
	RequireMention  *bool    `yaml:"requireMention" json:"requireMention,omitempty"`
	ReplyMode       string   `yaml:"replyMode" json:"replyMode,omitempty"`
}

type FeishuConfig struct {
	AppID              string `yaml:"appId" json:"appId"`
	AppSecret          string `yaml:"appSecret" json:"appSecret"`
	VerificationToken  string `yaml:"verificationToken" json:"verificationToken,omitempty"`
	EncryptKey         string `yaml:"encryptKey" json:"encryptKey,omitempty"`
	Domain             string `yaml:"domain" json:"domain,omitempty"`
	ConnectionMode     string `yaml:"connectionMode" json:"connectionMode,omitempty"`
	WebhookPath        string `yaml:"webhookPath" json:"webhookPath,omitempty"`
	AllowGroupMessages bool   `yaml:"allowGroupMessages" json:"allowGroupMessages,omitempty"`
	RequireMention     *bool  `yaml:"requireMention" json:"requireMention,omitempty"`
}

type TelegramConfig struct {
	BotToken     string   `yaml:"botToken" json:"botToken"`
	AllowUserIDs []string `yaml:"allowUserIds" json:"allowUserIds,omitempty"`
}

type WebConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8787,
		},
		Daemon: DaemonConfig{
			GatewayURL:   "ws://127.0.0.1:8787/ws",
			HeartbeatSec: 30,
		},
		Tracing: TracingConfig{
			ServiceName: "openviber",
		},
	}
}

// DefaultPath returns ~/.openviber/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".openviber", "config.yaml")
}

// Load reads the YAML file at path, falling back to defaults when the
// file does not exist, then overlays environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv(os.Getenv)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnv(os.Getenv)
	return cfg, nil
}

// applyEnv overlays environment variables. Env vars beat file values.
func (c *Config) applyEnv(getenv func(string) string) {
	set := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	set("OPENVIBER_GATEWAY_HOST", &c.Gateway.Host)
	if v := getenv("OPENVIBER_GATEWAY_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}
	set("OPENVIBER_GATEWAY_TOKEN", &c.Gateway.Token)

	set("OPENVIBER_DAEMON_GATEWAY_URL", &c.Daemon.GatewayURL)
	set("OPENVIBER_DAEMON_TOKEN", &c.Daemon.Token)
	set("OPENVIBER_DAEMON_NODE_ID", &c.Daemon.NodeID)
	set("OPENVIBER_DAEMON_NAME", &c.Daemon.Name)

	set("OPENVIBER_TRACING_ENDPOINT", &c.Tracing.Endpoint)
	set("OPENVIBER_TRACING_SERVICE_NAME", &c.Tracing.ServiceName)
	if v := getenv("OPENVIBER_TRACING_ENABLED"); v != "" {
		c.Tracing.Enabled = v == "true" || v == "1"
	}

	set("OPENVIBER_DINGTALK_APP_KEY", &c.Channels.DingTalk.AppKey)
	set("OPENVIBER_DINGTALK_APP_SECRET", &c.Channels.DingTalk.AppSecret)
	set("OPENVIBER_DINGTALK_ROBOT_CODE", &c.Channels.DingTalk.RobotCode)

	set("OPENVIBER_WECOM_CORP_ID", &c.Channels.WeCom.CorpID)
	set("OPENVIBER_WECOM_AGENT_ID", &c.Channels.WeCom.AgentID)
	set("OPENVIBER_WECOM_SECRET", &c.Channels.WeCom.Secret)
	set("OPENVIBER_WECOM_TOKEN", &c.Channels.WeCom.Token)
	set("OPENVIBER_WECOM_AES_KEY", &c.Channels.WeCom.AESKey)

	set("OPENVIBER_WECHAT_API_KEY", &c.Channels.WeChat.APIKey)
	set("OPENVIBER_WECHAT_PROXY_URL", &c.Channels.WeChat.ProxyURL)
	set("OPENVIBER_WECHAT_ACCOUNT_ID", &c.Channels.WeChat.AccountID)

	set("OPENVIBER_DISCORD_BOT_TOKEN", &c.Channels.Discord.BotToken)
	set("OPENVIBER_DISCORD_APP_ID", &c.Channels.Discord.AppID)

	set("OPENVIBER_FEISHU_APP_ID", &c.Channels.Feishu.AppID)
	set("OPENVIBER_FEISHU_APP_SECRET", &c.Channels.Feishu.AppSecret)
	set("OPENVIBER_FEISHU_ENCRYPT_KEY", &c.Channels.Feishu.EncryptKey)
	set("OPENVIBER_FEISHU_VERIFICATION_TOKEN", &c.Channels.Feishu.VerificationToken)
	set("OPENVIBER_FEISHU_DOMAIN", &c.Channels.Feishu.Domain)

	set("OPENVIBER_TELEGRAM_BOT_TOKEN", &c.Channels.Telegram.BotToken)

	if v := getenv("OPENVIBER_WEB_ENABLED"); v != "" {
		c.Channels.Web.Enabled = v == "true" || v == "1"
	}
}

// ChannelConfigs returns the per-channel config values for channels
// whose required fields are present, keyed by channel id. Incomplete
// blocks are skipped without error.
func (c *Config) ChannelConfigs() map[string]any {
	out := make(map[string]any)

	if ch := c.Channels.DingTalk; ch.AppKey != "" && ch.AppSecret != "" {
		out["dingtalk"] = ch
	}
	if ch := c.Channels.WeCom; ch.CorpID != "" && ch.AgentID != "" && ch.Secret != "" && ch.Token != "" && ch.AESKey != "" {
		out["wecom"] = ch
	}
	if ch := c.Channels.WeChat; ch.APIKey != "" && ch.ProxyURL != "" {
		out["wechat"] = ch
	}
	if ch := c.Channels.Discord; ch.BotToken != "" {
		out["discord"] = ch
	}
	if ch := c.Channels.Feishu; ch.AppID != "" && ch.AppSecret != "" {
		out["feishu"] = ch
	}
	if ch := c.Channels.Telegram; ch.BotToken != "" {
		out["telegram"] = ch
	}
	if c.Channels.Web.Enabled {
		out["web"] = c.Channels.Web
	}
	return out
}
