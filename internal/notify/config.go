package notify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Channel is one entry of the YAML notifier configuration. Type selects
// the provider; the remaining fields apply per provider. Kinds optionally
// restricts which event kinds the channel receives.
type Channel struct {
	Type  string   `yaml:"type"`
	Kinds []string `yaml:"kinds,omitempty"`

	// webhook, slack, discord
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`

	// gotify, ntfy
	Server   string `yaml:"server,omitempty"`
	Token    string `yaml:"token,omitempty"`
	Priority int    `yaml:"priority,omitempty"`

	// mqtt, ntfy
	Topic    string `yaml:"topic,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// mqtt
	Broker   string `yaml:"broker,omitempty"`
	ClientID string `yaml:"client_id,omitempty"`
	QoS      int    `yaml:"qos,omitempty"`
}

type channelsFile struct {
	Channels []Channel `yaml:"channels"`
}

// LoadChannels reads the YAML notifier configuration at path.
func LoadChannels(path string) ([]Channel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read notify config %s: %w", path, err)
	}
	var f channelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse notify config %s: %w", path, err)
	}
	return f.Channels, nil
}

// Build constructs the notifier a channel describes, wrapped with a kind
// filter when the channel restricts kinds.
func Build(ch Channel, log Logger) (Notifier, error) {
	var n Notifier
	switch ch.Type {
	case "log":
		n = NewLogNotifier(log)
	case "webhook":
		if ch.URL == "" {
			return nil, fmt.Errorf("webhook channel has no url")
		}
		n = NewWebhook(ch.URL, ch.Headers)
	case "slack":
		if ch.URL == "" {
			return nil, fmt.Errorf("slack channel has no url")
		}
		n = NewSlack(ch.URL)
	case "discord":
		if ch.URL == "" {
			return nil, fmt.Errorf("discord channel has no url")
		}
		n = NewDiscord(ch.URL)
	case "gotify":
		if ch.Server == "" || ch.Token == "" {
			return nil, fmt.Errorf("gotify channel needs server and token")
		}
		n = NewGotify(ch.Server, ch.Token)
	case "ntfy":
		if ch.Server == "" || ch.Topic == "" {
			return nil, fmt.Errorf("ntfy channel needs server and topic")
		}
		n = NewNtfy(ch.Server, ch.Topic, ch.Priority, ch.Token, ch.Username, ch.Password)
	case "mqtt":
		if ch.Broker == "" || ch.Topic == "" {
			return nil, fmt.Errorf("mqtt channel needs broker and topic")
		}
		n = NewMQTT(ch.Broker, ch.Topic, ch.ClientID, ch.Username, ch.Password, ch.QoS)
	default:
		return nil, fmt.Errorf("unknown channel type %q", ch.Type)
	}

	if len(ch.Kinds) > 0 {
		n = newFilteredNotifier(n, ch.Kinds)
	}
	return n, nil
}
