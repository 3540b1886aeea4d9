package kafkaconn

import (
	"strings"
	"time"

	"github.com/Shopify/sarama"
)

// ClusterConfig is the connector-level Kafka connection configuration,
// shaped the way the connector's YAML config file names it.
type ClusterConfig struct {
	Brokers         string        `yaml:"brokers"`
	Version         string        `yaml:"version"`
	Sasl            SaslConfig    `yaml:"sasl"`
	ConsumerGroupID string        `yaml:"consumerGroupID"`
	SessionTimeout  time.Duration `yaml:"sessionTimeout"`
	AutoCommit      bool          `yaml:"autoCommit"`
}

// BrokerList splits ClusterConfig.Brokers into a slice, trimming
// whitespace around each entry.
func (c ClusterConfig) BrokerList() []string {
	parts := strings.Split(c.Brokers, ",")
	brokers := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			brokers = append(brokers, p)
		}
	}
	return brokers
}

// NewSaramaConfig builds a *sarama.Config from cc, applying SASL,
// the requested protocol version, offset auto-commit as cc.AutoCommit
// sets it (the connector marks offsets itself after a successful table
// commit, and commits them explicitly when auto-commit is off) and the
// configured session timeout, if any.
func NewSaramaConfig(cc ClusterConfig) (*sarama.Config, error) {
	cfg := sarama.NewConfig()

	version := cc.Version
	if version == "" {
		version = "2.6.0"
	}
	parsed, err := sarama.ParseKafkaVersion(version)
	if err != nil {
		return nil, err
	}
	cfg.Version = parsed

	cfg.Consumer.Offsets.AutoCommit.Enable = cc.AutoCommit
	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	if cc.SessionTimeout > 0 {
		cfg.Consumer.Group.Session.Timeout = cc.SessionTimeout
	}

	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	if err := applySASL(cfg, cc.Sasl); err != nil {
		return nil, err
	}

	return cfg, nil
}
