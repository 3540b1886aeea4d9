package kafkaconn

import (
	"testing"

	"github.com/Shopify/sarama"
	"github.com/stretchr/testify/require"
)

func TestBrokerListTrimsAndSplits(t *testing.T) {
	cc := ClusterConfig{Brokers: "broker1:9092, broker2:9092 ,broker3:9092"}
	require.Equal(t, []string{"broker1:9092", "broker2:9092", "broker3:9092"}, cc.BrokerList())
}

func TestNewSaramaConfigDefaultsVersion(t *testing.T) {
	cfg, err := NewSaramaConfig(ClusterConfig{Brokers: "b:9092"})
	require.NoError(t, err)
	require.False(t, cfg.Consumer.Offsets.AutoCommit.Enable)
	require.True(t, cfg.Producer.Return.Successes)
}

func TestNewSaramaConfigRejectsBadVersion(t *testing.T) {
	_, err := NewSaramaConfig(ClusterConfig{Brokers: "b:9092", Version: "not-a-version"})
	require.Error(t, err)
}

func TestNewSaramaConfigAppliesSASL(t *testing.T) {
	cfg, err := NewSaramaConfig(ClusterConfig{
		Brokers: "b:9092",
		Sasl:    SaslConfig{Enable: true, Mechanism: "SCRAM-SHA-512", User: "u", Password: "p"},
	})
	require.NoError(t, err)
	require.True(t, cfg.Net.SASL.Enable)
	require.Equal(t, sarama.SASLTypeSCRAMSHA512, cfg.Net.SASL.Mechanism)
}

func TestNewSaramaConfigRejectsUnknownMechanism(t *testing.T) {
	_, err := NewSaramaConfig(ClusterConfig{
		Brokers: "b:9092",
		Sasl:    SaslConfig{Enable: true, Mechanism: "bogus"},
	})
	require.Error(t, err)
}
