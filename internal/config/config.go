// Package config loads the connector's YAML configuration file (the
// set of topic bindings plus the connector-level settings) and layers
// environment-variable overrides on top of it, the
// way the batch loader this was adapted from wires viper and cobra around a
// config file but generalized from inline viper.GetString calls to a
// typed, reloadable document.
package config

import (
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/tablesink/connector/internal/kafkaconn"
	"github.com/tablesink/connector/internal/model"
	"github.com/tablesink/connector/internal/schemaregistry"
	"github.com/tablesink/connector/internal/tablewriter"
)

// envOverrides lists the recognized environment-variable overrides, and
// the viper key each one binds to.
var envOverrides = map[string]string{
	"REGISTRY_URL":            "schemaRegistry.url",
	"BROKER_BOOTSTRAP":        "kafka.brokers",
	"STORE_ENDPOINT":          "store.endpointUrl",
	"STORE_ACCESS_KEY_ID":     "store.accessKeyId",
	"STORE_SECRET_ACCESS_KEY": "store.secretAccessKey",
	"STORE_REGION":            "store.region",
	"LOG_LEVEL":               "logLevel",
}

// rawTopic mirrors one entry of the config file's `topics` map.
type rawTopic struct {
	KafkaTopic  string `yaml:"kafkaTopic"`
	SchemaFile  string `yaml:"schemaFile"`
	Subject     string `yaml:"subject"`
	Destination struct {
		Bucket           string   `yaml:"bucket"`
		Path             string   `yaml:"path"`
		TableName        string   `yaml:"tableName"`
		PartitionColumns []string `yaml:"partitionColumns"`
		Delta            struct {
			EnableOptimize        bool   `yaml:"enableOptimize"`
			OptimizeIntervalBatch int    `yaml:"optimizeIntervalBatch"`
			EnableVacuum          bool   `yaml:"enableVacuum"`
			VacuumRetentionHours  int    `yaml:"vacuumRetentionHours"`
			EnableSchemaEvolution bool   `yaml:"enableSchemaEvolution"`
			CheckpointInterval    int    `yaml:"checkpointInterval"`
			SchemaCompatibility   string `yaml:"schemaCompatibility"`
		} `yaml:"delta"`
	} `yaml:"destination"`
	Processing struct {
		BatchSize            int `yaml:"batchSize"`
		FlushIntervalSeconds int `yaml:"flushIntervalSeconds"`
		MaxRetries           int `yaml:"maxRetries"`
	} `yaml:"processing"`
}

// rawDocument mirrors the whole YAML config file, tags matching the
// connector-level option names.
type rawDocument struct {
	Kafka struct {
		Brokers         string `yaml:"brokers"`
		Version         string `yaml:"version"`
		ConsumerGroupID string `yaml:"consumerGroupID"`
		SessionTimeout  string `yaml:"sessionTimeout"`
		AutoCommit      bool   `yaml:"autoCommit"`
		Sasl            struct {
			Enable    bool   `yaml:"enable"`
			Mechanism string `yaml:"mechanism"`
			User      string `yaml:"user"`
			Password  string `yaml:"password"`
		} `yaml:"sasl"`
	} `yaml:"kafka"`

	SchemaRegistry struct {
		URL                    string `yaml:"url"`
		Enabled                bool   `yaml:"enabled"`
		CacheTTLSeconds        int    `yaml:"cacheTTLSeconds"`
		RefreshIntervalSeconds int    `yaml:"refreshIntervalSeconds"`
	} `yaml:"schemaRegistry"`

	Store struct {
		Region          string `yaml:"region"`
		AccessKeyID     string `yaml:"accessKeyId"`
		SecretAccessKey string `yaml:"secretAccessKey"`
		EndpointURL     string `yaml:"endpointUrl"`
		PathStyle       bool   `yaml:"pathStyle"`
	} `yaml:"store"`

	TopicsDir           string              `yaml:"topicsDir"`
	SchemaCompatibility string              `yaml:"schemaCompatibility"`
	PartitionerClass    string              `yaml:"partitionerClass"`
	MaxRetries          int                 `yaml:"maxRetries"`
	RetryBackoffMs      int                 `yaml:"retryBackoffMs"`
	FlushSize           int                 `yaml:"flushSize"`
	RotateIntervalMs    int                 `yaml:"rotateIntervalMs"`
	MetricsAddr         string              `yaml:"metricsAddr"`
	LogLevel            string              `yaml:"logLevel"`
	Topics              map[string]rawTopic `yaml:"topics"`

	Alert struct {
		SlackWebhookURL string  `yaml:"slackWebhookUrl"`
		Channel         string  `yaml:"channel"`
		DLQRateThreshold float64 `yaml:"dlqRateThreshold"`
	} `yaml:"alert"`
}

// Config is the connector's fully resolved, typed configuration.
type Config struct {
	Kafka          kafkaconn.ClusterConfig
	SchemaRegistry schemaregistry.Config
	Storage        tablewriter.StorageConfig

	TopicsDir        string
	PartitionerClass string
	MaxRetries       int
	RetryBackoff     time.Duration
	FlushSize        int
	RotateInterval   time.Duration
	MetricsAddr      string
	LogLevel         string

	Bindings map[string]model.TopicBinding

	AlertSlackWebhookURL string
	AlertChannel         string
	AlertDLQRateThreshold float64
}

// Per-topic processing defaults. build substitutes them for any field
// left at zero or below (a zero value means "use the default").
const (
	defaultBatchSize            = 100
	defaultFlushIntervalSeconds = 30
	defaultMaxRetries           = 3
)

// Load reads path, parses it as YAML, applies environment overrides,
// fills per-topic processing defaults, and returns the typed Config.
func Load(path string) (*Config, error) {
	body, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc rawDocument
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnvOverrides(&doc)

	return build(doc)
}

// applyEnvOverrides binds the recognized env vars into a
// scratch viper instance and, for each one set, stomps the matching
// field of doc. viper.AutomaticEnv alone would not let us target
// nested struct fields by a custom key name, so each override is
// bound and read individually.
func applyEnvOverrides(doc *rawDocument) {
	v := viper.New()
	for env, key := range envOverrides {
		_ = v.BindEnv(key, env)
	}

	if s := v.GetString("schemaRegistry.url"); s != "" {
		doc.SchemaRegistry.URL = s
	}
	if s := v.GetString("kafka.brokers"); s != "" {
		doc.Kafka.Brokers = s
	}
	if s := v.GetString("store.endpointUrl"); s != "" {
		doc.Store.EndpointURL = s
	}
	if s := v.GetString("store.accessKeyId"); s != "" {
		doc.Store.AccessKeyID = s
	}
	if s := v.GetString("store.secretAccessKey"); s != "" {
		doc.Store.SecretAccessKey = s
	}
	if s := v.GetString("store.region"); s != "" {
		doc.Store.Region = s
	}
	if s := v.GetString("logLevel"); s != "" {
		doc.LogLevel = s
	}
}

func build(doc rawDocument) (*Config, error) {
	sessionTimeout, err := parseDurationOrZero(doc.Kafka.SessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("config: kafka.sessionTimeout: %w", err)
	}

	bindings := make(map[string]model.TopicBinding, len(doc.Topics))
	for name, rt := range doc.Topics {
		topic := rt.KafkaTopic
		if topic == "" {
			topic = name
		}

		batchSize := rt.Processing.BatchSize
		if batchSize <= 0 {
			batchSize = defaultBatchSize
		}
		flushSeconds := rt.Processing.FlushIntervalSeconds
		if flushSeconds <= 0 {
			flushSeconds = defaultFlushIntervalSeconds
		}
		maxRetries := rt.Processing.MaxRetries
		if maxRetries <= 0 {
			maxRetries = defaultMaxRetries
		}

		bindings[topic] = model.TopicBinding{
			KafkaTopic: topic,
			SchemaFile: rt.SchemaFile,
			Subject:    rt.Subject,
			Destination: model.Destination{
				Bucket:           rt.Destination.Bucket,
				Path:             rt.Destination.Path,
				TableName:        rt.Destination.TableName,
				PartitionColumns: rt.Destination.PartitionColumns,
				Delta: model.DeltaConfig{
					EnableOptimize:        rt.Destination.Delta.EnableOptimize,
					OptimizeIntervalBatch: rt.Destination.Delta.OptimizeIntervalBatch,
					EnableVacuum:          rt.Destination.Delta.EnableVacuum,
					VacuumRetentionHours:  rt.Destination.Delta.VacuumRetentionHours,
					EnableSchemaEvolution: rt.Destination.Delta.EnableSchemaEvolution,
					CheckpointInterval:    rt.Destination.Delta.CheckpointInterval,
					SchemaCompatibility:   orDefault(rt.Destination.Delta.SchemaCompatibility, doc.SchemaCompatibility),
				},
			},
			Processing: model.Processing{
				BatchSize:     batchSize,
				FlushInterval: time.Duration(flushSeconds) * time.Second,
				MaxRetries:    maxRetries,
			},
		}
	}

	cfg := &Config{
		Kafka: kafkaconn.ClusterConfig{
			Brokers:         doc.Kafka.Brokers,
			Version:         doc.Kafka.Version,
			ConsumerGroupID: doc.Kafka.ConsumerGroupID,
			SessionTimeout:  sessionTimeout,
			AutoCommit:      doc.Kafka.AutoCommit,
			Sasl: kafkaconn.SaslConfig{
				Enable:    doc.Kafka.Sasl.Enable,
				Mechanism: doc.Kafka.Sasl.Mechanism,
				User:      doc.Kafka.Sasl.User,
				Password:  doc.Kafka.Sasl.Password,
			},
		},
		SchemaRegistry: schemaregistry.Config{
			RegistryURL:     doc.SchemaRegistry.URL,
			Enabled:         doc.SchemaRegistry.Enabled,
			CacheTTL:        time.Duration(doc.SchemaRegistry.CacheTTLSeconds) * time.Second,
			RefreshInterval: time.Duration(doc.SchemaRegistry.RefreshIntervalSeconds) * time.Second,
		},
		Storage: tablewriter.StorageConfig{
			Region:          doc.Store.Region,
			AccessKeyID:     doc.Store.AccessKeyID,
			SecretAccessKey: doc.Store.SecretAccessKey,
			Endpoint:        doc.Store.EndpointURL,
			PathStyle:       doc.Store.PathStyle,
		},
		TopicsDir:             doc.TopicsDir,
		PartitionerClass:      doc.PartitionerClass,
		MaxRetries:            intOrDefault(doc.MaxRetries, defaultMaxRetries),
		RetryBackoff:          time.Duration(doc.RetryBackoffMs) * time.Millisecond,
		FlushSize:             doc.FlushSize,
		RotateInterval:        time.Duration(doc.RotateIntervalMs) * time.Millisecond,
		MetricsAddr:           orDefault(doc.MetricsAddr, ":2020"),
		LogLevel:              orDefault(doc.LogLevel, "info"),
		Bindings:              bindings,
		AlertSlackWebhookURL:  doc.Alert.SlackWebhookURL,
		AlertChannel:          doc.Alert.Channel,
		AlertDLQRateThreshold: doc.Alert.DLQRateThreshold,
	}

	return cfg, nil
}

func parseDurationOrZero(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func intOrDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// BindFlags attaches the connector's persistent --config flag to cmd,
// and returns a function that loads the Config once flags are parsed.
func BindFlags(cmd *cobra.Command) func() (*Config, error) {
	var path string
	cmd.PersistentFlags().StringVar(&path, "config", "/etc/connector/config.yaml", "path to the connector's YAML config file")
	return func() (*Config, error) {
		if path == "" {
			return nil, fmt.Errorf("config: --config is required")
		}
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		return Load(path)
	}
}
