package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Shopify/sarama"
	"github.com/practo/klog/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tablesink/connector/internal/alert"
	"github.com/tablesink/connector/internal/config"
	"github.com/tablesink/connector/internal/dlq"
	"github.com/tablesink/connector/internal/enrich"
	"github.com/tablesink/connector/internal/kafkaconn"
	"github.com/tablesink/connector/internal/maintenance"
	"github.com/tablesink/connector/internal/metrics"
	"github.com/tablesink/connector/internal/parser"
	"github.com/tablesink/connector/internal/pipeline"
	"github.com/tablesink/connector/internal/schemaregistry"
	"github.com/tablesink/connector/internal/tablewriter"
	"github.com/tablesink/connector/internal/validator"
)

var rootCmd = &cobra.Command{
	Use:   "connector",
	Short: "Sinks Kafka topics into Delta-Lake-style tables on S3-compatible storage.",
	Long:  "Consumes Kafka topics, validates and enriches records against registered schemas, batches them per destination table, and commits them transactionally to S3-compatible object storage.",
	Run:   run,
}

var loadConfig func() (*config.Config, error)

func init() {
	klog.InitFlags(nil)
	loadConfig = config.BindFlags(rootCmd)
	pflag.CommandLine.AddGoFlag(flag.CommandLine.Lookup("v"))
}

func run(cmd *cobra.Command, args []string) {
	klog.Info("starting the connector")

	cfg, err := loadConfig()
	if err != nil {
		klog.Errorf("error loading config: %v", err)
		os.Exit(1)
	}
	if len(cfg.Bindings) == 0 {
		klog.Error("no topic bindings configured, nothing to consume")
		os.Exit(1)
	}

	baseRecorder := metrics.NewPrometheus(prometheus.DefaultRegisterer)
	rec := &rateTrackingRecorder{Recorder: baseRecorder}
	go metrics.ServeHTTP(cfg.MetricsAddr)

	resolver := schemaregistry.New(cfg.SchemaRegistry)
	val := validator.New()
	enr := enrich.New()
	par := parser.New(resolver, ",", 5)

	storage, err := tablewriter.NewStorage(cfg.Storage)
	if err != nil {
		klog.Errorf("error building object store client: %v", err)
		os.Exit(1)
	}
	writer := tablewriter.New(storage, rec)
	scheduler := maintenance.New(writer, rec)

	saramaCfg, err := kafkaconn.NewSaramaConfig(cfg.Kafka)
	if err != nil {
		klog.Errorf("error building kafka config: %v", err)
		os.Exit(1)
	}

	producer, err := kafkaconn.NewProducer(cfg.Kafka.BrokerList(), saramaCfg)
	if err != nil {
		klog.Errorf("error building kafka producer: %v", err)
		os.Exit(1)
	}
	sink := dlq.New(producer)

	pl := pipeline.New(pipeline.Config{
		Bindings:            cfg.Bindings,
		AutoCommit:          cfg.Kafka.AutoCommit,
		VacuumCheckInterval: time.Hour,
	}, resolver, val, enr, par, writer, scheduler, sink, rec)

	handler := pipeline.NewHandler(pl)

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Kafka.BrokerList(), cfg.Kafka.ConsumerGroupID, saramaCfg)
	if err != nil {
		klog.Errorf("error building kafka consumer group: %v", err)
		os.Exit(1)
	}

	topics := make([]string, 0, len(cfg.Bindings))
	for topic := range cfg.Bindings {
		topics = append(topics, topic)
	}

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}

	pl.Start(5 * time.Second)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			if ctx.Err() != nil {
				return
			}
			if err := consumerGroup.Consume(ctx, topics, handler); err != nil {
				klog.Errorf("consumer group session ended: %v", err)
				time.Sleep(time.Second)
			}
		}
	}()

	go func() {
		for err := range consumerGroup.Errors() {
			klog.Errorf("consumer group error: %v", err)
		}
	}()

	if cfg.AlertSlackWebhookURL != "" {
		notifier := alert.New(cfg.AlertSlackWebhookURL, cfg.AlertChannel, pl.CircuitBreaker(), rec.Rate, cfg.AlertDLQRateThreshold)
		go notifier.Run(ctx, 30*time.Second)
	}

	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGINT, syscall.SIGTERM)
	<-sigterm
	klog.Info("shutdown signal received, draining")

	cancel()
	wg.Wait()

	pl.Stop()

	if err := consumerGroup.Close(); err != nil {
		klog.Errorf("error closing consumer group: %v", err)
		os.Exit(1)
	}

	klog.Info("goodbye")
}

func main() {
	rand.Seed(time.Now().UnixNano())
	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("error: %v", err)
		os.Exit(1)
	}
}
