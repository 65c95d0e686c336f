package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/stocktracker/mailqueue/pkg/audit"
	"github.com/stocktracker/mailqueue/pkg/config"
)

// newEventManager wires the configured event sinks. Broker sinks that fail to
// connect are skipped with an error log. Returns nil when nothing is configured,
// which Manager treats as a no-op.
func newEventManager(cfg config.Events, zl *zap.Logger) *audit.Manager {
	log := zl.Sugar().Named("events")
	var sinks []audit.Sink
	if cfg.Log {
		sinks = append(sinks, audit.NewLogSink(zl.Named("events")))
	}

	if cfg.Kafka.Enabled {
		if sink, err := newKafkaSink(cfg.Kafka, zl); err != nil {
			log.Errorw("Kafka event sink disabled", "error", err)
		} else {
			sinks = append(sinks, sink)
		}
	}

	if cfg.AMQP.Enabled {
		sink, err := audit.NewAMQPSink(audit.AMQPSinkConfig{
			Name:       "amqp",
			URL:        cfg.AMQP.URL,
			Exchange:   cfg.AMQP.Exchange,
			RoutingKey: cfg.AMQP.RoutingKey,
		}, zl)
		if err != nil {
			log.Errorw("AMQP event sink disabled", "error", err)
		} else {
			sinks = append(sinks, sink)
		}
	}

	if len(sinks) == 0 {
		log.Info("No event sinks configured")
		return nil
	}

	qcfg := audit.DefaultQueuedSinkConfig()
	qcfg.QueueSize = cfg.QueueSize
	return audit.NewManager(audit.NewIsolatedMultiSink(sinks, qcfg, zl), zl)
}

func newKafkaSink(cfg config.KafkaEvents, zl *zap.Logger) (*audit.KafkaSink, error) {
	kcfg := audit.KafkaSinkConfig{
		Name:             "kafka",
		Brokers:          cfg.Brokers,
		Topic:            cfg.Topic,
		CompressionCodec: cfg.CompressionCodec,
	}
	if cfg.TLSEnabled {
		kcfg.TLS = &audit.KafkaTLSConfig{Enabled: true, InsecureSkipVerify: cfg.InsecureSkipVerify}
		if cfg.TLSCAFile != "" {
			ca, err := os.ReadFile(cfg.TLSCAFile)
			if err != nil {
				return nil, err
			}
			kcfg.TLS.CACert = ca
		}
	}
	if cfg.SASLMechanism != "" {
		kcfg.SASL = &audit.KafkaSASLConfig{
			Mechanism: cfg.SASLMechanism,
			Username:  cfg.SASLUsername,
			Password:  cfg.SASLPassword,
		}
	}
	return audit.NewKafkaSink(kcfg, zl)
}
