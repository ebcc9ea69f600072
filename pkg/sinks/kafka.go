// Package sinks implements the concrete business sink backends behind the
// sinkcoord.SinkBackend contract (SinkUnit in, TrySendStatus out).
package sinks

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
	"github.com/xdg-go/scram"

	"wparse/pkg/sinkcoord"
)

// KafkaAuthConfig carries SASL credentials for the Kafka sink.
type KafkaAuthConfig struct {
	Enabled   bool   `toml:"enabled"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
	Mechanism string `toml:"mechanism"` // PLAIN | SCRAM-SHA-256 | SCRAM-SHA-512
}

// KafkaTLSConfig carries the transport TLS settings.
type KafkaTLSConfig struct {
	Enabled            bool   `toml:"enabled"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
}

// KafkaConfig is the Fixed backend configuration for `backend = "kafka"`
// sink groups.
type KafkaConfig struct {
	Brokers         []string        `toml:"brokers"`
	Topic           string          `toml:"topic"`
	RequiredAcks    int16           `toml:"required_acks"`
	Compression     string          `toml:"compression"` // none|gzip|snappy|lz4|zstd
	BatchSize       int             `toml:"batch_size"`
	BatchTimeout    string          `toml:"batch_timeout"`
	MaxMessageBytes int             `toml:"max_message_bytes"`
	RetryMax        int             `toml:"retry_max"`
	Timeout         string          `toml:"timeout"`
	Partitioner     string          `toml:"partitioner"` // hash|round-robin|random
	Auth            KafkaAuthConfig `toml:"auth"`
	TLS             KafkaTLSConfig  `toml:"tls"`
}

// xdgSCRAMClient adapts xdg-go/scram to sarama.SCRAMClient.
type xdgSCRAMClient struct {
	*scram.Client
	*scram.ClientConversation
	scram.HashGeneratorFcn
}

func (x *xdgSCRAMClient) Begin(userName, password, authzID string) (err error) {
	x.Client, err = x.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	x.ClientConversation = x.Client.NewConversation()
	return nil
}

func (x *xdgSCRAMClient) Step(challenge string) (string, error) {
	return x.ClientConversation.Step(challenge)
}

func (x *xdgSCRAMClient) Done() bool { return x.ClientConversation.Done() }

// KafkaSink is the business SinkBackend wrapping a sarama.AsyncProducer.
type KafkaSink struct {
	cfg      KafkaConfig
	producer sarama.AsyncProducer
	log      *logrus.Entry

	wg     sync.WaitGroup
	closed int32

	sent   int64
	failed int64
}

// NewKafkaSink builds the sarama.Config
// (compression/batch/SASL/TLS/partitioner), then starts an async producer
// and a response-draining goroutine.
func NewKafkaSink(cfg KafkaConfig, log *logrus.Entry) (*KafkaSink, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink: no topic configured")
	}

	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	if cfg.RequiredAcks != 0 {
		sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.RequiredAcks)
	}

	switch strings.ToLower(cfg.Compression) {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	if cfg.BatchSize > 0 {
		sc.Producer.Flush.Messages = cfg.BatchSize
	}
	if cfg.BatchTimeout != "" {
		if d, err := time.ParseDuration(cfg.BatchTimeout); err == nil {
			sc.Producer.Flush.Frequency = d
		}
	}
	if cfg.MaxMessageBytes > 0 {
		sc.Producer.MaxMessageBytes = cfg.MaxMessageBytes
	}
	if cfg.RetryMax > 0 {
		sc.Producer.Retry.Max = cfg.RetryMax
	}
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil {
			sc.Net.DialTimeout, sc.Net.ReadTimeout, sc.Net.WriteTimeout = d, d, d
		}
	}

	if cfg.Auth.Enabled {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.Auth.Username
		sc.Net.SASL.Password = cfg.Auth.Password
		switch strings.ToUpper(cfg.Auth.Mechanism) {
		case "PLAIN":
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		case "SCRAM-SHA-256":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &xdgSCRAMClient{HashGeneratorFcn: scram.HashGeneratorFcn(sha256.New)}
			}
		case "SCRAM-SHA-512":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &xdgSCRAMClient{HashGeneratorFcn: scram.HashGeneratorFcn(sha512.New)}
			}
		}
	}

	if cfg.TLS.Enabled {
		tlsConf, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("kafka sink: tls: %w", err)
		}
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = tlsConf
	}

	switch strings.ToLower(cfg.Partitioner) {
	case "round-robin":
		sc.Producer.Partitioner = sarama.NewRoundRobinPartitioner
	case "random":
		sc.Producer.Partitioner = sarama.NewRandomPartitioner
	default:
		sc.Producer.Partitioner = sarama.NewHashPartitioner
	}

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka sink: new producer: %w", err)
	}

	k := &KafkaSink{cfg: cfg, producer: producer, log: log.WithField("sink", "kafka").WithField("topic", cfg.Topic)}
	k.wg.Add(1)
	go k.drainResponses()
	return k, nil
}

func buildTLSConfig(cfg KafkaTLSConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load cert/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("parse ca certificate")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

func (k *KafkaSink) drainResponses() {
	defer k.wg.Done()
	for {
		select {
		case msg, ok := <-k.producer.Successes():
			if !ok {
				return
			}
			_ = msg
			atomic.AddInt64(&k.sent, 1)
		case err, ok := <-k.producer.Errors():
			if !ok {
				return
			}
			atomic.AddInt64(&k.failed, 1)
			k.log.WithError(err.Err).Warn("kafka sink: delivery failed")
		}
	}
}

func (k *KafkaSink) message(u sinkcoord.SinkUnit) (*sarama.ProducerMessage, error) {
	var value []byte
	if u.Record != nil {
		data, err := json.Marshal(u.Record)
		if err != nil {
			return nil, err
		}
		value = data
	} else {
		value = u.Raw
	}
	msg := &sarama.ProducerMessage{Topic: k.cfg.Topic, Value: sarama.ByteEncoder(value)}
	if u.Meta.RuleKey != "" {
		msg.Key = sarama.StringEncoder(u.Meta.RuleKey)
	}
	return msg, nil
}

// TrySend implements sinkcoord.SinkBackend: a non-blocking attempt to hand
// the message to sarama's input channel, returning Fulfilled when the
// producer's internal queue is saturated.
func (k *KafkaSink) TrySend(u sinkcoord.SinkUnit) (sinkcoord.TrySendStatus, error) {
	if atomic.LoadInt32(&k.closed) != 0 {
		return sinkcoord.SendErr, fmt.Errorf("kafka sink: closed")
	}
	msg, err := k.message(u)
	if err != nil {
		return sinkcoord.SendErr, err
	}
	select {
	case k.producer.Input() <- msg:
		return sinkcoord.Sended, nil
	default:
		return sinkcoord.Fulfilled, nil
	}
}

// SendBatch commits to blocking sends, the BlackHole-terminal delivery
// path that does not retry via the pipeline's backoff loop.
func (k *KafkaSink) SendBatch(units []sinkcoord.SinkUnit) error {
	if atomic.LoadInt32(&k.closed) != 0 {
		return fmt.Errorf("kafka sink: closed")
	}
	for _, u := range units {
		msg, err := k.message(u)
		if err != nil {
			return err
		}
		k.producer.Input() <- msg
	}
	return nil
}

func (k *KafkaSink) Close() error {
	if !atomic.CompareAndSwapInt32(&k.closed, 0, 1) {
		return nil
	}
	k.producer.AsyncClose()
	k.wg.Wait()
	k.log.WithField("sent", atomic.LoadInt64(&k.sent)).WithField("failed", atomic.LoadInt64(&k.failed)).Info("kafka sink closed")
	return nil
}
