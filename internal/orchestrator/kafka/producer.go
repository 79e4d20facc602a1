package kafka

import (
	"log"
	"os"
	"strings"

	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBrokers     = "localhost:9092"
	DefaultTaskResultsTopic = "browser_task_results"
)

// NewKafkaProducer builds the writer used to relay terminal task statuses.
func NewKafkaProducer() *kafka.Writer {
	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		kafkaBrokers = DefaultKafkaBrokers
	}
	taskResultsTopic := os.Getenv("TASK_RESULTS_TOPIC")
	if taskResultsTopic == "" {
		taskResultsTopic = DefaultTaskResultsTopic
	}
	brokerList := strings.Split(kafkaBrokers, ",")
	producer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokerList,
		Topic:        taskResultsTopic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: int(kafka.RequireOne),
		Async:        false,
	})
	log.Printf("Orchestrator Kafka producer configured for topic: %s", taskResultsTopic)
	return producer
}
