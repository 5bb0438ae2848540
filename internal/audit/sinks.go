package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the Kafka sink uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink publishes each event as a JSON message keyed by subject, so all
// events of one caller land on one partition in order.
type KafkaSink struct {
	writer MessageWriter
}

func NewKafkaSink(writer MessageWriter) *KafkaSink {
	return &KafkaSink{writer: writer}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Write(ctx context.Context, events []Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to encode security event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.Subject),
			Value: value,
			Time:  e.EventTime,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(e.EventType)},
			},
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to write kafka messages: %w", err)
	}
	return nil
}

// ElasticsearchSink indexes events through the bulk API.
type ElasticsearchSink struct {
	client *elasticsearch.Client
	index  string
}

func NewElasticsearchSink(client *elasticsearch.Client, index string) *ElasticsearchSink {
	return &ElasticsearchSink{client: client, index: index}
}

func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

func (s *ElasticsearchSink) Write(ctx context.Context, events []Event) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range events {
		if err := enc.Encode(map[string]interface{}{"index": map[string]string{"_index": s.index}}); err != nil {
			return fmt.Errorf("error encoding bulk action: %w", err)
		}
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("error encoding document: %w", err)
		}
	}

	res, err := s.client.Bulk(bytes.NewReader(buf.Bytes()),
		s.client.Bulk.WithContext(ctx),
		s.client.Bulk.WithIndex(s.index))
	if err != nil {
		return fmt.Errorf("error executing bulk index: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch error: %s", res.String())
	}

	var body struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return fmt.Errorf("error parsing bulk response: %w", err)
	}
	if body.Errors {
		return fmt.Errorf("elasticsearch rejected some of %d security events", len(events))
	}
	return nil
}

// BatchInserter is the part of the ClickHouse client the analytics sink uses.
type BatchInserter interface {
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

// ClickHouseSink appends events to the analytics table in one native batch.
type ClickHouseSink struct {
	conn  BatchInserter
	query string
}

func NewClickHouseSink(conn BatchInserter, table string) *ClickHouseSink {
	return &ClickHouseSink{
		conn:  conn,
		query: fmt.Sprintf("INSERT INTO %s (event_time, event_type, subject, ip_address, path, details)", table),
	}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) Write(ctx context.Context, events []Event) error {
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		details := e.Details
		if details == nil {
			details = map[string]string{}
		}
		rows = append(rows, []interface{}{e.EventTime, e.EventType, e.Subject, e.IPAddress, e.Path, details})
	}
	if err := s.conn.BatchInsert(ctx, s.query, rows); err != nil {
		return fmt.Errorf("failed to insert security events: %w", err)
	}
	return nil
}
