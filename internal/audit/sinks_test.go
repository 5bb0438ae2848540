package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func TestKafkaSinkKeysBySubject(t *testing.T) {
	writer := &fakeWriter{}
	sink := NewKafkaSink(writer)

	event := NewEvent("refresh_token.rotated", "alice", map[string]string{"reason": "rotate"})
	require.NoError(t, sink.Write(context.Background(), []Event{event}))

	require.Len(t, writer.msgs, 1)
	msg := writer.msgs[0]
	require.Equal(t, "alice", string(msg.Key))
	require.Equal(t, "event_type", msg.Headers[0].Key)
	require.Equal(t, "refresh_token.rotated", string(msg.Headers[0].Value))

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	require.Equal(t, "rotate", decoded.Details["reason"])
}

func TestKafkaSinkWrapsWriterError(t *testing.T) {
	sink := NewKafkaSink(&fakeWriter{err: errors.New("leader not available")})
	err := sink.Write(context.Background(), []Event{NewEvent("x", "y", nil)})
	require.ErrorContains(t, err, "leader not available")
}

type fakeInserter struct {
	query string
	rows  [][]interface{}
}

func (f *fakeInserter) BatchInsert(_ context.Context, query string, rows [][]interface{}) error {
	f.query = query
	f.rows = rows
	return nil
}

func TestClickHouseSinkBuildsRows(t *testing.T) {
	conn := &fakeInserter{}
	sink := NewClickHouseSink(conn, "security_events")

	event := NewEvent("rate_limit.denied", "ip:10.0.0.1", nil)
	event.Path = "/api/v1/transfer"
	require.NoError(t, sink.Write(context.Background(), []Event{event}))

	require.Equal(t, "INSERT INTO security_events (event_time, event_type, subject, ip_address, path, details)", conn.query)
	require.Len(t, conn.rows, 1)
	require.Equal(t, "/api/v1/transfer", conn.rows[0][4])
	require.Equal(t, map[string]string{}, conn.rows[0][5])
}

func TestElasticsearchSinkBulkIndexes(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/security-events/_bulk" || r.URL.Path == "/_bulk" {
			scanner := bufio.NewScanner(r.Body)
			mu.Lock()
			for scanner.Scan() {
				lines = append(lines, scanner.Text())
			}
			mu.Unlock()
			_, _ = w.Write([]byte(`{"took":1,"errors":false,"items":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	sink := NewElasticsearchSink(client, "security-events")

	events := []Event{
		{EventTime: time.Now().UTC(), EventType: "refresh_token.issued", Subject: "alice"},
		{EventTime: time.Now().UTC(), EventType: "refresh_token.revoked_all", Subject: "alice"},
	}
	require.NoError(t, sink.Write(context.Background(), events))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lines, 4)
	require.Contains(t, lines[0], `"_index":"security-events"`)
	require.Contains(t, lines[3], `"refresh_token.revoked_all"`)
}

func TestElasticsearchSinkReportsItemErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"took":1,"errors":true,"items":[]}`))
	}))
	defer srv.Close()

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)

	err = NewElasticsearchSink(client, "security-events").Write(context.Background(), []Event{NewEvent("x", "y", nil)})
	require.Error(t, err)
}
