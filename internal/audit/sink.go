package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dormauth/internal/bucketing"
	"dormauth/internal/client"
	"dormauth/internal/config"
	"dormauth/internal/models"
	"dormauth/internal/util"
)

// ErrSearchUnavailable is returned by Search when the sink was built
// without a search index, e.g. a development setup with only Kafka up.
var ErrSearchUnavailable = errors.New("audit: search index not configured")

const insertAuditEvent = `
INSERT INTO audit_events (
    date_bucket, id, event, identity_id, email, ip, user_agent, detail, occurred_at
)`

// Sink fans each event out to the append-only column store, the search
// index and the security-event topic, on a detached goroutine. Failures
// are logged locally and swallowed.
type Sink struct {
	ch       *client.ClickHouseClient
	es       *client.ESClient
	producer *client.KafkaProducer
	buckets  *bucketing.Manager
	index    string
	topic    string
}

func NewSink(ch *client.ClickHouseClient, es *client.ESClient, producer *client.KafkaProducer, buckets *bucketing.Manager, cfg *config.Config) *Sink {
	return &Sink{
		ch:       ch,
		es:       es,
		producer: producer,
		buckets:  buckets,
		index:    cfg.Elasticsearch.AuditIndex,
		topic:    cfg.Kafka.SecurityTopic,
	}
}

func (s *Sink) Record(rec *models.AuditRecord) {
	prepare(rec)

	go func() {
		ctx, cancel := detachedContext(10 * time.Second)
		defer cancel()

		if s.ch != nil {
			if err := s.writeColumnStore(ctx, rec); err != nil {
				util.Error("audit clickhouse write failed",
					util.ErrorField(err),
					util.String("event", rec.Event))
			}
		}
		if s.es != nil {
			if err := s.es.IndexDocument(ctx, s.index, rec.ID, rec); err != nil {
				util.Error("audit index write failed",
					util.ErrorField(err),
					util.String("event", rec.Event))
			}
		}
		if s.producer != nil {
			if err := s.publish(ctx, rec); err != nil {
				util.Error("security event publish failed",
					util.ErrorField(err),
					util.String("event", rec.Event))
			}
		}
	}()
}

func (s *Sink) writeColumnStore(ctx context.Context, rec *models.AuditRecord) error {
	row := []interface{}{
		s.buckets.DateBucket(rec.OccurredAt),
		rec.ID, rec.Event, rec.IdentityID, rec.Email,
		rec.IP, rec.UserAgent, rec.Detail, rec.OccurredAt,
	}
	return s.ch.BatchInsert(ctx, insertAuditEvent, [][]interface{}{row})
}

func (s *Sink) publish(ctx context.Context, rec *models.AuditRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding security event: %w", err)
	}
	return s.producer.Produce(ctx, s.topic, []byte(rec.IdentityID), body, map[string]string{
		"event": rec.Event,
	})
}

// Search queries the audit index for the admin surface.
func (s *Sink) Search(ctx context.Context, query map[string]interface{}) ([]models.AuditRecord, error) {
	if s.es == nil {
		return nil, ErrSearchUnavailable
	}
	res, err := s.es.Search(ctx, s.index, query)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				Source models.AuditRecord `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := s.es.ParseResponse(res, &parsed); err != nil {
		return nil, err
	}

	out := make([]models.AuditRecord, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		out = append(out, hit.Source)
	}
	return out, nil
}
