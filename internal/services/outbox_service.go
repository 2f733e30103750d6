package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"time"

	"github.com/flowpay/ledger/internal/models"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/viper"
)

// OutboxService implements the outbox pattern: terminal transitions
// enqueue a domain event inside the same database transaction, and a
// background dispatcher delivers the rows to Kafka. Delivery failures
// never affect ledger correctness; undelivered rows are retried on the
// next poll.
type OutboxService struct {
	db       *sql.DB
	writer   *kafka.Writer
	interval time.Duration
}

func NewOutboxService(db *sql.DB) *OutboxService {
	viper.SetDefault("outbox.poll_interval_seconds", 5)
	viper.SetDefault("kafka.topic", "ledger.transactions")

	var writer *kafka.Writer
	brokers := viper.GetStringSlice("kafka.brokers")
	if len(brokers) > 0 {
		writer = &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    viper.GetString("kafka.topic"),
			Balancer: &kafka.LeastBytes{},
		}
		log.Printf("[OUTBOX] Kafka publisher configured: brokers=%v", brokers)
	} else {
		log.Println("[OUTBOX] No Kafka brokers configured, events will be logged only")
	}

	return &OutboxService{
		db:       db,
		writer:   writer,
		interval: time.Duration(viper.GetInt("outbox.poll_interval_seconds")) * time.Second,
	}
}

// Enqueue writes the event into the outbox within the caller's
// database transaction.
func (s *OutboxService) Enqueue(tx *sql.Tx, event models.DomainEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO outbox_events (payload, created_at)
		VALUES ($1, $2)`, payload, time.Now())
	return err
}

// Run polls the outbox until ctx is canceled.
func (s *OutboxService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.writer != nil {
				s.writer.Close()
			}
			return
		case <-ticker.C:
			if err := s.DispatchOnce(ctx); err != nil {
				log.Printf("[OUTBOX] Dispatch failed: %v", err)
			}
		}
	}
}

// DispatchOnce claims a batch of undelivered events and publishes them.
// SKIP LOCKED keeps concurrent dispatcher replicas from double-claiming.
func (s *OutboxService) DispatchOnce(ctx context.Context) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, payload FROM outbox_events
		WHERE delivered_at IS NULL
		ORDER BY id
		LIMIT 100
		FOR UPDATE SKIP LOCKED`)
	if err != nil {
		return err
	}

	type row struct {
		id      int64
		payload []byte
	}
	var batch []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.payload); err != nil {
			rows.Close()
			return err
		}
		batch = append(batch, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(batch) == 0 {
		return tx.Commit()
	}

	for _, r := range batch {
		if err := s.publish(ctx, r.payload); err != nil {
			// Leave the row unclaimed; it is retried next poll.
			log.Printf("[OUTBOX] Publish failed for event %d: %v", r.id, err)
			return tx.Commit()
		}
		if _, err := tx.Exec(`UPDATE outbox_events SET delivered_at = $1 WHERE id = $2`,
			time.Now(), r.id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *OutboxService) publish(ctx context.Context, payload []byte) error {
	if s.writer == nil {
		log.Printf("[OUTBOX] Event: %s", payload)
		return nil
	}
	return s.writer.WriteMessages(ctx, kafka.Message{Value: payload})
}
