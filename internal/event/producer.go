package event

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/davideshay/groceries/internal/domain"
	pkgkafka "github.com/davideshay/groceries/pkg/kafka"
)

// Kafka topic constants for sync server events.
const (
	TopicUserRegistered     = "groceries.user.registered"
	TopicSessionInvalidated = "groceries.session.invalidated"
	TopicConflictResolved   = "groceries.conflict.resolved"
	TopicDatabaseCompacted  = "groceries.db.compacted"
)

// Aggregate type constants.
const (
	AggregateTypeUser     = "user"
	AggregateTypeDocument = "document"
	AggregateTypeStore    = "store"
)

// Source identifier for events originating from the sync server.
const SourceSyncServer = "sync-server"

// UserRegisteredData is the payload for a user.registered event.
type UserRegisteredData struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	FullName string `json:"fullname"`
}

// SessionInvalidatedData is the payload for a session.invalidated event.
// Scope is "device" when one device session was dropped and "all" when the
// whole account was logged out.
type SessionInvalidatedData struct {
	Username   string `json:"username"`
	DeviceUUID string `json:"deviceUUID,omitempty"`
	Scope      string `json:"scope"`
	Reason     string `json:"reason"`
}

// ConflictResolvedData is the payload for a conflict.resolved event.
type ConflictResolvedData struct {
	DocID         string    `json:"doc_id"`
	DocType       string    `json:"doc_type"`
	ImpactedUsers []string  `json:"impacted_users"`
	WinningRev    string    `json:"winning_rev"`
	LosingRevs    []string  `json:"losing_revs"`
	ResolvedAt    time.Time `json:"resolved_at"`
}

// DatabaseCompactedData is the payload for a db.compacted event.
type DatabaseCompactedData struct {
	RowsRemoved int64     `json:"rows_removed"`
	CompactedAt time.Time `json:"compacted_at"`
}

// Producer publishes sync server domain events to Kafka.
type Producer struct {
	kafka  *pkgkafka.Producer
	logger *slog.Logger
}

// NewProducer creates a new event producer for the sync server.
func NewProducer(kafka *pkgkafka.Producer, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
	}
}

// PublishUserRegistered publishes a user.registered event.
func (p *Producer) PublishUserRegistered(ctx context.Context, acct *domain.UserAccount) error {
	data := UserRegisteredData{
		Name:     acct.Name,
		Email:    acct.Email,
		FullName: acct.FullName,
	}

	event, err := pkgkafka.NewEvent(TopicUserRegistered, acct.Name, AggregateTypeUser, SourceSyncServer, data)
	if err != nil {
		return fmt.Errorf("create user.registered event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicUserRegistered, event); err != nil {
		return fmt.Errorf("publish user.registered event: %w", err)
	}

	p.logger.DebugContext(ctx, "published user.registered event",
		slog.String("username", acct.Name),
	)

	return nil
}

// PublishSessionInvalidated publishes a session.invalidated event.
func (p *Producer) PublishSessionInvalidated(ctx context.Context, username, deviceUUID, scope, reason string) error {
	data := SessionInvalidatedData{
		Username:   username,
		DeviceUUID: deviceUUID,
		Scope:      scope,
		Reason:     reason,
	}

	event, err := pkgkafka.NewEvent(TopicSessionInvalidated, username, AggregateTypeUser, SourceSyncServer, data)
	if err != nil {
		return fmt.Errorf("create session.invalidated event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicSessionInvalidated, event); err != nil {
		return fmt.Errorf("publish session.invalidated event: %w", err)
	}

	p.logger.DebugContext(ctx, "published session.invalidated event",
		slog.String("username", username),
		slog.String("scope", scope),
	)

	return nil
}

// PublishConflictResolved publishes a conflict.resolved event.
func (p *Producer) PublishConflictResolved(ctx context.Context, entry *domain.ConflictLogEntry) error {
	data := ConflictResolvedData{
		DocID:         entry.DocID,
		DocType:       entry.DocType,
		ImpactedUsers: entry.ImpactedUsers,
		WinningRev:    entry.WinningRev,
		LosingRevs:    entry.LosingRevs,
		ResolvedAt:    entry.ResolvedAt,
	}

	event, err := pkgkafka.NewEvent(TopicConflictResolved, entry.DocID, AggregateTypeDocument, SourceSyncServer, data)
	if err != nil {
		return fmt.Errorf("create conflict.resolved event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicConflictResolved, event); err != nil {
		return fmt.Errorf("publish conflict.resolved event: %w", err)
	}

	p.logger.DebugContext(ctx, "published conflict.resolved event",
		slog.String("doc_id", entry.DocID),
		slog.Int("losing_revs", len(entry.LosingRevs)),
	)

	return nil
}

// PublishDatabaseCompacted publishes a db.compacted event.
func (p *Producer) PublishDatabaseCompacted(ctx context.Context, rowsRemoved int64) error {
	data := DatabaseCompactedData{
		RowsRemoved: rowsRemoved,
		CompactedAt: time.Now().UTC(),
	}

	event, err := pkgkafka.NewEvent(TopicDatabaseCompacted, "documents", AggregateTypeStore, SourceSyncServer, data)
	if err != nil {
		return fmt.Errorf("create db.compacted event: %w", err)
	}

	if err := p.kafka.Publish(ctx, TopicDatabaseCompacted, event); err != nil {
		return fmt.Errorf("publish db.compacted event: %w", err)
	}

	p.logger.DebugContext(ctx, "published db.compacted event",
		slog.Int64("rows_removed", rowsRemoved),
	)

	return nil
}
