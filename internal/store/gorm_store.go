package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/abrahaamv/realtime-gateway/pkg/log"
)

// MessageModel is the GORM model for the chat_messages table. The table
// is owned by the platform's CRUD layer; the gateway only inserts.
type MessageModel struct {
	ID        string    `gorm:"primaryKey;type:varchar(32)"`
	SessionID string    `gorm:"column:session_id;index;not null"`
	Role      string    `gorm:"not null"`
	Content   string    `gorm:"type:text;not null"`
	Metadata  string    `gorm:"type:jsonb"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

func (MessageModel) TableName() string {
	return "chat_messages"
}

// GormMessageStore implements MessageStore on Postgres via GORM.
type GormMessageStore struct {
	db *gorm.DB
}

// NewGormMessageStore opens the database connection. A failure here is
// fatal to gateway startup.
func NewGormMessageStore(dsn string) (*GormMessageStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &GormMessageStore{db: db}, nil
}

func (s *GormMessageStore) Append(ctx context.Context, msg *Message) error {
	l := log.Ctx(ctx)

	metadata := "{}"
	if len(msg.Metadata) > 0 {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal message metadata: %w", err)
		}
		metadata = string(data)
	}

	model := &MessageModel{
		ID:        msg.ID,
		SessionID: msg.SessionID,
		Role:      msg.Role,
		Content:   msg.Content,
		Metadata:  metadata,
	}
	result := s.db.WithContext(ctx).Create(model)
	if result.Error != nil {
		l.Error().Err(result.Error).
			Str(log.FieldSessionID, msg.SessionID).
			Str(log.FieldMessageID, msg.ID).
			Msg("failed to append chat message")
		return result.Error
	}

	msg.CreatedAt = model.CreatedAt
	return nil
}

func (s *GormMessageStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
