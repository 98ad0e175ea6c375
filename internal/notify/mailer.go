package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dormauth/internal/client"
	"dormauth/internal/config"
	"dormauth/internal/util"
)

// Email kinds rendered by the downstream mail worker.
const (
	KindResetCode       = "reset_code"
	KindPasswordChanged = "password_changed"
	KindMFAEnabled      = "mfa_enabled"
	KindMFADisabled     = "mfa_disabled"
)

// Message is the envelope published to the email topic.
type Message struct {
	Kind string `json:"kind"`
	To   string `json:"to"`
	Name string `json:"name"`
	Code string `json:"code,omitempty"`
}

// Mailer delivers account emails. SendResetCode is synchronous because
// its failure must roll back the stored reset code; everything else is
// fire-and-forget.
type Mailer interface {
	SendResetCode(ctx context.Context, email, name, code string) error
	SendPasswordChanged(email, name string)
	SendMFAEnabled(email, name string)
	SendMFADisabled(email, name string)
}

// KafkaMailer hands messages to the email topic; a worker outside this
// service renders and sends them.
type KafkaMailer struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaMailer(producer *client.KafkaProducer, cfg *config.KafkaConfig) *KafkaMailer {
	return &KafkaMailer{producer: producer, topic: cfg.EmailTopic}
}

func (m *KafkaMailer) SendResetCode(ctx context.Context, email, name, code string) error {
	return m.produce(ctx, Message{Kind: KindResetCode, To: email, Name: name, Code: code})
}

func (m *KafkaMailer) SendPasswordChanged(email, name string) {
	m.detached(Message{Kind: KindPasswordChanged, To: email, Name: name})
}

func (m *KafkaMailer) SendMFAEnabled(email, name string) {
	m.detached(Message{Kind: KindMFAEnabled, To: email, Name: name})
}

func (m *KafkaMailer) SendMFADisabled(email, name string) {
	m.detached(Message{Kind: KindMFADisabled, To: email, Name: name})
}

func (m *KafkaMailer) detached(msg Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.produce(ctx, msg); err != nil {
			util.Error("email publish failed",
				util.ErrorField(err),
				util.String("kind", msg.Kind))
		}
	}()
}

func (m *KafkaMailer) produce(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding email message: %w", err)
	}
	return m.producer.Produce(ctx, m.topic, []byte(msg.To), body, map[string]string{
		"kind": msg.Kind,
	})
}

// NoopMailer is used in development when no broker is configured.
type NoopMailer struct{}

func (NoopMailer) SendResetCode(_ context.Context, email, _, code string) error {
	util.Info("reset code issued (mail disabled)",
		util.String("email", email),
		util.String("code", code))
	return nil
}

func (NoopMailer) SendPasswordChanged(string, string) {}
func (NoopMailer) SendMFAEnabled(string, string)      {}
func (NoopMailer) SendMFADisabled(string, string)     {}
