package domain

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/cad-convertor/internal/audit"
)

// AuditMessage is a decoded audit event awaiting storage
type AuditMessage struct {
	Record   *audit.Record
	Delivery amqp.Delivery
}

// RequestID identifies the event in logs
func (m *AuditMessage) RequestID() string {
	return m.Record.RequestID
}
