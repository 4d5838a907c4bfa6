package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

// AlertsKey is the Redis list operators consume alerts from
const AlertsKey = "ops_alerts"

const maxAlerts = 1000

// Alert severities
const (
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

type AuditEvent struct {
	Timestamp     time.Time       `json:"timestamp"`
	EventType     string          `json:"event_type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AccountID     string          `json:"account_id,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency,omitempty"`
	Status        string          `json:"status"`
	Details       any             `json:"details,omitempty"`
}

type Alert struct {
	Timestamp time.Time         `json:"timestamp"`
	Severity  string            `json:"severity"`
	Source    string            `json:"source"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// AuditLogger writes audit lines to the process log and pushes alerts to Redis when available
type AuditLogger struct {
	redis *redis.Client
	now   func() time.Time
}

func NewAuditLogger(redisClient *redis.Client) *AuditLogger {
	return &AuditLogger{
		redis: redisClient,
		now:   time.Now,
	}
}

func (a *AuditLogger) LogMovement(eventType, correlationID, accountID string, amount decimal.Decimal, currency string, details map[string]string) {
	a.log(AuditEvent{
		Timestamp:     a.now(),
		EventType:     eventType,
		CorrelationID: correlationID,
		AccountID:     accountID,
		Amount:        amount,
		Currency:      currency,
		Status:        "SUCCESS",
		Details:       details,
	})
}

func (a *AuditLogger) LogError(eventType, correlationID, accountID string, err error) {
	a.log(AuditEvent{
		Timestamp:     a.now(),
		EventType:     eventType,
		CorrelationID: correlationID,
		AccountID:     accountID,
		Status:        "FAILED",
		Details:       map[string]string{"error": err.Error()},
	})
}

// Alert raises an operational alert. Never call it while holding row locks.
func (a *AuditLogger) Alert(ctx context.Context, severity, source, message string, fields map[string]string) {
	alert := Alert{
		Timestamp: a.now(),
		Severity:  severity,
		Source:    source,
		Message:   message,
		Fields:    fields,
	}
	data, _ := json.Marshal(alert)
	log.Printf("ALERT: %s", string(data))

	if a.redis == nil {
		return
	}
	if err := a.redis.LPush(ctx, AlertsKey, string(data)).Err(); err != nil {
		log.Printf("[AUDIT] Failed to publish alert: %v", err)
		return
	}
	a.redis.LTrim(ctx, AlertsKey, 0, maxAlerts-1)
}

func (a *AuditLogger) log(event AuditEvent) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
