package handlers

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"leadworks/api_referrals/internal/ledger"
	"leadworks/api_referrals/pkg/kafka"
	"leadworks/api_referrals/pkg/logging"
)

var (
	db         *sql.DB
	logger     logging.Logger
	ledgerSvc  *ledger.Ledger
	cache      *goredis.Client
	producer   *kafka.Producer
	metrics    *BursarMetrics
	statsGroup singleflight.Group
)

// BursarMetrics holds all Prometheus metrics for Bursar
type BursarMetrics struct {
	LedgerOperations     *prometheus.CounterVec
	CommissionEvents     *prometheus.CounterVec
	WithdrawalOperations *prometheus.CounterVec
	DBQueries            *prometheus.CounterVec
	DBDuration           *prometheus.HistogramVec
	DBConnections        *prometheus.GaugeVec
}

// Init initializes the handlers with database, logger, ledger, cache and
// the audit event producer. The redis client may be nil (the stats endpoint
// then skips caching), as may the producer (audit events are then dropped).
func Init(database *sql.DB, log logging.Logger, l *ledger.Ledger, redisClient *goredis.Client, auditProducer *kafka.Producer, bursarMetrics *BursarMetrics) {
	db = database
	logger = log
	ledgerSvc = l
	cache = redisClient
	producer = auditProducer
	metrics = bursarMetrics
}

// publishLedgerEvent emits an audit record for the reporting layer.
// Fire-and-forget: the database rows are the source of truth.
func publishLedgerEvent(eventType, tenant, referralID string, amount float64, currency string, data map[string]interface{}) {
	if producer == nil {
		return
	}

	event := &kafka.LedgerEvent{
		EventID:    uuid.New().String(),
		EventType:  eventType,
		TenantID:   tenant,
		ReferralID: referralID,
		Amount:     amount,
		Currency:   currency,
		Data:       data,
		Timestamp:  time.Now(),
	}
	if err := producer.PublishLedgerEvent(event); err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"event_type":  eventType,
			"referral_id": referralID,
		}).Error("Failed to publish ledger event")
	}
}

func countLedgerOp(operation, status string) {
	if metrics != nil && metrics.LedgerOperations != nil {
		metrics.LedgerOperations.WithLabelValues(operation, status).Inc()
	}
}

func countWithdrawalOp(operation, status string) {
	if metrics != nil && metrics.WithdrawalOperations != nil {
		metrics.WithdrawalOperations.WithLabelValues(operation, status).Inc()
	}
}
