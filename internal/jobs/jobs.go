// Package jobs runs Bursar's background work: the commission event consumer,
// the referral expiry sweep and the analytics reconciliation pass.
package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"leadworks/api_referrals/internal/ledger"
	"leadworks/api_referrals/pkg/config"
	"leadworks/api_referrals/pkg/kafka"
	"leadworks/api_referrals/pkg/logging"
	"leadworks/api_referrals/pkg/models"
	"leadworks/api_referrals/pkg/validation"
)

// commissionLedger is the slice of the ledger the consumer needs.
type commissionLedger interface {
	RecordEarning(ctx context.Context, tenantID, referralID string, amount float64, currency, description, sourceKind string) (*models.Earning, *models.Analytics, error)
	AchieveMilestone(ctx context.Context, tenantID, referralID, milestoneType string) (*models.Milestone, bool, error)
	ExpireStale(ctx context.Context) (int64, error)
	Reconcile(ctx context.Context) (int64, error)
}

// JobManager handles background referral jobs
type JobManager struct {
	ledger          commissionLedger
	logger          logging.Logger
	validator       *validation.EventValidator
	consumer        *kafka.Consumer
	producer        *kafka.Producer
	commissionTopic string
	eventCounter    *prometheus.CounterVec
	stopCh          chan struct{}
}

// NewJobManager creates a job manager. Kafka connectivity is optional: the
// HTTP surface keeps working without the event feed, and the health check
// reports the degradation.
func NewJobManager(l commissionLedger, log logging.Logger, eventCounter *prometheus.CounterVec) *JobManager {
	brokers := strings.Split(config.GetEnv("KAFKA_BROKERS", "kafka:9092"), ",")
	clientID := config.GetEnv("KAFKA_CLIENT_ID", "bursar")
	groupID := config.GetEnv("KAFKA_GROUP_ID", "bursar-ingest")
	commissionTopic := config.GetEnv("COMMISSION_KAFKA_TOPIC", "billing.commission_events")

	consumer, err := kafka.NewConsumer(brokers, groupID, clientID, log)
	if err != nil {
		log.WithError(err).Error("Failed to create Kafka consumer for commission events")
	}

	producer, err := kafka.NewProducer(brokers, clientID, log)
	if err != nil {
		log.WithError(err).Error("Failed to create Kafka producer for ledger events")
	}

	return &JobManager{
		ledger:          l,
		logger:          log,
		validator:       validation.NewEventValidator(),
		consumer:        consumer,
		producer:        producer,
		commissionTopic: commissionTopic,
		eventCounter:    eventCounter,
		stopCh:          make(chan struct{}),
	}
}

// Consumer exposes the Kafka consumer for health checks. May be nil.
func (jm *JobManager) Consumer() *kafka.Consumer {
	return jm.consumer
}

// Producer exposes the Kafka producer for health checks. May be nil.
func (jm *JobManager) Producer() *kafka.Producer {
	return jm.producer
}

// Start begins all background jobs
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting referral job manager")

	if jm.consumer != nil {
		jm.consumer.AddHandler(jm.commissionTopic, jm.handleCommissionEvent)
		go func() {
			if err := jm.consumer.Start(ctx); err != nil {
				jm.logger.WithError(err).Error("Kafka consumer exited with error")
			}
		}()
	}

	go jm.runExpirySweep(ctx)
	go jm.runReconciliation(ctx)
}

// Stop stops all background jobs
func (jm *JobManager) Stop() {
	jm.logger.Info("Stopping referral job manager")
	if jm.consumer != nil {
		jm.consumer.Close()
	}
	if jm.producer != nil {
		jm.producer.Close()
	}
	close(jm.stopCh)
}

func (jm *JobManager) countEvent(status string) {
	if jm.eventCounter != nil {
		jm.eventCounter.WithLabelValues(status).Inc()
	}
}

// handleCommissionEvent consumes commission events from the billing service.
// Malformed or invalid events are logged and skipped; events for unknown
// referrals are skipped too, since redelivery cannot fix them. Transient
// failures return an error so the partition offset is retried on restart.
func (jm *JobManager) handleCommissionEvent(ctx context.Context, msg kafka.Message) error {
	event, err := jm.validator.ParseCommissionEvent(msg.Value)
	if err != nil {
		jm.logger.WithError(err).WithFields(logging.Fields{
			"topic":  msg.Topic,
			"offset": msg.Offset,
		}).Error("Dropping invalid commission event")
		jm.countEvent("invalid")
		return nil
	}

	earning, analytics, err := jm.ledger.RecordEarning(ctx, event.TenantID, event.ReferralID,
		event.Amount, event.Currency, event.Description, event.SourceKind)
	if errors.Is(err, ledger.ErrUnknownReferral) {
		jm.logger.WithFields(logging.Fields{
			"event_id":    event.EventID,
			"tenant_id":   event.TenantID,
			"referral_id": event.ReferralID,
		}).Warn("Dropping commission event for unknown referral")
		jm.countEvent("unknown_referral")
		return nil
	}
	if err != nil {
		jm.logger.WithError(err).WithFields(logging.Fields{
			"event_id":    event.EventID,
			"referral_id": event.ReferralID,
		}).Error("Failed to record commission earning - will retry on restart")
		jm.countEvent("error")
		return err
	}

	if event.Milestone != "" {
		if _, _, err := jm.ledger.AchieveMilestone(ctx, event.TenantID, event.ReferralID, event.Milestone); err != nil {
			// The earning is already committed; a milestone failure must not
			// replay the whole event. AchieveMilestone is idempotent, so a
			// manual retry is safe.
			jm.logger.WithError(err).WithFields(logging.Fields{
				"event_id":    event.EventID,
				"referral_id": event.ReferralID,
				"milestone":   event.Milestone,
			}).Error("Failed to achieve milestone for commission event")
		}
	}

	jm.countEvent("processed")
	jm.publishLedgerEvent("earning_recorded", event.TenantID, event.ReferralID, earning.Amount, earning.Currency, map[string]interface{}{
		"earning_id":       earning.ID,
		"source_kind":      earning.SourceKind,
		"total_earnings":   analytics.TotalEarnings,
		"pending_payments": analytics.PendingPayments,
	})

	jm.logger.WithFields(logging.Fields{
		"event_id":    event.EventID,
		"tenant_id":   event.TenantID,
		"referral_id": event.ReferralID,
		"amount":      event.Amount,
	}).Debug("Processed commission event")

	return nil
}

// publishLedgerEvent emits an audit record for the reporting layer.
// Fire-and-forget: the database rows are the source of truth.
func (jm *JobManager) publishLedgerEvent(eventType, tenantID, referralID string, amount float64, currency string, data map[string]interface{}) {
	if jm.producer == nil {
		return
	}

	event := &kafka.LedgerEvent{
		EventID:    uuid.New().String(),
		EventType:  eventType,
		TenantID:   tenantID,
		ReferralID: referralID,
		Amount:     amount,
		Currency:   currency,
		Data:       data,
		Timestamp:  time.Now(),
	}
	if err := jm.producer.PublishLedgerEvent(event); err != nil {
		jm.logger.WithError(err).WithFields(logging.Fields{
			"event_type":  eventType,
			"referral_id": referralID,
		}).Error("Failed to publish ledger event")
	}
}

// runExpirySweep expires pending referrals with no activity inside the
// configured window. Runs daily.
func (jm *JobManager) runExpirySweep(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	jm.logger.Info("Starting referral expiry job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			swept, err := jm.ledger.ExpireStale(ctx)
			if err != nil {
				jm.logger.WithError(err).Error("Failed to expire stale referrals")
				continue
			}
			if swept > 0 {
				jm.logger.WithField("expired_referrals", swept).Info("Expired stale referrals")
			}
		}
	}
}

// runReconciliation repairs cached analytics that drifted from the ledger
// records, hourly.
func (jm *JobManager) runReconciliation(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	jm.logger.Info("Starting analytics reconciliation job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			repaired, err := jm.ledger.Reconcile(ctx)
			if err != nil {
				jm.logger.WithError(err).Error("Failed to reconcile referral analytics")
				continue
			}
			if repaired > 0 {
				jm.logger.WithField("repaired_referrals", repaired).Warn("Reconciled drifted referral analytics")
			}
		}
	}
}
