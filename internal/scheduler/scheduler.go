package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/craftmarket/escrow-api/internal/disputes"
	"github.com/craftmarket/escrow-api/internal/notify"
	"github.com/craftmarket/escrow-api/internal/orders"
	"github.com/craftmarket/escrow-api/internal/types"
	"github.com/rs/zerolog/log"
)

// Scheduler runs the time-based order transitions: releasing escrow on
// delivered orders the buyer never confirmed, cancelling orders the seller
// never accepted, and warning buyers before an auto-release lands. Each order
// is handled in its own transaction, so one failure never stalls the sweep.
type Scheduler struct {
	orders         *orders.Service
	disputes       *disputes.Service
	notifier       notify.Notifier
	interval       time.Duration
	reminderWindow time.Duration
}

func NewScheduler(ordersSvc *orders.Service, disputesSvc *disputes.Service, notifier notify.Notifier, interval, reminderWindow time.Duration) *Scheduler {
	return &Scheduler{
		orders:         ordersSvc,
		disputes:       disputesSvc,
		notifier:       notifier,
		interval:       interval,
		reminderWindow: reminderWindow,
	}
}

// Start runs sweep passes until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().
		Dur("interval", s.interval).
		Str("service", "scheduler").
		Msg("starting deadline scheduler")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("service", "scheduler").Msg("scheduler stopped")
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one pass of all three jobs. Exported so tests and operational
// tooling can trigger a pass without waiting for the ticker.
func (s *Scheduler) Sweep() {
	now := time.Now()
	s.sweepAutoRelease(now)
	s.sweepExpiredPending(now)
	s.sweepReminders(now)
}

func (s *Scheduler) sweepAutoRelease(now time.Time) {
	due, err := s.orders.GetDB().FindDueForAutoRelease(now)
	if err != nil {
		log.Error().Err(err).Str("service", "scheduler").Msg("auto-release query failed")
		return
	}

	for _, order := range due {
		// A dispute opened between the query and this action moves the
		// order out of delivered, which the transition guard catches. The
		// explicit check just avoids the noise.
		open, err := s.disputes.GetOpenByOrder(order.OrderID)
		if err == nil && open != nil {
			continue
		}

		if _, err := s.orders.AutoRelease(order.OrderID); err != nil {
			if skippable(err) {
				continue
			}
			log.Error().Err(err).
				Str("order_id", order.OrderID).
				Str("service", "scheduler").
				Msg("auto-release failed")
			continue
		}
		log.Info().
			Str("order_id", order.OrderID).
			Str("service", "scheduler").
			Msg("escrow auto-released after grace period")
	}
}

func (s *Scheduler) sweepExpiredPending(now time.Time) {
	expired, err := s.orders.GetDB().FindExpiredPending(now)
	if err != nil {
		log.Error().Err(err).Str("service", "scheduler").Msg("expired-pending query failed")
		return
	}

	for _, order := range expired {
		if _, err := s.orders.AutoCancel(order.OrderID); err != nil {
			if skippable(err) {
				continue
			}
			log.Error().Err(err).
				Str("order_id", order.OrderID).
				Str("service", "scheduler").
				Msg("auto-cancel failed")
			continue
		}
		log.Info().
			Str("order_id", order.OrderID).
			Str("service", "scheduler").
			Msg("pending order cancelled after accept deadline")
	}
}

func (s *Scheduler) sweepReminders(now time.Time) {
	due, err := s.orders.GetDB().FindReminderDue(now, s.reminderWindow)
	if err != nil {
		log.Error().Err(err).Str("service", "scheduler").Msg("reminder query failed")
		return
	}

	for _, order := range due {
		if err := s.orders.GetDB().MarkReminderSent(order.OrderID, now); err != nil {
			continue
		}
		s.notifier.Notify(order.BuyerID, notify.KindDeadlineApproaching, map[string]interface{}{
			"order_id":          order.OrderID,
			"escrow_release_at": order.EscrowReleaseAt,
		})
	}
}

// skippable errors mean another actor got to the order first. The sweep
// simply moves on; the next pass sees the final state.
func skippable(err error) bool {
	return errors.Is(err, types.ErrConflict) ||
		errors.Is(err, types.ErrInvalidStateTransition) ||
		errors.Is(err, types.ErrDeadlineExceeded)
}
