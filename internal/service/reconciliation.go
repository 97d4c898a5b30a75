package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"homestay/internal/config"
	"homestay/internal/domain"
	"homestay/internal/events"
	"homestay/internal/metrics"
	"homestay/internal/models"
	"homestay/internal/payments"
	"homestay/internal/pricing"

	"github.com/rs/zerolog"
)

// CheckoutRequest starts a payment for a new stay, or for an existing pending
// booking when BookingID is set.
type CheckoutRequest struct {
	GuestID   int64
	ListingID int64
	BookingID int64
	CheckIn   time.Time
	CheckOut  time.Time
	Guests    int
}

type CheckoutResult struct {
	SessionID  string        `json:"sessionId"`
	URL        string        `json:"url"`
	Mock       bool          `json:"mock"`
	TotalPrice int64         `json:"totalPrice"`
	Quote      *pricing.Quote `json:"quote,omitempty"`
}

// Reconciler turns completed payment sessions into confirmed bookings.
// Both entry points are idempotent on the session ID.
type Reconciler struct {
	allocator *Allocator
	lifecycle *LifecycleManager
	store     domain.BookingStore
	queue     domain.ReconciliationQueue
	locker    domain.Locker
	gateway   payments.Gateway
	cfg       config.PaymentsConfig
	events    domain.EventPublisher
	logger    *zerolog.Logger
}

func NewReconciler(
	allocator *Allocator,
	lifecycle *LifecycleManager,
	store domain.BookingStore,
	queue domain.ReconciliationQueue,
	locker domain.Locker,
	gateway payments.Gateway,
	cfg config.PaymentsConfig,
	eventBus domain.EventPublisher,
	logger *zerolog.Logger,
) *Reconciler {
	return &Reconciler{
		allocator: allocator,
		lifecycle: lifecycle,
		store:     store,
		queue:     queue,
		locker:    locker,
		gateway:   gateway,
		cfg:       cfg,
		events:    eventBus,
		logger:    logger,
	}
}

// CreateCheckout validates the stay and opens a gateway checkout session carrying it as metadata.
// Nothing is reserved until payment completes.
func (r *Reconciler) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	var (
		listing *models.Listing
		intent  payments.BookingIntent
		quote   *pricing.Quote
	)

	if req.BookingID != 0 {
		b, err := r.lifecycle.load(ctx, req.BookingID)
		if err != nil {
			return nil, err
		}
		if b.GuestID != req.GuestID {
			return nil, domain.ErrNotAuthorized
		}
		if status := b.EffectiveStatus(r.lifecycle.now()); status != models.StatusPending || b.PaymentStatus == models.PaymentPaid {
			return nil, statusError(status, models.StatusConfirmed)
		}
		if listing, err = r.allocator.loadListing(ctx, b.ListingID); err != nil {
			return nil, err
		}
		intent = payments.BookingIntent{
			GuestID:    b.GuestID,
			ListingID:  b.ListingID,
			BookingID:  b.ID,
			CheckIn:    b.CheckIn,
			CheckOut:   b.CheckOut,
			Guests:     b.Guests,
			TotalPrice: b.TotalPrice,
		}
	} else {
		l, q, err := r.allocator.Preview(ctx, AllocationRequest{
			ListingID: req.ListingID,
			GuestID:   req.GuestID,
			CheckIn:   req.CheckIn,
			CheckOut:  req.CheckOut,
			Guests:    req.Guests,
		})
		if err != nil {
			return nil, err
		}
		listing, quote = l, &q
		intent = payments.BookingIntent{
			GuestID:    req.GuestID,
			ListingID:  l.ID,
			CheckIn:    req.CheckIn,
			CheckOut:   req.CheckOut,
			Guests:     req.Guests,
			TotalPrice: q.Total,
		}
	}

	nights, err := pricing.Nights(intent.CheckIn, intent.CheckOut)
	if err != nil {
		return nil, err
	}
	name := listing.Title
	if name == "" {
		name = "Listing #" + strconv.FormatInt(listing.ID, 10)
	}

	session, err := r.gateway.CreateCheckoutSession(ctx, payments.CheckoutParams{
		LineItem: payments.LineItem{
			Name:        name,
			Description: fmt.Sprintf("%d nights • %d guests", nights, intent.Guests),
			Currency:    r.cfg.Currency,
			UnitAmount:  payments.ToMinorUnits(intent.TotalPrice),
			Quantity:    1,
		},
		SuccessURL:        r.cfg.ClientURL + "/?payment=success&session_id=" + payments.SessionIDPlaceholder,
		CancelURL:         r.cfg.ClientURL + "/?payment=cancelled",
		ClientReferenceID: strconv.FormatInt(intent.GuestID, 10),
		Metadata:          intent.Metadata(),
	})
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	r.logger.Info().
		Str("session_id", session.ID).
		Int64("listing_id", intent.ListingID).
		Int64("guest_id", intent.GuestID).
		Int64("total", intent.TotalPrice).
		Bool("mock", session.Mock).
		Msg("checkout session created")

	return &CheckoutResult{
		SessionID:  session.ID,
		URL:        session.URL,
		Mock:       session.Mock,
		TotalPrice: intent.TotalPrice,
		Quote:      quote,
	}, nil
}

// Verify is the client's poll after returning from the payment page.
func (r *Reconciler) Verify(ctx context.Context, sessionID string, userID int64) (*models.Booking, error) {
	session, err := r.gateway.RetrieveSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSession) {
			return nil, err
		}
		return nil, fmt.Errorf("retrieve session: %w", err)
	}

	if owner, ok := session.Metadata["userId"]; ok && owner != strconv.FormatInt(userID, 10) {
		return nil, domain.ErrNotAuthorized
	}
	if !session.Paid {
		metrics.IncReconciliation(SourceVerify, metrics.ReconcileUnpaid)
		return nil, domain.ErrPaymentIncomplete
	}

	return r.complete(ctx, session, SourceVerify)
}

// OnWebhook handles a signed gateway event. Conflicts are recorded and acknowledged
// so the gateway does not redeliver them.
func (r *Reconciler) OnWebhook(ctx context.Context, payload []byte, signatureHeader string) error {
	event, err := r.gateway.ParseWebhook(payload, signatureHeader)
	if err != nil {
		r.logger.Warn().Err(err).Msg("webhook rejected")
		return err
	}

	switch event.Type {
	case payments.EventCheckoutCompleted:
		if event.Session == nil || !event.Session.Paid {
			metrics.IncReconciliation(SourceWebhook, metrics.ReconcileUnpaid)
			r.logger.Info().Str("event_id", event.ID).Msg("checkout completed without payment, ignoring")
			return nil
		}
		_, err := r.complete(ctx, event.Session, SourceWebhook)
		if errors.Is(err, domain.ErrReconciliationConflict) {
			return nil
		}
		return err
	case payments.EventPaymentIntentFailed:
		r.logger.Warn().
			Str("event_id", event.ID).
			Str("payment_intent_id", event.PaymentIntentID).
			Str("reason", event.FailureMessage).
			Msg("payment failed")
	default:
		r.logger.Debug().Str("event_id", event.ID).Str("type", event.Type).Msg("unhandled webhook event")
	}
	return nil
}

func (r *Reconciler) complete(ctx context.Context, session *payments.Session, source string) (*models.Booking, error) {
	unlock, err := r.locker.Lock(ctx, "payment-session:"+session.ID)
	if err != nil {
		return nil, fmt.Errorf("lock payment session: %w", err)
	}
	defer unlock()

	if b, err := r.findBySession(ctx, session.ID); err != nil || b != nil {
		if b != nil {
			metrics.IncReconciliation(source, metrics.ReconcileExisting)
			return r.lifecycle.present(b), nil
		}
		return nil, err
	}

	if task, err := r.queue.GetReconciliationTaskBySession(ctx, session.ID); err == nil {
		return nil, fmt.Errorf("%w: recorded as task %d", domain.ErrReconciliationConflict, task.ID)
	} else if !errors.Is(err, domain.ErrTaskNotFound) {
		return nil, fmt.Errorf("check reconciliation queue: %w", err)
	}

	intent, err := payments.IntentFromMetadata(session.Metadata)
	if err != nil {
		return nil, r.recordUnreadable(ctx, session, source, err)
	}

	var booking *models.Booking
	outcome := metrics.ReconcileCreated
	if intent.BookingID != 0 {
		outcome = metrics.ReconcileConfirmed
		booking, err = r.confirmExisting(ctx, intent, session)
	} else {
		booking, err = r.allocator.Reserve(ctx, AllocationRequest{
			ListingID:        intent.ListingID,
			GuestID:          intent.GuestID,
			CheckIn:          intent.CheckIn,
			CheckOut:         intent.CheckOut,
			Guests:           intent.Guests,
			Status:           models.StatusConfirmed,
			PaymentStatus:    models.PaymentPaid,
			PaymentSessionID: session.ID,
			PaymentIntentID:  session.PaymentIntentID,
			PaidTotal:        &intent.TotalPrice,
			Source:           source,
		})
	}

	switch {
	case err == nil:
		metrics.IncReconciliation(source, outcome)
		return r.lifecycle.present(booking), nil
	case errors.Is(err, domain.ErrDuplicateSession):
		b, findErr := r.findBySession(ctx, session.ID)
		if findErr != nil || b == nil {
			return nil, fmt.Errorf("load booking for session: %w", err)
		}
		metrics.IncReconciliation(source, metrics.ReconcileExisting)
		return r.lifecycle.present(b), nil
	case isLostStay(err):
		return nil, r.recordConflict(ctx, session, intent, source, err)
	default:
		metrics.IncReconciliation(source, metrics.ReconcileError)
		return nil, err
	}
}

func (r *Reconciler) confirmExisting(ctx context.Context, intent payments.BookingIntent, session *payments.Session) (*models.Booking, error) {
	b, err := r.lifecycle.load(ctx, intent.BookingID)
	if err != nil {
		return nil, err
	}
	if b.GuestID != intent.GuestID {
		return nil, fmt.Errorf("%w: booking %d does not belong to session owner", domain.ErrInvalidSession, b.ID)
	}
	return r.lifecycle.ConfirmPaid(ctx, b, session.ID, session.PaymentIntentID)
}

// isLostStay reports whether a paid session can no longer become a booking.
func isLostStay(err error) bool {
	return errors.Is(err, domain.ErrDatesUnavailable) ||
		errors.Is(err, domain.ErrListingNotFound) ||
		errors.Is(err, domain.ErrBookingNotFound) ||
		errors.Is(err, domain.ErrGuestCount) ||
		errors.Is(err, domain.ErrInvalidRange) ||
		errors.Is(err, domain.ErrAlreadyCancelled) ||
		errors.Is(err, domain.ErrAlreadyCompleted) ||
		errors.Is(err, domain.ErrInvalidTransition)
}

func (r *Reconciler) recordConflict(ctx context.Context, session *payments.Session, intent payments.BookingIntent, source string, cause error) error {
	metrics.IncReconciliation(source, metrics.ReconcileConflict)

	task := &models.ReconciliationTask{
		SessionID:       session.ID,
		PaymentIntentID: session.PaymentIntentID,
		GuestID:         intent.GuestID,
		ListingID:       intent.ListingID,
		CheckIn:         intent.CheckIn,
		CheckOut:        intent.CheckOut,
		Guests:          intent.Guests,
		Amount:          intent.TotalPrice,
		Reason:          cause.Error(),
		Status:          models.TaskPending,
	}
	r.queueTask(ctx, task, source, cause, "reconciliation conflict: paid session could not be booked")

	return fmt.Errorf("%w: %v", domain.ErrReconciliationConflict, cause)
}

// recordUnreadable parks a paid session whose booking metadata cannot be decoded.
// The charge still lands in the queue, as a manual task with whatever the session carries.
func (r *Reconciler) recordUnreadable(ctx context.Context, session *payments.Session, source string, cause error) error {
	metrics.IncReconciliation(source, metrics.ReconcileError)

	guestID, _ := strconv.ParseInt(session.Metadata["userId"], 10, 64)
	listingID, _ := strconv.ParseInt(session.Metadata["listingId"], 10, 64)
	task := &models.ReconciliationTask{
		SessionID:       session.ID,
		PaymentIntentID: session.PaymentIntentID,
		GuestID:         guestID,
		ListingID:       listingID,
		Amount:          payments.FromMinorUnits(session.AmountTotal),
		Reason:          cause.Error(),
		Status:          models.TaskManual,
	}
	r.queueTask(ctx, task, source, cause, "paid session carries invalid booking metadata")

	return fmt.Errorf("%w: %w", domain.ErrReconciliationConflict, cause)
}

func (r *Reconciler) queueTask(ctx context.Context, task *models.ReconciliationTask, source string, cause error, msg string) {
	// the record must survive a client that hung up
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	persistErr := r.queue.CreateReconciliationTask(persistCtx, task)

	entry := r.logger.Error().
		Err(cause).
		Str("session_id", task.SessionID).
		Str("payment_intent_id", task.PaymentIntentID).
		Int64("guest_id", task.GuestID).
		Int64("listing_id", task.ListingID).
		Str("check_in", task.CheckIn.Format(models.DateLayout)).
		Str("check_out", task.CheckOut.Format(models.DateLayout)).
		Int("guests", task.Guests).
		Int64("amount", task.Amount).
		Str("task_status", task.Status).
		Str("source", source)
	if persistErr != nil {
		entry.AnErr("persist_error", persistErr).Msg(msg + ", task not queued")
	} else {
		entry.Int64("task_id", task.ID).Msg(msg)
	}

	if r.events != nil {
		if err := r.events.PublishJSON(events.EventPaymentConflict, task); err != nil {
			r.logger.Error().Err(err).Str("session_id", task.SessionID).Msg("publish event error")
		}
	}
}

func (r *Reconciler) findBySession(ctx context.Context, sessionID string) (*models.Booking, error) {
	var b *models.Booking
	err := retryRead(ctx, r.logger, "find booking by session", func() error {
		var err error
		b, err = r.store.FindBookingBySessionID(ctx, sessionID)
		return err
	})
	if errors.Is(err, domain.ErrBookingNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find booking by session: %w", err)
	}
	return b, nil
}
