package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"homestay/internal/domain"
	"homestay/internal/export"
	"homestay/internal/logging"
	"homestay/internal/models"
	"homestay/internal/pricing"
	"homestay/internal/service"
)

const maxWebhookBody = 64 << 10

type createBookingRequest struct {
	ListingID int64  `json:"listingId"`
	CheckIn   string `json:"checkIn"`
	CheckOut  string `json:"checkOut"`
	Guests    int    `json:"guests"`
}

type checkoutRequest struct {
	ListingID int64  `json:"listingId"`
	BookingID int64  `json:"bookingId"`
	CheckIn   string `json:"checkIn"`
	CheckOut  string `json:"checkOut"`
	Guests    int    `json:"guests"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type bookingView struct {
	ID            int64  `json:"id"`
	ListingID     int64  `json:"listingId"`
	GuestID       int64  `json:"guestId"`
	HostID        int64  `json:"hostId,omitempty"`
	CheckIn       string `json:"checkIn"`
	CheckOut      string `json:"checkOut"`
	Nights        int    `json:"nights"`
	Guests        int    `json:"guests"`
	TotalPrice    int64  `json:"totalPrice"`
	Status        string `json:"status"`
	PaymentStatus string `json:"paymentStatus"`
	SessionID     string `json:"paymentSessionId,omitempty"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt"`
}

type rangeView struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type quoteView struct {
	ListingID int64  `json:"listingId"`
	CheckIn   string `json:"checkIn"`
	CheckOut  string `json:"checkOut"`
	Guests    int    `json:"guests"`
	pricing.Quote
}

func newBookingView(b *models.Booking) bookingView {
	return bookingView{
		ID:            b.ID,
		ListingID:     b.ListingID,
		GuestID:       b.GuestID,
		HostID:        b.HostID,
		CheckIn:       b.CheckIn.Format(models.DateLayout),
		CheckOut:      b.CheckOut.Format(models.DateLayout),
		Nights:        b.Nights(),
		Guests:        b.Guests,
		TotalPrice:    b.TotalPrice,
		Status:        string(b.Status),
		PaymentStatus: string(b.PaymentStatus),
		SessionID:     b.PaymentSessionID,
		CreatedAt:     b.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     b.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func newBookingViews(list []*models.Booking) []bookingView {
	out := make([]bookingView, 0, len(list))
	for _, b := range list {
		out = append(out, newBookingView(b))
	}
	return out
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.svc.Store != nil {
		if err := s.svc.Store.Ping(r.Context()); err != nil {
			logging.FromContext(r.Context(), s.logger).Warn().Err(err).Msg("readiness check failed")
			writeError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *HTTPServer) handleAvailability(w http.ResponseWriter, r *http.Request) {
	listingID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	ranges, err := s.svc.Checker.BlockedRanges(r.Context(), listingID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	blocked := make([]rangeView, 0, len(ranges))
	for _, rg := range ranges {
		blocked = append(blocked, rangeView{
			From: rg.From.Format(models.DateLayout),
			To:   rg.To.Format(models.DateLayout),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"listingId": listingID, "blockedDates": blocked})
}

func (s *HTTPServer) handleQuote(w http.ResponseWriter, r *http.Request) {
	listingID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	q := r.URL.Query()
	checkIn, checkOut, err := parseRange(q.Get("checkIn"), q.Get("checkOut"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	guests := models.DefaultGuests
	if raw := q.Get("guests"); raw != "" {
		guests, err = strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "guests must be a number")
			return
		}
	}

	quote, err := s.svc.Allocator.Quote(r.Context(), listingID, checkIn, checkOut, guests)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quoteView{
		ListingID: listingID,
		CheckIn:   checkIn.Format(models.DateLayout),
		CheckOut:  checkOut.Format(models.DateLayout),
		Guests:    guests,
		Quote:     quote,
	})
}

func (s *HTTPServer) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	var req createBookingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ListingID <= 0 {
		writeError(w, http.StatusBadRequest, "listingId is required")
		return
	}
	checkIn, checkOut, err := parseRange(req.CheckIn, req.CheckOut)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Guests == 0 {
		req.Guests = models.DefaultGuests
	}

	booking, err := s.svc.Allocator.Allocate(r.Context(), service.AllocationRequest{
		ListingID: req.ListingID,
		GuestID:   userID,
		CheckIn:   checkIn,
		CheckOut:  checkOut,
		Guests:    req.Guests,
		Source:    service.SourceDirect,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newBookingView(booking))
}

func (s *HTTPServer) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	booking, err := s.svc.Lifecycle.Get(r.Context(), id, UserIDFromContext(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBookingView(booking))
}

func (s *HTTPServer) handleMyBookings(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Lifecycle.ListForGuest(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": newBookingViews(list)})
}

func (s *HTTPServer) handleHostBookings(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.Lifecycle.ListForHost(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": newBookingViews(list)})
}

func (s *HTTPServer) handleHostExport(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	list, err := s.svc.Lifecycle.ListForHost(r.Context(), userID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	now := s.now().UTC()
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="bookings-%d-%s.xlsx"`, userID, now.Format(models.DateLayout)))
	if err := export.WriteBookings(w, list, now); err != nil {
		logging.FromContext(r.Context(), s.logger).Error().Err(err).Int64("host_id", userID).Msg("export failed")
	}
}

func (s *HTTPServer) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	booking, err := s.svc.Lifecycle.Cancel(r.Context(), id, UserIDFromContext(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBookingView(booking))
}

func (s *HTTPServer) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req statusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	booking, err := s.svc.Lifecycle.SetStatus(r.Context(), id, UserIDFromContext(r.Context()), models.Status(req.Status))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBookingView(booking))
}

func (s *HTTPServer) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Guests == 0 {
		req.Guests = models.DefaultGuests
	}

	creq := service.CheckoutRequest{
		GuestID:   UserIDFromContext(r.Context()),
		ListingID: req.ListingID,
		BookingID: req.BookingID,
		Guests:    req.Guests,
	}
	if req.BookingID <= 0 {
		if req.ListingID <= 0 {
			writeError(w, http.StatusBadRequest, "listingId or bookingId is required")
			return
		}
		checkIn, checkOut, err := parseRange(req.CheckIn, req.CheckOut)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		creq.CheckIn, creq.CheckOut = checkIn, checkOut
	}

	result, err := s.svc.Reconciler.CreateCheckout(r.Context(), creq)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	booking, err := s.svc.Reconciler.Verify(r.Context(), sessionID, UserIDFromContext(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"booking": newBookingView(booking)})
}

// handleMockPay stands in for the hosted payment page when no gateway is configured.
func (s *HTTPServer) handleMockPay(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	session, err := s.svc.MockPayments.RetrieveSession(r.Context(), sessionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if owner := session.Metadata["userId"]; owner != "" && owner != strconv.FormatInt(UserIDFromContext(r.Context()), 10) {
		s.fail(w, r, domain.ErrNotAuthorized)
		return
	}
	s.svc.MockPayments.MarkPaid(sessionID)
	logging.FromContext(r.Context(), s.logger).Info().Str("session_id", sessionID).Msg("mock session marked paid")
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "paid": true})
}

func (s *HTTPServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := s.svc.Reconciler.OnWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		if errors.Is(err, domain.ErrGatewayUnavailable) {
			writeError(w, http.StatusBadRequest, "webhooks are not configured")
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// fail maps a service error to its status code. Unexpected errors are logged
// and answered with a generic message.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logging.FromContext(r.Context(), s.logger).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, code, "internal error")
		return
	}
	if code == http.StatusServiceUnavailable {
		writeError(w, code, "payment gateway unavailable")
		return
	}
	writeError(w, code, publicMessage(err))
}

func statusFor(err error) int {
	switch {
	case domain.IsValidation(err),
		errors.Is(err, domain.ErrInvalidSession),
		errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrListingNotFound),
		errors.Is(err, domain.ErrBookingNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPaymentIncomplete):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrDatesUnavailable),
		errors.Is(err, domain.ErrReconciliationConflict),
		errors.Is(err, domain.ErrConcurrentModification),
		errors.Is(err, domain.ErrAlreadyCancelled),
		errors.Is(err, domain.ErrAlreadyCompleted),
		errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var publicErrors = []error{
	domain.ErrInvalidRange,
	domain.ErrPastDate,
	domain.ErrGuestCount,
	domain.ErrInvalidStatus,
	domain.ErrInvalidSession,
	domain.ErrInvalidSignature,
	domain.ErrNotAuthorized,
	domain.ErrListingNotFound,
	domain.ErrBookingNotFound,
	domain.ErrPaymentIncomplete,
	domain.ErrDatesUnavailable,
	domain.ErrReconciliationConflict,
	domain.ErrConcurrentModification,
	domain.ErrAlreadyCancelled,
	domain.ErrAlreadyCompleted,
	domain.ErrInvalidTransition,
}

// publicMessage returns the sentinel's message rather than the wrapped chain,
// which may carry internal detail.
func publicMessage(err error) string {
	for _, target := range publicErrors {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "request failed"
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func parseRange(rawIn, rawOut string) (time.Time, time.Time, error) {
	if rawIn == "" || rawOut == "" {
		return time.Time{}, time.Time{}, errors.New("checkIn and checkOut are required")
	}
	checkIn, err := models.ParseDate(rawIn)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("checkIn must be YYYY-MM-DD")
	}
	checkOut, err := models.ParseDate(rawOut)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("checkOut must be YYYY-MM-DD")
	}
	return checkIn, checkOut, nil
}
