package handler

import (
	"context"
	"errors"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/virtual-waiting-room/internal/config"
	"github.com/iliyamo/virtual-waiting-room/internal/limiter"
	"github.com/iliyamo/virtual-waiting-room/internal/model"
	"github.com/iliyamo/virtual-waiting-room/internal/queue"
	"github.com/iliyamo/virtual-waiting-room/internal/repository"
	queue_publisher "github.com/iliyamo/virtual-waiting-room/internal/service"
)

// sessionIDPattern constrains caller-supplied session identifiers to the
// session-<timestamp>-<random> shape the checkout UI generates.  The
// embedded timestamp gives approximate arrival-time monotonicity and the
// whitelist keeps identifiers injection-safe.
var sessionIDPattern = regexp.MustCompile(`^session-[0-9]+-[a-z0-9]+$`)

// eventIDPattern matches the UUID format used for event identifiers by
// the rest of the system.
var eventIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// AdmissionHandler serves the waiting room API.  It orchestrates the
// enter, exit, status and cleanup actions against the session store,
// enforcing the per-event concurrency bound and FIFO promotion.  Every
// mutation runs inside a single transaction that holds the event's
// admission lock, so capacity checks and status flips are one atomic
// unit.
type AdmissionHandler struct {
	Sessions  *repository.SessionRepo // session store access
	Limiter   limiter.Limiter         // per-session polling budget
	Admission config.AdmissionConfig  // capacity defaults and staleness
	RateLimit config.RateLimitConfig  // polling budget settings

	// Lifecycle event publishing is injectable so tests can silence it;
	// production wiring uses the RabbitMQ publisher.  Failures are
	// ignored by the request path.
	PublishPromoted func(ctx context.Context, ev queue.SessionPromotedEvent) error
	PublishExpired  func(ctx context.Context, ev queue.SessionsExpiredEvent) error
}

// NewAdmissionHandler constructs an AdmissionHandler wired to the
// RabbitMQ lifecycle publisher.  The session repository must be non-nil;
// a nil limiter disables the per-session budget.
func NewAdmissionHandler(sessions *repository.SessionRepo, l limiter.Limiter, adm config.AdmissionConfig, rl config.RateLimitConfig) *AdmissionHandler {
	if sessions == nil {
		panic("nil repository passed to NewAdmissionHandler")
	}
	return &AdmissionHandler{
		Sessions:        sessions,
		Limiter:         l,
		Admission:       adm,
		RateLimit:       rl,
		PublishPromoted: queue_publisher.PublishSessionPromoted,
		PublishExpired:  queue_publisher.PublishSessionsExpired,
	}
}

// admissionRequest is the wire format accepted by POST /v1/waiting-room.
type admissionRequest struct {
	Action        string `json:"action"`
	EventID       string `json:"eventId"`
	SessionID     string `json:"sessionId"`
	MaxConcurrent int    `json:"maxConcurrent"`
}

// sessionStatusResponse is the wire format returned by the enter and
// status actions.  QueuePosition and SessionStatus are pointers so that
// active and absent sessions serialize as explicit nulls.
type sessionStatusResponse struct {
	Success       bool    `json:"success"`
	CanAccess     bool    `json:"canAccess"`
	QueuePosition *int    `json:"queuePosition"`
	WaitingCount  int     `json:"waitingCount"`
	ActiveCount   int     `json:"activeCount"`
	SessionStatus *string `json:"sessionStatus"`
}

// Handle implements POST /v1/waiting-room.  It validates the request
// shape, applies the per-session polling budget, and dispatches to the
// requested action.  Not being admitted yet is a normal 200; only
// malformed input (400), an exhausted polling budget (429) and store
// failures (500) are error responses.
func (h *AdmissionHandler) Handle(c echo.Context) error {
	var req admissionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "error": "invalid request body"})
	}
	switch req.Action {
	case "enter", "exit", "status", "cleanup":
	case "":
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "error": "action is required"})
	default:
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "error": "unknown action"})
	}
	if req.EventID == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "error": "eventId is required"})
	}
	if !eventIDPattern.MatchString(req.EventID) {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "error": "eventId must be a UUID"})
	}
	if req.Action != "cleanup" {
		if req.SessionID == "" {
			return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "error": "sessionId is required"})
		}
		if !sessionIDPattern.MatchString(req.SessionID) {
			return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "error": "sessionId has invalid format"})
		}
	}
	if req.MaxConcurrent < 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"success": false, "error": "maxConcurrent must be positive"})
	}
	if req.MaxConcurrent == 0 {
		req.MaxConcurrent = h.Admission.DefaultMaxConcurrent
	}
	if req.MaxConcurrent > h.Admission.MaxConcurrentCap {
		req.MaxConcurrent = h.Admission.MaxConcurrentCap
	}

	if resp := h.checkRateLimit(c, req); resp != nil {
		return resp
	}

	switch req.Action {
	case "enter":
		return h.enter(c, req)
	case "exit":
		return h.exit(c, req)
	case "status":
		return h.status(c, req)
	default:
		return h.cleanup(c, req)
	}
}

// checkRateLimit applies the per-session sliding window.  Cleanup calls
// carry no session identifier, so they are keyed by client IP instead.
// Limiter backend errors fail open.  A non-nil return is the 429
// response already written.
func (h *AdmissionHandler) checkRateLimit(c echo.Context, req admissionRequest) error {
	if !h.RateLimit.Enabled || h.Limiter == nil {
		return nil
	}
	key := "session:" + req.SessionID
	if req.SessionID == "" {
		key = "cleanup:" + c.RealIP()
	}
	ok, retryAfter, err := h.Limiter.Allow(c.Request().Context(), key)
	if err != nil {
		if h.RateLimit.Debug {
			c.Logger().Warnf("[ratelimit] backend error for key=%s: %v", key, err)
		}
		return nil
	}
	if ok {
		return nil
	}
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 0 {
		secs = 0
	}
	c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
	return c.JSON(http.StatusTooManyRequests, echo.Map{
		"success":     false,
		"error":       "rate_limited",
		"retry_after": secs,
	})
}

// enter admits a session when capacity allows and queues it otherwise.
// The operation is idempotent: re-polling with the same identifiers
// reports the current standing, promoting a waiting session when a slot
// has opened up in the meantime.  The capacity check and the status
// change commit as one transaction under the event lock.
func (h *AdmissionHandler) enter(c echo.Context, req admissionRequest) error {
	ctx := c.Request().Context()
	var resp sessionStatusResponse
	var promotedEv *queue.SessionPromotedEvent
	err := h.withConflictRetry(func() error {
		promotedEv = nil
		tx, err := h.Sessions.DB().BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()
		if err := h.Sessions.LockQueueTx(ctx, tx, req.EventID); err != nil {
			return err
		}
		s, err := h.Sessions.GetOpenTx(ctx, tx, req.EventID, req.SessionID)
		if err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
			return err
		}
		active, waiting, err := h.Sessions.CountsTx(ctx, tx, req.EventID)
		if err != nil {
			return err
		}
		switch {
		case s == nil:
			status := model.StatusWaiting
			if active < req.MaxConcurrent {
				status = model.StatusActive
			}
			s, err = h.Sessions.InsertTx(ctx, tx, req.EventID, req.SessionID, status)
			if err != nil {
				return err
			}
			if status == model.StatusActive {
				active++
			} else {
				waiting++
			}
		case s.Status == model.StatusWaiting && active < req.MaxConcurrent:
			if err := h.Sessions.MarkActiveTx(ctx, tx, s.ID); err != nil {
				return err
			}
			queuedAt := s.CreatedAt
			s, err = h.Sessions.GetOpenTx(ctx, tx, req.EventID, req.SessionID)
			if err != nil {
				return err
			}
			active++
			waiting--
			promotedEv = &queue.SessionPromotedEvent{
				EventID:         req.EventID,
				ClientSessionID: req.SessionID,
				QueuedAt:        queuedAt.UTC().Format(time.RFC3339),
				PromotedAt:      time.Now().UTC().Format(time.RFC3339),
				PromotedBy:      "enter",
			}
		}
		position := 0
		if s.Status == model.StatusWaiting {
			position, err = h.Sessions.QueuePositionTx(ctx, tx, s)
			if err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		resp = statusResponse(s, active, waiting, position)
		return nil
	})
	if err != nil {
		return h.storeError(c, err)
	}
	if promotedEv != nil {
		_ = h.PublishPromoted(ctx, *promotedEv)
	}
	return c.JSON(http.StatusOK, resp)
}

// exit completes the caller's session and, when that frees an active
// slot, promotes the oldest waiting session inside the same transaction.
// Exiting an absent or already completed session is a no-op; abandoning
// a waiting session frees no slot, so nothing is promoted.
func (h *AdmissionHandler) exit(c echo.Context, req admissionRequest) error {
	ctx := c.Request().Context()
	var promotedEv *queue.SessionPromotedEvent
	err := h.withConflictRetry(func() error {
		promotedEv = nil
		tx, err := h.Sessions.DB().BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				_ = tx.Rollback()
			}
		}()
		if err := h.Sessions.LockQueueTx(ctx, tx, req.EventID); err != nil {
			return err
		}
		s, err := h.Sessions.GetOpenTx(ctx, tx, req.EventID, req.SessionID)
		if err != nil && !errors.Is(err, repository.ErrSessionNotFound) {
			return err
		}
		if s != nil {
			if err := h.Sessions.MarkCompletedTx(ctx, tx, s.ID); err != nil {
				return err
			}
			if s.Status == model.StatusActive {
				next, err := h.Sessions.PromoteNextWaitingTx(ctx, tx, req.EventID)
				if err != nil {
					return err
				}
				if next != nil {
					promotedEv = &queue.SessionPromotedEvent{
						EventID:         req.EventID,
						ClientSessionID: next.ClientSessionID,
						QueuedAt:        next.CreatedAt.UTC().Format(time.RFC3339),
						PromotedAt:      time.Now().UTC().Format(time.RFC3339),
						PromotedBy:      "exit",
					}
				}
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
	if err != nil {
		return h.storeError(c, err)
	}
	if promotedEv != nil {
		_ = h.PublishPromoted(ctx, *promotedEv)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":       true,
		"sessionStatus": model.StatusCompleted,
	})
}

// status answers a polling query from a single consistent snapshot.  It
// takes no locks and mutates nothing.
func (h *AdmissionHandler) status(c echo.Context, req admissionRequest) error {
	snap, err := h.Sessions.Snapshot(c.Request().Context(), req.EventID, req.SessionID)
	if err != nil {
		return h.storeError(c, err)
	}
	return c.JSON(http.StatusOK, statusResponse(snap.Session, snap.ActiveCount, snap.WaitingCount, snap.QueuePosition))
}

// cleanup expires sessions older than the staleness threshold and
// eagerly promotes waiting sessions into the freed capacity, then
// reports how many rows were retired.
func (h *AdmissionHandler) cleanup(c echo.Context, req admissionRequest) error {
	ctx := c.Request().Context()
	cutoff := time.Now().UTC().Add(-h.Admission.StaleAfter)
	var expired int64
	var promoted []model.Session
	err := h.withConflictRetry(func() error {
		var err error
		expired, promoted, err = h.Sessions.CleanupEvent(ctx, req.EventID, cutoff, req.MaxConcurrent)
		return err
	})
	if err != nil {
		return h.storeError(c, err)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if expired > 0 {
		_ = h.PublishExpired(ctx, queue.SessionsExpiredEvent{
			EventID:      req.EventID,
			ExpiredCount: expired,
			ExpiredAt:    now,
			TriggeredBy:  "cleanup",
		})
	}
	for _, p := range promoted {
		_ = h.PublishPromoted(ctx, queue.SessionPromotedEvent{
			EventID:         p.EventID,
			ClientSessionID: p.ClientSessionID,
			QueuedAt:        p.CreatedAt.UTC().Format(time.RFC3339),
			PromotedAt:      now,
			PromotedBy:      "cleanup",
		})
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success":      true,
		"expiredCount": expired,
	})
}

// withConflictRetry runs fn, retrying a bounded number of times with
// linear backoff when the store reports a deadlock or lock wait timeout.
// Those conflicts are expected under load and should not leak to callers
// as failures when a retry resolves them.
func (h *AdmissionHandler) withConflictRetry(fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || attempt >= h.Admission.ConflictRetries || !repository.IsRetryableConflict(err) {
			return err
		}
		time.Sleep(h.Admission.ConflictBackoff * time.Duration(attempt+1))
	}
}

// storeError logs the underlying failure and returns a generic 500
// without leaking internals.
func (h *AdmissionHandler) storeError(c echo.Context, err error) error {
	c.Logger().Errorf("admission: store operation failed: %v", err)
	return c.JSON(http.StatusInternalServerError, echo.Map{
		"success": false,
		"error":   "internal error",
	})
}

// statusResponse maps a session row plus counts to the wire format shared
// by enter and status.  A nil session (expired or never entered) reports
// a null sessionStatus with canAccess false.
func statusResponse(s *model.Session, active, waiting, position int) sessionStatusResponse {
	resp := sessionStatusResponse{
		Success:      true,
		ActiveCount:  active,
		WaitingCount: waiting,
	}
	if s == nil {
		return resp
	}
	st := s.Status
	resp.SessionStatus = &st
	switch s.Status {
	case model.StatusActive:
		resp.CanAccess = true
	case model.StatusWaiting:
		resp.QueuePosition = &position
	}
	return resp
}
