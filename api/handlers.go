/*
handlers.go - HTTP API handlers for the farming service

PURPOSE:
  Exposes the farming Service via REST API. Handles HTTP request/response,
  JSON serialization, and delegates every rule to farming.Service.

ENDPOINTS:
  Users:
    POST   /api/start                     Onboard (or welcome back) a user
    GET    /api/user/{id}                 Full user view
    GET    /api/user/{id}/tasks           Task list
    POST   /api/user/{id}/add-task        Add a task
    POST   /api/user/{id}/complete-task   Complete a task
    POST   /api/user/add-coins            Manual credit

  Farming:
    POST   /api/farm                      Start an accrual cycle
    POST   /api/claim                     Claim pending credit

  Referrals:
    GET    /api/user/referral-link/{id}   Referral link
    GET    /api/user/referral/{id}        Referral link, count and referees

  Ranking:
    GET    /api/rank/{id}                 Rank and title
    GET    /api/leaderboard?limit=n       Top n users

REQUEST FLOW:
  1. Parse and validate the request
  2. Call the Service
  3. Record the operation outcome
  4. Serialize the response, or map the error

ERROR HANDLING:
  Errors are returned as ErrorResponse with a machine-readable code:
  - 400: invalid_input, already_completed
  - 403: blocked, nothing_to_claim
  - 404: not_found
  - 409: duplicate_task
  - 500: storage_failure (details withheld)
  Blocked(cooldown-active) adds retry_after ("HH hours, MM minutes,
  SS seconds") and retry_after_seconds.

SECURITY NOTE:
  Endpoints are unauthenticated, as the web client expects. add-coins
  and add-task should sit behind a gateway in production.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/warp/farm-engine/farming"
	"github.com/warp/farm-engine/metrics"
)

// maxLeaderboardLimit caps ?limit on the leaderboard endpoint.
const maxLeaderboardLimit = 1000

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service *farming.Service
	Metrics *metrics.Collector
	Logger  logrus.FieldLogger

	// Health is optional; nil means the store is always healthy.
	Health Pinger

	validate *validator.Validate
}

// NewHandler creates a handler over svc. metrics may be nil.
func NewHandler(svc *farming.Service, m *metrics.Collector, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = svc.Logger
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON names, not Go field names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return &Handler{
		Service:  svc,
		Metrics:  m,
		Logger:   logger,
		validate: v,
	}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// Start onboards a user, optionally through a referrer, and refreshes the
// display name of a returning user.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := h.decodeRequest(r, &req); err != nil {
		h.writeDomainError(w, r, "onboard", err)
		return
	}

	res, err := h.Service.Onboard(r.Context(), string(req.TelegramID), req.Name, req.Referrer)
	h.Metrics.RecordOperation("onboard", err)
	if err != nil {
		h.writeDomainError(w, r, "onboard", err)
		return
	}

	rec := res.Record
	if !res.Created && strings.TrimSpace(req.Name) != rec.DisplayName {
		updated, err := h.Service.RefreshIdentity(r.Context(), rec.ID, req.Name)
		if err != nil {
			h.Logger.WithError(err).WithField("user_id", rec.ID).Warn("Failed to refresh display name")
		} else {
			rec = updated
		}
	}

	status := http.StatusOK
	message := fmt.Sprintf("Welcome back, %s!", rec.DisplayName)
	if res.Created {
		status = http.StatusCreated
		message = fmt.Sprintf("Welcome, %s!", rec.DisplayName)
	}
	writeJSON(w, status, StartResponse{
		Message:      message,
		Created:      res.Created,
		ReferralLink: res.ReferralLink,
		Coins:        rec.Balance,
	})
}

// GetUser returns the full user view.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.Service.GetUser(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "get_user", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(rec, h.Service.ReferralLink(rec.ID)))
}

// GetTasks returns the user's tasks.
func (h *Handler) GetTasks(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.Service.GetUser(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "get_tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, TasksResponse{Tasks: toTaskDTOs(rec.Tasks)})
}

// AddTask appends a task to the user's list.
func (h *Handler) AddTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req AddTaskRequest
	if err := h.decodeRequest(r, &req); err != nil {
		h.writeDomainError(w, r, "add_task", err)
		return
	}

	tasks, err := h.Service.AddTask(r.Context(), id, req.TaskName, req.Points)
	h.Metrics.RecordOperation("add_task", err)
	if err != nil {
		h.writeDomainError(w, r, "add_task", err)
		return
	}
	writeJSON(w, http.StatusCreated, TasksResponse{
		Message: "Task added successfully.",
		Tasks:   toTaskDTOs(tasks),
	})
}

// CompleteTask completes a task and awards its points.
func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req CompleteTaskRequest
	if err := h.decodeRequest(r, &req); err != nil {
		h.writeDomainError(w, r, "complete_task", err)
		return
	}

	res, err := h.Service.CompleteTask(r.Context(), id, req.TaskName)
	h.Metrics.RecordOperation("complete_task", err)
	if err != nil {
		h.writeDomainError(w, r, "complete_task", err)
		return
	}
	writeJSON(w, http.StatusOK, CompleteTaskResponse{
		Message:    fmt.Sprintf("Task %q completed! You earned %d coins.", strings.TrimSpace(req.TaskName), res.Awarded),
		Awarded:    res.Awarded,
		TotalCoins: res.Balance,
	})
}

// AddCoins credits a user manually.
func (h *Handler) AddCoins(w http.ResponseWriter, r *http.Request) {
	var req AddCoinsRequest
	if err := h.decodeRequest(r, &req); err != nil {
		h.writeDomainError(w, r, "add_credit", err)
		return
	}

	balance, err := h.Service.AddCredit(r.Context(), string(req.TelegramID), req.Coins)
	h.Metrics.RecordOperation("add_credit", err)
	if err != nil {
		h.writeDomainError(w, r, "add_credit", err)
		return
	}
	writeJSON(w, http.StatusOK, CoinsResponse{Message: "Coins added successfully.", TotalCoins: balance})
}

// =============================================================================
// FARMING HANDLERS
// =============================================================================

// Farm starts an accrual cycle.
func (h *Handler) Farm(w http.ResponseWriter, r *http.Request) {
	var req UserIDRequest
	if err := h.decodeRequest(r, &req); err != nil {
		h.writeDomainError(w, r, "start_accrual", err)
		return
	}

	res, err := h.Service.StartAccrual(r.Context(), string(req.TelegramID))
	h.Metrics.RecordOperation("start_accrual", err)
	if err != nil {
		h.writeDomainError(w, r, "start_accrual", err)
		return
	}
	writeJSON(w, http.StatusOK, FarmResponse{
		Message: fmt.Sprintf("Farming initiated! You will be able to claim your %d coins after %s.",
			res.Granted, humanCooldown(h.Service.Economy.CooldownDuration)),
		CoinsToClaim:       res.PendingClaim,
		FarmingCooldownEnd: res.CooldownDeadline.UTC().Format(time.RFC3339),
	})
}

// Claim moves pending credit into the balance.
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	var req UserIDRequest
	if err := h.decodeRequest(r, &req); err != nil {
		h.writeDomainError(w, r, "claim", err)
		return
	}

	balance, err := h.Service.Claim(r.Context(), string(req.TelegramID))
	h.Metrics.RecordOperation("claim", err)
	if err != nil {
		h.writeDomainError(w, r, "claim", err)
		return
	}
	writeJSON(w, http.StatusOK, CoinsResponse{
		Message:    fmt.Sprintf("You have successfully claimed your coins! Total coins: %d", balance),
		TotalCoins: balance,
	})
}

// =============================================================================
// REFERRAL HANDLERS
// =============================================================================

// GetReferralLink returns the user's referral link.
func (h *Handler) GetReferralLink(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.Service.GetUser(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "get_referral_link", err)
		return
	}
	writeJSON(w, http.StatusOK, ReferralLinkResponse{ReferralLink: h.Service.ReferralLink(rec.ID)})
}

// GetReferrals returns the referral link, count and referred users.
func (h *Handler) GetReferrals(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	info, err := h.Service.ListReferrals(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "list_referrals", err)
		return
	}

	users := make([]ReferredUserDTO, len(info.Referred))
	for i, ref := range info.Referred {
		users[i] = ReferredUserDTO{TelegramID: ref.UserID, Name: ref.DisplayName, Coins: ref.Balance}
	}
	writeJSON(w, http.StatusOK, ReferralInfoResponse{
		ReferralLink:  info.ReferralLink,
		ReferralCode:  info.ReferralCode,
		Referrals:     info.ReferralCount,
		ReferredUsers: users,
	})
}

// =============================================================================
// RANK HANDLERS
// =============================================================================

// GetRank returns rank and tier title over the whole population.
func (h *Handler) GetRank(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	info, err := h.Service.RankOf(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, r, "rank_of", err)
		return
	}
	writeJSON(w, http.StatusOK, RankResponse{
		TelegramID: info.UserID,
		Name:       info.DisplayName,
		Coins:      info.Balance,
		Rank:       info.Rank,
		RankTitle:  info.Title,
	})
}

// Leaderboard returns the top users; ?limit overrides the default size.
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxLeaderboardLimit {
			h.writeDomainError(w, r, "leaderboard", &farming.InvalidInputError{
				Field:  "limit",
				Reason: fmt.Sprintf("must be an integer between 1 and %d", maxLeaderboardLimit),
			})
			return
		}
		limit = n
	}

	entries, err := h.Service.Leaderboard(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, r, "leaderboard", err)
		return
	}
	dtos := make([]LeaderboardEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = LeaderboardEntryDTO{
			Position:   e.Position,
			TelegramID: e.UserID,
			Name:       e.DisplayName,
			Coins:      e.Balance,
			RankTitle:  e.Title,
		}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Healthz reports liveness and store reachability.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			h.Logger.WithError(err).Warn("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// decodeRequest decodes the JSON body into dst and validates it.
func (h *Handler) decodeRequest(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var invalid *farming.InvalidInputError
		if errors.As(err, &invalid) {
			return invalid
		}
		return &farming.InvalidInputError{Field: "body", Reason: "malformed JSON: " + err.Error()}
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &farming.InvalidInputError{Field: fe.Field(), Reason: validationReason(fe)}
		}
		return &farming.InvalidInputError{Field: "body", Reason: err.Error()}
	}
	return nil
}

func validationReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind farming.Kind) int {
	switch kind {
	case farming.KindNotFound:
		return http.StatusNotFound
	case farming.KindInvalidInput, farming.KindAlreadyCompleted:
		return http.StatusBadRequest
	case farming.KindBlocked, farming.KindNothingToClaim:
		return http.StatusForbidden
	case farming.KindDuplicateTask:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError translates err into an ErrorResponse.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, op string, err error) {
	kind := farming.KindOf(err)
	resp := ErrorResponse{Code: string(kind)}

	switch kind {
	case farming.KindStorageFailure:
		h.Logger.WithError(err).WithFields(logrus.Fields{
			"op":         op,
			"path":       r.URL.Path,
			"request_id": requestID(r),
		}).Error("Storage failure")
		resp.Error = "An internal error occurred. Please try again later."
	case farming.KindBlocked:
		var blocked *farming.BlockedError
		errors.As(err, &blocked)
		resp.Reason = blocked.Reason
		if blocked.Reason == farming.ReasonCooldownActive {
			resp.Error = fmt.Sprintf("Please wait %s to farm again.", farming.FormatWait(blocked.RetryAfter))
			resp.RetryAfter = farming.FormatWait(blocked.RetryAfter)
			resp.RetryAfterSeconds = int64(blocked.RetryAfter.Round(time.Second) / time.Second)
		} else {
			resp.Error = fmt.Sprintf("You have unclaimed coins! Please claim your %d coins before farming again.", blocked.Pending)
		}
	case farming.KindNothingToClaim:
		resp.Error = "You have no coins to claim."
	case farming.KindNotFound:
		var nf *farming.NotFoundError
		if errors.As(err, &nf) && nf.Entity == "task" {
			resp.Error = "Task not found."
		} else {
			resp.Error = "User not found."
		}
		resp.Details = err.Error()
	case farming.KindAlreadyCompleted:
		resp.Error = "Task is already completed."
	case farming.KindDuplicateTask:
		resp.Error = "A task with that name already exists."
	default:
		resp.Error = "Invalid request."
		resp.Details = err.Error()
	}

	writeJSON(w, statusFor(kind), resp)
}

// humanCooldown renders whole-hour cooldowns as "4 hours".
func humanCooldown(d time.Duration) string {
	if d%time.Hour == 0 {
		hours := int64(d / time.Hour)
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	}
	return d.String()
}
