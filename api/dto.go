/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. The web client was
  built against camelCase names (telegramId, coins, coinsToClaim), so the
  DTOs rename domain fields rather than exposing UserRecord directly.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Endpoint-specific response wrappers

VALIDATION:
  Request types carry go-playground/validator tags. decodeRequest runs
  the validator after JSON decoding; failures become invalid_input.
  The Service re-checks every rule, so tags only shape the error early.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/warp/farm-engine/farming"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// UserID accepts a Telegram id sent as either a JSON string or number.
type UserID string

func (u *UserID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = UserID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return &farming.InvalidInputError{Field: "telegramId", Reason: "must be an integer or string"}
	}
	*u = UserID(n.String())
	return nil
}

// =============================================================================
// REQUESTS
// =============================================================================

type StartRequest struct {
	TelegramID UserID `json:"telegramId" validate:"required"`
	Name       string `json:"name" validate:"required"`
	Referrer   string `json:"referrer"`
}

type UserIDRequest struct {
	TelegramID UserID `json:"telegramId" validate:"required"`
}

type AddTaskRequest struct {
	TaskName string `json:"taskName" validate:"required"`
	Points   int64  `json:"points" validate:"gt=0"`
}

type CompleteTaskRequest struct {
	TaskName string `json:"taskName" validate:"required"`
}

type AddCoinsRequest struct {
	TelegramID UserID `json:"telegramId" validate:"required"`
	Coins      int64  `json:"coins" validate:"gt=0"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// UserDTO is the full user view.
type UserDTO struct {
	TelegramID         string    `json:"telegramId"`
	Name               string    `json:"name"`
	Coins              int64     `json:"coins"`
	CoinsToClaim       int64     `json:"coinsToClaim"`
	LastFarmingTime    *string   `json:"lastFarmingTime,omitempty"`
	FarmingCooldownEnd *string   `json:"farmingCooldownEnd,omitempty"`
	ReferralLink       string    `json:"referralLink"`
	ReferralCode       string    `json:"referralCode"`
	ReferredBy         string    `json:"referredBy,omitempty"`
	Referrals          int64     `json:"referrals"`
	Tasks              []TaskDTO `json:"tasks"`
}

type TaskDTO struct {
	Name        string `json:"name"`
	Points      int64  `json:"points"`
	IsCompleted bool   `json:"isCompleted"`
}

type StartResponse struct {
	Message      string `json:"message"`
	Created      bool   `json:"created"`
	ReferralLink string `json:"referralLink"`
	Coins        int64  `json:"coins"`
}

type TasksResponse struct {
	Message string    `json:"message,omitempty"`
	Tasks   []TaskDTO `json:"tasks"`
}

type CompleteTaskResponse struct {
	Message    string `json:"message"`
	Awarded    int64  `json:"awarded"`
	TotalCoins int64  `json:"totalCoins"`
}

type CoinsResponse struct {
	Message    string `json:"message"`
	TotalCoins int64  `json:"totalCoins"`
}

type FarmResponse struct {
	Message            string `json:"message"`
	CoinsToClaim       int64  `json:"coinsToClaim"`
	FarmingCooldownEnd string `json:"farmingCooldownEnd"`
}

type ReferralLinkResponse struct {
	ReferralLink string `json:"referralLink"`
}

type ReferralInfoResponse struct {
	ReferralLink  string            `json:"referralLink"`
	ReferralCode  string            `json:"referralCode"`
	Referrals     int64             `json:"referrals"`
	ReferredUsers []ReferredUserDTO `json:"referredUsers"`
}

type ReferredUserDTO struct {
	TelegramID string `json:"telegramId"`
	Name       string `json:"name"`
	Coins      int64  `json:"coins"`
}

type RankResponse struct {
	TelegramID string `json:"telegramId"`
	Name       string `json:"name"`
	Coins      int64  `json:"coins"`
	Rank       int64  `json:"rank"`
	RankTitle  string `json:"rankTitle"`
}

type LeaderboardEntryDTO struct {
	Position   int    `json:"position"`
	TelegramID string `json:"telegramId"`
	Name       string `json:"name"`
	Coins      int64  `json:"coins"`
	RankTitle  string `json:"rankTitle"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error             string `json:"error"`
	Code              string `json:"code"`
	Reason            string `json:"reason,omitempty"`
	Details           string `json:"details,omitempty"`
	RetryAfter        string `json:"retry_after,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toUserDTO(rec *farming.UserRecord, link string) UserDTO {
	return UserDTO{
		TelegramID:         rec.ID,
		Name:               rec.DisplayName,
		Coins:              rec.Balance,
		CoinsToClaim:       rec.PendingClaim,
		LastFarmingTime:    formatTime(rec.LastAccrualStart),
		FarmingCooldownEnd: formatTime(rec.CooldownDeadline),
		ReferralLink:       link,
		ReferralCode:       rec.ReferralCode,
		ReferredBy:         rec.ReferredBy,
		Referrals:          rec.ReferralCount,
		Tasks:              toTaskDTOs(rec.Tasks),
	}
}

func toTaskDTOs(tasks []farming.Task) []TaskDTO {
	dtos := make([]TaskDTO, len(tasks))
	for i, t := range tasks {
		dtos[i] = TaskDTO{Name: t.Name, Points: t.RewardPoints, IsCompleted: t.Completed}
	}
	return dtos
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
