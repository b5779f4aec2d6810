/*
dispatcher.go - Chat command handling for the farming bot

PURPOSE:
  Turns chat commands into farming.Service calls and renders the replies.
  The dispatcher knows nothing about Telegram; telegram.go converts
  updates into Commands and Replies into outgoing messages.

COMMANDS:
  /start [ref]                     Onboard, credit the referrer once
  /farm                            Start an accrual cycle
  /claim                           Claim pending credit
  /balance                         Balance, pending credit, tier
  /tasks                           Task list
  /complete <task name>            Complete a task
  /rank                            Rank over all users
  /leaderboard                     Top users
  /referrals                       Referral link and referred users
  /help                            Command list

  Staff only (Bot.StaffIDs):
  /grant <userId> <amount>         Manual credit
  /addtask <userId> <points> <name>

ERRORS:
  Client errors are answered with a readable message. Storage failures
  are logged and answered with "An error occurred while ... Please try
  again later."

SEE ALSO:
  - telegram.go: Long-poll transport
  - api/handlers.go: The same operations over HTTP
*/
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/warp/farm-engine/farming"
	"github.com/warp/farm-engine/metrics"
)

// =============================================================================
// MESSAGES
// =============================================================================

// Command is one parsed chat command.
type Command struct {
	Name        string // without the slash, lower case
	Args        string // everything after the command, trimmed
	UserID      int64
	DisplayName string
}

// Button is an inline link button.
type Button struct {
	Text string
	URL  string
}

// Notification is a message sent to another user as a side effect.
type Notification struct {
	UserID string
	Text   string
}

// Reply is the dispatcher's answer to a Command.
type Reply struct {
	Text          string
	Buttons       []Button
	Notifications []Notification
}

// Links are the buttons attached to the welcome message.
type Links struct {
	Play      string
	Community string
	Website   string
}

func (l Links) buttons() []Button {
	var out []Button
	for _, b := range []Button{{"Play", l.Play}, {"Community", l.Community}, {"Website", l.Website}} {
		if b.URL != "" {
			out = append(out, b)
		}
	}
	return out
}

// ParseCommand splits "/complete Join channel" into a Command.
// A "@botname" suffix on the command is dropped. ok is false for plain text.
func ParseCommand(text string) (name, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	head, rest, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	if head == "" {
		return "", "", false
	}
	return strings.ToLower(head), strings.TrimSpace(rest), true
}

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher answers commands. Safe for concurrent use.
type Dispatcher struct {
	Service *farming.Service
	Metrics *metrics.Collector
	Logger  logrus.FieldLogger
	Links   Links

	staff map[int64]bool
}

// NewDispatcher creates a dispatcher. staffIDs may use the staff commands.
func NewDispatcher(svc *farming.Service, links Links, staffIDs []int64, logger logrus.FieldLogger) *Dispatcher {
	if logger == nil {
		logger = svc.Logger
	}
	staff := make(map[int64]bool, len(staffIDs))
	for _, id := range staffIDs {
		staff[id] = true
	}
	return &Dispatcher{
		Service: svc,
		Logger:  logger,
		Links:   links,
		staff:   staff,
	}
}

// IsStaff reports whether userID may use the staff commands.
func (d *Dispatcher) IsStaff(userID int64) bool {
	return d.staff[userID]
}

// Handle answers one command. Unknown commands get the help text.
func (d *Dispatcher) Handle(ctx context.Context, cmd Command) Reply {
	userID := strconv.FormatInt(cmd.UserID, 10)

	switch cmd.Name {
	case "start":
		return d.start(ctx, userID, cmd)
	case "farm":
		return d.farm(ctx, userID)
	case "claim":
		return d.claim(ctx, userID)
	case "balance":
		return d.balance(ctx, userID)
	case "tasks":
		return d.tasks(ctx, userID)
	case "complete":
		return d.complete(ctx, userID, cmd.Args)
	case "rank":
		return d.rank(ctx, userID)
	case "leaderboard":
		return d.leaderboard(ctx)
	case "referrals":
		return d.referrals(ctx, userID)
	case "grant":
		if !d.IsStaff(cmd.UserID) {
			return Reply{Text: "This command is only available to staff."}
		}
		return d.grant(ctx, cmd.Args)
	case "addtask":
		if !d.IsStaff(cmd.UserID) {
			return Reply{Text: "This command is only available to staff."}
		}
		return d.addTask(ctx, cmd.Args)
	default:
		return Reply{Text: d.helpText(cmd.UserID)}
	}
}

// =============================================================================
// USER COMMANDS
// =============================================================================

func (d *Dispatcher) start(ctx context.Context, userID string, cmd Command) Reply {
	name := cmd.DisplayName
	if strings.TrimSpace(name) == "" {
		name = "Farmer"
	}
	ref, _, _ := strings.Cut(cmd.Args, " ")

	res, err := d.Service.Onboard(ctx, userID, name, ref)
	d.Metrics.RecordOperation("onboard", err)
	if err != nil {
		return d.failure("starting", userID, err)
	}

	rec := res.Record
	if !res.Created && strings.TrimSpace(name) != rec.DisplayName {
		if updated, err := d.Service.RefreshIdentity(ctx, userID, name); err == nil {
			rec = updated
		}
	}

	reply := Reply{Buttons: d.Links.buttons()}
	if res.Created {
		reply.Text = fmt.Sprintf("Welcome, %s! to the $ProofCoin Farming Bot! 🌟\n\n"+
			"Use the buttons below to start farming and earning $ProofCoins. You have %d coins.",
			rec.DisplayName, rec.Balance)
	} else {
		reply.Text = fmt.Sprintf("Welcome back, %s! You have %d coins. Keep farming to earn more!",
			rec.DisplayName, rec.Balance)
	}
	if res.CreditedReferrer != "" {
		reply.Notifications = append(reply.Notifications, Notification{
			UserID: res.CreditedReferrer,
			Text:   fmt.Sprintf("🎉 You have received %d bonus coins for referring a new user!", res.Bonus),
		})
	}
	return reply
}

func (d *Dispatcher) farm(ctx context.Context, userID string) Reply {
	res, err := d.Service.StartAccrual(ctx, userID)
	d.Metrics.RecordOperation("start_accrual", err)
	if err != nil {
		var blocked *farming.BlockedError
		if errors.As(err, &blocked) {
			if blocked.Reason == farming.ReasonUnclaimedPending {
				return Reply{Text: fmt.Sprintf("You have unclaimed coins! Please use /claim to collect your %d coins before farming again.", blocked.Pending)}
			}
			return Reply{Text: fmt.Sprintf("Please wait %s to farm again.", farming.FormatWait(blocked.RetryAfter))}
		}
		return d.failure("farming", userID, err)
	}
	return Reply{Text: fmt.Sprintf("Farming initiated! You will be able to claim your %d coins after %s.",
		res.Granted, hoursText(d.Service.Economy))}
}

func (d *Dispatcher) claim(ctx context.Context, userID string) Reply {
	balance, err := d.Service.Claim(ctx, userID)
	d.Metrics.RecordOperation("claim", err)
	if err != nil {
		if errors.Is(err, farming.ErrNothingToClaim) {
			return Reply{Text: "You have no coins to claim."}
		}
		return d.failure("claiming coins", userID, err)
	}
	return Reply{Text: fmt.Sprintf("You have successfully claimed your coins! Total coins: %d", balance)}
}

func (d *Dispatcher) balance(ctx context.Context, userID string) Reply {
	rec, err := d.Service.GetUser(ctx, userID)
	if err != nil {
		return d.failure("fetching your balance", userID, err)
	}
	text := fmt.Sprintf("You have %d coins (%s).", rec.Balance, d.Service.RankTitle(rec.Balance))
	if rec.PendingClaim > 0 {
		text += fmt.Sprintf("\n%d coins are waiting. Use /claim to collect them.", rec.PendingClaim)
	}
	if wait := rec.CooldownRemaining(d.Service.Now()); wait > 0 {
		text += fmt.Sprintf("\nNext farming in %s.", farming.FormatWait(wait))
	}
	return Reply{Text: text}
}

func (d *Dispatcher) tasks(ctx context.Context, userID string) Reply {
	rec, err := d.Service.GetUser(ctx, userID)
	if err != nil {
		return d.failure("fetching your tasks", userID, err)
	}
	if len(rec.Tasks) == 0 {
		return Reply{Text: "You have no tasks yet."}
	}
	var b strings.Builder
	b.WriteString("📋 Tasks:")
	for _, t := range rec.Tasks {
		mark := "⬜"
		if t.Completed {
			mark = "✅"
		}
		fmt.Fprintf(&b, "\n%s %s - %d coins", mark, t.Name, t.RewardPoints)
	}
	return Reply{Text: b.String()}
}

func (d *Dispatcher) complete(ctx context.Context, userID, name string) Reply {
	if name == "" {
		return Reply{Text: "Usage: /complete <task name>"}
	}
	res, err := d.Service.CompleteTask(ctx, userID, name)
	d.Metrics.RecordOperation("complete_task", err)
	if err != nil {
		return d.failure("completing the task", userID, err)
	}
	return Reply{Text: fmt.Sprintf("Task completed! You earned %d coins. Total coins: %d", res.Awarded, res.Balance)}
}

func (d *Dispatcher) rank(ctx context.Context, userID string) Reply {
	info, err := d.Service.RankOf(ctx, userID)
	if err != nil {
		return d.failure("fetching your rank", userID, err)
	}
	return Reply{Text: fmt.Sprintf("You are #%d with %d coins - %s", info.Rank, info.Balance, info.Title)}
}

func (d *Dispatcher) leaderboard(ctx context.Context) Reply {
	entries, err := d.Service.Leaderboard(ctx, 0)
	if err != nil {
		return d.failure("fetching the leaderboard", "", err)
	}
	if len(entries) == 0 {
		return Reply{Text: "No users found in the leaderboard."}
	}
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = fmt.Sprintf("%d. %s - %d coins - %s", e.Position, e.DisplayName, e.Balance, e.Title)
	}
	return Reply{Text: "🏆 Leaderboard:\n" + strings.Join(lines, "\n")}
}

func (d *Dispatcher) referrals(ctx context.Context, userID string) Reply {
	info, err := d.Service.ListReferrals(ctx, userID)
	if err != nil {
		return d.failure("fetching your referrals", userID, err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Your referral link: %s\nReferrals: %d", info.ReferralLink, info.ReferralCount)
	for _, r := range info.Referred {
		fmt.Fprintf(&b, "\n- %s (%d coins)", r.DisplayName, r.Balance)
	}
	return Reply{Text: b.String()}
}

// =============================================================================
// STAFF COMMANDS
// =============================================================================

func (d *Dispatcher) grant(ctx context.Context, args string) Reply {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		return Reply{Text: "Usage: /grant <userId> <amount>"}
	}
	amount, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || amount <= 0 {
		return Reply{Text: "Amount must be a positive whole number."}
	}
	balance, err := d.Service.AddCredit(ctx, fields[0], amount)
	d.Metrics.RecordOperation("add_credit", err)
	if err != nil {
		return d.failure("adding coins", fields[0], err)
	}
	return Reply{
		Text: fmt.Sprintf("Added %d coins to %s. Total coins: %d", amount, fields[0], balance),
		Notifications: []Notification{{
			UserID: fields[0],
			Text:   fmt.Sprintf("You have received %d coins! Total coins: %d", amount, balance),
		}},
	}
}

func (d *Dispatcher) addTask(ctx context.Context, args string) Reply {
	fields := strings.SplitN(args, " ", 3)
	if len(fields) != 3 || strings.TrimSpace(fields[2]) == "" {
		return Reply{Text: "Usage: /addtask <userId> <points> <name>"}
	}
	points, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || points <= 0 {
		return Reply{Text: "Points must be a positive whole number."}
	}
	tasks, err := d.Service.AddTask(ctx, fields[0], fields[2], points)
	d.Metrics.RecordOperation("add_task", err)
	if err != nil {
		return d.failure("adding the task", fields[0], err)
	}
	return Reply{Text: fmt.Sprintf("Task added. %s now has %d tasks.", fields[0], len(tasks))}
}

// =============================================================================
// HELPERS
// =============================================================================

func (d *Dispatcher) helpText(userID int64) string {
	text := "Commands:\n" +
		"/start - Join and get your referral link\n" +
		"/farm - Start farming\n" +
		"/claim - Claim farmed coins\n" +
		"/balance - Show your coins\n" +
		"/tasks - List your tasks\n" +
		"/complete <task> - Complete a task\n" +
		"/rank - Show your rank\n" +
		"/leaderboard - Top farmers\n" +
		"/referrals - Your referrals"
	if d.IsStaff(userID) {
		text += "\n/grant <userId> <amount> - Credit a user\n" +
			"/addtask <userId> <points> <name> - Give a user a task"
	}
	return text
}

// failure renders err for the chat. action completes "An error occurred while ...".
func (d *Dispatcher) failure(action, userID string, err error) Reply {
	switch farming.KindOf(err) {
	case farming.KindNotFound:
		var nf *farming.NotFoundError
		if errors.As(err, &nf) && nf.Entity == "task" {
			return Reply{Text: fmt.Sprintf("Task %q not found. Use /tasks to see your tasks.", nf.ID)}
		}
		return Reply{Text: "User not found. Please start by using the /start command."}
	case farming.KindAlreadyCompleted:
		return Reply{Text: "You have already completed this task."}
	case farming.KindDuplicateTask:
		return Reply{Text: "That user already has a task with this name."}
	case farming.KindInvalidInput:
		return Reply{Text: "Invalid input: " + err.Error()}
	case farming.KindStorageFailure:
		d.Logger.WithError(err).WithFields(logrus.Fields{
			"user_id": userID,
			"action":  action,
		}).Error("Bot command failed")
	}
	return Reply{Text: fmt.Sprintf("An error occurred while %s. Please try again later.", action)}
}

// hoursText renders the cooldown the way the welcome texts do: "4 hours".
func hoursText(econ farming.Economy) string {
	h := econ.CooldownDuration.Hours()
	if h == float64(int64(h)) {
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", int64(h))
	}
	return econ.CooldownDuration.String()
}
