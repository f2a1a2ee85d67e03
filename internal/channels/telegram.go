package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-helm/internal/bus"
	"github.com/basket/go-helm/internal/engine"
	"github.com/basket/go-helm/internal/persistence"
	"github.com/basket/go-helm/internal/shared"
	"github.com/basket/go-helm/internal/trace"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel pushes escalations and blocked runs to configured chats
// and answers /status and /goal commands. ESCALATE is the only decision
// surfaced here; proceed/retry/re-delegate decisions stay internal.
type TelegramChannel struct {
	token   string
	chatIDs []int64
	allowed map[int64]struct{}
	manager *engine.Manager
	traces  *trace.Service
	events  *bus.Bus
	logger  *slog.Logger
	bot     *tgbotapi.BotAPI
}

// NewTelegramChannel creates the channel. chatIDs both receive escalation
// pushes and gate which users may issue commands.
func NewTelegramChannel(token string, chatIDs []int64, manager *engine.Manager, traces *trace.Service, events *bus.Bus, logger *slog.Logger) *TelegramChannel {
	allowed := make(map[int64]struct{}, len(chatIDs))
	for _, id := range chatIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:   token,
		chatIDs: chatIDs,
		allowed: allowed,
		manager: manager,
		traces:  traces,
		events:  events,
		logger:  logger,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram channel started", "user", t.bot.Self.UserName, "chats", len(t.chatIDs))

	go t.watchEscalations(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection). Returns nil on context cancellation, or an error to trigger
// reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If nothing arrives for 2.5
	// minutes the connection is likely dead (the library blocks rather than
	// closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowed[update.Message.Chat.ID]; !ok {
				t.logger.Warn("telegram access denied", "chat_id", update.Message.Chat.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	cmd, arg := parseCommand(msg.Text)
	switch cmd {
	case "/status":
		t.handleStatus(ctx, msg.Chat.ID, arg)
	case "/goal":
		t.handleGoal(ctx, msg.Chat.ID, arg)
	default:
		t.reply(msg.Chat.ID, "Commands:\n/goal <text> — submit a goal\n/status — recent runs\n/status <run_id> — run detail")
	}
}

func (t *TelegramChannel) handleStatus(ctx context.Context, chatID int64, arg string) {
	if arg == "" {
		runs, err := t.manager.List(ctx, 10)
		if err != nil {
			t.reply(chatID, fmt.Sprintf("Error: %v", err))
			return
		}
		t.reply(chatID, formatRunList(runs))
		return
	}

	run, err := t.manager.Status(ctx, arg)
	if err != nil {
		t.reply(chatID, fmt.Sprintf("Run %s not found.", arg))
		return
	}
	tree, err := t.traces.Tree(ctx, run.GoalID)
	if err != nil {
		t.logger.Warn("trace tree lookup failed", "goal_id", run.GoalID, "error", err)
	}
	t.reply(chatID, formatRunStatus(run, trace.Summarize(tree)))
}

func (t *TelegramChannel) handleGoal(ctx context.Context, chatID int64, arg string) {
	if strings.TrimSpace(arg) == "" {
		t.reply(chatID, "Usage: /goal <what you want done>")
		return
	}
	runID, err := t.manager.Submit(ctx, engine.SubmitRequest{GoalText: arg})
	if err != nil {
		t.reply(chatID, fmt.Sprintf("Error: could not submit goal: %v", err))
		return
	}
	t.reply(chatID, fmt.Sprintf("Goal accepted.\nRun: %s\nCheck progress with /status %s", runID, runID))
}

// watchEscalations forwards escalation and blocked-run events to every
// configured chat.
func (t *TelegramChannel) watchEscalations(ctx context.Context) {
	escSub := t.events.Subscribe("escalation.")
	blockedSub := t.events.Subscribe(bus.TopicLoopBlocked)
	defer t.events.Unsubscribe(escSub)
	defer t.events.Unsubscribe(blockedSub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-escSub.Ch():
			esc, ok := ev.Payload.(bus.EscalationEvent)
			if !ok {
				continue
			}
			t.broadcast(formatEscalation(esc))
		case ev := <-blockedSub.Ch():
			loop, ok := ev.Payload.(bus.LoopEvent)
			if !ok {
				continue
			}
			t.broadcast(formatBlocked(loop))
		}
	}
}

func (t *TelegramChannel) broadcast(text string) {
	for _, chatID := range t.chatIDs {
		t.reply(chatID, text)
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram message", "chat_id", chatID, "error", err)
	}
}

// formatEscalation renders an escalation push. Budget exhaustion gets its own
// headline since the user must raise the cap rather than answer a question.
func formatEscalation(ev bus.EscalationEvent) string {
	var b strings.Builder
	if ev.Trigger == "budget_exhausted" {
		b.WriteString("🛑 Budget exhausted — needs your input\n")
	} else {
		b.WriteString("⚠️ Needs your input\n")
	}
	fmt.Fprintf(&b, "Goal: %s\n", ev.GoalID)
	if ev.Delegatee != "" {
		fmt.Fprintf(&b, "Agent: %s\n", ev.Delegatee)
	}
	if ev.Trigger != "" {
		fmt.Fprintf(&b, "Trigger: %s\n", ev.Trigger)
	}
	if ev.Reasoning != "" {
		fmt.Fprintf(&b, "Reason: %s", ev.Reasoning)
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatBlocked renders a blocked-run push.
func formatBlocked(ev bus.LoopEvent) string {
	var b strings.Builder
	b.WriteString("⚠️ Run blocked\n")
	fmt.Fprintf(&b, "Goal: %s\n", ev.GoalID)
	fmt.Fprintf(&b, "Run: %s (iteration %d)\n", ev.RunID, ev.Iteration)
	if ev.Outcome != "" {
		fmt.Fprintf(&b, "Waiting on: %s", shared.Truncate(ev.Outcome, 300))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatRunList(runs []*persistence.GoalRun) string {
	if len(runs) == 0 {
		return "No runs yet. Submit one with /goal <text>."
	}
	var b strings.Builder
	b.WriteString("Recent runs:\n")
	for _, run := range runs {
		fmt.Fprintf(&b, "%s [%s] %s\n", run.RunID, run.Status, shared.Truncate(run.GoalText, 60))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatRunStatus(run *persistence.GoalRun, sum trace.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s [%s]\n", run.RunID, run.Status)
	fmt.Fprintf(&b, "Goal: %s\n", shared.Truncate(run.GoalText, 200))
	fmt.Fprintf(&b, "Iteration: %d/%d\n", run.Iteration, run.MaxIterations)
	fmt.Fprintf(&b, "Agents: %d, cost $%.4f, retries: %d\n", sum.AgentCount, sum.TotalCostUSD, sum.Retries)
	if sum.VerificationFailures > 0 {
		fmt.Fprintf(&b, "Verification: %d passed, %d failed\n", sum.VerificationPasses, sum.VerificationFailures)
	}
	if run.Outcome != "" {
		fmt.Fprintf(&b, "Outcome: %s", shared.Truncate(run.Outcome, 300))
	}
	return strings.TrimRight(b.String(), "\n")
}

// parseCommand splits a message into its leading slash command and the rest.
// "/status@helm_bot" style mentions are normalized.
func parseCommand(text string) (cmd, arg string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	parts := strings.SplitN(text, " ", 2)
	cmd = parts[0]
	if at := strings.Index(cmd, "@"); at > 0 {
		cmd = cmd[:at]
	}
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}
