package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
	"github.com/ytakahashi/taskboard/internal/models"
	"go.uber.org/zap"
)

// Replier is the part of the LINE messaging API the webhook needs.
type Replier interface {
	ReplyMessage(req *messaging_api.ReplyMessageRequest) (*messaging_api.ReplyMessageResponse, error)
}

var (
	todoPrefix    = regexp.MustCompile(`(?i)^todo[\s　]+`)
	addPattern    = regexp.MustCompile(`(?i)^add[\s　]+["“]?([^"”]+)["”]?$`)
	donePattern   = regexp.MustCompile(`(?i)^done[\s　]+(\d+)$`)
	deletePattern = regexp.MustCompile(`(?i)^(?:delete|del)[\s　]+(\d+)$`)
)

// WebhookHandler drives the board from LINE text messages.
type WebhookHandler struct {
	bot    Replier
	board  Board
	secret string
	logger *zap.Logger
}

func NewWebhookHandler(bot Replier, board Board, channelSecret string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		bot:    bot,
		board:  board,
		secret: channelSecret,
		logger: logger,
	}
}

func (h *WebhookHandler) HandleWebhook(c echo.Context) error {
	cb, err := webhook.ParseRequest(h.secret, c.Request())
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidSignature) {
			h.logger.Warn("Invalid webhook signature")
			return c.NoContent(http.StatusBadRequest)
		}
		h.logger.Error("Failed to parse webhook request", zap.Error(err))
		return c.NoContent(http.StatusInternalServerError)
	}

	ctx := c.Request().Context()
	for _, event := range cb.Events {
		e, ok := event.(webhook.MessageEvent)
		if !ok {
			continue
		}
		message, ok := e.Message.(webhook.TextMessageContent)
		if !ok {
			continue
		}
		if err := h.handleTextMessage(ctx, e.ReplyToken, message.Text); err != nil {
			h.logger.Error("Error handling text message", zap.Error(err))
		}
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *WebhookHandler) handleTextMessage(ctx context.Context, replyToken, text string) error {
	h.logger.Debug("Received text", zap.String("text", text))

	text = strings.TrimSpace(text)
	// "todo <title>" is shorthand for "add <title>".
	if rest := todoPrefix.ReplaceAllString(text, ""); rest != text {
		if !addPattern.MatchString(rest) && !isCommand(rest) {
			text = "add " + rest
		} else {
			text = rest
		}
	}

	if matches := addPattern.FindStringSubmatch(text); matches != nil {
		return h.addTask(ctx, replyToken, strings.TrimSpace(matches[1]))
	}
	if matches := donePattern.FindStringSubmatch(text); matches != nil {
		n, _ := strconv.Atoi(matches[1])
		return h.completeTask(ctx, replyToken, n)
	}
	if matches := deletePattern.FindStringSubmatch(text); matches != nil {
		n, _ := strconv.Atoi(matches[1])
		return h.deleteTask(ctx, replyToken, n)
	}

	switch strings.ToLower(text) {
	case "list":
		return h.showTaskList(replyToken)
	case "clear":
		return h.clearCompleted(ctx, replyToken)
	case "undo":
		return h.undoDelete(replyToken)
	case "help":
		return h.showHelp(replyToken)
	}

	// Unrecognized messages get no reply.
	return nil
}

func isCommand(s string) bool {
	switch strings.ToLower(s) {
	case "list", "clear", "undo", "help":
		return true
	}
	return donePattern.MatchString(s) || deletePattern.MatchString(s)
}

func (h *WebhookHandler) addTask(ctx context.Context, replyToken, title string) error {
	_, err := h.board.Add(ctx, models.TaskDraft{Text: title})
	if err != nil && !errors.Is(err, models.ErrStorage) {
		if errors.Is(err, models.ErrValidation) {
			return h.replyMessage(replyToken, "Please give the task a title.\nExample: add \"groceries\"")
		}
		h.logger.Error("Failed to add task", zap.Error(err))
		return h.replyMessage(replyToken, "Failed to add the task.")
	}
	return h.replyMessage(replyToken, fmt.Sprintf("✅ Added \"%s\".", title))
}

// completeTask marks the n-th open task, numbered as in the list reply.
func (h *WebhookHandler) completeTask(ctx context.Context, replyToken string, n int) error {
	open := openTasks(h.board.Tasks())
	if n < 1 || n > len(open) {
		return h.replyMessage(replyToken, fmt.Sprintf("There is no open task #%d.", n))
	}

	task := open[n-1]
	done := models.StatusDone
	if err := h.board.Update(ctx, task.ID, models.TaskPatch{Status: &done}); err != nil && !errors.Is(err, models.ErrStorage) {
		h.logger.Error("Failed to complete task", zap.String("task_id", task.ID), zap.Error(err))
		return h.replyMessage(replyToken, "Failed to complete the task.")
	}
	return h.replyMessage(replyToken, fmt.Sprintf("🎉 Completed \"%s\"!", task.Text))
}

// deleteTask removes the n-th open task, numbered as in the list reply.
func (h *WebhookHandler) deleteTask(ctx context.Context, replyToken string, n int) error {
	open := openTasks(h.board.Tasks())
	if n < 1 || n > len(open) {
		return h.replyMessage(replyToken, fmt.Sprintf("There is no open task #%d.", n))
	}

	task := open[n-1]
	if err := h.board.Delete(ctx, task.ID); err != nil && !errors.Is(err, models.ErrStorage) {
		h.logger.Error("Failed to delete task", zap.String("task_id", task.ID), zap.Error(err))
		return h.replyMessage(replyToken, "Failed to delete the task.")
	}

	msg := fmt.Sprintf("🗑️ Deleted \"%s\".", task.Text)
	if h.board.CanUndo() {
		msg += "\nSend \"undo\" to restore it."
	}
	return h.replyMessage(replyToken, msg)
}

func openTasks(tasks []models.Task) []models.Task {
	var open []models.Task
	for _, t := range tasks {
		if t.Status != models.StatusDone {
			open = append(open, t)
		}
	}
	return open
}

func (h *WebhookHandler) showTaskList(replyToken string) error {
	open := openTasks(h.board.Tasks())
	if len(open) == 0 {
		return h.replyMessage(replyToken, "No open tasks.")
	}

	now := time.Now()
	var items []string
	for i, task := range open {
		due := "no due date"
		if task.DueDate != "" {
			due = "due " + task.DueDate
		}
		if task.Overdue(now) {
			due += ", ⚠️ overdue"
		}
		items = append(items, fmt.Sprintf("%d. [%s] %s (%s)", i+1, task.Status, task.Text, due))
	}

	counts := h.board.Counts()
	return h.replyMessage(replyToken, fmt.Sprintf("📝 Tasks (%d open, %d%% done)\n\n%s",
		len(open), counts.Percent, strings.Join(items, "\n")))
}

func (h *WebhookHandler) clearCompleted(ctx context.Context, replyToken string) error {
	n, err := h.board.ClearCompleted(ctx)
	if err != nil && !errors.Is(err, models.ErrStorage) {
		h.logger.Error("Failed to clear completed tasks", zap.Error(err))
		return h.replyMessage(replyToken, "Failed to clear completed tasks.")
	}
	if n == 0 {
		return h.replyMessage(replyToken, "No completed tasks to clear.")
	}
	return h.replyMessage(replyToken, fmt.Sprintf("🗑️ Cleared %d completed task(s).", n))
}

func (h *WebhookHandler) undoDelete(replyToken string) error {
	restored, err := h.board.UndoDelete()
	if err != nil && !errors.Is(err, models.ErrStorage) {
		return h.replyMessage(replyToken, "Failed to restore the task.")
	}
	if !restored {
		return h.replyMessage(replyToken, "Nothing to undo.")
	}
	return h.replyMessage(replyToken, "Task restored!")
}

func (h *WebhookHandler) showHelp(replyToken string) error {
	helpText := `📝 Task board

🆕 Add a task:
・add "<title>"
・todo <title>

📋 List open tasks:
・list

✅ Complete a task:
・done <number from list>

❌ Delete a task:
・delete <number from list>

🗑️ Clear completed tasks:
・clear

↩️ Restore the last deleted task:
・undo`

	return h.replyMessage(replyToken, helpText)
}

func (h *WebhookHandler) replyMessage(replyToken, text string) error {
	_, err := h.bot.ReplyMessage(
		&messaging_api.ReplyMessageRequest{
			ReplyToken: replyToken,
			Messages:   []messaging_api.MessageInterface{&messaging_api.TextMessage{Text: text}},
		},
	)
	if err != nil {
		h.logger.Error("Failed to send reply message", zap.Error(err))
	}
	return err
}
