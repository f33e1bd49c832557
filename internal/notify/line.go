// Package notify turns board events into user-facing messages.
package notify

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/ytakahashi/taskboard/internal/models"
	"go.uber.org/zap"
)

// Pusher is the part of the LINE messaging API the notifier needs.
type Pusher interface {
	PushMessage(req *messaging_api.PushMessageRequest, xLineRetryKey string) (*messaging_api.PushMessageResponse, error)
}

// LineNotifier congratulates a LINE user whenever a task is completed.
// Pushes run on their own goroutines because observers are called while
// the board is locked.
type LineNotifier struct {
	bot    Pusher
	to     string
	logger *zap.Logger
	wg     sync.WaitGroup
}

func NewLineNotifier(bot Pusher, to string, logger *zap.Logger) *LineNotifier {
	return &LineNotifier{
		bot:    bot,
		to:     to,
		logger: logger,
	}
}

func (n *LineNotifier) CollectionChanged([]models.Task, models.Counts) {}

func (n *LineNotifier) TaskCompleted(task models.Task) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.push(fmt.Sprintf("🎉 Task completed: %s", task.Text))
	}()
}

// Wait blocks until every pending push has finished.
func (n *LineNotifier) Wait() {
	n.wg.Wait()
}

func (n *LineNotifier) push(text string) {
	_, err := n.bot.PushMessage(
		&messaging_api.PushMessageRequest{
			To:       n.to,
			Messages: []messaging_api.MessageInterface{&messaging_api.TextMessage{Text: text}},
		},
		uuid.NewString(),
	)
	if err != nil {
		n.logger.Warn("Failed to push completion message", zap.String("to", n.to), zap.Error(err))
		return
	}
	n.logger.Debug("Completion message pushed", zap.String("to", n.to))
}
