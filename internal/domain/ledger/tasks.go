package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/okian/coinledger/internal/adapters/repository"
	"github.com/okian/coinledger/internal/domain/account"
	"github.com/okian/coinledger/pkg/logger"
	"github.com/okian/coinledger/pkg/metrics"
)

// TaskResult is returned by a successful ClaimTask.
type TaskResult struct {
	TaskID         string   `json:"task_id"`
	Points         int64    `json:"points"`
	Balance        int64    `json:"balance"`
	CompletedTasks []string `json:"completed_tasks"`
}

// ClaimTask credits taskID's points to userID exactly once.
func (l *Ledger) ClaimTask(ctx context.Context, userID, taskID string) (res TaskResult, err error) {
	start := l.now()
	defer func() { l.observe(opTask, start, err) }()

	if userID == "" || taskID == "" {
		return res, fmt.Errorf("%w: user and task ids are required", ErrInvalidInput)
	}

	task, err := l.catalog.Task(ctx, taskID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return res, ErrTaskNotFound
	case errors.Is(err, repository.ErrInvalidTask):
		return res, fmt.Errorf("%w: %s", ErrInvalidTask, taskID)
	case err != nil:
		return res, fmt.Errorf("lookup task: %w", err)
	}

	a, err := l.transact(ctx, opTask, userID, func(a *account.Account) error {
		if a.CompletedTasks.Has(taskID) {
			return ErrAlreadyClaimed
		}
		if err := credit(a, task.Points); err != nil {
			return err
		}
		a.CompletedTasks[taskID] = struct{}{}
		return nil
	})
	if err != nil {
		return res, notFound(err, ErrAccountNotFound)
	}

	metrics.RecordCoinsCredited("task", task.Points)
	l.log.Info(ctx, "task claimed",
		logger.String("account_id", userID),
		logger.String("task_id", taskID),
		logger.Int64("points", task.Points),
	)
	return TaskResult{
		TaskID:         taskID,
		Points:         task.Points,
		Balance:        a.Balance,
		CompletedTasks: a.CompletedTasks.List(),
	}, nil
}
