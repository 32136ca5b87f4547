package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReconcileAll folds every open transaction group into account snapshots.
	TaskReconcileAll = "ledger:reconcile"
	// TaskIntegrityScan re-checks every transaction group for balance without mutating anything.
	TaskIntegrityScan = "ledger:integrity"
)

// Trigger values recorded in task payloads.
const (
	TriggerCron   = "cron"
	TriggerManual = "manual"
)

// LedgerPayload is shared by the ledger tasks. Trigger only feeds logging.
type LedgerPayload struct {
	Trigger string `json:"trigger"`
}

// NewReconcileTask constructs a reconciliation task.
func NewReconcileTask(trigger string) (*asynq.Task, error) {
	return newLedgerTask(TaskReconcileAll, trigger)
}

// NewIntegrityScanTask constructs an integrity scan task.
func NewIntegrityScanTask(trigger string) (*asynq.Task, error) {
	return newLedgerTask(TaskIntegrityScan, trigger)
}

func newLedgerTask(taskType, trigger string) (*asynq.Task, error) {
	if trigger == "" {
		trigger = TriggerManual
	}
	data, err := json.Marshal(LedgerPayload{Trigger: trigger})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskType, data, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

func decodeLedgerPayload(t *asynq.Task) (LedgerPayload, error) {
	var payload LedgerPayload
	if len(t.Payload()) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return payload, err
	}
	return payload, nil
}
