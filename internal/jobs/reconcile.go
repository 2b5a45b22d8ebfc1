package jobs

import "context"

// DefaultReconcileSchedule re-syncs every account every ten minutes.
const DefaultReconcileSchedule = "@every 10m"

// Reconciler re-syncs the account registry with the store.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// ReconcileJob periodically runs a full registry reconciliation.
type ReconcileJob struct {
	registry Reconciler
	schedule string
}

// NewReconcileJob creates the job. An empty schedule selects the default.
func NewReconcileJob(r Reconciler, schedule string) *ReconcileJob {
	if schedule == "" {
		schedule = DefaultReconcileSchedule
	}
	return &ReconcileJob{registry: r, schedule: schedule}
}

func (j *ReconcileJob) Name() string     { return "reconcile_accounts" }
func (j *ReconcileJob) Schedule() string { return j.schedule }

func (j *ReconcileJob) Run(ctx context.Context) error {
	return j.registry.Reconcile(ctx)
}
