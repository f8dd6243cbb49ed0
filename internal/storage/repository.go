package storage

import (
	"context"

	"github.com/threshold-rollout-controller/trc/internal/models"
)

// ExperimentRepository defines the interface for experiment persistence
type ExperimentRepository interface {
	SaveExperiment(ctx context.Context, experiment *models.Experiment) error
	GetExperiment(ctx context.Context, id string) (*models.Experiment, error)
	ListExperiments(ctx context.Context, status models.ExperimentStatus) ([]*models.Experiment, error)
}

// ChangeRepository defines the interface for threshold change persistence
type ChangeRepository interface {
	SaveChange(ctx context.Context, change *models.ThresholdChangeRecord) error
	GetChange(ctx context.Context, changeID string) (*models.ThresholdChangeRecord, error)
	ListChanges(ctx context.Context, serviceType string) ([]*models.ThresholdChangeRecord, error)
	ListActiveChanges(ctx context.Context, serviceType string) ([]*models.ThresholdChangeRecord, error)
	SaveRollback(ctx context.Context, op *models.RollbackOperation) error
	ListRollbacks(ctx context.Context, changeID string) ([]*models.RollbackOperation, error)
}

// AlertRepository defines the interface for the append-only alert log
type AlertRepository interface {
	SaveAlert(ctx context.Context, alert *models.Alert) error
	ListAlerts(ctx context.Context, entityID string) ([]*models.Alert, error)
}
