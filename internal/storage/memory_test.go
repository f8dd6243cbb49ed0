package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threshold-rollout-controller/trc/internal/models"
)

func newTestExperiment(id string, status models.ExperimentStatus) *models.Experiment {
	return &models.Experiment{
		ID: id,
		Config: &models.ExperimentConfig{
			ServiceType:       "payment",
			ControlValue:      1800,
			TestValue:         2100,
			DurationDays:      14,
			MinimumSampleSize: 1000,
			SignificanceLevel: 0.05,
			Power:             0.8,
		},
		Groups: []*models.ExperimentGroup{
			{ID: "control", Name: "Control", Role: models.GroupRoleControl, ThresholdValue: 1800, Allocation: 0.5},
			{ID: "variant_a", Name: "Variant A", Role: models.GroupRoleTest, ThresholdValue: 2100, Allocation: 0.5},
		},
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
}

func newTestChange(id, serviceType string, status models.ChangeStatus) *models.ThresholdChangeRecord {
	return &models.ThresholdChangeRecord{
		ChangeID:      id,
		ServiceType:   serviceType,
		PreviousValue: 1800,
		NewValue:      2100,
		Status:        status,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestMemoryStore_ExperimentRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	experiment := newTestExperiment("exp-1", models.ExperimentStatusDraft)
	require.NoError(t, store.SaveExperiment(ctx, experiment))

	got, err := store.GetExperiment(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, experiment.ID, got.ID)
	assert.Equal(t, experiment.Status, got.Status)
	assert.Len(t, got.Groups, 2)
	assert.Equal(t, "payment", got.Config.ServiceType)
}

func TestMemoryStore_GetExperimentNotFound(t *testing.T) {
	store := NewMemoryStore()

	_, err := store.GetExperiment(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStore_SaveExperimentValidation(t *testing.T) {
	store := NewMemoryStore()

	err := store.SaveExperiment(context.Background(), &models.Experiment{})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestMemoryStore_StoredRecordsAreIsolated(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	experiment := newTestExperiment("exp-1", models.ExperimentStatusDraft)
	require.NoError(t, store.SaveExperiment(ctx, experiment))

	// Mutating the original must not affect the stored copy.
	experiment.Status = models.ExperimentStatusFailed

	got, err := store.GetExperiment(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusDraft, got.Status)

	// Mutating a returned copy must not affect the stored record either.
	got.Status = models.ExperimentStatusRunning

	again, err := store.GetExperiment(ctx, "exp-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExperimentStatusDraft, again.Status)
}

func TestMemoryStore_ListExperimentsByStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveExperiment(ctx, newTestExperiment("exp-1", models.ExperimentStatusRunning)))
	require.NoError(t, store.SaveExperiment(ctx, newTestExperiment("exp-2", models.ExperimentStatusDraft)))
	require.NoError(t, store.SaveExperiment(ctx, newTestExperiment("exp-3", models.ExperimentStatusRunning)))

	running, err := store.ListExperiments(ctx, models.ExperimentStatusRunning)
	require.NoError(t, err)
	assert.Len(t, running, 2)

	all, err := store.ListExperiments(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryStore_ChangeRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	change := newTestChange("chg-1", "payment", models.ChangeStatusPending)
	change.RollbackCriteria = &models.RollbackCriteria{
		MaxViolationRate:       0.25,
		MaxResponseDegradation: 0.3,
		BaselineResponseMs:     450,
	}
	require.NoError(t, store.SaveChange(ctx, change))

	got, err := store.GetChange(ctx, "chg-1")
	require.NoError(t, err)
	assert.Equal(t, 1800.0, got.PreviousValue)
	assert.Equal(t, 2100.0, got.NewValue)
	require.NotNil(t, got.RollbackCriteria)
	assert.Equal(t, 0.25, got.RollbackCriteria.MaxViolationRate)

	_, err = store.GetChange(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestMemoryStore_ListActiveChanges(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.SaveChange(ctx, newTestChange("chg-1", "payment", models.ChangeStatusApplied)))
	require.NoError(t, store.SaveChange(ctx, newTestChange("chg-2", "payment", models.ChangeStatusSuccess)))
	require.NoError(t, store.SaveChange(ctx, newTestChange("chg-3", "payment", models.ChangeStatusMonitoring)))
	require.NoError(t, store.SaveChange(ctx, newTestChange("chg-4", "fraud", models.ChangeStatusApplied)))

	active, err := store.ListActiveChanges(ctx, "payment")
	require.NoError(t, err)
	assert.Len(t, active, 2)

	all, err := store.ListChanges(ctx, "payment")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryStore_RollbackLog(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	op1 := &models.RollbackOperation{
		RollbackID:       "rb-1",
		OriginalChangeID: "chg-1",
		Trigger:          models.RollbackTriggerViolationRate,
		Success:          true,
		ExecutedAt:       time.Now().UTC(),
	}
	op2 := &models.RollbackOperation{
		RollbackID:       "rb-2",
		OriginalChangeID: "chg-2",
		Trigger:          models.RollbackTriggerManual,
		Success:          true,
		ExecutedAt:       time.Now().UTC().Add(time.Second),
	}

	require.NoError(t, store.SaveRollback(ctx, op1))
	require.NoError(t, store.SaveRollback(ctx, op2))

	forChange, err := store.ListRollbacks(ctx, "chg-1")
	require.NoError(t, err)
	require.Len(t, forChange, 1)
	assert.Equal(t, models.RollbackTriggerViolationRate, forChange[0].Trigger)

	all, err := store.ListRollbacks(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryStore_AlertLog(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC()
	for i, rule := range []string{"low_traffic", "early_significance", "high_bounce_rate"} {
		alert := &models.Alert{
			ID:        rule,
			RuleName:  rule,
			EntityID:  "exp-1",
			Severity:  models.AlertSeverityWarning,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.SaveAlert(ctx, alert))
	}

	alerts, err := store.ListAlerts(ctx, "exp-1")
	require.NoError(t, err)
	require.Len(t, alerts, 3)
	assert.Equal(t, "low_traffic", alerts[0].RuleName)
	assert.Equal(t, "high_bounce_rate", alerts[2].RuleName)

	none, err := store.ListAlerts(ctx, "exp-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRepositoryInterfaces(t *testing.T) {
	var _ ExperimentRepository = (*MemoryStore)(nil)
	var _ ChangeRepository = (*MemoryStore)(nil)
	var _ AlertRepository = (*MemoryStore)(nil)

	var _ ExperimentRepository = (*YDBStore)(nil)
	var _ ChangeRepository = (*YDBStore)(nil)
	var _ AlertRepository = (*YDBStore)(nil)
}
