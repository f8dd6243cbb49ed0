package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ydb-platform/ydb-go-sdk/v3"
	"github.com/ydb-platform/ydb-go-sdk/v3/table"
	"github.com/ydb-platform/ydb-go-sdk/v3/table/result/named"
	"github.com/ydb-platform/ydb-go-sdk/v3/table/types"

	"github.com/threshold-rollout-controller/trc/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// YDBStore implements ExperimentRepository, ChangeRepository and
// AlertRepository on YDB. Records are stored as JSON documents with
// indexed columns for the fields queries filter on.
type YDBStore struct {
	driver *ydb.Driver
}

// NewYDBStore connects to YDB and returns a store.
func NewYDBStore(ctx context.Context, connectionString string) (*YDBStore, error) {
	driver, err := ydb.Open(ctx, connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to YDB: %w", err)
	}
	return &YDBStore{driver: driver}, nil
}

// Close closes the YDB connection.
func (s *YDBStore) Close(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Close(ctx)
}

// InitializeSchema creates the tables. In real deployments the schema is
// applied separately; this exists for integration tests.
func (s *YDBStore) InitializeSchema(ctx context.Context) error {
	statements := strings.Split(schemaSQL, ";")

	return s.driver.Table().Do(ctx, func(ctx context.Context, session table.Session) error {
		for _, stmt := range statements {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" || strings.HasPrefix(stmt, "--") {
				continue
			}
			if err := session.ExecuteSchemeQuery(ctx, stmt); err != nil {
				return fmt.Errorf("failed to execute schema statement: %w", err)
			}
		}
		return nil
	})
}

// SaveExperiment upserts the experiment record.
func (s *YDBStore) SaveExperiment(ctx context.Context, experiment *models.Experiment) error {
	if experiment == nil || experiment.ID == "" {
		return fmt.Errorf("%w: experiment id is required", models.ErrValidation)
	}

	payload, err := json.Marshal(experiment)
	if err != nil {
		return fmt.Errorf("failed to marshal experiment: %w", err)
	}

	query := `
		DECLARE $id AS Utf8;
		DECLARE $service_type AS Utf8;
		DECLARE $status AS Utf8;
		DECLARE $payload AS Json;
		DECLARE $created_at AS Timestamp;
		DECLARE $updated_at AS Timestamp;

		UPSERT INTO experiments (id, service_type, status, payload, created_at, updated_at)
		VALUES ($id, $service_type, $status, $payload, $created_at, $updated_at);`

	return s.execute(ctx, query, table.NewQueryParameters(
		table.ValueParam("$id", types.TextValue(experiment.ID)),
		table.ValueParam("$service_type", types.TextValue(experiment.Config.ServiceType)),
		table.ValueParam("$status", types.TextValue(string(experiment.Status))),
		table.ValueParam("$payload", types.JSONValue(string(payload))),
		table.ValueParam("$created_at", types.TimestampValueFromTime(experiment.CreatedAt)),
		table.ValueParam("$updated_at", types.TimestampValueFromTime(time.Now().UTC())),
	))
}

// GetExperiment returns the experiment or ErrNotFound.
func (s *YDBStore) GetExperiment(ctx context.Context, id string) (*models.Experiment, error) {
	query := `
		DECLARE $id AS Utf8;
		SELECT payload FROM experiments WHERE id = $id;`

	payloads, err := s.queryPayloads(ctx, query, table.NewQueryParameters(
		table.ValueParam("$id", types.TextValue(id)),
	))
	if err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("%w: experiment %s", models.ErrNotFound, id)
	}

	var experiment models.Experiment
	if err := json.Unmarshal([]byte(payloads[0]), &experiment); err != nil {
		return nil, fmt.Errorf("failed to unmarshal experiment: %w", err)
	}
	return &experiment, nil
}

// ListExperiments returns experiments, optionally filtered by status.
func (s *YDBStore) ListExperiments(ctx context.Context, status models.ExperimentStatus) ([]*models.Experiment, error) {
	query := `
		DECLARE $status AS Utf8;
		SELECT payload FROM experiments
		WHERE $status = "" OR status = $status
		ORDER BY created_at;`

	payloads, err := s.queryPayloads(ctx, query, table.NewQueryParameters(
		table.ValueParam("$status", types.TextValue(string(status))),
	))
	if err != nil {
		return nil, err
	}

	experiments := make([]*models.Experiment, 0, len(payloads))
	for _, payload := range payloads {
		var experiment models.Experiment
		if err := json.Unmarshal([]byte(payload), &experiment); err != nil {
			return nil, fmt.Errorf("failed to unmarshal experiment: %w", err)
		}
		experiments = append(experiments, &experiment)
	}
	return experiments, nil
}

// SaveChange upserts the threshold change record.
func (s *YDBStore) SaveChange(ctx context.Context, change *models.ThresholdChangeRecord) error {
	if change == nil || change.ChangeID == "" {
		return fmt.Errorf("%w: change id is required", models.ErrValidation)
	}

	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}

	query := `
		DECLARE $change_id AS Utf8;
		DECLARE $service_type AS Utf8;
		DECLARE $status AS Utf8;
		DECLARE $payload AS Json;
		DECLARE $created_at AS Timestamp;
		DECLARE $updated_at AS Timestamp;

		UPSERT INTO threshold_changes (change_id, service_type, status, payload, created_at, updated_at)
		VALUES ($change_id, $service_type, $status, $payload, $created_at, $updated_at);`

	return s.execute(ctx, query, table.NewQueryParameters(
		table.ValueParam("$change_id", types.TextValue(change.ChangeID)),
		table.ValueParam("$service_type", types.TextValue(change.ServiceType)),
		table.ValueParam("$status", types.TextValue(string(change.Status))),
		table.ValueParam("$payload", types.JSONValue(string(payload))),
		table.ValueParam("$created_at", types.TimestampValueFromTime(change.CreatedAt)),
		table.ValueParam("$updated_at", types.TimestampValueFromTime(time.Now().UTC())),
	))
}

// GetChange returns the change record or ErrNotFound.
func (s *YDBStore) GetChange(ctx context.Context, changeID string) (*models.ThresholdChangeRecord, error) {
	query := `
		DECLARE $change_id AS Utf8;
		SELECT payload FROM threshold_changes WHERE change_id = $change_id;`

	payloads, err := s.queryPayloads(ctx, query, table.NewQueryParameters(
		table.ValueParam("$change_id", types.TextValue(changeID)),
	))
	if err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("%w: change %s", models.ErrNotFound, changeID)
	}

	var change models.ThresholdChangeRecord
	if err := json.Unmarshal([]byte(payloads[0]), &change); err != nil {
		return nil, fmt.Errorf("failed to unmarshal change: %w", err)
	}
	return &change, nil
}

// ListChanges returns all change records for a service type.
func (s *YDBStore) ListChanges(ctx context.Context, serviceType string) ([]*models.ThresholdChangeRecord, error) {
	query := `
		DECLARE $service_type AS Utf8;
		SELECT payload FROM threshold_changes
		WHERE $service_type = "" OR service_type = $service_type
		ORDER BY created_at;`

	return s.queryChanges(ctx, query, table.NewQueryParameters(
		table.ValueParam("$service_type", types.TextValue(serviceType)),
	))
}

// ListActiveChanges returns applied or monitoring changes for a service type.
func (s *YDBStore) ListActiveChanges(ctx context.Context, serviceType string) ([]*models.ThresholdChangeRecord, error) {
	query := `
		DECLARE $service_type AS Utf8;
		SELECT payload FROM threshold_changes
		WHERE ($service_type = "" OR service_type = $service_type)
		  AND status IN ("applied", "monitoring")
		ORDER BY created_at;`

	return s.queryChanges(ctx, query, table.NewQueryParameters(
		table.ValueParam("$service_type", types.TextValue(serviceType)),
	))
}

func (s *YDBStore) queryChanges(ctx context.Context, query string, params *table.QueryParameters) ([]*models.ThresholdChangeRecord, error) {
	payloads, err := s.queryPayloads(ctx, query, params)
	if err != nil {
		return nil, err
	}

	changes := make([]*models.ThresholdChangeRecord, 0, len(payloads))
	for _, payload := range payloads {
		var change models.ThresholdChangeRecord
		if err := json.Unmarshal([]byte(payload), &change); err != nil {
			return nil, fmt.Errorf("failed to unmarshal change: %w", err)
		}
		changes = append(changes, &change)
	}
	return changes, nil
}

// SaveRollback appends a rollback operation record.
func (s *YDBStore) SaveRollback(ctx context.Context, op *models.RollbackOperation) error {
	if op == nil || op.RollbackID == "" {
		return fmt.Errorf("%w: rollback id is required", models.ErrValidation)
	}

	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal rollback: %w", err)
	}

	query := `
		DECLARE $rollback_id AS Utf8;
		DECLARE $change_id AS Utf8;
		DECLARE $payload AS Json;
		DECLARE $executed_at AS Timestamp;

		UPSERT INTO rollback_operations (rollback_id, change_id, payload, executed_at)
		VALUES ($rollback_id, $change_id, $payload, $executed_at);`

	return s.execute(ctx, query, table.NewQueryParameters(
		table.ValueParam("$rollback_id", types.TextValue(op.RollbackID)),
		table.ValueParam("$change_id", types.TextValue(op.OriginalChangeID)),
		table.ValueParam("$payload", types.JSONValue(string(payload))),
		table.ValueParam("$executed_at", types.TimestampValueFromTime(op.ExecutedAt)),
	))
}

// ListRollbacks returns rollback operations for a change.
func (s *YDBStore) ListRollbacks(ctx context.Context, changeID string) ([]*models.RollbackOperation, error) {
	query := `
		DECLARE $change_id AS Utf8;
		SELECT payload FROM rollback_operations
		WHERE $change_id = "" OR change_id = $change_id
		ORDER BY executed_at;`

	payloads, err := s.queryPayloads(ctx, query, table.NewQueryParameters(
		table.ValueParam("$change_id", types.TextValue(changeID)),
	))
	if err != nil {
		return nil, err
	}

	ops := make([]*models.RollbackOperation, 0, len(payloads))
	for _, payload := range payloads {
		var op models.RollbackOperation
		if err := json.Unmarshal([]byte(payload), &op); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rollback: %w", err)
		}
		ops = append(ops, &op)
	}
	return ops, nil
}

// SaveAlert appends an alert to the log.
func (s *YDBStore) SaveAlert(ctx context.Context, alert *models.Alert) error {
	if alert == nil || alert.ID == "" {
		return fmt.Errorf("%w: alert id is required", models.ErrValidation)
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	query := `
		DECLARE $id AS Utf8;
		DECLARE $entity_id AS Utf8;
		DECLARE $payload AS Json;
		DECLARE $triggered_at AS Timestamp;

		UPSERT INTO alerts (id, entity_id, payload, triggered_at)
		VALUES ($id, $entity_id, $payload, $triggered_at);`

	return s.execute(ctx, query, table.NewQueryParameters(
		table.ValueParam("$id", types.TextValue(alert.ID)),
		table.ValueParam("$entity_id", types.TextValue(alert.EntityID)),
		table.ValueParam("$payload", types.JSONValue(string(payload))),
		table.ValueParam("$triggered_at", types.TimestampValueFromTime(alert.Timestamp)),
	))
}

// ListAlerts returns alerts for an entity, oldest first.
func (s *YDBStore) ListAlerts(ctx context.Context, entityID string) ([]*models.Alert, error) {
	query := `
		DECLARE $entity_id AS Utf8;
		SELECT payload FROM alerts
		WHERE $entity_id = "" OR entity_id = $entity_id
		ORDER BY triggered_at;`

	payloads, err := s.queryPayloads(ctx, query, table.NewQueryParameters(
		table.ValueParam("$entity_id", types.TextValue(entityID)),
	))
	if err != nil {
		return nil, err
	}

	alerts := make([]*models.Alert, 0, len(payloads))
	for _, payload := range payloads {
		var alert models.Alert
		if err := json.Unmarshal([]byte(payload), &alert); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alert: %w", err)
		}
		alerts = append(alerts, &alert)
	}
	return alerts, nil
}

func (s *YDBStore) execute(ctx context.Context, query string, params *table.QueryParameters) error {
	err := s.driver.Table().Do(ctx, func(ctx context.Context, session table.Session) error {
		_, _, err := session.Execute(ctx, table.DefaultTxControl(), query, params)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrExternalWrite, err)
	}
	return nil
}

func (s *YDBStore) queryPayloads(ctx context.Context, query string, params *table.QueryParameters) ([]string, error) {
	var payloads []string

	err := s.driver.Table().Do(ctx, func(ctx context.Context, session table.Session) error {
		_, res, err := session.Execute(ctx, table.DefaultTxControl(), query, params)
		if err != nil {
			return err
		}
		defer res.Close()

		payloads = payloads[:0]
		for res.NextResultSet(ctx) {
			for res.NextRow() {
				var payload string
				if err := res.ScanNamed(named.OptionalWithDefault("payload", &payload)); err != nil {
					return err
				}
				payloads = append(payloads, payload)
			}
		}
		return res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	return payloads, nil
}
