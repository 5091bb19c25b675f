package storage

import (
	"context"
	"fmt"
	"time"
)

const adherenceColumns = `study_id, instance_guid, started_on, event_timestamp, finished, json, status, need_save, last_update`

func scanAdherence(row scanner) (AdherenceRow, error) {
	var a AdherenceRow
	var status, lastUpdate string
	var finished, needSave int
	if err := row.Scan(&a.StudyID, &a.InstanceGuid, &a.StartedOn, &a.EventTimestamp, &finished,
		&a.JSON, &status, &needSave, &lastUpdate); err != nil {
		return AdherenceRow{}, err
	}
	a.Finished = finished != 0
	a.Status = ResourceStatus(status)
	a.NeedSave = needSave != 0
	var err error
	if a.LastUpdate, err = time.Parse(timeLayout, lastUpdate); err != nil {
		return AdherenceRow{}, fmt.Errorf("parsing last_update for %s: %w", a.InstanceGuid, err)
	}
	return a, nil
}

// UpsertAdherence stores a. A dirty row is only replaced when overwriteDirty
// is set. Reports whether a row was written.
func (s *Store) UpsertAdherence(ctx context.Context, a AdherenceRow, overwriteDirty bool) (bool, error) {
	status := a.Status
	if status == "" {
		status = StatusSuccess
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO adherence_records (`+adherenceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(study_id, instance_guid, started_on) DO UPDATE SET
			event_timestamp = excluded.event_timestamp,
			finished = excluded.finished,
			json = excluded.json,
			status = excluded.status,
			need_save = excluded.need_save,
			last_update = excluded.last_update
		WHERE adherence_records.need_save = 0 OR ? = 1`,
		a.StudyID, a.InstanceGuid, a.StartedOn, a.EventTimestamp, boolInt(a.Finished),
		a.JSON, string(status), boolInt(a.NeedSave), formatTime(a.LastUpdate), boolInt(overwriteDirty),
	)
	if err != nil {
		return false, fmt.Errorf("upserting adherence record %s: %w", a.InstanceGuid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking upserted rows: %w", err)
	}
	return n > 0, nil
}

// GetAdherence returns all records for one session instance, oldest start first.
func (s *Store) GetAdherence(ctx context.Context, studyID, instanceGuid string) ([]AdherenceRow, error) {
	return s.queryAdherence(ctx, `SELECT `+adherenceColumns+` FROM adherence_records
		WHERE study_id = ? AND instance_guid = ? ORDER BY started_on`, studyID, instanceGuid)
}

func (s *Store) ListAdherence(ctx context.Context, studyID string) ([]AdherenceRow, error) {
	return s.queryAdherence(ctx, `SELECT `+adherenceColumns+` FROM adherence_records
		WHERE study_id = ? ORDER BY instance_guid, started_on`, studyID)
}

func (s *Store) ListDirtyAdherence(ctx context.Context, studyID string) ([]AdherenceRow, error) {
	return s.queryAdherence(ctx, `SELECT `+adherenceColumns+` FROM adherence_records
		WHERE study_id = ? AND need_save = 1 ORDER BY started_on`, studyID)
}

func (s *Store) queryAdherence(ctx context.Context, query string, args ...any) ([]AdherenceRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying adherence records: %w", err)
	}
	defer rows.Close()

	var out []AdherenceRow
	for rows.Next() {
		a, err := scanAdherence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountFinishedAdherence counts records with a finish time.
func (s *Store) CountFinishedAdherence(ctx context.Context, studyID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM adherence_records WHERE study_id = ? AND finished = 1`, studyID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting finished adherence records: %w", err)
	}
	return n, nil
}

// MarkAdherenceSynced is the adherence counterpart of MarkResourceSynced.
func (s *Store) MarkAdherenceSynced(ctx context.Context, a AdherenceRow, status ResourceStatus, needSave bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE adherence_records SET status = ?, need_save = ?, last_update = ?
		WHERE study_id = ? AND instance_guid = ? AND started_on = ? AND json = ?`,
		string(status), boolInt(needSave), formatTime(time.Time{}),
		a.StudyID, a.InstanceGuid, a.StartedOn, a.JSON)
	if err != nil {
		return false, fmt.Errorf("marking adherence record %s synced: %w", a.InstanceGuid, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
