package app

import (
	"context"
	"encoding/json"

	"enviador/internal/api"
	"enviador/internal/jobs"
	"enviador/internal/storage"
)

// jobArchive stores finished job snapshots in the configured storage.
type jobArchive struct {
	store storage.Store
}

func (a jobArchive) SaveJob(ctx context.Context, j jobs.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return a.store.SaveJob(ctx, storage.JobRecord{
		ID:         j.ID,
		Owner:      j.Owner,
		State:      string(j.State),
		FinishedAt: j.FinishedAt,
		Data:       data,
	})
}

func (a jobArchive) LoadJob(ctx context.Context, id string) (jobs.Job, bool, error) {
	rec, ok, err := a.store.LoadJob(ctx, id)
	if err != nil || !ok {
		return jobs.Job{}, false, err
	}
	var j jobs.Job
	if err := json.Unmarshal(rec.Data, &j); err != nil {
		return jobs.Job{}, false, err
	}
	return j, true, nil
}

func auditEntry(a api.Audit) storage.AuditEntry {
	return storage.AuditEntry{
		At:      a.At,
		Owner:   a.Owner,
		Action:  a.Action,
		JobID:   a.JobID,
		Channel: a.Channel,
		Total:   a.Total,
		OK:      a.OK,
		Fail:    a.Fail,
		Error:   a.Error,
		TookMS:  a.Took.Milliseconds(),
	}
}
