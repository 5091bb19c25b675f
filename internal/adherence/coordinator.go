// Package adherence keeps the local adherence record table in step with
// Bridge: local writes are pushed in batches, remote pages are pulled without
// clobbering unsent local changes.
package adherence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/studysync/internal/bridge"
	"github.com/kalambet/studysync/internal/flight"
	"github.com/kalambet/studysync/internal/models"
	"github.com/kalambet/studysync/internal/storage"
)

const (
	DefaultPageSize  = 500
	DefaultBatchSize = 25
)

// Remote is the subset of the Bridge API the coordinator needs.
type Remote interface {
	SearchAdherenceRecords(ctx context.Context, studyID string, search models.AdherenceRecordsSearch) (models.AdherenceRecordList, error)
	UpdateAdherenceRecords(ctx context.Context, studyID string, records []models.AdherenceRecord) error
}

// Launcher runs fn in the background and tracks it until shutdown.
type Launcher interface {
	Go(fn func(ctx context.Context))
}

// Options tunes a Coordinator. Zero values pick the defaults.
type Options struct {
	PageSize  int
	BatchSize int
	// ClientData fills records created locally without client data.
	ClientData func() json.RawMessage
}

// PushResult counts the outcome of one upload pass.
type PushResult struct {
	Uploaded int `json:"uploaded"`
	Retry    int `json:"retry"`
	Failed   int `json:"failed"`
}

// SyncResult counts the outcome of a full sync pass.
type SyncResult struct {
	PushResult
	Pulled int `json:"pulled"`
	Total  int `json:"total"`
}

// Coordinator owns the adherence sync family. Passes are serialized;
// concurrent callers for the same study share one pass, which keeps running
// while at least one of them is still waiting.
type Coordinator struct {
	store      *storage.Store
	remote     Remote
	bg         Launcher
	pageSize   int
	batchSize  int
	clientData func() json.RawMessage
	logger     *slog.Logger

	passMu sync.Mutex
	flight flight.Group

	mu      sync.Mutex
	pushing map[string]bool
	rerun   map[string]bool

	pubMu     sync.Mutex
	obsMu     sync.Mutex
	observers map[string]map[uint64]*observer
	nextID    uint64
	closed    bool
}

func NewCoordinator(store *storage.Store, remote Remote, bg Launcher, opts Options) *Coordinator {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Coordinator{
		store:      store,
		remote:     remote,
		bg:         bg,
		pageSize:   opts.PageSize,
		batchSize:  opts.BatchSize,
		clientData: opts.ClientData,
		logger:     slog.Default(),
		pushing:    make(map[string]bool),
		rerun:      make(map[string]bool),
		observers:  make(map[string]map[uint64]*observer),
	}
}

// Sync uploads pending local records and then pulls every remote page into
// the cache. Upload failures are recorded on the rows and do not fail the
// pass; page failures are returned after the remaining pages are tried.
func (c *Coordinator) Sync(ctx context.Context, studyID string) (SyncResult, error) {
	v, err := c.flight.Do(ctx, "sync:"+studyID, func(ctx context.Context) (any, error) {
		c.passMu.Lock()
		defer c.passMu.Unlock()

		var res SyncResult
		push, err := c.processUpdatesLocked(ctx, studyID)
		res.PushResult = push
		if err != nil {
			return res, err
		}
		res.Pulled, res.Total, err = c.pullLocked(ctx, studyID)
		return res, err
	})
	res, _ := v.(SyncResult)
	return res, err
}

// ProcessUpdates uploads dirty records in batches.
func (c *Coordinator) ProcessUpdates(ctx context.Context, studyID string) (PushResult, error) {
	v, err := c.flight.Do(ctx, "push:"+studyID, func(ctx context.Context) (any, error) {
		c.passMu.Lock()
		defer c.passMu.Unlock()
		return c.processUpdatesLocked(ctx, studyID)
	})
	res, _ := v.(PushResult)
	return res, err
}

func (c *Coordinator) pullLocked(ctx context.Context, studyID string) (pulled, total int, err error) {
	search := models.AdherenceRecordsSearch{
		SortOrder:             models.SortDesc,
		PageSize:              c.pageSize,
		IncludeRepeats:        true,
		CurrentTimestampsOnly: true,
	}
	total = -1
	var errs []error
	for offset := 0; ; offset += c.pageSize {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		search.OffsetBy = offset
		page, err := c.remote.SearchAdherenceRecords(ctx, studyID, search)
		if err != nil {
			c.logger.Warn("loading adherence page failed", "study", studyID, "offset", offset, "error", err)
			errs = append(errs, fmt.Errorf("loading adherence page at offset %d: %w", offset, err))
			if total < 0 {
				break
			}
		} else {
			total = page.Total
			for _, rec := range page.Items {
				row, err := rowFromRecord(studyID, rec, false)
				if err != nil {
					return pulled, total, err
				}
				if _, err := c.store.UpsertAdherence(ctx, row, false); err != nil {
					return pulled, total, err
				}
				pulled++
			}
			if len(page.Items) > 0 {
				c.publish(ctx, studyID)
			}
		}
		if offset+c.pageSize >= total {
			break
		}
	}
	if total < 0 {
		total = 0
	}
	return pulled, total, errors.Join(errs...)
}

// processUpdatesLocked sends dirty rows in batches. A batch whose request has
// started is recorded even if ctx is cancelled meanwhile; later batches are
// skipped once ctx is done.
func (c *Coordinator) processUpdatesLocked(ctx context.Context, studyID string) (PushResult, error) {
	var res PushResult
	rows, err := c.store.ListDirtyAdherence(ctx, studyID)
	if err != nil {
		return res, err
	}

	for start := 0; start < len(rows); start += c.batchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		chunk := rows[start:min(start+c.batchSize, len(rows))]

		records := make([]models.AdherenceRecord, 0, len(chunk))
		sent := make([]storage.AdherenceRow, 0, len(chunk))
		for _, row := range chunk {
			var rec models.AdherenceRecord
			if err := json.Unmarshal([]byte(row.JSON), &rec); err != nil {
				c.logger.Warn("skipping undecodable adherence record", "instance", row.InstanceGuid, "error", err)
				continue
			}
			records = append(records, rec)
			sent = append(sent, row)
		}
		if len(records) == 0 {
			continue
		}

		detached := context.WithoutCancel(ctx)
		uploadErr := c.remote.UpdateAdherenceRecords(detached, studyID, records)
		status := bridge.Classify(uploadErr)
		if uploadErr != nil {
			c.logger.Warn("uploading adherence records failed",
				"study", studyID, "count", len(records), "status", status, "error", uploadErr)
		}
		for _, row := range sent {
			if _, err := c.store.MarkAdherenceSynced(detached, row, status, uploadErr != nil); err != nil {
				return res, err
			}
		}
		c.publish(detached, studyID)
		switch status {
		case storage.StatusSuccess:
			res.Uploaded += len(sent)
		case storage.StatusRetry:
			res.Retry += len(sent)
		default:
			res.Failed += len(sent)
		}
	}
	return res, nil
}

// CreateUpdate stores rec as a local change and schedules a background
// upload. It returns once the record is durable.
func (c *Coordinator) CreateUpdate(ctx context.Context, studyID string, rec models.AdherenceRecord) error {
	if rec.ClientData == nil && c.clientData != nil {
		rec.ClientData = c.clientData()
	}
	row, err := rowFromRecord(studyID, rec, true)
	if err != nil {
		return err
	}
	c.logger.Info("updating adherence record", "instance", rec.InstanceGuid, "finished", rec.FinishedOn != nil)
	if _, err := c.store.UpsertAdherence(ctx, row, true); err != nil {
		return fmt.Errorf("saving adherence record: %w", err)
	}
	c.publish(ctx, studyID)
	c.TriggerPush(studyID)
	return nil
}

// TriggerPush starts a background upload for studyID. A trigger arriving
// while an upload is running schedules exactly one more pass after it.
func (c *Coordinator) TriggerPush(studyID string) {
	if c.bg == nil {
		return
	}
	c.mu.Lock()
	if c.pushing[studyID] {
		c.rerun[studyID] = true
		c.mu.Unlock()
		return
	}
	c.pushing[studyID] = true
	c.mu.Unlock()

	c.bg.Go(func(ctx context.Context) {
		for {
			if _, err := c.ProcessUpdates(ctx, studyID); err != nil {
				c.logger.Warn("background adherence upload", "study", studyID, "error", err)
			}
			c.mu.Lock()
			if c.rerun[studyID] && ctx.Err() == nil {
				delete(c.rerun, studyID)
				c.mu.Unlock()
				continue
			}
			delete(c.rerun, studyID)
			delete(c.pushing, studyID)
			c.mu.Unlock()
			return
		}
	})
}

// Cached returns the record for one instance and start time.
func (c *Coordinator) Cached(ctx context.Context, studyID, instanceGuid string, startedOn time.Time) (models.AdherenceRecord, error) {
	rows, err := c.store.GetAdherence(ctx, studyID, instanceGuid)
	if err != nil {
		return models.AdherenceRecord{}, err
	}
	key := models.AdherenceRecord{StartedOn: startedOn}.StartedOnKey()
	for _, row := range rows {
		if row.StartedOn == key {
			return decodeRow(row)
		}
	}
	return models.AdherenceRecord{}, storage.ErrNotFound
}

// ForInstance returns every cached record for one session instance.
func (c *Coordinator) ForInstance(ctx context.Context, studyID, instanceGuid string) ([]models.AdherenceRecord, error) {
	rows, err := c.store.GetAdherence(ctx, studyID, instanceGuid)
	if err != nil {
		return nil, err
	}
	return decodeRows(rows)
}

// AllCached returns the cached records grouped by instance guid.
func (c *Coordinator) AllCached(ctx context.Context, studyID string) (map[string][]models.AdherenceRecord, error) {
	rows, err := c.store.ListAdherence(ctx, studyID)
	if err != nil {
		return nil, err
	}
	recs, err := decodeRows(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]models.AdherenceRecord)
	for _, r := range recs {
		out[r.InstanceGuid] = append(out[r.InstanceGuid], r)
	}
	return out, nil
}

// Pending returns the records not yet accepted by Bridge.
func (c *Coordinator) Pending(ctx context.Context, studyID string) ([]storage.AdherenceRow, error) {
	return c.store.ListDirtyAdherence(ctx, studyID)
}

// CompletedCount counts cached records with a finish time.
func (c *Coordinator) CompletedCount(ctx context.Context, studyID string) (int, error) {
	return c.store.CountFinishedAdherence(ctx, studyID)
}

func rowFromRecord(studyID string, rec models.AdherenceRecord, dirty bool) (storage.AdherenceRow, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return storage.AdherenceRow{}, fmt.Errorf("encoding adherence record %s: %w", rec.InstanceGuid, err)
	}
	return storage.AdherenceRow{
		StudyID:        studyID,
		InstanceGuid:   rec.InstanceGuid,
		StartedOn:      rec.StartedOnKey(),
		EventTimestamp: rec.EventTimestamp,
		Finished:       rec.FinishedOn != nil,
		JSON:           string(data),
		Status:         storage.StatusSuccess,
		NeedSave:       dirty,
	}, nil
}

func decodeRow(row storage.AdherenceRow) (models.AdherenceRecord, error) {
	var rec models.AdherenceRecord
	if err := json.Unmarshal([]byte(row.JSON), &rec); err != nil {
		return rec, fmt.Errorf("decoding adherence record %s: %w", row.InstanceGuid, err)
	}
	return rec, nil
}

func decodeRows(rows []storage.AdherenceRow) ([]models.AdherenceRecord, error) {
	out := make([]models.AdherenceRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := decodeRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
