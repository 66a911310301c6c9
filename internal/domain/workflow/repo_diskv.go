package workflow

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/peterbourgon/diskv/v3"
)

// DiskvPersistence is an on-disk Persistence backend for single-node
// deployments. The version check and write happen under one mutex, so only
// one process may own a directory.
type DiskvPersistence struct {
	mu      sync.Mutex
	records *diskv.Diskv
	active  *diskv.Diskv
}

func NewDiskvPersistence(path string) *DiskvPersistence {
	flatTransform := func(s string) []string { return []string{} }
	return &DiskvPersistence{
		records: diskv.New(diskv.Options{
			BasePath:     filepath.Join(path, "workflow", "instance"),
			Transform:    flatTransform,
			CacheSizeMax: 1024 * 1024,
		}),
		active: diskv.New(diskv.Options{
			BasePath:     filepath.Join(path, "workflow", "active"),
			Transform:    flatTransform,
			CacheSizeMax: 64 * 1024,
		}),
	}
}

// Entity ids come from callers, so they are hex-encoded to keep keys safe as
// file names.
func diskvActiveKey(entityID string, t WorkflowType) string {
	return string(t) + "_" + hex.EncodeToString([]byte(entityID))
}

func (d *DiskvPersistence) Load(_ context.Context, id string) (Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.load(id)
}

// diskvRecordKey reports whether id is usable as a file name inside the
// records directory.
func diskvRecordKey(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

func (d *DiskvPersistence) load(id string) (Record, error) {
	if !diskvRecordKey(id) || !d.records.Has(id) {
		return Record{}, &NotFoundError{Kind: "workflow instance", ID: id}
	}
	raw, err := d.records.Read(id)
	if err != nil {
		return Record{}, fmt.Errorf("read workflow instance %s: %w", id, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal workflow record %s: %w", id, err)
	}
	return rec, nil
}

func (d *DiskvPersistence) Save(_ context.Context, rec Record, expectedVersion int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	akey := diskvActiveKey(rec.EntityID, rec.WorkflowType)
	var openID string
	if d.active.Has(akey) {
		raw, err := d.active.Read(akey)
		if err != nil {
			return fmt.Errorf("read active index: %w", err)
		}
		openID = string(raw)
	}

	if !diskvRecordKey(rec.ID) {
		return fmt.Errorf("invalid workflow instance id %q", rec.ID)
	}
	if expectedVersion == 0 {
		if d.records.Has(rec.ID) {
			return &VersionConflictError{InstanceID: rec.ID, Expected: 0}
		}
		if rec.Active && openID != "" && openID != rec.ID {
			return &DuplicateActiveInstanceError{EntityID: rec.EntityID, WorkflowType: rec.WorkflowType, ExistingID: openID}
		}
	} else {
		stored, err := d.load(rec.ID)
		if err != nil {
			return err
		}
		if stored.Version != expectedVersion {
			return &VersionConflictError{InstanceID: rec.ID, Expected: expectedVersion}
		}
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal workflow record: %w", err)
	}
	if err := d.records.Write(rec.ID, raw); err != nil {
		return fmt.Errorf("write workflow instance %s: %w", rec.ID, err)
	}
	if rec.Active {
		if err := d.active.Write(akey, []byte(rec.ID)); err != nil {
			return fmt.Errorf("write active index: %w", err)
		}
	} else if openID == rec.ID {
		if err := d.active.Erase(akey); err != nil {
			return fmt.Errorf("erase active index: %w", err)
		}
	}
	return nil
}

func (d *DiskvPersistence) FindActive(_ context.Context, entityID string, t WorkflowType) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	akey := diskvActiveKey(entityID, t)
	if !d.active.Has(akey) {
		return "", nil
	}
	raw, err := d.active.Read(akey)
	if err != nil {
		return "", fmt.Errorf("read active index: %w", err)
	}
	return string(raw), nil
}
