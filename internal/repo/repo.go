package repo

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"teampulse/internal/domain"
	"teampulse/internal/store"
)

// Column names shared with the planning tool's tables. These mirror the
// record store's display columns, so renames here are breaking.
const (
	ColName           = "name"
	ColStatus         = "status"
	ColSprint         = "sprint"
	ColOwner          = "owner"
	ColBlockedContext = "blocked_context"
	ColBlockedBy      = "blocked_by"

	ColReporterID      = "reporter_id"
	ColReporterName    = "reporter_name"
	ColWorkItemRef     = "work_item_ref"
	ColWorkItemID      = "work_item_id"
	ColWorkItemShard   = "work_item_shard"
	ColDescription     = "description"
	ColUrgency         = "urgency"
	ColNotes           = "notes"
	ColState           = "state"
	ColClaimedBy       = "claimed_by"
	ColClaimedAt       = "claimed_at"
	ColResolvedBy      = "resolved_by"
	ColResolvedAt      = "resolved_at"
	ColResolutionNotes = "resolution_notes"
	ColEscalatedAt     = "escalated_at"
	ColFollowUpSentAt  = "follow_up_sent_at"
	ColUpdatedAt       = "updated_at"
)

var ErrNotFound = store.ErrNotFound

// Repo maps domain types onto the narrow record-store contract.
// BlockerTable is the partition holding blocker rows; work-item shards
// are passed per call because the catalog spans several of them.
type Repo struct {
	Store        store.Store
	BlockerTable string
}

func (r Repo) InsertBlocker(ctx context.Context, b domain.Blocker) (string, error) {
	id, err := r.Store.Insert(ctx, r.BlockerTable, blockerFields(b))
	if err != nil {
		return "", fmt.Errorf("insert blocker: %w", err)
	}
	return id, nil
}

func (r Repo) GetBlocker(ctx context.Context, id string) (domain.Blocker, error) {
	row, err := r.Store.Get(ctx, r.BlockerTable, id)
	if err != nil {
		return domain.Blocker{}, err
	}
	return scanBlocker(row), nil
}

func (r Repo) UpdateBlocker(ctx context.Context, b domain.Blocker) error {
	if b.ID == "" {
		return fmt.Errorf("update blocker: id required")
	}
	return r.Store.Update(ctx, r.BlockerTable, b.ID, blockerFields(b))
}

// BlockerFilters narrows ListBlockers. Zero values mean "any".
type BlockerFilters struct {
	ReporterID string
	WorkItemID string
	State      domain.BlockerState
	OpenOnly   bool
}

// ListBlockers returns blockers newest-first.
func (r Repo) ListBlockers(ctx context.Context, f BlockerFilters) ([]domain.Blocker, error) {
	match := store.Fields{}
	if f.ReporterID != "" {
		match[ColReporterID] = f.ReporterID
	}
	if f.WorkItemID != "" {
		match[ColWorkItemID] = f.WorkItemID
	}
	if f.State != "" {
		match[ColState] = string(f.State)
	}
	rows, err := r.Store.Query(ctx, r.BlockerTable, match)
	if err != nil {
		return nil, fmt.Errorf("list blockers: %w", err)
	}
	var res []domain.Blocker
	for _, row := range rows {
		b := scanBlocker(row)
		if f.OpenOnly && !b.Open() {
			continue
		}
		res = append(res, b)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt > res[j].CreatedAt })
	return res, nil
}

// OpenBlockersForWorkItem returns every non-resolved blocker that
// references the given work item. Used by the synchronizer before it
// clears a blocked flag.
func (r Repo) OpenBlockersForWorkItem(ctx context.Context, workItemID string) ([]domain.Blocker, error) {
	return r.ListBlockers(ctx, BlockerFilters{WorkItemID: workItemID, OpenOnly: true})
}

func (r Repo) GetWorkItem(ctx context.Context, shard, id string) (domain.WorkItem, error) {
	row, err := r.Store.Get(ctx, shard, id)
	if err != nil {
		return domain.WorkItem{}, err
	}
	return scanWorkItem(shard, row), nil
}

// WorkItemsInShard returns every work item in one partition.
func (r Repo) WorkItemsInShard(ctx context.Context, shard string) ([]domain.WorkItem, error) {
	rows, err := r.Store.Query(ctx, shard, nil)
	if err != nil {
		return nil, err
	}
	items := make([]domain.WorkItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, scanWorkItem(shard, row))
	}
	return items, nil
}

// UpdateWorkItemStatus writes the derived status columns on a work item.
func (r Repo) UpdateWorkItemStatus(ctx context.Context, shard, id string, status domain.WorkItemStatus, blockedContext, blockedBy string) error {
	return r.Store.Update(ctx, shard, id, store.Fields{
		ColStatus:         string(status),
		ColBlockedContext: blockedContext,
		ColBlockedBy:      blockedBy,
	})
}

func blockerFields(b domain.Blocker) store.Fields {
	f := store.Fields{
		ColReporterID:      b.ReporterID,
		ColReporterName:    b.ReporterName,
		ColWorkItemRef:     b.WorkItemRef,
		ColWorkItemID:      b.WorkItemID,
		ColWorkItemShard:   b.WorkItemShard,
		ColDescription:     b.Description,
		ColUrgency:         string(b.Urgency),
		ColNotes:           b.Notes,
		ColState:           string(b.State),
		ColClaimedBy:       b.ClaimedBy,
		ColClaimedAt:       b.ClaimedAt,
		ColResolvedBy:      b.ResolvedBy,
		ColResolvedAt:      b.ResolvedAt,
		ColResolutionNotes: b.ResolutionNotes,
		ColEscalatedAt:     b.EscalatedAt,
		ColFollowUpSentAt:  b.FollowUpSentAt,
		ColUpdatedAt:       b.UpdatedAt,
	}
	if b.Sprint != nil {
		f[ColSprint] = strconv.Itoa(*b.Sprint)
	}
	return f
}

func scanBlocker(row store.Row) domain.Blocker {
	f := row.Fields
	b := domain.Blocker{
		ID:              row.ID,
		ReporterID:      f[ColReporterID],
		ReporterName:    f[ColReporterName],
		WorkItemRef:     f[ColWorkItemRef],
		WorkItemID:      f[ColWorkItemID],
		WorkItemShard:   f[ColWorkItemShard],
		Description:     f[ColDescription],
		Urgency:         domain.Urgency(f[ColUrgency]),
		Notes:           f[ColNotes],
		State:           domain.BlockerState(f[ColState]),
		ClaimedBy:       f[ColClaimedBy],
		ClaimedAt:       f[ColClaimedAt],
		ResolvedBy:      f[ColResolvedBy],
		ResolvedAt:      f[ColResolvedAt],
		ResolutionNotes: f[ColResolutionNotes],
		EscalatedAt:     f[ColEscalatedAt],
		FollowUpSentAt:  f[ColFollowUpSentAt],
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       f[ColUpdatedAt],
	}
	if v, err := strconv.Atoi(f[ColSprint]); err == nil {
		b.Sprint = &v
	}
	return b
}

func scanWorkItem(shard string, row store.Row) domain.WorkItem {
	f := row.Fields
	w := domain.WorkItem{
		ID:             row.ID,
		Shard:          shard,
		Name:           f[ColName],
		Status:         domain.WorkItemStatus(f[ColStatus]),
		Owner:          f[ColOwner],
		BlockedContext: f[ColBlockedContext],
		BlockedBy:      f[ColBlockedBy],
	}
	if v, err := strconv.Atoi(f[ColSprint]); err == nil {
		w.Sprint = &v
	}
	return w
}
