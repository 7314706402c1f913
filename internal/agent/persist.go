// ABOUTME: Repository backed by store.Store, converting session records to rows
// ABOUTME: Also records the transition history and closes sessions orphaned by a restart

package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/nimrod-master/internal/protocol"
	"github.com/2389/nimrod-master/internal/store"
)

// StoreRepository persists sessions in a store.Store.
type StoreRepository struct {
	store store.Store
}

// NewStoreRepository wraps s.
func NewStoreRepository(s store.Store) *StoreRepository {
	return &StoreRepository{store: s}
}

// Save writes rec.
func (r *StoreRepository) Save(ctx context.Context, rec Record) error {
	return r.store.SaveAgent(ctx, toStoreRecord(rec))
}

// AppendTransition adds to the agent's state history.
func (r *StoreRepository) AppendTransition(ctx context.Context, id uuid.UUID, from, to State, at time.Time) error {
	return r.store.AppendTransition(ctx, &store.Transition{
		AgentID:   id.String(),
		FromState: from.String(),
		ToState:   to.String(),
		CreatedAt: at,
	})
}

// Load reads one record.
func (r *StoreRepository) Load(ctx context.Context, id uuid.UUID) (Record, error) {
	row, err := r.store.GetAgent(ctx, id.String())
	if err != nil {
		return Record{}, err
	}
	return fromStoreRecord(row)
}

// List reads up to limit records, oldest first.
func (r *StoreRepository) List(ctx context.Context, limit int) ([]Record, error) {
	rows, err := r.store.ListAgents(ctx, limit)
	if err != nil {
		return nil, err
	}
	recs := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec, err := fromStoreRecord(row)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// CloseOrphans marks every persisted session that is not in Shutdown as
// disconnected. Sessions do not survive a restart, so such rows belong to
// agents the master can no longer reach. It returns how many were closed.
func (r *StoreRepository) CloseOrphans(ctx context.Context, now time.Time) (int, error) {
	recs, err := r.List(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("listing agents: %w", err)
	}
	closed := 0
	for _, rec := range recs {
		if rec.State == StateShutdown {
			continue
		}
		from := rec.State
		rec.State = StateShutdown
		rec.ShutdownReason = protocol.ReasonHostSignal
		rec.ShutdownSignal = -1
		rec.JobUUID = uuid.Nil
		rec.UpdatedAt = now
		if err := r.Save(ctx, rec); err != nil {
			return closed, fmt.Errorf("closing agent %s: %w", rec.ID, err)
		}
		if err := r.AppendTransition(ctx, rec.ID, from, StateShutdown, now); err != nil {
			return closed, fmt.Errorf("closing agent %s: %w", rec.ID, err)
		}
		closed++
	}
	return closed, nil
}

func toStoreRecord(rec Record) *store.AgentRecord {
	row := &store.AgentRecord{
		ID:             rec.ID.String(),
		State:          rec.State.String(),
		Queue:          rec.Queue,
		LastHeardFrom:  rec.LastHeardFrom,
		ShutdownReason: string(rec.ShutdownReason),
		ShutdownSignal: rec.ShutdownSignal,
		ConnectionTime: rec.ConnectionTime,
		CreationTime:   rec.CreationTime,
		ExpiryTime:     rec.ExpiryTime,
		Expired:        rec.Expired,
		UpdatedAt:      rec.UpdatedAt,
	}
	if rec.UUID != uuid.Nil {
		row.UUID = rec.UUID.String()
	}
	if rec.JobUUID != uuid.Nil {
		row.JobUUID = rec.JobUUID.String()
	}
	return row
}

func fromStoreRecord(row *store.AgentRecord) (Record, error) {
	rec := Record{
		Queue:          row.Queue,
		LastHeardFrom:  row.LastHeardFrom,
		ShutdownReason: protocol.ShutdownReason(row.ShutdownReason),
		ShutdownSignal: row.ShutdownSignal,
		ConnectionTime: row.ConnectionTime,
		CreationTime:   row.CreationTime,
		ExpiryTime:     row.ExpiryTime,
		Expired:        row.Expired,
		UpdatedAt:      row.UpdatedAt,
	}
	var err error
	if rec.ID, err = uuid.Parse(row.ID); err != nil {
		return Record{}, fmt.Errorf("agent id %q: %w", row.ID, err)
	}
	if rec.State, err = ParseState(row.State); err != nil {
		return Record{}, err
	}
	if row.UUID != "" {
		if rec.UUID, err = uuid.Parse(row.UUID); err != nil {
			return Record{}, fmt.Errorf("agent uuid %q: %w", row.UUID, err)
		}
	}
	if row.JobUUID != "" {
		if rec.JobUUID, err = uuid.Parse(row.JobUUID); err != nil {
			return Record{}, fmt.Errorf("job uuid %q: %w", row.JobUUID, err)
		}
	}
	return rec, nil
}
