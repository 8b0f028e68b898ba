// Package roomstate tracks two-party presence per room: a JSON record at
// room:<roomId> holding one slot per occupant. Heartbeats refresh a slot;
// the periodic sweep demotes silent slots and deletes rooms once either
// side is disconnected.
package roomstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"parley/internal/cache"
	"parley/internal/models"
	"parley/internal/observability"

	"github.com/redis/go-redis/v9"
)

const (
	// SilenceThreshold is how long a slot may go without a heartbeat
	// before the sweep demotes it one step.
	SilenceThreshold = 10 * time.Second

	// awardEvery is the heartbeat cadence at which engagement points are
	// granted.
	awardEvery = 10

	// casAttempts bounds the optimistic retry loop when a concurrent
	// writer touches the same record.
	casAttempts = 3
)

// Reason explains a rejected heartbeat.
type Reason string

const (
	ReasonRoomNotFound  Reason = "room_not_found"
	ReasonUserNotInRoom Reason = "user_not_in_room"
)

// HeartbeatResult is the outcome of one heartbeat ingestion.
type HeartbeatResult struct {
	OK        bool
	Reason    Reason
	Count     int
	PeerState models.OccupantState
}

// PointsAwarder credits engagement points to a user. Awards for ids
// without a persistent user row are silently absorbed by the store.
type PointsAwarder interface {
	AddPoints(ctx context.Context, userID string, points int) error
}

// Machine owns every read and write of the room:<roomId> records.
type Machine struct {
	rdb    *redis.Client
	points PointsAwarder
}

// NewMachine creates a room-state machine. points may be nil when no
// award path is configured (tests, anonymous-only deployments).
func NewMachine(rdb *redis.Client, points PointsAwarder) *Machine {
	return &Machine{rdb: rdb, points: points}
}

// Init writes a fresh record with both occupants online, zero counts, and
// lastHeartbeat set to now. An existing record for the same room is
// overwritten.
func (m *Machine) Init(ctx context.Context, roomID string, roomType models.RoomType, user1, user2 string) error {
	now := time.Now().UnixMilli()
	state := models.RoomState{
		RoomID:   roomID,
		RoomType: roomType,
		User1:    models.Occupant{ID: user1, LastHeartbeat: now, State: models.OccupantOnline},
		User2:    models.Occupant{ID: user2, LastHeartbeat: now, State: models.OccupantOnline},
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal room state: %w", err)
	}
	if err := m.rdb.Set(ctx, cache.RoomStateKey(roomID), raw, 0).Err(); err != nil {
		return fmt.Errorf("init room state %s: %w", roomID, err)
	}
	return nil
}

// Get loads a record. Returns nil when the room has no state.
func (m *Machine) Get(ctx context.Context, roomID string) (*models.RoomState, error) {
	raw, err := m.rdb.Get(ctx, cache.RoomStateKey(roomID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read room state %s: %w", roomID, err)
	}
	var state models.RoomState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("decode room state %s: %w", roomID, err)
	}
	return &state, nil
}

// Exists reports whether a record is present for the room.
func (m *Machine) Exists(ctx context.Context, roomID string) (bool, error) {
	n, err := m.rdb.Exists(ctx, cache.RoomStateKey(roomID)).Result()
	if err != nil {
		return false, fmt.Errorf("room state exists %s: %w", roomID, err)
	}
	return n > 0, nil
}

// Delete removes the record. Missing records are fine.
func (m *Machine) Delete(ctx context.Context, roomID string) error {
	if err := m.rdb.Del(ctx, cache.RoomStateKey(roomID)).Err(); err != nil {
		return fmt.Errorf("delete room state %s: %w", roomID, err)
	}
	return nil
}

// Heartbeat records a sign of life from userID in roomID: the slot's
// lastHeartbeat moves to now, its count increments, and an offline slot
// returns to online. Every tenth beat may award points depending on how
// long the session has run and the room type. A mismatched user mutates
// nothing.
func (m *Machine) Heartbeat(ctx context.Context, roomID, userID string) (HeartbeatResult, error) {
	var result HeartbeatResult

	state, err := m.update(ctx, roomID, func(state *models.RoomState) (bool, error) {
		occupant := state.OccupantFor(userID)
		if occupant == nil {
			result = HeartbeatResult{Reason: ReasonUserNotInRoom}
			return false, nil
		}
		occupant.LastHeartbeat = time.Now().UnixMilli()
		occupant.Count++
		occupant.State = models.OccupantOnline
		return true, nil
	})
	if err != nil {
		return HeartbeatResult{}, err
	}
	if state == nil {
		return HeartbeatResult{Reason: ReasonRoomNotFound}, nil
	}
	if result.Reason == ReasonUserNotInRoom {
		return result, nil
	}

	occupant := state.OccupantFor(userID)
	peer := state.PeerFor(userID)
	result = HeartbeatResult{OK: true, Count: occupant.Count, PeerState: peer.State}

	if occupant.Count%awardEvery == 0 {
		if pts := PointsForHeartbeat(occupant.Count, state.RoomType); pts > 0 {
			m.award(ctx, userID, pts, state.RoomType)
		}
	}
	return result, nil
}

func (m *Machine) award(ctx context.Context, userID string, pts int, roomType models.RoomType) {
	if m.points == nil {
		return
	}
	if err := m.points.AddPoints(ctx, userID, pts); err != nil {
		observability.GlobalLogger.ErrorContext(ctx, "failed to award engagement points",
			slog.String("user_id", userID),
			slog.Int("points", pts),
			slog.String("error", err.Error()),
		)
		return
	}
	observability.PointsAwarded.WithLabelValues(string(roomType)).Add(float64(pts))
}

// Sweep walks every room record in two passes. Pass one demotes each slot
// silent for longer than SilenceThreshold by a single step, so a dead slot
// needs two sweep cycles to reach disconnected. Pass two deletes every
// room where either slot is disconnected. Returns demoted slot count and
// deleted room count.
func (m *Machine) Sweep(ctx context.Context) (demoted, deleted int, err error) {
	keys, err := m.scanRoomKeys(ctx)
	if err != nil {
		return 0, 0, err
	}

	now := time.Now().UnixMilli()
	silence := SilenceThreshold.Milliseconds()

	for _, key := range keys {
		roomID := roomIDFromKey(key)
		// fn may rerun on a CAS retry, so the per-room tally resets inside.
		slotDemotions := 0
		state, uerr := m.update(ctx, roomID, func(state *models.RoomState) (bool, error) {
			slotDemotions = 0
			for _, slot := range []*models.Occupant{&state.User1, &state.User2} {
				if now-slot.LastHeartbeat <= silence {
					continue
				}
				switch slot.State {
				case models.OccupantOnline:
					slot.State = models.OccupantOffline
					slotDemotions++
				case models.OccupantOffline:
					slot.State = models.OccupantDisconnected
					slotDemotions++
				}
			}
			return slotDemotions > 0, nil
		})
		if uerr != nil {
			observability.GlobalLogger.WarnContext(ctx, "sweep skipped room",
				slog.String("room_id", roomID),
				slog.String("error", uerr.Error()),
			)
			continue
		}
		if state == nil {
			continue
		}
		demoted += slotDemotions
		if state.User1.State == models.OccupantDisconnected || state.User2.State == models.OccupantDisconnected {
			if derr := m.Delete(ctx, roomID); derr != nil {
				observability.GlobalLogger.WarnContext(ctx, "sweep failed to delete room",
					slog.String("room_id", roomID),
					slog.String("error", derr.Error()),
				)
				continue
			}
			deleted++
		}
	}
	return demoted, deleted, nil
}

// update applies fn to the record under optimistic concurrency: a
// concurrent writer invalidates the transaction and the mutation is
// retried against the fresh record. Returns the post-mutation state, or
// nil when the room has no record.
func (m *Machine) update(ctx context.Context, roomID string, fn func(*models.RoomState) (bool, error)) (*models.RoomState, error) {
	key := cache.RoomStateKey(roomID)

	var state *models.RoomState
	txn := func(tx *redis.Tx) error {
		state = nil
		raw, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var s models.RoomState
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return fmt.Errorf("decode room state %s: %w", roomID, err)
		}

		changed, err := fn(&s)
		if err != nil {
			return err
		}
		state = &s
		if !changed {
			return nil
		}

		out, err := json.Marshal(&s)
		if err != nil {
			return fmt.Errorf("marshal room state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		err := m.rdb.Watch(ctx, txn, key)
		if err == nil {
			return state, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, fmt.Errorf("update room state %s: %w", roomID, err)
	}
	return nil, fmt.Errorf("update room state %s: %w", roomID, redis.TxFailedErr)
}

func (m *Machine) scanRoomKeys(ctx context.Context) ([]string, error) {
	pattern := cache.RoomStateKey("*")
	var keys []string
	var cursor uint64
	for {
		batch, next, err := m.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan room states: %w", err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	return keys, nil
}

func roomIDFromKey(key string) string {
	prefix := cache.RoomStateKey("")
	if len(key) > len(prefix) {
		return key[len(prefix):]
	}
	return key
}
