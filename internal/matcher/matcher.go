// Package matcher pairs waiting users. Every tick it prunes each pool,
// greedily commits the highest interest-overlap pairs, and random-pairs
// the remainder. Ticks run under a cluster-wide lease, so at most one
// worker matches at a time.
package matcher

import (
	"context"
	"log/slog"
	"math/rand"
	"sort"
	"time"

	"parley/internal/models"
	"parley/internal/observability"
	"parley/internal/repository"
	"parley/internal/roomstate"
	"parley/internal/search"
	"parley/internal/token"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultQueueIdle is how long a pool member may go without a heartbeat
// before the pre-match sweep drops them.
const DefaultQueueIdle = 30 * time.Second

var pools = []models.Pool{models.PoolChat, models.PoolCall}

// Matcher drives one pairing pass per pool per tick.
type Matcher struct {
	store     *search.Store
	rooms     repository.RoomRepository
	friends   repository.FriendRepository
	states    *roomstate.Machine
	issuer    *token.Issuer
	queueIdle time.Duration
}

// New builds a matcher. queueIdle <= 0 selects DefaultQueueIdle.
func New(store *search.Store, rooms repository.RoomRepository, friends repository.FriendRepository, states *roomstate.Machine, issuer *token.Issuer, queueIdle time.Duration) *Matcher {
	if queueIdle <= 0 {
		queueIdle = DefaultQueueIdle
	}
	return &Matcher{
		store:     store,
		rooms:     rooms,
		friends:   friends,
		states:    states,
		issuer:    issuer,
		queueIdle: queueIdle,
	}
}

// Tick runs one pass over every pool. Pool failures are logged and do not
// stop the other pool's pass.
func (m *Matcher) Tick(ctx context.Context) {
	for _, pool := range pools {
		if err := m.matchPool(ctx, pool); err != nil {
			observability.GlobalLogger.ErrorContext(ctx, "matcher pass failed",
				slog.String("pool", string(pool)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// candidate is one scored unordered pair, indexes into the tick's user
// slice.
type candidate struct {
	a, b   int
	score  int
	oldest int64
	newest int64
}

func (m *Matcher) matchPool(ctx context.Context, pool models.Pool) error {
	span, ctx := observability.NewSpan(ctx, "matcher.pass",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("pool", string(pool))))
	defer span.End()

	err := m.runPool(ctx, pool)
	span.SetError(err)
	return err
}

func (m *Matcher) runPool(ctx context.Context, pool models.Pool) error {
	if err := m.store.Heal(ctx, pool); err != nil {
		return err
	}
	if _, err := m.store.SweepInactive(ctx, pool, m.queueIdle); err != nil {
		return err
	}
	users, err := m.store.ListAvailable(ctx, pool)
	if err != nil {
		return err
	}
	observability.SearchQueueDepth.WithLabelValues(string(pool)).Set(float64(len(users)))
	if len(users) < 2 {
		return nil
	}

	matched := make(map[string]bool, len(users))
	cooldowns := make(map[string]bool, len(users))
	inCooldown := func(id string) bool {
		hit, seen := cooldowns[id]
		if !seen {
			hit = m.store.InCooldown(ctx, id)
			cooldowns[id] = hit
		}
		return hit
	}

	// Interest-weighted pass: highest overlap first, older queuers on ties.
	for _, c := range scoredCandidates(users) {
		a, b := users[c.a], users[c.b]
		if matched[a.ID] || matched[b.ID] {
			continue
		}
		if inCooldown(a.ID) || inCooldown(b.ID) {
			continue
		}
		if err := m.setMatch(ctx, pool, a, b, "interest"); err != nil {
			observability.GlobalLogger.ErrorContext(ctx, "interest match failed",
				slog.String("pool", string(pool)),
				slog.String("user1", a.ID),
				slog.String("user2", b.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		matched[a.ID], matched[b.ID] = true, true
	}

	// Random fallback for everyone without an interest partner. Users that
	// still find no partner stay queued for the next tick.
	rest := make([]models.SearchUser, 0, len(users))
	for _, u := range users {
		if !matched[u.ID] && !inCooldown(u.ID) {
			rest = append(rest, u)
		}
	}
	rand.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })

	for i := 0; i < len(rest); i++ {
		if matched[rest[i].ID] {
			continue
		}
		for j := i + 1; j < len(rest); j++ {
			if matched[rest[j].ID] || sameIdentity(rest[i], rest[j]) {
				continue
			}
			if err := m.setMatch(ctx, pool, rest[i], rest[j], "random"); err != nil {
				observability.GlobalLogger.ErrorContext(ctx, "random match failed",
					slog.String("pool", string(pool)),
					slog.String("user1", rest[i].ID),
					slog.String("user2", rest[j].ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			matched[rest[i].ID], matched[rest[j].ID] = true, true
			break
		}
	}
	return nil
}

// scoredCandidates returns every pair with at least one shared interest,
// sorted by descending overlap; ties go to the pair holding the older
// queuer. Zero-overlap pairs are left to the random pass.
func scoredCandidates(users []models.SearchUser) []candidate {
	var candidates []candidate
	for i := 0; i < len(users); i++ {
		for j := i + 1; j < len(users); j++ {
			if sameIdentity(users[i], users[j]) {
				continue
			}
			score := len(search.CommonInterests(users[i].Interests, users[j].Interests))
			if score == 0 {
				continue
			}
			oldest, newest := users[i].JoinedAt, users[j].JoinedAt
			if newest < oldest {
				oldest, newest = newest, oldest
			}
			candidates = append(candidates, candidate{a: i, b: j, score: score, oldest: oldest, newest: newest})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].oldest != candidates[j].oldest {
			return candidates[i].oldest < candidates[j].oldest
		}
		return candidates[i].newest < candidates[j].newest
	})
	return candidates
}

// sameIdentity guards against pairing one person with themselves: two
// entries share an identity when they carry the same non-empty username
// or the same id. Anonymous entries (empty username) only collide by id.
func sameIdentity(a, b models.SearchUser) bool {
	if a.ID == b.ID {
		return true
	}
	return a.Username != "" && a.Username == b.Username
}

// roomFor returns the room for a committed pair. Identified pairs are
// unique per type, so a rematch of two known users reuses their existing
// room; a lost race on insert falls back to the winner's row.
func (m *Matcher) roomFor(ctx context.Context, pool models.Pool, a, b models.SearchUser) (*models.Room, error) {
	roomType := pool.RoomType()
	identified := a.Username != "" && b.Username != ""

	if identified {
		existing, err := m.rooms.GetByUsers(ctx, a.ID, b.ID, roomType)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}

	room := &models.Room{
		Type:           roomType,
		User1ID:        a.ID,
		User1Anonymous: a.Username == "",
		User2ID:        b.ID,
		User2Anonymous: b.Username == "",
	}
	if err := m.rooms.Create(ctx, room); err != nil {
		if identified {
			existing, lookupErr := m.rooms.GetByUsers(ctx, a.ID, b.ID, roomType)
			if lookupErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, err
	}
	return room, nil
}

// setMatch commits one pair: durable room, fresh room state, two tokens,
// then the atomic dequeue-plus-tuple pipeline. Cooldown flags go up last;
// they are advisory and never block the commit.
func (m *Matcher) setMatch(ctx context.Context, pool models.Pool, a, b models.SearchUser, kind string) error {
	roomType := pool.RoomType()
	room, err := m.roomFor(ctx, pool, a, b)
	if err != nil {
		return err
	}

	if err := m.states.Init(ctx, room.ID, roomType, a.ID, b.ID); err != nil {
		return err
	}

	isFriend := false
	if a.Username != "" && b.Username != "" {
		ok, err := m.friends.AreFriends(ctx, a.ID, b.ID)
		if err != nil {
			observability.GlobalLogger.WarnContext(ctx, "friendship lookup failed",
				slog.String("user1", a.ID),
				slog.String("user2", b.ID),
				slog.String("error", err.Error()),
			)
		} else {
			isFriend = ok
		}
	}

	issue := m.issuer.Issue
	if isFriend {
		issue = m.issuer.IssueFriend
	}
	tokenA, err := issue(a.ID, b.ID, room.ID, a.Username, b.Username)
	if err != nil {
		_ = m.states.Delete(ctx, room.ID)
		return err
	}
	tokenB, err := issue(b.ID, a.ID, room.ID, b.Username, a.Username)
	if err != nil {
		_ = m.states.Delete(ctx, room.ID)
		return err
	}

	tupleA := models.MatchTuple{PeerUserID: b.ID, Token: tokenA, RoomID: room.ID, IsFriend: isFriend}
	tupleB := models.MatchTuple{PeerUserID: a.ID, Token: tokenB, RoomID: room.ID, IsFriend: isFriend}
	if err := m.store.CommitMatch(ctx, pool, a.ID, b.ID, tupleA, tupleB); err != nil {
		_ = m.states.Delete(ctx, room.ID)
		return err
	}

	for _, id := range []string{a.ID, b.ID} {
		if err := m.store.SetCooldown(ctx, id); err != nil {
			observability.GlobalLogger.WarnContext(ctx, "cooldown flag not set",
				slog.String("user_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	observability.MatchesCommitted.WithLabelValues(string(pool), kind).Inc()
	observability.GlobalLogger.InfoContext(ctx, "match committed",
		slog.String("pool", string(pool)),
		slog.String("kind", kind),
		slog.String("room_id", room.ID),
		slog.String("user1", a.ID),
		slog.String("user2", b.ID),
		slog.Bool("is_friend", isFriend),
	)
	return nil
}
