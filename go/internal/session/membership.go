package session

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/mcdev12/roomsync/go/internal/models"
	"github.com/rs/zerolog/log"
)

// Plan is the outcome of reconciling the server's joined rooms with a
// requested target.
type Plan struct {
	// Leave lists joined rooms to leave, in the order the server reported.
	Leave []models.RoomID
	// Target is the room that ends up selected. Zero when NoTarget is set.
	Target models.RoomID
	// Join is set when Target is not joined yet.
	Join bool
	// NoTarget is set when nothing was requested and nothing is joined; the
	// caller decides whether to create a room.
	NoTarget bool
}

// Reconcile computes the membership commands that leave the session with a
// single selected room. It is pure: the caller executes the plan.
func Reconcile(joined []models.RoomID, target *models.RoomID) Plan {
	if target == nil {
		if len(joined) == 0 {
			return Plan{NoTarget: true}
		}
		return Plan{Target: joined[0]}
	}

	plan := Plan{Target: *target}
	for _, id := range joined {
		if id != *target {
			plan.Leave = append(plan.Leave, id)
		}
	}
	plan.Join = !slices.Contains(joined, *target)
	return plan
}

// MembershipChannel is the part of the channel a reconciliation pass needs.
type MembershipChannel interface {
	ListJoinedRooms(ctx context.Context) ([]models.RoomID, error)
	JoinRoom(ctx context.Context, roomID models.RoomID) (models.RoomID, error)
	LeaveRoom(ctx context.Context, roomID models.RoomID) error
}

// ReconcileResult reports what a pass actually did. On failure it holds the
// commands applied before the error; they are not rolled back.
type ReconcileResult struct {
	Plan Plan
	// Left lists the rooms successfully left.
	Left []models.RoomID
	// Active is the room selected at the end of the pass. The server may
	// assign a different id than Plan.Target on join.
	Active models.RoomID
	// Joined is set when a join command succeeded.
	Joined bool
}

// Reconciler runs reconciliation passes against the channel, one at a time.
type Reconciler struct {
	channel MembershipChannel
	mu      sync.Mutex
}

// NewReconciler creates a reconciler.
func NewReconciler(channel MembershipChannel) *Reconciler {
	return &Reconciler{channel: channel}
}

// Run reads the joined rooms once, plans against target and issues the
// leave and join commands sequentially, awaiting each before the next. A
// second pass waits until the running one finishes. The first failing
// command aborts the pass.
//
// beforeJoin, if non-nil, is called with the target right before the join
// command is sent.
func (r *Reconciler) Run(ctx context.Context, target *models.RoomID, beforeJoin func(models.RoomID)) (ReconcileResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, err := r.channel.ListJoinedRooms(ctx)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("list joined rooms: %w", err)
	}

	plan := Reconcile(joined, target)
	result := ReconcileResult{Plan: plan}

	log.Info().
		Int("joined", len(joined)).
		Int("to_leave", len(plan.Leave)).
		Bool("join", plan.Join).
		Bool("no_target", plan.NoTarget).
		Str("target", plan.Target.String()).
		Msg("reconciling room membership")

	if plan.NoTarget {
		return result, nil
	}

	for _, id := range plan.Leave {
		if err := r.channel.LeaveRoom(ctx, id); err != nil {
			return result, fmt.Errorf("leave room %s: %w", id, err)
		}
		result.Left = append(result.Left, id)
	}

	if !plan.Join {
		result.Active = plan.Target
		return result, nil
	}

	if beforeJoin != nil {
		beforeJoin(plan.Target)
	}
	active, err := r.channel.JoinRoom(ctx, plan.Target)
	if err != nil {
		return result, fmt.Errorf("join room %s: %w", plan.Target, err)
	}
	result.Active = active
	result.Joined = true

	if active != plan.Target {
		log.Info().
			Str("requested", plan.Target.String()).
			Str("joined", active.String()).
			Msg("server joined a different room")
	}
	return result, nil
}
