package spawner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/antfarm-dev/antfarm/pkg/models"
	"github.com/antfarm-dev/antfarm/pkg/pipeline"
	"github.com/antfarm-dev/antfarm/pkg/store"
	"github.com/antfarm-dev/antfarm/pkg/workflow"
)

// SpawnResult reports what PeekAndSpawn did for one agent.
type SpawnResult struct {
	Spawned   bool
	Reason    string
	Rollback  bool
	SessionID string
	Claim     *pipeline.ClaimResult
}

// Spawner claims work and launches workers for it.
type Spawner struct {
	store   *store.Client
	engine  *pipeline.Engine
	gateway *GatewayClient
}

// New creates a spawner.
func New(st *store.Client, engine *pipeline.Engine, gateway *GatewayClient) *Spawner {
	return &Spawner{store: st, engine: engine, gateway: gateway}
}

// PeekAndSpawn claims the agent's next unit of work (a pending step, or
// the next story of a running loop step) and spawns a worker for it. The
// gateway call happens outside any transaction; its outcome is then
// committed through the confirm/rollback handshake.
func (s *Spawner) PeekAndSpawn(ctx context.Context, agentID string, spec *workflow.Spec, source models.SpawnSource) (*SpawnResult, error) {
	claim, err := s.engine.ClaimStep(ctx, agentID)
	if errors.Is(err, pipeline.ErrNoWork) {
		claim, err = s.claimLoopStory(ctx, agentID)
	}
	switch {
	case errors.Is(err, pipeline.ErrNoWork):
		return &SpawnResult{Reason: "no_work"}, nil
	case errors.Is(err, pipeline.ErrStoryAlreadyClaimed):
		return &SpawnResult{Reason: "story_already_claimed"}, nil
	case err != nil:
		return nil, err
	}

	agent, ok := spec.AgentByID(agentID)
	if !ok {
		// The claim references an agent the current spec no longer
		// declares; release it rather than spawning blind.
		rollbackErr := s.engine.RollbackSpawn(ctx, claim, "agent not in workflow definition")
		if rollbackErr != nil {
			slog.Error("Failed to roll back claim for unknown agent",
				"agent_id", agentID, "error", rollbackErr)
		}
		return &SpawnResult{Reason: "unknown_agent", Rollback: true, Claim: claim},
			fmt.Errorf("agent '%s' is not declared by %s", agentID, spec)
	}

	thinking := agent.Thinking
	if thinking == "" {
		thinking = workflow.DefaultThinking
	}

	req := &CallRequest{
		IdempotencyKey: idempotencyKey(claim),
		AgentID:        fmt.Sprintf("%s_%s", claim.WorkflowID, agentID),
		SessionKey:     fmt.Sprintf("agent:%s_%s:workflow:%s:%s", claim.WorkflowID, agentID, claim.RunID, claim.StepID),
		Message:        buildPrompt(claim),
		Timeout:        spec.TimeoutFor(agent),
		Thinking:       thinking,
	}

	gatewayRunID, err := s.gateway.CallAgent(ctx, req)
	if err != nil {
		slog.Warn("Spawn failed, rolling back claim",
			"agent_id", agentID, "run_id", claim.RunID, "step_id", claim.StepID, "error", err)
		if rollbackErr := s.engine.RollbackSpawn(ctx, claim, err.Error()); rollbackErr != nil {
			slog.Error("Claim rollback failed", "run_id", claim.RunID, "step_id", claim.StepID, "error", rollbackErr)
		}
		return &SpawnResult{Reason: "spawn_failed", Rollback: true, Claim: claim}, err
	}

	sessionID := s.gateway.ResolveSession(ctx, gatewayRunID)

	if err := s.engine.ConfirmSpawn(ctx, claim, sessionID, source); err != nil {
		if errors.Is(err, pipeline.ErrStaleClaim) {
			// The claim was revoked while the worker was starting; the
			// worker's eventual report will bounce off the run guard.
			slog.Warn("Spawn confirmed against a stale claim",
				"run_id", claim.RunID, "step_id", claim.StepID, "session_id", sessionID)
			return &SpawnResult{Reason: "stale_claim", SessionID: sessionID, Claim: claim}, nil
		}
		return nil, err
	}

	slog.Info("Spawned worker",
		"agent_id", agentID, "run_id", claim.RunID, "step_id", claim.StepID,
		"story_id", claim.StoryID, "session_id", sessionID, "source", source)
	return &SpawnResult{Spawned: true, SessionID: sessionID, Claim: claim}, nil
}

// claimLoopStory is the fallback when no pending step exists: a running
// loop step owned by the agent may still have stories to hand out.
func (s *Spawner) claimLoopStory(ctx context.Context, agentID string) (*pipeline.ClaimResult, error) {
	loopStep, err := s.store.RunningLoopStepForAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, pipeline.ErrNoWork
		}
		return nil, err
	}
	return s.engine.ClaimStory(ctx, agentID, loopStep.ID)
}

// idempotencyKey derives the gateway idempotency key for a claim. The
// nonce makes retried spawns of the same work distinguishable.
func idempotencyKey(claim *pipeline.ClaimResult) string {
	scope := "root"
	if claim.IsStory {
		scope = claim.StoryID
	}
	return fmt.Sprintf("antfarm:%s:%s:%s:%s", claim.RunID, claim.StepID, scope, uuid.NewString()[:8])
}
