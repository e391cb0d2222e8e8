// Package graphbuilder consumes the structure and profile streams and
// applies their records to the graph store. The batch processor and the
// profile refinement job only propose records; GraphBuilder commits them.
// Entity merges (scheduler.MergeDetectionJob) and mood checkpoints write
// through graph.Store directly, not through this package.
package graphbuilder

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vestige-memory/vestige/internal/jsonx"
	"github.com/vestige-memory/vestige/internal/model"
	"github.com/vestige-memory/vestige/internal/queue"
)

// newEntityConfidence seeds a freshly-minted entity's confidence; an
// existing entity keeps its stored confidence (mergeEntity copies it
// forward), and profile records do not change it.
const newEntityConfidence = 0.7

// Store is the slice of graph.Store GraphBuilder writes through.
type Store interface {
	GetEntityProfile(ctx context.Context, entityID int64) (*model.Entity, error)
	WriteBatch(ctx context.Context, entities []model.Entity, relationships []model.Relationship) error
	UpdateEntityProfile(ctx context.Context, entityID int64, summary string, embedding []float32, lastProfiledMsgID int64) error
}

// GraphBuilder subscribes durable consumer groups on one user's structure
// and profile subjects and applies every record it sees to the graph.
type GraphBuilder struct {
	store Store
	q     *queue.Queue
	rdb   *redis.Client
	user  string

	structureSub *queue.Subscription
	profileSub   *queue.Subscription

	failures atomic.Int64

	logger *zap.Logger
}

// New builds a GraphBuilder for one user. rdb backs the dead-letter
// parking list for records the graph store rejects outright.
func New(store Store, q *queue.Queue, rdb *redis.Client, user string, logger *zap.Logger) *GraphBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphBuilder{store: store, q: q, rdb: rdb, user: user, logger: logger}
}

// Start registers the durable consumer groups. Each runs until the
// process shuts down; losing the consumer group (e.g. the stream was
// recreated) surfaces as a subscribe error from the caller's next Start.
func (g *GraphBuilder) Start(ctx context.Context) error {
	structureSub, err := g.q.Subscribe(ctx, queue.StructureSubject(g.user), "graphbuilder-structure", g.handleStructure)
	if err != nil {
		return fmt.Errorf("subscribe structure stream: %w", err)
	}
	g.structureSub = structureSub

	profileSub, err := g.q.Subscribe(ctx, queue.ProfileSubject(g.user), "graphbuilder-profile", g.handleProfile)
	if err != nil {
		structureSub.Unsubscribe()
		return fmt.Errorf("subscribe profile stream: %w", err)
	}
	g.profileSub = profileSub

	return nil
}

// Stop unsubscribes both consumer groups.
func (g *GraphBuilder) Stop() {
	if g.structureSub != nil {
		g.structureSub.Unsubscribe()
	}
	if g.profileSub != nil {
		g.profileSub.Unsubscribe()
	}
}

// FailureCount reports how many records have been dead-lettered since
// startup.
func (g *GraphBuilder) FailureCount() int64 {
	return g.failures.Load()
}

func (g *GraphBuilder) handleStructure(ctx context.Context, msg *queue.Message) error {
	var record queue.StructureRecord
	if err := jsonx.Unmarshal(msg.Data, &record); err != nil {
		g.deadLetter(ctx, "structure", msg.Data, fmt.Errorf("unmarshal structure record: %w", err))
		return nil
	}

	if err := g.applyStructureRecord(ctx, record); err != nil {
		g.deadLetter(ctx, "structure", msg.Data, err)
	}
	return nil
}

func (g *GraphBuilder) handleProfile(ctx context.Context, msg *queue.Message) error {
	var record queue.ProfileRecord
	if err := jsonx.Unmarshal(msg.Data, &record); err != nil {
		g.deadLetter(ctx, "profile", msg.Data, fmt.Errorf("unmarshal profile record: %w", err))
		return nil
	}

	if err := g.store.UpdateEntityProfile(ctx, record.EntityID, record.Summary, record.Embedding, record.LastProfiledMsgID); err != nil {
		g.deadLetter(ctx, "profile", msg.Data, fmt.Errorf("update entity profile %d: %w", record.EntityID, err))
	}
	return nil
}

// applyStructureRecord handles all three record kinds: USER_MESSAGE and
// SYSTEM_ENTITY both resolve to a WriteBatch call (the latter with no
// relationships, for bootstrap seeding); PROFILE_UPDATE never arrives on
// this subject in practice (it has its own stream) but is handled the
// same way as a defensive fallback.
func (g *GraphBuilder) applyStructureRecord(ctx context.Context, record queue.StructureRecord) error {
	now := time.Now()

	entities := make([]model.Entity, 0, len(record.Entities))
	for _, rec := range record.Entities {
		existing, err := g.store.GetEntityProfile(ctx, rec.ID)
		if err != nil {
			return fmt.Errorf("load existing entity %d: %w", rec.ID, err)
		}
		entities = append(entities, mergeEntity(existing, rec, now))
	}

	var relationships []model.Relationship
	if record.Kind == queue.RecordUserMessage && len(record.Relationships) > 0 {
		nameToID := make(map[string]int64, len(record.Entities))
		for _, rec := range record.Entities {
			nameToID[strings.ToLower(rec.CanonicalName)] = rec.ID
		}

		relationships = make([]model.Relationship, 0, len(record.Relationships))
		for _, rel := range record.Relationships {
			aID, okA := nameToID[strings.ToLower(rel.EntityA)]
			bID, okB := nameToID[strings.ToLower(rel.EntityB)]
			if !okA || !okB {
				g.logger.Warn("relationship references unknown entity, skipping",
					zap.String("entity_a", rel.EntityA), zap.String("entity_b", rel.EntityB))
				continue
			}
			relationships = append(relationships, model.Relationship{
				EntityA:    strconv.FormatInt(aID, 10),
				EntityB:    strconv.FormatInt(bID, 10),
				Weight:     rel.Weight,
				Confidence: rel.Confidence,
				MessageIDs: rel.MessageIDs,
				LastSeen:   now,
			})
		}
	}

	if err := g.store.WriteBatch(ctx, entities, relationships); err != nil {
		return fmt.Errorf("write batch (kind=%s, message_id=%d): %w", record.Kind, record.MessageID, err)
	}
	return nil
}

// mergeEntity folds a wire-level entity record onto whatever the graph
// already knows: structural fields (name, type, aliases, topic) always
// take the incoming value, while profile fields the record doesn't
// carry (summary, confidence, embedding, last_profiled_msg_id) are
// preserved from the existing node so a structure-stream write never
// clobbers the profile job's work.
func mergeEntity(existing *model.Entity, rec queue.EntityRecord, now time.Time) model.Entity {
	e := model.Entity{
		ID:            rec.ID,
		CanonicalName: rec.CanonicalName,
		Type:          rec.Type,
		Aliases:       rec.Aliases,
		Topic:         rec.Topic,
		Embedding:     rec.Embedding,
		Confidence:    newEntityConfidence,
		LastMentioned: now.UnixMilli(),
		LastUpdated:   now,
	}
	if existing != nil {
		e.Summary = existing.Summary
		e.Confidence = existing.Confidence
		e.LastProfiledMsgID = existing.LastProfiledMsgID
		if len(rec.Embedding) == 0 {
			e.Embedding = existing.Embedding
		}
	}
	return e
}

func (g *GraphBuilder) deadLetter(ctx context.Context, stream string, payload []byte, cause error) {
	g.failures.Add(1)
	g.logger.Error("dead-lettering record", zap.String("stream", stream), zap.Error(cause))

	if g.rdb == nil {
		return
	}
	entry := struct {
		Stream  string `json:"stream"`
		Error   string `json:"error"`
		Payload string `json:"payload"`
	}{Stream: stream, Error: cause.Error(), Payload: string(payload)}

	encoded, err := jsonx.Marshal(entry)
	if err != nil {
		g.logger.Error("failed to marshal dead-letter entry", zap.Error(err))
		return
	}
	key := fmt.Sprintf("graphbuilder:dead:%s:%s", stream, g.user)
	if err := g.rdb.RPush(ctx, key, encoded).Err(); err != nil {
		g.logger.Error("failed to park dead-lettered record", zap.Error(err))
	}
}
