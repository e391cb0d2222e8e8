// Package batch implements the five-stage ingestion pipeline: mention
// extraction, known-entity lookup, two-phase disambiguation, verdict
// resolution, and two-phase relationship extraction. It drains a
// per-user buffer in fixed-size batches, publishes the results onto the
// structure and profile streams, and dead-letters whatever fails.
package batch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/vestige-memory/vestige/internal/entity"
	"github.com/vestige-memory/vestige/internal/jsonx"
	"github.com/vestige-memory/vestige/internal/llm"
	"github.com/vestige-memory/vestige/internal/model"
	"github.com/vestige-memory/vestige/internal/queue"
)

// GraphHydrator is the narrow slice of the graph store the processor
// needs to refresh the resolver at the top of each batch.
type GraphHydrator interface {
	entity.HydrationSource
}

// Processor drains one user's ingestion buffer, runs the five-stage
// extraction pipeline per batch, and publishes structure/profile records.
// The batch mutex is held across the whole pipeline for one batch;
// profile side-tasks run independently, bounded by a semaphore.
type Processor struct {
	cfg Config

	user         string
	userEntityID int64

	resolver *entity.Resolver
	store    GraphHydrator
	llmSvc   llm.Service
	embedder entity.Embedder

	buffer   *queue.IngestBuffer
	q        *queue.Queue
	dlq      *queue.DLQ
	emotions *queue.EmotionQueue
	recent   *RecentMessages

	batchMu sync.Mutex
	sem     *semaphore.Weighted

	logger *zap.Logger
}

// LockForMaintenance blocks new batches from starting while a scheduler
// job (MergeDetection) mutates entities the pipeline reads. Callers must
// call UnlockForMaintenance when done.
func (p *Processor) LockForMaintenance() {
	p.batchMu.Lock()
}

// UnlockForMaintenance releases the lock taken by LockForMaintenance.
func (p *Processor) UnlockForMaintenance() {
	p.batchMu.Unlock()
}

// New builds a Processor for one user.
func New(
	cfg Config,
	user string,
	userEntityID int64,
	resolver *entity.Resolver,
	store GraphHydrator,
	llmSvc llm.Service,
	embedder entity.Embedder,
	buffer *queue.IngestBuffer,
	q *queue.Queue,
	dlq *queue.DLQ,
	emotions *queue.EmotionQueue,
	recent *RecentMessages,
	logger *zap.Logger,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		cfg:          cfg,
		user:         user,
		userEntityID: userEntityID,
		resolver:     resolver,
		store:        store,
		llmSvc:       llmSvc,
		embedder:     embedder,
		buffer:       buffer,
		q:            q,
		dlq:          dlq,
		emotions:     emotions,
		recent:       recent,
		sem:          semaphore.NewWeighted(cfg.MaxConcurrentProfiles),
		logger:       logger,
	}
}

// Run drains the buffer on a poll-interval tick until ctx is cancelled.
// A batch fires as soon as BatchSize messages are buffered, or
// BatchTimeout has elapsed since the oldest still-buffered message was
// seen, whichever comes first.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var firstSeenAt time.Time
	for {
		select {
		case <-ctx.Done():
			p.drainRemaining(context.Background())
			return
		case <-ticker.C:
			n, err := p.buffer.Len(ctx, p.user)
			if err != nil {
				p.logger.Warn("buffer length check failed", zap.Error(err))
				continue
			}
			if n == 0 {
				firstSeenAt = time.Time{}
				continue
			}
			if firstSeenAt.IsZero() {
				firstSeenAt = time.Now()
			}
			if n >= int64(p.cfg.BatchSize) || time.Since(firstSeenAt) >= p.cfg.BatchTimeout {
				if err := p.ProcessOneBatch(ctx); err != nil {
					p.logger.Error("batch processing failed", zap.Error(err))
				}
				firstSeenAt = time.Time{}
			}
		}
	}
}

// drainRemaining processes whatever is left in the buffer on shutdown,
// one final batch at a time, until empty.
func (p *Processor) drainRemaining(ctx context.Context) {
	for {
		n, err := p.buffer.Len(ctx, p.user)
		if err != nil || n == 0 {
			return
		}
		if err := p.ProcessOneBatch(ctx); err != nil {
			p.logger.Error("final drain batch failed", zap.Error(err))
			return
		}
	}
}

// ProcessOneBatch runs the full pipeline once: refresh the resolver, pop
// up to BatchSize messages, extract, disambiguate, link, publish.
func (p *Processor) ProcessOneBatch(ctx context.Context) error {
	p.batchMu.Lock()
	defer p.batchMu.Unlock()

	if err := p.resolver.Hydrate(ctx, p.store); err != nil {
		return fmt.Errorf("refresh resolver before batch: %w", err)
	}

	raw, err := p.buffer.PopBatch(ctx, p.user, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("pop batch: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}

	messages := make([]model.Message, 0, len(raw))
	for _, r := range raw {
		msg := model.Message{ID: r.ID, Text: r.Text, Timestamp: time.Unix(r.Timestamp, 0)}
		messages = append(messages, msg)
		p.recent.Add(msg)
	}

	if err := p.runPipeline(ctx, messages); err != nil {
		p.parkBatch(ctx, raw, err)
		return err
	}
	return nil
}

func (p *Processor) parkBatch(ctx context.Context, raw []queue.RawMessage, cause error) {
	entry := queue.DLQEntry{Error: cause.Error(), Messages: raw}
	if err := p.dlq.Push(ctx, p.user, entry); err != nil {
		p.logger.Error("failed to dead-letter batch", zap.Error(err), zap.Error(cause))
	}
}

func (p *Processor) runPipeline(ctx context.Context, messages []model.Message) error {
	// Stage 1: mention extraction + local emotion classification, per
	// message, deduplicated across the batch by lowercased name.
	mentionSet := make(map[string]Mention)
	var mentionOrder []string

	var wg sync.WaitGroup
	var mu sync.Mutex
	extractErrs := make([]error, len(messages))

	for i, msg := range messages {
		wg.Add(1)
		go func(i int, msg model.Message) {
			defer wg.Done()

			var out mentionExtraction
			if err := p.llmSvc.CallStructured(ctx, mentionExtractionSystem, buildMentionExtractionPrompt(msg), &out); err != nil {
				mu.Lock()
				extractErrs[i] = fmt.Errorf("extract mentions for message %d: %w", msg.ID, err)
				mu.Unlock()
				return
			}

			label := ClassifyEmotion(msg.Text)
			if err := p.emotions.Push(ctx, p.user, label); err != nil {
				p.logger.Warn("emotion queue push failed", zap.Error(err))
			}

			mu.Lock()
			for _, m := range out.Mentions {
				key := strings.ToLower(m.Name)
				if _, exists := mentionSet[key]; !exists {
					mentionSet[key] = m
					mentionOrder = append(mentionOrder, key)
				}
			}
			mu.Unlock()
		}(i, msg)
	}
	wg.Wait()

	for _, err := range extractErrs {
		if err != nil {
			return err
		}
	}

	if len(mentionOrder) == 0 {
		// No mentions anywhere in the batch: nothing to disambiguate or
		// link, and nothing to publish.
		return nil
	}

	mentions := make([]Mention, 0, len(mentionOrder))
	for _, key := range mentionOrder {
		mentions = append(mentions, mentionSet[key])
	}

	// Stage 2: known-entity lookup (exact then fuzzy >= 85).
	knownByMention := make(map[string]model.Entity)
	var known []model.Entity
	seenKnown := make(map[int64]bool)
	for _, m := range mentions {
		profile, found := p.resolver.LookupKnown(m.Name)
		if !found {
			continue
		}
		knownByMention[strings.ToLower(m.Name)] = profile
		if !seenKnown[profile.ID] {
			seenKnown[profile.ID] = true
			known = append(known, profile)
		}
	}

	var batchText strings.Builder
	for _, msg := range messages {
		fmt.Fprintf(&batchText, "MSG %d: %s\n", msg.ID, msg.Text)
	}

	// Stage 3: two-phase disambiguation.
	reasoning, err := p.llmSvc.CallReasoning(ctx, disambiguationReasoningSystem,
		buildDisambiguationPrompt(mentions, known, batchText.String()))
	if err != nil {
		return fmt.Errorf("disambiguation reasoning: %w", err)
	}
	var entries resolutionEntries
	if err := p.llmSvc.CallStructured(ctx, disambiguationParseSystem, buildDisambiguationParsePrompt(reasoning), &entries); err != nil {
		return fmt.Errorf("parse disambiguation: %w", err)
	}

	// Stage 4: resolve verdicts into concrete entities.
	entityIDs := make(map[int64]bool)
	entityIDs[p.userEntityID] = true

	for _, entry := range entries.Entries {
		switch entry.Verdict {
		case VerdictExisting:
			mentionText := entry.Canonical
			if len(entry.Mentions) > 0 {
				mentionText = entry.Mentions[0]
			}
			id, _, found := p.resolver.ValidateExisting(entry.Canonical, []string{mentionText})
			if !found {
				// Demote to NEW: the canonical the model named doesn't
				// exist, so treat it as a fresh single-mention entity.
				id = p.registerNew([]string{mentionText}, knownByMention)
			}
			entityIDs[id] = true

		case VerdictNewGroup, VerdictNewSingle:
			if len(entry.Mentions) == 0 {
				continue
			}
			id := p.registerNew(entry.Mentions, knownByMention)
			entityIDs[id] = true
		}
	}

	entities := make([]model.Entity, 0, len(entityIDs))
	for id := range entityIDs {
		if profile, ok := p.resolver.Profile(id); ok {
			entities = append(entities, profile)
		}
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })

	// Stage 5: two-phase relationship extraction.
	relationships, err := p.extractRelationships(ctx, entities, messages)
	if err != nil {
		return fmt.Errorf("relationship extraction: %w", err)
	}

	if err := p.publish(ctx, messages, entities, relationships); err != nil {
		return fmt.Errorf("publish batch: %w", err)
	}

	p.scheduleProfileUpdates(messages, entities)
	return nil
}

// registerNew allocates a fresh id and picks a canonical name: the
// longest mention, ties broken by whichever form is most complete
// (longest after trimming, then lexicographic as a final tiebreaker).
func (p *Processor) registerNew(mentions []string, knownByMention map[string]model.Entity) int64 {
	canonical := pickCanonical(mentions)
	mentionType := "other"
	topic := "General"
	if m, ok := knownByMention[strings.ToLower(canonical)]; ok {
		mentionType = m.Type
		topic = m.Topic
	}

	id := p.resolver.NextID()
	e := &model.Entity{
		ID:            id,
		CanonicalName: canonical,
		Type:          mentionType,
		Aliases:       dedupeAliases(mentions),
		Topic:         topic,
		Confidence:    0.7,
		LastUpdated:   time.Now(),
	}
	if err := p.resolver.RegisterEntity(e); err != nil {
		p.logger.Warn("register new entity failed", zap.Error(err), zap.String("canonical", canonical))
	}
	return id
}

func pickCanonical(mentions []string) string {
	best := mentions[0]
	for _, m := range mentions[1:] {
		if len(strings.TrimSpace(m)) > len(strings.TrimSpace(best)) {
			best = m
		} else if len(strings.TrimSpace(m)) == len(strings.TrimSpace(best)) && m < best {
			best = m
		}
	}
	return best
}

func dedupeAliases(mentions []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range mentions {
		key := strings.ToLower(m)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m)
	}
	return out
}

func (p *Processor) extractRelationships(ctx context.Context, candidates []model.Entity, messages []model.Message) ([]model.Relationship, error) {
	reasoning, err := p.llmSvc.CallReasoning(ctx, relationshipReasoningSystem, buildRelationshipPrompt(candidates, messages))
	if err != nil {
		return nil, fmt.Errorf("relationship reasoning: %w", err)
	}

	var parsed messageConnections
	if err := p.llmSvc.CallStructured(ctx, relationshipParseSystem, buildRelationshipParsePrompt(reasoning), &parsed); err != nil {
		return nil, fmt.Errorf("parse relationships: %w", err)
	}

	// Relationships stay keyed by canonical name here, matching the wire
	// format: GraphBuilder resolves names to entity ids itself, using the
	// entity list carried in the same structure record.
	byName := make(map[string]string, len(candidates))
	for _, e := range candidates {
		byName[strings.ToLower(e.CanonicalName)] = e.CanonicalName
	}
	correctName := func(name string) (string, bool) {
		canonical, ok := byName[strings.ToLower(name)]
		return canonical, ok
	}

	merged := make(map[string]*model.Relationship)
	for _, c := range parsed.Connections {
		a, okA := correctName(c.EntityA)
		b, okB := correctName(c.EntityB)
		if !okA || !okB || strings.EqualFold(a, b) {
			continue
		}
		aName, bName := model.CanonicalPair(a, b)
		key := strings.ToLower(aName) + "|" + strings.ToLower(bName)

		if existing, ok := merged[key]; ok {
			existing.Weight++
			if c.Confidence > existing.Confidence {
				existing.Confidence = c.Confidence
			}
			existing.MessageIDs = appendUnique(existing.MessageIDs, c.MessageID)
			continue
		}
		merged[key] = &model.Relationship{
			EntityA:    aName,
			EntityB:    bName,
			Weight:     1,
			Confidence: c.Confidence,
			MessageIDs: []int64{c.MessageID},
			LastSeen:   time.Now(),
		}
	}

	out := make([]model.Relationship, 0, len(merged))
	for _, r := range merged {
		out = append(out, *r)
	}
	return out, nil
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// publish emits one structure-stream record per message, each carrying
// the full entity and relationship list, in strictly increasing
// message-id order within the batch.
func (p *Processor) publish(ctx context.Context, messages []model.Message, entities []model.Entity, relationships []model.Relationship) error {
	sorted := append([]model.Message{}, messages...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	entityRecords := make([]queue.EntityRecord, 0, len(entities))
	for _, e := range entities {
		entityRecords = append(entityRecords, queue.EntityRecord{
			ID:            e.ID,
			CanonicalName: e.CanonicalName,
			Type:          e.Type,
			Aliases:       e.Aliases,
			Topic:         e.Topic,
			Embedding:     e.Embedding,
		})
	}
	relRecords := make([]queue.RelationshipRecord, 0, len(relationships))
	for _, r := range relationships {
		relRecords = append(relRecords, queue.RelationshipRecord{
			EntityA:    r.EntityA,
			EntityB:    r.EntityB,
			Weight:     r.Weight,
			Confidence: r.Confidence,
			MessageIDs: r.MessageIDs,
		})
	}

	for _, msg := range sorted {
		record := queue.StructureRecord{
			Kind:          queue.RecordUserMessage,
			MessageID:     msg.ID,
			Entities:      entityRecords,
			Relationships: relRecords,
		}
		payload, err := jsonx.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal structure record for message %d: %w", msg.ID, err)
		}
		if err := p.q.Publish(ctx, queue.StructureSubject(p.user), payload); err != nil {
			return fmt.Errorf("publish structure record for message %d: %w", msg.ID, err)
		}
	}
	return nil
}

// scheduleProfileUpdates fires a bounded, fire-and-forget profile-update
// task for every entity that's newly created or has drifted far enough
// (gap >= ProfileInterval) since it was last profiled. An entity is
// skipped for this batch when every semaphore slot is already taken.
func (p *Processor) scheduleProfileUpdates(messages []model.Message, entities []model.Entity) {
	var maxMsgID int64
	for _, m := range messages {
		if m.ID > maxMsgID {
			maxMsgID = m.ID
		}
	}

	for _, e := range entities {
		isNew := e.LastProfiledMsgID == 0 && e.Summary == ""
		gap := maxMsgID - e.LastProfiledMsgID
		if !isNew && gap < p.cfg.ProfileInterval {
			continue
		}

		entityID := e.ID
		if !p.sem.TryAcquire(1) {
			continue
		}
		go func() {
			defer p.sem.Release(1)
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()
			if err := p.updateProfile(ctx, entityID, maxMsgID); err != nil {
				p.logger.Warn("profile update task failed", zap.Int64("entity_id", entityID), zap.Error(err))
			}
		}()
	}
}

// updateProfile fetches the recent-message window, filters it to
// observations literally mentioning one of the entity's aliases, asks
// the reasoning model for a refreshed summary, and — if it changed —
// embeds it and publishes a profile-stream record.
func (p *Processor) updateProfile(ctx context.Context, entityID, lastMsgID int64) error {
	profile, ok := p.resolver.Profile(entityID)
	if !ok {
		return fmt.Errorf("entity %d not found in resolver", entityID)
	}

	aliases := p.resolver.MentionsForID(entityID)
	window := p.recent.Window(p.cfg.ProfileWindow)
	observations := FilterMentioning(window, aliases)
	if len(observations) == 0 {
		return nil
	}

	prompt := buildProfileUpdatePrompt(profile.Summary, aliases, observations, time.Now())
	newSummary, err := p.llmSvc.CallReasoning(ctx, profileUpdateSystem, prompt)
	if err != nil {
		return fmt.Errorf("profile reasoning call: %w", err)
	}
	if newSummary == "" || newSummary == profile.Summary {
		return nil
	}

	embedding, err := p.embedder.Embed(ctx, newSummary)
	if err != nil {
		return fmt.Errorf("embed refreshed summary: %w", err)
	}

	record := queue.ProfileRecord{
		EntityID:          entityID,
		Summary:           newSummary,
		Embedding:         embedding,
		LastProfiledMsgID: lastMsgID,
	}
	payload, err := jsonx.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal profile record: %w", err)
	}
	return p.q.Publish(ctx, queue.ProfileSubject(p.user), payload)
}
