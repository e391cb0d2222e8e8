package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/dgo/v240"
	"github.com/dgraph-io/dgo/v240/protos/api"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/vestige-memory/vestige/internal/model"
)

// Store is the DGraph-backed GraphStore, with a retry-with-backoff dial
// and a schema Alter applied at construction.
type Store struct {
	conn   *grpc.ClientConn
	dg     *dgo.Dgraph
	logger *zap.Logger
	mu     sync.Mutex
}

// Config holds DGraph connection settings.
type Config struct {
	Address        string
	MaxRetries     int
	RetryInterval  time.Duration
	RequestTimeout time.Duration
}

// DefaultConfig sets conservative DGraph connection defaults.
func DefaultConfig() Config {
	return Config{
		Address:        "localhost:9080",
		MaxRetries:     5,
		RetryInterval:  2 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// NewStore dials DGraph with retry-with-backoff and applies the schema.
func NewStore(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var conn *grpc.ClientConn
	var err error
	for i := 0; i < cfg.MaxRetries; i++ {
		conn, err = grpc.DialContext(ctx, cfg.Address,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithBlock(),
		)
		if err == nil {
			break
		}
		logger.Warn("dgraph dial failed, retrying",
			zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(cfg.RetryInterval)
	}
	if err != nil {
		return nil, fmt.Errorf("dial dgraph after %d attempts: %w", cfg.MaxRetries, err)
	}

	dg := dgo.NewDgraphClient(api.NewDgraphClient(conn))
	s := &Store{conn: conn, dg: dg, logger: logger}

	if err := s.dg.Alter(ctx, &api.Operation{Schema: schemaText}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	logger.Info("graph store connected", zap.String("address", cfg.Address))
	return s, nil
}

// Close releases the DGraph connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func toModelEntity(n EntityNode) model.Entity {
	var embedding []float32
	if n.EmbeddingJSON != "" {
		_ = json.Unmarshal([]byte(n.EmbeddingJSON), &embedding)
	}
	return model.Entity{
		ID:                n.EntityID,
		CanonicalName:     n.Name,
		Type:              n.EntityType,
		Aliases:           n.Aliases,
		Summary:           n.Summary,
		Topic:             n.Topic,
		Embedding:         embedding,
		Confidence:        n.Confidence,
		LastMentioned:     n.LastMentioned,
		LastUpdated:       n.LastUpdated,
		LastProfiledMsgID: n.LastProfiledMsgID,
	}
}

// findUIDByEntityID looks up the DGraph uid owning entityID, or "" if none.
func (s *Store) findUIDByEntityID(ctx context.Context, entityID int64) (string, error) {
	q := `query ByEntityID($id: int) {
		node(func: eq(entity_id, $id)) @filter(type(Entity)) {
			uid
		}
	}`
	vars := map[string]string{"$id": strconv.FormatInt(entityID, 10)}
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, vars)
	if err != nil {
		return "", fmt.Errorf("lookup entity %d: %w", entityID, err)
	}
	var result struct {
		Node []struct {
			UID string `json:"uid"`
		} `json:"node"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return "", fmt.Errorf("unmarshal entity lookup: %w", err)
	}
	if len(result.Node) == 0 {
		return "", nil
	}
	return result.Node[0].UID, nil
}

// GetEntityProfile fetches one entity by id.
func (s *Store) GetEntityProfile(ctx context.Context, entityID int64) (*model.Entity, error) {
	q := `query Profile($id: int) {
		node(func: eq(entity_id, $id)) @filter(type(Entity)) {
			uid name entity_id entity_type aliases summary topic
			embedding_json confidence last_mentioned last_updated last_profiled_msg_id
		}
	}`
	vars := map[string]string{"$id": strconv.FormatInt(entityID, 10)}
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, vars)
	if err != nil {
		return nil, fmt.Errorf("get entity profile %d: %w", entityID, err)
	}
	var result struct {
		Node []EntityNode `json:"node"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("unmarshal entity profile: %w", err)
	}
	if len(result.Node) == 0 {
		return nil, nil
	}
	e := toModelEntity(result.Node[0])
	return &e, nil
}

// GetAllEntitiesForHydration returns every known entity, used to warm the
// resolver's in-process index on startup.
func (s *Store) GetAllEntitiesForHydration(ctx context.Context) ([]model.Entity, error) {
	q := `{
		nodes(func: type(Entity)) {
			uid name entity_id entity_type aliases summary topic
			embedding_json confidence last_mentioned last_updated last_profiled_msg_id
		}
	}`
	resp, err := s.dg.NewReadOnlyTxn().Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("hydration query: %w", err)
	}
	var result struct {
		Nodes []EntityNode `json:"nodes"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("unmarshal hydration: %w", err)
	}
	out := make([]model.Entity, 0, len(result.Nodes))
	for _, n := range result.Nodes {
		out = append(out, toModelEntity(n))
	}
	return out, nil
}

// SearchEntity finds the entity owning alias (exact match), used as the
// graph-layer fallback when the in-process resolver has no opinion yet
// (e.g. on a cold start before hydration completes).
func (s *Store) SearchEntity(ctx context.Context, alias string) (*model.Entity, error) {
	q := `query ByAlias($alias: string) {
		node(func: eq(aliases, $alias)) @filter(type(Entity)) {
			uid name entity_id entity_type aliases summary topic
			embedding_json confidence last_mentioned last_updated last_profiled_msg_id
		}
	}`
	vars := map[string]string{"$alias": alias}
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, vars)
	if err != nil {
		return nil, fmt.Errorf("search entity by alias: %w", err)
	}
	var result struct {
		Node []EntityNode `json:"node"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("unmarshal alias search: %w", err)
	}
	if len(result.Node) == 0 {
		return nil, nil
	}
	e := toModelEntity(result.Node[0])
	return &e, nil
}

// WriteBatch applies a batch of resolved entities and relationships as a
// single transaction, mirroring the batch mutex semantics of the calling
// BatchProcessor, which holds one mutex per batch across the whole pipeline.
func (s *Store) WriteBatch(ctx context.Context, entities []model.Entity, relationships []model.Relationship) error {
	txn := s.dg.NewTxn()
	defer txn.Discard(ctx)

	for i := range entities {
		if err := s.upsertEntity(ctx, txn, &entities[i]); err != nil {
			return fmt.Errorf("write batch: upsert entity %d: %w", entities[i].ID, err)
		}
	}
	for i := range relationships {
		if err := s.upsertRelationship(ctx, txn, &relationships[i]); err != nil {
			return fmt.Errorf("write batch: upsert relationship %s/%s: %w",
				relationships[i].EntityA, relationships[i].EntityB, err)
		}
	}

	if _, err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *Store) upsertEntity(ctx context.Context, txn *dgo.Txn, e *model.Entity) error {
	uid, err := s.findUIDByEntityIDTxn(ctx, txn, e.ID)
	if err != nil {
		return err
	}
	if uid == "" {
		uid = fmt.Sprintf("_:entity_%d", e.ID)
	} else {
		uid = fmt.Sprintf("<%s>", uid)
	}

	embedding, err := json.Marshal(e.Embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}

	node := map[string]interface{}{
		"uid":                   uid,
		"dgraph.type":           string(NodeTypeEntity),
		"name":                  e.CanonicalName,
		"entity_id":             e.ID,
		"entity_type":           e.Type,
		"aliases":               e.Aliases,
		"summary":               e.Summary,
		"topic":                 e.Topic,
		"embedding_json":        string(embedding),
		"confidence":            e.Confidence,
		"last_mentioned":        e.LastMentioned,
		"last_updated":          e.LastUpdated,
		"last_profiled_msg_id":  e.LastProfiledMsgID,
	}
	payload, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal entity node: %w", err)
	}

	_, err = txn.Mutate(ctx, &api.Mutation{SetJson: payload})
	return err
}

func (s *Store) findUIDByEntityIDTxn(ctx context.Context, txn *dgo.Txn, entityID int64) (string, error) {
	q := `query ByEntityID($id: int) {
		node(func: eq(entity_id, $id)) @filter(type(Entity)) {
			uid
		}
	}`
	vars := map[string]string{"$id": strconv.FormatInt(entityID, 10)}
	resp, err := txn.QueryWithVars(ctx, q, vars)
	if err != nil {
		return "", err
	}
	var result struct {
		Node []struct {
			UID string `json:"uid"`
		} `json:"node"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return "", err
	}
	if len(result.Node) == 0 {
		return "", nil
	}
	return result.Node[0].UID, nil
}

// upsertRelationship writes (or refreshes) a related_to edge between the
// canonicalized entity pair, replacing prior facet values rather than
// accumulating duplicate edges.
func (s *Store) upsertRelationship(ctx context.Context, txn *dgo.Txn, r *model.Relationship) error {
	a, b := model.CanonicalPair(r.EntityA, r.EntityB)
	aID, err := parseEntityRef(a)
	if err != nil {
		return err
	}
	bID, err := parseEntityRef(b)
	if err != nil {
		return err
	}

	uidA, err := s.findUIDByEntityIDTxn(ctx, txn, aID)
	if err != nil || uidA == "" {
		return fmt.Errorf("relationship endpoint %d not found: %w", aID, err)
	}
	uidB, err := s.findUIDByEntityIDTxn(ctx, txn, bID)
	if err != nil || uidB == "" {
		return fmt.Errorf("relationship endpoint %d not found: %w", bID, err)
	}

	msgIDs := make([]string, 0, len(r.MessageIDs))
	for _, id := range r.MessageIDs {
		msgIDs = append(msgIDs, strconv.FormatInt(id, 10))
	}

	nquad := fmt.Sprintf(
		`<%s> <related_to> <%s> (weight=%d, confidence=%f, last_seen=%d, message_ids=%q) .`,
		uidA, uidB, r.Weight, r.Confidence, r.LastSeen.UnixMilli(), strings.Join(msgIDs, ","))

	_, err = txn.Mutate(ctx, &api.Mutation{SetNquads: []byte(nquad)})
	return err
}

// parseEntityRef parses the numeric entity id encoded in a relationship's
// EntityA/EntityB field. Vestige stores relationship endpoints as decimal
// entity ids (mirroring model.Relationship's JSON shape).
func parseEntityRef(ref string) (int64, error) {
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse entity ref %q: %w", ref, err)
	}
	return id, nil
}

// UpdateEntityProfile applies an incremental profile refresh (new summary
// and/or embedding) without touching the rest of the entity's fields.
func (s *Store) UpdateEntityProfile(ctx context.Context, entityID int64, summary string, embedding []float32, lastProfiledMsgID int64) error {
	uid, err := s.findUIDByEntityID(ctx, entityID)
	if err != nil {
		return err
	}
	if uid == "" {
		return fmt.Errorf("update profile: entity %d not found", entityID)
	}

	embJSON, err := json.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}

	update := map[string]interface{}{
		"uid":                  uid,
		"summary":              summary,
		"embedding_json":       string(embJSON),
		"last_profiled_msg_id": lastProfiledMsgID,
		"last_updated":         time.Now(),
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal profile update: %w", err)
	}

	txn := s.dg.NewTxn()
	defer txn.Discard(ctx)
	if _, err := txn.Mutate(ctx, &api.Mutation{SetJson: payload, CommitNow: true}); err != nil {
		return fmt.Errorf("update entity profile: %w", err)
	}
	return nil
}

// GetRelatedEntities returns up to limit entities directly connected to
// entityID via related_to, highest edge weight first.
func (s *Store) GetRelatedEntities(ctx context.Context, entityID int64, limit int) ([]model.Entity, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `query Related($id: int) {
		node(func: eq(entity_id, $id)) @filter(type(Entity)) {
			related_to @facets(weight) {
				uid name entity_id entity_type aliases summary topic confidence last_mentioned
			}
		}
	}`
	vars := map[string]string{"$id": strconv.FormatInt(entityID, 10)}
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, vars)
	if err != nil {
		return nil, fmt.Errorf("get related entities: %w", err)
	}
	var result struct {
		Node []struct {
			RelatedTo []EntityNode `json:"related_to"`
		} `json:"node"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("unmarshal related entities: %w", err)
	}
	if len(result.Node) == 0 {
		return nil, nil
	}

	related := result.Node[0].RelatedTo
	if len(related) > limit {
		related = related[:limit]
	}
	out := make([]model.Entity, 0, len(related))
	for _, n := range related {
		out = append(out, toModelEntity(n))
	}
	return out, nil
}

// GetRecentActivity returns entities mentioned at or after sinceEpochMs,
// most recently mentioned first. Interprets last_mentioned as a
// millisecond epoch.
func (s *Store) GetRecentActivity(ctx context.Context, sinceEpochMs int64, limit int) ([]model.Entity, error) {
	if limit <= 0 {
		limit = 20
	}
	q := fmt.Sprintf(`query Recent($since: int) {
		nodes(func: type(Entity), orderdesc: last_mentioned, first: %d) @filter(ge(last_mentioned, $since)) {
			uid name entity_id entity_type aliases summary topic confidence last_mentioned
		}
	}`, limit)
	vars := map[string]string{"$since": strconv.FormatInt(sinceEpochMs, 10)}
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, vars)
	if err != nil {
		return nil, fmt.Errorf("get recent activity: %w", err)
	}
	var result struct {
		Nodes []EntityNode `json:"nodes"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("unmarshal recent activity: %w", err)
	}
	out := make([]model.Entity, 0, len(result.Nodes))
	for _, n := range result.Nodes {
		out = append(out, toModelEntity(n))
	}
	return out, nil
}

// GetHotTopicContext returns every entity filed under topicName; the
// topic's status is not checked here. Used by the agent loop's hot-topic
// prefetch at the start of a run.
func (s *Store) GetHotTopicContext(ctx context.Context, topicName string) ([]model.Entity, error) {
	q := `query HotTopic($topic: string) {
		nodes(func: eq(topic, $topic)) @filter(type(Entity)) {
			uid name entity_id entity_type aliases summary topic confidence last_mentioned
		}
	}`
	vars := map[string]string{"$topic": topicName}
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, vars)
	if err != nil {
		return nil, fmt.Errorf("get hot topic context: %w", err)
	}
	var result struct {
		Nodes []EntityNode `json:"nodes"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("unmarshal hot topic context: %w", err)
	}
	out := make([]model.Entity, 0, len(result.Nodes))
	for _, n := range result.Nodes {
		out = append(out, toModelEntity(n))
	}
	return out, nil
}

// MergeEntities folds secondaryID into primaryID: secondary's aliases are
// unioned into primary, primary's summary is replaced with mergedSummary
// (the caller's already-synthesized merge of both summaries), its
// related_to edges are repointed to primary, and the secondary node is
// deleted. The resolver's own in-memory state is updated separately via
// Resolver.ApplyMerge.
func (s *Store) MergeEntities(ctx context.Context, primaryID, secondaryID int64, mergedSummary string) error {
	primaryUID, err := s.findUIDByEntityID(ctx, primaryID)
	if err != nil {
		return err
	}
	secondaryUID, err := s.findUIDByEntityID(ctx, secondaryID)
	if err != nil {
		return err
	}
	if primaryUID == "" || secondaryUID == "" {
		return fmt.Errorf("merge entities: primary or secondary uid not found (primary=%d secondary=%d)", primaryID, secondaryID)
	}

	primary, err := s.GetEntityProfile(ctx, primaryID)
	if err != nil || primary == nil {
		return fmt.Errorf("merge entities: load primary profile: %w", err)
	}
	secondary, err := s.GetEntityProfile(ctx, secondaryID)
	if err != nil || secondary == nil {
		return fmt.Errorf("merge entities: load secondary profile: %w", err)
	}

	mergedAliases := append([]string{}, primary.Aliases...)
	for _, alias := range secondary.Aliases {
		found := false
		for _, existing := range mergedAliases {
			if strings.EqualFold(existing, alias) {
				found = true
				break
			}
		}
		if !found {
			mergedAliases = append(mergedAliases, alias)
		}
	}

	txn := s.dg.NewTxn()
	defer txn.Discard(ctx)

	update := map[string]interface{}{
		"uid":     primaryUID,
		"aliases": mergedAliases,
	}
	if mergedSummary != "" {
		update["summary"] = mergedSummary
	}
	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("marshal merge update: %w", err)
	}
	if _, err := txn.Mutate(ctx, &api.Mutation{SetJson: payload}); err != nil {
		return fmt.Errorf("apply merged aliases: %w", err)
	}

	if err := s.repointEdges(ctx, txn, secondaryUID, primaryUID); err != nil {
		return fmt.Errorf("repoint edges during merge: %w", err)
	}

	delPayload, err := json.Marshal(map[string]interface{}{"uid": secondaryUID})
	if err != nil {
		return fmt.Errorf("marshal delete payload: %w", err)
	}
	if _, err := txn.Mutate(ctx, &api.Mutation{DeleteJson: delPayload}); err != nil {
		return fmt.Errorf("delete merged entity: %w", err)
	}

	if _, err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}
	return nil
}

// repointEdges moves every related_to edge touching fromUID onto toUID,
// used by MergeEntities so the secondary's relationships survive the fold.
func (s *Store) repointEdges(ctx context.Context, txn *dgo.Txn, fromUID, toUID string) error {
	q := fmt.Sprintf(`query Edges {
		node(func: uid(%s)) {
			related_to @facets(weight, confidence, last_seen, message_ids) { uid }
		}
		rev(func: uid(%s)) {
			~related_to @facets(weight, confidence, last_seen, message_ids) { uid }
		}
	}`, fromUID, fromUID)

	resp, err := txn.Query(ctx, q)
	if err != nil {
		return err
	}

	var result struct {
		Node []map[string]interface{} `json:"node"`
		Rev  []map[string]interface{} `json:"rev"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return err
	}

	var nquads strings.Builder
	appendEdge := func(src string, edges []interface{}) {
		for _, e := range edges {
			edgeMap, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			uid, _ := edgeMap["uid"].(string)
			if uid == "" || uid == toUID {
				continue
			}
			weight, _ := edgeMap["related_to|weight"].(float64)
			confidence, _ := edgeMap["related_to|confidence"].(float64)
			lastSeen, _ := edgeMap["related_to|last_seen"].(float64)
			msgIDs, _ := edgeMap["related_to|message_ids"].(string)
			nquads.WriteString(fmt.Sprintf(
				"<%s> <related_to> <%s> (weight=%d, confidence=%f, last_seen=%d, message_ids=%q) .\n",
				src, uid, int64(weight), confidence, int64(lastSeen), msgIDs))
		}
	}

	if len(result.Node) > 0 {
		if edges, ok := result.Node[0]["related_to"].([]interface{}); ok {
			appendEdge(toUID, edges)
		}
	}
	if len(result.Rev) > 0 {
		if edges, ok := result.Rev[0]["~related_to"].([]interface{}); ok {
			for _, e := range edges {
				edgeMap, ok := e.(map[string]interface{})
				if !ok {
					continue
				}
				uid, _ := edgeMap["uid"].(string)
				if uid == "" || uid == toUID {
					continue
				}
				weight, _ := edgeMap["related_to|weight"].(float64)
				confidence, _ := edgeMap["related_to|confidence"].(float64)
				lastSeen, _ := edgeMap["related_to|last_seen"].(float64)
				msgIDs, _ := edgeMap["related_to|message_ids"].(string)
				nquads.WriteString(fmt.Sprintf(
					"<%s> <related_to> <%s> (weight=%d, confidence=%f, last_seen=%d, message_ids=%q) .\n",
					uid, toUID, int64(weight), confidence, int64(lastSeen), msgIDs))
			}
		}
	}

	if nquads.Len() == 0 {
		return nil
	}
	_, err = txn.Mutate(ctx, &api.Mutation{SetNquads: []byte(nquads.String())})
	return err
}
