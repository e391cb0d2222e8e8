package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/vestige-memory/vestige/internal/model"
)

// FindPath returns the shortest chain of entities connecting fromID to
// toID via related_to edges, inclusive of both endpoints, or nil if no
// path exists within maxHops, using DGraph's native `shortest()` query
// construct rather than a hand-rolled BFS.
func (s *Store) FindPath(ctx context.Context, fromID, toID int64, maxHops int) ([]model.Entity, error) {
	if maxHops <= 0 {
		maxHops = 6
	}

	fromUID, err := s.findUIDByEntityID(ctx, fromID)
	if err != nil {
		return nil, err
	}
	toUID, err := s.findUIDByEntityID(ctx, toID)
	if err != nil {
		return nil, err
	}
	if fromUID == "" || toUID == "" {
		return nil, fmt.Errorf("find path: endpoint not found (from=%d to=%d)", fromID, toID)
	}

	q := fmt.Sprintf(`query ShortestPath($from: string, $to: string) {
		path as shortest(from: uid($from), to: uid($to), numpaths: 1, depth: %d) {
			related_to
		}

		path_nodes(func: uid(path)) {
			uid name entity_id entity_type aliases summary topic confidence last_mentioned
		}
	}`, maxHops)

	vars := map[string]string{"$from": fromUID, "$to": toUID}
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, vars)
	if err != nil {
		return nil, fmt.Errorf("find path query: %w", err)
	}

	var result struct {
		PathNodes []EntityNode `json:"path_nodes"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return nil, fmt.Errorf("unmarshal shortest path: %w", err)
	}
	if len(result.PathNodes) == 0 {
		return nil, nil
	}

	out := make([]model.Entity, 0, len(result.PathNodes))
	for _, n := range result.PathNodes {
		out = append(out, toModelEntity(n))
	}
	return out, nil
}

// HasDirectRelationship reports whether two entities already share a
// related_to edge, used by the resolver's merge-candidate detection to
// exclude pairs that are legitimately connected rather than duplicates
// (merge candidates must not already have a direct edge).
func (s *Store) HasDirectRelationship(ctx context.Context, aID, bID string) (bool, error) {
	aEntityID, err := strconv.ParseInt(aID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("parse entity id %q: %w", aID, err)
	}
	bEntityID, err := strconv.ParseInt(bID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("parse entity id %q: %w", bID, err)
	}

	aUID, err := s.findUIDByEntityID(ctx, aEntityID)
	if err != nil || aUID == "" {
		return false, err
	}
	bUID, err := s.findUIDByEntityID(ctx, bEntityID)
	if err != nil || bUID == "" {
		return false, err
	}

	q := `query Direct($a: string, $b: string) {
		node(func: uid($a)) {
			related_to @filter(uid($b)) {
				uid
			}
		}
	}`
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, map[string]string{"$a": aUID, "$b": bUID})
	if err != nil {
		return false, fmt.Errorf("direct relationship query: %w", err)
	}

	var result struct {
		Node []struct {
			RelatedTo []struct {
				UID string `json:"uid"`
			} `json:"related_to"`
		} `json:"node"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return false, fmt.Errorf("unmarshal direct relationship: %w", err)
	}
	return len(result.Node) > 0 && len(result.Node[0].RelatedTo) > 0, nil
}
