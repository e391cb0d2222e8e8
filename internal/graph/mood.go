package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/dgo/v240/protos/api"

	"github.com/vestige-memory/vestige/internal/model"
)

// WriteDailyMood upserts a DailyMood node for date and links it to the
// user entity via has_mood, mirroring the MoodCheckpoint job's single
// write per checkpoint.
func (s *Store) WriteDailyMood(ctx context.Context, userEntityID int64, mood model.DailyMood) error {
	userUID, err := s.findUIDByEntityID(ctx, userEntityID)
	if err != nil {
		return fmt.Errorf("write daily mood: find user entity: %w", err)
	}
	if userUID == "" {
		return fmt.Errorf("write daily mood: user entity %d not found", userEntityID)
	}

	moodUID, err := s.findMoodUID(ctx, userUID, mood.Date)
	if err != nil {
		return err
	}
	if moodUID == "" {
		moodUID = "_:mood"
	} else {
		moodUID = fmt.Sprintf("<%s>", moodUID)
	}

	node := map[string]interface{}{
		"uid":                 moodUID,
		"dgraph.type":         string(NodeTypeDailyMood),
		"mood_date":           mood.Date,
		"mood_primary":        mood.Primary,
		"mood_primary_count":  mood.PrimaryCount,
		"mood_secondary":      mood.Secondary,
		"mood_secondary_count": mood.SecondaryCount,
		"mood_message_count":  mood.MessageCount,
	}
	payload, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal mood node: %w", err)
	}

	txn := s.dg.NewTxn()
	defer txn.Discard(ctx)

	assigned, err := txn.Mutate(ctx, &api.Mutation{SetJson: payload})
	if err != nil {
		return fmt.Errorf("write mood node: %w", err)
	}

	resolvedMoodUID := moodUID
	if uid, ok := assigned.Uids["mood"]; ok {
		resolvedMoodUID = fmt.Sprintf("<%s>", uid)
	}

	link := fmt.Sprintf("<%s> <has_mood> %s .", userUID, resolvedMoodUID)
	if _, err := txn.Mutate(ctx, &api.Mutation{SetNquads: []byte(link)}); err != nil {
		return fmt.Errorf("link mood to user: %w", err)
	}

	if _, err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("commit daily mood: %w", err)
	}
	return nil
}

// findMoodUID returns the existing DailyMood uid for date linked to
// userUID, or "" if none exists yet (checkpoints for the same date
// accumulate onto one node rather than creating duplicates).
func (s *Store) findMoodUID(ctx context.Context, userUID, date string) (string, error) {
	q := `query ByDate($user: string, $date: string) {
		node(func: uid($user)) {
			has_mood @filter(eq(mood_date, $date)) {
				uid
			}
		}
	}`
	vars := map[string]string{"$user": userUID, "$date": date}
	resp, err := s.dg.NewReadOnlyTxn().QueryWithVars(ctx, q, vars)
	if err != nil {
		return "", fmt.Errorf("lookup mood by date: %w", err)
	}
	var result struct {
		Node []struct {
			HasMood []struct {
				UID string `json:"uid"`
			} `json:"has_mood"`
		} `json:"node"`
	}
	if err := json.Unmarshal(resp.Json, &result); err != nil {
		return "", fmt.Errorf("unmarshal mood lookup: %w", err)
	}
	if len(result.Node) == 0 || len(result.Node[0].HasMood) == 0 {
		return "", nil
	}
	return result.Node[0].HasMood[0].UID, nil
}
