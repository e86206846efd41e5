package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/withobsrvr/das-core/internal/bs58"
	"github.com/withobsrvr/das-core/internal/metrics"
	"github.com/withobsrvr/das-core/internal/types"
)

// usedByTag extracts the tagged variant name from a used_by value,
// which this core models as a JSON object with a "tag" string field
// (e.g. {"tag":"Staking", ...}) — the Go-native equivalent of the
// original Rust enum's tag/payload shape (spec.md §4.5.3).
func usedByTag(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return "None"
	}
	tag, _ := m["tag"].(string)
	if tag == "" {
		return "None"
	}
	return tag
}

// classifyTransition implements spec.md §4.5.3's pre→new transition
// table. ok is false for unmatched transitions, which must be ignored.
func classifyTransition(pre, new string) (event string, ok bool) {
	if new == "Ejected" {
		return "UnWrapped", true
	}
	switch [2]string{pre, new} {
	case [2]string{"Ejected", "None"}:
		return "Wrapped", true
	case [2]string{"None", "Staking"}:
		return "Staked", true
	case [2]string{"None", "Mission"}:
		return "MissionParticipation", true
	case [2]string{"Staking", "None"}:
		return "UnStaked", true
	case [2]string{"Staking", "Staking"}:
		return "ClaimedStakingReward", true
	case [2]string{"Mission", "None"}:
		return "RecallFromMission", true
	case [2]string{"Mission", "Mission"}:
		return "ClaimedMissionReward", true
	default:
		return "", false
	}
}

// handleNewCharacter implements spec.md §4.5.2a step 5: a brand-new
// leaf whose data already contains a used_by field gets a synthetic
// NewCharacter event instead of a transition lookup (there is no prior
// value to transition from).
func (l *Ledger) handleNewCharacter(ctx context.Context, characterID [32]byte, usedBy any, slot uint64) error {
	return l.insertCharacterEvent(ctx, characterID, "NewCharacter", usedBy, slot)
}

// logCharacterHistory implements spec.md §4.5.2b step 4 and §4.5.3: it
// classifies the pre→new used_by transition, and for RecallFromMission
// additionally resolves a consolidated reward summary before the row
// is written. It returns the value that must replace the stored
// used_by field: ordinarily the wire value unchanged, but for
// RecallFromMission the computed summary itself (step 6: "Replace the
// stored used_by" with that summary, not the bare value the chain
// sent).
func (l *Ledger) logCharacterHistory(ctx context.Context, characterID [32]byte, preUsedBy, newUsedBy any, slot uint64) (any, error) {
	preTag := usedByTag(preUsedBy)
	newTag := usedByTag(newUsedBy)
	event, ok := classifyTransition(preTag, newTag)
	if !ok {
		return newUsedBy, nil
	}

	payload := newUsedBy
	stored := newUsedBy
	if event == "RecallFromMission" {
		resolved, err := l.resolveRecallFromMissionReward(ctx, characterID, preUsedBy, newUsedBy, slot)
		if err != nil {
			return nil, err
		}
		payload = resolved
		stored = resolved
	}

	if err := l.insertCharacterEvent(ctx, characterID, event, payload, slot); err != nil {
		return nil, err
	}
	return stored, nil
}

func (l *Ledger) insertCharacterEvent(ctx context.Context, characterID [32]byte, event string, payload any, slot uint64) error {
	data, ok := payload.(map[string]any)
	if !ok {
		data = map[string]any{"value": payload}
	}
	inserted, err := l.st.InsertCharacterHistory(ctx, types.CharacterHistoryRow{
		CharacterID: characterID,
		Event:       event,
		EventData:   data,
		SlotUpdated: slot,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrStorageWrite, err)
	}
	if inserted {
		metrics.CharacterEventsTotal.WithLabelValues(event).Inc()
	}
	return nil
}

// rewardSlot is one entry of a mission account's parsed_data.rewards
// array (spec.md §4.5.3 step 4).
type rewardSlot struct {
	Min        float64 `json:"min"`
	Max        float64 `json:"max"`
	RewardType string  `json:"reward_type"`
}

// resolveRecallFromMissionReward implements spec.md §4.5.3's six-step
// RecallFromMission computation, resolved against params.mission_id per
// the documented Open-Question decision (DESIGN.md): the source shows
// two variants (event_data.id prefix match vs. nested params.mission_id);
// this module follows params.mission_id.
func (l *Ledger) resolveRecallFromMissionReward(ctx context.Context, characterID [32]byte, preUsedBy, newUsedBy any, slot uint64) (map[string]any, error) {
	pre, _ := preUsedBy.(map[string]any)

	result := map[string]any{"tag": "None", "pre_used_by": pre}

	participationID, _ := pre["participation_id"].(string)
	if participationID == "" {
		return result, nil
	}

	priorRows, err := l.st.FindCharacterHistoryByParticipationID(ctx, characterID, participationID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStorageRead, err)
	}
	if len(priorRows) == 0 {
		return result, nil
	}

	ids := make([]int64, len(priorRows))
	for i, r := range priorRows {
		ids[i] = r.ID
	}
	result["event_participant_ids"] = ids

	last := priorRows[len(priorRows)-1]
	result["last_event_id"] = last.ID

	missionID, ok := extractMissionID(last.EventData)
	if !ok {
		return result, nil
	}

	rewardsRaw, _ := pre["rewards"].([]any)
	if len(rewardsRaw) == 0 {
		return result, nil
	}

	account, hasAccount, err := l.st.GetAccountState(ctx, missionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrStorageRead, err)
	}
	if !hasAccount {
		return result, nil
	}
	slots := parseRewardSlots(account.ParsedData)

	var computed []map[string]any
	for _, entryRaw := range rewardsRaw {
		entry, ok := entryRaw.(map[string]any)
		if !ok {
			continue
		}
		collected, _ := entry["collected"].(bool)
		if !collected {
			continue
		}
		rewardIdx := int(floatOf(entry["reward_idx"]))
		if rewardIdx < 0 || rewardIdx >= len(slots) {
			continue
		}
		rs := slots[rewardIdx]
		delta := floatOf(entry["delta"])
		reward := rs.Min + ((delta * (rs.Max - rs.Min)) / 100)
		computed = append(computed, map[string]any{
			"reward":      reward,
			"reward_type": rs.RewardType,
		})
	}
	result["rewards"] = computed
	return result, nil
}

// extractMissionID reads params.mission_id from a character_history
// row's event data, stripping a "pubkey:" sentinel prefix if present
// (spec.md §4.5.3 step 3).
func extractMissionID(eventData map[string]any) (types.Pubkey, bool) {
	params, _ := eventData["params"].(map[string]any)
	if params == nil {
		return types.Pubkey{}, false
	}
	raw, _ := params["mission_id"].(string)
	if raw == "" {
		return types.Pubkey{}, false
	}
	raw = strings.TrimPrefix(raw, "pubkey:")
	decoded, err := decodePubkey(raw)
	if err != nil {
		return types.Pubkey{}, false
	}
	return decoded, true
}

func parseRewardSlots(parsedData map[string]any) []rewardSlot {
	raw, _ := parsedData["rewards"].([]any)
	slots := make([]rewardSlot, 0, len(raw))
	for _, entryRaw := range raw {
		entry, ok := entryRaw.(map[string]any)
		if !ok {
			slots = append(slots, rewardSlot{})
			continue
		}
		slots = append(slots, rewardSlot{
			Min:        floatOf(entry["min"]),
			Max:        floatOf(entry["max"]),
			RewardType: fmt.Sprint(entry["reward_type"]),
		})
	}
	return slots
}

func decodePubkey(s string) (types.Pubkey, error) {
	b, err := bs58.Decode(s)
	if err != nil {
		return types.Pubkey{}, err
	}
	if len(b) != 32 {
		return types.Pubkey{}, fmt.Errorf("%w: decoded pubkey is %d bytes, want 32", types.ErrParsing, len(b))
	}
	var p types.Pubkey
	copy(p[:], b)
	return p, nil
}

func floatOf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}
