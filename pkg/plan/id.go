package plan

import (
	"strings"

	"github.com/polisai/stageflow/internal/digest"
	"github.com/polisai/stageflow/pkg/domain"
)

// idHashPrefix is the number of hex characters kept in derived ids.
const idHashPrefix = 12

// DeriveStageID returns the id a stage receives when none is given. It
// depends only on the sets of provided and required slots, never on their
// declaration order.
func DeriveStageID(provides, dependsOn []domain.SlotID) domain.StageID {
	key := "p:" + joinSlots(uniqueSorted(provides)) + "|d:" + joinSlots(uniqueSorted(dependsOn))
	return domain.StageID("stage_" + digest.HexPrefix([]byte(key), idHashPrefix))
}

func uniqueSorted(in []domain.SlotID) []domain.SlotID {
	out := make([]domain.SlotID, 0, len(in))
	seen := make(map[domain.SlotID]struct{}, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	domain.SortSlots(out)
	return out
}

func joinSlots(ids []domain.SlotID) string {
	parts := make([]string, len(ids))
	for i, s := range ids {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}

func joinStages(ids []domain.StageID) string {
	parts := make([]string, len(ids))
	for i, s := range ids {
		parts[i] = string(s)
	}
	return strings.Join(parts, ",")
}
