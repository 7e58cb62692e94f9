package clientquery

import (
	"encoding/json"
	"reflect"
	"strings"
)

// reconcileDecision is the tagged outcome of the ghost-prevention algorithm
// for an existing/added event that resolves to a cached optimistic entry.
type reconcileDecision int

const (
	// decisionReplace removes the optimistic entry and installs the
	// server's version in its place.
	decisionReplace reconcileDecision = iota
	// decisionDefer keeps the optimistic entry (and the user's local
	// edits) in place, updating only the id mapping so future server
	// events reconcile against it.
	decisionDefer
	// decisionIgnore applies to an event that, on inspection, doesn't
	// actually correspond to any cached optimistic entry.
	decisionIgnore
)

// decideGhost implements spec §4.3's ghost-prevention reconciliation: given
// a cached optimistic entry and whether any mutation still targets it,
// decide whether the server's object may replace it yet.
func decideGhost(found bool, hasPendingMutation bool) reconcileDecision {
	if !found {
		return decisionIgnore
	}
	if hasPendingMutation {
		return decisionDefer
	}
	return decisionReplace
}

// mergeRelationAware merges newFields onto oldFields per the relation
// preservation rule: a field whose name ends in "Id" is a foreign key; its
// sidecar relation (the same name with the "Id" suffix stripped) is carried
// forward from oldFields UNLESS the new payload changes or nulls the
// foreign key, or explicitly supplies its own relation value.
func mergeRelationAware(oldFields, newFields map[string]any) map[string]any {
	merged := make(map[string]any, len(oldFields)+len(newFields))
	for k, v := range oldFields {
		merged[k] = v
	}
	for k, v := range newFields {
		merged[k] = v
	}

	for key := range oldFields {
		if key == "Id" || !strings.HasSuffix(key, "Id") {
			continue
		}
		relation := strings.TrimSuffix(key, "Id")
		if relation == "" {
			continue
		}
		oldRelation, hasOldRelation := oldFields[relation]
		if !hasOldRelation {
			continue
		}
		if _, newSuppliedRelation := newFields[relation]; newSuppliedRelation {
			continue // caller supplied its own relation payload
		}
		newVal, hasNewKey := newFields[key]
		if !hasNewKey {
			continue // foreign key untouched: relation already carried forward
		}
		if newVal == nil || !reflect.DeepEqual(newVal, oldFields[key]) {
			delete(merged, relation) // foreign key changed or nulled: drop stale relation
		}
	}
	return merged
}

func decodeFields(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return map[string]any{}
	}
	return fields
}

func encodeFields(fields map[string]any) json.RawMessage {
	data, err := json.Marshal(fields)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
