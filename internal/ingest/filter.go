package ingest

// Filter applies the deterministic deny/allow policy from spec.md §4.3.
// Malformed records always pass; state_change records are evaluated
// against drop_states, then drop_device_ids, then keep_device_ids.
type Filter struct {
	DropStates    map[CurrentState]bool
	DropDeviceIDs map[string]bool
	KeepDeviceIDs map[string]bool
}

// NewFilter builds a Filter from the config lists.
func NewFilter(dropStates, dropDeviceIDs, keepDeviceIDs []string) *Filter {
	f := &Filter{
		DropStates:    make(map[CurrentState]bool, len(dropStates)),
		DropDeviceIDs: make(map[string]bool, len(dropDeviceIDs)),
		KeepDeviceIDs: make(map[string]bool, len(keepDeviceIDs)),
	}
	for _, s := range dropStates {
		f.DropStates[CurrentState(s)] = true
	}
	for _, id := range dropDeviceIDs {
		f.DropDeviceIDs[id] = true
	}
	for _, id := range keepDeviceIDs {
		f.KeepDeviceIDs[id] = true
	}
	return f
}

// Allow reports whether rec survives the filter, in the rule order
// documented in spec.md §4.3: drop wins over keep (rule 3 precedes
// rule 4) when a device id appears in both lists.
func (f *Filter) Allow(rec Record) bool {
	sc, ok := rec.(*StateChangeRecord)
	if !ok {
		return true
	}
	if f.DropStates[sc.CurrentState] {
		return false
	}
	if f.DropDeviceIDs[sc.DeviceID] {
		return false
	}
	if len(f.KeepDeviceIDs) > 0 && !f.KeepDeviceIDs[sc.DeviceID] {
		return false
	}
	return true
}
