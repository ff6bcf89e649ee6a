package model

// Delta is the result of one refresh of a directory.
//
// Added, Updated and Removed are disjoint by name. Stale lists directory
// paths the mirror now knows about but has not listed yet.
type Delta struct {
	Path    string   `json:"path"`
	Added   []Entry  `json:"added,omitempty"`
	Updated []Entry  `json:"updated,omitempty"`
	Removed []Entry  `json:"removed,omitempty"`
	Stale   []string `json:"stale,omitempty"`

	// Initial is set on the first refresh of a node that had never been listed.
	Initial bool `json:"initial,omitempty"`
}

// Empty reports whether the delta carries no entry changes.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Size returns the total number of changed entries.
func (d Delta) Size() int {
	return len(d.Added) + len(d.Updated) + len(d.Removed)
}
