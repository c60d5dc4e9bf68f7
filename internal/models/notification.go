package models

import "time"

// ChangeNotification is a single event from the remote change feed.
// Entity is set when the feed carries the payload inline.
type ChangeNotification struct {
	EntityType EntityType `json:"entityType"`
	EntityID   string     `json:"entityId"`
	ProjectID  string     `json:"projectId"`
	ChangeType Operation  `json:"changeType"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	Entity     *Entity    `json:"entity,omitempty"`
}

// Key returns the identity of the changed entity.
func (n *ChangeNotification) Key() EntityKey {
	return EntityKey{Type: n.EntityType, ID: n.EntityID}
}

// PushResult is the remote store's answer to a pushed batch.
type PushResult struct {
	Accepted []string        `json:"accepted"`
	Rejected []PushRejection `json:"rejected"`
}

// PushRejection explains why a single queue entry was refused.
type PushRejection struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}
