package domain

import (
	"time"

	"github.com/google/uuid"
)

// FollowRequestStatus is the lifecycle state of a follow request.
// Transitions: pending -> accepted | rejected, terminal.
type FollowRequestStatus string

const (
	FollowPending  FollowRequestStatus = "pending"
	FollowAccepted FollowRequestStatus = "accepted"
	FollowRejected FollowRequestStatus = "rejected"
)

// FollowRequest tracks a Follow activity between two actors. When accepted,
// a Relationship of type Follow is materialized; deleting the request
// cascades to the relationship.
type FollowRequest struct {
	Id             uuid.UUID
	SourceActorURI string
	TargetActorURI string
	ActivityURI    string
	Status         FollowRequestStatus
	CreatedAt      time.Time
}

// RelationshipType enumerates directed actor-to-actor edges.
type RelationshipType string

const (
	RelationshipFollow        RelationshipType = "follow"
	RelationshipFollowRequest RelationshipType = "follow_request"
	RelationshipSubscription  RelationshipType = "subscription"
	RelationshipHideReposts   RelationshipType = "hide_reposts"
	RelationshipHideReplies   RelationshipType = "hide_replies"
)

// Relationship is a directed edge between two actors, unique per
// (source, target, type).
type Relationship struct {
	Id             uuid.UUID
	SourceActorURI string
	TargetActorURI string
	Type           RelationshipType
	CreatedAt      time.Time
}

// Activity is a received or emitted ActivityPub activity, kept for
// deduplication and debugging. (ActivityURI, ActivityType) is unique.
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	Local        bool
	CreatedAt    time.Time
}

// DeliveryQueueItem is one outbound activity bound for one remote inbox.
type DeliveryQueueItem struct {
	Id             uuid.UUID
	SenderActorURI string
	InboxURI       string
	ActivityJSON   string
	Attempts       int
	NextRetryAt    time.Time
	LastError      string
	CreatedAt      time.Time
}

// IncomingQueueItem is an inbound activity whose handler deferred work,
// typically because a referent was not fetchable yet.
type IncomingQueueItem struct {
	Id             uuid.UUID
	RawJSON        string
	SignerActorURI string
	Attempts       int
	NextRetryAt    time.Time
	ReceivedAt     time.Time
}

// FetchRetryItem is a failed actor or object fetch queued for retry.
type FetchRetryItem struct {
	Id          uuid.UUID
	TargetURI   string
	Kind        string // actor or object
	Attempts    int
	NextRetryAt time.Time
	CreatedAt   time.Time
}
