package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotificationFollow        NotificationType = "follow"
	NotificationFollowRequest NotificationType = "follow_request"
	NotificationLike          NotificationType = "like"
	NotificationReply         NotificationType = "reply"
	NotificationMention       NotificationType = "mention"
	NotificationRepost        NotificationType = "repost"
	NotificationMove          NotificationType = "move"
)

// Notification represents a user notification
type Notification struct {
	Id               uuid.UUID
	AccountId        uuid.UUID // The local user receiving the notification
	NotificationType NotificationType
	ActorURI         string // The actor that triggered the notification
	ActorUsername    string // Denormalized for display (e.g., "alice")
	ActorHostname    string // Denormalized for display (empty for local)
	PostURI          string // ActivityPub URI of the post (for like/reply/mention/repost)
	PostPreview      string // First 100 chars of post content
	Read             bool
	CreatedAt        time.Time
}

// ActorHandle returns the formatted @user or @user@host string
func (n *Notification) ActorHandle() string {
	if n.ActorHostname == "" {
		return "@" + n.ActorUsername
	}
	return "@" + n.ActorUsername + "@" + n.ActorHostname
}

// TypeLabel returns a human-readable label for the notification type
func (n *Notification) TypeLabel() string {
	switch n.NotificationType {
	case NotificationFollow:
		return "followed you"
	case NotificationFollowRequest:
		return "requested to follow you"
	case NotificationLike:
		return "liked your post"
	case NotificationReply:
		return "replied to your post"
	case NotificationMention:
		return "mentioned you"
	case NotificationRepost:
		return "reposted your post"
	case NotificationMove:
		return "moved to a new account"
	default:
		return ""
	}
}

// Summary returns a one-line summary of the notification
func (n *Notification) Summary() string {
	return fmt.Sprintf("%s %s", n.ActorHandle(), n.TypeLabel())
}
