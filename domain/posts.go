package domain

import (
	"time"

	"github.com/google/uuid"
)

// Visibility controls the audience of a post.
type Visibility string

const (
	VisibilityPublic      Visibility = "public"
	VisibilityFollowers   Visibility = "followers"
	VisibilitySubscribers Visibility = "subscribers"
	VisibilityDirect      Visibility = "direct"
)

// Post is a local or cached remote note. AuthorId references either a local
// account or a remote account row; exactly one of the two exists.
type Post struct {
	Id           uuid.UUID
	ObjectURI    string // absolute URL; {origin}/objects/{uuid} for local posts
	AuthorId     uuid.UUID
	AuthorLocal  bool
	Content      string // sanitized HTML
	Visibility   Visibility
	InReplyToURI string
	RepostOfURI  string // set on Announce rows; content is empty then
	URL          string
	CreatedAt    time.Time
	EditedAt     *time.Time

	ReplyCount  int
	LikeCount   int
	RepostCount int
}

// IsRepost reports whether the post is an Announce wrapper.
func (p *Post) IsRepost() bool {
	return p.RepostOfURI != ""
}

// PostMention records one actor mentioned by a post.
type PostMention struct {
	Id        uuid.UUID
	PostId    uuid.UUID
	ActorURI  string
	Username  string
	Hostname  string
	CreatedAt time.Time
}

// PostTag records one hashtag on a post.
type PostTag struct {
	Id     uuid.UUID
	PostId uuid.UUID
	Name   string
}

// PostLink records one FEP-e232 object link (a post referencing another
// post by URL rather than by reply).
type PostLink struct {
	Id        uuid.UUID
	PostId    uuid.UUID
	ObjectURI string
}

// MediaAttachment is a file attached to a post, stored content-addressed
// under {storage_dir}/media/.
type MediaAttachment struct {
	Id        uuid.UUID
	PostId    uuid.UUID
	URL       string
	MediaType string
	FileName  string
	IpfsCid   string
	CreatedAt time.Time
}

// Like is a reaction on a post.
type Like struct {
	Id           uuid.UUID
	AccountId    uuid.UUID
	AccountLocal bool
	PostId       uuid.UUID
	URI          string // ActivityPub Like activity URI
	CreatedAt    time.Time
}

// Repost marks an Announce of a post by an actor.
type Repost struct {
	Id           uuid.UUID
	AccountId    uuid.UUID
	AccountLocal bool
	PostId       uuid.UUID
	URI          string // ActivityPub Announce activity URI
	CreatedAt    time.Time
}

// DeletionQueue carries the media names a delete released, so the caller can
// garbage-collect files after the transaction commits.
type DeletionQueue struct {
	FileNames []string
	IpfsCids  []string
}

// Merge folds another queue into this one.
func (q *DeletionQueue) Merge(other *DeletionQueue) {
	if other == nil {
		return
	}
	q.FileNames = append(q.FileNames, other.FileNames...)
	q.IpfsCids = append(q.IpfsCids, other.IpfsCids...)
}
