package activitypub

import (
	"time"

	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

// DBWrapper adapts the db.GetDB() singleton to the Database interface so
// production code and tests share one seam.
type DBWrapper struct {
	db *db.DB
}

// NewDBWrapper creates a new database wrapper around the singleton database
func NewDBWrapper() *DBWrapper {
	return &DBWrapper{db: db.GetDB()}
}

// Account operations

func (w *DBWrapper) ReadAccByUsername(username string) (error, *domain.Account) {
	return w.db.ReadAccByUsername(username)
}

func (w *DBWrapper) ReadAccById(id uuid.UUID) (error, *domain.Account) {
	return w.db.ReadAccById(id)
}

func (w *DBWrapper) ReadAllAccounts() (error, *[]domain.Account) {
	return w.db.ReadAllAccounts()
}

// Remote account operations

func (w *DBWrapper) ReadRemoteAccountByActorURI(actorURI string) (error, *domain.RemoteAccount) {
	return w.db.ReadRemoteAccountByActorURI(actorURI)
}

func (w *DBWrapper) ReadRemoteAccountByAddress(username, hostname string) (error, *domain.RemoteAccount) {
	return w.db.ReadRemoteAccountByAddress(username, hostname)
}

func (w *DBWrapper) ReadRemoteAccountById(id uuid.UUID) (error, *domain.RemoteAccount) {
	return w.db.ReadRemoteAccountById(id)
}

func (w *DBWrapper) CreateRemoteAccount(acc *domain.RemoteAccount) error {
	return w.db.CreateRemoteAccount(acc)
}

func (w *DBWrapper) UpdateRemoteAccount(acc *domain.RemoteAccount) error {
	return w.db.UpdateRemoteAccount(acc)
}

func (w *DBWrapper) DeleteRemoteAccount(id uuid.UUID, actorURI string) (error, *domain.DeletionQueue) {
	return w.db.DeleteRemoteAccount(id, actorURI)
}

func (w *DBWrapper) RecordFetchFailure(actorURI string, threshold int) (int, error) {
	return w.db.RecordFetchFailure(actorURI, threshold)
}

func (w *DBWrapper) RecordReachable(actorURI string) error {
	return w.db.RecordReachable(actorURI)
}

func (w *DBWrapper) RecordInboxFailure(inboxURI string, threshold int) error {
	return w.db.RecordInboxFailure(inboxURI, threshold)
}

func (w *DBWrapper) RecordInboxReachable(inboxURI string) error {
	return w.db.RecordInboxReachable(inboxURI)
}

// Follow request operations

func (w *DBWrapper) CreateFollowRequest(req *domain.FollowRequest) error {
	return w.db.CreateFollowRequest(req)
}

func (w *DBWrapper) ReadFollowRequestByActivityURI(activityURI string) (error, *domain.FollowRequest) {
	return w.db.ReadFollowRequestByActivityURI(activityURI)
}

func (w *DBWrapper) ReadFollowRequestByActors(sourceURI, targetURI string) (error, *domain.FollowRequest) {
	return w.db.ReadFollowRequestByActors(sourceURI, targetURI)
}

func (w *DBWrapper) AcceptFollowRequest(id uuid.UUID) error {
	return w.db.AcceptFollowRequest(id)
}

func (w *DBWrapper) RejectFollowRequest(id uuid.UUID) error {
	return w.db.RejectFollowRequest(id)
}

func (w *DBWrapper) DeleteFollowRequestByActors(sourceURI, targetURI string) error {
	return w.db.DeleteFollowRequestByActors(sourceURI, targetURI)
}

// Relationship operations

func (w *DBWrapper) CreateRelationship(rel *domain.Relationship) error {
	return w.db.CreateRelationship(rel)
}

func (w *DBWrapper) DeleteRelationship(sourceURI, targetURI string, relType domain.RelationshipType) error {
	return w.db.DeleteRelationship(sourceURI, targetURI, relType)
}

func (w *DBWrapper) HasRelationship(sourceURI, targetURI string, relType domain.RelationshipType) (bool, error) {
	return w.db.HasRelationship(sourceURI, targetURI, relType)
}

func (w *DBWrapper) ReadFollowerURIs(targetURI string) (error, []string) {
	return w.db.ReadFollowerURIs(targetURI)
}

func (w *DBWrapper) ReadFollowingURIs(sourceURI string) (error, []string) {
	return w.db.ReadFollowingURIs(sourceURI)
}

func (w *DBWrapper) ReadSubscriberURIs(targetURI string) (error, []string) {
	return w.db.ReadSubscriberURIs(targetURI)
}

// Post operations

func (w *DBWrapper) CreatePost(post *domain.Post, mentions []domain.PostMention, tags []domain.PostTag, links []domain.PostLink) error {
	return w.db.CreatePost(post, mentions, tags, links)
}

func (w *DBWrapper) ReadPostByURI(objectURI string) (error, *domain.Post) {
	return w.db.ReadPostByURI(objectURI)
}

func (w *DBWrapper) ReadPostById(id uuid.UUID) (error, *domain.Post) {
	return w.db.ReadPostById(id)
}

func (w *DBWrapper) ReadPostMentions(postId uuid.UUID) (error, *[]domain.PostMention) {
	return w.db.ReadPostMentions(postId)
}

func (w *DBWrapper) UpdatePostContent(id uuid.UUID, content string, editedAt time.Time) error {
	return w.db.UpdatePostContent(id, content, editedAt)
}

func (w *DBWrapper) DeletePostByURI(objectURI string) (error, *domain.DeletionQueue) {
	return w.db.DeletePostByURI(objectURI)
}

// Activity operations

func (w *DBWrapper) CreateActivity(activity *domain.Activity) error {
	return w.db.CreateActivity(activity)
}

func (w *DBWrapper) MarkActivityProcessed(id uuid.UUID) error {
	return w.db.MarkActivityProcessed(id)
}

func (w *DBWrapper) ReadActivityByObjectURI(objectURI string) (error, *domain.Activity) {
	return w.db.ReadActivityByObjectURI(objectURI)
}

// Like and repost operations

func (w *DBWrapper) CreateLike(like *domain.Like) error {
	return w.db.CreateLike(like)
}

func (w *DBWrapper) DeleteLikeByURI(uri string) error {
	return w.db.DeleteLikeByURI(uri)
}

func (w *DBWrapper) CreateRepost(repost *domain.Repost) error {
	return w.db.CreateRepost(repost)
}

func (w *DBWrapper) DeleteRepostByURI(uri string) error {
	return w.db.DeleteRepostByURI(uri)
}

// Delivery queue operations

func (w *DBWrapper) EnqueueDelivery(item *domain.DeliveryQueueItem) error {
	return w.db.EnqueueDelivery(item)
}

func (w *DBWrapper) ClaimDueDeliveries(limit int) (error, *[]domain.DeliveryQueueItem) {
	return w.db.ClaimDueDeliveries(limit)
}

func (w *DBWrapper) UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time, lastError string) error {
	return w.db.UpdateDeliveryAttempt(id, attempts, nextRetry, lastError)
}

func (w *DBWrapper) DeleteDelivery(id uuid.UUID) error {
	return w.db.DeleteDelivery(id)
}

// Incoming queue operations

func (w *DBWrapper) EnqueueIncoming(item *domain.IncomingQueueItem) error {
	return w.db.EnqueueIncoming(item)
}

func (w *DBWrapper) ReadDueIncoming(limit int) (error, *[]domain.IncomingQueueItem) {
	return w.db.ReadDueIncoming(limit)
}

func (w *DBWrapper) UpdateIncomingAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	return w.db.UpdateIncomingAttempt(id, attempts, nextRetry)
}

func (w *DBWrapper) DeleteIncoming(id uuid.UUID) error {
	return w.db.DeleteIncoming(id)
}

// Fetch retry operations

func (w *DBWrapper) EnqueueFetchRetry(item *domain.FetchRetryItem) error {
	return w.db.EnqueueFetchRetry(item)
}

func (w *DBWrapper) ReadDueFetchRetries(limit int) (error, *[]domain.FetchRetryItem) {
	return w.db.ReadDueFetchRetries(limit)
}

func (w *DBWrapper) UpdateFetchRetryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	return w.db.UpdateFetchRetryAttempt(id, attempts, nextRetry)
}

func (w *DBWrapper) DeleteFetchRetry(id uuid.UUID) error {
	return w.db.DeleteFetchRetry(id)
}

// Notification operations

func (w *DBWrapper) CreateNotification(notification *domain.Notification) error {
	return w.db.CreateNotification(notification)
}

// Ensure DBWrapper implements Database interface
var _ Database = (*DBWrapper)(nil)
