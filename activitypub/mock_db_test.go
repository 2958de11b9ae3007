package activitypub

import (
	"fmt"
	"sync"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

// MockDatabase is an in-memory Database implementation for tests.
type MockDatabase struct {
	mu sync.Mutex

	Accounts        map[string]*domain.Account       // by username
	RemoteAccounts  map[string]*domain.RemoteAccount // by actor URI
	FollowRequests  map[string]*domain.FollowRequest // by source|target
	Relationships   map[string]*domain.Relationship  // by source|target|type
	Posts           map[string]*domain.Post          // by object URI
	PostMentions    map[uuid.UUID][]domain.PostMention
	Activities      map[string]*domain.Activity // by uri|type
	Likes           map[string]*domain.Like     // by activity URI
	Reposts         map[string]*domain.Repost   // by activity URI
	Deliveries      []*domain.DeliveryQueueItem
	Incoming        []*domain.IncomingQueueItem
	FetchRetries    []*domain.FetchRetryItem
	Notifications   []*domain.Notification
	InboxFailures   map[string]int
}

func NewMockDatabase() *MockDatabase {
	return &MockDatabase{
		Accounts:       make(map[string]*domain.Account),
		RemoteAccounts: make(map[string]*domain.RemoteAccount),
		FollowRequests: make(map[string]*domain.FollowRequest),
		Relationships:  make(map[string]*domain.Relationship),
		Posts:          make(map[string]*domain.Post),
		PostMentions:   make(map[uuid.UUID][]domain.PostMention),
		Activities:     make(map[string]*domain.Activity),
		Likes:          make(map[string]*domain.Like),
		Reposts:        make(map[string]*domain.Repost),
		InboxFailures:  make(map[string]int),
	}
}

func (m *MockDatabase) AddAccount(acc *domain.Account) {
	m.Accounts[acc.Username] = acc
}

func (m *MockDatabase) AddRemoteAccount(acc *domain.RemoteAccount) {
	m.RemoteAccounts[acc.ActorURI] = acc
}

func followKey(source, target string) string { return source + "|" + target }

func relKey(source, target string, relType domain.RelationshipType) string {
	return source + "|" + target + "|" + string(relType)
}

// Account operations

func (m *MockDatabase) ReadAccByUsername(username string) (error, *domain.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.Accounts[username]
	if !ok {
		return domain.ErrNotFound, nil
	}
	return nil, acc
}

func (m *MockDatabase) ReadAccById(id uuid.UUID) (error, *domain.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.Accounts {
		if acc.Id == id {
			return nil, acc
		}
	}
	return domain.ErrNotFound, nil
}

func (m *MockDatabase) ReadAllAccounts() (error, *[]domain.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	accounts := []domain.Account{}
	for _, acc := range m.Accounts {
		accounts = append(accounts, *acc)
	}
	return nil, &accounts
}

// Remote account operations

func (m *MockDatabase) ReadRemoteAccountByActorURI(actorURI string) (error, *domain.RemoteAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.RemoteAccounts[actorURI]
	if !ok {
		return domain.ErrNotFound, nil
	}
	return nil, acc
}

func (m *MockDatabase) ReadRemoteAccountByAddress(username, hostname string) (error, *domain.RemoteAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.RemoteAccounts {
		if acc.Username == username && acc.Hostname == hostname {
			return nil, acc
		}
	}
	return domain.ErrNotFound, nil
}

func (m *MockDatabase) ReadRemoteAccountById(id uuid.UUID) (error, *domain.RemoteAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.RemoteAccounts {
		if acc.Id == id {
			return nil, acc
		}
	}
	return domain.ErrNotFound, nil
}

func (m *MockDatabase) CreateRemoteAccount(acc *domain.RemoteAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.RemoteAccounts[acc.ActorURI]; exists {
		return fmt.Errorf("remote account: %w", domain.ErrAlreadyExists)
	}
	m.RemoteAccounts[acc.ActorURI] = acc
	return nil
}

func (m *MockDatabase) UpdateRemoteAccount(acc *domain.RemoteAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RemoteAccounts[acc.ActorURI] = acc
	return nil
}

func (m *MockDatabase) DeleteRemoteAccount(id uuid.UUID, actorURI string) (error, *domain.DeletionQueue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.RemoteAccounts, actorURI)
	return nil, &domain.DeletionQueue{}
}

func (m *MockDatabase) RecordFetchFailure(actorURI string, threshold int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.RemoteAccounts[actorURI]
	if !ok {
		return 0, nil
	}
	acc.FetchFailures++
	if acc.FetchFailures >= threshold && acc.UnreachableSince == nil {
		now := time.Now()
		acc.UnreachableSince = &now
	}
	return acc.FetchFailures, nil
}

func (m *MockDatabase) RecordReachable(actorURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, ok := m.RemoteAccounts[actorURI]; ok {
		acc.FetchFailures = 0
		acc.UnreachableSince = nil
	}
	return nil
}

func (m *MockDatabase) RecordInboxFailure(inboxURI string, threshold int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InboxFailures[inboxURI]++
	return nil
}

func (m *MockDatabase) RecordInboxReachable(inboxURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.InboxFailures, inboxURI)
	return nil
}

// Follow request operations

func (m *MockDatabase) CreateFollowRequest(req *domain.FollowRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := followKey(req.SourceActorURI, req.TargetActorURI)
	if _, exists := m.FollowRequests[key]; exists {
		return fmt.Errorf("follow request: %w", domain.ErrAlreadyExists)
	}
	m.FollowRequests[key] = req
	return nil
}

func (m *MockDatabase) ReadFollowRequestByActivityURI(activityURI string) (error, *domain.FollowRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.FollowRequests {
		if req.ActivityURI == activityURI {
			return nil, req
		}
	}
	return domain.ErrNotFound, nil
}

func (m *MockDatabase) ReadFollowRequestByActors(sourceURI, targetURI string) (error, *domain.FollowRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.FollowRequests[followKey(sourceURI, targetURI)]
	if !ok {
		return domain.ErrNotFound, nil
	}
	return nil, req
}

func (m *MockDatabase) AcceptFollowRequest(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.FollowRequests {
		if req.Id == id {
			req.Status = domain.FollowAccepted
			key := relKey(req.SourceActorURI, req.TargetActorURI, domain.RelationshipFollow)
			m.Relationships[key] = &domain.Relationship{
				Id:             uuid.New(),
				SourceActorURI: req.SourceActorURI,
				TargetActorURI: req.TargetActorURI,
				Type:           domain.RelationshipFollow,
				CreatedAt:      time.Now(),
			}
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *MockDatabase) RejectFollowRequest(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.FollowRequests {
		if req.Id == id {
			req.Status = domain.FollowRejected
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *MockDatabase) DeleteFollowRequestByActors(sourceURI, targetURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.FollowRequests, followKey(sourceURI, targetURI))
	delete(m.Relationships, relKey(sourceURI, targetURI, domain.RelationshipFollow))
	return nil
}

// Relationship operations

func (m *MockDatabase) CreateRelationship(rel *domain.Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := relKey(rel.SourceActorURI, rel.TargetActorURI, rel.Type)
	if _, exists := m.Relationships[key]; exists {
		return fmt.Errorf("relationship: %w", domain.ErrAlreadyExists)
	}
	m.Relationships[key] = rel
	return nil
}

func (m *MockDatabase) DeleteRelationship(sourceURI, targetURI string, relType domain.RelationshipType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Relationships, relKey(sourceURI, targetURI, relType))
	return nil
}

func (m *MockDatabase) HasRelationship(sourceURI, targetURI string, relType domain.RelationshipType) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.Relationships[relKey(sourceURI, targetURI, relType)]
	return ok, nil
}

func (m *MockDatabase) ReadFollowerURIs(targetURI string) (error, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uris := []string{}
	for _, rel := range m.Relationships {
		if rel.TargetActorURI == targetURI && rel.Type == domain.RelationshipFollow {
			uris = append(uris, rel.SourceActorURI)
		}
	}
	return nil, uris
}

func (m *MockDatabase) ReadFollowingURIs(sourceURI string) (error, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uris := []string{}
	for _, rel := range m.Relationships {
		if rel.SourceActorURI == sourceURI && rel.Type == domain.RelationshipFollow {
			uris = append(uris, rel.TargetActorURI)
		}
	}
	return nil, uris
}

func (m *MockDatabase) ReadSubscriberURIs(targetURI string) (error, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	uris := []string{}
	for _, rel := range m.Relationships {
		if rel.TargetActorURI == targetURI && rel.Type == domain.RelationshipSubscription {
			uris = append(uris, rel.SourceActorURI)
		}
	}
	return nil, uris
}

// Post operations

func (m *MockDatabase) CreatePost(post *domain.Post, mentions []domain.PostMention, tags []domain.PostTag, links []domain.PostLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.Posts[post.ObjectURI]; exists {
		return fmt.Errorf("post: %w", domain.ErrAlreadyExists)
	}
	m.Posts[post.ObjectURI] = post
	m.PostMentions[post.Id] = mentions
	if post.InReplyToURI != "" {
		if parent, ok := m.Posts[post.InReplyToURI]; ok {
			parent.ReplyCount++
		}
	}
	return nil
}

func (m *MockDatabase) ReadPostByURI(objectURI string) (error, *domain.Post) {
	m.mu.Lock()
	defer m.mu.Unlock()
	post, ok := m.Posts[objectURI]
	if !ok {
		return domain.ErrNotFound, nil
	}
	return nil, post
}

func (m *MockDatabase) ReadPostById(id uuid.UUID) (error, *domain.Post) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, post := range m.Posts {
		if post.Id == id {
			return nil, post
		}
	}
	return domain.ErrNotFound, nil
}

func (m *MockDatabase) ReadPostMentions(postId uuid.UUID) (error, *[]domain.PostMention) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mentions := m.PostMentions[postId]
	return nil, &mentions
}

func (m *MockDatabase) UpdatePostContent(id uuid.UUID, content string, editedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, post := range m.Posts {
		if post.Id == id {
			post.Content = content
			post.EditedAt = &editedAt
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *MockDatabase) DeletePostByURI(objectURI string) (error, *domain.DeletionQueue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Posts[objectURI]; !ok {
		return domain.ErrNotFound, nil
	}
	delete(m.Posts, objectURI)
	return nil, &domain.DeletionQueue{}
}

// Activity operations

func (m *MockDatabase) CreateActivity(activity *domain.Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := activity.ActivityURI + "|" + activity.ActivityType
	if _, exists := m.Activities[key]; exists {
		return fmt.Errorf("activity: %w", domain.ErrAlreadyExists)
	}
	m.Activities[key] = activity
	return nil
}

func (m *MockDatabase) MarkActivityProcessed(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, activity := range m.Activities {
		if activity.Id == id {
			activity.Processed = true
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *MockDatabase) ReadActivityByObjectURI(objectURI string) (error, *domain.Activity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, activity := range m.Activities {
		if activity.ObjectURI == objectURI {
			return nil, activity
		}
	}
	return domain.ErrNotFound, nil
}

// Like and repost operations

func (m *MockDatabase) CreateLike(like *domain.Like) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Likes {
		if existing.AccountId == like.AccountId && existing.PostId == like.PostId {
			return fmt.Errorf("like: %w", domain.ErrAlreadyExists)
		}
	}
	m.Likes[like.URI] = like
	for _, post := range m.Posts {
		if post.Id == like.PostId {
			post.LikeCount++
		}
	}
	return nil
}

func (m *MockDatabase) DeleteLikeByURI(uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	like, ok := m.Likes[uri]
	if !ok {
		return domain.ErrNotFound
	}
	delete(m.Likes, uri)
	for _, post := range m.Posts {
		if post.Id == like.PostId && post.LikeCount > 0 {
			post.LikeCount--
		}
	}
	return nil
}

func (m *MockDatabase) CreateRepost(repost *domain.Repost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.Reposts {
		if existing.AccountId == repost.AccountId && existing.PostId == repost.PostId {
			return fmt.Errorf("repost: %w", domain.ErrAlreadyExists)
		}
	}
	m.Reposts[repost.URI] = repost
	return nil
}

func (m *MockDatabase) DeleteRepostByURI(uri string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Reposts[uri]; !ok {
		return domain.ErrNotFound
	}
	delete(m.Reposts, uri)
	return nil
}

// Delivery queue operations

func (m *MockDatabase) EnqueueDelivery(item *domain.DeliveryQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deliveries = append(m.Deliveries, item)
	return nil
}

func (m *MockDatabase) ClaimDueDeliveries(limit int) (error, *[]domain.DeliveryQueueItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := []domain.DeliveryQueueItem{}
	for _, item := range m.Deliveries {
		if len(items) >= limit {
			break
		}
		if !item.NextRetryAt.After(time.Now()) {
			items = append(items, *item)
		}
	}
	return nil, &items
}

func (m *MockDatabase) UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.Deliveries {
		if item.Id == id {
			item.Attempts = attempts
			item.NextRetryAt = nextRetry
			item.LastError = lastError
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *MockDatabase) DeleteDelivery(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx, item := range m.Deliveries {
		if item.Id == id {
			m.Deliveries = append(m.Deliveries[:idx], m.Deliveries[idx+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

// Incoming queue operations

func (m *MockDatabase) EnqueueIncoming(item *domain.IncomingQueueItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Incoming = append(m.Incoming, item)
	return nil
}

func (m *MockDatabase) ReadDueIncoming(limit int) (error, *[]domain.IncomingQueueItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := []domain.IncomingQueueItem{}
	for _, item := range m.Incoming {
		if len(items) >= limit {
			break
		}
		if !item.NextRetryAt.After(time.Now()) {
			items = append(items, *item)
		}
	}
	return nil, &items
}

func (m *MockDatabase) UpdateIncomingAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.Incoming {
		if item.Id == id {
			item.Attempts = attempts
			item.NextRetryAt = nextRetry
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *MockDatabase) DeleteIncoming(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx, item := range m.Incoming {
		if item.Id == id {
			m.Incoming = append(m.Incoming[:idx], m.Incoming[idx+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

// Fetch retry operations

func (m *MockDatabase) EnqueueFetchRetry(item *domain.FetchRetryItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FetchRetries = append(m.FetchRetries, item)
	return nil
}

func (m *MockDatabase) ReadDueFetchRetries(limit int) (error, *[]domain.FetchRetryItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := []domain.FetchRetryItem{}
	for _, item := range m.FetchRetries {
		if len(items) >= limit {
			break
		}
		if !item.NextRetryAt.After(time.Now()) {
			items = append(items, *item)
		}
	}
	return nil, &items
}

func (m *MockDatabase) UpdateFetchRetryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range m.FetchRetries {
		if item.Id == id {
			item.Attempts = attempts
			item.NextRetryAt = nextRetry
			return nil
		}
	}
	return domain.ErrNotFound
}

func (m *MockDatabase) DeleteFetchRetry(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for idx, item := range m.FetchRetries {
		if item.Id == id {
			m.FetchRetries = append(m.FetchRetries[:idx], m.FetchRetries[idx+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

// Notification operations

func (m *MockDatabase) CreateNotification(notification *domain.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Notifications = append(m.Notifications, notification)
	return nil
}

// Ensure MockDatabase implements Database interface
var _ Database = (*MockDatabase)(nil)
