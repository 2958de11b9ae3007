package activitypub

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/google/uuid"
)

// Database defines the database operations required by the ActivityPub package.
// This interface allows for dependency injection and testing with mock implementations.
type Database interface {
	// Account operations
	ReadAccByUsername(username string) (error, *domain.Account)
	ReadAccById(id uuid.UUID) (error, *domain.Account)
	ReadAllAccounts() (error, *[]domain.Account)

	// Remote account operations
	ReadRemoteAccountByActorURI(actorURI string) (error, *domain.RemoteAccount)
	ReadRemoteAccountByAddress(username, hostname string) (error, *domain.RemoteAccount)
	ReadRemoteAccountById(id uuid.UUID) (error, *domain.RemoteAccount)
	CreateRemoteAccount(acc *domain.RemoteAccount) error
	UpdateRemoteAccount(acc *domain.RemoteAccount) error
	DeleteRemoteAccount(id uuid.UUID, actorURI string) (error, *domain.DeletionQueue)
	RecordFetchFailure(actorURI string, threshold int) (int, error)
	RecordReachable(actorURI string) error
	RecordInboxFailure(inboxURI string, threshold int) error
	RecordInboxReachable(inboxURI string) error

	// Follow request operations
	CreateFollowRequest(req *domain.FollowRequest) error
	ReadFollowRequestByActivityURI(activityURI string) (error, *domain.FollowRequest)
	ReadFollowRequestByActors(sourceURI, targetURI string) (error, *domain.FollowRequest)
	AcceptFollowRequest(id uuid.UUID) error
	RejectFollowRequest(id uuid.UUID) error
	DeleteFollowRequestByActors(sourceURI, targetURI string) error

	// Relationship operations
	CreateRelationship(rel *domain.Relationship) error
	DeleteRelationship(sourceURI, targetURI string, relType domain.RelationshipType) error
	HasRelationship(sourceURI, targetURI string, relType domain.RelationshipType) (bool, error)
	ReadFollowerURIs(targetURI string) (error, []string)
	ReadFollowingURIs(sourceURI string) (error, []string)
	ReadSubscriberURIs(targetURI string) (error, []string)

	// Post operations
	CreatePost(post *domain.Post, mentions []domain.PostMention, tags []domain.PostTag, links []domain.PostLink) error
	ReadPostByURI(objectURI string) (error, *domain.Post)
	ReadPostById(id uuid.UUID) (error, *domain.Post)
	ReadPostMentions(postId uuid.UUID) (error, *[]domain.PostMention)
	UpdatePostContent(id uuid.UUID, content string, editedAt time.Time) error
	DeletePostByURI(objectURI string) (error, *domain.DeletionQueue)

	// Activity operations
	CreateActivity(activity *domain.Activity) error
	MarkActivityProcessed(id uuid.UUID) error
	ReadActivityByObjectURI(objectURI string) (error, *domain.Activity)

	// Like and repost operations
	CreateLike(like *domain.Like) error
	DeleteLikeByURI(uri string) error
	CreateRepost(repost *domain.Repost) error
	DeleteRepostByURI(uri string) error

	// Delivery queue operations
	EnqueueDelivery(item *domain.DeliveryQueueItem) error
	ClaimDueDeliveries(limit int) (error, *[]domain.DeliveryQueueItem)
	UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time, lastError string) error
	DeleteDelivery(id uuid.UUID) error

	// Incoming queue operations
	EnqueueIncoming(item *domain.IncomingQueueItem) error
	ReadDueIncoming(limit int) (error, *[]domain.IncomingQueueItem)
	UpdateIncomingAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error
	DeleteIncoming(id uuid.UUID) error

	// Fetch retry operations
	EnqueueFetchRetry(item *domain.FetchRetryItem) error
	ReadDueFetchRetries(limit int) (error, *[]domain.FetchRetryItem)
	UpdateFetchRetryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error
	DeleteFetchRetry(id uuid.UUID) error

	// Notification operations
	CreateNotification(notification *domain.Notification) error
}

// HTTPClient defines the HTTP client operations required by the ActivityPub package.
// This interface allows for dependency injection and testing with mock implementations.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DefaultHTTPClient is the default HTTP client used in production. It picks
// a proxy per destination host: .onion and .i2p traffic goes through the
// configured anonymizing proxies, everything else through proxy_url if set.
type DefaultHTTPClient struct {
	client *http.Client
}

// NewDefaultHTTPClient creates a client honoring the federation proxy
// configuration with the given timeout.
func NewDefaultHTTPClient(timeout time.Duration, federation util.Federation) *DefaultHTTPClient {
	transport := &http.Transport{
		Proxy: func(req *http.Request) (*url.URL, error) {
			host := req.URL.Hostname()
			switch {
			case strings.HasSuffix(host, ".onion") && federation.OnionProxyURL != "":
				return url.Parse(federation.OnionProxyURL)
			case strings.HasSuffix(host, ".i2p") && federation.I2pProxyURL != "":
				return url.Parse(federation.I2pProxyURL)
			case federation.ProxyURL != "":
				return url.Parse(federation.ProxyURL)
			}
			return nil, nil
		},
	}
	return &DefaultHTTPClient{
		client: &http.Client{Timeout: timeout, Transport: transport},
	}
}

// Do executes the HTTP request
func (c *DefaultHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}
