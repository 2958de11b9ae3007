package activitypub

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// actorCacheTTL is how long a cached remote actor is considered fresh.
const actorCacheTTL = 24 * time.Hour

// unreachableThreshold is the consecutive-failure count after which a remote
// actor is marked unreachable.
const unreachableThreshold = 5

// fetchGroup deduplicates concurrent fetches: at most one in-flight GET per
// URL, with all callers sharing the result.
var fetchGroup singleflight.Group

const mediaTypeActivityJSON = "application/activity+json"

// acceptedActivityTypes are the media types a webfinger self link may carry.
var acceptedActivityTypes = []string{
	mediaTypeActivityJSON,
	`application/ld+json; profile="https://www.w3.org/ns/activitystreams"`,
}

// ActorImage tolerates the empty-object variant some servers emit for icon.
type ActorImage struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType"`
	URL       string `json:"url"`
}

// ActorAttachment is one entry of an actor's attachment list.
type ActorAttachment struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
	Href  string `json:"href"`
}

// ActorAttachments accepts both a single object and an array, which both
// occur in the wild.
type ActorAttachments []ActorAttachment

func (a *ActorAttachments) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var list []ActorAttachment
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*a = list
		return nil
	}
	var single ActorAttachment
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	*a = []ActorAttachment{single}
	return nil
}

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context           any              `json:"@context"`
	ID                string           `json:"id"`
	Type              string           `json:"type"`
	PreferredUsername string           `json:"preferredUsername"`
	Name              string           `json:"name"`
	Summary           string           `json:"summary"`
	Inbox             string           `json:"inbox"`
	Outbox            string           `json:"outbox"`
	Followers         string           `json:"followers"`
	Following         string           `json:"following"`
	Subscribers       string           `json:"subscribers"`
	URL               string           `json:"url"`
	Icon              ActorImage       `json:"icon"`
	Image             ActorImage       `json:"image"`
	Attachment        ActorAttachments `json:"attachment"`
	AlsoKnownAs       []string         `json:"alsoKnownAs"`
	ManuallyApprovesFollowers bool     `json:"manuallyApprovesFollowers"`
	PublicKey         struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
	Endpoints struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
}

// SchemeForHost picks the URL scheme for a remote host: plain HTTP for
// onion/i2p overlays and raw IP literals, HTTPS for everything else.
func SchemeForHost(host string) string {
	bare := host
	// host:port with a single colon; bare IPv6 literals keep their colons
	if strings.Count(bare, ":") == 1 {
		bare = bare[:strings.Index(bare, ":")]
	}
	if strings.HasSuffix(bare, ".onion") || strings.HasSuffix(bare, ".i2p") || util.IsIPLiteral(bare) {
		return "http"
	}
	return "https"
}

// signedGet issues a federation GET signed by the instance actor.
func signedGet(targetURI string, inst *Instance, client HTTPClient, accept string) ([]byte, error) {
	if !inst.FederationEnabled {
		return nil, fmt.Errorf("federation is disabled: %w", domain.ErrFetchFailed)
	}

	hostname := util.HostnameFromURI(targetURI)
	if hostname == "" {
		return nil, fmt.Errorf("unparsable target %q: %w", targetURI, domain.ErrFetchFailed)
	}

	req, err := http.NewRequest("GET", targetURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", util.UserAgent(inst.Origin))

	if err := SignGetRequest(req, inst.PrivateKey, inst.KeyId()); err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w: %v", domain.ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, fmt.Errorf("target %s is gone: %w", targetURI, domain.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch of %s returned status %d: %w", targetURI, resp.StatusCode, domain.ErrFetchFailed)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// FetchRemoteActor fetches an actor from a remote server and stores it in
// the cache. Production wrapper around FetchRemoteActorWithDeps.
func FetchRemoteActor(actorURI string, conf *util.AppConfig) (*domain.RemoteAccount, error) {
	return FetchRemoteActorWithDeps(actorURI, conf, defaultClient(conf), NewDBWrapper())
}

// FetchRemoteActorWithDeps fetches, validates and upserts a remote actor.
// Concurrent fetches of the same URL are collapsed into one request.
func FetchRemoteActorWithDeps(actorURI string, conf *util.AppConfig, client HTTPClient, database Database) (*domain.RemoteAccount, error) {
	result, err, _ := fetchGroup.Do(actorURI, func() (any, error) {
		return fetchRemoteActor(actorURI, conf, client, database)
	})
	if err != nil {
		return nil, err
	}
	return result.(*domain.RemoteAccount), nil
}

func fetchRemoteActor(actorURI string, conf *util.AppConfig, client HTTPClient, database Database) (*domain.RemoteAccount, error) {
	inst := GetInstance()

	hostname := util.HostnameFromURI(actorURI)
	if conf.IsBlockedInstance(hostname) {
		return nil, fmt.Errorf("instance %s is blocked: %w", hostname, domain.ErrFetchFailed)
	}

	body, err := signedGet(actorURI, inst, client, mediaTypeActivityJSON)
	if err != nil {
		if failures, ferr := database.RecordFetchFailure(actorURI, unreachableThreshold); ferr == nil && failures >= unreachableThreshold {
			log.Printf("Fetcher: Actor %s marked unreachable after %d failures", actorURI, failures)
		}
		return nil, err
	}

	var actor ActorResponse
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w: %v", domain.ErrFetchFailed, err)
	}

	if err := validateActor(&actor, actorURI); err != nil {
		return nil, err
	}

	remoteAcc := remoteAccountFromActor(&actor, string(body))

	// Upsert: reuse the row id when the actor is already cached
	err, existingAcc := database.ReadRemoteAccountByActorURI(actor.ID)
	if err == nil && existingAcc != nil {
		remoteAcc.Id = existingAcc.Id
		if existingAcc.PublicKeyPem != remoteAcc.PublicKeyPem {
			log.Printf("Fetcher: Public key of %s changed", actor.ID)
		}
		if err := database.UpdateRemoteAccount(remoteAcc); err != nil {
			return nil, fmt.Errorf("failed to update remote account: %w", err)
		}
	} else {
		remoteAcc.Id = uuid.New()
		if err := database.CreateRemoteAccount(remoteAcc); err != nil {
			return nil, fmt.Errorf("failed to create remote account: %w", err)
		}
	}

	return remoteAcc, nil
}

// validateActor checks the fetched document against the actor schema.
func validateActor(actor *ActorResponse, fetchedFrom string) error {
	if actor.ID == "" || actor.Inbox == "" || actor.PreferredUsername == "" || actor.PublicKey.PublicKeyPem == "" {
		return fmt.Errorf("actor missing required fields: %w", domain.ErrFetchFailed)
	}
	if actor.Type != "Person" && actor.Type != "Service" {
		return fmt.Errorf("unexpected actor type %q: %w", actor.Type, domain.ErrFetchFailed)
	}
	// The document must live on the host it claims to be from
	if util.HostnameFromURI(actor.ID) != util.HostnameFromURI(fetchedFrom) {
		return fmt.Errorf("actor id %s does not match fetch host: %w", actor.ID, domain.ErrFetchFailed)
	}
	return nil
}

func remoteAccountFromActor(actor *ActorResponse, rawJSON string) *domain.RemoteAccount {
	fields := make([]domain.ProfileField, 0, len(actor.Attachment))
	for _, att := range actor.Attachment {
		switch att.Type {
		case "PropertyValue", "IdentityProof", "Link":
			fields = append(fields, domain.ProfileField{
				Kind:  att.Type,
				Name:  att.Name,
				Value: util.SanitizeContent(att.Value),
				Href:  att.Href,
			})
		default:
			// unknown attachment kinds are dropped on ingest
		}
	}

	return &domain.RemoteAccount{
		Username:       actor.PreferredUsername,
		Hostname:       util.HostnameFromURI(actor.ID),
		ActorURI:       actor.ID,
		DisplayName:    util.StripHTML(actor.Name),
		Summary:        util.SanitizeContent(actor.Summary),
		InboxURI:       actor.Inbox,
		OutboxURI:      actor.Outbox,
		SharedInboxURI: actor.Endpoints.SharedInbox,
		FollowersURI:   actor.Followers,
		FollowingURI:   actor.Following,
		SubscribersURI: actor.Subscribers,
		PublicKeyPem:   actor.PublicKey.PublicKeyPem,
		AvatarURL:      actor.Icon.URL,
		HeaderURL:      actor.Image.URL,
		URL:            actor.URL,
		ManuallyApprovesFollowers: actor.ManuallyApprovesFollowers,
		Attachments:    fields,
		AlsoKnownAs:    actor.AlsoKnownAs,
		RawJSON:        rawJSON,
		LastFetchedAt:  time.Now(),
		UpdatedAt:      time.Now(),
	}
}

// GetOrFetchActor returns an actor from cache or fetches it when missing or
// stale. Production wrapper.
func GetOrFetchActor(actorURI string, conf *util.AppConfig) (*domain.RemoteAccount, error) {
	return GetOrFetchActorWithDeps(actorURI, conf, defaultClient(conf), NewDBWrapper())
}

// GetOrFetchActorWithDeps returns actor from cache or fetches if not cached/stale.
func GetOrFetchActorWithDeps(actorURI string, conf *util.AppConfig, client HTTPClient, database Database) (*domain.RemoteAccount, error) {
	err, cached := database.ReadRemoteAccountByActorURI(actorURI)
	if err == nil && cached != nil {
		if time.Since(cached.LastFetchedAt) < actorCacheTTL {
			return cached, nil
		}
		// Stale entries are refreshed, but a failed refresh falls back to
		// the stale row rather than failing the caller.
		fresh, fetchErr := FetchRemoteActorWithDeps(actorURI, conf, client, database)
		if fetchErr != nil {
			log.Printf("Fetcher: Refresh of %s failed, serving stale cache: %v", actorURI, fetchErr)
			return cached, nil
		}
		return fresh, nil
	}

	return FetchRemoteActorWithDeps(actorURI, conf, client, database)
}

// webFingerResponse is the JRD envelope.
type webFingerResponse struct {
	Subject string `json:"subject"`
	Links   []struct {
		Rel  string `json:"rel"`
		Type string `json:"type"`
		Href string `json:"href"`
	} `json:"links"`
}

// ResolveByAddress resolves user@host to a cached actor, via WebFinger for
// unknown addresses. Production wrapper.
func ResolveByAddress(username, hostname string, conf *util.AppConfig) (*domain.RemoteAccount, error) {
	return ResolveByAddressWithDeps(username, hostname, conf, defaultClient(conf), NewDBWrapper())
}

// ResolveByAddressWithDeps resolves an address, preferring the local cache.
func ResolveByAddressWithDeps(username, hostname string, conf *util.AppConfig, client HTTPClient, database Database) (*domain.RemoteAccount, error) {
	if conf.IsBlockedInstance(hostname) {
		return nil, fmt.Errorf("instance %s is blocked: %w", hostname, domain.ErrFetchFailed)
	}

	err, cached := database.ReadRemoteAccountByAddress(username, hostname)
	if err == nil && cached != nil && time.Since(cached.LastFetchedAt) < actorCacheTTL {
		return cached, nil
	}

	actorURI, err := resolveWebFinger(username, hostname, client, conf)
	if err != nil {
		return nil, err
	}
	return FetchRemoteActorWithDeps(actorURI, conf, client, database)
}

// resolveWebFinger maps user@host to an actor URL via the host's
// .well-known/webfinger endpoint.
func resolveWebFinger(username, hostname string, client HTTPClient, conf *util.AppConfig) (string, error) {
	webfingerURL := fmt.Sprintf("%s://%s/.well-known/webfinger?resource=acct:%s@%s",
		SchemeForHost(hostname), hostname, username, hostname)

	req, err := http.NewRequest("GET", webfingerURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/jrd+json")
	req.Header.Set("User-Agent", util.UserAgent(conf.Origin()))

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("webfinger request failed: %w: %v", domain.ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("webfinger failed with status %d: %w", resp.StatusCode, domain.ErrFetchFailed)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	var result webFingerResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse webfinger response: %w: %v", domain.ErrFetchFailed, err)
	}

	for _, link := range result.Links {
		if link.Rel != "self" {
			continue
		}
		for _, accepted := range acceptedActivityTypes {
			if link.Type == accepted {
				return link.Href, nil
			}
		}
	}

	return "", fmt.Errorf("no ActivityPub actor found in webfinger response: %w", domain.ErrFetchFailed)
}

// FetchObject retrieves a remote post or other referenced object.
// Production wrapper.
func FetchObject(objectURI string, conf *util.AppConfig) ([]byte, error) {
	return FetchObjectWithDeps(objectURI, conf, defaultClient(conf))
}

// FetchObjectWithDeps retrieves the raw JSON of a remote object with a
// signed GET. Concurrent fetches of the same URL are collapsed.
func FetchObjectWithDeps(objectURI string, conf *util.AppConfig, client HTTPClient) ([]byte, error) {
	hostname := util.HostnameFromURI(objectURI)
	if conf.IsBlockedInstance(hostname) {
		return nil, fmt.Errorf("instance %s is blocked: %w", hostname, domain.ErrFetchFailed)
	}

	result, err, _ := fetchGroup.Do("object:"+objectURI, func() (any, error) {
		return signedGet(objectURI, GetInstance(), client, mediaTypeActivityJSON)
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// defaultClient builds the production HTTP client with the fetcher timeout.
func defaultClient(conf *util.AppConfig) HTTPClient {
	return NewDefaultHTTPClient(time.Duration(conf.Conf.Federation.FetcherTimeout)*time.Second, conf.Conf.Federation)
}

// IsLocalActorURI reports whether uri names an actor on this instance.
func IsLocalActorURI(uri, origin string) bool {
	return strings.HasPrefix(uri, origin+"/users/") || uri == origin+"/actor"
}

// LocalUsernameFromURI extracts the username of a local actor URI, or ""
// when the URI is not one of ours.
func LocalUsernameFromURI(uri, origin string) string {
	prefix := origin + "/users/"
	if !strings.HasPrefix(uri, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(uri, prefix)
	if idx := strings.Index(rest, "/"); idx >= 0 {
		rest = rest[:idx]
	}
	return rest
}

// ParseAddress splits a user@host address, tolerating a leading @.
func ParseAddress(address string) (string, string, error) {
	address = strings.TrimPrefix(address, "@")
	parts := strings.SplitN(address, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid address %q: %w", address, domain.ErrValidation)
	}
	if !util.IsValidHostname(parts[1]) {
		return "", "", fmt.Errorf("invalid hostname %q: %w", parts[1], domain.ErrValidation)
	}
	return parts[0], parts[1], nil
}
