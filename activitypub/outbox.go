package activitypub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/google/uuid"
)

// Outbound activities are built here and handed to the delivery queue; the
// delivery executor signs the HTTP request at send time. Activities that may
// be forwarded (Create/Update/Delete of notes, Move) additionally carry an
// embedded document proof so receivers can authenticate them without us.

var activityContext = []any{
	"https://www.w3.org/ns/activitystreams",
	"https://w3id.org/security/v1",
}

// mustMarshal marshals v to JSON, panicking on error
func mustMarshal(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("failed to marshal: %v", err))
	}
	return string(b)
}

// enqueueActivity queues one delivery job per recipient inbox.
func enqueueActivity(activity map[string]any, senderActorURI string, inboxes []string, database Database) error {
	if len(inboxes) == 0 {
		log.Printf("Outbox: No inboxes to deliver %v to", activity["type"])
		return nil
	}

	activityJSON := mustMarshal(activity)
	for _, inboxURI := range inboxes {
		item := &domain.DeliveryQueueItem{
			Id:             uuid.New(),
			SenderActorURI: senderActorURI,
			InboxURI:       inboxURI,
			ActivityJSON:   activityJSON,
			NextRetryAt:    time.Now(),
			CreatedAt:      time.Now(),
		}
		if err := database.EnqueueDelivery(item); err != nil {
			log.Printf("Outbox: Failed to queue delivery to %s: %v", inboxURI, err)
		}
	}

	log.Printf("Outbox: Queued %v from %s to %d inboxes", activity["type"], senderActorURI, len(inboxes))
	return nil
}

// signActivityProof embeds a document proof signed by the sender.
func signActivityProof(activity map[string]any, account *domain.Account, actorURI string) error {
	key, err := ActorKey(account)
	if err != nil {
		return err
	}
	return SignDocument(activity, key, KeyId(actorURI))
}

// inboxSet collects recipient inboxes, deduplicating by URL and preferring a
// host's sharedInbox when every recipient there exposes the same one.
type inboxSet struct {
	byHost map[string][]*domain.RemoteAccount
}

func newInboxSet() *inboxSet {
	return &inboxSet{byHost: make(map[string][]*domain.RemoteAccount)}
}

func (s *inboxSet) add(acc *domain.RemoteAccount) {
	if acc == nil || acc.InboxURI == "" {
		return
	}
	for _, existing := range s.byHost[acc.Hostname] {
		if existing.ActorURI == acc.ActorURI {
			return
		}
	}
	s.byHost[acc.Hostname] = append(s.byHost[acc.Hostname], acc)
}

func (s *inboxSet) urls() []string {
	urls := []string{}
	seen := make(map[string]bool)
	for _, accounts := range s.byHost {
		shared := accounts[0].SharedInboxURI
		allShared := shared != ""
		for _, acc := range accounts[1:] {
			if acc.SharedInboxURI != shared {
				allShared = false
				break
			}
		}
		if allShared && len(accounts) > 0 {
			if !seen[shared] {
				seen[shared] = true
				urls = append(urls, shared)
			}
			continue
		}
		for _, acc := range accounts {
			if !seen[acc.InboxURI] {
				seen[acc.InboxURI] = true
				urls = append(urls, acc.InboxURI)
			}
		}
	}
	return urls
}

// addActorURIs resolves a list of actor URIs from the cache into the set.
// Local actors and unresolvable ones are skipped.
func (s *inboxSet) addActorURIs(uris []string, origin string, database Database) {
	for _, uri := range uris {
		if IsLocalActorURI(uri, origin) {
			continue
		}
		err, acc := database.ReadRemoteAccountByActorURI(uri)
		if err != nil || acc == nil {
			log.Printf("Outbox: Recipient %s not cached, skipping", uri)
			continue
		}
		s.add(acc)
	}
}

// expandRecipients resolves the audience of a post into inbox URLs per the
// visibility rules.
func expandRecipients(actorURI string, visibility domain.Visibility, mentionURIs []string, conf *util.AppConfig, database Database) []string {
	set := newInboxSet()
	origin := conf.Origin()

	switch visibility {
	case domain.VisibilityPublic, domain.VisibilityFollowers:
		if err, followers := database.ReadFollowerURIs(actorURI); err == nil {
			set.addActorURIs(followers, origin, database)
		}
	case domain.VisibilitySubscribers:
		// An empty subscriber list means no recipients, not followers
		if err, subscribers := database.ReadSubscriberURIs(actorURI); err == nil {
			set.addActorURIs(subscribers, origin, database)
		}
	case domain.VisibilityDirect:
		// mentioned actors only
	}

	set.addActorURIs(mentionURIs, origin, database)
	return set.urls()
}

// buildNoteObject renders a post as its wire Note document.
func buildNoteObject(post *domain.Post, account *domain.Account, mentions []domain.PostMention, tags []domain.PostTag, links []domain.PostLink, conf *util.AppConfig) map[string]any {
	origin := conf.Origin()
	actorURI := LocalActorURI(origin, account.Username)
	followersURI := actorURI + "/followers"

	var to, cc []string
	switch post.Visibility {
	case domain.VisibilityPublic:
		to = []string{PublicAddressee}
		cc = []string{followersURI}
	case domain.VisibilityFollowers:
		to = []string{followersURI}
	case domain.VisibilitySubscribers:
		to = []string{actorURI + "/subscribers"}
	case domain.VisibilityDirect:
		to = []string{}
	}
	for _, mention := range mentions {
		if post.Visibility == domain.VisibilityDirect {
			to = append(to, mention.ActorURI)
		} else {
			cc = append(cc, mention.ActorURI)
		}
	}

	noteObj := map[string]any{
		"id":           post.ObjectURI,
		"type":         "Note",
		"attributedTo": actorURI,
		"content":      post.Content,
		"mediaType":    "text/html",
		"published":    post.CreatedAt.UTC().Format(time.RFC3339),
		"to":           to,
		"cc":           cc,
	}
	if post.URL != "" {
		noteObj["url"] = post.URL
	}
	if post.InReplyToURI != "" {
		noteObj["inReplyTo"] = post.InReplyToURI
	}
	if post.EditedAt != nil {
		noteObj["updated"] = post.EditedAt.UTC().Format(time.RFC3339)
	}

	tagList := make([]map[string]any, 0, len(mentions)+len(tags)+len(links))
	for _, mention := range mentions {
		tagList = append(tagList, map[string]any{
			"type": "Mention",
			"href": mention.ActorURI,
			"name": "@" + mention.Username + "@" + mention.Hostname,
		})
	}
	for _, tag := range tags {
		tagList = append(tagList, map[string]any{
			"type": "Hashtag",
			"href": fmt.Sprintf("%s/tags/%s", origin, tag.Name),
			"name": "#" + tag.Name,
		})
	}
	for _, link := range links {
		tagList = append(tagList, map[string]any{
			"type":      "Link",
			"mediaType": mediaTypeActivityJSON,
			"href":      link.ObjectURI,
		})
	}
	if len(tagList) > 0 {
		noteObj["tag"] = tagList
	}

	return noteObj
}

// SendAccept answers a Follow with Accept(Follow). Production wrapper.
func SendAccept(localAccount *domain.Account, remoteActor *domain.RemoteAccount, followID string, conf *util.AppConfig) error {
	return SendAcceptWithDeps(localAccount, remoteActor, followID, conf, NewDBWrapper())
}

// SendAcceptWithDeps enqueues Accept(Follow) to the original source.
func SendAcceptWithDeps(localAccount *domain.Account, remoteActor *domain.RemoteAccount, followID string, conf *util.AppConfig, database Database) error {
	origin := conf.Origin()
	actorURI := LocalActorURI(origin, localAccount.Username)

	accept := map[string]any{
		"@context": activityContext,
		"id":       LocalActivityURI(origin, uuid.New().String()),
		"type":     "Accept",
		"actor":    actorURI,
		"object": map[string]any{
			"id":     followID,
			"type":   "Follow",
			"actor":  remoteActor.ActorURI,
			"object": actorURI,
		},
	}

	return enqueueActivity(accept, actorURI, []string{remoteActor.InboxURI}, database)
}

// SendRejectWithDeps enqueues Reject(Follow) to the original source.
func SendRejectWithDeps(localAccount *domain.Account, remoteActor *domain.RemoteAccount, followID string, conf *util.AppConfig, database Database) error {
	origin := conf.Origin()
	actorURI := LocalActorURI(origin, localAccount.Username)

	reject := map[string]any{
		"@context": activityContext,
		"id":       LocalActivityURI(origin, uuid.New().String()),
		"type":     "Reject",
		"actor":    actorURI,
		"object": map[string]any{
			"id":     followID,
			"type":   "Follow",
			"actor":  remoteActor.ActorURI,
			"object": actorURI,
		},
	}

	return enqueueActivity(reject, actorURI, []string{remoteActor.InboxURI}, database)
}

// SendFollow records a pending follow request and enqueues the Follow
// activity. Production wrapper.
func SendFollow(localAccount *domain.Account, remoteActor *domain.RemoteAccount, conf *util.AppConfig) error {
	return SendFollowWithDeps(localAccount, remoteActor, conf, NewDBWrapper())
}

// SendFollowWithDeps enqueues Follow and records the pending request.
func SendFollowWithDeps(localAccount *domain.Account, remoteActor *domain.RemoteAccount, conf *util.AppConfig, database Database) error {
	origin := conf.Origin()
	actorURI := LocalActorURI(origin, localAccount.Username)

	if remoteActor.ActorURI == actorURI {
		return fmt.Errorf("%w: self-follow not allowed", domain.ErrValidation)
	}

	err, existing := database.ReadFollowRequestByActors(actorURI, remoteActor.ActorURI)
	if err == nil && existing != nil && existing.Status != domain.FollowRejected {
		return fmt.Errorf("already following %s: %w", remoteActor.Handle(), domain.ErrAlreadyExists)
	}

	followID := LocalActivityURI(origin, uuid.New().String())
	request := &domain.FollowRequest{
		Id:             uuid.New(),
		SourceActorURI: actorURI,
		TargetActorURI: remoteActor.ActorURI,
		ActivityURI:    followID,
		Status:         domain.FollowPending,
		CreatedAt:      time.Now(),
	}
	if err := database.CreateFollowRequest(request); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return fmt.Errorf("failed to store follow request: %w", err)
	}

	follow := map[string]any{
		"@context": activityContext,
		"id":       followID,
		"type":     "Follow",
		"actor":    actorURI,
		"object":   remoteActor.ActorURI,
	}

	return enqueueActivity(follow, actorURI, []string{remoteActor.InboxURI}, database)
}

// SendUndoFollow retracts a follow. Production wrapper.
func SendUndoFollow(localAccount *domain.Account, targetActorURI string, conf *util.AppConfig) error {
	return SendUndoFollowWithDeps(localAccount, targetActorURI, conf, NewDBWrapper())
}

// SendUndoFollowWithDeps enqueues Undo(Follow) and removes the local
// request + relationship.
func SendUndoFollowWithDeps(localAccount *domain.Account, targetActorURI string, conf *util.AppConfig, database Database) error {
	origin := conf.Origin()
	actorURI := LocalActorURI(origin, localAccount.Username)

	followID := ""
	if err, request := database.ReadFollowRequestByActors(actorURI, targetActorURI); err == nil && request != nil {
		followID = request.ActivityURI
	}
	if followID == "" {
		followID = LocalActivityURI(origin, uuid.New().String())
	}

	if err := database.DeleteFollowRequestByActors(actorURI, targetActorURI); err != nil {
		log.Printf("Outbox: Failed to drop follow request: %v", err)
	}

	err, remoteActor := database.ReadRemoteAccountByActorURI(targetActorURI)
	if err != nil || remoteActor == nil {
		return fmt.Errorf("unfollow target unknown: %w", domain.ErrNotFound)
	}

	undo := map[string]any{
		"@context": activityContext,
		"id":       LocalActivityURI(origin, uuid.New().String()),
		"type":     "Undo",
		"actor":    actorURI,
		"object": map[string]any{
			"id":     followID,
			"type":   "Follow",
			"actor":  actorURI,
			"object": targetActorURI,
		},
	}

	return enqueueActivity(undo, actorURI, []string{remoteActor.InboxURI}, database)
}

// SendCreateNote federates a new local post. Production wrapper.
func SendCreateNote(post *domain.Post, localAccount *domain.Account, mentions []domain.PostMention, tags []domain.PostTag, links []domain.PostLink, conf *util.AppConfig) error {
	return SendCreateNoteWithDeps(post, localAccount, mentions, tags, links, conf, NewDBWrapper())
}

// SendCreateNoteWithDeps builds Create(Note), proves it, and enqueues it to
// the expanded audience.
func SendCreateNoteWithDeps(post *domain.Post, localAccount *domain.Account, mentions []domain.PostMention, tags []domain.PostTag, links []domain.PostLink, conf *util.AppConfig, database Database) error {
	origin := conf.Origin()
	actorURI := LocalActorURI(origin, localAccount.Username)

	noteObj := buildNoteObject(post, localAccount, mentions, tags, links, conf)
	create := map[string]any{
		"@context":  activityContext,
		"id":        LocalActivityURI(origin, uuid.New().String()),
		"type":      "Create",
		"actor":     actorURI,
		"published": post.CreatedAt.UTC().Format(time.RFC3339),
		"to":        noteObj["to"],
		"cc":        noteObj["cc"],
		"object":    noteObj,
	}

	// Create may be forwarded from shared inboxes, so it carries a proof
	if err := signActivityProof(create, localAccount, actorURI); err != nil {
		return err
	}

	mentionURIs := make([]string, 0, len(mentions))
	for _, mention := range mentions {
		mentionURIs = append(mentionURIs, mention.ActorURI)
	}

	// Replies also address the parent author
	extra := []string{}
	if post.InReplyToURI != "" {
		if err, parent := database.ReadPostByURI(post.InReplyToURI); err == nil && !parent.AuthorLocal {
			if err, author := database.ReadRemoteAccountById(parent.AuthorId); err == nil && author != nil {
				extra = append(extra, author.ActorURI)
			}
		}
	}

	inboxes := expandRecipients(actorURI, post.Visibility, append(mentionURIs, extra...), conf, database)
	return enqueueActivity(create, actorURI, inboxes, database)
}

// SendUpdateNoteWithDeps federates an edit of a local post.
func SendUpdateNoteWithDeps(post *domain.Post, localAccount *domain.Account, conf *util.AppConfig, database Database) error {
	origin := conf.Origin()
	actorURI := LocalActorURI(origin, localAccount.Username)

	err, mentionRows := database.ReadPostMentions(post.Id)
	mentions := []domain.PostMention{}
	if err == nil && mentionRows != nil {
		mentions = *mentionRows
	}

	noteObj := buildNoteObject(post, localAccount, mentions, nil, nil, conf)
	update := map[string]any{
		"@context": activityContext,
		"id":       LocalActivityURI(origin, uuid.New().String()),
		"type":     "Update",
		"actor":    actorURI,
		"to":       noteObj["to"],
		"cc":       noteObj["cc"],
		"object":   noteObj,
	}
	if err := signActivityProof(update, localAccount, actorURI); err != nil {
		return err
	}

	mentionURIs := make([]string, 0, len(mentions))
	for _, mention := range mentions {
		mentionURIs = append(mentionURIs, mention.ActorURI)
	}
	inboxes := expandRecipients(actorURI, post.Visibility, mentionURIs, conf, database)
	return enqueueActivity(update, actorURI, inboxes, database)
}

// SendDeleteNoteWithDeps federates the removal of a local post.
func SendDeleteNoteWithDeps(objectURI string, visibility domain.Visibility, localAccount *domain.Account, conf *util.AppConfig, database Database) error {
	origin := conf.Origin()
	actorURI := LocalActorURI(origin, localAccount.Username)

	deleteActivity := map[string]any{
		"@context":  activityContext,
		"id":        LocalActivityURI(origin, uuid.New().String()),
		"type":      "Delete",
		"actor":     actorURI,
		"published": time.Now().UTC().Format(time.RFC3339),
		"to":        []string{PublicAddressee},
		"object": map[string]any{
			"id":   objectURI,
			"type": "Tombstone",
		},
	}
	if err := signActivityProof(deleteActivity, localAccount, actorURI); err != nil {
		return err
	}

	inboxes := expandRecipients(actorURI, visibility, nil, conf, database)
	return enqueueActivity(deleteActivity, actorURI, inboxes, database)
}

// SendUpdatePersonWithDeps federates a profile edit to followers.
func SendUpdatePersonWithDeps(localAccount *domain.Account, actorDocument map[string]any, conf *util.AppConfig, database Database) error {
	origin := conf.Origin()
	actorURI := LocalActorURI(origin, localAccount.Username)

	update := map[string]any{
		"@context": activityContext,
		"id":       LocalActivityURI(origin, uuid.New().String()),
		"type":     "Update",
		"actor":    actorURI,
		"to":       []string{PublicAddressee},
		"object":   actorDocument,
	}
	if err := signActivityProof(update, localAccount, actorURI); err != nil {
		return err
	}

	inboxes := expandRecipients(actorURI, domain.VisibilityFollowers, nil, conf, database)
	return enqueueActivity(update, actorURI, inboxes, database)
}

// SendDeletePersonWithDeps federates an account deletion. The account row
// is gone by the time deliveries run, so the instance actor signs.
func SendDeletePersonWithDeps(actorURI string, conf *util.AppConfig, database Database) error {
	origin := conf.Origin()
	inst := GetInstance()

	deleteActivity := map[string]any{
		"@context":  activityContext,
		"id":        LocalActivityURI(origin, uuid.New().String()),
		"type":      "Delete",
		"actor":     actorURI,
		"published": time.Now().UTC().Format(time.RFC3339),
		"to":        []string{PublicAddressee},
		"object":    actorURI,
	}

	// Delete(Person) addresses followers and following
	set := newInboxSet()
	if err, followers := database.ReadFollowerURIs(actorURI); err == nil {
		set.addActorURIs(followers, origin, database)
	}
	if err, following := database.ReadFollowingURIs(actorURI); err == nil {
		set.addActorURIs(following, origin, database)
	}

	return enqueueActivity(deleteActivity, inst.ActorURI(), set.urls(), database)
}

// SendMovePersonWithDeps federates an account migration: Move with the old
// local actor as object and the new home as target, addressed to followers.
// The target must already list the local actor in its alsoKnownAs, the same
// check receivers apply.
func SendMovePersonWithDeps(localAccount *domain.Account, targetActor *domain.RemoteAccount, conf *util.AppConfig, database Database) error {
	origin := conf.Origin()
	actorURI := LocalActorURI(origin, localAccount.Username)

	aliased := false
	for _, alias := range targetActor.AlsoKnownAs {
		if alias == actorURI {
			aliased = true
			break
		}
	}
	if !aliased {
		return fmt.Errorf("%w: move target does not list %s in alsoKnownAs", domain.ErrValidation, actorURI)
	}

	move := map[string]any{
		"@context": activityContext,
		"id":       LocalActivityURI(origin, uuid.New().String()),
		"type":     "Move",
		"actor":    actorURI,
		"object":   actorURI,
		"target":   targetActor.ActorURI,
		"to":       []string{actorURI + "/followers"},
	}
	// Move is typically redistributed from shared inboxes, so it carries a
	// proof like the note activities do
	if err := signActivityProof(move, localAccount, actorURI); err != nil {
		return err
	}

	inboxes := expandRecipients(actorURI, domain.VisibilityFollowers, nil, conf, database)
	return enqueueActivity(move, actorURI, inboxes, database)
}

// SendLikeWithDeps federates a like to the post's author.
func SendLikeWithDeps(localAccount *domain.Account, post *domain.Post, conf *util.AppConfig, database Database) (string, error) {
	origin := conf.Origin()
	actorURI := LocalActorURI(origin, localAccount.Username)

	if post.AuthorLocal {
		return "", nil
	}
	err, author := database.ReadRemoteAccountById(post.AuthorId)
	if err != nil || author == nil {
		return "", fmt.Errorf("post author unknown: %w", domain.ErrNotFound)
	}

	likeID := LocalActivityURI(origin, uuid.New().String())
	like := map[string]any{
		"@context": activityContext,
		"id":       likeID,
		"type":     "Like",
		"actor":    actorURI,
		"object":   post.ObjectURI,
	}

	return likeID, enqueueActivity(like, actorURI, []string{author.InboxURI}, database)
}

// SendUndoLikeWithDeps retracts a like.
func SendUndoLikeWithDeps(localAccount *domain.Account, post *domain.Post, likeURI string, conf *util.AppConfig, database Database) error {
	origin := conf.Origin()
	actorURI := LocalActorURI(origin, localAccount.Username)

	if post.AuthorLocal {
		return nil
	}
	err, author := database.ReadRemoteAccountById(post.AuthorId)
	if err != nil || author == nil {
		return fmt.Errorf("post author unknown: %w", domain.ErrNotFound)
	}

	undo := map[string]any{
		"@context": activityContext,
		"id":       LocalActivityURI(origin, uuid.New().String()),
		"type":     "Undo",
		"actor":    actorURI,
		"object": map[string]any{
			"id":     likeURI,
			"type":   "Like",
			"actor":  actorURI,
			"object": post.ObjectURI,
		},
	}

	return enqueueActivity(undo, actorURI, []string{author.InboxURI}, database)
}

// SendAnnounceWithDeps federates a repost to followers and the original
// author.
func SendAnnounceWithDeps(localAccount *domain.Account, post *domain.Post, conf *util.AppConfig, database Database) (string, error) {
	origin := conf.Origin()
	actorURI := LocalActorURI(origin, localAccount.Username)

	announceID := LocalActivityURI(origin, uuid.New().String())
	announce := map[string]any{
		"@context":  activityContext,
		"id":        announceID,
		"type":      "Announce",
		"actor":     actorURI,
		"published": time.Now().UTC().Format(time.RFC3339),
		"to":        []string{PublicAddressee},
		"cc":        []string{actorURI + "/followers"},
		"object":    post.ObjectURI,
	}

	extra := []string{}
	if !post.AuthorLocal {
		if err, author := database.ReadRemoteAccountById(post.AuthorId); err == nil && author != nil {
			extra = append(extra, author.ActorURI)
		}
	}

	inboxes := expandRecipients(actorURI, domain.VisibilityPublic, extra, conf, database)
	return announceID, enqueueActivity(announce, actorURI, inboxes, database)
}

// SendUndoAnnounceWithDeps retracts a repost.
func SendUndoAnnounceWithDeps(localAccount *domain.Account, post *domain.Post, announceURI string, conf *util.AppConfig, database Database) error {
	origin := conf.Origin()
	actorURI := LocalActorURI(origin, localAccount.Username)

	undo := map[string]any{
		"@context": activityContext,
		"id":       LocalActivityURI(origin, uuid.New().String()),
		"type":     "Undo",
		"actor":    actorURI,
		"object": map[string]any{
			"id":     announceURI,
			"type":   "Announce",
			"actor":  actorURI,
			"object": post.ObjectURI,
		},
	}

	extra := []string{}
	if !post.AuthorLocal {
		if err, author := database.ReadRemoteAccountById(post.AuthorId); err == nil && author != nil {
			extra = append(extra, author.ActorURI)
		}
	}

	inboxes := expandRecipients(actorURI, domain.VisibilityPublic, extra, conf, database)
	return enqueueActivity(undo, actorURI, inboxes, database)
}
