package activitypub

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/google/uuid"
)

// maxFetchDepth bounds how far inReplyTo and Announce chains are followed.
const maxFetchDepth = 3

// maxIncomingAttempts bounds retries of deferred inbound activities.
const maxIncomingAttempts = 10

// PublicAddressee is the ActivityPub public collection.
const PublicAddressee = "https://www.w3.org/ns/activitystreams#Public"

// InboxDeps holds dependencies for inbox handlers (for testing)
type InboxDeps struct {
	Database   Database
	HTTPClient HTTPClient
}

// StringList accepts both "..." and ["...", ...], which both occur in
// addressing and attributedTo fields.
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var raw []any
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		for _, entry := range raw {
			switch v := entry.(type) {
			case string:
				*s = append(*s, v)
			case map[string]any:
				if id, ok := v["id"].(string); ok {
					*s = append(*s, id)
				}
			}
		}
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	*s = []string{single}
	return nil
}

// Activity represents a generic ActivityPub activity envelope.
type Activity struct {
	Context any             `json:"@context"`
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Actor   string          `json:"actor"`
	Object  json.RawMessage `json:"object"`
	Target  json.RawMessage `json:"target"`
	To      StringList      `json:"to"`
	Cc      StringList      `json:"cc"`
}

// objectURI extracts the id whether the raw value is a URI string or an
// embedded object.
func objectURI(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var uri string
	if err := json.Unmarshal(raw, &uri); err == nil {
		return uri
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}

// objectType extracts the type of an embedded object, "" for plain URIs.
func objectType(raw json.RawMessage) string {
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Type
	}
	return ""
}

// HandleInbox processes incoming ActivityPub activities
func HandleInbox(w http.ResponseWriter, r *http.Request, conf *util.AppConfig) {
	deps := &InboxDeps{
		Database:   NewDBWrapper(),
		HTTPClient: defaultClient(conf),
	}
	HandleInboxWithDeps(w, r, conf, deps)
}

// HandleInboxWithDeps processes incoming ActivityPub activities.
// This version accepts dependencies for testing.
func HandleInboxWithDeps(w http.ResponseWriter, r *http.Request, conf *util.AppConfig, deps *InboxDeps) {
	const maxBodySize = 1 * 1024 * 1024
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		log.Printf("Inbox: Failed to read body: %v", err)
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if len(body) > maxBodySize {
		log.Printf("Inbox: Request body too large")
		http.Error(w, "Request too large", http.StatusRequestEntityTooLarge)
		return
	}

	var activity Activity
	if err := json.Unmarshal(body, &activity); err != nil {
		log.Printf("Inbox: Failed to parse activity: %v", err)
		http.Error(w, "Invalid activity", http.StatusBadRequest)
		return
	}
	if activity.ID == "" || activity.Type == "" || activity.Actor == "" {
		log.Printf("Inbox: Activity missing id, type or actor")
		http.Error(w, "Invalid activity", http.StatusBadRequest)
		return
	}

	log.Printf("Inbox: Received %s %s from %s", activity.Type, activity.ID, activity.Actor)

	actorHostname := util.HostnameFromURI(activity.Actor)
	if conf.IsBlockedInstance(actorHostname) {
		// Dropped silently so blocked instances cannot probe the block list
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Restore body for signature verification (it was consumed above)
	r.Body = io.NopCloser(bytes.NewReader(body))

	signerURI, err := authenticateRequest(r, body, conf, deps)
	if err != nil {
		log.Printf("Inbox: Authentication failed for %s: %v", activity.ID, err)
		http.Error(w, "Signature verification failed", http.StatusUnauthorized)
		return
	}

	// A signer from one host speaking for an actor on another needs an
	// embedded proof by the claimed actor.
	if signerURI != activity.Actor {
		if util.HostnameFromURI(signerURI) != actorHostname {
			if err := verifyEmbeddedProof(body, activity.Actor, conf, deps); err != nil {
				log.Printf("Inbox: Forwarded activity %s lacks a valid proof by %s: %v", activity.ID, activity.Actor, err)
				http.Error(w, "Actor does not match signer", http.StatusBadRequest)
				return
			}
		}
	}

	// Idempotency: (activity id, type) is processed at most once
	activityRecord := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  activity.ID,
		ActivityType: activity.Type,
		ActorURI:     activity.Actor,
		ObjectURI:    objectURI(activity.Object),
		RawJSON:      string(body),
		CreatedAt:    time.Now(),
	}
	if err := deps.Database.CreateActivity(activityRecord); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			log.Printf("Inbox: Activity %s already processed, returning success", activity.ID)
			w.WriteHeader(http.StatusAccepted)
			return
		}
		log.Printf("Inbox: Failed to store activity: %v", err)
		http.Error(w, "Storage failure", http.StatusInternalServerError)
		return
	}

	if err := dispatchActivity(&activity, body, conf, deps); err != nil {
		switch {
		case errors.Is(err, domain.ErrValidation):
			log.Printf("Inbox: Rejected %s: %v", activity.ID, err)
			http.Error(w, "Invalid activity", http.StatusBadRequest)
			return
		case errors.Is(err, domain.ErrUnauthorized):
			log.Printf("Inbox: Unauthorized %s: %v", activity.ID, err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrFetchFailed):
			// A referent is not available yet; park the activity for the
			// incoming executor instead of failing the delivery.
			deferIncoming(body, signerURI, deps)
			w.WriteHeader(http.StatusAccepted)
			return
		default:
			log.Printf("Inbox: Failed to handle %s: %v", activity.Type, err)
			http.Error(w, "Processing failure", http.StatusInternalServerError)
			return
		}
	}

	if err := deps.Database.MarkActivityProcessed(activityRecord.Id); err != nil {
		log.Printf("Inbox: Failed to mark activity processed: %v", err)
	}
	if err := deps.Database.RecordReachable(activity.Actor); err != nil {
		log.Printf("Inbox: Failed to reset reachability of %s: %v", activity.Actor, err)
	}

	w.WriteHeader(http.StatusAccepted)
}

// authenticateRequest verifies the HTTP signature, fetching the signer's
// actor when unknown, and falls back to an embedded document proof when the
// HTTP signature cannot be verified. Returns the authenticated signer URI.
func authenticateRequest(r *http.Request, body []byte, conf *util.AppConfig, deps *InboxDeps) (string, error) {
	keyId, keyErr := RequestKeyId(r)
	if keyErr == nil {
		signerURI := SignerURLFromKeyId(keyId)
		signer, err := GetOrFetchActorWithDeps(signerURI, conf, deps.HTTPClient, deps.Database)
		if err != nil {
			keyErr = fmt.Errorf("signer %s unresolvable: %w", signerURI, err)
		} else if err := VerifyRequest(r, signer.PublicKeyPem); err != nil {
			keyErr = err
		} else {
			return signer.ActorURI, nil
		}
	}

	// HTTP signature did not hold up; an embedded proof may still
	// authenticate the body itself.
	proof, err := DocumentProof(body)
	if err != nil || proof == nil {
		return "", fmt.Errorf("%w: no usable signature (%v)", domain.ErrUnauthorized, keyErr)
	}
	proofSigner, err := ProofSignerURL(proof)
	if err != nil {
		return "", err
	}
	signer, err := GetOrFetchActorWithDeps(proofSigner, conf, deps.HTTPClient, deps.Database)
	if err != nil {
		return "", fmt.Errorf("%w: proof signer %s unresolvable: %v", domain.ErrUnauthorized, proofSigner, err)
	}
	publicKey, err := util.ParsePublicKey(signer.PublicKeyPem)
	if err != nil {
		return "", fmt.Errorf("%w: proof signer key unusable: %v", domain.ErrUnauthorized, err)
	}
	if err := VerifyDocumentProof(body, proof, publicKey); err != nil {
		return "", err
	}
	return signer.ActorURI, nil
}

// verifyEmbeddedProof requires a valid document proof by expectedActor.
func verifyEmbeddedProof(body []byte, expectedActor string, conf *util.AppConfig, deps *InboxDeps) error {
	proof, err := DocumentProof(body)
	if err != nil {
		return err
	}
	if proof == nil {
		return fmt.Errorf("%w: activity carries no proof", domain.ErrValidation)
	}
	proofSigner, err := ProofSignerURL(proof)
	if err != nil {
		return err
	}
	if proofSigner != expectedActor {
		return fmt.Errorf("%w: proof by %s, expected %s", domain.ErrValidation, proofSigner, expectedActor)
	}
	signer, err := GetOrFetchActorWithDeps(proofSigner, conf, deps.HTTPClient, deps.Database)
	if err != nil {
		return fmt.Errorf("%w: proof signer unresolvable: %v", domain.ErrValidation, err)
	}
	publicKey, err := util.ParsePublicKey(signer.PublicKeyPem)
	if err != nil {
		return fmt.Errorf("%w: proof signer key unusable: %v", domain.ErrValidation, err)
	}
	return VerifyDocumentProof(body, proof, publicKey)
}

// deferIncoming parks an activity for the incoming-activity executor.
func deferIncoming(body []byte, signerURI string, deps *InboxDeps) {
	item := &domain.IncomingQueueItem{
		Id:             uuid.New(),
		RawJSON:        string(body),
		SignerActorURI: signerURI,
		NextRetryAt:    time.Now().Add(time.Minute),
		ReceivedAt:     time.Now(),
	}
	if err := deps.Database.EnqueueIncoming(item); err != nil {
		log.Printf("Inbox: Failed to defer activity: %v", err)
	}
}

// dispatchActivity routes on the activity type. Unknown types are accepted
// with no side effect for forward compatibility.
func dispatchActivity(activity *Activity, body []byte, conf *util.AppConfig, deps *InboxDeps) error {
	switch activity.Type {
	case "Follow":
		return handleFollowActivity(activity, conf, deps)
	case "Accept":
		return handleAcceptActivity(activity, deps)
	case "Reject":
		return handleRejectActivity(activity, deps)
	case "Undo":
		return handleUndoActivity(activity, deps)
	case "Create":
		return handleCreateActivity(activity, conf, deps)
	case "Update":
		return handleUpdateActivity(activity, conf, deps)
	case "Delete":
		return handleDeleteActivity(activity, deps)
	case "Like":
		return handleLikeActivity(activity, conf, deps)
	case "Announce":
		return handleAnnounceActivity(activity, conf, deps)
	case "Move":
		return handleMoveActivity(activity, conf, deps)
	case "Add":
		return handleAddActivity(activity, deps)
	case "Remove":
		return handleRemoveActivity(activity, deps)
	default:
		log.Printf("Inbox: Unsupported activity type: %s", activity.Type)
		return nil
	}
}

// handleFollowActivity processes a Follow of a local actor.
func handleFollowActivity(activity *Activity, conf *util.AppConfig, deps *InboxDeps) error {
	targetURI := objectURI(activity.Object)
	username := LocalUsernameFromURI(targetURI, conf.Origin())
	if username == "" {
		return fmt.Errorf("%w: follow target %s is not local", domain.ErrValidation, targetURI)
	}

	err, localAccount := deps.Database.ReadAccByUsername(username)
	if err != nil {
		return fmt.Errorf("follow target not found: %w", domain.ErrValidation)
	}

	err, remoteActor := deps.Database.ReadRemoteAccountByActorURI(activity.Actor)
	if err != nil || remoteActor == nil {
		return fmt.Errorf("follow source unknown: %w", domain.ErrFetchFailed)
	}

	request := &domain.FollowRequest{
		Id:             uuid.New(),
		SourceActorURI: activity.Actor,
		TargetActorURI: targetURI,
		ActivityURI:    activity.ID,
		Status:         domain.FollowPending,
		CreatedAt:      time.Now(),
	}
	if err := deps.Database.CreateFollowRequest(request); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// Repeated Follow: answer with Accept again if already accepted
			err, existing := deps.Database.ReadFollowRequestByActors(activity.Actor, targetURI)
			if err == nil && existing.Status == domain.FollowAccepted {
				return SendAcceptWithDeps(localAccount, remoteActor, activity.ID, conf, deps.Database)
			}
			return nil
		}
		return fmt.Errorf("failed to create follow request: %w", err)
	}

	notify(deps, localAccount.Id, domain.NotificationFollowRequest, remoteActor, "", "")

	if localAccount.ManuallyApprovesFollowers {
		log.Printf("Inbox: Follow request from %s to %s awaits approval", remoteActor.Handle(), username)
		return nil
	}

	if err := deps.Database.AcceptFollowRequest(request.Id); err != nil {
		return fmt.Errorf("failed to accept follow request: %w", err)
	}
	notify(deps, localAccount.Id, domain.NotificationFollow, remoteActor, "", "")

	log.Printf("Inbox: Accepted follow from %s", remoteActor.Handle())
	return SendAcceptWithDeps(localAccount, remoteActor, activity.ID, conf, deps.Database)
}

// resolveFollowRequest finds the request referenced by an Accept/Reject.
func resolveFollowRequest(activity *Activity, deps *InboxDeps) (*domain.FollowRequest, error) {
	followURI := objectURI(activity.Object)
	if followURI != "" {
		err, request := deps.Database.ReadFollowRequestByActivityURI(followURI)
		if err == nil {
			return request, nil
		}
	}

	// Fall back to the embedded Follow's actor/object pair
	var embedded struct {
		Actor  string `json:"actor"`
		Object string `json:"object"`
	}
	if err := json.Unmarshal(activity.Object, &embedded); err == nil && embedded.Actor != "" && embedded.Object != "" {
		err, request := deps.Database.ReadFollowRequestByActors(embedded.Actor, embedded.Object)
		if err == nil {
			return request, nil
		}
	}
	return nil, fmt.Errorf("follow request not found: %w", domain.ErrNotFound)
}

// handleAcceptActivity processes Accept(Follow): only the original target
// may accept.
func handleAcceptActivity(activity *Activity, deps *InboxDeps) error {
	request, err := resolveFollowRequest(activity, deps)
	if err != nil {
		return err
	}
	if request.TargetActorURI != activity.Actor {
		return fmt.Errorf("%w: %s cannot accept a follow aimed at %s", domain.ErrUnauthorized, activity.Actor, request.TargetActorURI)
	}
	if request.Status == domain.FollowAccepted {
		return nil
	}
	if err := deps.Database.AcceptFollowRequest(request.Id); err != nil {
		return fmt.Errorf("failed to accept follow: %w", err)
	}
	log.Printf("Inbox: Follow %s was accepted by %s", request.ActivityURI, activity.Actor)
	return nil
}

// handleRejectActivity processes Reject(Follow), the dual of Accept.
func handleRejectActivity(activity *Activity, deps *InboxDeps) error {
	request, err := resolveFollowRequest(activity, deps)
	if err != nil {
		return err
	}
	if request.TargetActorURI != activity.Actor {
		return fmt.Errorf("%w: %s cannot reject a follow aimed at %s", domain.ErrUnauthorized, activity.Actor, request.TargetActorURI)
	}
	if err := deps.Database.RejectFollowRequest(request.Id); err != nil {
		return fmt.Errorf("failed to reject follow: %w", err)
	}
	// A rejected follow must not leave a materialized relationship behind
	if err := deps.Database.DeleteRelationship(request.SourceActorURI, request.TargetActorURI, domain.RelationshipFollow); err != nil {
		log.Printf("Inbox: Failed to drop relationship after reject: %v", err)
	}
	log.Printf("Inbox: Follow %s was rejected by %s", request.ActivityURI, activity.Actor)
	return nil
}

// handleUndoActivity processes Undo of Follow, Like and Announce.
func handleUndoActivity(activity *Activity, deps *InboxDeps) error {
	innerType := objectType(activity.Object)
	innerURI := objectURI(activity.Object)

	switch innerType {
	case "Follow":
		err, request := deps.Database.ReadFollowRequestByActivityURI(innerURI)
		if err != nil {
			// Fall back to actor pair: Undo by source against embedded object
			var embedded struct {
				Object string `json:"object"`
			}
			if jerr := json.Unmarshal(activity.Object, &embedded); jerr != nil || embedded.Object == "" {
				return fmt.Errorf("undone follow not found: %w", domain.ErrNotFound)
			}
			err, request = deps.Database.ReadFollowRequestByActors(activity.Actor, embedded.Object)
			if err != nil {
				return fmt.Errorf("undone follow not found: %w", domain.ErrNotFound)
			}
		}
		if request.SourceActorURI != activity.Actor {
			return fmt.Errorf("%w: %s cannot undo a follow by %s", domain.ErrUnauthorized, activity.Actor, request.SourceActorURI)
		}
		if err := deps.Database.DeleteFollowRequestByActors(request.SourceActorURI, request.TargetActorURI); err != nil {
			return fmt.Errorf("failed to delete follow: %w", err)
		}
		log.Printf("Inbox: Removed follow from %s", activity.Actor)
		return nil

	case "Like":
		if err := deps.Database.DeleteLikeByURI(innerURI); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("undone like unknown: %w", domain.ErrNotFound)
			}
			return err
		}
		return nil

	case "Announce":
		if err := deps.Database.DeleteRepostByURI(innerURI); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("undone announce unknown: %w", domain.ErrNotFound)
			}
			return err
		}
		// Drop the repost wrapper post as well
		if err, _ := deps.Database.DeletePostByURI(innerURI); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return nil

	default:
		log.Printf("Inbox: Unsupported Undo object type: %s", innerType)
		return nil
	}
}

// NoteObject is the embedded object of Create/Update(Note).
type NoteObject struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	AttributedTo StringList `json:"attributedTo"`
	Content      string     `json:"content"`
	Published    string     `json:"published"`
	InReplyTo    string     `json:"inReplyTo"`
	To           StringList `json:"to"`
	Cc           StringList `json:"cc"`
	URL          string     `json:"url"`
	Tag          []TagObject `json:"tag"`
}

// TagObject is one tag entry: Mention, Hashtag or FEP-e232 Link.
type TagObject struct {
	Type      string `json:"type"`
	Href      string `json:"href"`
	Name      string `json:"name"`
	MediaType string `json:"mediaType"`
}

func (n *NoteObject) author() string {
	if len(n.AttributedTo) == 0 {
		return ""
	}
	return n.AttributedTo[0]
}

// handleCreateActivity ingests Create(Note).
func handleCreateActivity(activity *Activity, conf *util.AppConfig, deps *InboxDeps) error {
	var note NoteObject
	if err := json.Unmarshal(activity.Object, &note); err != nil {
		return fmt.Errorf("%w: failed to parse Create object: %v", domain.ErrValidation, err)
	}
	if note.Type != "Note" && note.Type != "Article" && note.Type != "Page" {
		log.Printf("Inbox: Ignoring Create of %s", note.Type)
		return nil
	}
	if note.author() != activity.Actor {
		return fmt.Errorf("%w: object attributed to %s but activity actor is %s", domain.ErrValidation, note.author(), activity.Actor)
	}

	_, err := ingestRemoteNote(&note, maxFetchDepth, conf, deps)
	return err
}

// ingestRemoteNote persists a remote note, resolving its author and parent
// best-effort down to the given depth.
func ingestRemoteNote(note *NoteObject, depth int, conf *util.AppConfig, deps *InboxDeps) (*domain.Post, error) {
	if note.ID == "" || note.author() == "" {
		return nil, fmt.Errorf("%w: note missing id or attributedTo", domain.ErrValidation)
	}
	// The author must live on the host the object claims to come from
	if util.HostnameFromURI(note.ID) != util.HostnameFromURI(note.author()) {
		return nil, fmt.Errorf("%w: note %s attributed across hosts", domain.ErrValidation, note.ID)
	}

	if err, existing := deps.Database.ReadPostByURI(note.ID); err == nil {
		return existing, nil
	}

	author, err := GetOrFetchActorWithDeps(note.author(), conf, deps.HTTPClient, deps.Database)
	if err != nil {
		return nil, fmt.Errorf("note author unresolvable: %w", err)
	}

	// Resolve the parent best-effort; a missing parent does not block the
	// reply itself.
	if note.InReplyTo != "" && depth > 0 {
		if err, _ := deps.Database.ReadPostByURI(note.InReplyTo); err != nil {
			if _, err := fetchAndIngestNote(note.InReplyTo, depth-1, conf, deps); err != nil {
				log.Printf("Inbox: Could not resolve parent %s: %v", note.InReplyTo, err)
				retry := &domain.FetchRetryItem{
					Id:          uuid.New(),
					TargetURI:   note.InReplyTo,
					Kind:        "object",
					NextRetryAt: time.Now().Add(time.Minute),
					CreatedAt:   time.Now(),
				}
				if err := deps.Database.EnqueueFetchRetry(retry); err != nil {
					log.Printf("Inbox: Failed to queue fetch retry: %v", err)
				}
			}
		}
	}

	content := util.SanitizeContent(note.Content)
	visibility := noteVisibility(note, author)

	mentions := []domain.PostMention{}
	tags := []domain.PostTag{}
	links := []domain.PostLink{}
	postId := uuid.New()
	for _, tag := range note.Tag {
		switch tag.Type {
		case "Mention":
			name := strings.TrimPrefix(tag.Name, "@")
			username, hostname := name, ""
			if parts := strings.SplitN(name, "@", 2); len(parts) == 2 {
				username, hostname = parts[0], parts[1]
			}
			mentions = append(mentions, domain.PostMention{
				Id:       uuid.New(),
				PostId:   postId,
				ActorURI: tag.Href,
				Username: username,
				Hostname: hostname,
			})
		case "Hashtag":
			tags = append(tags, domain.PostTag{
				Id:     uuid.New(),
				PostId: postId,
				Name:   strings.ToLower(strings.TrimPrefix(tag.Name, "#")),
			})
		case "Link":
			if tag.MediaType == mediaTypeActivityJSON && tag.Href != "" {
				links = append(links, domain.PostLink{
					Id:        uuid.New(),
					PostId:    postId,
					ObjectURI: tag.Href,
				})
			}
		}
	}

	if visibility == domain.VisibilityDirect && len(mentions) == 0 {
		return nil, fmt.Errorf("%w: direct note without mentions", domain.ErrValidation)
	}

	createdAt := time.Now()
	if note.Published != "" {
		if parsed, err := time.Parse(time.RFC3339, note.Published); err == nil {
			createdAt = parsed
		}
	}

	post := &domain.Post{
		Id:           postId,
		ObjectURI:    note.ID,
		AuthorId:     author.Id,
		AuthorLocal:  false,
		Content:      content,
		Visibility:   visibility,
		InReplyToURI: note.InReplyTo,
		URL:          note.URL,
		CreatedAt:    createdAt,
	}
	if err := deps.Database.CreatePost(post, mentions, tags, links); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return post, nil
		}
		return nil, fmt.Errorf("failed to store post: %w", err)
	}

	notifyNoteTargets(post, mentions, author, conf, deps)

	log.Printf("Inbox: Stored post %s from %s", note.ID, author.Handle())
	return post, nil
}

// fetchAndIngestNote pulls a note by URL and ingests it.
func fetchAndIngestNote(objectURI string, depth int, conf *util.AppConfig, deps *InboxDeps) (*domain.Post, error) {
	raw, err := FetchObjectWithDeps(objectURI, conf, deps.HTTPClient)
	if err != nil {
		return nil, err
	}
	var note NoteObject
	if err := json.Unmarshal(raw, &note); err != nil {
		return nil, fmt.Errorf("failed to parse fetched object: %w: %v", domain.ErrFetchFailed, err)
	}
	return ingestRemoteNote(&note, depth, conf, deps)
}

// noteVisibility derives the audience from the addressing lists.
func noteVisibility(note *NoteObject, author *domain.RemoteAccount) domain.Visibility {
	for _, to := range append(append(StringList{}, note.To...), note.Cc...) {
		if to == PublicAddressee || to == "as:Public" || to == "Public" {
			return domain.VisibilityPublic
		}
	}
	for _, to := range note.To {
		if author.FollowersURI != "" && to == author.FollowersURI {
			return domain.VisibilityFollowers
		}
		if author.SubscribersURI != "" && to == author.SubscribersURI {
			return domain.VisibilitySubscribers
		}
	}
	return domain.VisibilityDirect
}

// notifyNoteTargets files mention and reply notifications for local users.
func notifyNoteTargets(post *domain.Post, mentions []domain.PostMention, author *domain.RemoteAccount, conf *util.AppConfig, deps *InboxDeps) {
	preview := util.StripHTML(post.Content)
	if len(preview) > 100 {
		preview = preview[:100]
	}

	for _, mention := range mentions {
		username := LocalUsernameFromURI(mention.ActorURI, conf.Origin())
		if username == "" {
			continue
		}
		if err, acc := deps.Database.ReadAccByUsername(username); err == nil {
			notify(deps, acc.Id, domain.NotificationMention, author, post.ObjectURI, preview)
		}
	}

	if post.InReplyToURI != "" {
		if err, parent := deps.Database.ReadPostByURI(post.InReplyToURI); err == nil && parent.AuthorLocal {
			if err, acc := deps.Database.ReadAccById(parent.AuthorId); err == nil {
				notify(deps, acc.Id, domain.NotificationReply, author, post.ObjectURI, preview)
			}
		}
	}
}

// handleUpdateActivity processes Update of Person and Note objects.
func handleUpdateActivity(activity *Activity, conf *util.AppConfig, deps *InboxDeps) error {
	switch objectType(activity.Object) {
	case "Person", "Service":
		// Refresh the cached profile from the authoritative document; a
		// changed key is logged inside the fetcher.
		if _, err := FetchRemoteActorWithDeps(activity.Actor, conf, deps.HTTPClient, deps.Database); err != nil {
			return fmt.Errorf("failed to refresh actor %s: %w", activity.Actor, err)
		}
		log.Printf("Inbox: Updated profile of %s", activity.Actor)
		return nil

	case "Note", "Article", "Page":
		var note NoteObject
		if err := json.Unmarshal(activity.Object, &note); err != nil {
			return fmt.Errorf("%w: failed to parse Update object: %v", domain.ErrValidation, err)
		}
		err, post := deps.Database.ReadPostByURI(note.ID)
		if err != nil {
			log.Printf("Inbox: Note %s not found for update, ignoring", note.ID)
			return nil
		}
		if note.author() != activity.Actor {
			return fmt.Errorf("%w: update of %s by non-author %s", domain.ErrUnauthorized, note.ID, activity.Actor)
		}
		editedAt := time.Now()
		if err := deps.Database.UpdatePostContent(post.Id, util.SanitizeContent(note.Content), editedAt); err != nil {
			return fmt.Errorf("failed to update post: %w", err)
		}
		log.Printf("Inbox: Updated note %s", note.ID)
		return nil

	default:
		log.Printf("Inbox: Unsupported Update object type: %s", objectType(activity.Object))
		return nil
	}
}

// handleDeleteActivity processes Delete of actors and objects.
func handleDeleteActivity(activity *Activity, deps *InboxDeps) error {
	targetURI := objectURI(activity.Object)
	if targetURI == "" {
		return fmt.Errorf("%w: Delete without object", domain.ErrValidation)
	}

	if targetURI == activity.Actor {
		// Actor deleted their account
		err, remoteAcc := deps.Database.ReadRemoteAccountByActorURI(targetURI)
		if err != nil || remoteAcc == nil {
			return nil
		}
		err, queue := deps.Database.DeleteRemoteAccount(remoteAcc.Id, remoteAcc.ActorURI)
		if err != nil {
			return fmt.Errorf("failed to delete remote account: %w", err)
		}
		scheduleMediaCleanup(queue)
		log.Printf("Inbox: Removed actor %s and all associated data", targetURI)
		return nil
	}

	err, post := deps.Database.ReadPostByURI(targetURI)
	if err != nil {
		log.Printf("Inbox: Object %s not found for deletion, ignoring", targetURI)
		return nil
	}
	if post.AuthorLocal {
		return fmt.Errorf("%w: remote Delete aimed at a local post", domain.ErrUnauthorized)
	}
	err, author := deps.Database.ReadRemoteAccountById(post.AuthorId)
	if err == nil && author != nil && author.ActorURI != activity.Actor {
		return fmt.Errorf("%w: %s cannot delete content by %s", domain.ErrUnauthorized, activity.Actor, author.ActorURI)
	}

	err, queue := deps.Database.DeletePostByURI(targetURI)
	if err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	scheduleMediaCleanup(queue)
	log.Printf("Inbox: Deleted object %s", targetURI)
	return nil
}

// handleLikeActivity creates a reaction row.
func handleLikeActivity(activity *Activity, conf *util.AppConfig, deps *InboxDeps) error {
	targetURI := objectURI(activity.Object)
	err, post := deps.Database.ReadPostByURI(targetURI)
	if err != nil {
		return fmt.Errorf("liked post unknown: %w", domain.ErrNotFound)
	}

	err, remoteActor := deps.Database.ReadRemoteAccountByActorURI(activity.Actor)
	if err != nil || remoteActor == nil {
		return fmt.Errorf("like source unknown: %w", domain.ErrFetchFailed)
	}

	like := &domain.Like{
		Id:        uuid.New(),
		AccountId: remoteActor.Id,
		PostId:    post.Id,
		URI:       activity.ID,
		CreatedAt: time.Now(),
	}
	if err := deps.Database.CreateLike(like); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil
		}
		return fmt.Errorf("failed to store like: %w", err)
	}

	if post.AuthorLocal {
		if err, acc := deps.Database.ReadAccById(post.AuthorId); err == nil {
			preview := util.StripHTML(post.Content)
			if len(preview) > 100 {
				preview = preview[:100]
			}
			notify(deps, acc.Id, domain.NotificationLike, remoteActor, post.ObjectURI, preview)
		}
	}
	return nil
}

// handleAnnounceActivity creates a repost row, fetching the announced
// object when unknown.
func handleAnnounceActivity(activity *Activity, conf *util.AppConfig, deps *InboxDeps) error {
	targetURI := objectURI(activity.Object)
	if targetURI == "" {
		return fmt.Errorf("%w: Announce without object", domain.ErrValidation)
	}

	err, post := deps.Database.ReadPostByURI(targetURI)
	if err != nil {
		post, err = fetchAndIngestNote(targetURI, maxFetchDepth-1, conf, deps)
		if err != nil {
			return fmt.Errorf("announced object unresolvable: %w", err)
		}
	}

	err, remoteActor := deps.Database.ReadRemoteAccountByActorURI(activity.Actor)
	if err != nil || remoteActor == nil {
		return fmt.Errorf("announce source unknown: %w", domain.ErrFetchFailed)
	}

	repost := &domain.Repost{
		Id:        uuid.New(),
		AccountId: remoteActor.Id,
		PostId:    post.Id,
		URI:       activity.ID,
		CreatedAt: time.Now(),
	}
	if err := deps.Database.CreateRepost(repost); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return nil
		}
		return fmt.Errorf("failed to store repost: %w", err)
	}

	// Repost wrapper row: no content, repost_of set
	wrapper := &domain.Post{
		Id:          uuid.New(),
		ObjectURI:   activity.ID,
		AuthorId:    remoteActor.Id,
		AuthorLocal: false,
		Visibility:  domain.VisibilityPublic,
		RepostOfURI: post.ObjectURI,
		CreatedAt:   time.Now(),
	}
	if err := deps.Database.CreatePost(wrapper, nil, nil, nil); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return fmt.Errorf("failed to store repost wrapper: %w", err)
	}

	if post.AuthorLocal {
		if err, acc := deps.Database.ReadAccById(post.AuthorId); err == nil {
			notify(deps, acc.Id, domain.NotificationRepost, remoteActor, post.ObjectURI, "")
		}
	}
	return nil
}

// handleMoveActivity processes Move(Person): local followers of the old
// actor are rewired to the new one, emitting Undo(Follow)+Follow pairs.
func handleMoveActivity(activity *Activity, conf *util.AppConfig, deps *InboxDeps) error {
	oldActorURI := objectURI(activity.Object)
	newActorURI := objectURI(activity.Target)
	if oldActorURI == "" || newActorURI == "" {
		return fmt.Errorf("%w: Move requires object and target", domain.ErrValidation)
	}
	if oldActorURI != activity.Actor {
		return fmt.Errorf("%w: Move of %s announced by %s", domain.ErrUnauthorized, oldActorURI, activity.Actor)
	}

	// Resolve the target's alias list. A local target is read straight
	// from the account table; self-fetching our own document would both
	// waste a round-trip and miss uncached state.
	var aliases []string
	var newRemoteActor *domain.RemoteAccount
	targetUsername := LocalUsernameFromURI(newActorURI, conf.Origin())
	if targetUsername != "" {
		err, targetAccount := deps.Database.ReadAccByUsername(targetUsername)
		if err != nil {
			return fmt.Errorf("%w: move target %s is not a known local account", domain.ErrValidation, newActorURI)
		}
		aliases = targetAccount.AlsoKnownAs
	} else {
		newActor, err := GetOrFetchActorWithDeps(newActorURI, conf, deps.HTTPClient, deps.Database)
		if err != nil {
			return fmt.Errorf("move target unresolvable: %w", err)
		}
		aliases = newActor.AlsoKnownAs
		newRemoteActor = newActor
	}

	aliased := false
	for _, alias := range aliases {
		if alias == oldActorURI {
			aliased = true
			break
		}
	}
	if !aliased {
		return fmt.Errorf("%w: move target does not list %s in alsoKnownAs", domain.ErrValidation, oldActorURI)
	}

	err, followerURIs := deps.Database.ReadFollowerURIs(oldActorURI)
	if err != nil {
		return fmt.Errorf("failed to read followers: %w", err)
	}

	for _, followerURI := range followerURIs {
		username := LocalUsernameFromURI(followerURI, conf.Origin())
		if username == "" {
			continue
		}
		err, localAccount := deps.Database.ReadAccByUsername(username)
		if err != nil {
			continue
		}

		if err := deps.Database.DeleteFollowRequestByActors(followerURI, oldActorURI); err != nil {
			log.Printf("Inbox: Move: failed to drop follow of %s by %s: %v", oldActorURI, username, err)
			continue
		}
		if err := SendUndoFollowWithDeps(localAccount, oldActorURI, conf, deps.Database); err != nil {
			log.Printf("Inbox: Move: failed to emit Undo(Follow) for %s: %v", username, err)
		}

		if newRemoteActor != nil {
			if err := SendFollowWithDeps(localAccount, newRemoteActor, conf, deps.Database); err != nil {
				log.Printf("Inbox: Move: failed to emit Follow of %s for %s: %v", newActorURI, username, err)
				continue
			}
		} else {
			// Local target: materialize the follow directly, nothing to
			// deliver over the wire
			request := &domain.FollowRequest{
				Id:             uuid.New(),
				SourceActorURI: followerURI,
				TargetActorURI: newActorURI,
				ActivityURI:    LocalActivityURI(conf.Origin(), uuid.New().String()),
				Status:         domain.FollowPending,
				CreatedAt:      time.Now(),
			}
			if err := deps.Database.CreateFollowRequest(request); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
				log.Printf("Inbox: Move: failed to rewire follow of %s for %s: %v", newActorURI, username, err)
				continue
			}
			if err, existing := deps.Database.ReadFollowRequestByActors(followerURI, newActorURI); err == nil {
				if err := deps.Database.AcceptFollowRequest(existing.Id); err != nil {
					log.Printf("Inbox: Move: failed to accept rewired follow for %s: %v", username, err)
				}
			}
		}

		if err, mover := deps.Database.ReadRemoteAccountByActorURI(oldActorURI); err == nil && mover != nil {
			notify(deps, localAccount.Id, domain.NotificationMove, mover, "", "")
		}
	}

	log.Printf("Inbox: Moved followers of %s to %s", oldActorURI, newActorURI)
	return nil
}

// subscriberTarget checks that an Add/Remove target is the actor's own
// subscribers collection.
func subscriberTarget(activity *Activity, deps *InboxDeps) (string, error) {
	targetURI := objectURI(activity.Target)
	if targetURI == "" {
		return "", fmt.Errorf("%w: missing target", domain.ErrValidation)
	}
	err, actor := deps.Database.ReadRemoteAccountByActorURI(activity.Actor)
	if err != nil || actor == nil {
		return "", fmt.Errorf("actor unknown: %w", domain.ErrFetchFailed)
	}
	if actor.SubscribersURI == "" || targetURI != actor.SubscribersURI {
		return "", fmt.Errorf("%w: target %s is not the actor's subscribers collection", domain.ErrValidation, targetURI)
	}
	return objectURI(activity.Object), nil
}

// handleAddActivity maintains Subscription edges via Add(actor, target=subscribers).
func handleAddActivity(activity *Activity, deps *InboxDeps) error {
	subscriberURI, err := subscriberTarget(activity, deps)
	if err != nil {
		return err
	}
	rel := &domain.Relationship{
		Id:             uuid.New(),
		SourceActorURI: subscriberURI,
		TargetActorURI: activity.Actor,
		Type:           domain.RelationshipSubscription,
		CreatedAt:      time.Now(),
	}
	if err := deps.Database.CreateRelationship(rel); err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return fmt.Errorf("failed to store subscription: %w", err)
	}
	log.Printf("Inbox: %s subscribed to %s", subscriberURI, activity.Actor)
	return nil
}

// handleRemoveActivity is the dual of Add for subscriptions.
func handleRemoveActivity(activity *Activity, deps *InboxDeps) error {
	subscriberURI, err := subscriberTarget(activity, deps)
	if err != nil {
		return err
	}
	if err := deps.Database.DeleteRelationship(subscriberURI, activity.Actor, domain.RelationshipSubscription); err != nil {
		return fmt.Errorf("failed to drop subscription: %w", err)
	}
	log.Printf("Inbox: %s unsubscribed from %s", subscriberURI, activity.Actor)
	return nil
}

// notify files a notification for a local account.
func notify(deps *InboxDeps, accountId uuid.UUID, kind domain.NotificationType, actor *domain.RemoteAccount, postURI, preview string) {
	notification := &domain.Notification{
		Id:               uuid.New(),
		AccountId:        accountId,
		NotificationType: kind,
		ActorURI:         actor.ActorURI,
		ActorUsername:    actor.Username,
		ActorHostname:    actor.Hostname,
		PostURI:          postURI,
		PostPreview:      preview,
		CreatedAt:        time.Now(),
	}
	if err := deps.Database.CreateNotification(notification); err != nil {
		log.Printf("Inbox: Failed to store notification: %v", err)
	}
}

// scheduleMediaCleanup logs the media a deletion released and hands the
// queue to CleanupMedia, which removes the files and logs the IPFS CIDs.
func scheduleMediaCleanup(queue *domain.DeletionQueue) {
	if queue == nil || (len(queue.FileNames) == 0 && len(queue.IpfsCids) == 0) {
		return
	}
	log.Printf("Inbox: Queued %d files and %d IPFS objects for cleanup", len(queue.FileNames), len(queue.IpfsCids))
	CleanupMedia(queue)
}

// RunIncomingExecutor drains deferred inbound activities. Called by the
// scheduler.
func RunIncomingExecutor(conf *util.AppConfig) {
	deps := &InboxDeps{
		Database:   NewDBWrapper(),
		HTTPClient: defaultClient(conf),
	}
	RunIncomingExecutorWithDeps(conf, deps)
}

// RunIncomingExecutorWithDeps retries parked activities, dropping them
// after maxIncomingAttempts.
func RunIncomingExecutorWithDeps(conf *util.AppConfig, deps *InboxDeps) {
	err, items := deps.Database.ReadDueIncoming(50)
	if err != nil {
		log.Printf("Inbox: Failed to read incoming queue: %v", err)
		return
	}

	for _, item := range *items {
		var activity Activity
		if err := json.Unmarshal([]byte(item.RawJSON), &activity); err != nil {
			log.Printf("Inbox: Dropping undecodable queued activity %s", item.Id)
			deps.Database.DeleteIncoming(item.Id)
			continue
		}

		err := dispatchActivity(&activity, []byte(item.RawJSON), conf, deps)
		if err == nil {
			deps.Database.DeleteIncoming(item.Id)
			continue
		}

		if item.Attempts+1 >= maxIncomingAttempts {
			log.Printf("Inbox: Giving up on queued activity %s after %d attempts: %v", activity.ID, item.Attempts+1, err)
			deps.Database.DeleteIncoming(item.Id)
			continue
		}

		backoff := time.Duration(item.Attempts+1) * time.Minute
		if err := deps.Database.UpdateIncomingAttempt(item.Id, item.Attempts+1, time.Now().Add(backoff)); err != nil {
			log.Printf("Inbox: Failed to reschedule queued activity: %v", err)
		}
	}
}
