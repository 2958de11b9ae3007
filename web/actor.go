package web

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
	"github.com/google/uuid"
)

var actorContext = []any{
	"https://www.w3.org/ns/activitystreams",
	"https://w3id.org/security/v1",
}

// GetActor renders a local actor document.
func GetActor(username string, conf *util.AppConfig) (error, string) {
	err, acc := db.GetDB().ReadAccByUsername(username)
	if err != nil {
		return err, "{}"
	}
	return nil, BuildActorDocument(acc, conf)
}

// BuildActorDocument renders the wire form of a local account.
func BuildActorDocument(acc *domain.Account, conf *util.AppConfig) string {
	origin := conf.Origin()
	actorURI := activitypub.LocalActorURI(origin, acc.Username)

	displayName := acc.DisplayName
	if displayName == "" {
		displayName = acc.Username
	}

	doc := map[string]any{
		"@context":          actorContext,
		"id":                actorURI,
		"type":              "Person",
		"preferredUsername": acc.Username,
		"name":              displayName,
		"summary":           acc.Summary,
		"inbox":             actorURI + "/inbox",
		"outbox":            actorURI + "/outbox",
		"followers":         actorURI + "/followers",
		"following":         actorURI + "/following",
		"subscribers":       actorURI + "/subscribers",
		"url":               actorURI,
		"manuallyApprovesFollowers": acc.ManuallyApprovesFollowers,
		"discoverable":      true,
		"endpoints": map[string]any{
			"sharedInbox": origin + "/inbox",
		},
		"publicKey": map[string]any{
			"id":           activitypub.KeyId(actorURI),
			"owner":        actorURI,
			"publicKeyPem": acc.PublicKeyPem,
		},
	}

	if len(acc.AlsoKnownAs) > 0 {
		doc["alsoKnownAs"] = acc.AlsoKnownAs
	}
	if acc.AvatarURL != "" {
		doc["icon"] = map[string]any{"type": "Image", "url": acc.AvatarURL}
	}
	if acc.HeaderURL != "" {
		doc["image"] = map[string]any{"type": "Image", "url": acc.HeaderURL}
	}

	if len(acc.Attachments) > 0 {
		attachments := make([]map[string]any, 0, len(acc.Attachments))
		for _, field := range acc.Attachments {
			entry := map[string]any{"type": field.Kind, "name": field.Name}
			switch field.Kind {
			case "Link":
				entry["href"] = field.Href
			default:
				entry["value"] = field.Value
			}
			attachments = append(attachments, entry)
		}
		doc["attachment"] = attachments
	}

	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		log.Printf("Failed to marshal actor document: %v", err)
		return "{}"
	}
	return string(jsonBytes)
}

// GetInstanceActor renders the synthetic Service actor the instance uses to
// sign fetches.
func GetInstanceActor(conf *util.AppConfig) string {
	inst := activitypub.GetInstance()
	actorURI := inst.ActorURI()

	doc := map[string]any{
		"@context":          actorContext,
		"id":                actorURI,
		"type":              "Service",
		"preferredUsername": conf.Hostname(),
		"name":              conf.Conf.InstanceTitle,
		"inbox":             conf.Origin() + "/inbox",
		"outbox":            actorURI + "/outbox",
		"manuallyApprovesFollowers": true,
		"publicKey": map[string]any{
			"id":           inst.KeyId(),
			"owner":        actorURI,
			"publicKeyPem": inst.PublicKeyPem,
		},
	}

	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		log.Printf("Failed to marshal instance actor: %v", err)
		return "{}"
	}
	return string(jsonBytes)
}

// BuildNoteDocument renders a stored post as its wire Note.
func BuildNoteDocument(post *domain.Post, authorURI string, conf *util.AppConfig) string {
	noteObj := map[string]any{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           post.ObjectURI,
		"type":         "Note",
		"attributedTo": authorURI,
		"content":      post.Content,
		"mediaType":    "text/html",
		"published":    post.CreatedAt.UTC().Format(time.RFC3339),
	}
	switch post.Visibility {
	case domain.VisibilityPublic:
		noteObj["to"] = []string{activitypub.PublicAddressee}
		noteObj["cc"] = []string{authorURI + "/followers"}
	case domain.VisibilityFollowers:
		noteObj["to"] = []string{authorURI + "/followers"}
	case domain.VisibilitySubscribers:
		noteObj["to"] = []string{authorURI + "/subscribers"}
	}
	if post.InReplyToURI != "" {
		noteObj["inReplyTo"] = post.InReplyToURI
	}
	if post.EditedAt != nil {
		noteObj["updated"] = post.EditedAt.UTC().Format(time.RFC3339)
	}

	jsonBytes, err := json.Marshal(noteObj)
	if err != nil {
		return "{}"
	}
	return string(jsonBytes)
}

// HandleObject serves GET /objects/{uuid}, enforcing visibility: public
// posts are open, everything else needs a signed request from an addressed
// follower or mention.
func HandleObject(c *gin.Context, objectId uuid.UUID, conf *util.AppConfig) {
	c.Header("Content-Type", contentTypeActivityJSON)

	database := db.GetDB()
	err, post := database.ReadPostById(objectId)
	if err != nil || !post.AuthorLocal {
		c.Render(404, render.String{Format: "{}"})
		return
	}

	err, author := database.ReadAccById(post.AuthorId)
	if err != nil {
		c.Render(404, render.String{Format: "{}"})
		return
	}
	authorURI := activitypub.LocalActorURI(conf.Origin(), author.Username)

	if post.Visibility != domain.VisibilityPublic {
		if err := authorizeObjectRead(c.Request, post, authorURI, conf); err != nil {
			log.Printf("Object %s denied: %v", post.ObjectURI, err)
			c.Render(http.StatusForbidden, render.String{Format: "{}"})
			return
		}
	}

	if !wantsActivityJSON(c) {
		c.Redirect(http.StatusSeeOther, conf.Origin()+"/@"+author.Username+"/"+objectId.String())
		return
	}

	c.Render(200, render.String{Format: BuildNoteDocument(post, authorURI, conf)})
}

// authorizeObjectRead verifies the requester's HTTP signature and checks
// that the signer is part of the post's audience.
func authorizeObjectRead(r *http.Request, post *domain.Post, authorURI string, conf *util.AppConfig) error {
	database := db.GetDB()

	keyId, err := activitypub.RequestKeyId(r)
	if err != nil {
		return err
	}
	signerURI := activitypub.SignerURLFromKeyId(keyId)

	err, signer := database.ReadRemoteAccountByActorURI(signerURI)
	if err != nil || signer == nil {
		var fetchErr error
		signer, fetchErr = activitypub.GetOrFetchActor(signerURI, conf)
		if fetchErr != nil {
			return fetchErr
		}
	}
	if err := activitypub.VerifyRequest(r, signer.PublicKeyPem); err != nil {
		return err
	}

	switch post.Visibility {
	case domain.VisibilityFollowers:
		following, err := database.HasRelationship(signerURI, authorURI, domain.RelationshipFollow)
		if err != nil {
			return err
		}
		if following {
			return nil
		}
	case domain.VisibilitySubscribers:
		subscribed, err := database.HasRelationship(signerURI, authorURI, domain.RelationshipSubscription)
		if err != nil {
			return err
		}
		if subscribed {
			return nil
		}
	}

	// Mentioned actors may always read
	err, mentions := database.ReadPostMentions(post.Id)
	if err == nil && mentions != nil {
		for _, mention := range *mentions {
			if mention.ActorURI == signerURI {
				return nil
			}
		}
	}

	return domain.ErrForbidden
}
