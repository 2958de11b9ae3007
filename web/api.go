package web

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// apiError maps the core error kinds to HTTP status codes. Validation
// messages keep the failing field, internals never leak.
func apiError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, domain.ErrAlreadyExists), errors.Is(err, domain.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": userMessage(err)})
	case errors.Is(err, domain.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, domain.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, domain.ErrFetchFailed):
		c.JSON(http.StatusBadRequest, gin.H{"error": "remote fetch failed"})
	default:
		log.Printf("API: Internal error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// userMessage surfaces the wrapped message; handlers only wrap validation
// errors with user-safe context, never internals.
func userMessage(err error) string {
	return err.Error()
}

// authenticate resolves basic auth credentials to a local account.
func authenticate(c *gin.Context) (*domain.Account, error) {
	username, password, ok := c.Request.BasicAuth()
	if !ok {
		return nil, fmt.Errorf("missing credentials: %w", domain.ErrUnauthorized)
	}
	err, acc := db.GetDB().ReadAccByUsername(username)
	if err != nil {
		return nil, fmt.Errorf("unknown account: %w", domain.ErrUnauthorized)
	}
	if bcrypt.CompareHashAndPassword([]byte(acc.PasswordHash), []byte(password)) != nil {
		return nil, fmt.Errorf("bad password: %w", domain.ErrUnauthorized)
	}
	return acc, nil
}

type registerRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	InviteCode string `json:"invite_code"`
}

// HandleRegister creates a local account per registration.type.
func HandleRegister(c *gin.Context, conf *util.AppConfig) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if valid, msg := util.IsValidLocalUsername(req.Username); !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg, "field": "username"})
		return
	}
	if len(req.Password) < 8 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password must be at least 8 characters", "field": "password"})
		return
	}

	if conf.Conf.Registration.Type == util.RegistrationInvite {
		if req.InviteCode == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invite code required", "field": "invite_code"})
			return
		}
		if err := db.GetDB().UseInviteCode(req.InviteCode); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invite code", "field": "invite_code"})
			return
		}
	}

	passwordHash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		apiError(c, err)
		return
	}

	keypair := util.GeneratePemKeypair()
	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      req.Username,
		PasswordHash:  string(passwordHash),
		Role:          conf.Conf.Registration.DefaultRole,
		PublicKeyPem:  keypair.Public,
		PrivateKeyPem: keypair.Private,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := db.GetDB().CreateAccount(acc); err != nil {
		apiError(c, err)
		return
	}

	log.Printf("API: Registered account %s", acc.Username)
	c.JSON(http.StatusCreated, gin.H{
		"username":   acc.Username,
		"actor":      activitypub.LocalActorURI(conf.Origin(), acc.Username),
		"created_at": acc.CreatedAt,
		"message":    conf.Conf.LoginMessage,
	})
}

// HandleAccountProfile returns a local profile.
func HandleAccountProfile(c *gin.Context, conf *util.AppConfig) {
	err, acc := db.GetDB().ReadAccByUsername(c.Param("username"))
	if err != nil {
		apiError(c, fmt.Errorf("account: %w", domain.ErrNotFound))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"username":     acc.Username,
		"display_name": acc.DisplayName,
		"summary":      acc.Summary,
		"actor":        activitypub.LocalActorURI(conf.Origin(), acc.Username),
		"created_at":   acc.CreatedAt,
	})
}

type statusRequest struct {
	Content    string `json:"content"`
	Visibility string `json:"visibility"`
	InReplyTo  string `json:"in_reply_to"`
}

// HandleCreateStatus creates a local post and federates it.
func HandleCreateStatus(c *gin.Context, conf *util.AppConfig) {
	acc, err := authenticate(c)
	if err != nil {
		apiError(c, err)
		return
	}

	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content must not be empty", "field": "content"})
		return
	}
	if len(req.Content) > conf.Conf.Limits.Posts.CharacterLimit {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("content exceeds %d characters", conf.Conf.Limits.Posts.CharacterLimit),
			"field": "content",
		})
		return
	}

	visibility := domain.Visibility(req.Visibility)
	switch visibility {
	case "":
		visibility = domain.VisibilityPublic
	case domain.VisibilityPublic, domain.VisibilityFollowers, domain.VisibilitySubscribers, domain.VisibilityDirect:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown visibility", "field": "visibility"})
		return
	}

	database := db.GetDB()
	postId := uuid.New()
	origin := conf.Origin()

	// Resolve mentions up front so direct posts have their audience
	mentions := []domain.PostMention{}
	for _, mention := range util.ParseMentions(req.Content) {
		var actorURI string
		if strings.EqualFold(mention.Hostname, conf.Hostname()) {
			if err, _ := database.ReadAccByUsername(mention.Username); err != nil {
				continue
			}
			actorURI = activitypub.LocalActorURI(origin, mention.Username)
		} else {
			remote, err := activitypub.ResolveByAddress(mention.Username, mention.Hostname, conf)
			if err != nil {
				log.Printf("API: Could not resolve mention @%s@%s: %v", mention.Username, mention.Hostname, err)
				continue
			}
			actorURI = remote.ActorURI
		}
		mentions = append(mentions, domain.PostMention{
			Id:       uuid.New(),
			PostId:   postId,
			ActorURI: actorURI,
			Username: mention.Username,
			Hostname: mention.Hostname,
		})
	}

	if visibility == domain.VisibilityDirect && len(mentions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "direct posts need at least one mention", "field": "content"})
		return
	}

	tags := []domain.PostTag{}
	for _, tag := range util.ParseHashtags(req.Content) {
		tags = append(tags, domain.PostTag{Id: uuid.New(), PostId: postId, Name: tag})
	}

	post := &domain.Post{
		Id:           postId,
		ObjectURI:    activitypub.LocalObjectURI(origin, postId.String()),
		AuthorId:     acc.Id,
		AuthorLocal:  true,
		Content:      util.SanitizeContent(req.Content),
		Visibility:   visibility,
		InReplyToURI: req.InReplyTo,
		CreatedAt:    time.Now(),
	}
	if err := database.CreatePost(post, mentions, tags, nil); err != nil {
		apiError(c, err)
		return
	}

	if conf.Conf.Federation.Enabled {
		if err := activitypub.SendCreateNote(post, acc, mentions, tags, nil, conf); err != nil {
			log.Printf("API: Failed to federate post %s: %v", post.ObjectURI, err)
		}
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":         post.Id,
		"uri":        post.ObjectURI,
		"visibility": post.Visibility,
		"created_at": post.CreatedAt,
	})
}

// HandleDeleteStatus removes a local post and federates the tombstone.
func HandleDeleteStatus(c *gin.Context, conf *util.AppConfig) {
	acc, err := authenticate(c)
	if err != nil {
		apiError(c, err)
		return
	}

	postId, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid post id", "field": "id"})
		return
	}

	database := db.GetDB()
	err, post := database.ReadPostById(postId)
	if err != nil {
		apiError(c, fmt.Errorf("post: %w", domain.ErrNotFound))
		return
	}
	if !post.AuthorLocal || post.AuthorId != acc.Id {
		apiError(c, fmt.Errorf("post belongs to someone else: %w", domain.ErrForbidden))
		return
	}

	err, queue := database.DeletePostByURI(post.ObjectURI)
	if err != nil {
		apiError(c, err)
		return
	}
	activitypub.CleanupMedia(queue)

	if conf.Conf.Federation.Enabled {
		if err := activitypub.SendDeleteNoteWithDeps(post.ObjectURI, post.Visibility, acc, conf, activitypub.NewDBWrapper()); err != nil {
			log.Printf("API: Failed to federate deletion of %s: %v", post.ObjectURI, err)
		}
	}

	c.Status(http.StatusNoContent)
}

type aliasesRequest struct {
	AlsoKnownAs []string `json:"also_known_as"`
}

// HandleSetAliases stores the caller's alsoKnownAs list. Declaring the old
// account here is what lets that account's instance validate a Move toward
// this one.
func HandleSetAliases(c *gin.Context, conf *util.AppConfig) {
	acc, err := authenticate(c)
	if err != nil {
		apiError(c, err)
		return
	}

	var req aliasesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	for _, alias := range req.AlsoKnownAs {
		if util.HostnameFromURI(alias) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "aliases must be absolute actor URLs", "field": "also_known_as"})
			return
		}
	}

	acc.AlsoKnownAs = req.AlsoKnownAs
	if err := db.GetDB().UpdateAccountProfile(acc); err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"also_known_as": acc.AlsoKnownAs})
}

type moveRequest struct {
	Target string `json:"target"` // user@host address or actor URL
}

// HandleMoveAccount migrates the caller to another account: the target must
// list this actor in alsoKnownAs, then Move(Person) goes out to followers.
func HandleMoveAccount(c *gin.Context, conf *util.AppConfig) {
	acc, err := authenticate(c)
	if err != nil {
		apiError(c, err)
		return
	}

	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Target == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target is required", "field": "target"})
		return
	}

	var target *domain.RemoteAccount
	if username, hostname, aerr := activitypub.ParseAddress(req.Target); aerr == nil {
		target, err = activitypub.ResolveByAddress(username, hostname, conf)
	} else {
		target, err = activitypub.GetOrFetchActor(req.Target, conf)
	}
	if err != nil {
		apiError(c, err)
		return
	}

	if err := activitypub.SendMovePersonWithDeps(acc, target, conf, activitypub.NewDBWrapper()); err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"moved_to": target.ActorURI})
}

// HandleDeleteAccount removes the calling account. The Delete(Person)
// activity is enqueued before the rows vanish and is signed by the instance
// actor at delivery time.
func HandleDeleteAccount(c *gin.Context, conf *util.AppConfig) {
	acc, err := authenticate(c)
	if err != nil {
		apiError(c, err)
		return
	}

	actorURI := activitypub.LocalActorURI(conf.Origin(), acc.Username)
	if conf.Conf.Federation.Enabled {
		if err := activitypub.SendDeletePersonWithDeps(actorURI, conf, activitypub.NewDBWrapper()); err != nil {
			log.Printf("API: Failed to federate deletion of %s: %v", actorURI, err)
		}
	}

	err, queue := db.GetDB().DeleteAccount(acc.Id, actorURI)
	if err != nil {
		apiError(c, err)
		return
	}
	activitypub.CleanupMedia(queue)

	log.Printf("API: Deleted account %s", acc.Username)
	c.Status(http.StatusNoContent)
}

type followRequest struct {
	Address string `json:"address"`
}

// HandleFollowAddress follows user@host on behalf of the caller.
func HandleFollowAddress(c *gin.Context, conf *util.AppConfig) {
	acc, err := authenticate(c)
	if err != nil {
		apiError(c, err)
		return
	}

	var req followRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	username, hostname, err := activitypub.ParseAddress(req.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address", "field": "address"})
		return
	}

	remote, err := activitypub.ResolveByAddress(username, hostname, conf)
	if err != nil {
		apiError(c, err)
		return
	}

	if err := activitypub.SendFollow(acc, remote, conf); err != nil {
		apiError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"following": remote.Handle(), "state": "pending"})
}

// HandleUnfollowAddress retracts a follow.
func HandleUnfollowAddress(c *gin.Context, conf *util.AppConfig) {
	acc, err := authenticate(c)
	if err != nil {
		apiError(c, err)
		return
	}

	var req followRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	username, hostname, err := activitypub.ParseAddress(req.Address)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address", "field": "address"})
		return
	}

	err, remote := db.GetDB().ReadRemoteAccountByAddress(username, hostname)
	if err != nil || remote == nil {
		apiError(c, fmt.Errorf("unknown address: %w", domain.ErrNotFound))
		return
	}

	if err := activitypub.SendUndoFollow(acc, remote.ActorURI, conf); err != nil {
		apiError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
