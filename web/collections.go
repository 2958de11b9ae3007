package web

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/util"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
)

// itemsPerPage is the OrderedCollectionPage size.
const itemsPerPage = 40

// collectionDocument renders the paging envelope of an OrderedCollection.
func collectionDocument(collectionURI string, totalItems int) string {
	collection := map[string]any{
		"@context":   "https://www.w3.org/ns/activitystreams",
		"id":         collectionURI,
		"type":       "OrderedCollection",
		"totalItems": totalItems,
		"first":      fmt.Sprintf("%s?page=1", collectionURI),
	}
	jsonBytes, err := json.Marshal(collection)
	if err != nil {
		return "{}"
	}
	return string(jsonBytes)
}

// collectionPage renders one OrderedCollectionPage.
func collectionPage(collectionURI string, page int, items []any, hasMore bool) string {
	doc := map[string]any{
		"@context":     "https://www.w3.org/ns/activitystreams",
		"id":           fmt.Sprintf("%s?page=%d", collectionURI, page),
		"type":         "OrderedCollectionPage",
		"partOf":       collectionURI,
		"orderedItems": items,
	}
	if hasMore {
		doc["next"] = fmt.Sprintf("%s?page=%d", collectionURI, page+1)
	}
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return "{}"
	}
	return string(jsonBytes)
}

// HandleActorCollection serves followers, following and subscribers.
func HandleActorCollection(c *gin.Context, conf *util.AppConfig, kind string) {
	c.Header("Content-Type", contentTypeActivityJSON)

	username := c.Param("username")
	database := db.GetDB()
	if err, _ := database.ReadAccByUsername(username); err != nil {
		c.Render(404, render.String{Format: "{}"})
		return
	}

	actorURI := activitypub.LocalActorURI(conf.Origin(), username)
	collectionURI := actorURI + "/" + kind

	var err error
	var uris []string
	switch kind {
	case "followers":
		err, uris = database.ReadFollowerURIs(actorURI)
	case "following":
		err, uris = database.ReadFollowingURIs(actorURI)
	case "subscribers":
		err, uris = database.ReadSubscriberURIs(actorURI)
	}
	if err != nil {
		log.Printf("Failed to read %s of %s: %v", kind, username, err)
		c.Render(200, render.String{Format: collectionDocument(collectionURI, 0)})
		return
	}

	page := ParsePageParam(c.Query("page"))
	if page == 0 {
		c.Render(200, render.String{Format: collectionDocument(collectionURI, len(uris))})
		return
	}

	start := (page - 1) * itemsPerPage
	if start > len(uris) {
		start = len(uris)
	}
	end := start + itemsPerPage
	if end > len(uris) {
		end = len(uris)
	}
	items := make([]any, 0, end-start)
	for _, uri := range uris[start:end] {
		items = append(items, uri)
	}
	c.Render(200, render.String{Format: collectionPage(collectionURI, page, items, end < len(uris))})
}

// HandleOutboxCollection serves a user's public posts as Create activities.
func HandleOutboxCollection(c *gin.Context, conf *util.AppConfig) {
	c.Header("Content-Type", contentTypeActivityJSON)

	username := c.Param("username")
	database := db.GetDB()
	if err, _ := database.ReadAccByUsername(username); err != nil {
		c.Render(404, render.String{Format: "{}"})
		return
	}

	actorURI := activitypub.LocalActorURI(conf.Origin(), username)
	outboxURI := actorURI + "/outbox"

	page := ParsePageParam(c.Query("page"))
	if page == 0 {
		total, err := database.CountPublicPostsByUsername(username)
		if err != nil {
			log.Printf("Failed to count posts of %s: %v", username, err)
			total = 0
		}
		c.Render(200, render.String{Format: collectionDocument(outboxURI, total)})
		return
	}

	offset := (page - 1) * itemsPerPage
	err, posts := database.ReadPublicPostsByUsername(username, itemsPerPage+1, offset)
	if err != nil {
		log.Printf("Failed to read posts of %s: %v", username, err)
		c.Render(200, render.String{Format: collectionPage(outboxURI, page, []any{}, false)})
		return
	}

	hasMore := len(*posts) > itemsPerPage
	pagePosts := *posts
	if hasMore {
		pagePosts = pagePosts[:itemsPerPage]
	}

	items := make([]any, 0, len(pagePosts))
	for _, post := range pagePosts {
		var note map[string]any
		if err := json.Unmarshal([]byte(BuildNoteDocument(&post, actorURI, conf)), &note); err != nil {
			continue
		}
		delete(note, "@context")
		items = append(items, map[string]any{
			"id":     post.ObjectURI + "/activity",
			"type":   "Create",
			"actor":  actorURI,
			"to":     note["to"],
			"cc":     note["cc"],
			"object": note,
		})
	}

	c.Render(200, render.String{Format: collectionPage(outboxURI, page, items, hasMore)})
}
