package web

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/deemkeen/tusk/activitypub"
	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/util"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/render"
)

// WebFingerLink is one JRD link entry.
type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href"`
}

// WebFingerResponse is the JRD envelope.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Links   []WebFingerLink `json:"links"`
}

// HandleWebFinger answers acct: lookups for local users and the instance
// actor.
func HandleWebFinger(c *gin.Context, conf *util.AppConfig) {
	c.Header("Content-Type", "application/jrd+json; charset=utf-8")

	resource := c.Query("resource")
	if !strings.HasPrefix(resource, "acct:") {
		c.Render(400, render.String{Format: `{"error":"unsupported resource"}`})
		return
	}

	address := strings.TrimPrefix(resource, "acct:")
	parts := strings.SplitN(address, "@", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[1], conf.Hostname()) {
		c.Render(404, render.String{Format: "{}"})
		return
	}
	username := parts[0]

	var actorURI string
	if username == conf.Hostname() {
		actorURI = activitypub.GetInstance().ActorURI()
	} else {
		if err, _ := db.GetDB().ReadAccByUsername(username); err != nil {
			log.Printf("WebFinger: Unknown account %s", username)
			c.Render(404, render.String{Format: "{}"})
			return
		}
		actorURI = activitypub.LocalActorURI(conf.Origin(), username)
	}

	response := WebFingerResponse{
		Subject: fmt.Sprintf("acct:%s@%s", username, conf.Hostname()),
		Links: []WebFingerLink{
			{
				Rel:  "self",
				Type: "application/activity+json",
				Href: actorURI,
			},
			{
				Rel:  "http://webfinger.net/rel/profile-page",
				Type: "text/html",
				Href: conf.Origin() + "/@" + username,
			},
		},
	}

	jsonBytes, err := json.Marshal(response)
	if err != nil {
		c.Render(500, render.String{Format: "{}"})
		return
	}
	c.Render(200, render.String{Format: string(jsonBytes)})
}
