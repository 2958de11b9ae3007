package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/deemkeen/tusk/db"
	"github.com/deemkeen/tusk/domain"
	"github.com/google/uuid"
)

func TestGetActorDocument(t *testing.T) {
	acc := createTestAccount(t, "webactor")

	err, doc := GetActor("webactor", testConf)
	if err != nil {
		t.Fatalf("GetActor failed: %v", err)
	}

	var actor map[string]any
	if err := json.Unmarshal([]byte(doc), &actor); err != nil {
		t.Fatalf("Actor document is not valid JSON: %v", err)
	}

	actorURI := testOrigin + "/users/webactor"
	if actor["id"] != actorURI {
		t.Errorf("Unexpected id: %v", actor["id"])
	}
	if actor["type"] != "Person" {
		t.Errorf("Unexpected type: %v", actor["type"])
	}
	if actor["preferredUsername"] != "webactor" {
		t.Errorf("Unexpected preferredUsername: %v", actor["preferredUsername"])
	}
	if actor["inbox"] != actorURI+"/inbox" || actor["outbox"] != actorURI+"/outbox" {
		t.Error("Inbox or outbox URL malformed")
	}

	publicKey, ok := actor["publicKey"].(map[string]any)
	if !ok {
		t.Fatal("Expected a publicKey object")
	}
	if publicKey["id"] != actorURI+"#main-key" {
		t.Errorf("Unexpected key id: %v", publicKey["id"])
	}
	if publicKey["publicKeyPem"] != acc.PublicKeyPem {
		t.Error("Public key PEM mismatch")
	}

	endpoints, ok := actor["endpoints"].(map[string]any)
	if !ok || endpoints["sharedInbox"] != testOrigin+"/inbox" {
		t.Error("Expected the shared inbox endpoint")
	}
}

func TestGetActorUnknownUser(t *testing.T) {
	if err, _ := GetActor("ghost", testConf); err == nil {
		t.Error("Expected unknown actor to fail")
	}
}

func TestGetInstanceActor(t *testing.T) {
	doc := GetInstanceActor(testConf)

	var actor map[string]any
	if err := json.Unmarshal([]byte(doc), &actor); err != nil {
		t.Fatalf("Instance actor is not valid JSON: %v", err)
	}
	if actor["type"] != "Service" {
		t.Errorf("Expected Service actor, got %v", actor["type"])
	}
	if actor["id"] != testOrigin+"/actor" {
		t.Errorf("Unexpected instance actor id: %v", actor["id"])
	}
	publicKey, ok := actor["publicKey"].(map[string]any)
	if !ok || publicKey["publicKeyPem"] == "" {
		t.Error("Expected instance actor key material")
	}
}

func TestHandleObjectPublicPost(t *testing.T) {
	acc := createTestAccount(t, "objectowner")

	postId := uuid.New()
	post := &domain.Post{
		Id:          postId,
		ObjectURI:   testOrigin + "/objects/" + postId.String(),
		AuthorId:    acc.Id,
		AuthorLocal: true,
		Content:     "<p>public post</p>",
		Visibility:  domain.VisibilityPublic,
		CreatedAt:   time.Now(),
	}
	if err := db.GetDB().CreatePost(post, nil, nil, nil); err != nil {
		t.Fatalf("Failed to create post: %v", err)
	}

	router, err := Router(testConf)
	if err != nil {
		t.Fatalf("Router failed: %v", err)
	}

	req := httptest.NewRequest("GET", "/objects/"+postId.String(), nil)
	req.Header.Set("Accept", "application/activity+json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var note map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &note); err != nil {
		t.Fatalf("Note document is not valid JSON: %v", err)
	}
	if note["id"] != post.ObjectURI || note["type"] != "Note" {
		t.Errorf("Unexpected note document: %v", note)
	}
}

func TestHandleObjectFollowersOnlyDenied(t *testing.T) {
	acc := createTestAccount(t, "privateowner")

	postId := uuid.New()
	post := &domain.Post{
		Id:          postId,
		ObjectURI:   testOrigin + "/objects/" + postId.String(),
		AuthorId:    acc.Id,
		AuthorLocal: true,
		Content:     "<p>followers only</p>",
		Visibility:  domain.VisibilityFollowers,
		CreatedAt:   time.Now(),
	}
	if err := db.GetDB().CreatePost(post, nil, nil, nil); err != nil {
		t.Fatalf("Failed to create post: %v", err)
	}

	router, _ := Router(testConf)
	req := httptest.NewRequest("GET", "/objects/"+postId.String(), nil)
	req.Header.Set("Accept", "application/activity+json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for an unsigned read of a followers-only post, got %d", recorder.Code)
	}
}
