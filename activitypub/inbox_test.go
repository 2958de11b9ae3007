package activitypub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/google/uuid"
)

// deliverSigned posts a signed activity to the inbox handler.
func deliverSigned(t *testing.T, body []byte, keypair *TestKeyPair, keyId string, conf *util.AppConfig, deps *InboxDeps) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest("POST", testOrigin+"/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	if err := SignRequest(req, body, keypair.Key, keyId); err != nil {
		t.Fatalf("Failed to sign request: %v", err)
	}

	recorder := httptest.NewRecorder()
	HandleInboxWithDeps(recorder, req, conf, deps)
	return recorder
}

func TestHandleInboxFollowAutoAccept(t *testing.T) {
	initTestInstance(t)
	mockDB := NewMockDatabase()
	mockHTTP := NewMockHTTPClient()
	conf := testConfig()
	deps := &InboxDeps{Database: mockDB, HTTPClient: mockHTTP}

	alice := testLocalAccount(t, "alice")
	mockDB.AddAccount(alice)
	bob, bobKeys := testRemoteAccount(t, "bob", "remote.example.com")
	mockDB.AddRemoteAccount(bob)

	aliceURI := testOrigin + "/users/alice"
	follow := fmt.Sprintf(`{
		"@context": "https://www.w3.org/ns/activitystreams",
		"id": "https://remote.example.com/activities/follow-1",
		"type": "Follow",
		"actor": %q,
		"object": %q
	}`, bob.ActorURI, aliceURI)

	recorder := deliverSigned(t, []byte(follow), bobKeys, KeyId(bob.ActorURI), conf, deps)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}

	err, request := mockDB.ReadFollowRequestByActors(bob.ActorURI, aliceURI)
	if err != nil {
		t.Fatal("Expected a follow request to be stored")
	}
	if request.Status != domain.FollowAccepted {
		t.Errorf("Expected accepted request, got %s", request.Status)
	}

	following, _ := mockDB.HasRelationship(bob.ActorURI, aliceURI, domain.RelationshipFollow)
	if !following {
		t.Error("Expected a materialized follow relationship")
	}

	// An Accept must be queued back to bob's inbox
	if len(mockDB.Deliveries) != 1 {
		t.Fatalf("Expected one queued delivery, got %d", len(mockDB.Deliveries))
	}
	if mockDB.Deliveries[0].InboxURI != bob.InboxURI {
		t.Errorf("Accept queued to %s, expected %s", mockDB.Deliveries[0].InboxURI, bob.InboxURI)
	}
	if !strings.Contains(mockDB.Deliveries[0].ActivityJSON, `"Accept"`) {
		t.Error("Queued delivery is not an Accept")
	}

	// follow-requested and follow notifications
	if len(mockDB.Notifications) != 2 {
		t.Errorf("Expected two notifications, got %d", len(mockDB.Notifications))
	}
}

func TestHandleInboxFollowManualApproval(t *testing.T) {
	initTestInstance(t)
	mockDB := NewMockDatabase()
	conf := testConfig()
	deps := &InboxDeps{Database: mockDB, HTTPClient: NewMockHTTPClient()}

	alice := testLocalAccount(t, "alice")
	alice.ManuallyApprovesFollowers = true
	mockDB.AddAccount(alice)
	bob, bobKeys := testRemoteAccount(t, "bob", "remote.example.com")
	mockDB.AddRemoteAccount(bob)

	follow := fmt.Sprintf(`{"id": "https://remote.example.com/activities/follow-2", "type": "Follow", "actor": %q, "object": %q}`,
		bob.ActorURI, testOrigin+"/users/alice")

	recorder := deliverSigned(t, []byte(follow), bobKeys, KeyId(bob.ActorURI), conf, deps)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", recorder.Code)
	}

	err, request := mockDB.ReadFollowRequestByActors(bob.ActorURI, testOrigin+"/users/alice")
	if err != nil {
		t.Fatal("Expected a follow request to be stored")
	}
	if request.Status != domain.FollowPending {
		t.Errorf("Expected pending request, got %s", request.Status)
	}
	if len(mockDB.Deliveries) != 0 {
		t.Error("Expected no Accept to be queued while approval is pending")
	}
}

func TestHandleInboxIdempotentReplay(t *testing.T) {
	initTestInstance(t)
	mockDB := NewMockDatabase()
	conf := testConfig()
	deps := &InboxDeps{Database: mockDB, HTTPClient: NewMockHTTPClient()}

	bob, bobKeys := testRemoteAccount(t, "bob", "remote.example.com")
	mockDB.AddRemoteAccount(bob)

	noteURI := "https://remote.example.com/objects/note-1"
	create := fmt.Sprintf(`{
		"id": "https://remote.example.com/activities/create-1",
		"type": "Create",
		"actor": %q,
		"to": ["https://www.w3.org/ns/activitystreams#Public"],
		"object": {
			"id": %q,
			"type": "Note",
			"attributedTo": %q,
			"content": "<p>hello fediverse</p>",
			"to": ["https://www.w3.org/ns/activitystreams#Public"]
		}
	}`, bob.ActorURI, noteURI, bob.ActorURI)

	for i := 0; i < 5; i++ {
		recorder := deliverSigned(t, []byte(create), bobKeys, KeyId(bob.ActorURI), conf, deps)
		if recorder.Code != http.StatusAccepted {
			t.Fatalf("Delivery %d: expected 202, got %d: %s", i, recorder.Code, recorder.Body.String())
		}
	}

	count := 0
	for uri := range mockDB.Posts {
		if uri == noteURI {
			count++
		}
	}
	if count != 1 {
		t.Errorf("Expected exactly one post row, got %d", count)
	}
}

func TestHandleInboxCreateSanitizesContent(t *testing.T) {
	initTestInstance(t)
	mockDB := NewMockDatabase()
	conf := testConfig()
	deps := &InboxDeps{Database: mockDB, HTTPClient: NewMockHTTPClient()}

	bob, bobKeys := testRemoteAccount(t, "bob", "remote.example.com")
	mockDB.AddRemoteAccount(bob)

	noteURI := "https://remote.example.com/objects/note-evil"
	create := fmt.Sprintf(`{
		"id": "https://remote.example.com/activities/create-evil",
		"type": "Create",
		"actor": %q,
		"object": {
			"id": %q,
			"type": "Note",
			"attributedTo": %q,
			"content": "<p>hi</p><script>alert(1)</script><a href=\"javascript:alert(2)\">x</a>",
			"to": ["https://www.w3.org/ns/activitystreams#Public"]
		}
	}`, bob.ActorURI, noteURI, bob.ActorURI)

	recorder := deliverSigned(t, []byte(create), bobKeys, KeyId(bob.ActorURI), conf, deps)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", recorder.Code)
	}

	err, post := mockDB.ReadPostByURI(noteURI)
	if err != nil {
		t.Fatal("Expected the note to be stored")
	}
	if strings.Contains(post.Content, "script") || strings.Contains(post.Content, "javascript:") {
		t.Errorf("Content was not sanitized: %q", post.Content)
	}
	if !strings.Contains(post.Content, "hi") {
		t.Errorf("Legitimate content was lost: %q", post.Content)
	}
}

func TestHandleInboxHostnameSpoofRejected(t *testing.T) {
	initTestInstance(t)
	mockDB := NewMockDatabase()
	conf := testConfig()
	deps := &InboxDeps{Database: mockDB, HTTPClient: NewMockHTTPClient()}

	bob, bobKeys := testRemoteAccount(t, "bob", "remote.example.com")
	mockDB.AddRemoteAccount(bob)
	mallory, _ := testRemoteAccount(t, "mallory", "evil.example.com")
	mockDB.AddRemoteAccount(mallory)

	// Signed by bob, claims to be from mallory on another host, no proof
	create := fmt.Sprintf(`{
		"id": "https://evil.example.com/activities/spoof-1",
		"type": "Create",
		"actor": %q,
		"object": {
			"id": "https://evil.example.com/objects/spoof-note",
			"type": "Note",
			"attributedTo": %q,
			"content": "spoofed"
		}
	}`, mallory.ActorURI, mallory.ActorURI)

	recorder := deliverSigned(t, []byte(create), bobKeys, KeyId(bob.ActorURI), conf, deps)
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for spoofed actor, got %d", recorder.Code)
	}
	if err, _ := mockDB.ReadPostByURI("https://evil.example.com/objects/spoof-note"); err == nil {
		t.Error("Spoofed note must not be stored")
	}
}

func TestHandleInboxUnsignedRejected(t *testing.T) {
	initTestInstance(t)
	mockDB := NewMockDatabase()
	conf := testConfig()
	deps := &InboxDeps{Database: mockDB, HTTPClient: NewMockHTTPClient()}

	body := []byte(`{"id": "https://remote.example.com/activities/x", "type": "Like", "actor": "https://remote.example.com/users/bob", "object": "y"}`)
	req, _ := http.NewRequest("POST", testOrigin+"/inbox", bytes.NewReader(body))

	recorder := httptest.NewRecorder()
	HandleInboxWithDeps(recorder, req, conf, deps)
	if recorder.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without a signature, got %d", recorder.Code)
	}
}

func TestHandleInboxUndoFollow(t *testing.T) {
	initTestInstance(t)
	mockDB := NewMockDatabase()
	conf := testConfig()
	deps := &InboxDeps{Database: mockDB, HTTPClient: NewMockHTTPClient()}

	alice := testLocalAccount(t, "alice")
	mockDB.AddAccount(alice)
	bob, bobKeys := testRemoteAccount(t, "bob", "remote.example.com")
	mockDB.AddRemoteAccount(bob)

	aliceURI := testOrigin + "/users/alice"
	followURI := "https://remote.example.com/activities/follow-undo"

	request := &domain.FollowRequest{
		Id:             uuid.New(),
		SourceActorURI: bob.ActorURI,
		TargetActorURI: aliceURI,
		ActivityURI:    followURI,
		Status:         domain.FollowPending,
	}
	mockDB.CreateFollowRequest(request)
	mockDB.AcceptFollowRequest(request.Id)

	undo := fmt.Sprintf(`{
		"id": "https://remote.example.com/activities/undo-1",
		"type": "Undo",
		"actor": %q,
		"object": {"id": %q, "type": "Follow", "actor": %q, "object": %q}
	}`, bob.ActorURI, followURI, bob.ActorURI, aliceURI)

	recorder := deliverSigned(t, []byte(undo), bobKeys, KeyId(bob.ActorURI), conf, deps)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}

	following, _ := mockDB.HasRelationship(bob.ActorURI, aliceURI, domain.RelationshipFollow)
	if following {
		t.Error("Expected the relationship to be removed")
	}
	if err, _ := mockDB.ReadFollowRequestByActors(bob.ActorURI, aliceURI); err == nil {
		t.Error("Expected the follow request to be removed")
	}
}

func TestHandleInboxUnknownTypeAccepted(t *testing.T) {
	initTestInstance(t)
	mockDB := NewMockDatabase()
	conf := testConfig()
	deps := &InboxDeps{Database: mockDB, HTTPClient: NewMockHTTPClient()}

	bob, bobKeys := testRemoteAccount(t, "bob", "remote.example.com")
	mockDB.AddRemoteAccount(bob)

	body := fmt.Sprintf(`{"id": "https://remote.example.com/activities/odd-1", "type": "Arrive", "actor": %q, "object": "x"}`, bob.ActorURI)
	recorder := deliverSigned(t, []byte(body), bobKeys, KeyId(bob.ActorURI), conf, deps)
	if recorder.Code != http.StatusAccepted {
		t.Errorf("Expected 202 for unknown activity type, got %d", recorder.Code)
	}
	if len(mockDB.Posts) != 0 || len(mockDB.Deliveries) != 0 {
		t.Error("Unknown activity type must have no side effects")
	}
}

func TestHandleInboxLike(t *testing.T) {
	initTestInstance(t)
	mockDB := NewMockDatabase()
	conf := testConfig()
	deps := &InboxDeps{Database: mockDB, HTTPClient: NewMockHTTPClient()}

	alice := testLocalAccount(t, "alice")
	mockDB.AddAccount(alice)
	bob, bobKeys := testRemoteAccount(t, "bob", "remote.example.com")
	mockDB.AddRemoteAccount(bob)

	post := &domain.Post{
		Id:          uuid.New(),
		ObjectURI:   testOrigin + "/objects/post-1",
		AuthorId:    alice.Id,
		AuthorLocal: true,
		Content:     "<p>likeable</p>",
		Visibility:  domain.VisibilityPublic,
	}
	mockDB.CreatePost(post, nil, nil, nil)

	like := fmt.Sprintf(`{"id": "https://remote.example.com/activities/like-1", "type": "Like", "actor": %q, "object": %q}`,
		bob.ActorURI, post.ObjectURI)

	recorder := deliverSigned(t, []byte(like), bobKeys, KeyId(bob.ActorURI), conf, deps)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", recorder.Code)
	}
	if post.LikeCount != 1 {
		t.Errorf("Expected like counter 1, got %d", post.LikeCount)
	}
	if len(mockDB.Notifications) != 1 {
		t.Errorf("Expected a like notification, got %d", len(mockDB.Notifications))
	}

	undo := fmt.Sprintf(`{"id": "https://remote.example.com/activities/undo-like-1", "type": "Undo", "actor": %q,
		"object": {"id": "https://remote.example.com/activities/like-1", "type": "Like"}}`, bob.ActorURI)
	recorder = deliverSigned(t, []byte(undo), bobKeys, KeyId(bob.ActorURI), conf, deps)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("Expected 202 for undo, got %d", recorder.Code)
	}
	if post.LikeCount != 0 {
		t.Errorf("Expected like counter back at 0, got %d", post.LikeCount)
	}
}

func TestHandleInboxMoveToLocalTarget(t *testing.T) {
	initTestInstance(t)
	mockDB := NewMockDatabase()
	mockHTTP := NewMockHTTPClient()
	conf := testConfig()
	deps := &InboxDeps{Database: mockDB, HTTPClient: mockHTTP}

	// alice follows bob@remote; bob moves to the local account newbob
	alice := testLocalAccount(t, "alice")
	mockDB.AddAccount(alice)
	bob, bobKeys := testRemoteAccount(t, "bob", "remote.example.com")
	mockDB.AddRemoteAccount(bob)

	newbob := testLocalAccount(t, "newbob")
	newbob.AlsoKnownAs = []string{bob.ActorURI}
	mockDB.AddAccount(newbob)

	aliceURI := testOrigin + "/users/alice"
	newbobURI := testOrigin + "/users/newbob"

	request := &domain.FollowRequest{
		Id:             uuid.New(),
		SourceActorURI: aliceURI,
		TargetActorURI: bob.ActorURI,
		ActivityURI:    testOrigin + "/activities/follow-bob",
		Status:         domain.FollowPending,
	}
	mockDB.CreateFollowRequest(request)
	mockDB.AcceptFollowRequest(request.Id)

	move := fmt.Sprintf(`{
		"id": "https://remote.example.com/activities/move-1",
		"type": "Move",
		"actor": %q,
		"object": %q,
		"target": %q
	}`, bob.ActorURI, bob.ActorURI, newbobURI)

	recorder := deliverSigned(t, []byte(move), bobKeys, KeyId(bob.ActorURI), conf, deps)
	if recorder.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", recorder.Code, recorder.Body.String())
	}

	// No HTTP self-fetch of the local target may happen
	if count := mockHTTP.RequestCount(newbobURI); count != 0 {
		t.Errorf("Local move target was fetched over HTTP %d times", count)
	}

	// Nobody follows the old actor anymore
	oldFollow, _ := mockDB.HasRelationship(aliceURI, bob.ActorURI, domain.RelationshipFollow)
	if oldFollow {
		t.Error("Expected the follow of the old actor to be gone")
	}

	// alice now follows the new local account
	newFollow, _ := mockDB.HasRelationship(aliceURI, newbobURI, domain.RelationshipFollow)
	if !newFollow {
		t.Error("Expected alice to follow the move target")
	}
	err, rewired := mockDB.ReadFollowRequestByActors(aliceURI, newbobURI)
	if err != nil || rewired.Status != domain.FollowAccepted {
		t.Error("Expected an accepted rewired follow request")
	}

	// The Undo(Follow) toward the old actor is queued for delivery
	undoQueued := false
	for _, item := range mockDB.Deliveries {
		if item.InboxURI == bob.InboxURI && strings.Contains(item.ActivityJSON, `"Undo"`) {
			undoQueued = true
		}
	}
	if !undoQueued {
		t.Error("Expected an Undo(Follow) delivery to the old actor")
	}

	// alice is told about the move
	moveNotified := false
	for _, notification := range mockDB.Notifications {
		if notification.NotificationType == domain.NotificationMove && notification.AccountId == alice.Id {
			moveNotified = true
		}
	}
	if !moveNotified {
		t.Error("Expected a move notification for the follower")
	}
}

func TestHandleInboxMoveWithoutAliasRejected(t *testing.T) {
	initTestInstance(t)
	mockDB := NewMockDatabase()
	conf := testConfig()
	deps := &InboxDeps{Database: mockDB, HTTPClient: NewMockHTTPClient()}

	alice := testLocalAccount(t, "alice")
	mockDB.AddAccount(alice)
	bob, bobKeys := testRemoteAccount(t, "bob", "remote.example.com")
	mockDB.AddRemoteAccount(bob)

	// Target exists locally but does not alias bob
	stranger := testLocalAccount(t, "stranger")
	mockDB.AddAccount(stranger)

	request := &domain.FollowRequest{
		Id:             uuid.New(),
		SourceActorURI: testOrigin + "/users/alice",
		TargetActorURI: bob.ActorURI,
		ActivityURI:    testOrigin + "/activities/follow-bob-2",
		Status:         domain.FollowPending,
	}
	mockDB.CreateFollowRequest(request)
	mockDB.AcceptFollowRequest(request.Id)

	move := fmt.Sprintf(`{
		"id": "https://remote.example.com/activities/move-2",
		"type": "Move",
		"actor": %q,
		"object": %q,
		"target": %q
	}`, bob.ActorURI, bob.ActorURI, testOrigin+"/users/stranger")

	recorder := deliverSigned(t, []byte(move), bobKeys, KeyId(bob.ActorURI), conf, deps)
	if recorder.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a target without the alias, got %d", recorder.Code)
	}

	// The existing follow must be untouched
	still, _ := mockDB.HasRelationship(testOrigin+"/users/alice", bob.ActorURI, domain.RelationshipFollow)
	if !still {
		t.Error("A rejected move must not touch existing follows")
	}
}

func TestNoteVisibility(t *testing.T) {
	author := &domain.RemoteAccount{
		FollowersURI:   "https://remote.example.com/users/bob/followers",
		SubscribersURI: "https://remote.example.com/users/bob/subscribers",
	}

	cases := []struct {
		name     string
		note     NoteObject
		expected domain.Visibility
	}{
		{"public in to", NoteObject{To: StringList{PublicAddressee}}, domain.VisibilityPublic},
		{"public in cc", NoteObject{Cc: StringList{PublicAddressee}}, domain.VisibilityPublic},
		{"followers", NoteObject{To: StringList{author.FollowersURI}}, domain.VisibilityFollowers},
		{"subscribers", NoteObject{To: StringList{author.SubscribersURI}}, domain.VisibilitySubscribers},
		{"direct", NoteObject{To: StringList{"https://x/users/y"}}, domain.VisibilityDirect},
	}
	for _, tc := range cases {
		if got := noteVisibility(&tc.note, author); got != tc.expected {
			t.Errorf("%s: expected %s, got %s", tc.name, tc.expected, got)
		}
	}
}

func TestStringListUnmarshal(t *testing.T) {
	var single StringList
	if err := json.Unmarshal([]byte(`"https://x/users/a"`), &single); err != nil {
		t.Fatalf("Unmarshal of single string failed: %v", err)
	}
	if len(single) != 1 || single[0] != "https://x/users/a" {
		t.Errorf("Unexpected single result: %v", single)
	}

	var list StringList
	if err := json.Unmarshal([]byte(`["a", {"id": "b"}, 3]`), &list); err != nil {
		t.Fatalf("Unmarshal of mixed array failed: %v", err)
	}
	if len(list) != 2 || list[0] != "a" || list[1] != "b" {
		t.Errorf("Unexpected list result: %v", list)
	}
}
