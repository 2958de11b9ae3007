package db

import (
	"errors"
	"testing"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/google/uuid"
)

func testAccount(username string) *domain.Account {
	keypair := util.GeneratePemKeypair()
	return &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		PublicKeyPem:  keypair.Public,
		PrivateKeyPem: keypair.Private,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
}

func testRemote(username, hostname string) *domain.RemoteAccount {
	actorURI := "https://" + hostname + "/users/" + username
	return &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      username,
		Hostname:      hostname,
		ActorURI:      actorURI,
		InboxURI:      actorURI + "/inbox",
		PublicKeyPem:  "pem",
		LastFetchedAt: time.Now(),
		UpdatedAt:     time.Now(),
	}
}

func TestAccountRoundTrip(t *testing.T) {
	database := NewTestDB()

	acc := testAccount("alice")
	acc.Attachments = []domain.ProfileField{{Kind: "PropertyValue", Name: "site", Value: "https://alice.example"}}
	if err := database.CreateAccount(acc); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}

	err, loaded := database.ReadAccByUsername("alice")
	if err != nil {
		t.Fatalf("ReadAccByUsername failed: %v", err)
	}
	if loaded.Id != acc.Id || loaded.Username != "alice" {
		t.Errorf("Loaded account mismatch: %+v", loaded)
	}
	if len(loaded.Attachments) != 1 || loaded.Attachments[0].Name != "site" {
		t.Errorf("Attachments not round-tripped: %+v", loaded.Attachments)
	}

	// Duplicate usernames are a uniqueness conflict
	dup := testAccount("alice")
	if err := database.CreateAccount(dup); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}

	if err, _ := database.ReadAccByUsername("nobody"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPostCreateAndReplyCounter(t *testing.T) {
	database := NewTestDB()

	acc := testAccount("alice")
	database.CreateAccount(acc)

	parent := &domain.Post{
		Id:          uuid.New(),
		ObjectURI:   "https://local.example.com/objects/parent",
		AuthorId:    acc.Id,
		AuthorLocal: true,
		Content:     "<p>parent</p>",
		Visibility:  domain.VisibilityPublic,
		CreatedAt:   time.Now(),
	}
	if err := database.CreatePost(parent, nil, nil, nil); err != nil {
		t.Fatalf("CreatePost failed: %v", err)
	}

	reply := &domain.Post{
		Id:           uuid.New(),
		ObjectURI:    "https://local.example.com/objects/reply",
		AuthorId:     acc.Id,
		AuthorLocal:  true,
		Content:      "<p>reply</p>",
		Visibility:   domain.VisibilityPublic,
		InReplyToURI: parent.ObjectURI,
		CreatedAt:    time.Now(),
	}
	mentions := []domain.PostMention{{Id: uuid.New(), PostId: reply.Id, ActorURI: "https://r.example/users/x", Username: "x", Hostname: "r.example"}}
	tags := []domain.PostTag{{Id: uuid.New(), PostId: reply.Id, Name: "golang"}}
	links := []domain.PostLink{{Id: uuid.New(), PostId: reply.Id, ObjectURI: "https://r.example/objects/1"}}
	if err := database.CreatePost(reply, mentions, tags, links); err != nil {
		t.Fatalf("CreatePost with satellites failed: %v", err)
	}

	err, loadedParent := database.ReadPostByURI(parent.ObjectURI)
	if err != nil {
		t.Fatalf("ReadPostByURI failed: %v", err)
	}
	if loadedParent.ReplyCount != 1 {
		t.Errorf("Expected reply count 1, got %d", loadedParent.ReplyCount)
	}

	err, loadedMentions := database.ReadPostMentions(reply.Id)
	if err != nil || len(*loadedMentions) != 1 {
		t.Errorf("Expected one mention, got %v (%v)", loadedMentions, err)
	}

	// Duplicate object URI conflicts
	dup := *parent
	dup.Id = uuid.New()
	if err := database.CreatePost(&dup, nil, nil, nil); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists, got %v", err)
	}

	// Deleting the reply decrements the counter again
	err, queue := database.DeletePostByURI(reply.ObjectURI)
	if err != nil {
		t.Fatalf("DeletePostByURI failed: %v", err)
	}
	if queue == nil {
		t.Fatal("Expected a deletion queue")
	}
	err, loadedParent = database.ReadPostByURI(parent.ObjectURI)
	if err != nil {
		t.Fatalf("ReadPostByURI failed: %v", err)
	}
	if loadedParent.ReplyCount != 0 {
		t.Errorf("Expected reply count back at 0, got %d", loadedParent.ReplyCount)
	}
}

func TestFollowRequestLifecycle(t *testing.T) {
	database := NewTestDB()

	source := "https://remote.example.com/users/bob"
	target := "https://local.example.com/users/alice"

	request := &domain.FollowRequest{
		Id:             uuid.New(),
		SourceActorURI: source,
		TargetActorURI: target,
		ActivityURI:    "https://remote.example.com/activities/f1",
		Status:         domain.FollowPending,
		CreatedAt:      time.Now(),
	}
	if err := database.CreateFollowRequest(request); err != nil {
		t.Fatalf("CreateFollowRequest failed: %v", err)
	}

	// Accepting materializes the relationship in the same transaction
	if err := database.AcceptFollowRequest(request.Id); err != nil {
		t.Fatalf("AcceptFollowRequest failed: %v", err)
	}

	err, loaded := database.ReadFollowRequestByActivityURI(request.ActivityURI)
	if err != nil {
		t.Fatalf("ReadFollowRequestByActivityURI failed: %v", err)
	}
	if loaded.Status != domain.FollowAccepted {
		t.Errorf("Expected accepted, got %s", loaded.Status)
	}

	following, err := database.HasRelationship(source, target, domain.RelationshipFollow)
	if err != nil || !following {
		t.Error("Expected a follow relationship after accept")
	}

	// Deleting the request cascades to the relationship
	if err := database.DeleteFollowRequestByActors(source, target); err != nil {
		t.Fatalf("DeleteFollowRequestByActors failed: %v", err)
	}
	following, _ = database.HasRelationship(source, target, domain.RelationshipFollow)
	if following {
		t.Error("Expected the relationship to cascade away")
	}
}

func TestActivityDeduplication(t *testing.T) {
	database := NewTestDB()

	activity := &domain.Activity{
		Id:           uuid.New(),
		ActivityURI:  "https://remote.example.com/activities/1",
		ActivityType: "Create",
		ActorURI:     "https://remote.example.com/users/bob",
		RawJSON:      "{}",
		CreatedAt:    time.Now(),
	}
	if err := database.CreateActivity(activity); err != nil {
		t.Fatalf("CreateActivity failed: %v", err)
	}

	replay := *activity
	replay.Id = uuid.New()
	if err := database.CreateActivity(&replay); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists on replay, got %v", err)
	}

	// Same URI with a different type is a distinct activity
	undo := *activity
	undo.Id = uuid.New()
	undo.ActivityType = "Undo"
	if err := database.CreateActivity(&undo); err != nil {
		t.Errorf("Expected distinct (uri, type) to insert, got %v", err)
	}
}

func TestDeliveryQueueClaiming(t *testing.T) {
	database := NewTestDB()

	older := &domain.DeliveryQueueItem{
		Id:             uuid.New(),
		SenderActorURI: "https://local.example.com/users/alice",
		InboxURI:       "https://remote.example.com/inbox",
		ActivityJSON:   `{"id":"older"}`,
		NextRetryAt:    time.Now().Add(-time.Minute),
		CreatedAt:      time.Now().Add(-time.Minute),
	}
	newer := &domain.DeliveryQueueItem{
		Id:             uuid.New(),
		SenderActorURI: "https://local.example.com/users/alice",
		InboxURI:       "https://remote.example.com/inbox",
		ActivityJSON:   `{"id":"newer"}`,
		NextRetryAt:    time.Now().Add(-time.Minute),
		CreatedAt:      time.Now(),
	}
	future := &domain.DeliveryQueueItem{
		Id:             uuid.New(),
		SenderActorURI: "https://local.example.com/users/alice",
		InboxURI:       "https://remote.example.com/inbox",
		ActivityJSON:   `{"id":"future"}`,
		NextRetryAt:    time.Now().Add(time.Hour),
		CreatedAt:      time.Now(),
	}
	database.EnqueueDelivery(newer)
	database.EnqueueDelivery(older)
	database.EnqueueDelivery(future)

	err, claimed := database.ClaimDueDeliveries(10)
	if err != nil {
		t.Fatalf("ClaimDueDeliveries failed: %v", err)
	}
	if len(*claimed) != 2 {
		t.Fatalf("Expected two due jobs, got %d", len(*claimed))
	}
	if (*claimed)[0].ActivityJSON != `{"id":"older"}` {
		t.Error("Expected FIFO claim order by enqueue time")
	}

	// Claimed jobs are invisible to a second claimer
	err, second := database.ClaimDueDeliveries(10)
	if err != nil {
		t.Fatalf("Second claim failed: %v", err)
	}
	if len(*second) != 0 {
		t.Errorf("Expected no claimable jobs, got %d", len(*second))
	}

	// A retry update releases the claim
	if err := database.UpdateDeliveryAttempt((*claimed)[0].Id, 1, time.Now().Add(-time.Second), "boom"); err != nil {
		t.Fatalf("UpdateDeliveryAttempt failed: %v", err)
	}
	err, third := database.ClaimDueDeliveries(10)
	if err != nil || len(*third) != 1 {
		t.Errorf("Expected the released job to be claimable again, got %d", len(*third))
	}

	if err := database.DeleteDelivery((*claimed)[1].Id); err != nil {
		t.Fatalf("DeleteDelivery failed: %v", err)
	}
}

func TestRemoteAccountReachability(t *testing.T) {
	database := NewTestDB()

	remote := testRemote("bob", "remote.example.com")
	if err := database.CreateRemoteAccount(remote); err != nil {
		t.Fatalf("CreateRemoteAccount failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := database.RecordFetchFailure(remote.ActorURI, 5); err != nil {
			t.Fatalf("RecordFetchFailure failed: %v", err)
		}
	}

	err, loaded := database.ReadRemoteAccountByActorURI(remote.ActorURI)
	if err != nil {
		t.Fatalf("ReadRemoteAccountByActorURI failed: %v", err)
	}
	if loaded.UnreachableSince == nil {
		t.Error("Expected the actor to be marked unreachable after 5 failures")
	}

	if err := database.RecordReachable(remote.ActorURI); err != nil {
		t.Fatalf("RecordReachable failed: %v", err)
	}
	err, loaded = database.ReadRemoteAccountByActorURI(remote.ActorURI)
	if err != nil || loaded.UnreachableSince != nil || loaded.FetchFailures != 0 {
		t.Error("Expected reachability to be reset")
	}
}

func TestRetentionQueries(t *testing.T) {
	database := NewTestDB()

	remote := testRemote("bob", "remote.example.com")
	database.CreateRemoteAccount(remote)

	// An old remote post nothing references
	oldPost := &domain.Post{
		Id:          uuid.New(),
		ObjectURI:   "https://remote.example.com/objects/old",
		AuthorId:    remote.Id,
		AuthorLocal: false,
		Content:     "old",
		Visibility:  domain.VisibilityPublic,
		CreatedAt:   time.Now().AddDate(0, 0, -60),
	}
	database.CreatePost(oldPost, nil, nil, nil)

	deleted, err := database.DeleteExtraneousPosts(time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("DeleteExtraneousPosts failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected one extraneous post removed, got %d", deleted)
	}

	// The profile has no references left and an old fetch stamp
	_, err = database.db.Exec(`UPDATE remote_accounts SET last_fetched_at = ? WHERE actor_uri = ?`,
		time.Now().AddDate(0, 0, -60), remote.ActorURI)
	if err != nil {
		t.Fatalf("Failed to age the profile: %v", err)
	}
	removed, err := database.DeleteEmptyProfiles(time.Now().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("DeleteEmptyProfiles failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected one empty profile removed, got %d", removed)
	}
}

func TestInviteCodes(t *testing.T) {
	database := NewTestDB()

	if err := database.CreateInviteCode("abc123"); err != nil {
		t.Fatalf("CreateInviteCode failed: %v", err)
	}
	if err := database.UseInviteCode("abc123"); err != nil {
		t.Fatalf("UseInviteCode failed: %v", err)
	}
	if err := database.UseInviteCode("abc123"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected a spent code to be rejected, got %v", err)
	}
	if err := database.UseInviteCode("nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Expected an unknown code to be rejected, got %v", err)
	}
}
