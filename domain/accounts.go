package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account represents a local user. Keys are PEM strings; the private key is
// held by the keystore and never leaves the process.
type Account struct {
	Id                        uuid.UUID
	Username                  string
	PasswordHash              string
	Role                      string
	DisplayName               string
	Summary                   string
	AvatarURL                 string
	HeaderURL                 string
	PublicKeyPem              string
	PrivateKeyPem             string
	ManuallyApprovesFollowers bool
	Attachments               []ProfileField
	AlsoKnownAs               []string
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// ProfileField is one entry of an actor's attachment list: a free-form
// PropertyValue, an identity proof, or a payment link. Unknown kinds from
// remote actors are dropped on ingest.
type ProfileField struct {
	Kind  string // PropertyValue, IdentityProof, Link
	Name  string
	Value string
	Href  string
}

// RemoteAccount represents a cached federated identity.
type RemoteAccount struct {
	Id                        uuid.UUID
	Username                  string
	Hostname                  string
	ActorURI                  string
	DisplayName               string
	Summary                   string
	InboxURI                  string
	OutboxURI                 string
	SharedInboxURI            string
	FollowersURI              string
	FollowingURI              string
	SubscribersURI            string
	PublicKeyPem              string
	AvatarURL                 string
	HeaderURL                 string
	URL                       string
	ManuallyApprovesFollowers bool
	Attachments               []ProfileField
	AlsoKnownAs               []string
	// Full actor document, kept for verifying embedded proofs later
	RawJSON          string
	FetchFailures    int
	UnreachableSince *time.Time
	LastFetchedAt    time.Time
	UpdatedAt        time.Time
}

// Handle returns the @user@host form of the account.
func (a *RemoteAccount) Handle() string {
	return "@" + a.Username + "@" + a.Hostname
}

// InviteCode is a single-use registration token for invite-only instances.
type InviteCode struct {
	Code      string
	Used      bool
	CreatedAt time.Time
}
