package activitypub

import (
	"crypto/rsa"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
)

const instanceKeyFileName = "instance_rsa_key"

// Instance is the process-wide federation identity: origin, hostname, the
// instance actor's keypair and the federation knobs. Initialized once at
// startup and read-only afterwards.
type Instance struct {
	Origin     string
	Hostname   string
	StorageDir string

	PrivateKey   *rsa.PrivateKey
	PublicKeyPem string

	FederationEnabled bool
	Federation        util.Federation
}

// ActorURI returns the synthetic instance actor's id.
func (i *Instance) ActorURI() string {
	return i.Origin + "/actor"
}

// KeyId returns the instance actor's key identifier.
func (i *Instance) KeyId() string {
	return KeyId(i.ActorURI())
}

var (
	instance     *Instance
	instanceOnce sync.Once
)

// InitInstance loads (or on first boot creates) the instance keypair and
// builds the singleton. Safe to call more than once; later calls return the
// first result.
func InitInstance(conf *util.AppConfig) (*Instance, error) {
	var initErr error
	instanceOnce.Do(func() {
		keyPath := filepath.Join(conf.Conf.StorageDir, instanceKeyFileName)
		key, err := util.LoadOrCreateKeyFile(keyPath)
		if err != nil {
			initErr = fmt.Errorf("failed to load instance key: %w", err)
			return
		}
		publicPem, err := util.PublicKeyToPEM(&key.PublicKey)
		if err != nil {
			initErr = fmt.Errorf("failed to encode instance public key: %w", err)
			return
		}
		instance = &Instance{
			Origin:            conf.Origin(),
			Hostname:          conf.Hostname(),
			StorageDir:        conf.Conf.StorageDir,
			PrivateKey:        key,
			PublicKeyPem:      publicPem,
			FederationEnabled: conf.Conf.Federation.Enabled,
			Federation:        conf.Conf.Federation,
		}
	})
	return instance, initErr
}

// GetInstance returns the singleton; InitInstance must have run.
func GetInstance() *Instance {
	if instance == nil {
		panic("activitypub: instance not initialized")
	}
	return instance
}

// KeyId derives the key identifier of an actor URI.
func KeyId(actorURI string) string {
	return actorURI + "#main-key"
}

// LocalActorURI builds the id of a local actor.
func LocalActorURI(origin, username string) string {
	return fmt.Sprintf("%s/users/%s", origin, username)
}

// LocalObjectURI builds the id of a local post.
func LocalObjectURI(origin, id string) string {
	return fmt.Sprintf("%s/objects/%s", origin, id)
}

// LocalActivityURI builds the id of a locally minted activity.
func LocalActivityURI(origin, id string) string {
	return fmt.Sprintf("%s/activities/%s", origin, id)
}

// ActorKey returns the parsed signing key of a local account. A local actor
// without key material cannot federate; that is a hard error for every
// operation needing a signature.
func ActorKey(acc *domain.Account) (*rsa.PrivateKey, error) {
	if acc.PrivateKeyPem == "" {
		return nil, fmt.Errorf("account %s has no signing key: %w", acc.Username, domain.ErrValidation)
	}
	key, err := util.ParsePrivateKey(acc.PrivateKeyPem)
	if err != nil {
		return nil, fmt.Errorf("account %s signing key unusable: %w", acc.Username, err)
	}
	return key, nil
}
