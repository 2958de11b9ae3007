package activitypub

import (
	"bytes"
	"crypto/rsa"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
	"github.com/google/uuid"
)

const testOrigin = "https://local.example.com"

// TestKeyPair carries a generated keypair in both parsed and PEM form.
type TestKeyPair struct {
	Key        *rsa.PrivateKey
	PrivatePEM string
	PublicPEM  string
}

// GenerateTestKeyPair generates an RSA keypair for tests.
func GenerateTestKeyPair(t *testing.T) *TestKeyPair {
	t.Helper()
	keypair := util.GeneratePemKeypair()
	key, err := util.ParsePrivateKey(keypair.Private)
	if err != nil {
		t.Fatalf("Failed to parse generated key: %v", err)
	}
	return &TestKeyPair{Key: key, PrivatePEM: keypair.Private, PublicPEM: keypair.Public}
}

// testConfig builds an AppConfig for local.example.com.
func testConfig() *util.AppConfig {
	conf := &util.AppConfig{}
	conf.Conf.InstanceURI = testOrigin
	conf.Conf.InstanceTitle = "tusk test"
	conf.Conf.StorageDir = os.TempDir()
	conf.Conf.Federation.Enabled = true
	conf.Conf.Federation.FetcherTimeout = 5
	conf.Conf.Federation.DelivererTimeout = 5
	conf.Conf.Limits.Posts.CharacterLimit = 5000
	return conf
}

var testInstanceOnce sync.Once

// initTestInstance initializes the process-wide instance singleton once.
func initTestInstance(t *testing.T) {
	t.Helper()
	testInstanceOnce.Do(func() {
		dir, err := os.MkdirTemp("", "tusk-test")
		if err != nil {
			panic(err)
		}
		conf := testConfig()
		conf.Conf.StorageDir = dir
		if _, err := InitInstance(conf); err != nil {
			panic(err)
		}
	})
}

// testLocalAccount creates a local account with a fresh keypair.
func testLocalAccount(t *testing.T, username string) *domain.Account {
	t.Helper()
	keypair := GenerateTestKeyPair(t)
	return &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		PublicKeyPem:  keypair.PublicPEM,
		PrivateKeyPem: keypair.PrivatePEM,
		CreatedAt:     time.Now(),
	}
}

// testRemoteAccount creates a cached remote account with a fresh keypair.
func testRemoteAccount(t *testing.T, username, hostname string) (*domain.RemoteAccount, *TestKeyPair) {
	t.Helper()
	keypair := GenerateTestKeyPair(t)
	actorURI := fmt.Sprintf("https://%s/users/%s", hostname, username)
	return &domain.RemoteAccount{
		Id:            uuid.New(),
		Username:      username,
		Hostname:      hostname,
		ActorURI:      actorURI,
		InboxURI:      actorURI + "/inbox",
		FollowersURI:  actorURI + "/followers",
		PublicKeyPem:  keypair.PublicPEM,
		LastFetchedAt: time.Now(),
	}, keypair
}

// MockHTTPClient records requests and replays canned responses by URL.
type MockHTTPClient struct {
	mu        sync.Mutex
	Requests  []*http.Request
	Bodies    [][]byte
	responses map[string]mockResponse
}

type mockResponse struct {
	status int
	body   []byte
	// queue of one-shot statuses consumed before the steady state
	statusQueue []int
}

func NewMockHTTPClient() *MockHTTPClient {
	return &MockHTTPClient{responses: make(map[string]mockResponse)}
}

// SetResponse registers the canned answer for a URL.
func (c *MockHTTPClient) SetResponse(url string, status int, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[url] = mockResponse{status: status, body: body}
}

// QueueStatuses makes the URL answer each listed status once before
// settling on the configured response.
func (c *MockHTTPClient) QueueStatuses(url string, statuses ...int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp := c.responses[url]
	resp.statusQueue = append(resp.statusQueue, statuses...)
	c.responses[url] = resp
}

func (c *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	c.Requests = append(c.Requests, req)
	c.Bodies = append(c.Bodies, body)

	resp, ok := c.responses[req.URL.String()]
	if !ok {
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Body:       io.NopCloser(bytes.NewReader(nil)),
		}, nil
	}

	status := resp.status
	if len(resp.statusQueue) > 0 {
		status = resp.statusQueue[0]
		resp.statusQueue = resp.statusQueue[1:]
		c.responses[req.URL.String()] = resp
	}

	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(resp.body)),
		Header:     make(http.Header),
	}, nil
}

// RequestCount returns how many requests hit a URL.
func (c *MockHTTPClient) RequestCount(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := 0
	for _, req := range c.Requests {
		if req.URL.String() == url {
			count++
		}
	}
	return count
}
