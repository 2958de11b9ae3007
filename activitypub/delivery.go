package activitypub

import (
	"bytes"
	"crypto/rsa"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/deemkeen/tusk/domain"
	"github.com/deemkeen/tusk/util"
)

const (
	// deliveryWorkers bounds concurrent outbound POSTs.
	deliveryWorkers = 8

	// maxDeliveryAttempts is when a job is abandoned.
	maxDeliveryAttempts = 10

	// deliveryBatchSize is how many due jobs one executor run claims.
	deliveryBatchSize = 100

	baseRetryDelay = 60 * time.Second
	maxRetryDelay  = 24 * time.Hour
)

// DeliveryDeps holds dependencies for the delivery executor (for testing)
type DeliveryDeps struct {
	Database   Database
	HTTPClient HTTPClient
}

// retryDelay computes min(60s * 2^attempt, 24h) with ±20% jitter.
func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay
	for i := 0; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(2*int64(delay)/5+1)) - delay/5
	return delay + jitter
}

// RunDeliveryExecutor claims due jobs and posts them. Called by the
// scheduler.
func RunDeliveryExecutor(conf *util.AppConfig) {
	deps := &DeliveryDeps{
		Database:   NewDBWrapper(),
		HTTPClient: NewDefaultHTTPClient(time.Duration(conf.Conf.Federation.DelivererTimeout)*time.Second, conf.Conf.Federation),
	}
	RunDeliveryExecutorWithDeps(conf, deps)
}

// RunDeliveryExecutorWithDeps drains the delivery queue with a bounded
// worker pool. Jobs for the same inbox run on one worker in enqueue order,
// so per-(sender, inbox) delivery stays FIFO.
func RunDeliveryExecutorWithDeps(conf *util.AppConfig, deps *DeliveryDeps) {
	if !conf.Conf.Federation.Enabled {
		return
	}

	err, items := deps.Database.ClaimDueDeliveries(deliveryBatchSize)
	if err != nil {
		log.Printf("Deliver: Failed to claim jobs: %v", err)
		return
	}
	if len(*items) == 0 {
		return
	}

	// Group per inbox, preserving claim (enqueue) order inside each group
	perInbox := make(map[string][]domain.DeliveryQueueItem)
	order := []string{}
	for _, item := range *items {
		if _, ok := perInbox[item.InboxURI]; !ok {
			order = append(order, item.InboxURI)
		}
		perInbox[item.InboxURI] = append(perInbox[item.InboxURI], item)
	}

	sem := make(chan struct{}, deliveryWorkers)
	var wg sync.WaitGroup
	for _, inboxURI := range order {
		jobs := perInbox[inboxURI]
		wg.Add(1)
		sem <- struct{}{}
		go func(jobs []domain.DeliveryQueueItem) {
			defer wg.Done()
			defer func() { <-sem }()
			deliverInboxJobs(jobs, conf, deps)
		}(jobs)
	}
	wg.Wait()
}

// deliverInboxJobs runs one inbox's jobs sequentially. When a job must be
// retried, the rest of the queue for that inbox is pushed behind it so
// ordering survives the backoff.
func deliverInboxJobs(jobs []domain.DeliveryQueueItem, conf *util.AppConfig, deps *DeliveryDeps) {
	for idx, item := range jobs {
		retryAt, err := deliverActivityWithDeps(&item, conf, deps)
		if err == nil {
			if derr := deps.Database.DeleteDelivery(item.Id); derr != nil {
				log.Printf("Deliver: Failed to delete job %s: %v", item.Id, derr)
			}
			if rerr := deps.Database.RecordInboxReachable(item.InboxURI); rerr != nil {
				log.Printf("Deliver: Failed to reset inbox reachability: %v", rerr)
			}
			continue
		}

		if retryAt == nil {
			// Permanent failure: drop the job (a 4xx rejection has already
			// been counted against the inbox)
			log.Printf("Deliver: Dropping job for %s: %v", item.InboxURI, err)
			if derr := deps.Database.DeleteDelivery(item.Id); derr != nil {
				log.Printf("Deliver: Failed to delete job %s: %v", item.Id, derr)
			}
			continue
		}

		if item.Attempts+1 >= maxDeliveryAttempts {
			log.Printf("Deliver: Abandoning job for %s after %d attempts: %v", item.InboxURI, item.Attempts+1, err)
			if derr := deps.Database.DeleteDelivery(item.Id); derr != nil {
				log.Printf("Deliver: Failed to delete job %s: %v", item.Id, derr)
			}
			continue
		}

		log.Printf("Deliver: POST to %s failed (attempt %d): %v", item.InboxURI, item.Attempts+1, err)
		if uerr := deps.Database.UpdateDeliveryAttempt(item.Id, item.Attempts+1, *retryAt, err.Error()); uerr != nil {
			log.Printf("Deliver: Failed to reschedule job %s: %v", item.Id, uerr)
		}

		// Later jobs for this inbox wait behind the failed one
		for _, waiting := range jobs[idx+1:] {
			if uerr := deps.Database.UpdateDeliveryAttempt(waiting.Id, waiting.Attempts, *retryAt, ""); uerr != nil {
				log.Printf("Deliver: Failed to park job %s: %v", waiting.Id, uerr)
			}
		}
		return
	}
}

// senderKey resolves the signing key for a queued job's sender.
func senderKey(senderActorURI string, conf *util.AppConfig, deps *DeliveryDeps) (string, *rsa.PrivateKey, error) {
	inst := GetInstance()
	if senderActorURI == inst.ActorURI() {
		return inst.KeyId(), inst.PrivateKey, nil
	}

	username := LocalUsernameFromURI(senderActorURI, conf.Origin())
	if username == "" {
		return "", nil, fmt.Errorf("sender %s is not local: %w", senderActorURI, domain.ErrValidation)
	}
	err, account := deps.Database.ReadAccByUsername(username)
	if err != nil {
		// The account is gone (Delete(Person) path): the instance signs
		return inst.KeyId(), inst.PrivateKey, nil
	}
	accountKey, err := ActorKey(account)
	if err != nil {
		return "", nil, err
	}
	return KeyId(senderActorURI), accountKey, nil
}

// deliverActivityWithDeps posts one job. A nil retry time with an error
// means the failure is permanent; a non-nil retry time asks for a
// reschedule at that instant.
func deliverActivityWithDeps(item *domain.DeliveryQueueItem, conf *util.AppConfig, deps *DeliveryDeps) (*time.Time, error) {
	body := []byte(item.ActivityJSON)

	req, err := http.NewRequest("POST", item.InboxURI, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", mediaTypeActivityJSON)
	req.Header.Set("Accept", mediaTypeActivityJSON)
	req.Header.Set("User-Agent", util.UserAgent(conf.Origin()))

	keyId, key, err := senderKey(item.SenderActorURI, conf, deps)
	if err != nil {
		return nil, err
	}
	if err := SignRequest(req, body, key, keyId); err != nil {
		return nil, err
	}

	resp, err := deps.HTTPClient.Do(req)
	if err != nil {
		retryAt := time.Now().Add(retryDelay(item.Attempts))
		return &retryAt, fmt.Errorf("request failed: %w: %v", domain.ErrDeliverFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil, nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		retryAt := time.Now().Add(retryDelay(item.Attempts))
		return &retryAt, fmt.Errorf("remote returned status %d: %w", resp.StatusCode, domain.ErrDeliverFailed)
	default:
		// Other 4xx: the inbox rejects this activity for good, which
		// counts toward the recipient's unreachability
		if err := deps.Database.RecordInboxFailure(item.InboxURI, unreachableThreshold); err != nil {
			log.Printf("Deliver: Failed to record inbox rejection: %v", err)
		}
		return nil, fmt.Errorf("remote rejected with status %d: %w", resp.StatusCode, domain.ErrDeliverFailed)
	}
}
