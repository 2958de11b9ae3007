package activitypub

import (
	"encoding/json"
	"log"
	"time"

	"github.com/deemkeen/tusk/util"
)

// maxFetchAttempts bounds how often a failed fetch is retried before the
// row is dropped.
const maxFetchAttempts = 10

// RunFetchRetryExecutor retries failed actor and object fetches. Called by
// the scheduler.
func RunFetchRetryExecutor(conf *util.AppConfig) {
	deps := &InboxDeps{
		Database:   NewDBWrapper(),
		HTTPClient: defaultClient(conf),
	}
	RunFetchRetryExecutorWithDeps(conf, deps)
}

// RunFetchRetryExecutorWithDeps drains due fetch retries.
func RunFetchRetryExecutorWithDeps(conf *util.AppConfig, deps *InboxDeps) {
	err, items := deps.Database.ReadDueFetchRetries(20)
	if err != nil {
		log.Printf("Fetcher: Failed to read retry queue: %v", err)
		return
	}

	for _, item := range *items {
		var fetchErr error
		switch item.Kind {
		case "object":
			var raw []byte
			raw, fetchErr = FetchObjectWithDeps(item.TargetURI, conf, deps.HTTPClient)
			if fetchErr == nil {
				var note NoteObject
				if err := json.Unmarshal(raw, &note); err == nil {
					if _, err := ingestRemoteNote(&note, maxFetchDepth-1, conf, deps); err != nil {
						log.Printf("Fetcher: Retried object %s unusable: %v", item.TargetURI, err)
					}
				}
			}
		default:
			_, fetchErr = FetchRemoteActorWithDeps(item.TargetURI, conf, deps.HTTPClient, deps.Database)
		}

		if fetchErr == nil {
			deps.Database.DeleteFetchRetry(item.Id)
			continue
		}

		if item.Attempts+1 >= maxFetchAttempts {
			log.Printf("Fetcher: Giving up on %s after %d attempts: %v", item.TargetURI, item.Attempts+1, fetchErr)
			deps.Database.DeleteFetchRetry(item.Id)
			continue
		}

		backoff := time.Duration(item.Attempts+1) * 5 * time.Minute
		if err := deps.Database.UpdateFetchRetryAttempt(item.Id, item.Attempts+1, time.Now().Add(backoff)); err != nil {
			log.Printf("Fetcher: Failed to reschedule retry of %s: %v", item.TargetURI, err)
		}
	}
}
