package source

import (
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/google/go-github/v32/github"
)

// WebhookSubmission is what a validated GitHub push event resolves to: a
// repository-backed submission request. Handler fills in Repo only; Engine
// and Priority are left zero and the WebhookSubmitter applies its own
// (this platform does not infer language from a GitHub repo's
// primary-language field, unlike the teacher's own Commit.Language lookup).
type WebhookSubmission struct {
	Repo     RepoRequest
	Engine   string
	Priority int
}

// WebhookSubmitter converts a validated push event into a submission.
type WebhookSubmitter func(WebhookSubmission) (evalID string, err error)

// Handler validates a GitHub webhook payload against secret, extracts the
// head commit's repository/ref, and hands it to submit. Grounded on
// agent/handlers.go's commitHandler: same ValidatePayload/ParseWebHook
// sequence, generalized from building a Commit onto an internal channel to
// invoking a submission callback directly.
func Handler(secret []byte, entryPath string, submit WebhookSubmitter, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := github.ValidatePayload(r, secret)
		if err != nil {
			logger.Printf("source: invalid webhook signature: %v", err)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
		defer r.Body.Close()

		event, err := github.ParseWebHook(github.WebHookType(r), payload)
		if err != nil {
			logger.Printf("source: could not parse webhook: %v", err)
			http.Error(w, "unparseable webhook", http.StatusBadRequest)
			return
		}

		push, ok := event.(*github.PushEvent)
		if !ok {
			logger.Printf("source: ignored event type %s", github.WebHookType(r))
			w.WriteHeader(http.StatusOK)
			return
		}

		repo := push.GetRepo()
		sub := WebhookSubmission{
			Repo: RepoRequest{
				CloneURL:  repo.GetCloneURL(),
				Ref:       strings.TrimPrefix(push.GetRef(), "refs/heads/"),
				EntryPath: entryPath,
			},
		}

		id, err := submit(sub)
		if err != nil {
			logger.Printf("source: submission from webhook failed: %v", err)
			http.Error(w, fmt.Sprintf("submission failed: %v", err), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"eval_id":%q}`, id)
	}
}
