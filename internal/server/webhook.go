package server

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"qube/internal/domain"
	"qube/internal/engine"
)

// The relayer's monitor posts matched contract events here. The endpoint
// sits outside the authenticated base path and answers with bare status
// codes, the way the monitor expects.

const depositSignature = "depositAdditionalTokensToProject(string,address[],uint256[])"

type webhookPayload struct {
	Events []webhookEvent `json:"events"`
}

type webhookEvent struct {
	Hash         string        `json:"hash"`
	MatchReasons []matchReason `json:"matchReasons"`
}

type matchReason struct {
	Type      string          `json:"type"`
	Signature string          `json:"signature"`
	Address   string          `json:"address"`
	Params    json.RawMessage `json:"params"`
}

type statusEventParams struct {
	TaskID         *string  `json:"taskId"`
	Status         *float64 `json:"status"`
	Sender         *string  `json:"sender"`
	Recipient      *string  `json:"recipient"`
	TokensReleased *bool    `json:"tokensReleased"`
}

type depositEventParams struct {
	ProjectID      string   `json:"projectId"`
	TokenAddresses []string `json:"tokenAddresses"`
	Amounts        []string `json:"amounts"`
}

func registerWebhook(r chi.Router, e engine.Engine) {
	r.HandleFunc("/onTransferTokensAndTaskDeletion", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "Only POST requests are accepted", http.StatusMethodNotAllowed)
			return
		}
		var payload webhookPayload
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			http.Error(w, "Invalid event parameters", http.StatusBadRequest)
			return
		}
		for _, evt := range payload.Events {
			reason, ok := eventMatchReason(evt)
			if !ok {
				http.Error(w, "Event parameters not found", http.StatusBadRequest)
				return
			}
			if reason.Signature == depositSignature {
				var params depositEventParams
				if err := json.Unmarshal(reason.Params, &params); err != nil || params.ProjectID == "" {
					http.Error(w, "Invalid event parameters", http.StatusBadRequest)
					return
				}
				if err := e.HandleDepositEvent(req.Context(), params.ProjectID, params.TokenAddresses, params.Amounts); err != nil {
					webhookError(req, e, err, params.ProjectID)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}
				continue
			}
			var params statusEventParams
			if err := json.Unmarshal(reason.Params, &params); err != nil || !params.valid() {
				http.Error(w, "Invalid event parameters", http.StatusBadRequest)
				return
			}
			hashedTaskID := stripHexPrefix(*params.TaskID)
			if err := e.ApplyStatusEvent(req.Context(), hashedTaskID, int(*params.Status), evt.Hash); err != nil {
				webhookError(req, e, err, hashedTaskID)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
}

func (p statusEventParams) valid() bool {
	return p.TaskID != nil && *p.TaskID != "" &&
		p.Status != nil &&
		p.Sender != nil && *p.Sender != "" &&
		p.Recipient != nil && *p.Recipient != "" &&
		p.TokensReleased != nil
}

func eventMatchReason(evt webhookEvent) (matchReason, bool) {
	for _, reason := range evt.MatchReasons {
		if reason.Type == "event" {
			return reason, true
		}
	}
	return matchReason{}, false
}

func stripHexPrefix(s string) string {
	return strings.TrimPrefix(s, "0x")
}

func webhookError(req *http.Request, e engine.Engine, cause error, taskID string) {
	log.Printf("webhook: onTransferTokensAndTaskDeletion: %v", cause)
	record := domain.ErrorLog{
		TS:           time.Now().UTC().Format(time.RFC3339),
		ErrorMessage: cause.Error(),
		TaskID:       taskID,
		FunctionName: "onTransferTokensAndTaskDeletion",
	}
	if err := e.Repo.InsertErrorLog(req.Context(), record); err != nil {
		log.Printf("webhook: write error log: %v", err)
	}
}
