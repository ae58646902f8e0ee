package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/sungwon/sesmailer/internal/queue"
	"github.com/sungwon/sesmailer/internal/transport"
)

const maxBodyBytes = 25 << 20

// Sender is the part of the transport the API uses.
type Sender interface {
	Send(ctx context.Context, msg *transport.Message) (*transport.Info, error)
	Verify(ctx context.Context) (bool, error)
}

// SendMessageHandler handles POST /api/v1/messages. It sends and waits for
// the SES ack, or with ?async=true enqueues and returns 202.
func SendMessageHandler(tr Sender, q queue.Enqueuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var msg transport.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		for _, a := range msg.Attachments {
			if a.Path != "" {
				respondError(w, http.StatusBadRequest, "attachment path is not allowed; send content instead")
				return
			}
		}

		if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
			if q == nil {
				respondError(w, http.StatusNotImplemented, "no queue configured")
				return
			}
			id, err := q.Enqueue(r.Context(), &msg)
			if err != nil {
				respondError(w, http.StatusServiceUnavailable, "enqueue failed: "+err.Error())
				return
			}
			respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
			return
		}

		info, err := tr.Send(r.Context(), &msg)
		if err != nil {
			respondSendError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, info)
	}
}

func respondSendError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error(), Kind: transport.ErrorKind(err)}
	status := http.StatusInternalServerError

	var de *transport.DeliveryError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		status = 499
	case body.Kind == "submission":
		status = http.StatusBadRequest
	case body.Kind == "closed":
		status = http.StatusServiceUnavailable
	case errors.As(err, &de):
		body.Code = de.Code
		status = http.StatusBadGateway
		if de.Code == "Throttling" {
			status = http.StatusTooManyRequests
		}
	}
	respondJSON(w, status, body)
}

// VerifyHandler handles GET /api/v1/verify.
func VerifyHandler(tr Sender) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, err := tr.Verify(r.Context())
		if err != nil || !ok {
			msg := "verification failed"
			if err != nil {
				msg = err.Error()
			}
			respondJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": msg})
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}
