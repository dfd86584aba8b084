package internal

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
)

// WebhookHandler registers an external feed subscription: content from the
// feed (pushed or polled) is relayed to the optional callback URL.
func (s *Server) WebhookHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if err := r.ParseForm(); err != nil {
			writeJSON(w, http.StatusBadRequest, &WebhookResult{Success: false, Message: "invalid request body"})
			return
		}

		topic := r.Form.Get("topic")
		callback := r.Form.Get("callback")

		result, err := s.external.SubscribeToFeed(r.Context(), topic, callback)
		if err != nil {
			log.WithError(err).Warnf("webhook registration failed for %s", topic)
			writeJSON(w, http.StatusBadRequest, result)
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

// WebhookVerifyHandler redeems a pending callback verification token.
func (s *Server) WebhookVerifyHandler() httprouter.Handle {
	return func(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
		cb, err := s.external.VerifyUserCallbackToken(p.ByName("token"))
		if err != nil {
			writeJSON(w, http.StatusNotFound, &WebhookResult{Success: false, Message: "unknown or expired token"})
			return
		}
		writeJSON(w, http.StatusOK, &WebhookResult{Success: true, Topic: cb.Topic})
	}
}

// CallbackVerifyHandler answers upstream hub verification GETs on our
// callback paths by echoing the challenge.
func (s *Server) CallbackVerifyHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		q := r.URL.Query()
		leaseSeconds, _ := strconv.Atoi(q.Get("hub.lease_seconds"))

		challenge, err := s.external.HandleCallback(
			"/callback/"+p.ByName("id"),
			q.Get("hub.mode"),
			q.Get("hub.topic"),
			q.Get("hub.challenge"),
			leaseSeconds,
		)
		if err != nil {
			log.WithError(err).Debug("rejecting upstream verification")
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(challenge))
	}
}

// CallbackContentHandler accepts content POSTs from upstream hubs.
func (s *Server) CallbackContentHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxContentSize))
		if err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		err = s.external.HandleContent(
			"/callback/"+p.ByName("id"),
			r.Header.Get("Content-Type"),
			r.Header.Get("X-Hub-Signature"),
			body,
		)
		if err != nil {
			log.WithError(err).Debug("rejecting upstream content")
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}

		http.Error(w, "Accepted", http.StatusAccepted)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("error encoding json response")
	}
}
