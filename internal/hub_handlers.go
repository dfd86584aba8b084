package internal

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"github.com/superduperfeeder/feeder/internal/indieweb"
)

// HubEndpointHandler is the WebSub hub endpoint. Subscribers POST form
// requests here; publishers either POST hub.mode=publish or push content
// directly with a Link header naming the topic.
func (s *Server) HubEndpointHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		// A rel=self Link header means the request body is the content
		// itself, not a form.
		links := indieweb.GetHeaderLinks(r.Header.Values("Link"))
		if link := indieweb.FindHeaderLink(links, "self"); link != nil {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxContentSize))
			if err != nil {
				http.Error(w, "Bad Request", http.StatusBadRequest)
				return
			}
			count, err := s.hub.ProcessContentNotification(link.URL.String(), r.Header.Get("Content-Type"), body)
			if err != nil {
				log.WithError(err).Error("error processing content notification")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			publishCounter.Inc()
			http.Error(w, fmt.Sprintf("Accepted: %d deliveries queued", count), http.StatusAccepted)
			return
		}

		if err := r.ParseForm(); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		mode := r.Form.Get("hub.mode")
		topic := r.Form.Get("hub.topic")

		switch mode {
		case "subscribe", "unsubscribe":
			leaseSeconds, err := parseLeaseSeconds(r.Form.Get("hub.lease_seconds"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if _, err := s.hub.ProcessSubscriptionRequest(
				mode, topic,
				r.Form.Get("hub.callback"),
				r.Form.Get("hub.secret"),
				leaseSeconds,
			); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			http.Error(w, "Subscription Accepted", http.StatusAccepted)
		case "publish":
			s.acceptPublish(w, r, topic)
		case "":
			// Some publishers just POST topic=... with no hub.mode.
			if topic := r.Form.Get("topic"); topic != "" {
				s.acceptPublish(w, r, topic)
				return
			}
			http.Error(w, "Invalid Mode", http.StatusBadRequest)
		default:
			http.Error(w, "Invalid Mode", http.StatusBadRequest)
		}
	}
}

func (s *Server) acceptPublish(w http.ResponseWriter, r *http.Request, topic string) {
	count, err := s.hub.ProcessPublishRequest(r.Context(), topic)
	if err != nil {
		if err == ErrInvalidTopic {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.WithError(err).Errorf("error processing publish for %s", topic)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	http.Error(w, fmt.Sprintf("Accepted: %d deliveries queued", count), http.StatusAccepted)
}

// SubscribeHandler is the REST flavour of a hub.mode=subscribe request:
// same form fields, JSON response.
func (s *Server) SubscribeHandler() httprouter.Handle {
	return s.subscriptionRESTHandler("subscribe")
}

// UnsubscribeHandler is the REST flavour of a hub.mode=unsubscribe request.
func (s *Server) UnsubscribeHandler() httprouter.Handle {
	return s.subscriptionRESTHandler("unsubscribe")
}

func (s *Server) subscriptionRESTHandler(mode string) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		leaseSeconds, err := parseLeaseSeconds(r.Form.Get("hub.lease_seconds"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		result, err := s.hub.ProcessSubscriptionRequest(
			mode,
			r.Form.Get("hub.topic"),
			r.Form.Get("hub.callback"),
			r.Form.Get("hub.secret"),
			leaseSeconds,
		)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		writeJSON(w, http.StatusAccepted, result)
	}
}

// parseLeaseSeconds parses the hub.lease_seconds form value. Absent means
// the hub chooses the lease; a supplied value must be a positive integer.
func parseLeaseSeconds(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return 0, ErrInvalidLease
	}
	return n, nil
}
