package internal

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"github.com/superduperfeeder/feeder"
	"github.com/superduperfeeder/feeder/internal/store"
	"github.com/superduperfeeder/feeder/types"
)

// feedView decorates a feed row with human-readable timestamps for the
// admin API.
type feedView struct {
	*types.Feed
	LastFetchedHuman string `json:"lastFetchedHuman,omitempty"`
	LastUpdatedHuman string `json:"lastUpdatedHuman,omitempty"`
}

func newFeedView(feed *types.Feed) *feedView {
	view := &feedView{Feed: feed}
	if !feed.LastFetched.IsZero() {
		view.LastFetchedHuman = humanize.Time(feed.LastFetched)
	}
	if !feed.LastUpdated.IsZero() {
		view.LastUpdatedHuman = humanize.Time(feed.LastUpdated)
	}
	return view
}

// FeedsHandler lists the feeds known to the polling engine. Supports
// filtering by url, title, active and websub query parameters.
func (s *Server) FeedsHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		feeds, err := s.store.ListFeeds()
		if err != nil {
			log.WithError(err).Error("error listing feeds")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		q := r.URL.Query()
		urlFilter := strings.ToLower(q.Get("url"))
		titleFilter := strings.ToLower(q.Get("title"))
		activeFilter := q.Get("active")
		websubFilter := q.Get("websub")

		var views []*feedView
		for _, feed := range feeds {
			if urlFilter != "" && !strings.Contains(strings.ToLower(feed.URL), urlFilter) {
				continue
			}
			if titleFilter != "" && !strings.Contains(strings.ToLower(feed.Title), titleFilter) {
				continue
			}
			if activeFilter != "" && feed.Active != (activeFilter == "true") {
				continue
			}
			if websubFilter != "" && feed.SupportsWebSub != (websubFilter == "true") {
				continue
			}
			views = append(views, newFeedView(feed))
		}

		sort.Slice(views, func(i, j int) bool { return views[i].URL < views[j].URL })
		writeJSON(w, http.StatusOK, views)
	}
}

// FeedHandler returns a single feed.
func (s *Server) FeedHandler() httprouter.Handle {
	return func(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
		feed, err := s.store.GetFeed(p.ByName("id"))
		if err != nil {
			if err == store.ErrNotFound {
				http.Error(w, "Not Found", http.StatusNotFound)
				return
			}
			log.WithError(err).Error("error loading feed")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, newFeedView(feed))
	}
}

// FeedItemsHandler returns the items recorded for a feed, newest first.
func (s *Server) FeedItemsHandler() httprouter.Handle {
	return func(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
		feedID := p.ByName("id")
		if _, err := s.store.GetFeed(feedID); err != nil {
			if err == store.ErrNotFound {
				http.Error(w, "Not Found", http.StatusNotFound)
				return
			}
			log.WithError(err).Error("error loading feed")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		items, err := s.store.ListFeedItems(feedID)
		if err != nil {
			log.WithError(err).Error("error listing feed items")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		sort.Slice(items, func(i, j int) bool {
			return items[i].Published.After(items[j].Published)
		})
		writeJSON(w, http.StatusOK, items)
	}
}

// FeedToggleHandler flips a feed's active flag.
func (s *Server) FeedToggleHandler() httprouter.Handle {
	return func(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
		var toggled *types.Feed
		err := s.store.MutateFeed(p.ByName("id"), func(feed *types.Feed) error {
			feed.Active = !feed.Active
			toggled = feed
			return nil
		})
		if err != nil {
			if err == store.ErrNotFound {
				http.Error(w, "Not Found", http.StatusNotFound)
				return
			}
			log.WithError(err).Error("error toggling feed")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, newFeedView(toggled))
	}
}

// FeedUpdateHandler polls a feed synchronously, bypassing its interval and
// conditional request headers.
func (s *Server) FeedUpdateHandler() httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		feedID := p.ByName("id")
		if _, err := s.store.GetFeed(feedID); err != nil {
			if err == store.ErrNotFound {
				http.Error(w, "Not Found", http.StatusNotFound)
				return
			}
			log.WithError(err).Error("error loading feed")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		if err := s.poller.PollFeed(r.Context(), feedID, true); err != nil {
			log.WithError(err).Errorf("error force-polling feed %s", feedID)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		feed, err := s.store.GetFeed(feedID)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, newFeedView(feed))
	}
}

// InfoHandler reports software name, version and uptime.
func (s *Server) InfoHandler() httprouter.Handle {
	return func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"software": "SuperDuperFeeder",
			"version":  feeder.FullVersion(),
			"started":  s.startedAt.UTC().Format(time.RFC3339),
			"uptime":   humanize.Time(s.startedAt),
		})
	}
}
