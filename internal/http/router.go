package httpapi

import "net/http"

// Handlers groups the websocket endpoints mounted next to the API.
type Handlers struct {
	Visitor http.Handler
	Agent   http.Handler
}

// NewRouter mounts the read-only agent API and the websocket endpoints. mw
// authenticates agents; visitors connect without a credential.
func NewRouter(svc *Service, ws Handlers, mw func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler {
		if mw != nil {
			return mw(h)
		}
		return h
	}

	mux.Handle("/api/conversations", wrap(http.HandlerFunc(svc.handleListConversations)))
	mux.Handle("/api/conversations/", wrap(http.HandlerFunc(svc.handleConversation)))
	mux.HandleFunc("/healthz", svc.handleHealth)

	if ws.Visitor != nil {
		mux.Handle("/ws/visitor", ws.Visitor)
	}
	if ws.Agent != nil {
		mux.Handle("/ws/agent", wrap(ws.Agent))
	}
	return mux
}
