package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	// Session routes
	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.terminateSession)

			r.Post("/message", s.pushMessage)
			r.Post("/approve", s.approveTool)
			r.Post("/reject", s.rejectTool)
			r.Post("/answer", s.answerQuestion)
			r.Post("/stop", s.stopSession)

			r.Post("/share", s.shareSession)
			r.Delete("/share", s.unshareSession)

			r.Get("/events", s.sessionEvents)
		})
	})

	// Cross-session event stream
	r.Get("/global/event", s.globalEvents)

	// Shared transcript (public read, keyed by share token)
	r.Get("/share/{token}", s.getSharedTranscript)

	// File operations
	r.Route("/file", func(r chi.Router) {
		r.Get("/", s.listFiles)
		r.Get("/content", s.readFile)
		r.Get("/status", s.gitStatus)
	})

	// Search
	r.Route("/find", func(r chi.Router) {
		r.Get("/", s.searchText)
		r.Get("/file", s.searchFiles)
		r.Get("/symbol", s.searchSymbols)
	})
}
