package adapthttp

import (
	"net/http"
	"strconv"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, ex *exchange) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleInternalPage serves a protected page. Under a bypass policy there may
// be no session, in which case the identity fields are null.
func (s *Server) handleInternalPage(page string) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request, ex *exchange) {
		body := map[string]any{
			"ok":      true,
			"page":    page,
			"user":    nil,
			"user_id": nil,
		}
		if ex.session != nil {
			body["user"] = ex.session.Username
			body["user_id"] = strconv.FormatInt(ex.session.UserID, 10)
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request, ex *exchange) {
	writeError(w, http.StatusNotFound, "not found")
}
